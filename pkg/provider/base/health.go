package base

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/unhinged-ai/polystore/pkg/provider/core"
)

// ProbeFunc performs one live round-trip against the technology.
type ProbeFunc func(ctx context.Context) error

// HealthWatcher probes a provider's connection on an interval and tracks a
// connected/degraded/disconnected state from consecutive failures. One
// failure degrades; three consecutive failures disconnect; one success
// restores connected.
type HealthWatcher struct {
	provider *Provider
	probe    ProbeFunc
	interval time.Duration

	mu          sync.RWMutex
	state       core.ConnectionState
	consecutive int
	lastLatency time.Duration
	lastError   string
	lastChecked time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

const disconnectThreshold = 3

// NewHealthWatcher creates a watcher. Call Start to begin probing.
func NewHealthWatcher(p *Provider, probe ProbeFunc, interval time.Duration) *HealthWatcher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthWatcher{
		provider: p,
		probe:    probe,
		interval: interval,
		state:    core.StateConnected,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background probe loop.
func (w *HealthWatcher) Start() {
	go w.loop()
}

// Stop halts the probe loop and waits for it to exit.
func (w *HealthWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

func (w *HealthWatcher) loop() {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.Check(context.Background())
		}
	}
}

// Check runs one probe immediately and updates the tracked state.
func (w *HealthWatcher) Check(ctx context.Context) *core.HealthStatus {
	timeout := w.provider.Tech().Timeouts.Connect
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := w.probe(ctx)
	latency := time.Since(start)

	w.mu.Lock()
	w.lastLatency = latency
	w.lastChecked = time.Now()
	if err != nil {
		w.consecutive++
		w.lastError = err.Error()
		if w.consecutive >= disconnectThreshold {
			w.state = core.StateDisconnected
		} else {
			w.state = core.StateDegraded
		}
		w.provider.Logger().Warn("health probe failed",
			zap.Int("consecutive_failures", w.consecutive),
			zap.String("state", string(w.state)),
			zap.Error(err))
	} else {
		if w.state != core.StateConnected {
			w.provider.Logger().Info("health probe recovered",
				zap.Duration("latency", latency))
		}
		w.consecutive = 0
		w.lastError = ""
		w.state = core.StateConnected
	}
	state := w.state
	w.mu.Unlock()

	switch state {
	case core.StateConnected:
		w.provider.Collector().SetHealth(1)
	case core.StateDegraded:
		w.provider.Collector().SetHealth(0.5)
	default:
		w.provider.Collector().SetHealth(0)
	}

	return w.status(err, latency)
}

// State returns the current connection state.
func (w *HealthWatcher) State() core.ConnectionState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Status returns the last observed health without probing.
func (w *HealthWatcher) Status() *core.HealthStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return &core.HealthStatus{
		Technology: w.provider.Name(),
		Healthy:    w.state == core.StateConnected,
		State:      w.state,
		Latency:    w.lastLatency,
		Error:      w.lastError,
		CheckedAt:  w.lastChecked,
	}
}

func (w *HealthWatcher) status(err error, latency time.Duration) *core.HealthStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	s := &core.HealthStatus{
		Technology: w.provider.Name(),
		Healthy:    err == nil,
		State:      w.state,
		Latency:    latency,
		CheckedAt:  w.lastChecked,
	}
	if err != nil {
		s.Error = err.Error()
	}
	return s
}
