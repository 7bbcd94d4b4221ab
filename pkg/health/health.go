// Package health aggregates per-provider health probes into a platform
// report. The aggregator polls every provider on an interval; the platform
// is healthy when all providers are connected, degraded when any provider
// is degraded, and unhealthy when any provider is disconnected.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/unhinged-ai/polystore/pkg/logger"
	"github.com/unhinged-ai/polystore/pkg/provider/core"
	"github.com/unhinged-ai/polystore/pkg/provider/registry"
)

// Overall is the platform-wide health classification.
type Overall string

const (
	OverallHealthy   Overall = "healthy"
	OverallDegraded  Overall = "degraded"
	OverallUnhealthy Overall = "unhealthy"
)

// Report is one aggregated health snapshot.
type Report struct {
	Overall   Overall                          `json:"overall"`
	Providers map[string]*core.HealthStatus    `json:"providers"`
	Metrics   map[string]*core.ProviderMetrics `json:"metrics,omitempty"`
	CheckedAt time.Time                        `json:"checked_at"`
}

// Aggregator polls provider health on an interval.
type Aggregator struct {
	reg      *registry.Registry
	interval time.Duration
	logger   *zap.Logger

	mu     sync.RWMutex
	latest *Report

	cancel context.CancelFunc
	done   chan struct{}
}

// NewAggregator creates an aggregator over an opened registry.
func NewAggregator(reg *registry.Registry, interval time.Duration) *Aggregator {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Aggregator{
		reg:      reg,
		interval: interval,
		logger:   logger.With(zap.String("component", "health")),
	}
}

// Start launches the polling loop.
func (a *Aggregator) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	go func() {
		defer close(a.done)
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		a.Check(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.Check(ctx)
			}
		}
	}()
}

// Stop halts polling.
func (a *Aggregator) Stop() {
	if a.cancel != nil {
		a.cancel()
		<-a.done
	}
}

// Check probes every provider now and returns the aggregated report.
func (a *Aggregator) Check(ctx context.Context) *Report {
	report := &Report{
		Overall:   OverallHealthy,
		Providers: make(map[string]*core.HealthStatus),
		Metrics:   make(map[string]*core.ProviderMetrics),
		CheckedAt: time.Now(),
	}

	for _, p := range a.reg.All() {
		status := p.Health(ctx)
		report.Providers[p.Name()] = status
		report.Metrics[p.Name()] = p.Metrics()
		switch status.State {
		case core.StateDisconnected:
			report.Overall = OverallUnhealthy
		case core.StateDegraded:
			if report.Overall == OverallHealthy {
				report.Overall = OverallDegraded
			}
		}
	}

	a.mu.Lock()
	prev := a.latest
	a.latest = report
	a.mu.Unlock()

	if prev != nil && prev.Overall != report.Overall {
		a.logger.Warn("platform health changed",
			zap.String("from", string(prev.Overall)),
			zap.String("to", string(report.Overall)))
	}
	return report
}

// Latest returns the most recent report without probing, or nil before the
// first check.
func (a *Aggregator) Latest() *Report {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.latest
}

// Handler serves the latest report as JSON. Unhealthy platforms answer 503
// so load balancers can act on the status code alone.
func (a *Aggregator) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := a.Latest()
		if report == nil {
			report = a.Check(r.Context())
		}
		w.Header().Set("Content-Type", "application/json")
		if report.Overall == OverallUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	})
}

// Technologies returns the probed technology names, sorted.
func (a *Aggregator) Technologies() []string {
	report := a.Latest()
	if report == nil {
		return nil
	}
	names := make([]string, 0, len(report.Providers))
	for name := range report.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
