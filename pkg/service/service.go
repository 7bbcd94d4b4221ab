// Package service assembles the platform from a validated configuration
// and exposes the caller-facing surface: endpoint-scoped operation
// invocation with rate limiting and read-through caching, configuration
// reload, and graceful shutdown.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/unhinged-ai/polystore/internal/lifecycle"
	"github.com/unhinged-ai/polystore/pkg/capability"
	"github.com/unhinged-ai/polystore/pkg/config"
	"github.com/unhinged-ai/polystore/pkg/errors"
	"github.com/unhinged-ai/polystore/pkg/executor"
	"github.com/unhinged-ai/polystore/pkg/health"
	"github.com/unhinged-ai/polystore/pkg/logger"
	"github.com/unhinged-ai/polystore/pkg/provider/core"
	"github.com/unhinged-ai/polystore/pkg/provider/registry"
	"github.com/unhinged-ai/polystore/pkg/router"
	"github.com/unhinged-ai/polystore/pkg/shard"
	"github.com/unhinged-ai/polystore/pkg/txn"
)

// Service is the assembled platform.
type Service struct {
	mu  sync.RWMutex
	cfg *config.PlatformConfig
	reg *registry.Registry

	router      *router.Router
	shards      *shard.Manager
	coordinator *txn.Coordinator
	executor    *executor.Executor
	lifecycle   *lifecycle.Manager
	health      *health.Aggregator

	limiters map[string]*rate.Limiter
	logger   *zap.Logger
}

// New opens providers for every configured technology and wires the
// routing, transaction, sharding, lifecycle, and health layers.
func New(ctx context.Context, cfg *config.PlatformConfig) (*Service, error) {
	reg, err := registry.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:    cfg,
		reg:    reg,
		logger: logger.With(zap.String("component", "service")),
	}
	s.router = router.New(cfg, reg)
	s.shards = shard.NewManager(cfg)
	s.coordinator = txn.NewCoordinator(s.router, 30*time.Second)
	s.executor = executor.New(s.router, s.coordinator, s.shards)
	s.health = health.NewAggregator(reg, cfg.Monitoring.HealthInterval)

	s.lifecycle, err = lifecycle.NewManager(cfg, reg)
	if err != nil {
		_ = reg.Shutdown(ctx)
		return nil, err
	}

	s.limiters = buildLimiters(cfg)
	return s, nil
}

func buildLimiters(cfg *config.PlatformConfig) map[string]*rate.Limiter {
	limiters := make(map[string]*rate.Limiter)
	for _, ep := range cfg.API.Endpoints {
		if ep.RateLimit <= 0 {
			continue
		}
		burst := ep.Burst
		if burst <= 0 {
			burst = int(ep.RateLimit)
			if burst < 1 {
				burst = 1
			}
		}
		limiters[ep.Name] = rate.NewLimiter(rate.Limit(ep.RateLimit), burst)
	}
	return limiters
}

// Start launches background work: health polling and lifecycle scheduling.
func (s *Service) Start(ctx context.Context) {
	s.health.Start(ctx)
	s.lifecycle.Start(ctx)
	s.logger.Info("platform started",
		zap.Int("technologies", len(s.cfg.Technologies)),
		zap.Int("tables", len(s.cfg.Tables)))
}

// Close stops background work and shuts every provider down.
func (s *Service) Close(ctx context.Context) error {
	s.lifecycle.Stop()
	s.health.Stop()
	return s.reg.Shutdown(ctx)
}

// Router returns the routing layer.
func (s *Service) Router() *router.Router { return s.router }

// Executor returns the operation executor.
func (s *Service) Executor() *executor.Executor { return s.executor }

// Coordinator returns the transaction coordinator.
func (s *Service) Coordinator() *txn.Coordinator { return s.coordinator }

// Health returns the health aggregator.
func (s *Service) Health() *health.Aggregator { return s.health }

// Shards returns the shard manager.
func (s *Service) Shards() *shard.Manager { return s.shards }

// Registry returns the live provider registry.
func (s *Service) Registry() *registry.Registry { return s.reg }

// Config returns the active configuration.
func (s *Service) Config() *config.PlatformConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Invoke runs a named operation or query through an endpoint, enforcing
// the endpoint's allow-list and rate limit. Query endpoints with caching
// enabled read through the configured cache technology.
func (s *Service) Invoke(ctx context.Context, endpoint, name string, params map[string]interface{}) (interface{}, error) {
	ep := s.endpoint(endpoint)
	if ep == nil {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "unknown endpoint %q", endpoint)
	}
	if !contains(ep.Operations, name) {
		return nil, errors.Newf(errors.ErrorTypeValidation,
			"endpoint %q does not allow operation %q", endpoint, name)
	}
	if limiter := s.limiters[endpoint]; limiter != nil && !limiter.Allow() {
		return nil, errors.Newf(errors.ErrorTypeRateLimit,
			"endpoint %q rate limit exceeded", endpoint)
	}

	cfg := s.Config()
	if cfg.Query(name) != nil {
		return s.invokeQuery(ctx, ep, name, params)
	}
	return s.executor.Execute(ctx, name, params)
}

// invokeQuery runs a query template, consulting the endpoint's cache first
// when enabled and populating it on miss.
func (s *Service) invokeQuery(ctx context.Context, ep *config.EndpointConfig, name string, params map[string]interface{}) ([]*core.Record, error) {
	var cacheProvider core.Provider
	var cacheKey string
	if ep.Cache.Enabled {
		cacheProvider = s.cacheProvider(ep.Cache.Technology)
		if cacheProvider != nil {
			cacheKey = cacheEntryKey(name, params)
			if cached := s.cacheGet(ctx, cacheProvider, cacheKey); cached != nil {
				return cached, nil
			}
		}
	}

	stream, err := s.executor.Query(ctx, name, params)
	if err != nil {
		return nil, err
	}
	records, err := stream.Collect()
	if err != nil {
		return nil, err
	}

	if cacheProvider != nil {
		s.cachePut(ctx, cacheProvider, cacheKey, records, ep.Cache.TTL)
	}
	return records, nil
}

// cacheProvider returns the named cache technology's provider, or the
// first cache-category provider when unnamed.
func (s *Service) cacheProvider(name string) core.Provider {
	if name != "" {
		p, err := s.reg.Get(name)
		if err != nil {
			return nil
		}
		return p
	}
	for _, p := range s.reg.All() {
		if p.Category() == capability.CategoryCache {
			return p
		}
	}
	return nil
}

func (s *Service) cacheGet(ctx context.Context, p core.Provider, key string) []*core.Record {
	stream, err := p.ExecuteSpecific(ctx, "cache_get", map[string]interface{}{"key": key})
	if err != nil {
		return nil
	}
	entries, err := stream.Collect()
	if err != nil || len(entries) == 0 {
		return nil
	}
	payload, ok := entries[0].Data["value"].(string)
	if !ok {
		return nil
	}
	var records []*core.Record
	if err := json.Unmarshal([]byte(payload), &records); err != nil {
		return nil
	}
	return records
}

func (s *Service) cachePut(ctx context.Context, p core.Provider, key string, records []*core.Record, ttl time.Duration) {
	payload, err := json.Marshal(records)
	if err != nil {
		return
	}
	_, err = p.ExecuteSpecific(ctx, "cache_set", map[string]interface{}{
		"key":         key,
		"value":       string(payload),
		"ttl_seconds": int64(ttl.Seconds()),
	})
	if err != nil {
		s.logger.Debug("cache write failed", zap.Error(err))
	}
}

func cacheEntryKey(name string, params map[string]interface{}) string {
	encoded, _ := json.Marshal(params)
	return fmt.Sprintf("%s:%s", name, encoded)
}

func (s *Service) endpoint(name string) *config.EndpointConfig {
	cfg := s.Config()
	for _, ep := range cfg.API.Endpoints {
		if ep.Name == name {
			return ep
		}
	}
	return nil
}

func contains(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}

// Reload loads a new configuration, opens a fresh registry over it, swaps
// routing atomically (invalidating all cached routing decisions), and shuts
// down the old providers. In-flight requests finish against the snapshot
// they resolved with.
func (s *Service) Reload(ctx context.Context, cfg *config.PlatformConfig) error {
	newReg, err := registry.Open(ctx, cfg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	oldReg := s.reg
	s.cfg = cfg
	s.reg = newReg
	s.limiters = buildLimiters(cfg)
	s.mu.Unlock()

	s.router.Reload(cfg, newReg)
	s.shards = shard.NewManager(cfg)

	s.lifecycle.Stop()
	newLifecycle, err := lifecycle.NewManager(cfg, newReg)
	if err == nil {
		s.lifecycle = newLifecycle
		s.lifecycle.Start(ctx)
	} else {
		s.logger.Error("lifecycle manager rebuild failed", zap.Error(err))
	}

	if err := oldReg.Shutdown(ctx); err != nil {
		s.logger.Warn("old registry shutdown reported errors", zap.Error(err))
	}
	s.logger.Info("configuration reloaded")
	return nil
}
