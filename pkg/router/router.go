// Package router resolves logical tables and query shapes to concrete
// providers. Decisions branch on capability categories only, never on
// technology names, and are memoized per (table, query type). A
// configuration reload swaps the snapshot and invalidates the whole
// decision cache at once; no stale entry survives a reload.
package router

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/unhinged-ai/polystore/pkg/capability"
	"github.com/unhinged-ai/polystore/pkg/config"
	"github.com/unhinged-ai/polystore/pkg/errors"
	"github.com/unhinged-ai/polystore/pkg/logger"
	"github.com/unhinged-ai/polystore/pkg/metrics"
	"github.com/unhinged-ai/polystore/pkg/provider/core"
	"github.com/unhinged-ai/polystore/pkg/provider/registry"
)

// Decision is a resolved routing outcome.
type Decision struct {
	Provider   core.Provider
	Technology string
	// Fallback is true when the primary technology could not serve the
	// query and a configured fallback was selected instead
	Fallback bool
}

// snapshot pairs a configuration with its registry; both swap atomically
// on reload.
type snapshot struct {
	cfg *config.PlatformConfig
	reg *registry.Registry
}

// Router performs capability-based provider resolution.
type Router struct {
	snap   atomic.Pointer[snapshot]
	cache  atomic.Pointer[sync.Map]
	logger *zap.Logger
}

// New creates a router over an opened registry.
func New(cfg *config.PlatformConfig, reg *registry.Registry) *Router {
	r := &Router{logger: logger.With(zap.String("component", "router"))}
	r.snap.Store(&snapshot{cfg: cfg, reg: reg})
	r.cache.Store(&sync.Map{})
	return r
}

// Reload swaps in a new configuration and registry and invalidates every
// cached decision wholesale.
func (r *Router) Reload(cfg *config.PlatformConfig, reg *registry.Registry) {
	r.snap.Store(&snapshot{cfg: cfg, reg: reg})
	r.cache.Store(&sync.Map{})
	r.logger.Info("configuration reloaded, decision cache invalidated")
}

// Invalidate drops all cached decisions without changing configuration.
// Used when provider health changes make cached fallback choices stale.
func (r *Router) Invalidate() {
	r.cache.Store(&sync.Map{})
}

// Config returns the active configuration snapshot.
func (r *Router) Config() *config.PlatformConfig {
	return r.snap.Load().cfg
}

// Registry returns the active registry.
func (r *Router) Registry() *registry.Registry {
	return r.snap.Load().reg
}

// Resolve returns the provider serving a query shape against a table. The
// primary technology wins when capable and connected; otherwise configured
// fallbacks and the backup technology are tried in order. When nothing can
// serve the shape, a capability error names the blocking capability and no
// network call is made.
func (r *Router) Resolve(table string, qt capability.QueryType) (*Decision, error) {
	cacheKey := table + "\x00" + string(qt)
	cache := r.cache.Load()
	if cached, ok := cache.Load(cacheKey); ok {
		metrics.RouterCacheHits.Inc()
		return cached.(*Decision), nil
	}
	metrics.RouterCacheMisses.Inc()

	decision, err := r.resolve(table, qt)
	if err != nil {
		return nil, err
	}
	// Store into the same cache generation the lookup missed on; a reload
	// between resolve and store discards the entry along with the map.
	cache.Store(cacheKey, decision)
	return decision, nil
}

func (r *Router) resolve(table string, qt capability.QueryType) (*Decision, error) {
	snap := r.snap.Load()
	tableCfg := snap.cfg.Table(table)
	if tableCfg == nil {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "unknown table %q", table).
			WithStage(errors.StageRouting)
	}

	if d := r.tryTechnology(snap, tableCfg.Technology, qt, false); d != nil {
		return d, nil
	}

	// Primary cannot serve: try the configured fallback chain, then the
	// backup technology.
	candidates := append([]string{}, snap.cfg.Fallbacks(table, qt)...)
	if tableCfg.BackupTechnology != "" {
		candidates = append(candidates, tableCfg.BackupTechnology)
	}
	for _, name := range candidates {
		if name == tableCfg.Technology {
			continue
		}
		if d := r.tryTechnology(snap, name, qt, true); d != nil {
			metrics.RouterFallbacks.WithLabelValues(table, name).Inc()
			r.logger.Info("routing to fallback technology",
				zap.String("table", table),
				zap.String("query_type", string(qt)),
				zap.String("technology", name))
			return d, nil
		}
	}

	return nil, errors.NewCapability(tableCfg.Technology, "query type "+string(qt)).
		WithDetail("table", table)
}

// tryTechnology returns a decision when the named technology is configured,
// capable of the query shape, and not disconnected.
func (r *Router) tryTechnology(snap *snapshot, name string, qt capability.QueryType, fallback bool) *Decision {
	tech := snap.cfg.Technology(name)
	if tech == nil {
		return nil
	}
	if !capability.MustGet(tech.Category).SupportsQueryType(qt) {
		return nil
	}
	p, err := snap.reg.Get(name)
	if err != nil {
		return nil
	}
	if p.ConnectionStatus().State == core.StateDisconnected {
		return nil
	}
	return &Decision{Provider: p, Technology: name, Fallback: fallback}
}

// ResolveWrite returns the primary provider for a table's writes. Writes
// never fall back: the primary technology owns the table's data.
func (r *Router) ResolveWrite(table string) (*Decision, error) {
	snap := r.snap.Load()
	tableCfg := snap.cfg.Table(table)
	if tableCfg == nil {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "unknown table %q", table).
			WithStage(errors.StageRouting)
	}
	p, err := snap.reg.Get(tableCfg.Technology)
	if err != nil {
		return nil, err
	}
	return &Decision{Provider: p, Technology: tableCfg.Technology}, nil
}
