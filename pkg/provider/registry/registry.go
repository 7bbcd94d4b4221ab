// Package registry maintains the catalog of provider factories and the set
// of live provider instances for a loaded configuration. Factories register
// by capability category in their package init; the registry instantiates
// one provider per configured technology and owns their lifecycle.
package registry

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/unhinged-ai/polystore/pkg/capability"
	"github.com/unhinged-ai/polystore/pkg/config"
	"github.com/unhinged-ai/polystore/pkg/errors"
	"github.com/unhinged-ai/polystore/pkg/logger"
	"github.com/unhinged-ai/polystore/pkg/provider/core"
)

// Factory creates an uninitialized provider for a named technology instance.
type Factory func(name string) core.Provider

var (
	factoryMu sync.RWMutex
	factories = make(map[capability.Category]Factory)
)

// Register installs a factory for a capability category. Called from
// provider package init; a duplicate registration panics.
func Register(category capability.Category, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if _, exists := factories[category]; exists {
		panic("registry: duplicate factory for category " + string(category))
	}
	factories[category] = factory
}

// Registered returns the categories with installed factories.
func Registered() []capability.Category {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	out := make([]capability.Category, 0, len(factories))
	for c := range factories {
		out = append(out, c)
	}
	return out
}

// Registry holds the live provider instances for one configuration.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]core.Provider
	cfg       *config.PlatformConfig
	logger    *zap.Logger
}

// Open instantiates and initializes a provider for every configured
// technology. Each provider receives the tables it serves as primary or
// backup. On any initialization failure, already-opened providers are shut
// down and the error is returned.
func Open(ctx context.Context, cfg *config.PlatformConfig) (*Registry, error) {
	r := &Registry{
		providers: make(map[string]core.Provider, len(cfg.Technologies)),
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "registry")),
	}

	for name, tech := range cfg.Technologies {
		factoryMu.RLock()
		factory, ok := factories[tech.Category]
		factoryMu.RUnlock()
		if !ok {
			r.shutdownAll(ctx)
			return nil, errors.Newf(errors.ErrorTypeConfig,
				"no provider registered for category %q (technology %q)", tech.Category, name)
		}

		p := factory(name)
		tables := cfg.TablesFor(name)
		if err := p.Initialize(ctx, tech, tables); err != nil {
			r.shutdownAll(ctx)
			return nil, errors.Wrap(err, errors.ErrorTypeConnection, "provider initialization failed").
				WithDetail("technology", name)
		}
		r.providers[name] = p
		r.logger.Info("provider initialized",
			zap.String("technology", name),
			zap.String("category", string(tech.Category)),
			zap.Int("tables", len(tables)))
	}

	return r, nil
}

// Get returns the provider for a technology name.
func (r *Registry) Get(name string) (core.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "no provider for technology %q", name)
	}
	return p, nil
}

// ByCategory returns all providers of the given category.
func (r *Registry) ByCategory(cat capability.Category) []core.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []core.Provider
	for _, p := range r.providers {
		if p.Category() == cat {
			out = append(out, p)
		}
	}
	return out
}

// All returns every live provider.
func (r *Registry) All() []core.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	return out
}

// Config returns the configuration this registry was opened with.
func (r *Registry) Config() *config.PlatformConfig {
	return r.cfg
}

// Shutdown stops all providers. Errors are aggregated; every provider gets
// a shutdown attempt regardless of earlier failures.
func (r *Registry) Shutdown(ctx context.Context) error {
	return r.shutdownAll(ctx)
}

func (r *Registry) shutdownAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for name, p := range r.providers {
		if err := p.Shutdown(ctx); err != nil {
			r.logger.Error("provider shutdown failed",
				zap.String("technology", name), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
		delete(r.providers, name)
	}
	return firstErr
}
