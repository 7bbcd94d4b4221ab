// Package shard computes deterministic shard placement for table records.
// Hash strategies bucket by xxhash of the key field, time strategies bucket
// timestamps into fixed intervals, and range strategies binary-search sorted
// boundaries. The same key always resolves to the same shard for a given
// strategy; changing a hash strategy's shard count is an explicit rebalance,
// never an implicit remapping.
package shard

import (
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/unhinged-ai/polystore/pkg/config"
	"github.com/unhinged-ai/polystore/pkg/errors"
	"github.com/unhinged-ai/polystore/pkg/logger"
	"github.com/unhinged-ai/polystore/pkg/metrics"
)

// Resolver computes shard identifiers for one strategy.
type Resolver struct {
	strategy *config.ShardingStrategy
	logger   *zap.Logger
}

// NewResolver creates a resolver for a validated strategy.
func NewResolver(strategy *config.ShardingStrategy) *Resolver {
	return &Resolver{
		strategy: strategy,
		logger: logger.With(
			zap.String("component", "shard"),
			zap.String("strategy", strategy.Name),
			zap.String("table", strategy.Table)),
	}
}

// Strategy returns the resolver's strategy.
func (r *Resolver) Strategy() *config.ShardingStrategy {
	return r.strategy
}

// Resolve computes the shard identifier for a record's data.
func (r *Resolver) Resolve(data map[string]interface{}) (string, error) {
	val, ok := data[r.strategy.KeyField]
	if !ok || val == nil {
		return "", errors.Newf(errors.ErrorTypeValidation,
			"shard key field %q is missing", r.strategy.KeyField)
	}

	switch r.strategy.Kind {
	case config.ShardHash:
		return r.hashShard(val), nil
	case config.ShardTime:
		return r.timeShard(val)
	case config.ShardRange:
		return r.rangeShard(val), nil
	default:
		return "", errors.Newf(errors.ErrorTypeInternal,
			"unknown shard kind %q", r.strategy.Kind)
	}
}

// hashShard buckets the key by xxhash modulo the shard count.
func (r *Resolver) hashShard(val interface{}) string {
	sum := xxhash.Sum64String(fmt.Sprint(val))
	return fmt.Sprintf("%s_%d", r.strategy.Table, sum%uint64(r.strategy.ShardCount))
}

// timeShard buckets a timestamp into the strategy interval.
func (r *Resolver) timeShard(val interface{}) (string, error) {
	var t time.Time
	switch v := val.(type) {
	case time.Time:
		t = v
	case string:
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return "", errors.Wrap(err, errors.ErrorTypeValidation, "shard key is not a timestamp").
				WithDetail("field", r.strategy.KeyField)
		}
		t = parsed
	default:
		return "", errors.Newf(errors.ErrorTypeValidation,
			"shard key field %q is not a timestamp, got %T", r.strategy.KeyField, val)
	}
	bucket := t.UTC().Truncate(r.strategy.Interval)
	return fmt.Sprintf("%s_%s", r.strategy.Table, bucket.Format("20060102T150405")), nil
}

// rangeShard binary-searches the sorted boundaries for the first one the
// key does not exceed. Keys beyond the last boundary land in an overflow
// shard.
func (r *Resolver) rangeShard(val interface{}) string {
	key := fmt.Sprint(val)
	bounds := r.strategy.Boundaries
	idx := sort.SearchStrings(bounds, key)
	if idx == len(bounds) {
		return fmt.Sprintf("%s_overflow", r.strategy.Table)
	}
	return fmt.Sprintf("%s_%d", r.strategy.Table, idx)
}

// Shards enumerates all shard identifiers a hash or range strategy can
// produce. Time strategies are unbounded and return nil.
func (r *Resolver) Shards() []string {
	switch r.strategy.Kind {
	case config.ShardHash:
		out := make([]string, r.strategy.ShardCount)
		for i := range out {
			out[i] = fmt.Sprintf("%s_%d", r.strategy.Table, i)
		}
		return out
	case config.ShardRange:
		out := make([]string, 0, len(r.strategy.Boundaries)+1)
		for i := range r.strategy.Boundaries {
			out = append(out, fmt.Sprintf("%s_%d", r.strategy.Table, i))
		}
		out = append(out, fmt.Sprintf("%s_overflow", r.strategy.Table))
		return out
	default:
		return nil
	}
}

// Rebalance returns a new resolver with the given shard count. Explicit and
// logged: callers own migrating existing records to their new shards.
func (r *Resolver) Rebalance(shardCount int) (*Resolver, error) {
	if r.strategy.Kind != config.ShardHash {
		return nil, errors.Newf(errors.ErrorTypeValidation,
			"only hash strategies support rebalancing, strategy %q is %q",
			r.strategy.Name, r.strategy.Kind)
	}
	if shardCount <= 0 {
		return nil, errors.New(errors.ErrorTypeValidation, "shard count must be positive")
	}
	next := *r.strategy
	next.ShardCount = shardCount
	metrics.ShardRebalances.WithLabelValues(r.strategy.Table).Inc()
	r.logger.Info("shard rebalance",
		zap.Int("old_count", r.strategy.ShardCount),
		zap.Int("new_count", shardCount))
	return NewResolver(&next), nil
}

// Manager holds the resolvers for every configured strategy.
type Manager struct {
	resolvers map[string]*Resolver
}

// NewManager builds resolvers from the configuration.
func NewManager(cfg *config.PlatformConfig) *Manager {
	m := &Manager{resolvers: make(map[string]*Resolver, len(cfg.Sharding))}
	for _, s := range cfg.Sharding {
		m.resolvers[s.Table] = NewResolver(s)
	}
	return m
}

// For returns the resolver for a table, or nil when the table is unsharded.
func (m *Manager) For(table string) *Resolver {
	return m.resolvers[table]
}

// Assign fills a record's shard from its table's strategy, if any.
func (m *Manager) Assign(table string, data map[string]interface{}) (string, error) {
	r := m.For(table)
	if r == nil {
		return "", nil
	}
	return r.Resolve(data)
}
