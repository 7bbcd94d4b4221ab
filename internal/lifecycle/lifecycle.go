// Package lifecycle evaluates scheduled data lifecycle policies: expiring,
// archiving, and migrating records past a configured age. Each policy runs
// on its own interval; table work dispatches to a shared worker pool.
// Rules are idempotent: archival upserts into the target and deletes the
// exact records it copied, so re-running after a crash converges to the
// same end state instead of duplicating work.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/unhinged-ai/polystore/pkg/capability"
	"github.com/unhinged-ai/polystore/pkg/config"
	"github.com/unhinged-ai/polystore/pkg/errors"
	"github.com/unhinged-ai/polystore/pkg/logger"
	"github.com/unhinged-ai/polystore/pkg/metrics"
	"github.com/unhinged-ai/polystore/pkg/provider/core"
	"github.com/unhinged-ai/polystore/pkg/provider/registry"
)

// Manager schedules and runs lifecycle policies.
type Manager struct {
	cfg    *config.PlatformConfig
	reg    *registry.Registry
	pool   *ants.Pool
	logger *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a lifecycle manager with a worker pool sized for the
// configured policies.
func NewManager(cfg *config.PlatformConfig, reg *registry.Registry) (*Manager, error) {
	workers := 4
	if n := len(cfg.Lifecycle) * 2; n > workers {
		workers = n
	}
	p, err := ants.NewPool(workers, ants.WithNonblocking(false))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to create worker pool")
	}
	return &Manager{
		cfg:    cfg,
		reg:    reg,
		pool:   p,
		logger: logger.With(zap.String("component", "lifecycle")),
	}, nil
}

// Start launches one scheduler goroutine per policy.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	for _, policy := range m.cfg.Lifecycle {
		policy := policy
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			ticker := time.NewTicker(policy.Schedule)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					m.RunPolicy(ctx, policy)
				}
			}
		}()
	}
}

// Stop halts scheduling and releases the worker pool.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.pool.Release()
}

// RunPolicy evaluates every rule of a policy against every table it names.
// Table work runs on the shared pool; RunPolicy blocks until all of it
// finishes.
func (m *Manager) RunPolicy(ctx context.Context, policy *config.LifecyclePolicy) {
	var wg sync.WaitGroup
	for _, tableName := range policy.Tables {
		for _, rule := range policy.Rules {
			tableName, rule := tableName, rule
			wg.Add(1)
			err := m.pool.Submit(func() {
				defer wg.Done()
				if err := m.runRule(ctx, tableName, rule); err != nil {
					m.logger.Error("lifecycle rule failed",
						zap.String("policy", policy.Name),
						zap.String("rule", rule.Name),
						zap.String("table", tableName),
						zap.Error(err))
				}
			})
			if err != nil {
				wg.Done()
				m.logger.Error("failed to submit lifecycle work", zap.Error(err))
			}
		}
	}
	wg.Wait()
}

// runRule applies one rule to one table, batch by batch, retrying
// transient failures with exponential backoff.
func (m *Manager) runRule(ctx context.Context, tableName string, rule *config.LifecycleRule) error {
	table := m.cfg.Table(tableName)
	if table == nil {
		return errors.Newf(errors.ErrorTypeConfig, "unknown table %q", tableName)
	}
	source, err := m.reg.Get(table.Technology)
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-rule.MaxAge)
	criteria := core.Range(rule.AgeField, nil, cutoff)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var processed int64
		op := func() (int64, error) {
			return m.processBatch(ctx, source, table, rule, criteria)
		}
		processed, err = backoff.Retry(ctx, op,
			backoff.WithBackOff(backoff.NewExponentialBackOff()),
			backoff.WithMaxTries(3))
		if err != nil {
			return err
		}
		if processed == 0 {
			return nil
		}
		metrics.LifecycleRecordsProcessed.WithLabelValues(rule.Name, string(rule.Action)).
			Add(float64(processed))
		m.logger.Info("lifecycle batch processed",
			zap.String("rule", rule.Name),
			zap.String("table", tableName),
			zap.String("action", string(rule.Action)),
			zap.Int64("records", processed))
	}
}

// processBatch handles one batch of matching records and returns how many
// it processed. Zero means the rule has converged for this run.
func (m *Manager) processBatch(ctx context.Context, source core.Provider, table *config.TableConfig, rule *config.LifecycleRule, criteria *core.Criteria) (int64, error) {
	spec := &core.QuerySpec{
		Table:    table.Name,
		Type:     capability.QueryTypeRangeScan,
		Criteria: criteria,
		Limit:    rule.BatchSize,
	}
	stream, err := source.ExecuteQuery(ctx, spec)
	if err != nil {
		return 0, err
	}
	records, err := stream.Collect()
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	switch rule.Action {
	case config.LifecycleDelete:
		return source.Delete(ctx, table.Name, m.batchCriteria(table, records, criteria))

	case config.LifecycleArchive, config.LifecycleMigrate:
		target, err := m.reg.Get(rule.Target)
		if err != nil {
			return 0, err
		}
		// Upsert into the target first; only records safely copied are
		// removed from the source. A crash between the two phases leaves
		// duplicates the next run re-upserts, never data loss.
		if err := target.InsertBatch(ctx, records); err != nil {
			return 0, err
		}
		return source.Delete(ctx, table.Name, m.batchCriteria(table, records, criteria))

	default:
		return 0, errors.Newf(errors.ErrorTypeConfig, "unknown lifecycle action %q", rule.Action)
	}
}

// batchCriteria narrows the age criteria to exactly the fetched batch via
// the primary key, so the delete removes only records already handled.
func (m *Manager) batchCriteria(table *config.TableConfig, records []*core.Record, age *core.Criteria) *core.Criteria {
	pk := table.PrimaryKey()
	if pk == nil {
		return age
	}
	keys := make([]interface{}, 0, len(records))
	for _, rec := range records {
		if v, ok := rec.Data[pk.Name]; ok {
			keys = append(keys, v)
		}
	}
	if len(keys) == 0 {
		return age
	}
	return core.And(age, core.In(pk.Name, keys...))
}
