// Package base provides shared provider infrastructure: capability
// fail-fast checks, record validation against the table schema, retry with
// exponential backoff for transient failures, operation counters, and a
// background health watcher. Concrete providers embed Provider and supply
// the technology-specific parts.
package base

import (
	"context"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/unhinged-ai/polystore/pkg/capability"
	"github.com/unhinged-ai/polystore/pkg/config"
	"github.com/unhinged-ai/polystore/pkg/errors"
	"github.com/unhinged-ai/polystore/pkg/logger"
	"github.com/unhinged-ai/polystore/pkg/metrics"
	"github.com/unhinged-ai/polystore/pkg/provider/core"
)

// Provider carries the state and behavior common to all technology
// adapters. Zero value is not usable; construct with New.
type Provider struct {
	name     string
	category capability.Category
	caps     capability.Capability

	tech   *config.TechnologyConfig
	tables map[string]*config.TableConfig

	logger    *zap.Logger
	collector *metrics.Collector

	operations     atomic.Int64
	failures       atomic.Int64
	recordsRead    atomic.Int64
	recordsWritten atomic.Int64

	mu        sync.RWMutex
	lastError string
	checkedAt time.Time

	validators map[string]map[string]*regexp.Regexp
}

// New creates the shared base for a provider of the given name and category.
func New(name string, category capability.Category) *Provider {
	return &Provider{
		name:      name,
		category:  category,
		caps:      capability.MustGet(category),
		tables:    make(map[string]*config.TableConfig),
		logger:    logger.With(zap.String("technology", name)),
		collector: metrics.NewCollector(name),
	}
}

// Configure records the technology config and table schemas. Called from
// the concrete provider's Initialize before connecting.
func (p *Provider) Configure(tech *config.TechnologyConfig, tables []*config.TableConfig) error {
	p.tech = tech
	p.validators = make(map[string]map[string]*regexp.Regexp)
	for _, t := range tables {
		p.tables[t.Name] = t
		for _, f := range t.Fields {
			if f.Validation == "" {
				continue
			}
			re, err := regexp.Compile(f.Validation)
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeConfig, "invalid field validation pattern").
					WithDetail("table", t.Name).
					WithDetail("field", f.Name)
			}
			if p.validators[t.Name] == nil {
				p.validators[t.Name] = make(map[string]*regexp.Regexp)
			}
			p.validators[t.Name][f.Name] = re
		}
	}
	return nil
}

// Name returns the technology instance name.
func (p *Provider) Name() string { return p.name }

// Category returns the capability category.
func (p *Provider) Category() capability.Category { return p.category }

// Tech returns the technology config.
func (p *Provider) Tech() *config.TechnologyConfig { return p.tech }

// Logger returns the provider's structured logger.
func (p *Provider) Logger() *zap.Logger { return p.logger }

// Collector returns the provider's metrics collector.
func (p *Provider) Collector() *metrics.Collector { return p.collector }

// Table returns the schema for a logical table this provider serves.
func (p *Provider) Table(name string) (*config.TableConfig, error) {
	t, ok := p.tables[name]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeValidation,
			"table %q is not served by technology %q", name, p.name)
	}
	return t, nil
}

// Tables returns all table schemas this provider serves.
func (p *Provider) Tables() []*config.TableConfig {
	out := make([]*config.TableConfig, 0, len(p.tables))
	for _, t := range p.tables {
		out = append(out, t)
	}
	return out
}

// SupportedQueryTypes returns the category's query shapes.
func (p *Provider) SupportedQueryTypes() []capability.QueryType {
	return p.caps.QueryTypes
}

// SupportedDataTypes returns the category's field types.
func (p *Provider) SupportedDataTypes() []capability.DataType {
	return p.caps.DataTypes
}

// SupportsFeature reports a capability feature flag.
func (p *Provider) SupportsFeature(f capability.Feature) bool {
	return p.caps.SupportsFeature(f)
}

// RequireQueryType fails fast with a capability error when the provider
// cannot serve the query shape. Must be called before any network I/O.
func (p *Provider) RequireQueryType(qt capability.QueryType) error {
	if !p.caps.SupportsQueryType(qt) {
		return errors.NewCapability(p.name, "query type "+string(qt))
	}
	return nil
}

// RequireFeature fails fast with a capability error when the feature is
// absent from the provider's category.
func (p *Provider) RequireFeature(f capability.Feature) error {
	if !p.caps.SupportsFeature(f) {
		return errors.NewCapability(p.name, string(f))
	}
	return nil
}

// ValidateRecord checks a record against its table schema: required
// (non-nullable) fields present, field types compatible, validation
// patterns satisfied. Fields marked encrypted are treated as opaque and
// skip type and pattern checks.
func (p *Provider) ValidateRecord(record *core.Record) error {
	table, err := p.Table(record.Table)
	if err != nil {
		return err
	}
	for _, field := range table.Fields {
		val, present := record.Data[field.Name]
		if !present || val == nil {
			if !field.Nullable && field.Default == nil && !field.PrimaryKey {
				return errors.Newf(errors.ErrorTypeValidation,
					"field %q of table %q is required", field.Name, table.Name)
			}
			continue
		}
		if field.Encrypted {
			continue
		}
		if !typeCompatible(field.Type, val) {
			return errors.Newf(errors.ErrorTypeValidation,
				"field %q of table %q expects %s, got %T", field.Name, table.Name, field.Type, val)
		}
		if re := p.validators[table.Name][field.Name]; re != nil {
			if s, ok := val.(string); ok && !re.MatchString(s) {
				return errors.Newf(errors.ErrorTypeValidation,
					"field %q of table %q fails validation pattern", field.Name, table.Name)
			}
		}
	}
	for name := range record.Data {
		if table.Field(name) == nil {
			return errors.Newf(errors.ErrorTypeValidation,
				"field %q is not declared on table %q", name, table.Name)
		}
	}
	return nil
}

// typeCompatible reports whether a runtime value fits a declared data type.
// Numeric widening (int into float) and RFC3339 strings into timestamps are
// accepted; everything else must match exactly.
func typeCompatible(dt capability.DataType, v interface{}) bool {
	switch dt {
	case capability.DataTypeString:
		_, ok := v.(string)
		return ok
	case capability.DataTypeInt:
		switch v.(type) {
		case int, int32, int64:
			return true
		case float64:
			f := v.(float64)
			return f == float64(int64(f))
		}
		return false
	case capability.DataTypeFloat:
		switch v.(type) {
		case float32, float64, int, int32, int64:
			return true
		}
		return false
	case capability.DataTypeBool:
		_, ok := v.(bool)
		return ok
	case capability.DataTypeTimestamp:
		switch t := v.(type) {
		case time.Time:
			return true
		case string:
			_, err := time.Parse(time.RFC3339, t)
			return err == nil
		}
		return false
	case capability.DataTypeJSON:
		switch v.(type) {
		case map[string]interface{}, []interface{}:
			return true
		}
		return false
	case capability.DataTypeBinary:
		_, ok := v.([]byte)
		return ok
	case capability.DataTypeVector:
		switch v.(type) {
		case []float32, []float64, []interface{}:
			return true
		}
		return false
	default:
		return false
	}
}

// Retry runs op, retrying transient failures per the technology's retry
// policy with exponential backoff. Non-retryable errors return immediately.
func (p *Provider) Retry(ctx context.Context, operation string, op func() error) error {
	policy := p.tech.Retry

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.Delay
	bo.Multiplier = policy.Multiplier
	bo.MaxInterval = policy.MaxDelay

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := op()
		if err == nil {
			return struct{}{}, nil
		}
		if !errors.IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		p.logger.Warn("retrying transient failure",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return struct{}{}, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(policy.Attempts)))
	return err
}

// Observe records one operation's outcome in counters and Prometheus
// metrics, and captures the last error for status reports.
func (p *Provider) Observe(operation string, start time.Time, err error) {
	p.operations.Add(1)
	if err != nil {
		p.failures.Add(1)
		p.mu.Lock()
		p.lastError = err.Error()
		p.mu.Unlock()
	}
	p.collector.ObserveOperation(operation, start, err)
}

// CountRead adds to the records-read counter.
func (p *Provider) CountRead(n int64) { p.recordsRead.Add(n) }

// CountWritten adds to the records-written counter.
func (p *Provider) CountWritten(n int64) { p.recordsWritten.Add(n) }

// LastError returns the most recent operation error message.
func (p *Provider) LastError() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastError
}

// Metrics returns the provider-level counters snapshot.
func (p *Provider) Metrics() *core.ProviderMetrics {
	return &core.ProviderMetrics{
		Technology:     p.name,
		Operations:     p.operations.Load(),
		Failures:       p.failures.Load(),
		RecordsRead:    p.recordsRead.Load(),
		RecordsWritten: p.recordsWritten.Load(),
		Uptime:         time.Since(p.collector.StartTime()),
	}
}
