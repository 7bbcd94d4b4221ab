// Package core defines the uniform provider contract every storage
// technology adapter implements. Callers above the registry interact with
// storage exclusively through these interfaces; nothing outside a provider
// package touches a native driver.
package core

import (
	"context"
	"time"

	"github.com/unhinged-ai/polystore/pkg/capability"
	"github.com/unhinged-ai/polystore/pkg/config"
)

// Record is one logical row or document addressed by table and key.
type Record struct {
	Table string                 `json:"table"`
	Key   string                 `json:"key"`
	Data  map[string]interface{} `json:"data"`
	// TTL optionally bounds the record's lifetime on technologies that
	// support expiry; zero means no expiry
	TTL time.Duration `json:"ttl,omitempty"`
	// Shard is the resolved shard identifier, empty for unsharded tables
	Shard string `json:"shard,omitempty"`
}

// QuerySpec is a technology-agnostic query description. Providers translate
// it to their native form; the translation must fail with a capability error
// before any network call when the query shape is unsupported.
type QuerySpec struct {
	Table string
	Type  capability.QueryType

	Criteria *Criteria
	// Projection limits returned fields; empty means all
	Projection []string
	// OrderBy optionally sorts range scans and aggregations
	OrderBy []OrderField
	Limit   int
	Offset  int

	// GroupBy and Aggregates apply to aggregation queries
	GroupBy    []string
	Aggregates []Aggregate
}

// OrderField is one sort term.
type OrderField struct {
	Field      string
	Descending bool
}

// AggregateFunc is a supported aggregate function.
type AggregateFunc string

const (
	AggCount AggregateFunc = "count"
	AggSum   AggregateFunc = "sum"
	AggAvg   AggregateFunc = "avg"
	AggMin   AggregateFunc = "min"
	AggMax   AggregateFunc = "max"
)

// Aggregate is one aggregate term of an aggregation query.
type Aggregate struct {
	Func  AggregateFunc
	Field string
	As    string
}

// ResultStream delivers query results incrementally. The provider closes
// Records when the result set is exhausted; a terminal error arrives on
// Errors before Records closes. Consumers must drain Records.
type ResultStream struct {
	Records <-chan *Record
	Errors  <-chan error
}

// Collect drains a stream into a slice. Intended for bounded result sets.
func (s *ResultStream) Collect() ([]*Record, error) {
	var out []*Record
	for rec := range s.Records {
		out = append(out, rec)
	}
	select {
	case err := <-s.Errors:
		if err != nil {
			return out, err
		}
	default:
	}
	return out, nil
}

// StreamOf builds a pre-populated result stream from in-memory records.
// Used by providers with fully materialized results and by tests.
func StreamOf(records []*Record, err error) *ResultStream {
	recCh := make(chan *Record, len(records))
	errCh := make(chan error, 1)
	for _, r := range records {
		recCh <- r
	}
	if err != nil {
		errCh <- err
	}
	close(recCh)
	return &ResultStream{Records: recCh, Errors: errCh}
}

// ConnectionState describes the provider's view of its backing connection.
type ConnectionState string

const (
	StateConnected    ConnectionState = "connected"
	StateDegraded     ConnectionState = "degraded"
	StateDisconnected ConnectionState = "disconnected"
)

// ConnectionStatus is a point-in-time connection report.
type ConnectionStatus struct {
	State       ConnectionState `json:"state"`
	ActiveConns int             `json:"active_conns"`
	IdleConns   int             `json:"idle_conns"`
	LastError   string          `json:"last_error,omitempty"`
	LastChecked time.Time       `json:"last_checked"`
}

// HealthStatus is a provider health report used by the aggregator.
type HealthStatus struct {
	Technology string          `json:"technology"`
	Healthy    bool            `json:"healthy"`
	State      ConnectionState `json:"state"`
	Latency    time.Duration   `json:"latency"`
	Error      string          `json:"error,omitempty"`
	CheckedAt  time.Time       `json:"checked_at"`
}

// ProviderMetrics is a provider-level counters snapshot.
type ProviderMetrics struct {
	Technology     string        `json:"technology"`
	Operations     int64         `json:"operations"`
	Failures       int64         `json:"failures"`
	RecordsRead    int64         `json:"records_read"`
	RecordsWritten int64         `json:"records_written"`
	Uptime         time.Duration `json:"uptime"`
}

// Provider is the uniform contract a storage technology adapter implements.
// All blocking methods take a context and honor its deadline.
type Provider interface {
	// Name returns the configured technology instance name.
	Name() string
	// Category returns the technology's capability category.
	Category() capability.Category

	// Initialize connects to the technology and prepares the given tables.
	// It must be called exactly once before any other method.
	Initialize(ctx context.Context, tech *config.TechnologyConfig, tables []*config.TableConfig) error
	// Shutdown releases all resources. Safe to call more than once.
	Shutdown(ctx context.Context) error

	// TestConnection performs a live round-trip to the technology.
	TestConnection(ctx context.Context) error
	// ConnectionStatus reports the current connection state without I/O.
	ConnectionStatus() ConnectionStatus

	// CreateDatabase creates the physical database/namespace if missing.
	CreateDatabase(ctx context.Context, name string) error
	// CreateTable materializes a logical table. Idempotent.
	CreateTable(ctx context.Context, table *config.TableConfig) error
	// DropTable removes a logical table's physical representation.
	DropTable(ctx context.Context, table string) error
	// TableExists reports whether the logical table is materialized.
	TableExists(ctx context.Context, table string) (bool, error)

	// ExecuteQuery runs a query and streams results. Unsupported query
	// shapes fail with a capability error before any network call.
	ExecuteQuery(ctx context.Context, spec *QuerySpec) (*ResultStream, error)
	// ExecuteQuerySingle returns the first matching record, or (nil, nil)
	// when nothing matches.
	ExecuteQuerySingle(ctx context.Context, spec *QuerySpec) (*Record, error)
	// ExecuteQueryCount returns the number of matching records.
	ExecuteQueryCount(ctx context.Context, spec *QuerySpec) (int64, error)

	// Insert writes one record. Re-inserting an existing key upserts.
	Insert(ctx context.Context, record *Record) error
	// InsertBatch writes many records, batched per the technology config.
	InsertBatch(ctx context.Context, records []*Record) error
	// Update applies partial field changes to records matching criteria and
	// returns the number of records changed.
	Update(ctx context.Context, table string, criteria *Criteria, changes map[string]interface{}) (int64, error)
	// Delete removes records matching criteria and returns the count.
	Delete(ctx context.Context, table string, criteria *Criteria) (int64, error)

	// SupportsTransactions reports whether BeginTransaction is available.
	SupportsTransactions() bool
	// BeginTransaction starts a native transaction. Providers without
	// transaction support return a capability error.
	BeginTransaction(ctx context.Context) (Transaction, error)

	// ExecuteSpecific runs a named technology-specific command escape hatch.
	ExecuteSpecific(ctx context.Context, command string, params map[string]interface{}) (*ResultStream, error)

	// SupportedQueryTypes returns the query shapes this provider serves.
	SupportedQueryTypes() []capability.QueryType
	// SupportedDataTypes returns the field types this provider stores.
	SupportedDataTypes() []capability.DataType
	// SupportsFeature reports a capability feature flag.
	SupportsFeature(f capability.Feature) bool

	// Health performs a health probe.
	Health(ctx context.Context) *HealthStatus
	// Metrics returns a counters snapshot.
	Metrics() *ProviderMetrics
}

// Transaction is a native provider transaction. Mutations inside the
// transaction are invisible to other callers until Commit.
type Transaction interface {
	Insert(ctx context.Context, record *Record) error
	Update(ctx context.Context, table string, criteria *Criteria, changes map[string]interface{}) (int64, error)
	Delete(ctx context.Context, table string, criteria *Criteria) (int64, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
