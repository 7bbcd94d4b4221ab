// Package config provides the declarative configuration model for Polystore.
// A single PlatformConfig describes every technology, logical table, query
// template, multi-step operation, routing rule, sharding strategy, and
// lifecycle policy. The structure is loaded once at startup, validated, and
// immutable thereafter; a reload produces a fresh snapshot and invalidates
// router caches wholesale.
//
// The configuration is organized into the top-level sections:
//   - technologies: storage technology instances and their connection/pool knobs
//   - databases: logical database namespaces
//   - tables: logical table name -> technology binding plus field schema
//   - queries: named query templates
//   - operations: named multi-step operations with rollback strategies
//   - routing: ordered fallback technologies per table
//   - sharding: shard placement strategies
//   - lifecycle: scheduled expiry/archival/migration policies
//   - api: per-endpoint operation allow-lists, rate limits, cache policy
//   - monitoring: metrics and health polling settings
//   - environments: per-environment overrides merged at load time
package config

import (
	"time"

	"github.com/unhinged-ai/polystore/pkg/capability"
)

// PlatformConfig is the root configuration structure.
type PlatformConfig struct {
	// Version indicates the configuration schema version
	Version string `yaml:"version" json:"version"`
	// Environment names the active environment (dev, staging, prod)
	Environment string `yaml:"environment" json:"environment"`

	Technologies map[string]*TechnologyConfig `yaml:"technologies" json:"technologies"`
	Databases    []*DatabaseConfig            `yaml:"databases" json:"databases"`
	Tables       []*TableConfig               `yaml:"tables" json:"tables"`
	Queries      []*QueryConfig               `yaml:"queries" json:"queries"`
	Operations   []*OperationConfig           `yaml:"operations" json:"operations"`
	Routing      []*RoutingRule               `yaml:"routing" json:"routing"`
	Sharding     []*ShardingStrategy          `yaml:"sharding" json:"sharding"`
	Lifecycle    []*LifecyclePolicy           `yaml:"lifecycle" json:"lifecycle"`
	API          APIConfig                    `yaml:"api" json:"api"`
	Monitoring   MonitoringConfig             `yaml:"monitoring" json:"monitoring"`

	// Environments holds per-environment override documents, merged over
	// the base configuration when loading with an environment name.
	Environments map[string]map[string]interface{} `yaml:"environments,omitempty" json:"environments,omitempty"`
}

// TechnologyConfig describes one configured storage technology instance.
// Immutable after load; a reload requires full router cache invalidation.
type TechnologyConfig struct {
	// Name is the technology instance name (filled from the map key)
	Name string `yaml:"-" json:"name"`
	// Category selects the capability class (distributed_sql, cache, document, ...)
	Category capability.Category `yaml:"category" json:"category"`

	Connection  ConnectionConfig  `yaml:"connection" json:"connection"`
	Performance PerformanceConfig `yaml:"performance" json:"performance"`
	Pool        PoolConfig        `yaml:"pool" json:"pool"`
	Timeouts    TimeoutConfig     `yaml:"timeouts" json:"timeouts"`
	Retry       RetryConfig       `yaml:"retry" json:"retry"`
	Security    *SecurityPolicy   `yaml:"security,omitempty" json:"security,omitempty"`
}

// ConnectionConfig holds technology connection parameters.
type ConnectionConfig struct {
	// URI is a full connection string; when set it takes precedence over Hosts
	URI string `yaml:"uri,omitempty" json:"uri,omitempty"`
	// Hosts lists host:port endpoints
	Hosts []string `yaml:"hosts,omitempty" json:"hosts,omitempty"`
	// Database is the physical database/keyspace name
	Database string `yaml:"database,omitempty" json:"database,omitempty"`
	// Path is a filesystem location for embedded technologies
	Path     string            `yaml:"path,omitempty" json:"path,omitempty"`
	Username string            `yaml:"username,omitempty" json:"username,omitempty"`
	Password string            `yaml:"password,omitempty" json:"password,omitempty"`
	Options  map[string]string `yaml:"options,omitempty" json:"options,omitempty"`
}

// PerformanceConfig holds per-technology performance knobs.
type PerformanceConfig struct {
	// DefaultTTL applies to records written without an explicit TTL
	DefaultTTL time.Duration `yaml:"default_ttl,omitempty" json:"default_ttl,omitempty"`
	// ConsistencyLevel is a technology-interpreted consistency hint
	ConsistencyLevel string `yaml:"consistency_level,omitempty" json:"consistency_level,omitempty"`
	// ShardCount is the default shard count for sharded tables
	ShardCount int `yaml:"shard_count,omitempty" json:"shard_count,omitempty"`
	// ReplicaCount is the default replica count
	ReplicaCount int `yaml:"replica_count,omitempty" json:"replica_count,omitempty"`
	// BatchSize bounds batch mutation sizes
	BatchSize int `yaml:"batch_size,omitempty" json:"batch_size,omitempty"`
}

// PoolConfig sizes the technology's connection pool. Each provider owns an
// independently sized pool so a slow technology cannot stall the others.
type PoolConfig struct {
	MinConns          int32         `yaml:"min_conns" json:"min_conns"`
	MaxConns          int32         `yaml:"max_conns" json:"max_conns"`
	MaxIdleTime       time.Duration `yaml:"max_idle_time" json:"max_idle_time"`
	MaxLifetime       time.Duration `yaml:"max_lifetime" json:"max_lifetime"`
	HealthCheckPeriod time.Duration `yaml:"health_check_period" json:"health_check_period"`
}

// TimeoutConfig defines per-technology deadlines. Every provider call
// derives its context deadline from Request.
type TimeoutConfig struct {
	Connect time.Duration `yaml:"connect" json:"connect"`
	Request time.Duration `yaml:"request" json:"request"`
}

// RetryConfig defines the provider-level retry policy for transient
// connection failures.
type RetryConfig struct {
	Attempts   int           `yaml:"attempts" json:"attempts"`
	Delay      time.Duration `yaml:"delay" json:"delay"`
	Multiplier float64       `yaml:"multiplier" json:"multiplier"`
	MaxDelay   time.Duration `yaml:"max_delay" json:"max_delay"`
}

// SecurityPolicy holds optional technology security settings.
type SecurityPolicy struct {
	EnableTLS     bool              `yaml:"enable_tls" json:"enable_tls"`
	TLSSkipVerify bool              `yaml:"tls_skip_verify" json:"tls_skip_verify"`
	AuthType      string            `yaml:"auth_type,omitempty" json:"auth_type,omitempty"`
	Credentials   map[string]string `yaml:"credentials,omitempty" json:"credentials,omitempty"`
}

// DatabaseConfig names a logical database namespace.
type DatabaseConfig struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// TableConfig binds a logical table to exactly one primary technology and
// at most one backup technology.
type TableConfig struct {
	Name     string `yaml:"name" json:"name"`
	Database string `yaml:"database" json:"database"`
	// Technology is the primary technology serving this table
	Technology string `yaml:"technology" json:"technology"`
	// BackupTechnology optionally receives archived records and serves as
	// a routing fallback when capabilities allow
	BackupTechnology string `yaml:"backup_technology,omitempty" json:"backup_technology,omitempty"`

	Fields []*FieldConfig `yaml:"fields" json:"fields"`

	// AccessPatterns declares the query shapes callers will issue
	AccessPatterns []capability.QueryType `yaml:"access_patterns" json:"access_patterns"`

	Vector    *VectorConfig    `yaml:"vector,omitempty" json:"vector,omitempty"`
	Indexes   []*IndexConfig   `yaml:"indexes,omitempty" json:"indexes,omitempty"`
	Partition *PartitionConfig `yaml:"partition,omitempty" json:"partition,omitempty"`
}

// PrimaryKey returns the primary key field, or nil if none is declared.
func (t *TableConfig) PrimaryKey() *FieldConfig {
	for _, f := range t.Fields {
		if f.PrimaryKey {
			return f
		}
	}
	return nil
}

// Field returns the named field, or nil.
func (t *TableConfig) Field(name string) *FieldConfig {
	for _, f := range t.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// FieldConfig describes one field of a logical table.
type FieldConfig struct {
	Name string              `yaml:"name" json:"name"`
	Type capability.DataType `yaml:"type" json:"type"`

	PrimaryKey bool `yaml:"primary_key,omitempty" json:"primary_key,omitempty"`
	Unique     bool `yaml:"unique,omitempty" json:"unique,omitempty"`
	Indexed    bool `yaml:"indexed,omitempty" json:"indexed,omitempty"`
	Nullable   bool `yaml:"nullable,omitempty" json:"nullable,omitempty"`
	// Encrypted marks the field as carrying ciphertext; providers treat the
	// value as opaque
	Encrypted bool `yaml:"encrypted,omitempty" json:"encrypted,omitempty"`

	Default interface{} `yaml:"default,omitempty" json:"default,omitempty"`
	// Validation is a regular expression applied to string values on write
	Validation string `yaml:"validation,omitempty" json:"validation,omitempty"`
}

// VectorConfig configures similarity search for a table.
type VectorConfig struct {
	Field      string `yaml:"field" json:"field"`
	Dimensions int    `yaml:"dimensions" json:"dimensions"`
	Metric     string `yaml:"metric" json:"metric"` // cosine, l2, dot
}

// IndexConfig declares a secondary index.
type IndexConfig struct {
	Name   string   `yaml:"name" json:"name"`
	Fields []string `yaml:"fields" json:"fields"`
	Unique bool     `yaml:"unique,omitempty" json:"unique,omitempty"`
}

// PartitionConfig declares time-based partitioning.
type PartitionConfig struct {
	Field    string        `yaml:"field" json:"field"`
	Interval time.Duration `yaml:"interval" json:"interval"`
}

// QueryConfig is a named query template bound to a table and query type.
type QueryConfig struct {
	Name       string               `yaml:"name" json:"name"`
	Table      string               `yaml:"table" json:"table"`
	Type       capability.QueryType `yaml:"type" json:"type"`
	Parameters []string             `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Projection []string             `yaml:"projection,omitempty" json:"projection,omitempty"`
	Limit      int                  `yaml:"limit,omitempty" json:"limit,omitempty"`
}

// RollbackStrategy selects how a failed multi-step operation is unwound.
type RollbackStrategy string

const (
	// RollbackCompensate issues compensating deletes for completed steps
	RollbackCompensate RollbackStrategy = "compensate"
	// RollbackNone leaves completed steps in place
	RollbackNone RollbackStrategy = "none"
)

// OperationConfig is a named multi-step operation (e.g. "create-user").
type OperationConfig struct {
	Name  string        `yaml:"name" json:"name"`
	Steps []*StepConfig `yaml:"steps" json:"steps"`

	// Transactional requests a coordinated transaction across all step
	// tables; participants without transaction support join best-effort
	Transactional bool `yaml:"transactional,omitempty" json:"transactional,omitempty"`

	Rollback RollbackStrategy `yaml:"rollback" json:"rollback"`
	Retry    RetryConfig      `yaml:"retry,omitempty" json:"retry,omitempty"`

	// Cascade steps run after the operation succeeds; their failures are
	// logged, not propagated
	Cascade []*StepConfig `yaml:"cascade,omitempty" json:"cascade,omitempty"`
}

// StepAction is the kind of work a step performs.
type StepAction string

const (
	StepInsert StepAction = "insert"
	StepUpdate StepAction = "update"
	StepDelete StepAction = "delete"
	StepQuery  StepAction = "query"
)

// StepConfig is one step of a multi-step operation. Steps without
// dependencies run concurrently; a step with DependsOn runs after the named
// steps and may bind their outputs as parameters.
type StepConfig struct {
	Name   string     `yaml:"name" json:"name"`
	Action StepAction `yaml:"action" json:"action"`
	Table  string     `yaml:"table,omitempty" json:"table,omitempty"`
	// Query names a query template for query steps
	Query string `yaml:"query,omitempty" json:"query,omitempty"`
	// Service names an external collaborator for non-storage steps
	Service string `yaml:"service,omitempty" json:"service,omitempty"`

	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	// Bind maps step input fields to sources: "params.<name>" for operation
	// parameters or "steps.<step>.<field>" for earlier step outputs
	Bind map[string]string `yaml:"bind,omitempty" json:"bind,omitempty"`
}

// RoutingRule defines the ordered fallback technologies for a table, used
// when the primary technology lacks a required capability.
type RoutingRule struct {
	Table string `yaml:"table" json:"table"`
	// QueryType optionally scopes the rule to one query shape
	QueryType capability.QueryType `yaml:"query_type,omitempty" json:"query_type,omitempty"`
	// Fallbacks is the ordered list of technology names to try
	Fallbacks []string `yaml:"fallbacks" json:"fallbacks"`
}

// ShardKind selects a shard placement algorithm.
type ShardKind string

const (
	ShardHash  ShardKind = "hash"
	ShardTime  ShardKind = "time"
	ShardRange ShardKind = "range"
)

// ShardingStrategy computes shard placement for a table's records.
type ShardingStrategy struct {
	Name     string    `yaml:"name" json:"name"`
	Table    string    `yaml:"table" json:"table"`
	Kind     ShardKind `yaml:"kind" json:"kind"`
	KeyField string    `yaml:"key_field" json:"key_field"`

	// ShardCount for hash strategies; changing it is an explicit rebalance
	ShardCount int `yaml:"shard_count,omitempty" json:"shard_count,omitempty"`
	// HashFunction identifies the hash (currently "xxhash")
	HashFunction string `yaml:"hash_function,omitempty" json:"hash_function,omitempty"`

	// Interval buckets time strategies
	Interval time.Duration `yaml:"interval,omitempty" json:"interval,omitempty"`

	// Boundaries are the sorted upper bounds for range strategies
	Boundaries []string `yaml:"boundaries,omitempty" json:"boundaries,omitempty"`

	// Retention optionally bounds how long shards are kept
	Retention time.Duration `yaml:"retention,omitempty" json:"retention,omitempty"`
	// Regions optionally pins shards to regions
	Regions []string `yaml:"regions,omitempty" json:"regions,omitempty"`
}

// LifecycleAction is what a lifecycle rule does with matching records.
type LifecycleAction string

const (
	LifecycleArchive LifecycleAction = "archive"
	LifecycleDelete  LifecycleAction = "delete"
	LifecycleMigrate LifecycleAction = "migrate"
)

// LifecyclePolicy schedules ordered rules over a set of tables.
type LifecyclePolicy struct {
	Name   string   `yaml:"name" json:"name"`
	Tables []string `yaml:"tables" json:"tables"`
	// Schedule is the evaluation interval
	Schedule time.Duration    `yaml:"schedule" json:"schedule"`
	Rules    []*LifecycleRule `yaml:"rules" json:"rules"`
}

// LifecycleRule matches records by age and applies an action. Re-running a
// rule against already-processed records is a no-op.
type LifecycleRule struct {
	Name string `yaml:"name" json:"name"`
	// AgeField is the timestamp field the age condition evaluates
	AgeField string `yaml:"age_field" json:"age_field"`
	// MaxAge matches records older than this
	MaxAge time.Duration   `yaml:"max_age" json:"max_age"`
	Action LifecycleAction `yaml:"action" json:"action"`
	// Target names the destination technology for archive/migrate
	Target string `yaml:"target,omitempty" json:"target,omitempty"`
	// BatchSize bounds records processed per batch
	BatchSize int `yaml:"batch_size,omitempty" json:"batch_size,omitempty"`
}

// APIConfig describes the caller-facing endpoint policy. The persistence
// core is protocol-agnostic; a wire layer translates requests into query
// and operation invocations checked against these entries.
type APIConfig struct {
	Endpoints []*EndpointConfig `yaml:"endpoints,omitempty" json:"endpoints,omitempty"`
}

// EndpointConfig allows a set of operations with rate limiting and caching.
type EndpointConfig struct {
	Name       string   `yaml:"name" json:"name"`
	Operations []string `yaml:"operations" json:"operations"`
	// RateLimit in requests per second; 0 means unlimited
	RateLimit   float64     `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
	Burst       int         `yaml:"burst,omitempty" json:"burst,omitempty"`
	RequireAuth bool        `yaml:"require_auth,omitempty" json:"require_auth,omitempty"`
	Cache       CachePolicy `yaml:"cache,omitempty" json:"cache,omitempty"`
}

// CachePolicy enables read-through caching for an endpoint.
type CachePolicy struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Technology names the cache technology; defaults to the first
	// configured cache-category technology
	Technology string        `yaml:"technology,omitempty" json:"technology,omitempty"`
	TTL        time.Duration `yaml:"ttl,omitempty" json:"ttl,omitempty"`
}

// MonitoringConfig holds metrics and health polling settings.
type MonitoringConfig struct {
	EnableMetrics  bool          `yaml:"enable_metrics" json:"enable_metrics"`
	MetricsAddr    string        `yaml:"metrics_addr,omitempty" json:"metrics_addr,omitempty"`
	HealthInterval time.Duration `yaml:"health_interval,omitempty" json:"health_interval,omitempty"`
	LogLevel       string        `yaml:"log_level,omitempty" json:"log_level,omitempty"`
}

// Technology returns the named technology config, or nil.
func (c *PlatformConfig) Technology(name string) *TechnologyConfig {
	return c.Technologies[name]
}

// Table returns the named table config, or nil.
func (c *PlatformConfig) Table(name string) *TableConfig {
	for _, t := range c.Tables {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// Query returns the named query template, or nil.
func (c *PlatformConfig) Query(name string) *QueryConfig {
	for _, q := range c.Queries {
		if q.Name == name {
			return q
		}
	}
	return nil
}

// Operation returns the named operation, or nil.
func (c *PlatformConfig) Operation(name string) *OperationConfig {
	for _, o := range c.Operations {
		if o.Name == name {
			return o
		}
	}
	return nil
}

// TablesFor returns the tables served by a technology, as primary or backup.
func (c *PlatformConfig) TablesFor(technology string) []*TableConfig {
	var out []*TableConfig
	for _, t := range c.Tables {
		if t.Technology == technology || t.BackupTechnology == technology {
			out = append(out, t)
		}
	}
	return out
}

// Fallbacks returns the ordered fallback technologies for a table and query
// type. Rules scoped to the query type take precedence over unscoped rules.
func (c *PlatformConfig) Fallbacks(table string, qt capability.QueryType) []string {
	var unscoped []string
	for _, r := range c.Routing {
		if r.Table != table {
			continue
		}
		if r.QueryType == qt {
			return r.Fallbacks
		}
		if r.QueryType == "" {
			unscoped = r.Fallbacks
		}
	}
	return unscoped
}

// ShardingFor returns the sharding strategy for a table, or nil.
func (c *PlatformConfig) ShardingFor(table string) *ShardingStrategy {
	for _, s := range c.Sharding {
		if s.Table == table {
			return s
		}
	}
	return nil
}
