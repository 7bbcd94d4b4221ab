// Package postgres implements the provider contract for PostgreSQL and
// wire-compatible distributed SQL engines (CockroachDB, Yugabyte). Logical
// tables map to relational tables; query specs translate to parameterized
// SQL; inserts are upserts keyed on the primary key so repeated writes stay
// idempotent.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/unhinged-ai/polystore/pkg/capability"
	"github.com/unhinged-ai/polystore/pkg/config"
	"github.com/unhinged-ai/polystore/pkg/errors"
	"github.com/unhinged-ai/polystore/pkg/provider/base"
	"github.com/unhinged-ai/polystore/pkg/provider/core"
	"github.com/unhinged-ai/polystore/pkg/provider/registry"
)

func init() {
	registry.Register(capability.CategoryDistributedSQL, func(name string) core.Provider {
		return &Provider{Provider: base.New(name, capability.CategoryDistributedSQL)}
	})
}

// Provider is the PostgreSQL adapter.
type Provider struct {
	*base.Provider

	pool    *pgxpool.Pool
	watcher *base.HealthWatcher
}

var _ core.Provider = (*Provider)(nil)

// Initialize connects the pool and starts health monitoring.
func (p *Provider) Initialize(ctx context.Context, tech *config.TechnologyConfig, tables []*config.TableConfig) error {
	if err := p.Configure(tech, tables); err != nil {
		return err
	}

	poolCfg, err := pgxpool.ParseConfig(connString(tech))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "invalid connection configuration")
	}
	poolCfg.MinConns = tech.Pool.MinConns
	poolCfg.MaxConns = tech.Pool.MaxConns
	poolCfg.MaxConnIdleTime = tech.Pool.MaxIdleTime
	poolCfg.MaxConnLifetime = tech.Pool.MaxLifetime
	poolCfg.HealthCheckPeriod = tech.Pool.HealthCheckPeriod

	connectCtx, cancel := context.WithTimeout(ctx, tech.Timeouts.Connect)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create connection pool")
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to reach server")
	}
	p.pool = pool

	p.watcher = base.NewHealthWatcher(p.Provider, func(ctx context.Context) error {
		return p.pool.Ping(ctx)
	}, tech.Pool.HealthCheckPeriod)
	p.watcher.Start()

	p.Logger().Info("connected",
		zap.String("database", tech.Connection.Database),
		zap.Int32("max_conns", tech.Pool.MaxConns))
	return nil
}

// connString builds a pgx connection string from the technology config.
func connString(tech *config.TechnologyConfig) string {
	conn := tech.Connection
	if conn.URI != "" {
		return conn.URI
	}
	var parts []string
	if len(conn.Hosts) > 0 {
		host, port, found := strings.Cut(conn.Hosts[0], ":")
		parts = append(parts, "host="+host)
		if found {
			parts = append(parts, "port="+port)
		}
	}
	if conn.Database != "" {
		parts = append(parts, "dbname="+conn.Database)
	}
	if conn.Username != "" {
		parts = append(parts, "user="+conn.Username)
	}
	if conn.Password != "" {
		parts = append(parts, "password="+conn.Password)
	}
	for k, v := range conn.Options {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, " ")
}

// Shutdown stops health monitoring and closes the pool.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.watcher != nil {
		p.watcher.Stop()
		p.watcher = nil
	}
	if p.pool != nil {
		p.pool.Close()
		p.pool = nil
	}
	return nil
}

// TestConnection pings the server.
func (p *Provider) TestConnection(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "ping failed")
	}
	return nil
}

// ConnectionStatus reports pool statistics without I/O.
func (p *Provider) ConnectionStatus() core.ConnectionStatus {
	status := core.ConnectionStatus{
		State:       core.StateDisconnected,
		LastError:   p.LastError(),
		LastChecked: time.Now(),
	}
	if p.pool == nil {
		return status
	}
	stat := p.pool.Stat()
	status.ActiveConns = int(stat.AcquiredConns())
	status.IdleConns = int(stat.IdleConns())
	if p.watcher != nil {
		status.State = p.watcher.State()
	} else {
		status.State = core.StateConnected
	}
	p.Collector().SetActiveConnections(float64(stat.AcquiredConns()))
	return status
}

// CreateDatabase creates the database if missing. CREATE DATABASE cannot be
// parameterized or wrapped in IF NOT EXISTS, so existence is checked first.
func (p *Provider) CreateDatabase(ctx context.Context, name string) error {
	start := time.Now()
	var exists bool
	err := p.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", name).Scan(&exists)
	if err == nil && !exists {
		_, err = p.pool.Exec(ctx, "CREATE DATABASE "+quoteIdent(name))
	}
	p.Observe("create_database", start, err)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "create database failed").
			WithDetail("database", name)
	}
	return nil
}

// CreateTable materializes a logical table and its indexes. Idempotent.
func (p *Provider) CreateTable(ctx context.Context, table *config.TableConfig) error {
	start := time.Now()
	sql, err := createTableSQL(table)
	if err != nil {
		return err
	}
	if _, err = p.pool.Exec(ctx, sql); err == nil {
		for _, idx := range createIndexSQL(table) {
			if _, err = p.pool.Exec(ctx, idx); err != nil {
				break
			}
		}
	}
	p.Observe("create_table", start, err)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "create table failed").
			WithDetail("table", table.Name)
	}
	return nil
}

// DropTable removes a table. Idempotent.
func (p *Provider) DropTable(ctx context.Context, table string) error {
	start := time.Now()
	_, err := p.pool.Exec(ctx, "DROP TABLE IF EXISTS "+quoteIdent(table))
	p.Observe("drop_table", start, err)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "drop table failed").
			WithDetail("table", table)
	}
	return nil
}

// TableExists checks the catalog for the table.
func (p *Provider) TableExists(ctx context.Context, table string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_name = $1)", table).
		Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeQuery, "table existence check failed")
	}
	return exists, nil
}

// ExecuteQuery translates the spec to SQL and streams rows.
func (p *Provider) ExecuteQuery(ctx context.Context, spec *core.QuerySpec) (*core.ResultStream, error) {
	if err := p.RequireQueryType(spec.Type); err != nil {
		return nil, err
	}
	sql, args, err := selectSQL(spec)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	rows, err := p.pool.Query(ctx, sql, args...)
	p.Observe("query", start, err)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "query failed").
			WithStage(errors.StageExecution).
			WithDetail("table", spec.Table)
	}

	recCh := make(chan *core.Record, 64)
	errCh := make(chan error, 1)
	go func() {
		defer close(recCh)
		defer rows.Close()
		var count int64
		for rows.Next() {
			rec, err := p.rowToRecord(spec.Table, rows)
			if err != nil {
				errCh <- err
				return
			}
			count++
			select {
			case recCh <- rec:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		if err := rows.Err(); err != nil {
			errCh <- errors.Wrap(err, errors.ErrorTypeQuery, "row iteration failed")
			return
		}
		p.CountRead(count)
	}()
	return &core.ResultStream{Records: recCh, Errors: errCh}, nil
}

// rowToRecord converts the current row into a record keyed on the table's
// primary key when present in the projection.
func (p *Provider) rowToRecord(tableName string, rows pgx.Rows) (*core.Record, error) {
	values, err := rows.Values()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to read row values")
	}
	data := make(map[string]interface{}, len(values))
	for i, fd := range rows.FieldDescriptions() {
		data[fd.Name] = values[i]
	}
	rec := &core.Record{Table: tableName, Data: data}
	if table, err := p.Table(tableName); err == nil {
		if pk := table.PrimaryKey(); pk != nil {
			if v, ok := data[pk.Name]; ok {
				rec.Key = fmt.Sprint(v)
			}
		}
	}
	return rec, nil
}

// ExecuteQuerySingle returns the first match, or (nil, nil) when empty.
func (p *Provider) ExecuteQuerySingle(ctx context.Context, spec *core.QuerySpec) (*core.Record, error) {
	limited := *spec
	limited.Limit = 1
	stream, err := p.ExecuteQuery(ctx, &limited)
	if err != nil {
		return nil, err
	}
	records, err := stream.Collect()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

// ExecuteQueryCount counts matching rows.
func (p *Provider) ExecuteQueryCount(ctx context.Context, spec *core.QuerySpec) (int64, error) {
	if err := p.RequireQueryType(spec.Type); err != nil {
		return 0, err
	}
	sql, args, err := countSQL(spec)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	var count int64
	err = p.pool.QueryRow(ctx, sql, args...).Scan(&count)
	p.Observe("count", start, err)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "count failed").
			WithDetail("table", spec.Table)
	}
	return count, nil
}

// Insert upserts one record.
func (p *Provider) Insert(ctx context.Context, record *core.Record) error {
	if err := p.ValidateRecord(record); err != nil {
		return err
	}
	table, err := p.Table(record.Table)
	if err != nil {
		return err
	}
	sql, args := upsertSQL(table, record.Data)

	return p.Retry(ctx, "insert", func() error {
		start := time.Now()
		_, err := p.pool.Exec(ctx, sql, args...)
		p.Observe("insert", start, err)
		if err != nil {
			return wrapPgErr(err, "insert failed", record.Table)
		}
		p.CountWritten(1)
		return nil
	})
}

// InsertBatch upserts records in chunks via pgx batches.
func (p *Provider) InsertBatch(ctx context.Context, records []*core.Record) error {
	if len(records) == 0 {
		return nil
	}
	for _, rec := range records {
		if err := p.ValidateRecord(rec); err != nil {
			return err
		}
	}

	size := p.Tech().Performance.BatchSize
	for offset := 0; offset < len(records); offset += size {
		end := offset + size
		if end > len(records) {
			end = len(records)
		}
		chunk := records[offset:end]

		batch := &pgx.Batch{}
		for _, rec := range chunk {
			table, err := p.Table(rec.Table)
			if err != nil {
				return err
			}
			sql, args := upsertSQL(table, rec.Data)
			batch.Queue(sql, args...)
		}

		start := time.Now()
		err := p.pool.SendBatch(ctx, batch).Close()
		p.Observe("insert_batch", start, err)
		if err != nil {
			return wrapPgErr(err, "batch insert failed", chunk[0].Table)
		}
		p.CountWritten(int64(len(chunk)))
	}
	return nil
}

// Update applies changes to matching rows.
func (p *Provider) Update(ctx context.Context, table string, criteria *core.Criteria, changes map[string]interface{}) (int64, error) {
	if _, err := p.Table(table); err != nil {
		return 0, err
	}
	sql, args, err := updateSQL(table, criteria, changes)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	tag, err := p.pool.Exec(ctx, sql, args...)
	p.Observe("update", start, err)
	if err != nil {
		return 0, wrapPgErr(err, "update failed", table)
	}
	return tag.RowsAffected(), nil
}

// Delete removes matching rows.
func (p *Provider) Delete(ctx context.Context, table string, criteria *core.Criteria) (int64, error) {
	if _, err := p.Table(table); err != nil {
		return 0, err
	}
	sql, args, err := deleteSQL(table, criteria)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	tag, err := p.pool.Exec(ctx, sql, args...)
	p.Observe("delete", start, err)
	if err != nil {
		return 0, wrapPgErr(err, "delete failed", table)
	}
	return tag.RowsAffected(), nil
}

// SupportsTransactions reports native transaction support.
func (p *Provider) SupportsTransactions() bool { return true }

// BeginTransaction starts a native transaction.
func (p *Provider) BeginTransaction(ctx context.Context) (core.Transaction, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransaction, "failed to begin transaction")
	}
	return &transaction{provider: p, tx: tx}, nil
}

// ExecuteSpecific runs raw SQL with named arguments. Escape hatch for
// technology-specific statements outside the uniform contract.
func (p *Provider) ExecuteSpecific(ctx context.Context, command string, params map[string]interface{}) (*core.ResultStream, error) {
	start := time.Now()
	rows, err := p.pool.Query(ctx, command, pgx.NamedArgs(params))
	p.Observe("specific", start, err)
	if err != nil {
		return nil, wrapPgErr(err, "command failed", "")
	}
	defer rows.Close()

	var records []*core.Record
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeQuery, "failed to read row values")
		}
		data := make(map[string]interface{}, len(values))
		for i, fd := range rows.FieldDescriptions() {
			data[fd.Name] = values[i]
		}
		records = append(records, &core.Record{Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "row iteration failed")
	}
	return core.StreamOf(records, nil), nil
}

// Health probes the connection immediately.
func (p *Provider) Health(ctx context.Context) *core.HealthStatus {
	if p.watcher == nil {
		return &core.HealthStatus{Technology: p.Name(), State: core.StateDisconnected, CheckedAt: time.Now()}
	}
	return p.watcher.Check(ctx)
}

func wrapPgErr(err error, msg, table string) *errors.Error {
	typ := errors.ErrorTypeQuery
	if isConnErr(err) {
		typ = errors.ErrorTypeConnection
	}
	e := errors.Wrap(err, typ, msg).WithStage(errors.StageExecution)
	if table != "" {
		e = e.WithDetail("table", table)
	}
	return e
}

// isConnErr classifies transport-level failures as retryable connection
// errors; constraint and syntax errors stay non-retryable query errors.
func isConnErr(err error) bool {
	msg := err.Error()
	for _, marker := range []string{"connection refused", "connection reset", "broken pipe", "i/o timeout", "conn closed", "pool closed"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
