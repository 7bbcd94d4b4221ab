// Package badgercache implements the provider contract over an embedded
// Badger key-value store, serving the cache capability category. Records
// serialize to JSON under "<table>/<key>" keys; TTLs use Badger's native
// entry expiry. Range scans iterate the table prefix and filter in memory.
//
// The cache deliberately reports no transaction support: coordinated
// transactions treat it as a best-effort participant whose writes cannot be
// rolled back atomically with other technologies.
package badgercache

import (
	"bytes"
	"context"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/unhinged-ai/polystore/pkg/capability"
	"github.com/unhinged-ai/polystore/pkg/config"
	"github.com/unhinged-ai/polystore/pkg/errors"
	"github.com/unhinged-ai/polystore/pkg/provider/base"
	"github.com/unhinged-ai/polystore/pkg/provider/core"
	"github.com/unhinged-ai/polystore/pkg/provider/registry"
)

func init() {
	registry.Register(capability.CategoryCache, func(name string) core.Provider {
		return &Provider{Provider: base.New(name, capability.CategoryCache)}
	})
}

// Provider is the embedded cache adapter.
type Provider struct {
	*base.Provider

	db      *badger.DB
	watcher *base.HealthWatcher
	gcStop  chan struct{}
	gcDone  chan struct{}
}

var _ core.Provider = (*Provider)(nil)

// Initialize opens the store and starts value-log garbage collection.
func (p *Provider) Initialize(ctx context.Context, tech *config.TechnologyConfig, tables []*config.TableConfig) error {
	if err := p.Configure(tech, tables); err != nil {
		return err
	}

	opts := badger.DefaultOptions(tech.Connection.Path).
		WithLogger(nil)
	if tech.Connection.Path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to open store").
			WithDetail("path", tech.Connection.Path)
	}
	p.db = db

	p.gcStop = make(chan struct{})
	p.gcDone = make(chan struct{})
	go p.gcLoop()

	p.watcher = base.NewHealthWatcher(p.Provider, func(ctx context.Context) error {
		return p.db.View(func(txn *badger.Txn) error { return nil })
	}, tech.Pool.HealthCheckPeriod)
	p.watcher.Start()

	p.Logger().Info("store opened",
		zap.String("path", tech.Connection.Path),
		zap.Bool("in_memory", tech.Connection.Path == ""))
	return nil
}

// gcLoop runs periodic value-log garbage collection.
func (p *Provider) gcLoop() {
	defer close(p.gcDone)
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-p.gcStop:
			return
		case <-ticker.C:
			for p.db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}

// Shutdown stops background work and closes the store.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.watcher != nil {
		p.watcher.Stop()
		p.watcher = nil
	}
	if p.gcStop != nil {
		close(p.gcStop)
		<-p.gcDone
		p.gcStop = nil
	}
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "failed to close store")
		}
		p.db = nil
	}
	return nil
}

// TestConnection verifies the store is open and readable.
func (p *Provider) TestConnection(ctx context.Context) error {
	if p.db == nil || p.db.IsClosed() {
		return errors.New(errors.ErrorTypeConnection, "store is closed")
	}
	return p.db.View(func(txn *badger.Txn) error { return nil })
}

// ConnectionStatus reports store state. An embedded store has no pool.
func (p *Provider) ConnectionStatus() core.ConnectionStatus {
	state := core.StateDisconnected
	if p.db != nil && !p.db.IsClosed() {
		state = core.StateConnected
		if p.watcher != nil {
			state = p.watcher.State()
		}
	}
	return core.ConnectionStatus{
		State:       state,
		ActiveConns: 1,
		LastError:   p.LastError(),
		LastChecked: time.Now(),
	}
}

// CreateDatabase is a no-op; the store has a single namespace.
func (p *Provider) CreateDatabase(ctx context.Context, name string) error { return nil }

// CreateTable is a no-op; tables are key prefixes.
func (p *Provider) CreateTable(ctx context.Context, table *config.TableConfig) error { return nil }

// DropTable deletes every key under the table prefix.
func (p *Provider) DropTable(ctx context.Context, table string) error {
	start := time.Now()
	err := p.db.DropPrefix(tablePrefix(table))
	p.Observe("drop_table", start, err)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "drop table failed").
			WithDetail("table", table)
	}
	return nil
}

// TableExists reports whether any key exists under the table prefix.
func (p *Provider) TableExists(ctx context.Context, table string) (bool, error) {
	exists := false
	err := p.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Seek(tablePrefix(table))
		exists = it.ValidForPrefix(tablePrefix(table))
		return nil
	})
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeQuery, "prefix scan failed")
	}
	return exists, nil
}

// ExecuteQuery serves point lookups directly and range scans via prefix
// iteration with in-memory filtering. The entire result set materializes
// before streaming; cache result sets are bounded by design.
func (p *Provider) ExecuteQuery(ctx context.Context, spec *core.QuerySpec) (*core.ResultStream, error) {
	if err := p.RequireQueryType(spec.Type); err != nil {
		return nil, err
	}
	table, err := p.Table(spec.Table)
	if err != nil {
		return nil, err
	}

	start := time.Now()

	// A point lookup on the primary key avoids the scan entirely.
	if spec.Type == capability.QueryTypePointLookup {
		if key, ok := pkLookupKey(table, spec.Criteria); ok {
			rec, err := p.get(spec.Table, key)
			p.Observe("query", start, err)
			if err != nil {
				return nil, err
			}
			if rec == nil || !spec.Criteria.Matches(rec.Data) {
				return core.StreamOf(nil, nil), nil
			}
			p.CountRead(1)
			return core.StreamOf([]*core.Record{project(rec, spec.Projection)}, nil), nil
		}
	}

	records, err := p.scan(ctx, spec.Table, spec.Criteria, spec.Limit, spec.Offset)
	p.Observe("query", start, err)
	if err != nil {
		return nil, err
	}
	p.CountRead(int64(len(records)))
	for i, rec := range records {
		records[i] = project(rec, spec.Projection)
	}
	return core.StreamOf(records, nil), nil
}

// pkLookupKey extracts the primary key value from an equality criteria.
func pkLookupKey(table *config.TableConfig, c *core.Criteria) (string, bool) {
	pk := table.PrimaryKey()
	if pk == nil || c == nil {
		return "", false
	}
	if c.Kind == core.KindEq && c.Field == pk.Name {
		if s, ok := c.Value.(string); ok {
			return s, true
		}
	}
	return "", false
}

// project copies a record keeping only the projected fields.
func project(rec *core.Record, projection []string) *core.Record {
	if len(projection) == 0 {
		return rec
	}
	data := make(map[string]interface{}, len(projection))
	for _, f := range projection {
		if v, ok := rec.Data[f]; ok {
			data[f] = v
		}
	}
	return &core.Record{Table: rec.Table, Key: rec.Key, Data: data}
}

func (p *Provider) get(table, key string) (*core.Record, error) {
	var rec *core.Record
	err := p.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(table, key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var data map[string]interface{}
			if err := json.Unmarshal(val, &data); err != nil {
				return err
			}
			rec = &core.Record{Table: table, Key: key, Data: data}
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "lookup failed").
			WithDetail("table", table)
	}
	return rec, nil
}

func (p *Provider) scan(ctx context.Context, table string, criteria *core.Criteria, limit, offset int) ([]*core.Record, error) {
	var out []*core.Record
	skipped := 0
	err := p.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = tablePrefix(table)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var data map[string]interface{}
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &data)
			}); err != nil {
				return err
			}
			if !criteria.Matches(data) {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			key := bytes.TrimPrefix(item.KeyCopy(nil), tablePrefix(table))
			out = append(out, &core.Record{Table: table, Key: string(key), Data: data})
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "scan failed").
			WithDetail("table", table)
	}
	return out, nil
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

// ExecuteQueryCount counts matching records via a full prefix scan.
func (p *Provider) ExecuteQueryCount(ctx context.Context, spec *core.QuerySpec) (int64, error) {
	if err := p.RequireQueryType(spec.Type); err != nil {
		return 0, err
	}
	records, err := p.scan(ctx, spec.Table, spec.Criteria, 0, 0)
	if err != nil {
		return 0, err
	}
	return int64(len(records)), nil
}

// Insert writes one record, applying the record TTL or the technology's
// default TTL.
func (p *Provider) Insert(ctx context.Context, record *core.Record) error {
	if err := p.ValidateRecord(record); err != nil {
		return err
	}
	if record.Key == "" {
		return errors.New(errors.ErrorTypeValidation, "cache records require a key")
	}
	start := time.Now()
	err := p.db.Update(func(txn *badger.Txn) error {
		return p.setEntry(txn, record)
	})
	p.Observe("insert", start, err)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "insert failed").
			WithDetail("table", record.Table)
	}
	p.CountWritten(1)
	return nil
}

// InsertBatch writes records through a managed write batch.
func (p *Provider) InsertBatch(ctx context.Context, records []*core.Record) error {
	if len(records) == 0 {
		return nil
	}
	for _, rec := range records {
		if err := p.ValidateRecord(rec); err != nil {
			return err
		}
		if rec.Key == "" {
			return errors.New(errors.ErrorTypeValidation, "cache records require a key")
		}
	}

	start := time.Now()
	wb := p.db.NewWriteBatch()
	defer wb.Cancel()
	for _, rec := range records {
		entry, err := p.entryFor(rec)
		if err != nil {
			return err
		}
		if err := wb.SetEntry(entry); err != nil {
			p.Observe("insert_batch", start, err)
			return errors.Wrap(err, errors.ErrorTypeQuery, "batch write failed")
		}
	}
	err := wb.Flush()
	p.Observe("insert_batch", start, err)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeQuery, "batch flush failed")
	}
	p.CountWritten(int64(len(records)))
	return nil
}

func (p *Provider) entryFor(record *core.Record) (*badger.Entry, error) {
	val, err := json.Marshal(record.Data)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "failed to encode record")
	}
	entry := badger.NewEntry(recordKey(record.Table, record.Key), val)
	ttl := record.TTL
	if ttl == 0 {
		ttl = p.Tech().Performance.DefaultTTL
	}
	if ttl > 0 {
		entry = entry.WithTTL(ttl)
	}
	return entry, nil
}

func (p *Provider) setEntry(txn *badger.Txn, record *core.Record) error {
	entry, err := p.entryFor(record)
	if err != nil {
		return err
	}
	return txn.SetEntry(entry)
}

// Update rewrites matching records with the changed fields merged in.
func (p *Provider) Update(ctx context.Context, table string, criteria *core.Criteria, changes map[string]interface{}) (int64, error) {
	matches, err := p.scan(ctx, table, criteria, 0, 0)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	err = p.db.Update(func(txn *badger.Txn) error {
		for _, rec := range matches {
			for k, v := range changes {
				rec.Data[k] = v
			}
			if err := p.setEntry(txn, rec); err != nil {
				return err
			}
		}
		return nil
	})
	p.Observe("update", start, err)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "update failed").
			WithDetail("table", table)
	}
	return int64(len(matches)), nil
}

// Delete removes matching records.
func (p *Provider) Delete(ctx context.Context, table string, criteria *core.Criteria) (int64, error) {
	matches, err := p.scan(ctx, table, criteria, 0, 0)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	err = p.db.Update(func(txn *badger.Txn) error {
		for _, rec := range matches {
			if err := txn.Delete(recordKey(table, rec.Key)); err != nil {
				return err
			}
		}
		return nil
	})
	p.Observe("delete", start, err)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeQuery, "delete failed").
			WithDetail("table", table)
	}
	return int64(len(matches)), nil
}

// SupportsTransactions reports false: cache writes join coordinated
// transactions best-effort only.
func (p *Provider) SupportsTransactions() bool { return false }

// BeginTransaction always fails with a capability error.
func (p *Provider) BeginTransaction(ctx context.Context) (core.Transaction, error) {
	return nil, errors.NewCapability(p.Name(), string(capability.FeatureTransactions))
}

// ExecuteSpecific supports raw cache commands outside the table schema:
// "cache_get"/"cache_set" for opaque keyed payloads (used for read-through
// query caching), "flatten" to force LSM compaction, and "gc" to run one
// value-log GC cycle.
func (p *Provider) ExecuteSpecific(ctx context.Context, command string, params map[string]interface{}) (*core.ResultStream, error) {
	switch command {
	case "cache_get":
		key, _ := params["key"].(string)
		if key == "" {
			return nil, errors.New(errors.ErrorTypeValidation, "cache_get requires a key")
		}
		var value []byte
		err := p.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get(rawKey(key))
			if err != nil {
				return err
			}
			value, err = item.ValueCopy(nil)
			return err
		})
		if err == badger.ErrKeyNotFound {
			return core.StreamOf(nil, nil), nil
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeQuery, "cache lookup failed")
		}
		return core.StreamOf([]*core.Record{{
			Key:  key,
			Data: map[string]interface{}{"value": string(value)},
		}}, nil), nil

	case "cache_set":
		key, _ := params["key"].(string)
		value, _ := params["value"].(string)
		if key == "" {
			return nil, errors.New(errors.ErrorTypeValidation, "cache_set requires a key")
		}
		entry := badger.NewEntry(rawKey(key), []byte(value))
		if secs, ok := params["ttl_seconds"].(int64); ok && secs > 0 {
			entry = entry.WithTTL(time.Duration(secs) * time.Second)
		}
		err := p.db.Update(func(txn *badger.Txn) error {
			return txn.SetEntry(entry)
		})
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeQuery, "cache write failed")
		}
		return core.StreamOf(nil, nil), nil

	case "flatten":
		if err := p.db.Flatten(2); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeQuery, "flatten failed")
		}
		return core.StreamOf(nil, nil), nil
	case "gc":
		_ = p.db.RunValueLogGC(0.5)
		return core.StreamOf(nil, nil), nil
	default:
		return nil, errors.Newf(errors.ErrorTypeQuery, "unknown command %q", command)
	}
}

// rawKey namespaces schemaless cache entries away from table records.
func rawKey(key string) []byte {
	return []byte("!raw/" + key)
}

// Health probes the store immediately.
func (p *Provider) Health(ctx context.Context) *core.HealthStatus {
	if p.watcher == nil {
		return &core.HealthStatus{Technology: p.Name(), State: core.StateDisconnected, CheckedAt: time.Now()}
	}
	return p.watcher.Check(ctx)
}

func tablePrefix(table string) []byte {
	return []byte(table + "/")
}

func recordKey(table, key string) []byte {
	return append(tablePrefix(table), key...)
}
