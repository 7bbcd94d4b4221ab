// Package providertest provides an in-memory mock provider for exercising
// routing, transaction, and executor behavior without real storage.
// Importing it registers mock factories for the categories the built-in
// providers do not claim (graph, search, vector, wide_column, data_lake),
// so a test configuration using those categories gets mocks through the
// ordinary registry path. Mock instances are retrievable by technology
// name for failure injection.
package providertest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/unhinged-ai/polystore/pkg/capability"
	"github.com/unhinged-ai/polystore/pkg/config"
	"github.com/unhinged-ai/polystore/pkg/errors"
	"github.com/unhinged-ai/polystore/pkg/provider/base"
	"github.com/unhinged-ai/polystore/pkg/provider/core"
	"github.com/unhinged-ai/polystore/pkg/provider/registry"
)

var (
	mu        sync.Mutex
	instances = make(map[string]*Mock)
)

func init() {
	for _, cat := range []capability.Category{
		capability.CategoryGraph,
		capability.CategorySearch,
		capability.CategoryVector,
		capability.CategoryWideColumn,
		capability.CategoryDataLake,
	} {
		cat := cat
		registry.Register(cat, func(name string) core.Provider {
			m := &Mock{
				Provider: base.New(name, cat),
				tables:   make(map[string]map[string]*core.Record),
			}
			mu.Lock()
			instances[name] = m
			mu.Unlock()
			return m
		})
	}
}

// Get returns the mock instance created for a technology name.
func Get(name string) *Mock {
	mu.Lock()
	defer mu.Unlock()
	return instances[name]
}

// Mock is an in-memory provider. Exported failure hooks inject errors into
// specific calls; all hooks are safe to set before the call under test.
type Mock struct {
	*base.Provider

	mu     sync.Mutex
	tables map[string]map[string]*core.Record

	// FailInsert, FailQuery, and FailCommit inject errors
	FailInsert error
	FailQuery  error
	FailCommit error
	// Disconnected forces the disconnected connection state
	Disconnected bool
	// Transactional overrides the category feature flag when non-nil
	Transactional *bool

	// InsertCount tracks writes across direct and transactional paths
	InsertCount int
}

var _ core.Provider = (*Mock)(nil)

func (m *Mock) Initialize(ctx context.Context, tech *config.TechnologyConfig, tables []*config.TableConfig) error {
	return m.Configure(tech, tables)
}

func (m *Mock) Shutdown(ctx context.Context) error       { return nil }
func (m *Mock) TestConnection(ctx context.Context) error { return nil }

func (m *Mock) ConnectionStatus() core.ConnectionStatus {
	state := core.StateConnected
	if m.Disconnected {
		state = core.StateDisconnected
	}
	return core.ConnectionStatus{State: state, LastChecked: time.Now()}
}

func (m *Mock) CreateDatabase(ctx context.Context, name string) error { return nil }
func (m *Mock) CreateTable(ctx context.Context, table *config.TableConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tables[table.Name] == nil {
		m.tables[table.Name] = make(map[string]*core.Record)
	}
	return nil
}

func (m *Mock) DropTable(ctx context.Context, table string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tables, table)
	return nil
}

func (m *Mock) TableExists(ctx context.Context, table string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tables[table]
	return ok, nil
}

// Records returns a sorted copy of a table's records.
func (m *Mock) Records(table string) []*core.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.Record
	for _, rec := range m.tables[table] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (m *Mock) ExecuteQuery(ctx context.Context, spec *core.QuerySpec) (*core.ResultStream, error) {
	if err := m.RequireQueryType(spec.Type); err != nil {
		return nil, err
	}
	if m.FailQuery != nil {
		return nil, m.FailQuery
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.Record
	for _, rec := range m.tables[spec.Table] {
		if spec.Criteria.Matches(rec.Data) {
			out = append(out, rec)
			if spec.Limit > 0 && len(out) >= spec.Limit {
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return core.StreamOf(out, nil), nil
}

func (m *Mock) ExecuteQuerySingle(ctx context.Context, spec *core.QuerySpec) (*core.Record, error) {
	limited := *spec
	limited.Limit = 1
	stream, err := m.ExecuteQuery(ctx, &limited)
	if err != nil {
		return nil, err
	}
	records, err := stream.Collect()
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return records[0], nil
}

func (m *Mock) ExecuteQueryCount(ctx context.Context, spec *core.QuerySpec) (int64, error) {
	stream, err := m.ExecuteQuery(ctx, spec)
	if err != nil {
		return 0, err
	}
	records, err := stream.Collect()
	return int64(len(records)), err
}

func (m *Mock) Insert(ctx context.Context, record *core.Record) error {
	if m.FailInsert != nil {
		return m.FailInsert
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertLocked(record)
	return nil
}

func (m *Mock) insertLocked(record *core.Record) {
	if m.tables[record.Table] == nil {
		m.tables[record.Table] = make(map[string]*core.Record)
	}
	key := record.Key
	if key == "" {
		key = fmt.Sprint(len(m.tables[record.Table]))
	}
	m.tables[record.Table][key] = record
	m.InsertCount++
}

func (m *Mock) InsertBatch(ctx context.Context, records []*core.Record) error {
	for _, rec := range records {
		if err := m.Insert(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mock) Update(ctx context.Context, table string, criteria *core.Criteria, changes map[string]interface{}) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, rec := range m.tables[table] {
		if criteria.Matches(rec.Data) {
			for k, v := range changes {
				rec.Data[k] = v
			}
			n++
		}
	}
	return n, nil
}

func (m *Mock) Delete(ctx context.Context, table string, criteria *core.Criteria) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, rec := range m.tables[table] {
		if criteria.Matches(rec.Data) {
			delete(m.tables[table], key)
			n++
		}
	}
	return n, nil
}

func (m *Mock) SupportsTransactions() bool {
	if m.Transactional != nil {
		return *m.Transactional
	}
	return m.SupportsFeature(capability.FeatureTransactions)
}

func (m *Mock) BeginTransaction(ctx context.Context) (core.Transaction, error) {
	if !m.SupportsTransactions() {
		return nil, errors.NewCapability(m.Name(), string(capability.FeatureTransactions))
	}
	return &mockTx{mock: m}, nil
}

func (m *Mock) ExecuteSpecific(ctx context.Context, command string, params map[string]interface{}) (*core.ResultStream, error) {
	return core.StreamOf(nil, nil), nil
}

func (m *Mock) Health(ctx context.Context) *core.HealthStatus {
	state := core.StateConnected
	if m.Disconnected {
		state = core.StateDisconnected
	}
	return &core.HealthStatus{
		Technology: m.Name(),
		Healthy:    !m.Disconnected,
		State:      state,
		CheckedAt:  time.Now(),
	}
}

// mockTx buffers mutations until commit, mirroring native transaction
// visibility rules.
type mockTx struct {
	mock    *Mock
	staged  []func()
	aborted bool
}

func (t *mockTx) Insert(ctx context.Context, record *core.Record) error {
	if t.mock.FailInsert != nil {
		return t.mock.FailInsert
	}
	rec := record
	t.staged = append(t.staged, func() { t.mock.insertLocked(rec) })
	return nil
}

func (t *mockTx) Update(ctx context.Context, table string, criteria *core.Criteria, changes map[string]interface{}) (int64, error) {
	t.staged = append(t.staged, func() {
		for _, rec := range t.mock.tables[table] {
			if criteria.Matches(rec.Data) {
				for k, v := range changes {
					rec.Data[k] = v
				}
			}
		}
	})
	return 1, nil
}

func (t *mockTx) Delete(ctx context.Context, table string, criteria *core.Criteria) (int64, error) {
	t.staged = append(t.staged, func() {
		for key, rec := range t.mock.tables[table] {
			if criteria.Matches(rec.Data) {
				delete(t.mock.tables[table], key)
			}
		}
	})
	return 1, nil
}

func (t *mockTx) Commit(ctx context.Context) error {
	if t.mock.FailCommit != nil {
		return t.mock.FailCommit
	}
	if t.aborted {
		return errors.New(errors.ErrorTypeTransaction, "transaction already rolled back")
	}
	t.mock.mu.Lock()
	defer t.mock.mu.Unlock()
	for _, apply := range t.staged {
		apply()
	}
	t.staged = nil
	return nil
}

func (t *mockTx) Rollback(ctx context.Context) error {
	t.aborted = true
	t.staged = nil
	return nil
}
