// Package executor runs named query templates and multi-step operations
// against routed providers. Operation steps form a dependency graph:
// independent steps of the same wave run concurrently, dependent steps see
// the outputs of the steps they depend on. Failed operations compensate
// completed inserts in reverse order; transactional operations run inside a
// coordinated transaction instead. Cascade steps run after success and
// their failures are logged, never propagated.
package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/unhinged-ai/polystore/pkg/capability"
	"github.com/unhinged-ai/polystore/pkg/config"
	"github.com/unhinged-ai/polystore/pkg/errors"
	"github.com/unhinged-ai/polystore/pkg/logger"
	"github.com/unhinged-ai/polystore/pkg/provider/core"
	"github.com/unhinged-ai/polystore/pkg/router"
	"github.com/unhinged-ai/polystore/pkg/shard"
	"github.com/unhinged-ai/polystore/pkg/txn"
)

// Executor runs queries and operations.
type Executor struct {
	router      *router.Router
	coordinator *txn.Coordinator
	shards      *shard.Manager
	logger      *zap.Logger
}

// New creates an executor.
func New(r *router.Router, coordinator *txn.Coordinator, shards *shard.Manager) *Executor {
	return &Executor{
		router:      r,
		coordinator: coordinator,
		shards:      shards,
		logger:      logger.With(zap.String("component", "executor")),
	}
}

// Result is the outcome of an operation: step outputs keyed by step name.
type Result struct {
	Operation string
	Steps     map[string]map[string]interface{}
	Duration  time.Duration
}

// Query runs a named query template with parameter values. Parameters bind
// as equality criteria on same-named fields.
func (e *Executor) Query(ctx context.Context, name string, params map[string]interface{}) (*core.ResultStream, error) {
	queryCfg := e.router.Config().Query(name)
	if queryCfg == nil {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "unknown query %q", name)
	}

	spec := &core.QuerySpec{
		Table:      queryCfg.Table,
		Type:       queryCfg.Type,
		Projection: queryCfg.Projection,
		Limit:      queryCfg.Limit,
	}
	var criteria []*core.Criteria
	for _, p := range queryCfg.Parameters {
		val, ok := params[p]
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeValidation,
				"query %q requires parameter %q", name, p)
		}
		criteria = append(criteria, core.Eq(p, val))
	}
	switch len(criteria) {
	case 0:
	case 1:
		spec.Criteria = criteria[0]
	default:
		spec.Criteria = core.And(criteria...)
	}

	decision, err := e.router.Resolve(spec.Table, spec.Type)
	if err != nil {
		return nil, err
	}
	return decision.Provider.ExecuteQuery(ctx, spec)
}

// Execute runs a named multi-step operation.
func (e *Executor) Execute(ctx context.Context, name string, params map[string]interface{}) (*Result, error) {
	opCfg := e.router.Config().Operation(name)
	if opCfg == nil {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "unknown operation %q", name)
	}

	start := time.Now()
	run := &operationRun{
		executor: e,
		op:       opCfg,
		params:   params,
		outputs:  make(map[string]map[string]interface{}),
		logger:   e.logger.With(zap.String("operation", name)),
	}

	var err error
	if opCfg.Transactional {
		err = run.executeTransactional(ctx)
	} else {
		err = run.executeWaves(ctx)
	}
	if err != nil {
		return nil, err
	}

	// Cascade steps run after success; failures are logged only.
	for _, step := range opCfg.Cascade {
		if _, cerr := run.executeStep(ctx, step, nil); cerr != nil {
			run.logger.Warn("cascade step failed",
				zap.String("step", step.Name), zap.Error(cerr))
		}
	}

	return &Result{
		Operation: name,
		Steps:     run.snapshotOutputs(),
		Duration:  time.Since(start),
	}, nil
}

// operationRun is the mutable state of one operation execution.
type operationRun struct {
	executor *Executor
	op       *config.OperationConfig
	params   map[string]interface{}

	mu      sync.Mutex
	outputs map[string]map[string]interface{}
	// inserted tracks records written by completed insert steps, for
	// compensation in reverse order
	inserted []*core.Record
	logger   *zap.Logger
}

func (r *operationRun) snapshotOutputs() map[string]map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]map[string]interface{}, len(r.outputs))
	for k, v := range r.outputs {
		out[k] = v
	}
	return out
}

// waves partitions steps into dependency waves: wave n contains steps whose
// dependencies all live in earlier waves.
func (r *operationRun) waves() [][]*config.StepConfig {
	done := make(map[string]bool, len(r.op.Steps))
	remaining := append([]*config.StepConfig{}, r.op.Steps...)
	var out [][]*config.StepConfig
	for len(remaining) > 0 {
		var wave []*config.StepConfig
		var next []*config.StepConfig
		for _, step := range remaining {
			ready := true
			for _, dep := range step.DependsOn {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, step)
			} else {
				next = append(next, step)
			}
		}
		// Validation rejects cycles, so progress is guaranteed.
		for _, step := range wave {
			done[step.Name] = true
		}
		out = append(out, wave)
		remaining = next
	}
	return out
}

// executeWaves runs the step graph wave by wave, steps within a wave
// concurrently. On failure, completed inserts compensate in reverse order
// when the operation's rollback strategy asks for it.
func (r *operationRun) executeWaves(ctx context.Context) error {
	for _, wave := range r.waves() {
		p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
		for _, step := range wave {
			step := step
			p.Go(func(ctx context.Context) error {
				output, err := r.executeStep(ctx, step, nil)
				if err != nil {
					return errors.Wrap(err, errors.ErrorTypeInternal, "step failed").
						WithDetail("operation", r.op.Name).
						WithDetail("step", step.Name)
				}
				r.mu.Lock()
				r.outputs[step.Name] = output
				r.mu.Unlock()
				return nil
			})
		}
		if err := p.Wait(); err != nil {
			if r.op.Rollback == config.RollbackCompensate {
				r.compensate(context.WithoutCancel(ctx))
			}
			return err
		}
	}
	return nil
}

// executeTransactional runs all steps sequentially inside one coordinated
// transaction spanning every mutated table.
func (r *operationRun) executeTransactional(ctx context.Context) error {
	var tables []string
	for _, step := range r.op.Steps {
		if step.Action != config.StepQuery && step.Table != "" {
			tables = append(tables, step.Table)
		}
	}
	handle, err := r.executor.coordinator.Begin(ctx, tables...)
	if err != nil {
		return err
	}
	if !handle.Summary().FullyAtomic() {
		r.logger.Info("transaction includes best-effort participants",
			zap.Strings("best_effort", handle.Summary().BestEffort))
	}

	for _, wave := range r.waves() {
		for _, step := range wave {
			output, err := r.executeStep(ctx, step, handle)
			if err != nil {
				_ = handle.Rollback(ctx)
				return errors.Wrap(err, errors.ErrorTypeInternal, "step failed").
					WithDetail("operation", r.op.Name).
					WithDetail("step", step.Name)
			}
			r.mu.Lock()
			r.outputs[step.Name] = output
			r.mu.Unlock()
		}
	}
	return handle.Commit(ctx)
}

// compensate deletes records written by completed insert steps, newest
// first. Compensation failures are logged; compensation never cascades.
func (r *operationRun) compensate(ctx context.Context) {
	r.mu.Lock()
	inserted := append([]*core.Record{}, r.inserted...)
	r.mu.Unlock()

	cfg := r.executor.router.Config()
	for i := len(inserted) - 1; i >= 0; i-- {
		rec := inserted[i]
		tableCfg := cfg.Table(rec.Table)
		if tableCfg == nil {
			continue
		}
		pk := tableCfg.PrimaryKey()
		if pk == nil {
			continue
		}
		decision, err := r.executor.router.ResolveWrite(rec.Table)
		if err != nil {
			continue
		}
		if _, err := decision.Provider.Delete(ctx, rec.Table, core.Eq(pk.Name, rec.Data[pk.Name])); err != nil {
			r.logger.Error("compensation delete failed",
				zap.String("table", rec.Table), zap.Error(err))
		}
	}
}

// executeStep dispatches one step. When handle is non-nil, mutations go
// through the coordinated transaction.
func (r *operationRun) executeStep(ctx context.Context, step *config.StepConfig, handle *txn.Handle) (map[string]interface{}, error) {
	switch step.Action {
	case config.StepInsert:
		return r.stepInsert(ctx, step, handle)
	case config.StepUpdate:
		return r.stepUpdate(ctx, step, handle)
	case config.StepDelete:
		return r.stepDelete(ctx, step, handle)
	case config.StepQuery:
		return r.stepQuery(ctx, step)
	default:
		return nil, errors.Newf(errors.ErrorTypeInternal, "unknown step action %q", step.Action)
	}
}

func (r *operationRun) stepInsert(ctx context.Context, step *config.StepConfig, handle *txn.Handle) (map[string]interface{}, error) {
	data, err := r.resolveBindings(step.Bind)
	if err != nil {
		return nil, err
	}

	cfg := r.executor.router.Config()
	tableCfg := cfg.Table(step.Table)
	record := &core.Record{Table: step.Table, Data: data}
	if tableCfg != nil {
		if pk := tableCfg.PrimaryKey(); pk != nil {
			if _, ok := data[pk.Name]; !ok && pk.Type == capability.DataTypeString {
				data[pk.Name] = uuid.NewString()
			}
			record.Key = fmt.Sprint(data[pk.Name])
		}
	}
	if r.executor.shards != nil {
		shardID, err := r.executor.shards.Assign(step.Table, data)
		if err != nil {
			return nil, err
		}
		record.Shard = shardID
	}

	if handle != nil {
		err = handle.Insert(ctx, record)
	} else {
		var decision *router.Decision
		decision, err = r.executor.router.ResolveWrite(step.Table)
		if err == nil {
			err = decision.Provider.Insert(ctx, record)
		}
	}
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.inserted = append(r.inserted, record)
	r.mu.Unlock()
	return record.Data, nil
}

func (r *operationRun) stepUpdate(ctx context.Context, step *config.StepConfig, handle *txn.Handle) (map[string]interface{}, error) {
	criteria, changes, err := r.splitBindings(step.Bind)
	if err != nil {
		return nil, err
	}

	var n int64
	if handle != nil {
		n, err = handle.Update(ctx, step.Table, criteria, changes)
	} else {
		var decision *router.Decision
		decision, err = r.executor.router.ResolveWrite(step.Table)
		if err == nil {
			n, err = decision.Provider.Update(ctx, step.Table, criteria, changes)
		}
	}
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"updated": n}, nil
}

func (r *operationRun) stepDelete(ctx context.Context, step *config.StepConfig, handle *txn.Handle) (map[string]interface{}, error) {
	criteria, _, err := r.splitBindings(step.Bind)
	if err != nil {
		return nil, err
	}

	var n int64
	if handle != nil {
		n, err = handle.Delete(ctx, step.Table, criteria)
	} else {
		var decision *router.Decision
		decision, err = r.executor.router.ResolveWrite(step.Table)
		if err == nil {
			n, err = decision.Provider.Delete(ctx, step.Table, criteria)
		}
	}
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"deleted": n}, nil
}

func (r *operationRun) stepQuery(ctx context.Context, step *config.StepConfig) (map[string]interface{}, error) {
	if step.Query != "" {
		params, err := r.resolveBindings(step.Bind)
		if err != nil {
			return nil, err
		}
		stream, err := r.executor.Query(ctx, step.Query, params)
		if err != nil {
			return nil, err
		}
		records, err := stream.Collect()
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			return map[string]interface{}{}, nil
		}
		return records[0].Data, nil
	}

	criteria, _, err := r.splitBindings(step.Bind)
	if err != nil {
		return nil, err
	}
	spec := &core.QuerySpec{
		Table:    step.Table,
		Type:     capability.QueryTypePointLookup,
		Criteria: criteria,
		Limit:    1,
	}
	decision, err := r.executor.router.Resolve(step.Table, spec.Type)
	if err != nil {
		return nil, err
	}
	rec, err := decision.Provider.ExecuteQuerySingle(ctx, spec)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return map[string]interface{}{}, nil
	}
	return rec.Data, nil
}

// resolveBindings materializes a step's bind map into concrete values.
func (r *operationRun) resolveBindings(bind map[string]string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(bind))
	for field, src := range bind {
		val, err := r.resolveSource(src)
		if err != nil {
			return nil, err
		}
		out[field] = val
	}
	return out, nil
}

// splitBindings separates criteria bindings (keys prefixed "where.") from
// value bindings, yielding the criteria tree and the change set.
func (r *operationRun) splitBindings(bind map[string]string) (*core.Criteria, map[string]interface{}, error) {
	var terms []*core.Criteria
	changes := make(map[string]interface{})
	for field, src := range bind {
		val, err := r.resolveSource(src)
		if err != nil {
			return nil, nil, err
		}
		if name, ok := strings.CutPrefix(field, "where."); ok {
			terms = append(terms, core.Eq(name, val))
		} else {
			changes[field] = val
		}
	}
	var criteria *core.Criteria
	switch len(terms) {
	case 0:
	case 1:
		criteria = terms[0]
	default:
		criteria = core.And(terms...)
	}
	return criteria, changes, nil
}

// resolveSource resolves a binding source: "params.<name>" reads operation
// parameters, "steps.<step>.<field>" reads an earlier step's output, and
// anything else passes through as a literal.
func (r *operationRun) resolveSource(src string) (interface{}, error) {
	if name, ok := strings.CutPrefix(src, "params."); ok {
		val, exists := r.params[name]
		if !exists {
			return nil, errors.Newf(errors.ErrorTypeValidation,
				"operation parameter %q is missing", name)
		}
		return val, nil
	}
	if ref, ok := strings.CutPrefix(src, "steps."); ok {
		stepName, field, found := strings.Cut(ref, ".")
		if !found {
			return nil, errors.Newf(errors.ErrorTypeValidation,
				"malformed step reference %q", src)
		}
		r.mu.Lock()
		output, exists := r.outputs[stepName]
		r.mu.Unlock()
		if !exists {
			return nil, errors.Newf(errors.ErrorTypeValidation,
				"step %q has no output yet", stepName)
		}
		val, has := output[field]
		if !has {
			return nil, errors.Newf(errors.ErrorTypeValidation,
				"step %q output has no field %q", stepName, field)
		}
		return val, nil
	}
	return src, nil
}
