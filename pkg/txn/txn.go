// Package txn coordinates transactions spanning multiple storage
// technologies. Participants with native transaction support stage their
// mutations in a real transaction; participants without it apply mutations
// immediately and register compensating actions. Commit is best-effort
// across participants: when some native transactions commit and a later one
// fails, the coordinator reports an InconsistentStateError naming exactly
// which participants committed and which rolled back, raises an operator
// alert, and never retries automatically.
package txn

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unhinged-ai/polystore/pkg/errors"
	"github.com/unhinged-ai/polystore/pkg/logger"
	"github.com/unhinged-ai/polystore/pkg/metrics"
	"github.com/unhinged-ai/polystore/pkg/provider/core"
	"github.com/unhinged-ai/polystore/pkg/router"
)

// State is the coordinator-side transaction state.
type State string

const (
	StateActive     State = "active"
	StateCommitted  State = "committed"
	StateRolledBack State = "rolled_back"
	// StateInconsistent means commit partially succeeded; manual
	// reconciliation is required
	StateInconsistent State = "inconsistent"
)

// CapabilitySummary reports, per transaction, which participants give real
// atomicity and which join best-effort. Callers inspect it before relying
// on transactional semantics.
type CapabilitySummary struct {
	Transactional []string `json:"transactional"`
	BestEffort    []string `json:"best_effort"`
}

// FullyAtomic reports whether every participant supports native
// transactions.
func (s CapabilitySummary) FullyAtomic() bool {
	return len(s.BestEffort) == 0
}

// Coordinator begins coordinated transactions over routed providers.
type Coordinator struct {
	router  *router.Router
	timeout time.Duration
	logger  *zap.Logger
}

// NewCoordinator creates a coordinator. Transactions left open longer than
// timeout are rolled back automatically.
func NewCoordinator(r *router.Router, timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Coordinator{
		router:  r,
		timeout: timeout,
		logger:  logger.With(zap.String("component", "txn")),
	}
}

// participant is one technology taking part in a transaction.
type participant struct {
	technology string
	provider   core.Provider
	// tx is nil for best-effort participants
	tx core.Transaction
	// compensations undo best-effort mutations, applied in reverse order
	compensations []func(ctx context.Context) error
	// mutated is true once the participant received any mutation
	mutated bool
}

// Handle is one in-flight coordinated transaction.
type Handle struct {
	id          string
	coordinator *Coordinator

	mu           sync.Mutex
	state        State
	participants map[string]*participant
	order        []string
	timer        *time.Timer
	summary      CapabilitySummary
	logger       *zap.Logger
}

// Begin opens a coordinated transaction across the primary technologies of
// the given tables. Technologies with transaction support get a native
// transaction; the rest join best-effort. The returned summary tells the
// caller exactly what atomicity it is getting.
func (c *Coordinator) Begin(ctx context.Context, tables ...string) (*Handle, error) {
	if len(tables) == 0 {
		return nil, errors.New(errors.ErrorTypeTransaction, "transaction requires at least one table")
	}

	h := &Handle{
		id:           uuid.NewString(),
		coordinator:  c,
		state:        StateActive,
		participants: make(map[string]*participant),
	}
	h.logger = c.logger.With(zap.String("transaction_id", h.id))

	for _, table := range tables {
		decision, err := c.router.ResolveWrite(table)
		if err != nil {
			_ = h.rollbackLocked(ctx)
			return nil, err
		}
		if _, seen := h.participants[decision.Technology]; seen {
			continue
		}

		part := &participant{technology: decision.Technology, provider: decision.Provider}
		if decision.Provider.SupportsTransactions() {
			tx, err := decision.Provider.BeginTransaction(ctx)
			if err != nil {
				_ = h.rollbackLocked(ctx)
				return nil, errors.Wrap(err, errors.ErrorTypeTransaction, "failed to begin native transaction").
					WithDetail("technology", decision.Technology)
			}
			part.tx = tx
			h.summary.Transactional = append(h.summary.Transactional, decision.Technology)
		} else {
			h.summary.BestEffort = append(h.summary.BestEffort, decision.Technology)
		}
		h.participants[decision.Technology] = part
		h.order = append(h.order, decision.Technology)
	}

	h.timer = time.AfterFunc(c.timeout, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.state != StateActive {
			return
		}
		h.logger.Warn("transaction timed out, rolling back",
			zap.Duration("timeout", c.timeout))
		_ = h.rollbackLocked(context.Background())
	})

	h.logger.Debug("transaction started",
		zap.Strings("transactional", h.summary.Transactional),
		zap.Strings("best_effort", h.summary.BestEffort))
	return h, nil
}

// ID returns the transaction identifier.
func (h *Handle) ID() string { return h.id }

// State returns the current transaction state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Summary reports the atomicity each participant provides.
func (h *Handle) Summary() CapabilitySummary {
	return h.summary
}

// forTable returns the participant owning a table's primary technology.
func (h *Handle) forTable(table string) (*participant, error) {
	decision, err := h.coordinator.router.ResolveWrite(table)
	if err != nil {
		return nil, err
	}
	part, ok := h.participants[decision.Technology]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeTransaction,
			"table %q (technology %q) is not enlisted in this transaction", table, decision.Technology)
	}
	return part, nil
}

// Insert writes a record within the transaction. Best-effort participants
// apply immediately and register a compensating delete.
func (h *Handle) Insert(ctx context.Context, record *core.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateActive {
		return errors.Newf(errors.ErrorTypeTransaction, "transaction is %s", h.state)
	}
	part, err := h.forTable(record.Table)
	if err != nil {
		return err
	}

	if part.tx != nil {
		if err := part.tx.Insert(ctx, record); err != nil {
			return err
		}
		part.mutated = true
		return nil
	}

	if err := part.provider.Insert(ctx, record); err != nil {
		return err
	}
	part.mutated = true
	undo := h.compensatingDelete(part.provider, record)
	if undo != nil {
		part.compensations = append(part.compensations, undo)
	}
	return nil
}

// compensatingDelete builds the undo action for a best-effort insert: a
// delete keyed on the table's primary key.
func (h *Handle) compensatingDelete(p core.Provider, record *core.Record) func(ctx context.Context) error {
	tableCfg := h.coordinator.router.Config().Table(record.Table)
	if tableCfg == nil {
		return nil
	}
	pk := tableCfg.PrimaryKey()
	if pk == nil {
		return nil
	}
	keyVal, ok := record.Data[pk.Name]
	if !ok {
		keyVal = record.Key
	}
	table := record.Table
	criteria := core.Eq(pk.Name, keyVal)
	return func(ctx context.Context) error {
		_, err := p.Delete(ctx, table, criteria)
		return err
	}
}

// Update applies changes within the transaction. Best-effort participants
// apply immediately; compensation restores nothing (prior values are not
// captured), so rollback logs the uncompensated update.
func (h *Handle) Update(ctx context.Context, table string, criteria *core.Criteria, changes map[string]interface{}) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateActive {
		return 0, errors.Newf(errors.ErrorTypeTransaction, "transaction is %s", h.state)
	}
	part, err := h.forTable(table)
	if err != nil {
		return 0, err
	}
	if part.tx != nil {
		n, err := part.tx.Update(ctx, table, criteria, changes)
		if err == nil {
			part.mutated = true
		}
		return n, err
	}
	n, err := part.provider.Update(ctx, table, criteria, changes)
	if err == nil && n > 0 {
		part.mutated = true
		h.logger.Warn("best-effort update cannot be compensated on rollback",
			zap.String("table", table),
			zap.String("technology", part.technology),
			zap.Int64("records", n))
	}
	return n, err
}

// Delete removes records within the transaction. Best-effort deletes cannot
// be compensated; rollback logs them.
func (h *Handle) Delete(ctx context.Context, table string, criteria *core.Criteria) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateActive {
		return 0, errors.Newf(errors.ErrorTypeTransaction, "transaction is %s", h.state)
	}
	part, err := h.forTable(table)
	if err != nil {
		return 0, err
	}
	if part.tx != nil {
		n, err := part.tx.Delete(ctx, table, criteria)
		if err == nil {
			part.mutated = true
		}
		return n, err
	}
	n, err := part.provider.Delete(ctx, table, criteria)
	if err == nil && n > 0 {
		part.mutated = true
		h.logger.Warn("best-effort delete cannot be compensated on rollback",
			zap.String("table", table),
			zap.String("technology", part.technology),
			zap.Int64("records", n))
	}
	return n, err
}

// Commit commits every native transaction in enlistment order. Best-effort
// participants already applied their writes. If a native commit fails after
// any participant's work is already durable, the remaining native
// transactions roll back and the caller receives an InconsistentStateError.
// Committed lists every participant whose effects are durable; RolledBack
// lists only participants whose work was actually undone, so the failing
// participant itself appears in neither. The inconsistency is also escalated
// via metrics and an error-level log for operator reconciliation.
func (h *Handle) Commit(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateActive {
		return errors.Newf(errors.ErrorTypeTransaction, "transaction is %s", h.state)
	}
	h.stopTimer()

	var committed []string
	// Best-effort writes are already durable; count mutated ones as
	// committed from the start.
	for _, name := range h.order {
		part := h.participants[name]
		if part.tx == nil && part.mutated {
			committed = append(committed, name)
		}
	}

	for i, name := range h.order {
		part := h.participants[name]
		if part.tx == nil {
			continue
		}
		if err := part.tx.Commit(ctx); err != nil {
			rolledBack := h.abortRemaining(ctx, i+1)
			if len(committed) == 0 {
				// Nothing durable yet: a clean rollback.
				h.state = StateRolledBack
				metrics.TransactionsTotal.WithLabelValues("rolled_back").Inc()
				return errors.Wrap(err, errors.ErrorTypeTransaction, "commit failed, transaction rolled back").
					WithStage(errors.StageCommit).
					WithDetail("technology", name)
			}
			h.state = StateInconsistent
			metrics.TransactionsTotal.WithLabelValues("inconsistent").Inc()
			metrics.InconsistentCommits.Inc()
			h.logger.Error("transaction partially committed, manual reconciliation required",
				zap.String("failed", name),
				zap.Strings("committed", committed),
				zap.Strings("rolled_back", rolledBack),
				zap.Error(err))
			return &errors.InconsistentStateError{
				TransactionID: h.id,
				Committed:     committed,
				RolledBack:    rolledBack,
				Cause:         err,
			}
		}
		committed = append(committed, name)
	}

	h.state = StateCommitted
	metrics.TransactionsTotal.WithLabelValues("committed").Inc()
	h.logger.Debug("transaction committed", zap.Strings("participants", committed))
	return nil
}

// abortRemaining rolls back native transactions that have not committed,
// starting at the given enlistment index, and returns their names.
func (h *Handle) abortRemaining(ctx context.Context, from int) []string {
	var rolledBack []string
	for _, name := range h.order[from:] {
		part := h.participants[name]
		if part.tx == nil {
			continue
		}
		if err := part.tx.Rollback(ctx); err != nil {
			h.logger.Error("rollback failed", zap.String("technology", name), zap.Error(err))
			continue
		}
		rolledBack = append(rolledBack, name)
	}
	return rolledBack
}

// Rollback aborts the transaction: native transactions roll back and
// best-effort compensations run in reverse order.
func (h *Handle) Rollback(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateActive {
		return errors.Newf(errors.ErrorTypeTransaction, "transaction is %s", h.state)
	}
	return h.rollbackLocked(ctx)
}

func (h *Handle) rollbackLocked(ctx context.Context) error {
	h.stopTimer()
	var firstErr error
	for _, name := range h.order {
		part := h.participants[name]
		if part.tx != nil {
			if err := part.tx.Rollback(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
			continue
		}
		for i := len(part.compensations) - 1; i >= 0; i-- {
			if err := part.compensations[i](ctx); err != nil {
				h.logger.Error("compensation failed",
					zap.String("technology", name), zap.Error(err))
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	h.state = StateRolledBack
	metrics.TransactionsTotal.WithLabelValues("rolled_back").Inc()
	if firstErr != nil {
		return errors.Wrap(firstErr, errors.ErrorTypeTransaction, "rollback completed with errors")
	}
	return nil
}

func (h *Handle) stopTimer() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}
