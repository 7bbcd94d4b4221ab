package txn_test

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unhinged-ai/polystore/pkg/errors"
	"github.com/unhinged-ai/polystore/pkg/provider/core"
	"github.com/unhinged-ai/polystore/pkg/provider/providertest"
	"github.com/unhinged-ai/polystore/pkg/provider/registry"
	"github.com/unhinged-ai/polystore/pkg/router"
	"github.com/unhinged-ai/polystore/pkg/txn"
)

func setup(t *testing.T, timeout time.Duration) *txn.Coordinator {
	t.Helper()
	cfg := providertest.Config()
	require.NoError(t, cfg.Validate())

	reg, err := registry.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })

	return txn.NewCoordinator(router.New(cfg, reg), timeout)
}

func account(id string) *core.Record {
	return &core.Record{
		Table: "accounts",
		Key:   id,
		Data:  map[string]interface{}{"id": id, "name": "n", "email": "n@example.com"},
	}
}

func event(id, accountID string) *core.Record {
	return &core.Record{
		Table: "events",
		Key:   id,
		Data:  map[string]interface{}{"id": id, "account_id": accountID, "kind": "signup"},
	}
}

func TestBeginReportsCapabilitySummary(t *testing.T) {
	c := setup(t, time.Minute)

	h, err := c.Begin(context.Background(), "accounts", "events")
	require.NoError(t, err)
	defer func() { _ = h.Rollback(context.Background()) }()

	summary := h.Summary()
	assert.Equal(t, []string{"graphdb"}, summary.Transactional)
	assert.Equal(t, []string{"eventstore"}, summary.BestEffort)
	assert.False(t, summary.FullyAtomic())
	assert.NotEmpty(t, h.ID())
}

func TestCommitAppliesAllParticipants(t *testing.T) {
	c := setup(t, time.Minute)
	ctx := context.Background()

	h, err := c.Begin(ctx, "accounts", "events")
	require.NoError(t, err)
	require.NoError(t, h.Insert(ctx, account("a1")))
	require.NoError(t, h.Insert(ctx, event("e1", "a1")))
	require.NoError(t, h.Commit(ctx))

	assert.Equal(t, txn.StateCommitted, h.State())
	assert.Len(t, providertest.Get("graphdb").Records("accounts"), 1)
	assert.Len(t, providertest.Get("eventstore").Records("events"), 1)
}

func TestRollbackCompensatesBestEffortInserts(t *testing.T) {
	c := setup(t, time.Minute)
	ctx := context.Background()

	h, err := c.Begin(ctx, "accounts", "events")
	require.NoError(t, err)
	require.NoError(t, h.Insert(ctx, account("a1")))
	require.NoError(t, h.Insert(ctx, event("e1", "a1")))

	// Best-effort write is already visible before rollback.
	assert.Len(t, providertest.Get("eventstore").Records("events"), 1)

	require.NoError(t, h.Rollback(ctx))
	assert.Equal(t, txn.StateRolledBack, h.State())

	// Native transaction never committed; compensation removed the rest.
	assert.Empty(t, providertest.Get("graphdb").Records("accounts"))
	assert.Empty(t, providertest.Get("eventstore").Records("events"))
}

func TestPartialCommitReturnsInconsistentState(t *testing.T) {
	c := setup(t, time.Minute)
	ctx := context.Background()

	h, err := c.Begin(ctx, "accounts", "events")
	require.NoError(t, err)
	require.NoError(t, h.Insert(ctx, account("a1")))
	require.NoError(t, h.Insert(ctx, event("e1", "a1")))

	// The best-effort participant's write is durable; failing the native
	// commit leaves the system partially committed.
	providertest.Get("graphdb").FailCommit = errors.New(errors.ErrorTypeTransaction, "commit refused")

	err = h.Commit(ctx)
	require.Error(t, err)

	var inconsistent *errors.InconsistentStateError
	require.True(t, stderrors.As(err, &inconsistent))
	assert.Equal(t, h.ID(), inconsistent.TransactionID)
	assert.Equal(t, []string{"eventstore"}, inconsistent.Committed)
	// The failing participant's work was never durable, so nothing was
	// rolled back in the two-participant case.
	assert.Empty(t, inconsistent.RolledBack)
	assert.Equal(t, txn.StateInconsistent, h.State())
}

func TestCleanRollbackWhenNothingDurable(t *testing.T) {
	c := setup(t, time.Minute)
	ctx := context.Background()

	// Only the transactional participant is touched, so a failed commit is
	// a clean rollback, not an inconsistency.
	h, err := c.Begin(ctx, "accounts")
	require.NoError(t, err)
	require.NoError(t, h.Insert(ctx, account("a1")))

	providertest.Get("graphdb").FailCommit = errors.New(errors.ErrorTypeTransaction, "commit refused")

	err = h.Commit(ctx)
	require.Error(t, err)
	var inconsistent *errors.InconsistentStateError
	assert.False(t, stderrors.As(err, &inconsistent))
	assert.Equal(t, txn.StateRolledBack, h.State())
}

func TestTimeoutRollsBack(t *testing.T) {
	c := setup(t, 20*time.Millisecond)
	ctx := context.Background()

	h, err := c.Begin(ctx, "accounts", "events")
	require.NoError(t, err)
	require.NoError(t, h.Insert(ctx, event("e1", "a1")))

	assert.Eventually(t, func() bool {
		return h.State() == txn.StateRolledBack
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, providertest.Get("eventstore").Records("events"))
}

func TestMutationAfterCommitFails(t *testing.T) {
	c := setup(t, time.Minute)
	ctx := context.Background()

	h, err := c.Begin(ctx, "accounts")
	require.NoError(t, err)
	require.NoError(t, h.Commit(ctx))

	err = h.Insert(ctx, account("late"))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeTransaction))
}

func TestNonEnlistedTableRejected(t *testing.T) {
	c := setup(t, time.Minute)
	ctx := context.Background()

	h, err := c.Begin(ctx, "accounts")
	require.NoError(t, err)
	defer func() { _ = h.Rollback(ctx) }()

	err = h.Insert(ctx, event("e1", "a1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not enlisted")
}
