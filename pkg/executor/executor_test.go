package executor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unhinged-ai/polystore/pkg/config"
	"github.com/unhinged-ai/polystore/pkg/errors"
	"github.com/unhinged-ai/polystore/pkg/executor"
	"github.com/unhinged-ai/polystore/pkg/provider/core"
	"github.com/unhinged-ai/polystore/pkg/provider/providertest"
	"github.com/unhinged-ai/polystore/pkg/provider/registry"
	"github.com/unhinged-ai/polystore/pkg/router"
	"github.com/unhinged-ai/polystore/pkg/shard"
	"github.com/unhinged-ai/polystore/pkg/txn"
)

func setup(t *testing.T, mutate func(*config.PlatformConfig)) *executor.Executor {
	t.Helper()
	cfg := providertest.Config()
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	reg, err := registry.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })

	r := router.New(cfg, reg)
	return executor.New(r, txn.NewCoordinator(r, time.Minute), shard.NewManager(cfg))
}

func TestExecuteOperationBindsStepOutputs(t *testing.T) {
	e := setup(t, nil)

	result, err := e.Execute(context.Background(), "create-account", map[string]interface{}{
		"name":  "ada",
		"email": "ada@example.com",
	})
	require.NoError(t, err)

	accountOut := result.Steps["account"]
	require.NotNil(t, accountOut)
	assert.Equal(t, "ada", accountOut["name"])
	// The primary key was generated for the insert.
	accountID, ok := accountOut["id"].(string)
	require.True(t, ok)
	require.NotEmpty(t, accountID)

	// The dependent step saw the generated id and the literal binding.
	eventOut := result.Steps["event"]
	require.NotNil(t, eventOut)
	assert.Equal(t, accountID, eventOut["account_id"])
	assert.Equal(t, "signup", eventOut["kind"])

	events := providertest.Get("eventstore").Records("events")
	require.Len(t, events, 1)
	assert.Equal(t, accountID, events[0].Data["account_id"])
	// Sharding assigned a deterministic shard for the event.
	assert.NotEmpty(t, events[0].Shard)
}

func TestExecuteUnknownOperation(t *testing.T) {
	e := setup(t, nil)
	_, err := e.Execute(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestExecuteMissingParameter(t *testing.T) {
	e := setup(t, nil)
	_, err := e.Execute(context.Background(), "create-account", map[string]interface{}{
		"name": "ada",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "email")
}

func TestFailedStepCompensatesCompletedInserts(t *testing.T) {
	e := setup(t, nil)

	providertest.Get("eventstore").FailInsert = errors.New(errors.ErrorTypeQuery, "disk full")

	_, err := e.Execute(context.Background(), "create-account", map[string]interface{}{
		"name":  "ada",
		"email": "ada@example.com",
	})
	require.Error(t, err)

	// The completed account insert was compensated.
	assert.Empty(t, providertest.Get("graphdb").Records("accounts"))
	assert.Empty(t, providertest.Get("eventstore").Records("events"))
}

func TestRollbackNoneLeavesCompletedSteps(t *testing.T) {
	e := setup(t, func(cfg *config.PlatformConfig) {
		cfg.Operation("create-account").Rollback = config.RollbackNone
	})

	providertest.Get("eventstore").FailInsert = errors.New(errors.ErrorTypeQuery, "disk full")

	_, err := e.Execute(context.Background(), "create-account", map[string]interface{}{
		"name":  "ada",
		"email": "ada@example.com",
	})
	require.Error(t, err)
	assert.Len(t, providertest.Get("graphdb").Records("accounts"), 1)
}

func TestCascadeRunsAfterSuccess(t *testing.T) {
	e := setup(t, func(cfg *config.PlatformConfig) {
		op := cfg.Operation("create-account")
		op.Cascade = []*config.StepConfig{{
			Name:   "audit",
			Action: config.StepInsert,
			Table:  "events",
			Bind: map[string]string{
				"account_id": "steps.account.id",
				"kind":       "audit",
			},
		}}
	})

	_, err := e.Execute(context.Background(), "create-account", map[string]interface{}{
		"name":  "ada",
		"email": "ada@example.com",
	})
	require.NoError(t, err)
	// The event step and the cascade step both wrote.
	assert.Len(t, providertest.Get("eventstore").Records("events"), 2)
}

func TestCascadeFailureDoesNotFailOperation(t *testing.T) {
	e := setup(t, func(cfg *config.PlatformConfig) {
		op := cfg.Operation("create-account")
		op.Cascade = []*config.StepConfig{{
			Name:   "notify",
			Action: config.StepQuery,
			Table:  "accounts",
			Bind:   map[string]string{"where.id": "steps.account.id"},
		}}
	})

	// Main steps only insert; failing queries breaks just the cascade.
	providertest.Get("graphdb").FailQuery = errors.New(errors.ErrorTypeQuery, "index offline")

	result, err := e.Execute(context.Background(), "create-account", map[string]interface{}{
		"name":  "ada",
		"email": "ada@example.com",
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Len(t, providertest.Get("graphdb").Records("accounts"), 1)
}

func TestTransactionalOperationCommits(t *testing.T) {
	e := setup(t, func(cfg *config.PlatformConfig) {
		cfg.Operation("create-account").Transactional = true
	})

	_, err := e.Execute(context.Background(), "create-account", map[string]interface{}{
		"name":  "ada",
		"email": "ada@example.com",
	})
	require.NoError(t, err)
	assert.Len(t, providertest.Get("graphdb").Records("accounts"), 1)
	assert.Len(t, providertest.Get("eventstore").Records("events"), 1)
}

func TestQueryTemplate(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()

	require.NoError(t, providertest.Get("graphdb").Insert(ctx, &core.Record{
		Table: "accounts",
		Key:   "a1",
		Data:  map[string]interface{}{"id": "a1", "name": "ada", "email": "ada@example.com"},
	}))

	stream, err := e.Query(ctx, "account-by-name", map[string]interface{}{"name": "ada"})
	require.NoError(t, err)
	records, err := stream.Collect()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "a1", records[0].Data["id"])
}

func TestQueryTemplateMissingParameter(t *testing.T) {
	e := setup(t, nil)
	_, err := e.Query(context.Background(), "account-by-name", nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}
