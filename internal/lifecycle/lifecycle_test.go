package lifecycle

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unhinged-ai/polystore/pkg/provider/core"
	"github.com/unhinged-ai/polystore/pkg/provider/providertest"
	"github.com/unhinged-ai/polystore/pkg/provider/registry"
)

func seedEvent(t *testing.T, m *providertest.Mock, id string, age time.Duration) {
	t.Helper()
	require.NoError(t, m.Insert(context.Background(), &core.Record{
		Table: "events",
		Key:   id,
		Data: map[string]interface{}{
			"id":         id,
			"account_id": "a1",
			"kind":       "signup",
			"created_at": time.Now().Add(-age),
		},
	}))
}

func TestArchiveMovesOldRecords(t *testing.T) {
	cfg := providertest.Config()
	require.NoError(t, cfg.Validate())
	reg, err := registry.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })

	source := providertest.Get("eventstore")
	target := providertest.Get("coldlake")

	seedEvent(t, source, "old-1", 2*time.Hour)
	seedEvent(t, source, "old-2", 3*time.Hour)
	seedEvent(t, source, "fresh", 5*time.Minute)

	m, err := NewManager(cfg, reg)
	require.NoError(t, err)
	defer m.Stop()

	m.RunPolicy(context.Background(), cfg.Lifecycle[0])

	// Records past max_age moved to the archive target; fresh stays.
	assert.Len(t, source.Records("events"), 1)
	assert.Equal(t, "fresh", source.Records("events")[0].Key)
	assert.Len(t, target.Records("events"), 2)
}

func TestArchiveIsIdempotent(t *testing.T) {
	cfg := providertest.Config()
	require.NoError(t, cfg.Validate())
	reg, err := registry.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })

	source := providertest.Get("eventstore")
	target := providertest.Get("coldlake")
	seedEvent(t, source, "old-1", 2*time.Hour)

	m, err := NewManager(cfg, reg)
	require.NoError(t, err)
	defer m.Stop()

	m.RunPolicy(context.Background(), cfg.Lifecycle[0])
	m.RunPolicy(context.Background(), cfg.Lifecycle[0])
	m.RunPolicy(context.Background(), cfg.Lifecycle[0])

	assert.Empty(t, source.Records("events"))
	assert.Len(t, target.Records("events"), 1)
}

func TestArchiveProcessesInBatches(t *testing.T) {
	cfg := providertest.Config()
	// Batch size 10 in the fixture; seed more than one batch.
	require.NoError(t, cfg.Validate())
	reg, err := registry.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })

	source := providertest.Get("eventstore")
	for i := 0; i < 25; i++ {
		seedEvent(t, source, fmt.Sprintf("old-%02d", i), 2*time.Hour)
	}

	m, err := NewManager(cfg, reg)
	require.NoError(t, err)
	defer m.Stop()

	m.RunPolicy(context.Background(), cfg.Lifecycle[0])

	assert.Empty(t, source.Records("events"))
	assert.Len(t, providertest.Get("coldlake").Records("events"), 25)
}

func TestDeleteActionRemovesWithoutCopy(t *testing.T) {
	cfg := providertest.Config()
	cfg.Lifecycle[0].Rules[0].Action = "delete"
	cfg.Lifecycle[0].Rules[0].Target = ""
	require.NoError(t, cfg.Validate())
	reg, err := registry.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })

	source := providertest.Get("eventstore")
	seedEvent(t, source, "old-1", 2*time.Hour)

	m, err := NewManager(cfg, reg)
	require.NoError(t, err)
	defer m.Stop()

	m.RunPolicy(context.Background(), cfg.Lifecycle[0])

	assert.Empty(t, source.Records("events"))
	assert.Empty(t, providertest.Get("coldlake").Records("events"))
}
