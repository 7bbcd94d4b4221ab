package registry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unhinged-ai/polystore/pkg/capability"
	"github.com/unhinged-ai/polystore/pkg/config"
	"github.com/unhinged-ai/polystore/pkg/provider/providertest"
	"github.com/unhinged-ai/polystore/pkg/provider/registry"
)

func TestOpenInitializesEveryTechnology(t *testing.T) {
	cfg := providertest.Config()
	require.NoError(t, cfg.Validate())

	reg, err := registry.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })

	assert.Len(t, reg.All(), len(cfg.Technologies))
	for name := range cfg.Technologies {
		p, err := reg.Get(name)
		require.NoError(t, err)
		assert.Equal(t, name, p.Name())
	}
	assert.Same(t, cfg, reg.Config())
}

func TestProvidersReceiveTheirTables(t *testing.T) {
	cfg := providertest.Config()
	require.NoError(t, cfg.Validate())

	reg, err := registry.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })

	// The primary serves its table; the backup serves it too.
	events := cfg.Table("events")
	primary := providertest.Get(events.Technology)
	_, err = primary.Table("events")
	require.NoError(t, err)
	backup := providertest.Get(events.BackupTechnology)
	_, err = backup.Table("events")
	require.NoError(t, err)
}

func TestGetUnknownTechnology(t *testing.T) {
	cfg := providertest.Config()
	require.NoError(t, cfg.Validate())

	reg, err := registry.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })

	_, err = reg.Get("nope")
	require.Error(t, err)
}

func TestByCategory(t *testing.T) {
	cfg := providertest.Config()
	require.NoError(t, cfg.Validate())

	reg, err := registry.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })

	graphs := reg.ByCategory(capability.CategoryGraph)
	require.Len(t, graphs, 1)
	assert.Equal(t, "graphdb", graphs[0].Name())
	assert.Empty(t, reg.ByCategory(capability.CategoryDistributedSQL))
}

func TestOpenFailsForUnregisteredCategory(t *testing.T) {
	cfg := providertest.Config()
	cfg.Technologies["tsdb"] = &config.TechnologyConfig{
		Name:     "tsdb",
		Category: capability.Category("timeseries"),
		Connection: config.ConnectionConfig{
			URI: "mock://tsdb",
		},
	}

	_, err := registry.Open(context.Background(), cfg)
	require.Error(t, err)
}

func TestShutdownRemovesProviders(t *testing.T) {
	cfg := providertest.Config()
	require.NoError(t, cfg.Validate())

	reg, err := registry.Open(context.Background(), cfg)
	require.NoError(t, err)

	require.NoError(t, reg.Shutdown(context.Background()))
	assert.Empty(t, reg.All())
}
