package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unhinged-ai/polystore/pkg/capability"
	"github.com/unhinged-ai/polystore/pkg/config"
	"github.com/unhinged-ai/polystore/pkg/errors"
	_ "github.com/unhinged-ai/polystore/pkg/provider/badgercache"
	"github.com/unhinged-ai/polystore/pkg/provider/core"
	"github.com/unhinged-ai/polystore/pkg/provider/providertest"
	"github.com/unhinged-ai/polystore/pkg/service"
)

// platformConfig extends the shared fixture with an in-memory cache
// technology and API endpoints.
func platformConfig() *config.PlatformConfig {
	cfg := providertest.Config()
	cfg.Technologies["hotcache"] = &config.TechnologyConfig{
		Name:     "hotcache",
		Category: capability.CategoryCache,
		Connection: config.ConnectionConfig{
			URI: "memory://",
		},
	}
	cfg.API.Endpoints = []*config.EndpointConfig{
		{
			Name:       "public",
			Operations: []string{"create-account", "account-by-name"},
		},
		{
			Name:       "limited",
			Operations: []string{"account-by-name"},
			RateLimit:  1,
			Burst:      1,
		},
		{
			Name:       "cached",
			Operations: []string{"account-by-name"},
			Cache: config.CachePolicy{
				Enabled:    true,
				Technology: "hotcache",
				TTL:        time.Minute,
			},
		},
	}
	return cfg
}

func open(t *testing.T, cfg *config.PlatformConfig) *service.Service {
	t.Helper()
	if cfg == nil {
		cfg = platformConfig()
	}
	require.NoError(t, cfg.Validate())
	svc, err := service.New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc
}

func seedAccount(t *testing.T, id, name string) {
	t.Helper()
	require.NoError(t, providertest.Get("graphdb").Insert(context.Background(), &core.Record{
		Table: "accounts",
		Key:   id,
		Data:  map[string]interface{}{"id": id, "name": name, "email": name + "@example.com"},
	}))
}

func TestInvokeRunsOperation(t *testing.T) {
	svc := open(t, nil)

	out, err := svc.Invoke(context.Background(), "public", "create-account", map[string]interface{}{
		"name":  "ada",
		"email": "ada@example.com",
	})
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Len(t, providertest.Get("graphdb").Records("accounts"), 1)
}

func TestInvokeRunsQueryTemplate(t *testing.T) {
	svc := open(t, nil)
	seedAccount(t, "a1", "ada")

	out, err := svc.Invoke(context.Background(), "public", "account-by-name", map[string]interface{}{
		"name": "ada",
	})
	require.NoError(t, err)
	records, ok := out.([]*core.Record)
	require.True(t, ok)
	require.Len(t, records, 1)
	assert.Equal(t, "a1", records[0].Data["id"])
}

func TestInvokeUnknownEndpoint(t *testing.T) {
	svc := open(t, nil)
	_, err := svc.Invoke(context.Background(), "nope", "account-by-name", nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestEndpointAllowList(t *testing.T) {
	svc := open(t, nil)
	_, err := svc.Invoke(context.Background(), "limited", "create-account", map[string]interface{}{
		"name": "ada", "email": "ada@example.com",
	})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	assert.Empty(t, providertest.Get("graphdb").Records("accounts"))
}

func TestEndpointRateLimit(t *testing.T) {
	svc := open(t, nil)
	seedAccount(t, "a1", "ada")
	params := map[string]interface{}{"name": "ada"}

	_, err := svc.Invoke(context.Background(), "limited", "account-by-name", params)
	require.NoError(t, err)

	// Burst of one: the immediate second call is refused.
	_, err = svc.Invoke(context.Background(), "limited", "account-by-name", params)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeRateLimit))
}

func TestReadThroughCache(t *testing.T) {
	svc := open(t, nil)
	seedAccount(t, "a1", "ada")
	params := map[string]interface{}{"name": "ada"}
	ctx := context.Background()

	out, err := svc.Invoke(ctx, "cached", "account-by-name", params)
	require.NoError(t, err)
	require.Len(t, out.([]*core.Record), 1)

	// Remove the backing record; the cached result keeps serving.
	_, err = providertest.Get("graphdb").Delete(ctx, "accounts", core.Eq("id", "a1"))
	require.NoError(t, err)

	out, err = svc.Invoke(ctx, "cached", "account-by-name", params)
	require.NoError(t, err)
	require.Len(t, out.([]*core.Record), 1)
	assert.Equal(t, "a1", out.([]*core.Record)[0].Data["id"])

	// The uncached endpoint sees the deletion.
	out, err = svc.Invoke(ctx, "public", "account-by-name", params)
	require.NoError(t, err)
	assert.Empty(t, out.([]*core.Record))
}

func TestCacheKeyVariesByParams(t *testing.T) {
	svc := open(t, nil)
	seedAccount(t, "a1", "ada")
	seedAccount(t, "a2", "lin")
	ctx := context.Background()

	out, err := svc.Invoke(ctx, "cached", "account-by-name", map[string]interface{}{"name": "ada"})
	require.NoError(t, err)
	require.Len(t, out.([]*core.Record), 1)
	assert.Equal(t, "a1", out.([]*core.Record)[0].Data["id"])

	out, err = svc.Invoke(ctx, "cached", "account-by-name", map[string]interface{}{"name": "lin"})
	require.NoError(t, err)
	require.Len(t, out.([]*core.Record), 1)
	assert.Equal(t, "a2", out.([]*core.Record)[0].Data["id"])
}

func TestReloadSwapsConfiguration(t *testing.T) {
	svc := open(t, nil)
	ctx := context.Background()

	next := platformConfig()
	next.API.Endpoints = next.API.Endpoints[:1]
	require.NoError(t, next.Validate())
	require.NoError(t, svc.Reload(ctx, next))

	assert.Same(t, next, svc.Config())

	// Endpoints dropped by the reload stop resolving.
	_, err := svc.Invoke(ctx, "cached", "account-by-name", map[string]interface{}{"name": "ada"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}
