package health_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unhinged-ai/polystore/pkg/health"
	"github.com/unhinged-ai/polystore/pkg/provider/providertest"
	"github.com/unhinged-ai/polystore/pkg/provider/registry"
)

func openRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	cfg := providertest.Config()
	require.NoError(t, cfg.Validate())
	reg, err := registry.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })
	return reg
}

func TestCheckReportsHealthy(t *testing.T) {
	a := health.NewAggregator(openRegistry(t), time.Minute)

	report := a.Check(context.Background())
	assert.Equal(t, health.OverallHealthy, report.Overall)
	assert.Contains(t, report.Providers, "graphdb")
	assert.Contains(t, report.Providers, "eventstore")
	assert.Contains(t, report.Metrics, "graphdb")

	// Latest serves the same snapshot without re-probing.
	assert.Same(t, report, a.Latest())
}

func TestDisconnectedProviderMakesPlatformUnhealthy(t *testing.T) {
	a := health.NewAggregator(openRegistry(t), time.Minute)

	providertest.Get("eventstore").Disconnected = true
	report := a.Check(context.Background())
	assert.Equal(t, health.OverallUnhealthy, report.Overall)
	assert.False(t, report.Providers["eventstore"].Healthy)
	assert.True(t, report.Providers["graphdb"].Healthy)
}

func TestHandlerServesJSONAndStatusCode(t *testing.T) {
	a := health.NewAggregator(openRegistry(t), time.Minute)
	a.Check(context.Background())

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var report health.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, health.OverallHealthy, report.Overall)

	providertest.Get("graphdb").Disconnected = true
	a.Check(context.Background())
	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandlerProbesWhenNoSnapshot(t *testing.T) {
	a := health.NewAggregator(openRegistry(t), time.Minute)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, a.Latest())
}

func TestStartPollsOnInterval(t *testing.T) {
	a := health.NewAggregator(openRegistry(t), 10*time.Millisecond)

	a.Start(context.Background())
	defer a.Stop()

	assert.Eventually(t, func() bool {
		return a.Latest() != nil
	}, time.Second, 5*time.Millisecond)

	providertest.Get("graphdb").Disconnected = true
	assert.Eventually(t, func() bool {
		return a.Latest().Overall == health.OverallUnhealthy
	}, time.Second, 5*time.Millisecond)
}

func TestTechnologiesSorted(t *testing.T) {
	a := health.NewAggregator(openRegistry(t), time.Minute)
	assert.Nil(t, a.Technologies())

	a.Check(context.Background())
	assert.Equal(t, []string{"coldlake", "eventstore", "graphdb", "searchidx"}, a.Technologies())
}
