package base

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unhinged-ai/polystore/pkg/capability"
	"github.com/unhinged-ai/polystore/pkg/config"
	"github.com/unhinged-ai/polystore/pkg/errors"
	"github.com/unhinged-ai/polystore/pkg/provider/core"
)

func configured(t *testing.T) *Provider {
	t.Helper()
	p := New("docstore", capability.CategoryDocument)
	err := p.Configure(
		&config.TechnologyConfig{
			Name:     "docstore",
			Category: capability.CategoryDocument,
			Retry:    config.RetryConfig{Attempts: 3, Delay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond},
		},
		[]*config.TableConfig{{
			Name: "users",
			Fields: []*config.FieldConfig{
				{Name: "id", Type: capability.DataTypeString, PrimaryKey: true},
				{Name: "email", Type: capability.DataTypeString, Validation: `^[^@]+@[^@]+$`},
				{Name: "age", Type: capability.DataTypeInt, Nullable: true},
				{Name: "secret", Type: capability.DataTypeString, Nullable: true, Encrypted: true},
				{Name: "joined", Type: capability.DataTypeTimestamp, Nullable: true},
			},
		}},
	)
	require.NoError(t, err)
	return p
}

func TestValidateRecord(t *testing.T) {
	p := configured(t)

	valid := func(data map[string]interface{}) error {
		return p.ValidateRecord(&core.Record{Table: "users", Key: "u1", Data: data})
	}

	assert.NoError(t, valid(map[string]interface{}{
		"id": "u1", "email": "a@b", "age": 30,
	}))

	t.Run("missing required field", func(t *testing.T) {
		err := valid(map[string]interface{}{"id": "u1"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "email")
	})

	t.Run("wrong type", func(t *testing.T) {
		err := valid(map[string]interface{}{"id": "u1", "email": "a@b", "age": "old"})
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	})

	t.Run("validation pattern", func(t *testing.T) {
		err := valid(map[string]interface{}{"id": "u1", "email": "not-an-email"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "validation pattern")
	})

	t.Run("encrypted field is opaque", func(t *testing.T) {
		assert.NoError(t, valid(map[string]interface{}{
			"id": "u1", "email": "a@b", "secret": "ciphertext",
		}))
	})

	t.Run("undeclared field", func(t *testing.T) {
		err := valid(map[string]interface{}{"id": "u1", "email": "a@b", "extra": 1})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "extra")
	})

	t.Run("unknown table", func(t *testing.T) {
		err := p.ValidateRecord(&core.Record{Table: "nope", Data: map[string]interface{}{}})
		require.Error(t, err)
	})
}

func TestTypeCompatible(t *testing.T) {
	tests := []struct {
		name string
		dt   capability.DataType
		val  interface{}
		ok   bool
	}{
		{"int", capability.DataTypeInt, 42, true},
		{"int64", capability.DataTypeInt, int64(42), true},
		{"whole float into int", capability.DataTypeInt, float64(42), true},
		{"fractional float into int", capability.DataTypeInt, 42.5, false},
		{"int widens to float", capability.DataTypeFloat, 42, true},
		{"time value", capability.DataTypeTimestamp, time.Now(), true},
		{"rfc3339 string", capability.DataTypeTimestamp, "2026-08-29T10:00:00Z", true},
		{"bad timestamp string", capability.DataTypeTimestamp, "yesterday", false},
		{"json object", capability.DataTypeJSON, map[string]interface{}{"k": 1}, true},
		{"json array", capability.DataTypeJSON, []interface{}{1, 2}, true},
		{"json scalar", capability.DataTypeJSON, "plain", false},
		{"binary", capability.DataTypeBinary, []byte{1}, true},
		{"vector", capability.DataTypeVector, []float32{0.1, 0.2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, typeCompatible(tt.dt, tt.val))
		})
	}
}

func TestRequireQueryTypeFailsFast(t *testing.T) {
	p := configured(t)

	assert.NoError(t, p.RequireQueryType(capability.QueryTypePointLookup))

	err := p.RequireQueryType(capability.QueryTypeSimilarity)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCapability))
	// Capability refusals carry the routing stage: nothing reached the wire.
	var e *errors.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errors.StageRouting, e.Stage)
}

func TestRequireFeature(t *testing.T) {
	p := configured(t)
	assert.NoError(t, p.RequireFeature(capability.FeatureTTL))
	assert.Error(t, p.RequireFeature(capability.FeatureVectorSearch))
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	p := configured(t)

	calls := 0
	err := p.Retry(context.Background(), "insert", func() error {
		calls++
		return errors.New(errors.ErrorTypeValidation, "bad record")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryRecoversTransientFailure(t *testing.T) {
	p := configured(t)

	calls := 0
	err := p.Retry(context.Background(), "insert", func() error {
		calls++
		if calls < 3 {
			return errors.New(errors.ErrorTypeConnection, "connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	p := configured(t)

	calls := 0
	err := p.Retry(context.Background(), "insert", func() error {
		calls++
		return errors.New(errors.ErrorTypeTimeout, "deadline exceeded")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestObserveTracksCounters(t *testing.T) {
	p := configured(t)

	p.Observe("query", time.Now(), nil)
	p.Observe("query", time.Now(), errors.New(errors.ErrorTypeQuery, "boom"))
	p.CountRead(5)
	p.CountWritten(2)

	m := p.Metrics()
	assert.Equal(t, int64(2), m.Operations)
	assert.Equal(t, int64(1), m.Failures)
	assert.Equal(t, int64(5), m.RecordsRead)
	assert.Equal(t, int64(2), m.RecordsWritten)
	assert.Equal(t, "boom", p.LastError())
}
