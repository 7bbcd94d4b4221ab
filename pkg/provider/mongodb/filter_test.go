package mongodb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/unhinged-ai/polystore/pkg/errors"
	"github.com/unhinged-ai/polystore/pkg/provider/core"
)

func TestCriteriaToBSON(t *testing.T) {
	tests := []struct {
		name     string
		criteria *core.Criteria
		want     bson.M
	}{
		{"nil", nil, bson.M{}},
		{"eq", core.Eq("kind", "signup"), bson.M{"kind": "signup"}},
		{"neq", core.Neq("kind", "signup"), bson.M{"kind": bson.M{"$ne": "signup"}}},
		{
			"range both bounds",
			core.Range("age", 18, 65),
			bson.M{"age": bson.M{"$gte": 18, "$lte": 65}},
		},
		{
			"range open low",
			core.Range("age", nil, 65),
			bson.M{"age": bson.M{"$lte": 65}},
		},
		{
			"in",
			core.In("id", "a", "b"),
			bson.M{"id": bson.M{"$in": []interface{}{"a", "b"}}},
		},
		{
			"pattern",
			core.Pattern("email", "@example\\.com$"),
			bson.M{"email": bson.M{"$regex": "@example\\.com$"}},
		},
		{
			"and",
			core.And(core.Eq("kind", "signup"), core.Range("age", 18, nil)),
			bson.M{"$and": []bson.M{
				{"kind": "signup"},
				{"age": bson.M{"$gte": 18}},
			}},
		},
		{
			"or",
			core.Or(core.Eq("kind", "signup"), core.Eq("kind", "login")),
			bson.M{"$or": []bson.M{
				{"kind": "signup"},
				{"kind": "login"},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := criteriaToBSON(tt.criteria)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCriteriaToBSONRejectsSimilarity(t *testing.T) {
	_, err := criteriaToBSON(core.NearVector("v", []float32{1, 2}, 0.5))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCapability))

	// Nested similarity is caught too.
	_, err = criteriaToBSON(core.And(core.Eq("kind", "x"), core.NearVector("v", []float32{1}, 0.5)))
	require.Error(t, err)
}

func TestAggregationPipeline(t *testing.T) {
	spec := &core.QuerySpec{
		Table:    "events",
		Criteria: core.Eq("kind", "signup"),
		GroupBy:  []string{"account_id"},
		Aggregates: []core.Aggregate{
			{Func: core.AggCount, As: "n"},
			{Func: core.AggMax, Field: "created_at", As: "latest"},
		},
		Limit: 5,
	}

	pipeline, err := aggregationPipeline(spec)
	require.NoError(t, err)
	require.Len(t, pipeline, 3)

	assert.Equal(t, bson.D{{Key: "$match", Value: bson.M{"kind": "signup"}}}, pipeline[0])
	assert.Equal(t, bson.D{{Key: "$group", Value: bson.M{
		"_id":    bson.M{"account_id": "$account_id"},
		"n":      bson.M{"$sum": 1},
		"latest": bson.M{"$max": "$created_at"},
	}}}, pipeline[1])
	assert.Equal(t, bson.D{{Key: "$limit", Value: 5}}, pipeline[2])
}

func TestAggregationPipelineDefaultsToCount(t *testing.T) {
	pipeline, err := aggregationPipeline(&core.QuerySpec{Table: "events"})
	require.NoError(t, err)
	require.Len(t, pipeline, 1)
	assert.Equal(t, bson.D{{Key: "$group", Value: bson.M{
		"_id":   bson.M{},
		"count": bson.M{"$sum": 1},
	}}}, pipeline[0])
}
