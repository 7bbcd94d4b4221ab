package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatrixCoversEveryCategory(t *testing.T) {
	for _, cat := range Categories() {
		c := MustGet(cat)
		assert.Equal(t, cat, c.Category)
		assert.NotEmpty(t, c.QueryTypes, cat)
		assert.NotEmpty(t, c.DataTypes, cat)
	}
	assert.Len(t, Categories(), 8)
}

func TestSupportsQueryType(t *testing.T) {
	sql := MustGet(CategoryDistributedSQL)
	assert.True(t, sql.SupportsQueryType(QueryTypeAggregation))
	assert.False(t, sql.SupportsQueryType(QueryTypeSimilarity))

	// Similarity belongs to vector stores alone.
	for _, cat := range Categories() {
		c := MustGet(cat)
		if cat == CategoryVector {
			assert.True(t, c.SupportsQueryType(QueryTypeSimilarity))
		} else {
			assert.False(t, c.SupportsQueryType(QueryTypeSimilarity), cat)
		}
	}
}

func TestSupportsFeature(t *testing.T) {
	assert.True(t, MustGet(CategoryDistributedSQL).SupportsFeature(FeatureTransactions))
	assert.True(t, MustGet(CategoryGraph).SupportsFeature(FeatureTransactions))
	assert.False(t, MustGet(CategoryCache).SupportsFeature(FeatureTransactions))
	assert.False(t, MustGet(CategoryWideColumn).SupportsFeature(FeatureTransactions))
	assert.True(t, MustGet(CategoryCache).SupportsFeature(FeatureTTL))
}

func TestSupportsDataType(t *testing.T) {
	assert.True(t, MustGet(CategoryVector).SupportsDataType(DataTypeVector))
	assert.False(t, MustGet(CategoryDistributedSQL).SupportsDataType(DataTypeVector))
}

func TestUnknownCategory(t *testing.T) {
	_, ok := Get(Category("ledger"))
	assert.False(t, ok)
	assert.False(t, Known(Category("ledger")))
	require.Panics(t, func() { MustGet(Category("ledger")) })
}
