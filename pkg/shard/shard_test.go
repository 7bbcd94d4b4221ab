package shard

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unhinged-ai/polystore/pkg/config"
)

func hashStrategy(count int) *config.ShardingStrategy {
	return &config.ShardingStrategy{
		Name:       "events-by-account",
		Table:      "events",
		Kind:       config.ShardHash,
		KeyField:   "account_id",
		ShardCount: count,
	}
}

func TestHashShardDeterministic(t *testing.T) {
	r := NewResolver(hashStrategy(16))

	first, err := r.Resolve(map[string]interface{}{"account_id": "a-42"})
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		again, err := r.Resolve(map[string]interface{}{"account_id": "a-42"})
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestHashShardDistribution(t *testing.T) {
	r := NewResolver(hashStrategy(8))

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		s, err := r.Resolve(map[string]interface{}{"account_id": fmt.Sprintf("acct-%d", i)})
		require.NoError(t, err)
		seen[s] = true
	}
	// 1000 keys over 8 shards should touch every shard.
	assert.Len(t, seen, 8)
}

func TestMissingShardKey(t *testing.T) {
	r := NewResolver(hashStrategy(8))
	_, err := r.Resolve(map[string]interface{}{"other": "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "account_id")
}

func TestTimeShardBuckets(t *testing.T) {
	r := NewResolver(&config.ShardingStrategy{
		Name:     "events-by-day",
		Table:    "events",
		Kind:     config.ShardTime,
		KeyField: "created_at",
		Interval: 24 * time.Hour,
	})

	morning := time.Date(2026, 8, 29, 8, 0, 0, 0, time.UTC)
	evening := time.Date(2026, 8, 29, 22, 0, 0, 0, time.UTC)
	nextDay := time.Date(2026, 8, 30, 1, 0, 0, 0, time.UTC)

	s1, err := r.Resolve(map[string]interface{}{"created_at": morning})
	require.NoError(t, err)
	s2, err := r.Resolve(map[string]interface{}{"created_at": evening})
	require.NoError(t, err)
	s3, err := r.Resolve(map[string]interface{}{"created_at": nextDay})
	require.NoError(t, err)

	assert.Equal(t, s1, s2)
	assert.NotEqual(t, s1, s3)

	// RFC3339 strings bucket identically to time values.
	s4, err := r.Resolve(map[string]interface{}{"created_at": morning.Format(time.RFC3339)})
	require.NoError(t, err)
	assert.Equal(t, s1, s4)
}

func TestRangeShardBoundaries(t *testing.T) {
	r := NewResolver(&config.ShardingStrategy{
		Name:       "users-by-name",
		Table:      "users",
		Kind:       config.ShardRange,
		KeyField:   "name",
		Boundaries: []string{"g", "n", "t"},
	})

	s, err := r.Resolve(map[string]interface{}{"name": "alice"})
	require.NoError(t, err)
	assert.Equal(t, "users_0", s)

	s, err = r.Resolve(map[string]interface{}{"name": "mallory"})
	require.NoError(t, err)
	assert.Equal(t, "users_1", s)

	s, err = r.Resolve(map[string]interface{}{"name": "zed"})
	require.NoError(t, err)
	assert.Equal(t, "users_overflow", s)
}

func TestShardsEnumeration(t *testing.T) {
	assert.Len(t, NewResolver(hashStrategy(4)).Shards(), 4)

	rangeResolver := NewResolver(&config.ShardingStrategy{
		Table:      "users",
		Kind:       config.ShardRange,
		KeyField:   "name",
		Boundaries: []string{"m"},
	})
	assert.Equal(t, []string{"users_0", "users_overflow"}, rangeResolver.Shards())
}

func TestRebalanceIsExplicit(t *testing.T) {
	r := NewResolver(hashStrategy(8))

	rebalanced, err := r.Rebalance(16)
	require.NoError(t, err)
	assert.Equal(t, 16, rebalanced.Strategy().ShardCount)
	// The original resolver keeps its mapping.
	assert.Equal(t, 8, r.Strategy().ShardCount)

	_, err = r.Rebalance(0)
	require.Error(t, err)

	timeResolver := NewResolver(&config.ShardingStrategy{
		Table: "events", Kind: config.ShardTime, KeyField: "created_at", Interval: time.Hour,
	})
	_, err = timeResolver.Rebalance(4)
	require.Error(t, err)
}

func TestManagerAssign(t *testing.T) {
	cfg := &config.PlatformConfig{
		Sharding: []*config.ShardingStrategy{hashStrategy(8)},
	}
	m := NewManager(cfg)

	s, err := m.Assign("events", map[string]interface{}{"account_id": "a1"})
	require.NoError(t, err)
	assert.NotEmpty(t, s)

	// Unsharded tables get no shard and no error.
	s, err = m.Assign("users", map[string]interface{}{"id": "u1"})
	require.NoError(t, err)
	assert.Empty(t, s)
}
