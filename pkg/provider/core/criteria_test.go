package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCriteriaMatches(t *testing.T) {
	data := map[string]interface{}{
		"id":         "u1",
		"age":        34,
		"score":      7.5,
		"email":      "a@example.com",
		"created_at": time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
	}

	tests := []struct {
		name     string
		criteria *Criteria
		want     bool
	}{
		{"eq match", Eq("id", "u1"), true},
		{"eq mismatch", Eq("id", "u2"), false},
		{"eq missing field", Eq("ghost", "x"), false},
		{"neq", Neq("id", "u2"), true},
		{"range inside", Range("age", 30, 40), true},
		{"range below", Range("age", 35, 40), false},
		{"range open low", Range("age", nil, 40), true},
		{"range open high", Range("age", 30, nil), true},
		{"range numeric widening", Range("score", 7, 8), true},
		{"range time", Range("created_at", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Now()), true},
		{"in hit", In("id", "u3", "u1"), true},
		{"in miss", In("id", "u3", "u4"), false},
		{"pattern match", Pattern("email", "@example\\.com$"), true},
		{"pattern miss", Pattern("email", "^x"), false},
		{"pattern non-string", Pattern("age", ".*"), false},
		{"and both", And(Eq("id", "u1"), Range("age", 30, 40)), true},
		{"and one fails", And(Eq("id", "u1"), Eq("age", 99)), false},
		{"or one", Or(Eq("id", "nope"), Eq("id", "u1")), true},
		{"or none", Or(Eq("id", "a"), Eq("id", "b")), false},
		{"nil matches everything", nil, true},
		{"near never matches in memory", NearVector("vec", []float32{1, 2}, 0.5), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.criteria.Matches(data))
		})
	}
}

func TestCriteriaFieldsAndKinds(t *testing.T) {
	c := And(Eq("a", 1), Or(Range("b", 0, 9), Pattern("c", "x")))
	assert.ElementsMatch(t, []string{"a", "b", "c"}, c.Fields())
	assert.True(t, c.HasKind(KindPattern))
	assert.False(t, c.HasKind(KindNear))
}

func TestStreamCollect(t *testing.T) {
	recs := []*Record{
		{Table: "t", Key: "1"},
		{Table: "t", Key: "2"},
	}
	out, err := StreamOf(recs, nil).Collect()
	assert.NoError(t, err)
	assert.Len(t, out, 2)

	_, err = StreamOf(nil, assert.AnError).Collect()
	assert.Error(t, err)
}
