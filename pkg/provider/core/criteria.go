package core

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// CriteriaKind identifies the shape of one criteria node.
type CriteriaKind string

const (
	KindEq      CriteriaKind = "eq"
	KindNeq     CriteriaKind = "neq"
	KindRange   CriteriaKind = "range"
	KindIn      CriteriaKind = "in"
	KindPattern CriteriaKind = "pattern"
	KindNear    CriteriaKind = "near"
	KindAnd     CriteriaKind = "and"
	KindOr      CriteriaKind = "or"
)

// Criteria is a composable filter tree. Leaf nodes compare one field;
// And/Or nodes combine children. Providers translate the tree to their
// native filter form, and in-memory evaluation is available via Matches
// for technologies without server-side filtering.
type Criteria struct {
	Kind  CriteriaKind
	Field string
	Value interface{}
	// Low/High bound range criteria; either may be nil for open-ended
	Low  interface{}
	High interface{}
	// Values holds the candidate set for in criteria
	Values []interface{}
	// Pattern is a regular expression for pattern criteria
	Pattern string
	// Vector and MaxDistance configure similarity criteria
	Vector      []float32
	MaxDistance float64
	Children    []*Criteria
}

// Eq matches records whose field equals value.
func Eq(field string, value interface{}) *Criteria {
	return &Criteria{Kind: KindEq, Field: field, Value: value}
}

// Neq matches records whose field differs from value.
func Neq(field string, value interface{}) *Criteria {
	return &Criteria{Kind: KindNeq, Field: field, Value: value}
}

// Range matches records whose field lies in [low, high]. Either bound may
// be nil for an open interval.
func Range(field string, low, high interface{}) *Criteria {
	return &Criteria{Kind: KindRange, Field: field, Low: low, High: high}
}

// In matches records whose field equals any of the values.
func In(field string, values ...interface{}) *Criteria {
	return &Criteria{Kind: KindIn, Field: field, Values: values}
}

// Pattern matches string fields against a regular expression.
func Pattern(field, pattern string) *Criteria {
	return &Criteria{Kind: KindPattern, Field: field, Pattern: pattern}
}

// NearVector matches records whose vector field lies within maxDistance of
// the query vector. Only vector-capable providers can serve it.
func NearVector(field string, vector []float32, maxDistance float64) *Criteria {
	return &Criteria{Kind: KindNear, Field: field, Vector: vector, MaxDistance: maxDistance}
}

// And combines criteria; all must match.
func And(children ...*Criteria) *Criteria {
	return &Criteria{Kind: KindAnd, Children: children}
}

// Or combines criteria; any may match.
func Or(children ...*Criteria) *Criteria {
	return &Criteria{Kind: KindOr, Children: children}
}

// Matches evaluates the criteria tree against a record's data in memory.
// Used by providers without native filtering (key-value scans) and by the
// lifecycle manager. Similarity criteria always evaluate false here.
func (c *Criteria) Matches(data map[string]interface{}) bool {
	if c == nil {
		return true
	}
	switch c.Kind {
	case KindEq:
		return compare(data[c.Field], c.Value) == 0
	case KindNeq:
		return compare(data[c.Field], c.Value) != 0
	case KindRange:
		v, ok := data[c.Field]
		if !ok {
			return false
		}
		if c.Low != nil && compare(v, c.Low) < 0 {
			return false
		}
		if c.High != nil && compare(v, c.High) > 0 {
			return false
		}
		return true
	case KindIn:
		v := data[c.Field]
		for _, candidate := range c.Values {
			if compare(v, candidate) == 0 {
				return true
			}
		}
		return false
	case KindPattern:
		s, ok := data[c.Field].(string)
		if !ok {
			return false
		}
		matched, err := regexp.MatchString(c.Pattern, s)
		return err == nil && matched
	case KindAnd:
		for _, child := range c.Children {
			if !child.Matches(data) {
				return false
			}
		}
		return true
	case KindOr:
		for _, child := range c.Children {
			if child.Matches(data) {
				return true
			}
		}
		return len(c.Children) == 0
	default:
		return false
	}
}

// Fields returns every field referenced anywhere in the tree.
func (c *Criteria) Fields() []string {
	if c == nil {
		return nil
	}
	var out []string
	var walk func(n *Criteria)
	walk = func(n *Criteria) {
		if n.Field != "" {
			out = append(out, n.Field)
		}
		for _, child := range n.Children {
			walk(child)
		}
	}
	walk(c)
	return out
}

// HasKind reports whether any node in the tree has the given kind.
func (c *Criteria) HasKind(kind CriteriaKind) bool {
	if c == nil {
		return false
	}
	if c.Kind == kind {
		return true
	}
	for _, child := range c.Children {
		if child.HasKind(kind) {
			return true
		}
	}
	return false
}

// String renders a compact human-readable form for logs.
func (c *Criteria) String() string {
	if c == nil {
		return "<all>"
	}
	switch c.Kind {
	case KindEq:
		return fmt.Sprintf("%s=%v", c.Field, c.Value)
	case KindNeq:
		return fmt.Sprintf("%s!=%v", c.Field, c.Value)
	case KindRange:
		return fmt.Sprintf("%s in [%v,%v]", c.Field, c.Low, c.High)
	case KindIn:
		return fmt.Sprintf("%s in %v", c.Field, c.Values)
	case KindPattern:
		return fmt.Sprintf("%s ~ %q", c.Field, c.Pattern)
	case KindNear:
		return fmt.Sprintf("%s near <%d-dim> within %v", c.Field, len(c.Vector), c.MaxDistance)
	case KindAnd, KindOr:
		parts := make([]string, len(c.Children))
		for i, child := range c.Children {
			parts[i] = child.String()
		}
		return "(" + strings.Join(parts, string(" "+c.Kind+" ")) + ")"
	default:
		return string(c.Kind)
	}
}

// compare orders two loosely typed values. Numeric values compare
// numerically across int/float widths; times compare chronologically;
// everything else falls back to string comparison.
func compare(a, b interface{}) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}

	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}

	if at, aok := toTime(a); aok {
		if bt, bok := toTime(b); bok {
			switch {
			case at.Before(bt):
				return -1
			case at.After(bt):
				return 1
			default:
				return 0
			}
		}
	}

	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func toTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}
