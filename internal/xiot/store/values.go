package store

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Normalize converts decoded JSON (and Go literals) to the value set the
// backends store: int64 for integral numbers, float64 otherwise, and
// Fields / []any for nested values.
func Normalize(v any) any {
	switch x := v.(type) {
	case nil, bool, string, int64:
		return x
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	case float32:
		return normalizeFloat(float64(x))
	case float64:
		return normalizeFloat(x)
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		if f, err := x.Float64(); err == nil {
			return normalizeFloat(f)
		}
		return x.String()
	case Fields:
		return NormalizeFields(x)
	case map[string]any:
		return NormalizeFields(Fields(x))
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = Normalize(e)
		}
		return out
	default:
		return x
	}
}

func normalizeFloat(f float64) any {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return f
}

// NormalizeFields returns a deep copy of f with every value normalized.
// Nil values are dropped, as the database does not store nulls.
func NormalizeFields(f Fields) Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		if v == nil {
			continue
		}
		out[k] = Normalize(v)
	}
	return out
}

// Clone deep-copies f.
func Clone(f Fields) Fields {
	if f == nil {
		return nil
	}
	return NormalizeFields(f)
}

// Equal reports whether two field sets hold the same values.
func Equal(a, b Fields) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !valueEqual(av, bv) {
			return false
		}
	}
	return true
}

func valueEqual(a, b any) bool {
	switch x := a.(type) {
	case Fields:
		y, ok := b.(Fields)
		return ok && Equal(x, y)
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !valueEqual(x[i], y[i]) {
				return false
			}
		}
		return true
	default:
		return Compare(a, b) == 0 && rank(a) == rank(b)
	}
}

// rank orders value kinds: null < false < true < numbers < strings < objects.
func rank(v any) int {
	switch x := v.(type) {
	case nil:
		return 0
	case bool:
		if x {
			return 2
		}
		return 1
	case int64, float64:
		return 3
	case string:
		return 4
	default:
		return 5
	}
}

// Compare orders two normalized values the way the database orders a child
// field: numbers numerically, strings byte-wise.
func Compare(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmpInt(ra, rb)
	}
	switch x := a.(type) {
	case int64:
		if y, ok := b.(int64); ok {
			return cmpInt64(x, y)
		}
		return cmpFloat(float64(x), b.(float64))
	case float64:
		if y, ok := b.(int64); ok {
			return cmpFloat(x, float64(y))
		}
		return cmpFloat(x, b.(float64))
	case string:
		return strings.Compare(x, b.(string))
	}
	return 0
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Matches reports whether fields satisfy the bounds of q. Records that lack
// the ordered field never match.
func Matches(q Query, fields Fields) bool {
	v, ok := fields[q.OrderBy]
	if !ok || v == nil {
		return false
	}
	if q.EqualTo != nil && Compare(v, Normalize(q.EqualTo)) != 0 {
		return false
	}
	if q.StartAt != nil && Compare(v, Normalize(q.StartAt)) < 0 {
		return false
	}
	if q.EndAt != nil && Compare(v, Normalize(q.EndAt)) > 0 {
		return false
	}
	return true
}

// Select filters, orders and limits recs for q. recs is not modified.
func Select(q Query, recs []Record) []Record {
	out := make([]Record, 0, len(recs))
	for _, r := range recs {
		if Matches(q, r.Fields) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if c := Compare(out[i].Fields[q.OrderBy], out[j].Fields[q.OrderBy]); c != 0 {
			return c < 0
		}
		return out[i].Key < out[j].Key
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// String returns the string value of key, or "".
func (f Fields) String(key string) string {
	s, _ := f[key].(string)
	return s
}

// Int64 returns the numeric value of key truncated to an integer.
func (f Fields) Int64(key string) (int64, bool) {
	switch v := Normalize(f[key]).(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

// Has reports whether key is present with a non-null value.
func (f Fields) Has(key string) bool {
	v, ok := f[key]
	return ok && v != nil
}
