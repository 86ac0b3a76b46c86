package cloud

import (
	"fmt"
	"sort"
	"strconv"
)

// Doc is a document snapshot.
type Doc struct {
	ID     string
	Fields map[string]any
}

func (d Doc) Has(key string) bool {
	_, ok := d.Fields[key]
	return ok
}

func (d Doc) String(key string) string {
	switch v := d.Fields[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Int64 reads a numeric field. Strings holding integers are accepted.
func (d Doc) Int64(key string) (int64, bool) {
	return toInt64(d.Fields[key])
}

func (d Doc) Bool(key string) bool {
	switch v := d.Fields[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

// Strings reads an array field, keeping only string items.
func (d Doc) Strings(key string) []string {
	arr, ok := d.Fields[key].([]any)
	if !ok {
		if ss, ok := d.Fields[key].([]string); ok {
			return append([]string(nil), ss...)
		}
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Ints reads an array of integers, skipping items that are not numeric.
func (d Doc) Ints(key string) []int {
	var arr []any
	switch v := d.Fields[key].(type) {
	case []any:
		arr = v
	case []int:
		return append([]int(nil), v...)
	default:
		return nil
	}
	out := make([]int, 0, len(arr))
	for _, v := range arr {
		if n, ok := toInt64(v); ok {
			out = append(out, int(n))
		}
	}
	return out
}

// IntMap reads a nested object of numbers.
func (d Doc) IntMap(key string) map[string]int {
	m, ok := d.Fields[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		if n, ok := toInt64(v); ok {
			out[k] = int(n)
		}
	}
	return out
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case float64:
		return int64(n), true
	case float32:
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int, int32, int64, uint32:
		i, _ := toInt64(n)
		return float64(i), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

type Op int

const (
	OpEq Op = iota
	OpIn
)

type Cond struct {
	Field string
	Op    Op
	Value any // for OpIn a []any
}

func Eq(field string, v any) Cond { return Cond{Field: field, Op: OpEq, Value: v} }

func In(field string, vals ...any) Cond { return Cond{Field: field, Op: OpIn, Value: vals} }

// Query is a conjunction of conditions with optional ordering.
type Query struct {
	Where   []Cond
	OrderBy string
	Desc    bool
	Limit   int
}

func valuesEqual(a, b any) bool {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		return fa == fb
	}
	if okA != okB {
		return false
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func (q Query) matches(fields map[string]any) bool {
	for _, c := range q.Where {
		v, ok := fields[c.Field]
		if !ok {
			return false
		}
		switch c.Op {
		case OpEq:
			if !valuesEqual(v, c.Value) {
				return false
			}
		case OpIn:
			vals, _ := c.Value.([]any)
			hit := false
			for _, want := range vals {
				if valuesEqual(v, want) {
					hit = true
					break
				}
			}
			if !hit {
				return false
			}
		}
	}
	return true
}

func compareValues(a, b any) int {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	sa, sb := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	}
	return 0
}

// apply orders and truncates docs per q. Used by stores without native
// ordering and by tests.
func (q Query) apply(docs []Doc) []Doc {
	if q.OrderBy != "" {
		sort.SliceStable(docs, func(i, j int) bool {
			c := compareValues(docs[i].Fields[q.OrderBy], docs[j].Fields[q.OrderBy])
			if q.Desc {
				return c > 0
			}
			return c < 0
		})
	}
	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs
}

// cloneFields deep-copies a document body, normalising integer kinds to
// int64 and typed slices to []any so every store hands out the same shapes.
func cloneFields(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case uint32:
		return int64(t)
	case map[string]any:
		return cloneFields(t)
	case map[string]int:
		out := make(map[string]any, len(t))
		for k, n := range t {
			out[k] = int64(n)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []int:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = int64(e)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out
	}
	return v
}
