// Package query defines the declarative query signature the engine accepts
// and parses, validates, and normalizes submitted query documents.
package query

import (
	"fmt"
	"sort"

	"github.com/adanalytics/queryaccel/internal/eventmodel"
)

// FilterOp enumerates the comparison operators a Filter may use.
type FilterOp string

const (
	OpEq      FilterOp = "eq"
	OpNeq     FilterOp = "neq"
	OpLt      FilterOp = "lt"
	OpGt      FilterOp = "gt"
	OpIn      FilterOp = "in"
	OpGte     FilterOp = "gte"
	OpLte     FilterOp = "lte"
	OpBetween FilterOp = "between"
)

// Filter is a single predicate against one dimension or measure column.
type Filter struct {
	Field  string   `json:"field"`
	Op     FilterOp `json:"op"`
	Value  any      `json:"value,omitempty"`
	Values []any    `json:"values,omitempty"`
}

func (f Filter) key() string {
	if f.Op == OpIn || f.Op == OpBetween {
		return fmt.Sprintf("%s %s %v", f.Field, f.Op, f.Values)
	}
	return fmt.Sprintf("%s %s %v", f.Field, f.Op, f.Value)
}

// Aggregate is one requested measure: an aggregate function applied to a
// column (eventmodel.CountColumn for a bare row count), optionally
// restricted to rows matching Filter -- a filtered aggregate, e.g.
// sum(bid_price) where type = 'purchase'. Alias, if set, names the result
// column; otherwise the result is named by Key(), with "@" and the filter
// appended for a filtered aggregate.
type Aggregate struct {
	Func   eventmodel.AggFunc `json:"func"`
	Column string             `json:"column"`
	Filter *Filter            `json:"filter,omitempty"`
	Alias  string             `json:"alias,omitempty"`
}

// Key is the canonical name of the underlying computation, independent of
// any filter or alias: "func(column)".
func (a Aggregate) Key() string {
	return fmt.Sprintf("%s(%s)", a.Func, a.Column)
}

// sortKey additionally folds in the filter, so two aggregates that share a
// func/column but differ by filter are never treated as the same measure.
func (a Aggregate) sortKey() string {
	if a.Filter != nil {
		return a.Key() + "@" + a.Filter.key()
	}
	return a.Key()
}

// OutputName is the column name this aggregate's value is reported under.
func (a Aggregate) OutputName() string {
	if a.Alias != "" {
		return a.Alias
	}
	return a.sortKey()
}

// OrderTerm is one clause of an order_by list.
type OrderTerm struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// Signature is the normalized, validated shape of a declarative query: the
// grain it groups by, the filters restricting it, the measures it asks
// for, and how its result rows are ordered and capped. Two signatures with
// the same normalized form are guaranteed to route to the same plan.
type Signature struct {
	Grain      []string    `json:"grain"`
	Dimensions []string    `json:"dimensions"`
	Where      []Filter    `json:"where"`
	Measures   []Aggregate `json:"measures"`
	OrderBy    []OrderTerm `json:"order_by,omitempty"`
	Limit      int         `json:"limit,omitempty"`
}

// Normalize sorts dimension and measure lists into canonical order so that
// semantically identical queries produce an identical signature regardless
// of submission order. OrderBy and Limit shape the result, not the query's
// identity, and are left as submitted.
func (s *Signature) Normalize() {
	sort.Strings(s.Grain)
	sort.Strings(s.Dimensions)
	sort.Slice(s.Measures, func(i, j int) bool { return s.Measures[i].sortKey() < s.Measures[j].sortKey() })
	sort.Slice(s.Where, func(i, j int) bool { return s.Where[i].Field < s.Where[j].Field })
}

// Key returns a deterministic string uniquely identifying this signature's
// grain + dimension + measure shape.
func (s Signature) Key() string {
	return fmt.Sprintf("grain=%v dims=%v measures=%v", s.Grain, s.Dimensions, measureKeys(s.Measures))
}

func measureKeys(measures []Aggregate) []string {
	keys := make([]string, len(measures))
	for i, m := range measures {
		keys[i] = m.sortKey()
	}
	return keys
}

// Supersets reports whether s is a superset of other: s covers every
// dimension and every measure other needs, at a grain no coarser than
// other's. Used by the executor's batch-superset grouping.
func (s Signature) Supersets(other Signature) bool {
	return containsAll(s.Grain, other.Grain) &&
		containsAll(s.Dimensions, other.Dimensions) && containsAllAggregates(s.Measures, other.Measures)
}

func containsAll(haystack, needles []string) bool {
	set := make(map[string]struct{}, len(haystack))
	for _, h := range haystack {
		set[h] = struct{}{}
	}
	for _, n := range needles {
		if _, ok := set[n]; !ok {
			return false
		}
	}
	return true
}

func containsAllAggregates(haystack, needles []Aggregate) bool {
	set := make(map[string]struct{}, len(haystack))
	for _, h := range haystack {
		set[h.sortKey()] = struct{}{}
	}
	for _, n := range needles {
		if _, ok := set[n.sortKey()]; !ok {
			return false
		}
	}
	return true
}

// ValidDimensions reports whether every dimension named in the grain,
// dimension list, or filters is a known eventmodel dimension or (for
// filters only) a known measure column.
func (s Signature) ValidDimensions() (string, bool) {
	for _, d := range s.Grain {
		if !eventmodel.IsDimension(d) {
			return "grain." + d, false
		}
	}
	for _, d := range s.Dimensions {
		if !eventmodel.IsDimension(d) {
			return "dimensions." + d, false
		}
	}
	for i, f := range s.Where {
		if !eventmodel.IsDimension(f.Field) && !eventmodel.IsMeasureColumn(f.Field) {
			return fmt.Sprintf("where[%d].field", i), false
		}
	}
	return "", true
}

// ValidMeasures reports whether every requested aggregate names a supported
// function over a valid column (or the count(*) sentinel), and whether any
// per-measure filter references a known field.
func (s Signature) ValidMeasures() (string, bool) {
	for i, m := range s.Measures {
		if !eventmodel.IsAggFunc(m.Func) {
			return fmt.Sprintf("measures[%d].func", i), false
		}
		if m.Func == eventmodel.AggCount {
			if m.Column != eventmodel.CountColumn && !eventmodel.IsMeasureColumn(m.Column) {
				return fmt.Sprintf("measures[%d].column", i), false
			}
		} else if !eventmodel.IsMeasureColumn(m.Column) {
			return fmt.Sprintf("measures[%d].column", i), false
		}
		if m.Filter != nil {
			if !eventmodel.IsDimension(m.Filter.Field) && !eventmodel.IsMeasureColumn(m.Filter.Field) {
				return fmt.Sprintf("measures[%d].filter.field", i), false
			}
		}
	}
	return "", true
}

// ValidOrderBy reports whether every order_by clause references either a
// grouped column (grain or dimension) or one of the query's own requested
// measures by its output name.
func (s Signature) ValidOrderBy() (string, bool) {
	groupable := make(map[string]struct{}, len(s.Grain)+len(s.Dimensions))
	for _, g := range s.Grain {
		groupable[g] = struct{}{}
	}
	for _, d := range s.Dimensions {
		groupable[d] = struct{}{}
	}
	measureOut := make(map[string]struct{}, len(s.Measures))
	for _, m := range s.Measures {
		measureOut[m.OutputName()] = struct{}{}
	}
	for i, o := range s.OrderBy {
		_, isGroup := groupable[o.Field]
		_, isMeasure := measureOut[o.Field]
		if !isGroup && !isMeasure {
			return fmt.Sprintf("order_by[%d].field", i), false
		}
	}
	return "", true
}
