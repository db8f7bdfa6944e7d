package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/adanalytics/queryaccel/internal/eventmodel"
	"github.com/adanalytics/queryaccel/internal/lake"
	"github.com/adanalytics/queryaccel/internal/query"
)

// Session is a single-use execution context against one data source (the
// base lake or a materialized view's ready directory). Sessions are never
// shared across goroutines -- the executor constructs a fresh Session per
// worker, under the per-thread engine session model.
type Session struct {
	source *lake.Lake
}

// NewSession constructs a session rooted at the given data directory (the
// lake root, or a single materialized view's ready/<name>/ directory --
// both are laid out as day-partitioned parquet files).
func NewSession(root string) *Session {
	return &Session{source: lake.New(root)}
}

// ExecRequest is the physical execution of an already-chosen plan: a day
// range, a grouping set, an aggregation list, and simple predicates.
type ExecRequest struct {
	FromDay  string
	ToDay    string
	GroupBy  []string
	Measures []query.Aggregate
	Where    []query.Filter
}

// Result is the row set produced by an ExecRequest, one row per distinct
// combination of GroupBy values.
type Result struct {
	Columns     []string
	Rows        []Row
	RowsScanned int64
}

// Execute scans the session's data source, applies predicates, and
// aggregates by GroupBy into the requested Measures.
func (s *Session) Execute(ctx context.Context, req ExecRequest) (*Result, error) {
	readers, err := s.source.Open(ctx, lake.ScanRequest{FromDay: req.FromDay, ToDay: req.ToDay})
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, r := range readers {
			_ = r.Close()
		}
	}()

	rows, err := readRows(ctx, readers)
	if err != nil {
		return nil, err
	}

	filtered := make([]Row, 0, len(rows))
	for _, r := range rows {
		if matchesAll(r, req.Where) {
			filtered = append(filtered, r)
		}
	}

	groups := aggregate(filtered, req.GroupBy, req.Measures)

	columns := append(append([]string{}, req.GroupBy...), measureOutputNames(req.Measures)...)
	return &Result{Columns: columns, Rows: groups, RowsScanned: int64(len(rows))}, nil
}

func measureOutputNames(measures []query.Aggregate) []string {
	names := make([]string, len(measures))
	for i, m := range measures {
		names[i] = m.OutputName()
	}
	return names
}

func matchesAll(row Row, filters []query.Filter) bool {
	for _, f := range filters {
		if !matches(row, f) {
			return false
		}
	}
	return true
}

// MatchesFilter evaluates one predicate against row, comparing numeric
// columns numerically rather than lexicographically. Exported so the batch
// executor's residual-filter pass (applied to already-reaggregated rows)
// shares the same comparison semantics as a base scan.
func MatchesFilter(row Row, f query.Filter) bool {
	return matches(row, f)
}

// matches evaluates one predicate against row. A numeric column (bid_price,
// hour, and the like) compares numerically; every other column falls back
// to a string comparison.
func matches(row Row, f query.Filter) bool {
	v, ok := row[f.Field]
	if !ok {
		return false
	}
	switch f.Op {
	case query.OpEq:
		return valuesEqual(v, f.Value)
	case query.OpNeq:
		return !valuesEqual(v, f.Value)
	case query.OpLt:
		return compareValues(v, f.Value) < 0
	case query.OpGt:
		return compareValues(v, f.Value) > 0
	case query.OpGte:
		return compareValues(v, f.Value) >= 0
	case query.OpLte:
		return compareValues(v, f.Value) <= 0
	case query.OpIn:
		for _, candidate := range f.Values {
			if valuesEqual(v, candidate) {
				return true
			}
		}
		return false
	case query.OpBetween:
		if len(f.Values) != 2 {
			return false
		}
		return compareValues(v, f.Values[0]) >= 0 && compareValues(v, f.Values[1]) <= 0
	default:
		return false
	}
}

// valuesEqual compares a and b numerically when both sides are numeric,
// otherwise by their string form.
func valuesEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// compareValues orders a relative to b: negative if a < b, 0 if equal,
// positive if a > b. Numeric values (int, int32, int64, float64) compare
// numerically regardless of which concrete type each side decoded as;
// everything else compares lexicographically by its string form. nil sorts
// before every non-nil value.
func compareValues(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
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
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// measureAcc is the running state one aggregate within one group
// accumulates: a sum and contribution count (sum, avg), a running min/max
// (min, max), or a bare tally (count).
type measureAcc struct {
	sum      float64
	min, max float64
	hasValue bool
	count    int64
}

func (a *measureAcc) observe(v float64) {
	if !a.hasValue || v < a.min {
		a.min = v
	}
	if !a.hasValue || v > a.max {
		a.max = v
	}
	a.sum += v
	a.count++
	a.hasValue = true
}

// finalize reports this measure's value per the aggregate-over-empty-set
// semantics every MV and base scan must honor: count reports 0, every
// other function reports nil.
func (a *measureAcc) finalize(fn eventmodel.AggFunc) any {
	switch fn {
	case eventmodel.AggCount:
		return a.count
	case eventmodel.AggSum:
		if !a.hasValue {
			return nil
		}
		return a.sum
	case eventmodel.AggAvg:
		if a.count == 0 {
			return nil
		}
		return a.sum / float64(a.count)
	case eventmodel.AggMin:
		if !a.hasValue {
			return nil
		}
		return a.min
	case eventmodel.AggMax:
		if !a.hasValue {
			return nil
		}
		return a.max
	default:
		return nil
	}
}

type groupAcc struct {
	values Row
	perM   []measureAcc
}

// aggregate groups rows by groupBy and combines each requested measure with
// its aggregate function: sum, count, avg (= sum/count), min, max. A
// measure carrying its own Filter only accepts contributions from rows that
// also satisfy that filter -- a filtered aggregate, independent of the
// overall query's Where.
func aggregate(rows []Row, groupBy []string, measures []query.Aggregate) []Row {
	order := make([]string, 0)
	groups := make(map[string]*groupAcc)

	for _, row := range rows {
		key := groupKey(row, groupBy)
		g, ok := groups[key]
		if !ok {
			values := make(Row, len(groupBy))
			for _, f := range groupBy {
				values[f] = row[f]
			}
			g = &groupAcc{values: values, perM: make([]measureAcc, len(measures))}
			groups[key] = g
			order = append(order, key)
		}

		for i, m := range measures {
			if m.Filter != nil && !matches(row, *m.Filter) {
				continue
			}
			if m.Func == eventmodel.AggCount {
				if m.Column == eventmodel.CountColumn {
					g.perM[i].count++
				} else if _, ok := row[m.Column]; ok {
					g.perM[i].count++
				}
				continue
			}
			if v, ok := row[m.Column]; ok {
				g.perM[i].observe(toFloat(v))
			}
		}
	}

	sort.Strings(order)

	out := make([]Row, 0, len(order))
	for _, key := range order {
		g := groups[key]
		result := make(Row, len(groupBy)+len(measures))
		for _, f := range groupBy {
			result[f] = g.values[f]
		}
		for i, m := range measures {
			result[m.OutputName()] = g.perM[i].finalize(m.Func)
		}
		out = append(out, result)
	}
	return out
}

func groupKey(row Row, groupBy []string) string {
	var sb strings.Builder
	for _, g := range groupBy {
		fmt.Fprintf(&sb, "%v\x1f", row[g])
	}
	return sb.String()
}

func toFloat(v any) float64 {
	f, _ := asFloat(v)
	return f
}

// ApplyOrder sorts result's rows per terms (stable, preserving the engine's
// default deterministic grouping order among ties) and truncates to limit
// rows when limit is positive. With no order_by terms, ordering is left
// untouched -- a query's row order is unspecified in that case.
func ApplyOrder(result *Result, terms []query.OrderTerm, limit int) *Result {
	rows := append([]Row(nil), result.Rows...)
	if len(terms) > 0 {
		sort.SliceStable(rows, func(i, j int) bool {
			for _, t := range terms {
				c := compareValues(rows[i][t.Field], rows[j][t.Field])
				if c == 0 {
					continue
				}
				if t.Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return &Result{Columns: result.Columns, Rows: rows, RowsScanned: result.RowsScanned}
}
