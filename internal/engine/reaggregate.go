package engine

import (
	"sort"

	"github.com/adanalytics/queryaccel/internal/eventmodel"
	"github.com/adanalytics/queryaccel/internal/query"
)

// sourceMeasures returns the canonical, unaliased source aggregate(s) that
// must already exist as columns in the Result being reaggregated in order
// to combine m from finer-grained partials. Every function but avg needs
// just its own partials (sum of sums, count of counts, min of mins, max of
// maxes); avg needs two -- the partial sums and partial counts it was
// derived from -- since avg cannot be combined directly: the average of a
// set of averages is not the average of the whole.
func sourceMeasures(m query.Aggregate) []query.Aggregate {
	if m.Func == eventmodel.AggAvg {
		return []query.Aggregate{
			{Func: eventmodel.AggSum, Column: m.Column, Filter: m.Filter},
			{Func: eventmodel.AggCount, Column: eventmodel.CountColumn, Filter: m.Filter},
		}
	}
	return []query.Aggregate{{Func: m.Func, Column: m.Column, Filter: m.Filter}}
}

// Reaggregate re-groups an already-computed Result (one row per combination
// of a finer-grained MV's dimensions) by a coarser (or equal) set of
// dimensions. Each measure combines with the combiner its function
// requires: sum and count combine as sum-of-partials, min/max combine as
// min-of-mins/max-of-maxes, and avg recombines from its source sum and
// count partials (avg = sum/count), never by averaging partial averages.
// This is the mechanical half of the planner's "partial match" plan: the
// planner decides *that* reaggregation is needed and which MV to read
// from; this function does the combining, and the batch executor's
// superset optimization reuses it to project each member query's result
// from one shared superset scan.
func Reaggregate(result *Result, groupBy []string, measures []query.Aggregate) *Result {
	type acc struct {
		values Row
		prim   []measureAcc // combines each measure's primary source partials
		cnt    []measureAcc // avg measures only: combines the paired count partials
	}

	order := make([]string, 0)
	accs := make(map[string]*acc)

	for _, row := range result.Rows {
		key := groupKey(row, groupBy)
		a, ok := accs[key]
		if !ok {
			values := make(Row, len(groupBy))
			for _, f := range groupBy {
				values[f] = row[f]
			}
			a = &acc{values: values, prim: make([]measureAcc, len(measures)), cnt: make([]measureAcc, len(measures))}
			accs[key] = a
			order = append(order, key)
		}

		for i, m := range measures {
			srcs := sourceMeasures(m)
			if v, ok := row[srcs[0].OutputName()]; ok && v != nil {
				a.prim[i].observe(toFloat(v))
			}
			if m.Func == eventmodel.AggAvg {
				if v, ok := row[srcs[1].OutputName()]; ok && v != nil {
					a.cnt[i].observe(toFloat(v))
				}
			}
		}
	}

	sort.Strings(order)

	out := make([]Row, 0, len(order))
	for _, key := range order {
		a := accs[key]
		row := make(Row, len(groupBy)+len(measures))
		for _, f := range groupBy {
			row[f] = a.values[f]
		}
		for i, m := range measures {
			row[m.OutputName()] = combine(m, a.prim[i], a.cnt[i])
		}
		out = append(out, row)
	}

	columns := append(append([]string{}, groupBy...), measureOutputNames(measures)...)
	return &Result{Columns: columns, Rows: out, RowsScanned: result.RowsScanned}
}

// combine finalizes one measure's reaggregated value from its accumulated
// source partials.
func combine(m query.Aggregate, prim, cnt measureAcc) any {
	switch m.Func {
	case eventmodel.AggSum:
		return prim.finalize(eventmodel.AggSum)
	case eventmodel.AggCount:
		if !prim.hasValue {
			return int64(0)
		}
		return int64(prim.sum)
	case eventmodel.AggMin:
		return prim.finalize(eventmodel.AggMin)
	case eventmodel.AggMax:
		return prim.finalize(eventmodel.AggMax)
	case eventmodel.AggAvg:
		sum := prim.finalize(eventmodel.AggSum)
		count := cnt.finalize(eventmodel.AggSum)
		sumF, sumOK := sum.(float64)
		countF, countOK := count.(float64)
		if !sumOK || !countOK || countF == 0 {
			return nil
		}
		return sumF / countF
	default:
		return nil
	}
}
