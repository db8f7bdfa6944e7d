// Package planner implements the deterministic, scoring-based router that
// chooses which materialized view (or the base lake, via a full scan)
// answers a given query signature. Choose is a pure function of
// (Signature, []Descriptor, day span): no I/O, no suspension points.
package planner

import (
	"fmt"
	"sort"

	"github.com/adanalytics/queryaccel/infrastructure/utils"
	"github.com/adanalytics/queryaccel/internal/catalog"
	"github.com/adanalytics/queryaccel/internal/eventmodel"
	"github.com/adanalytics/queryaccel/internal/query"
)

// BaseScanName is the synthetic candidate name representing "scan the raw
// lake" rather than routing to a materialized view.
const BaseScanName = ""

// Scoring point values for the deterministic candidate-scoring function.
const (
	scoreGrainMatch       = 30
	scoreGrainCoverage    = 20
	scoreDimensionExact   = 30
	scoreDimensionSuper   = 20
	scoreFilterCompatible = 15
	scoreMeasuresOK       = 20
	scoreNarrowRangeScan  = 25
	maxSizeTiebreak       = 5

	// narrowRangeDays is the day-span threshold under which a base scan
	// earns the "narrow range" bonus.
	narrowRangeDays = 7
)

// Candidate is one scored routing option: either a materialized view or
// the base lake scan (Name == BaseScanName).
type Candidate struct {
	Name     string
	Score    int
	ByteSize int64
	Eligible bool
}

// Plan is the chosen routing decision for a signature.
type Plan struct {
	Signature  query.Signature
	Chosen     Candidate
	Candidates []Candidate
}

// IsBaseScan reports whether this plan routes to a full lake scan.
func (p Plan) IsBaseScan() bool { return p.Chosen.Name == BaseScanName }

// Choose scores every healthy descriptor plus the implicit base-scan
// candidate against sig, and returns the winning plan. Descriptors that
// cannot satisfy sig's measures are eliminated outright under the
// "measures available" rule; the base scan is never eliminated since the
// raw lake always carries every known measure.
func Choose(sig query.Signature, descriptors []catalog.Descriptor, daySpan int) Plan {
	candidates := make([]Candidate, 0, len(descriptors)+1)

	for _, d := range descriptors {
		c := scoreDescriptor(sig, d)
		candidates = append(candidates, c)
	}
	candidates = append(candidates, scoreBaseScan(sig, daySpan))

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.ByteSize != b.ByteSize {
			return a.ByteSize < b.ByteSize
		}
		return a.Name < b.Name
	})

	var chosen Candidate
	for _, c := range candidates {
		if c.Eligible {
			chosen = c
			break
		}
	}

	return Plan{Signature: sig, Chosen: chosen, Candidates: candidates}
}

func scoreDescriptor(sig query.Signature, d catalog.Descriptor) Candidate {
	c := Candidate{Name: d.Name, ByteSize: d.ByteSize, Eligible: true}

	if !measuresAvailable(d, sig.Measures) {
		c.Eligible = false
		return c
	}
	c.Score += scoreMeasuresOK

	switch {
	case sameSet(d.Grain, sig.Grain):
		c.Score += scoreGrainMatch
	case containsAll(d.Grain, sig.Grain):
		c.Score += scoreGrainCoverage
	default:
		c.Eligible = false
		return c
	}

	switch {
	case sameSet(d.Dimensions, sig.Dimensions):
		c.Score += scoreDimensionExact
	case containsAll(d.Dimensions, sig.Dimensions):
		c.Score += scoreDimensionSuper
	default:
		c.Eligible = false
		return c
	}

	if filtersCompatible(d.Filters, sig.Where) {
		c.Score += scoreFilterCompatible
	} else {
		c.Eligible = false
		return c
	}

	c.Score += sizeTiebreak(d.ByteSize)
	return c
}

func scoreBaseScan(sig query.Signature, daySpan int) Candidate {
	c := Candidate{Name: BaseScanName, Eligible: true, Score: scoreMeasuresOK}
	if daySpan > 0 && daySpan <= narrowRangeDays {
		c.Score += scoreNarrowRangeScan
	}
	return c
}

// filtersCompatible reports whether an MV's baked-in filters are
// compatible with the query's own filters: every MV filter must be
// identical (same field, op and value) to a filter the query already
// applies, so the MV's pre-filtering never silently narrows the result.
// A query filter that merely implies an MV filter does not count.
func filtersCompatible(mvFilters []catalog.Filter, queryFilters []query.Filter) bool {
	for _, mf := range mvFilters {
		matched := false
		for _, qf := range queryFilters {
			if qf.Field == mf.Field && string(qf.Op) == mf.Op && equalValue(qf.Value, mf.Value) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func equalValue(a, b any) bool {
	return a == b
}

// measuresAvailable reports whether d can supply every measure in measures,
// either directly (d stores the identical func/column/filter) or, for avg,
// derived by reaggregation from a stored sum and count sharing avg's column
// and filter (avg = sum/count, never averaged directly from partial
// averages).
func measuresAvailable(d catalog.Descriptor, measures []query.Aggregate) bool {
	available := utils.SliceToMap(d.Measures, ruleKey)

	for _, m := range measures {
		if _, ok := available[aggKey(m)]; ok {
			continue
		}
		if m.Func == eventmodel.AggAvg {
			_, sumOK := available[aggKey(query.Aggregate{Func: eventmodel.AggSum, Column: m.Column, Filter: m.Filter})]
			_, countOK := available[aggKey(query.Aggregate{Func: eventmodel.AggCount, Column: eventmodel.CountColumn, Filter: m.Filter})]
			if sumOK && countOK {
				continue
			}
		}
		return false
	}
	return true
}

func ruleKey(m catalog.MeasureRule) string {
	k := fmt.Sprintf("%s(%s)", m.Func, m.Column)
	if m.Filter != nil {
		k += fmt.Sprintf("@%s %s %v", m.Filter.Field, m.Filter.Op, m.Filter.Value)
	}
	return k
}

func aggKey(a query.Aggregate) string {
	k := fmt.Sprintf("%s(%s)", a.Func, a.Column)
	if a.Filter != nil {
		k += fmt.Sprintf("@%s %s %v", a.Filter.Field, a.Filter.Op, a.Filter.Value)
	}
	return k
}

func sameSet(a, b []string) bool {
	return containsAll(a, b) && containsAll(b, a)
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

// sizeTiebreak awards a small bonus to smaller MVs, biasing ties toward
// the cheaper candidate (capped at +5).
func sizeTiebreak(byteSize int64) int {
	if byteSize <= 0 {
		return maxSizeTiebreak
	}
	// Smaller MVs score closer to the cap; scale logarithmically so the
	// bonus stays within [1, maxSizeTiebreak] across realistic MV sizes.
	bonus := maxSizeTiebreak
	for s := byteSize; s > 1<<20 && bonus > 1; s >>= 4 {
		bonus--
	}
	return bonus
}
