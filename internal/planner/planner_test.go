package planner

import (
	"testing"

	"github.com/adanalytics/queryaccel/internal/catalog"
	"github.com/adanalytics/queryaccel/internal/eventmodel"
	"github.com/adanalytics/queryaccel/internal/query"
)

func sumBidPrice() query.Aggregate {
	return query.Aggregate{Func: eventmodel.AggSum, Column: eventmodel.MeasureBidPrice}
}

func sumBidPriceRule() catalog.MeasureRule {
	return catalog.MeasureRule{Func: string(eventmodel.AggSum), Column: eventmodel.MeasureBidPrice}
}

func TestChoose_ExactMatchOutscoresEverything(t *testing.T) {
	sig := query.Signature{
		Grain:      []string{"day"},
		Dimensions: []string{"country"},
		Where:      []query.Filter{{Field: "type", Op: query.OpEq, Value: "impression"}},
		Measures:   []query.Aggregate{sumBidPrice()},
	}
	exact := catalog.Descriptor{
		Name:       "rev_by_country_day",
		Grain:      []string{"day"},
		Dimensions: []string{"country"},
		Filters:    []catalog.Filter{{Field: "type", Op: "eq", Value: "impression"}},
		Measures:   []catalog.MeasureRule{sumBidPriceRule()},
		ByteSize:   1 << 20,
	}
	coarser := catalog.Descriptor{
		Name:       "rev_by_country_alltime",
		Grain:      []string{"all-time"},
		Dimensions: []string{"country"},
		Measures:   []catalog.MeasureRule{sumBidPriceRule()},
		ByteSize:   1 << 20,
	}

	plan := Choose(sig, []catalog.Descriptor{exact, coarser}, 3)

	if plan.Chosen.Name != "rev_by_country_day" {
		t.Fatalf("Chosen = %q, want rev_by_country_day", plan.Chosen.Name)
	}
	// grain exact (30) + dimension exact (30) + filter compatible (15) + measures ok (20) + size tiebreak
	if plan.Chosen.Score < 95 {
		t.Errorf("Score = %d, want >= 95 for an exact match", plan.Chosen.Score)
	}
}

func TestChoose_ReaggregationFromFinerGrain(t *testing.T) {
	sig := query.Signature{
		Grain:    []string{"day"},
		Measures: []query.Aggregate{sumBidPrice()},
	}
	hourly := catalog.Descriptor{
		Name:       "spend_by_hour",
		Grain:      []string{"day", "hour"},
		Dimensions: []string{},
		Measures:   []catalog.MeasureRule{sumBidPriceRule()},
		ByteSize:   4 << 20,
	}

	plan := Choose(sig, []catalog.Descriptor{hourly}, 30)

	if plan.IsBaseScan() {
		t.Fatal("expected the finer-grained MV to be selected, not a base scan")
	}
	if plan.Chosen.Name != "spend_by_hour" {
		t.Errorf("Chosen = %q, want spend_by_hour", plan.Chosen.Name)
	}
}

func TestChoose_AvgDerivableFromStoredSumAndCount(t *testing.T) {
	sig := query.Signature{
		Grain:    []string{"day"},
		Measures: []query.Aggregate{{Func: eventmodel.AggAvg, Column: eventmodel.MeasureBidPrice}},
	}
	hourly := catalog.Descriptor{
		Name:  "spend_by_hour",
		Grain: []string{"day", "hour"},
		Measures: []catalog.MeasureRule{
			sumBidPriceRule(),
			{Func: string(eventmodel.AggCount), Column: eventmodel.CountColumn},
		},
		ByteSize: 4 << 20,
	}

	plan := Choose(sig, []catalog.Descriptor{hourly}, 30)

	if plan.IsBaseScan() {
		t.Fatal("expected avg to be derivable from stored sum+count, not a base scan")
	}
}

func TestChoose_AvgOnlyMVIneligibleForReaggregation(t *testing.T) {
	sig := query.Signature{
		Grain:    []string{"day"},
		Measures: []query.Aggregate{sumBidPrice(), {Func: eventmodel.AggCount, Column: eventmodel.CountColumn}},
	}
	avgOnly := catalog.Descriptor{
		Name:     "avg_only_hourly",
		Grain:    []string{"day", "hour"},
		Measures: []catalog.MeasureRule{{Func: string(eventmodel.AggAvg), Column: eventmodel.MeasureBidPrice}},
		ByteSize: 1,
	}

	plan := Choose(sig, []catalog.Descriptor{avgOnly}, 30)

	if !plan.IsBaseScan() {
		t.Errorf("Chosen = %q, want base scan since the only MV cannot supply sum/count", plan.Chosen.Name)
	}
}

func TestChoose_NoCandidateFallsBackToBaseScan(t *testing.T) {
	sig := query.Signature{Grain: []string{"day"}, Measures: []query.Aggregate{sumBidPrice()}}

	plan := Choose(sig, nil, 30)

	if !plan.IsBaseScan() {
		t.Errorf("Chosen = %q, want base scan with no descriptors registered", plan.Chosen.Name)
	}
}

func TestChoose_NarrowRangeBaseScanWinsWhenCoarseMVCannotCoverGrain(t *testing.T) {
	sig := query.Signature{
		Grain:      []string{"hour"},
		Dimensions: []string{"country"},
		Measures:   []query.Aggregate{sumBidPrice()},
	}
	coarse := catalog.Descriptor{
		Name:       "rev_by_country_alltime",
		Grain:      []string{"all-time"},
		Dimensions: []string{"country"},
		Measures:   []catalog.MeasureRule{sumBidPriceRule()},
		ByteSize:   1 << 30,
	}

	// The all-time MV cannot cover grain=hour and is eliminated, so the base
	// scan wins; a 1-day window earns it the narrow-range bonus.
	plan := Choose(sig, []catalog.Descriptor{coarse}, 1)

	if !plan.IsBaseScan() {
		t.Errorf("Chosen = %q, want base scan for a narrow date range", plan.Chosen.Name)
	}
	if plan.Chosen.Score != scoreMeasuresOK+scoreNarrowRangeScan {
		t.Errorf("Chosen.Score = %d, want %d", plan.Chosen.Score, scoreMeasuresOK+scoreNarrowRangeScan)
	}
}

func TestChoose_WideRangeScanDoesNotGetNarrowBonus(t *testing.T) {
	plan := Choose(query.Signature{Measures: []query.Aggregate{sumBidPrice()}}, nil, 30)
	for _, c := range plan.Candidates {
		if c.Name == BaseScanName && c.Score > scoreMeasuresOK {
			t.Errorf("base scan scored %d over a 30-day span, want only the measures-available base score", c.Score)
		}
	}
}

func TestChoose_DimensionSupersetScoresLowerThanExact(t *testing.T) {
	sig := query.Signature{Dimensions: []string{"country"}, Measures: []query.Aggregate{sumBidPrice()}}
	superset := catalog.Descriptor{
		Name:       "rev_by_country_advertiser",
		Dimensions: []string{"country", "advertiser_id"},
		Measures:   []catalog.MeasureRule{sumBidPriceRule()},
	}
	exact := catalog.Descriptor{
		Name:       "rev_by_country",
		Dimensions: []string{"country"},
		Measures:   []catalog.MeasureRule{sumBidPriceRule()},
	}

	plan := Choose(sig, []catalog.Descriptor{superset, exact}, 0)

	if plan.Chosen.Name != "rev_by_country" {
		t.Errorf("Chosen = %q, want the dimension-exact MV over the superset", plan.Chosen.Name)
	}
}

func TestChoose_FilterIncompatibleMVEliminated(t *testing.T) {
	sig := query.Signature{
		Dimensions: []string{"country"},
		Measures:   []query.Aggregate{sumBidPrice()},
		Where:      []query.Filter{{Field: "type", Op: query.OpEq, Value: "click"}},
	}
	wrongFilter := catalog.Descriptor{
		Name:       "impressions_only",
		Dimensions: []string{"country"},
		Measures:   []catalog.MeasureRule{sumBidPriceRule()},
		Filters:    []catalog.Filter{{Field: "type", Op: "eq", Value: "impression"}},
	}

	plan := Choose(sig, []catalog.Descriptor{wrongFilter}, 0)

	if !plan.IsBaseScan() {
		t.Errorf("Chosen = %q, want base scan since the MV's filter contradicts the query's", plan.Chosen.Name)
	}
}

func TestChoose_SizeTiebreakPrefersSmallerOfEqualScore(t *testing.T) {
	sig := query.Signature{Dimensions: []string{"country"}, Measures: []query.Aggregate{sumBidPrice()}}
	small := catalog.Descriptor{Name: "small_mv", Dimensions: []string{"country"}, Measures: []catalog.MeasureRule{sumBidPriceRule()}, ByteSize: 1 << 10}
	large := catalog.Descriptor{Name: "large_mv", Dimensions: []string{"country"}, Measures: []catalog.MeasureRule{sumBidPriceRule()}, ByteSize: 1 << 40}

	plan := Choose(sig, []catalog.Descriptor{large, small}, 0)

	if plan.Chosen.Name != "small_mv" {
		t.Errorf("Chosen = %q, want small_mv to win the size tiebreak", plan.Chosen.Name)
	}
}

func TestChoose_DeterministicForFixedInputs(t *testing.T) {
	sig := query.Signature{Dimensions: []string{"country"}, Measures: []query.Aggregate{sumBidPrice()}}
	descriptors := []catalog.Descriptor{
		{Name: "mv_b", Dimensions: []string{"country"}, Measures: []catalog.MeasureRule{sumBidPriceRule()}, ByteSize: 100},
		{Name: "mv_a", Dimensions: []string{"country"}, Measures: []catalog.MeasureRule{sumBidPriceRule()}, ByteSize: 100},
	}

	first := Choose(sig, descriptors, 0)
	second := Choose(sig, descriptors, 0)

	if first.Chosen.Name != second.Chosen.Name {
		t.Fatalf("non-deterministic plan: %q then %q", first.Chosen.Name, second.Chosen.Name)
	}
	// equal score, equal size: lexicographic name tiebreak picks mv_a.
	if first.Chosen.Name != "mv_a" {
		t.Errorf("Chosen = %q, want mv_a (lexicographic tiebreak)", first.Chosen.Name)
	}
}
