package engine

import (
	"testing"

	"github.com/adanalytics/queryaccel/internal/eventmodel"
	"github.com/adanalytics/queryaccel/internal/query"
)

func TestReaggregate_SumOfSumsAndCounts(t *testing.T) {
	// Two hourly rows for the same day, each already a partial aggregate
	// (sum(bid_price), count(*)) at grain={day,hour}.
	hourly := &Result{
		Columns: []string{"day", "hour", "sum(bid_price)", "count(*)"},
		Rows: []Row{
			{"day": "2026-01-01", "hour": int64(9), "sum(bid_price)": 10.0, "count(*)": int64(4)},
			{"day": "2026-01-01", "hour": int64(10), "sum(bid_price)": 5.0, "count(*)": int64(2)},
			{"day": "2026-01-02", "hour": int64(9), "sum(bid_price)": 3.0, "count(*)": int64(1)},
		},
	}

	measures := []query.Aggregate{
		{Func: eventmodel.AggSum, Column: eventmodel.MeasureBidPrice},
		{Func: eventmodel.AggCount, Column: eventmodel.CountColumn},
	}
	got := Reaggregate(hourly, []string{"day"}, measures)

	if len(got.Rows) != 2 {
		t.Fatalf("got %d rows, want 2 (one per day)", len(got.Rows))
	}

	byDay := make(map[string]Row, len(got.Rows))
	for _, r := range got.Rows {
		byDay[r["day"].(string)] = r
	}

	jan1 := byDay["2026-01-01"]
	if jan1["sum(bid_price)"] != 15.0 {
		t.Errorf("2026-01-01 sum(bid_price) = %v, want 15.0 (sum of sums)", jan1["sum(bid_price)"])
	}
	if jan1["count(*)"] != int64(6) {
		t.Errorf("2026-01-01 count(*) = %v, want 6 (sum of counts)", jan1["count(*)"])
	}

	jan2 := byDay["2026-01-02"]
	if jan2["sum(bid_price)"] != 3.0 {
		t.Errorf("2026-01-02 sum(bid_price) = %v, want 3.0", jan2["sum(bid_price)"])
	}
}

func TestReaggregate_AvgDerivedFromSumAndCount(t *testing.T) {
	hourly := &Result{
		Columns: []string{"day", "sum(bid_price)", "count(*)"},
		Rows: []Row{
			{"day": "2026-01-01", "sum(bid_price)": 10.0, "count(*)": int64(4)},
			{"day": "2026-01-01", "sum(bid_price)": 6.0, "count(*)": int64(2)},
		},
	}

	measures := []query.Aggregate{{Func: eventmodel.AggAvg, Column: eventmodel.MeasureBidPrice}}
	got := Reaggregate(hourly, []string{"day"}, measures)
	if len(got.Rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(got.Rows))
	}

	row := got.Rows[0]
	avg := row["avg(bid_price)"].(float64)
	if want := 16.0 / 6.0; avg != want {
		t.Errorf("derived avg = %v, want %v", avg, want)
	}
}

func TestReaggregate_MinOfMinsAndMaxOfMaxes(t *testing.T) {
	hourly := &Result{
		Columns: []string{"day", "min(bid_price)", "max(bid_price)"},
		Rows: []Row{
			{"day": "2026-01-01", "min(bid_price)": 2.0, "max(bid_price)": 9.0},
			{"day": "2026-01-01", "min(bid_price)": 1.0, "max(bid_price)": 20.0},
		},
	}

	measures := []query.Aggregate{
		{Func: eventmodel.AggMin, Column: eventmodel.MeasureBidPrice},
		{Func: eventmodel.AggMax, Column: eventmodel.MeasureBidPrice},
	}
	got := Reaggregate(hourly, []string{"day"}, measures)
	row := got.Rows[0]
	if row["min(bid_price)"] != 1.0 {
		t.Errorf("min(bid_price) = %v, want 1.0", row["min(bid_price)"])
	}
	if row["max(bid_price)"] != 20.0 {
		t.Errorf("max(bid_price) = %v, want 20.0", row["max(bid_price)"])
	}
}

func TestReaggregate_CountMissingPartialYieldsZero(t *testing.T) {
	hourly := &Result{
		Columns: []string{"day"},
		Rows: []Row{
			{"day": "2026-01-01"},
		},
	}

	measures := []query.Aggregate{{Func: eventmodel.AggCount, Column: eventmodel.CountColumn}}
	got := Reaggregate(hourly, []string{"day"}, measures)
	if got.Rows[0]["count(*)"] != int64(0) {
		t.Errorf("count(*) = %v, want 0", got.Rows[0]["count(*)"])
	}
}

func TestReaggregate_EqualOrCoarserGrainIsDeterministic(t *testing.T) {
	result := &Result{
		Columns: []string{"country", "sum(bid_price)"},
		Rows: []Row{
			{"country": "US", "sum(bid_price)": 1.0},
			{"country": "FR", "sum(bid_price)": 2.0},
			{"country": "US", "sum(bid_price)": 3.0},
		},
	}

	measures := []query.Aggregate{{Func: eventmodel.AggSum, Column: eventmodel.MeasureBidPrice}}
	first := Reaggregate(result, []string{"country"}, measures)
	second := Reaggregate(result, []string{"country"}, measures)

	if len(first.Rows) != len(second.Rows) {
		t.Fatalf("non-deterministic row count: %d vs %d", len(first.Rows), len(second.Rows))
	}
	for i := range first.Rows {
		if first.Rows[i]["country"] != second.Rows[i]["country"] {
			t.Errorf("row order differs at %d: %v vs %v", i, first.Rows[i], second.Rows[i])
		}
	}
}
