package engine

import (
	"testing"

	"github.com/adanalytics/queryaccel/internal/eventmodel"
	"github.com/adanalytics/queryaccel/internal/query"
)

func TestAggregate_SumCountAvgMinMax(t *testing.T) {
	rows := []Row{
		{"country": "US", "total_price": 1.5},
		{"country": "US", "total_price": 2.5},
		{"country": "FR", "total_price": 3.0},
	}

	measures := []query.Aggregate{
		{Func: eventmodel.AggSum, Column: eventmodel.MeasureTotalPrice},
		{Func: eventmodel.AggCount, Column: eventmodel.CountColumn},
		{Func: eventmodel.AggAvg, Column: eventmodel.MeasureTotalPrice},
		{Func: eventmodel.AggMin, Column: eventmodel.MeasureTotalPrice},
		{Func: eventmodel.AggMax, Column: eventmodel.MeasureTotalPrice},
	}

	got := aggregate(rows, []string{"country"}, measures)
	if len(got) != 2 {
		t.Fatalf("got %d groups, want 2", len(got))
	}

	byCountry := make(map[string]Row, len(got))
	for _, r := range got {
		byCountry[r["country"].(string)] = r
	}

	us := byCountry["US"]
	if us["sum(total_price)"] != 4.0 {
		t.Errorf("US sum(total_price) = %v, want 4.0", us["sum(total_price)"])
	}
	if us["count(*)"] != int64(2) {
		t.Errorf("US count(*) = %v, want 2", us["count(*)"])
	}
	if us["avg(total_price)"] != 2.0 {
		t.Errorf("US avg(total_price) = %v, want 2.0", us["avg(total_price)"])
	}
	if us["min(total_price)"] != 1.5 {
		t.Errorf("US min(total_price) = %v, want 1.5", us["min(total_price)"])
	}
	if us["max(total_price)"] != 2.5 {
		t.Errorf("US max(total_price) = %v, want 2.5", us["max(total_price)"])
	}

	fr := byCountry["FR"]
	if fr["sum(total_price)"] != 3.0 {
		t.Errorf("FR sum(total_price) = %v, want 3.0", fr["sum(total_price)"])
	}
}

func TestAggregate_EmptyGroupMeasureYieldsNullExceptCount(t *testing.T) {
	rows := []Row{
		{"country": "US"}, // no total_price column on this row at all
	}
	measures := []query.Aggregate{
		{Func: eventmodel.AggSum, Column: eventmodel.MeasureTotalPrice},
		{Func: eventmodel.AggCount, Column: eventmodel.CountColumn},
		{Func: eventmodel.AggAvg, Column: eventmodel.MeasureTotalPrice},
		{Func: eventmodel.AggMin, Column: eventmodel.MeasureTotalPrice},
		{Func: eventmodel.AggMax, Column: eventmodel.MeasureTotalPrice},
	}

	got := aggregate(rows, []string{"country"}, measures)
	row := got[0]
	if row["sum(total_price)"] != nil {
		t.Errorf("sum(total_price) = %v, want nil", row["sum(total_price)"])
	}
	if row["avg(total_price)"] != nil {
		t.Errorf("avg(total_price) = %v, want nil", row["avg(total_price)"])
	}
	if row["min(total_price)"] != nil {
		t.Errorf("min(total_price) = %v, want nil", row["min(total_price)"])
	}
	if row["max(total_price)"] != nil {
		t.Errorf("max(total_price) = %v, want nil", row["max(total_price)"])
	}
	if row["count(*)"] != int64(1) {
		t.Errorf("count(*) = %v, want 1", row["count(*)"])
	}
}

func TestAggregate_FilteredMeasure(t *testing.T) {
	rows := []Row{
		{"type": "purchase", "total_price": 10.0},
		{"type": "click", "total_price": 999.0},
		{"type": "purchase", "total_price": 5.0},
	}
	measures := []query.Aggregate{
		{
			Func:   eventmodel.AggSum,
			Column: eventmodel.MeasureTotalPrice,
			Filter: &query.Filter{Field: "type", Op: query.OpEq, Value: "purchase"},
			Alias:  "purchase_total",
		},
	}

	got := aggregate(rows, nil, measures)
	if got[0]["purchase_total"] != 15.0 {
		t.Errorf("purchase_total = %v, want 15.0", got[0]["purchase_total"])
	}
}

func TestMatches(t *testing.T) {
	row := Row{"country": "US", "day": "2026-01-15"}

	tests := []struct {
		name   string
		filter query.Filter
		want   bool
	}{
		{"eq match", query.Filter{Field: "country", Op: query.OpEq, Value: "US"}, true},
		{"eq mismatch", query.Filter{Field: "country", Op: query.OpEq, Value: "FR"}, false},
		{"in match", query.Filter{Field: "country", Op: query.OpIn, Values: []any{"FR", "US"}}, true},
		{"between match", query.Filter{Field: "day", Op: query.OpBetween, Values: []any{"2026-01-01", "2026-01-31"}}, true},
		{"between miss", query.Filter{Field: "day", Op: query.OpBetween, Values: []any{"2026-02-01", "2026-02-28"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matches(row, tt.filter); got != tt.want {
				t.Errorf("matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatches_NumericComparisonIsNotLexicographic(t *testing.T) {
	row := Row{"bid_price": 100.0}

	tests := []struct {
		name   string
		filter query.Filter
		want   bool
	}{
		{"100 > 50", query.Filter{Field: "bid_price", Op: query.OpGt, Value: 50.0}, true},
		{"100 < 50 is false", query.Filter{Field: "bid_price", Op: query.OpLt, Value: 50.0}, false},
		{"100 >= 100", query.Filter{Field: "bid_price", Op: query.OpGte, Value: 100.0}, true},
		{"100 between 9 and 200", query.Filter{Field: "bid_price", Op: query.OpBetween, Values: []any{9.0, 200.0}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matches(row, tt.filter); got != tt.want {
				t.Errorf("matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchesAll_MissingField(t *testing.T) {
	row := Row{"country": "US"}
	filters := []query.Filter{{Field: "advertiser", Op: query.OpEq, Value: "adv-1"}}
	if matchesAll(row, filters) {
		t.Error("expected no match when field is absent from row")
	}
}

func TestApplyOrder_SortsAndLimits(t *testing.T) {
	result := &Result{
		Columns: []string{"country", "sum(total_price)"},
		Rows: []Row{
			{"country": "FR", "sum(total_price)": 10.0},
			{"country": "US", "sum(total_price)": 30.0},
			{"country": "DE", "sum(total_price)": 20.0},
		},
	}

	got := ApplyOrder(result, []query.OrderTerm{{Field: "sum(total_price)", Desc: true}}, 2)
	if len(got.Rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(got.Rows))
	}
	if got.Rows[0]["country"] != "US" || got.Rows[1]["country"] != "DE" {
		t.Errorf("order = %v, want US then DE", got.Rows)
	}
}

func TestApplyOrder_NoTermsLeavesOrderUntouched(t *testing.T) {
	result := &Result{
		Rows: []Row{
			{"country": "FR"},
			{"country": "US"},
		},
	}
	got := ApplyOrder(result, nil, 0)
	if got.Rows[0]["country"] != "FR" || got.Rows[1]["country"] != "US" {
		t.Errorf("order changed with no order_by terms: %v", got.Rows)
	}
}
