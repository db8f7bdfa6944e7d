package query

import (
	"testing"

	"github.com/adanalytics/queryaccel/infrastructure/errors"
	"github.com/adanalytics/queryaccel/internal/eventmodel"
)

func TestParseSignature_Valid(t *testing.T) {
	raw := []byte(`{
		"grain": ["day", "country"],
		"dimensions": ["advertiser"],
		"measures": [
			{"func": "sum", "column": "total_price"},
			{"func": "count", "column": "*"},
			{"func": "avg", "column": "bid_price"}
		],
		"where": [
			{"field": "day", "op": "between", "values": ["2026-01-01", "2026-01-31"]},
			{"field": "country", "op": "eq", "value": "US"}
		],
		"order_by": [{"field": "country", "dir": "asc"}],
		"limit": 50
	}`)

	sig, err := ParseSignature(raw)
	if err != nil {
		t.Fatalf("ParseSignature() error = %v", err)
	}
	if len(sig.Grain) != 2 || len(sig.Measures) != 3 || len(sig.Where) != 2 {
		t.Errorf("unexpected signature shape: %+v", sig)
	}
	if len(sig.OrderBy) != 1 || sig.OrderBy[0].Field != "country" || sig.OrderBy[0].Desc {
		t.Errorf("unexpected order_by: %+v", sig.OrderBy)
	}
	if sig.Limit != 50 {
		t.Errorf("Limit = %d, want 50", sig.Limit)
	}
}

func TestParseSignature_MeasureShorthand(t *testing.T) {
	raw := []byte(`{"measures": ["total_price", "event_count"]}`)
	sig, err := ParseSignature(raw)
	if err != nil {
		t.Fatalf("ParseSignature() error = %v", err)
	}
	if len(sig.Measures) != 2 {
		t.Fatalf("got %d measures, want 2", len(sig.Measures))
	}
	byKey := make(map[string]Aggregate, 2)
	for _, m := range sig.Measures {
		byKey[m.Key()] = m
	}
	if _, ok := byKey["sum(total_price)"]; !ok {
		t.Errorf("expected sum(total_price), got %+v", sig.Measures)
	}
	if _, ok := byKey["count(*)"]; !ok {
		t.Errorf("expected count(*), got %+v", sig.Measures)
	}
}

func TestParseSignature_FilteredAggregate(t *testing.T) {
	raw := []byte(`{"measures": [
		{"func": "sum", "column": "bid_price", "filter": {"field": "type", "op": "eq", "value": "purchase"}, "alias": "purchase_spend"}
	]}`)
	sig, err := ParseSignature(raw)
	if err != nil {
		t.Fatalf("ParseSignature() error = %v", err)
	}
	m := sig.Measures[0]
	if m.Filter == nil || m.Filter.Field != "type" || m.Filter.Value != "purchase" {
		t.Errorf("unexpected filter: %+v", m.Filter)
	}
	if m.OutputName() != "purchase_spend" {
		t.Errorf("OutputName() = %q, want purchase_spend", m.OutputName())
	}
}

func TestParseSignature_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		path string
	}{
		{"not json", `{not json`, ""},
		{"missing measures", `{"grain":["day"]}`, "measures"},
		{"unknown dimension", `{"grain":["bogus"],"measures":["total_price"]}`, "grain.bogus"},
		{"unknown agg func", `{"grain":["day"],"measures":[{"func":"median","column":"bid_price"}]}`, "measures[0].func"},
		{"unknown measure column", `{"grain":["day"],"measures":[{"func":"sum","column":"bogus"}]}`, "measures[0].column"},
		{"bad filter op", `{"measures":["total_price"],"where":[{"field":"day","op":"contains","value":"x"}]}`, "where[0].op"},
		{"missing filter value", `{"measures":["total_price"],"where":[{"field":"day","op":"eq"}]}`, "where[0].value"},
		{"order_by unresolvable field", `{"dimensions":["country"],"measures":["total_price"],"order_by":[{"field":"advertiser"}]}`, "order_by[0].field"},
		{"non-positive limit", `{"measures":["total_price"],"limit":0}`, "limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSignature([]byte(tt.raw))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			svcErr := errors.GetServiceError(err)
			if svcErr == nil {
				t.Fatalf("expected a ServiceError, got %v", err)
			}
			if svcErr.Kind != errors.KindInput {
				t.Errorf("Kind = %v, want KindInput", svcErr.Kind)
			}
			if tt.path != "" && svcErr.Details["path"] != tt.path {
				t.Errorf("Details[path] = %v, want %v", svcErr.Details["path"], tt.path)
			}
		})
	}
}

func TestSignature_Normalize(t *testing.T) {
	sig := Signature{
		Grain:      []string{"country", "day"},
		Dimensions: []string{"publisher", "advertiser"},
		Measures: []Aggregate{
			{Func: eventmodel.AggSum, Column: "total_price"},
			{Func: eventmodel.AggSum, Column: "bid_price"},
		},
	}
	sig.Normalize()

	if sig.Grain[0] != "country" || sig.Grain[1] != "day" {
		t.Errorf("grain not sorted: %v", sig.Grain)
	}
	if sig.Dimensions[0] != "advertiser" {
		t.Errorf("dimensions not sorted: %v", sig.Dimensions)
	}
	if sig.Measures[0].Column != "bid_price" {
		t.Errorf("measures not sorted: %v", sig.Measures)
	}
}

func TestSignature_Supersets(t *testing.T) {
	a := Signature{
		Dimensions: []string{"country", "advertiser"},
		Measures:   []Aggregate{{Func: eventmodel.AggSum, Column: "total_price"}},
	}
	b := Signature{
		Dimensions: []string{"country"},
		Measures:   []Aggregate{{Func: eventmodel.AggSum, Column: "total_price"}},
	}

	if !a.Supersets(b) {
		t.Error("a should superset b")
	}
	if b.Supersets(a) {
		t.Error("b should not superset a")
	}
}

func TestAggregate_OutputName(t *testing.T) {
	a := Aggregate{Func: eventmodel.AggSum, Column: "bid_price"}
	if a.OutputName() != "sum(bid_price)" {
		t.Errorf("OutputName() = %q, want sum(bid_price)", a.OutputName())
	}
	a.Alias = "spend"
	if a.OutputName() != "spend" {
		t.Errorf("OutputName() with alias = %q, want spend", a.OutputName())
	}
}
