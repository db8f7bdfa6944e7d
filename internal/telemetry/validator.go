package telemetry

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/adanalytics/queryaccel/infrastructure/errors"
	"github.com/adanalytics/queryaccel/infrastructure/logging"
	"github.com/adanalytics/queryaccel/infrastructure/metrics"
	"github.com/adanalytics/queryaccel/internal/catalog"
	"github.com/adanalytics/queryaccel/internal/engine"
	"github.com/adanalytics/queryaccel/internal/query"
	"github.com/adanalytics/queryaccel/pkg/pgnotify"
)

// QuarantineChannel is the pgnotify channel a Validator publishes to when
// it quarantines a materialized view.
const QuarantineChannel = "mv_quarantined"

// QuarantineEvent is the payload published on QuarantineChannel.
type QuarantineEvent struct {
	MVName string `json:"mv_name"`
	Reason string `json:"reason"`
}

// ValidatorConfig configures a Validator.
type ValidatorConfig struct {
	Registry    *catalog.Registry
	LakeRoot    string
	MVReadyRoot string
	Store       *Store
	Bus         *pgnotify.Bus // optional: quarantine events are only published if set
	Metrics     *metrics.Metrics
	Logger      *logging.Logger
	Tolerance   Tolerance
}

// Validator replays queries against a materialized view and the base lake,
// comparing results within the configured numeric tolerances, and
// quarantines any MV whose results diverge.
type Validator struct {
	registry    *catalog.Registry
	lakeRoot    string
	mvReadyRoot string
	store       *Store
	bus         *pgnotify.Bus
	metrics     *metrics.Metrics
	logger      *logging.Logger
	tolerance   Tolerance
}

// New constructs a Validator.
func New(cfg ValidatorConfig) *Validator {
	tol := cfg.Tolerance
	if tol.Relative == 0 {
		tol = DefaultTolerance
	}
	return &Validator{
		registry:    cfg.Registry,
		lakeRoot:    cfg.LakeRoot,
		mvReadyRoot: cfg.MVReadyRoot,
		store:       cfg.Store,
		bus:         cfg.Bus,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		tolerance:   tol,
	}
}

// MismatchReport describes one field of divergence the validator found
// between an MV and its base-lake replay.
type MismatchReport struct {
	GroupKey string
	Field    string
	Want     any
	Got      any
}

// ValidationResult is the outcome of validating one materialized view.
type ValidationResult struct {
	MVName     string
	RowsInMV   int
	RowsInBase int
	Mismatches []MismatchReport
}

// OK reports whether the MV passed validation.
func (r ValidationResult) OK() bool { return len(r.Mismatches) == 0 }

// RunSuite validates every currently healthy materialized view, quarantining
// any that diverge from a base-lake replay.
func (v *Validator) RunSuite(ctx context.Context) ([]ValidationResult, error) {
	descriptors := v.registry.ListHealthy()
	results := make([]ValidationResult, 0, len(descriptors))

	checked, mismatched := 0, 0
	for _, d := range descriptors {
		result, err := v.ValidateMV(ctx, d)
		if err != nil {
			return results, err
		}
		results = append(results, result)
		checked++
		if !result.OK() {
			mismatched++
		}
	}

	if v.logger != nil {
		v.logger.LogValidatorRun(ctx, "healthy-mv-suite", checked, mismatched, nil)
	}
	return results, nil
}

// ValidateMV replays d's full contents against the base lake and compares
// row multisets, quarantining d in the registry on any mismatch.
func (v *Validator) ValidateMV(ctx context.Context, d catalog.Descriptor) (ValidationResult, error) {
	groupBy := append(append([]string{}, d.Grain...), d.Dimensions...)

	measures := measureAggregates(d.Measures)

	mvSession := engine.NewSession(filepath.Join(v.mvReadyRoot, d.Name))
	mvResult, err := mvSession.Execute(ctx, engine.ExecRequest{GroupBy: groupBy, Measures: measures})
	if err != nil {
		return ValidationResult{}, errors.NewEngineError("validator: reading mv "+d.Name, err)
	}

	baseSession := engine.NewSession(v.lakeRoot)
	baseResult, err := baseSession.Execute(ctx, engine.ExecRequest{
		GroupBy:  groupBy,
		Measures: measures,
		Where:    descriptorFilters(d.Filters),
	})
	if err != nil {
		return ValidationResult{}, errors.NewEngineError("validator: replaying base lake for "+d.Name, err)
	}

	measureNames := make([]string, len(measures))
	for i, m := range measures {
		measureNames[i] = m.OutputName()
	}

	result := ValidationResult{
		MVName:     d.Name,
		RowsInMV:   len(mvResult.Rows),
		RowsInBase: len(baseResult.Rows),
		Mismatches: compareRows(groupBy, measureNames, mvResult.Rows, baseResult.Rows, v.tolerance),
	}

	if !result.OK() {
		v.quarantine(ctx, d, result)
	} else if v.metrics != nil {
		v.metrics.SetMVHealth(d.Name, []string{string(catalog.StateHealthy)}, string(catalog.StateHealthy))
		v.metrics.SetMVSize(d.Name, d.RowCount, d.ByteSize)
	}
	return result, nil
}

func (v *Validator) quarantine(ctx context.Context, d catalog.Descriptor, result ValidationResult) {
	reason := fmt.Sprintf("validator found %d mismatched groups", len(result.Mismatches))
	if err := v.registry.Mark(ctx, d.Name, catalog.StateQuarantined, reason, nil); err != nil {
		if v.logger != nil {
			v.logger.Error(ctx, "failed to quarantine mv after validator mismatch", err, map[string]interface{}{"mv": d.Name})
		}
	}

	if v.metrics != nil {
		v.metrics.RecordValidatorMismatch(d.Name)
		v.metrics.SetMVHealth(d.Name, []string{string(catalog.StateHealthy), string(catalog.StateQuarantined)}, string(catalog.StateQuarantined))
	}
	if v.bus != nil {
		_ = v.bus.Publish(ctx, QuarantineChannel, QuarantineEvent{MVName: d.Name, Reason: reason})
	}
}

// measureAggregates translates a descriptor's stored measure rules into the
// query.Aggregate form the engine's execution session accepts.
func measureAggregates(measures []catalog.MeasureRule) []query.Aggregate {
	out := make([]query.Aggregate, len(measures))
	for i, m := range measures {
		out[i] = m.ToAggregate()
	}
	return out
}

// descriptorFilters translates a descriptor's baked-in filters into the
// executable predicate form the engine scans with.
func descriptorFilters(filters []catalog.Filter) []query.Filter {
	out := make([]query.Filter, 0, len(filters))
	for _, f := range filters {
		out = append(out, query.Filter{Field: f.Field, Op: query.FilterOp(f.Op), Value: f.Value})
	}
	return out
}

// compareRows matches mv rows against base rows by their groupBy key and
// checks each measure within tolerance. Base rows with no matching mv row
// (or vice versa) are reported as mismatches too.
func compareRows(groupBy, measures []string, mvRows, baseRows []engine.Row, tol Tolerance) []MismatchReport {
	baseByKey := make(map[string]engine.Row, len(baseRows))
	for _, r := range baseRows {
		baseByKey[rowKey(r, groupBy)] = r
	}

	seen := make(map[string]bool, len(mvRows))
	var mismatches []MismatchReport

	for _, mvRow := range mvRows {
		key := rowKey(mvRow, groupBy)
		seen[key] = true
		baseRow, ok := baseByKey[key]
		if !ok {
			mismatches = append(mismatches, MismatchReport{GroupKey: key, Field: "<row>", Want: nil, Got: mvRow})
			continue
		}
		for _, m := range measures {
			want, got := toFloat(baseRow[m]), toFloat(mvRow[m])
			if !tol.WithinSum(want, got) {
				mismatches = append(mismatches, MismatchReport{GroupKey: key, Field: m, Want: want, Got: got})
			}
		}
	}

	for key, baseRow := range baseByKey {
		if !seen[key] {
			mismatches = append(mismatches, MismatchReport{GroupKey: key, Field: "<row>", Want: baseRow, Got: nil})
		}
	}

	sort.Slice(mismatches, func(i, j int) bool { return mismatches[i].GroupKey < mismatches[j].GroupKey })
	return mismatches
}

func rowKey(row engine.Row, groupBy []string) string {
	key := ""
	for _, g := range groupBy {
		key += fmt.Sprintf("%v\x1f", row[g])
	}
	return key
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}
