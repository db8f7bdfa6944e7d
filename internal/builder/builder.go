// Package builder implements the safe materialized-view builder: the
// staging -> ready atomic-promotion protocol, with a per-MV-name build lock and schema-drift detection against the
// registry before a build is ever attempted.
package builder

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adanalytics/queryaccel/infrastructure/errors"
	"github.com/adanalytics/queryaccel/infrastructure/logging"
	"github.com/adanalytics/queryaccel/infrastructure/utils"
	"github.com/adanalytics/queryaccel/internal/catalog"
	"github.com/adanalytics/queryaccel/internal/engine"
	"github.com/adanalytics/queryaccel/internal/lake"
	"github.com/adanalytics/queryaccel/internal/query"
)

// Request describes one MV build or refresh attempt.
type Request struct {
	Name       string
	Grain      []string
	Dimensions []string
	Measures   []catalog.MeasureRule
	Filters    []catalog.Filter
	Where      []query.Filter // residual predicate applied while building (Filters, restated as executable where-clauses)
	FromDay    string
	ToDay      string

	// AllowEmpty permits a build to promote zero rows when the domain
	// allows an empty result rather than treating it as a build failure.
	AllowEmpty bool
}

// Builder constructs and refreshes materialized views from the base lake.
type Builder struct {
	lake     *lake.Lake
	mvRoot   string
	registry *catalog.Registry
	logger   *logging.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// OnPromoted runs after a successful atomic promotion, so callers
	// (e.g. a validator, or pkg/pgnotify) can react without the builder
	// itself depending on them.
	OnPromoted func(ctx context.Context, d catalog.Descriptor)
}

// New constructs a Builder rooted at mvRoot (the mvs/ directory containing
// staging/, ready/, and retired/ subdirectories).
func New(l *lake.Lake, mvRoot string, registry *catalog.Registry, logger *logging.Logger) *Builder {
	return &Builder{
		lake:     l,
		mvRoot:   mvRoot,
		registry: registry,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
	}
}

// measureAggregates translates an MV's stored measure rules into the
// query.Aggregate form the engine's execution session accepts.
func measureAggregates(measures []catalog.MeasureRule) []query.Aggregate {
	out := make([]query.Aggregate, len(measures))
	for i, m := range measures {
		out[i] = m.ToAggregate()
	}
	return out
}

func (b *Builder) lockFor(name string) *sync.Mutex {
	b.locksMu.Lock()
	defer b.locksMu.Unlock()
	l, ok := b.locks[name]
	if !ok {
		l = &sync.Mutex{}
		b.locks[name] = l
	}
	return l
}

// Build runs the build protocol: acquire the MV's
// build lock, check for schema drift, build into a fresh staging
// directory using a dedicated engine session, run sanity checks, promote
// atomically, and register the new descriptor HEALTHY.
func (b *Builder) Build(ctx context.Context, req Request) (catalog.Descriptor, error) {
	lock := b.lockFor(req.Name)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()

	fingerprint := catalog.Fingerprint(req.Grain, req.Dimensions, req.Measures, req.Filters)
	if err := b.checkDrift(req.Name, fingerprint); err != nil {
		return catalog.Descriptor{}, err
	}

	_ = b.registry.Mark(ctx, req.Name, catalog.StateBuilding, "", nil)

	stagingDir := filepath.Join(b.mvRoot, "staging", fmt.Sprintf("%s-%s", req.Name, uuid.NewString()))
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return catalog.Descriptor{}, errors.NewFatalError("cannot create staging directory", err)
	}
	defer os.RemoveAll(stagingDir) // no-op once the staging dir has been renamed away

	// Dedicated, independently-owned engine session -- never shared with
	// any other build or query.
	session := engine.NewSession(b.lake.Root())
	result, err := session.Execute(ctx, engine.ExecRequest{
		FromDay:  req.FromDay,
		ToDay:    req.ToDay,
		GroupBy:  utils.Unique(append(append([]string{}, req.Grain...), req.Dimensions...)),
		Measures: measureAggregates(req.Measures),
		Where:    req.Where,
	})
	if err != nil {
		b.logger.LogMVBuild(ctx, req.Name, time.Since(start), 0, err)
		return catalog.Descriptor{}, errors.Wrap(errors.KindEngine, "build query failed", err)
	}

	if err := sanityCheck(result, req); err != nil {
		b.logger.LogMVBuild(ctx, req.Name, time.Since(start), int64(len(result.Rows)), err)
		return catalog.Descriptor{}, err
	}

	stagingFile := filepath.Join(stagingDir, "part-00000.parquet")
	byteSize, err := writeParquet(stagingFile, result, req.Dimensions)
	if err != nil {
		return catalog.Descriptor{}, errors.Wrap(errors.KindFatal, "writing staging parquet failed", err)
	}

	watermark, err := b.lake.Watermark()
	if err != nil {
		return catalog.Descriptor{}, err
	}

	readyDir := filepath.Join(b.mvRoot, "ready", req.Name)
	if err := promote(stagingDir, readyDir, b.mvRoot, req.Name); err != nil {
		return catalog.Descriptor{}, errors.NewFatalError("atomic promotion failed", err)
	}

	d := catalog.Descriptor{
		Name:              req.Name,
		Grain:             req.Grain,
		Dimensions:        req.Dimensions,
		Measures:          req.Measures,
		Filters:           req.Filters,
		State:             catalog.StateHealthy,
		SchemaFingerprint: fingerprint,
		SourceWatermark:   watermark,
		ByteSize:          byteSize,
		RowCount:          int64(len(result.Rows)),
		BuiltAt:           start,
	}

	previous, hadPrevious := b.registry.Get(req.Name)
	var retire func()
	if hadPrevious {
		retiredDir := filepath.Join(b.mvRoot, "retired", fmt.Sprintf("%s-%d", req.Name, time.Now().UnixNano()))
		retire = func() { _ = os.Rename(filepath.Join(b.mvRoot, "ready", previous.Name+".superseded"), retiredDir) }
	}

	if err := b.registry.Register(ctx, d); err != nil {
		return catalog.Descriptor{}, err
	}
	if hadPrevious {
		_ = b.registry.Mark(ctx, req.Name, catalog.StateHealthy, "", retire)
	}

	if err := catalog.WriteManifest(filepath.Join(b.mvRoot, "ready"), d); err != nil {
		b.logger.WithError(err).Warn("failed to persist mv manifest")
	}

	b.logger.LogMVBuild(ctx, req.Name, time.Since(start), d.RowCount, nil)
	if b.OnPromoted != nil {
		b.OnPromoted(ctx, d)
	}
	return d, nil
}

// checkDrift aborts the build with SchemaDriftError if a different,
// currently-healthy MV already owns this fingerprint.
func (b *Builder) checkDrift(name, fingerprint string) error {
	for _, d := range b.registry.ListHealthy() {
		if d.Name == name {
			continue
		}
		if d.SchemaFingerprint == fingerprint {
			return errors.NewSchemaDriftError(name, nil).WithDetails("conflicts_with", d.Name)
		}
	}
	return nil
}

// sanityCheck checks row count > 0 unless empty builds are explicitly
// permitted, required columns present, no nulls in the declared key
// (dimension) columns, numeric measures are finite.
func sanityCheck(result *engine.Result, req Request) error {
	if len(result.Rows) == 0 && !req.AllowEmpty {
		return errors.New(errors.KindIntegrity, fmt.Sprintf("mv %q build produced zero rows", req.Name))
	}

	for i, row := range result.Rows {
		for _, dim := range req.Dimensions {
			if v, ok := row[dim]; !ok || v == nil {
				return errors.New(errors.KindIntegrity, fmt.Sprintf("mv %q row %d missing key column %q", req.Name, i, dim))
			}
		}
		for _, m := range req.Measures {
			name := m.ToAggregate().OutputName()
			v, ok := row[name]
			if !ok {
				continue
			}
			if f, isFloat := v.(float64); isFloat && (math.IsNaN(f) || math.IsInf(f, 0)) {
				return errors.New(errors.KindIntegrity, fmt.Sprintf("mv %q row %d has non-finite measure %q", req.Name, i, name))
			}
		}
	}
	return nil
}

// promote performs the two-phase atomic rename:
// rename staging into place under a .tmp suffix, fsync the parent
// directory, then rename the .tmp away. The previous ready directory (if
// any) is renamed aside with a .superseded suffix so Register/Mark's
// retireOldFiles callback can move it into retired/ once safe.
func promote(stagingDir, readyDir, mvRoot, name string) error {
	if err := os.MkdirAll(filepath.Dir(readyDir), 0o755); err != nil {
		return err
	}

	tmp := readyDir + ".tmp"
	if err := os.RemoveAll(tmp); err != nil {
		return err
	}
	if err := os.Rename(stagingDir, tmp); err != nil {
		return err
	}
	if err := fsyncDir(filepath.Dir(readyDir)); err != nil {
		return err
	}

	if _, err := os.Stat(readyDir); err == nil {
		if err := os.Rename(readyDir, filepath.Join(mvRoot, "ready", name+".superseded")); err != nil {
			return err
		}
	}
	if err := os.Rename(tmp, readyDir); err != nil {
		return err
	}
	return fsyncDir(filepath.Dir(readyDir))
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
