package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	goruntime "runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/singleflight"

	"github.com/adanalytics/queryaccel/infrastructure/cache"
	"github.com/adanalytics/queryaccel/infrastructure/errors"
	"github.com/adanalytics/queryaccel/infrastructure/execution"
	"github.com/adanalytics/queryaccel/infrastructure/logging"
	"github.com/adanalytics/queryaccel/infrastructure/metrics"
	"github.com/adanalytics/queryaccel/infrastructure/ratelimit"
	"github.com/adanalytics/queryaccel/infrastructure/resilience"
	"github.com/adanalytics/queryaccel/infrastructure/utils"
	"github.com/adanalytics/queryaccel/internal/catalog"
	"github.com/adanalytics/queryaccel/internal/engine"
	"github.com/adanalytics/queryaccel/internal/planner"
	"github.com/adanalytics/queryaccel/internal/query"
	"github.com/adanalytics/queryaccel/internal/telemetry"
)

// Config configures an Executor.
type Config struct {
	LakeRoot         string
	MVReadyRoot      string // each MV's ready directory is MVReadyRoot/<name>
	Registry         *catalog.Registry
	MemoryLimitBytes int64
	Workers          int
	SamplingRate     float64 // recorded on approximate results; no plan samples rows, so none is approximate
	// ResultCacheTTL, if positive, caches a superset-shaped plan's result
	// across batches so two batches submitted moments apart don't both pay
	// for the same engine scan. Zero disables the cache.
	ResultCacheTTL time.Duration
	Logger         *logging.Logger
	Metrics        *metrics.Metrics
	Telemetry      *telemetry.Store // optional: when set, every plan result is recorded
	Tracker        *execution.Service // optional: when set, every batch run's lifecycle is recorded
}

// Executor runs one query or a bounded batch of queries against the best
// plan the planner chooses for each.
type Executor struct {
	registry         *catalog.Registry
	lakeRoot         string
	mvReadyRoot      string
	memoryLimitBytes int64
	workers          int
	samplingRate     float64

	breaker     *resilience.CircuitBreaker
	limiter     *ratelimit.RateLimiter
	sf          singleflight.Group
	resultCache *cache.QueryResultCache

	logger    *logging.Logger
	metrics   *metrics.Metrics
	telemetry *telemetry.Store
	tracker   *execution.Service
}

// New constructs an Executor. Workers defaults to the physical core count;
// memory limit defaults to 4 GiB.
func New(cfg Config) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkerCount()
	}
	if cfg.MemoryLimitBytes <= 0 {
		cfg.MemoryLimitBytes = DefaultMemoryLimitBytes
	}
	if cfg.SamplingRate <= 0 {
		cfg.SamplingRate = 0.1
	}
	e := &Executor{
		registry:         cfg.Registry,
		lakeRoot:         cfg.LakeRoot,
		mvReadyRoot:      cfg.MVReadyRoot,
		memoryLimitBytes: cfg.MemoryLimitBytes,
		workers:          cfg.Workers,
		samplingRate:     cfg.SamplingRate,
		breaker:          resilience.New(resilience.DefaultConfig()),
		limiter:          ratelimit.New(ratelimit.SampledScanConfig(0)),
		logger:           cfg.Logger,
		metrics:          cfg.Metrics,
		telemetry:        cfg.Telemetry,
		tracker:          cfg.Tracker,
	}
	if cfg.ResultCacheTTL > 0 {
		e.resultCache = cache.NewQueryResultCache(cache.CacheConfig{DefaultTTL: cfg.ResultCacheTTL})
	}
	return e
}

// RunBatch plans and executes every query in queries, enforcing the batch
// size limit, memory budget, and superset optimization. Individual plan
// failures are isolated: a failing or
// timed-out plan never aborts its siblings.
func (e *Executor) RunBatch(ctx context.Context, batchID string, queries []QueryRequest) (*BatchReport, error) {
	if len(queries) > MaxBatchSize {
		return nil, errors.New(errors.KindInput, "batch exceeds the maximum of 20 queries").
			WithDetails("batch_size", len(queries)).WithDetails("kind", "BatchTooLarge")
	}

	if e.tracker != nil {
		if _, err := e.tracker.Create(ctx, execution.CreateRequest{BatchID: batchID, QueryCount: len(queries)}); err != nil && e.logger != nil {
			e.logger.Error(ctx, "failed to register batch run", err, map[string]interface{}{"batch_id": batchID})
		}
		if err := e.tracker.MarkProcessing(ctx, batchID); err != nil && e.logger != nil {
			e.logger.Error(ctx, "failed to mark batch run processing", err, map[string]interface{}{"batch_id": batchID})
		}
	}

	descriptors := e.registry.ListHealthy()

	plans := make([]planner.Plan, len(queries))
	for i, q := range queries {
		from, to := dayRange(q.Signature)
		daySpan := spanDays(from, to)
		plans[i] = planner.Choose(q.Signature, descriptors, daySpan)
	}

	groups := groupSupersets(queries, plans)

	results := make([]PlanResult, len(queries))
	sem := make(chan struct{}, e.workers)
	var wg sync.WaitGroup

	for _, g := range groups {
		g := g
		wg.Add(1)
		sem <- struct{}{}
		utils.SafeGo(func() {
			defer wg.Done()
			defer func() { <-sem }()
			e.runGroup(ctx, queries, plans, g, results)
		}, func(err error) {
			if e.logger != nil {
				e.logger.Error(ctx, "panic running query group", err, map[string]interface{}{"batch_id": batchID})
			}
			for _, idx := range g.members {
				results[idx] = e.toResult(queries[idx], plans[idx], nil, StatusEngineError, err.Error(), 0)
			}
		})
	}
	wg.Wait()

	report := &BatchReport{BatchID: batchID, Results: results}
	for _, r := range results {
		report.ComputeMsTotal += r.ComputeMs
		report.IOMsTotal += r.IOMs
	}
	if e.logger != nil {
		e.logger.LogBatchReport(ctx, batchID, len(queries), report.ComputeMsTotal, report.IOMsTotal, nil)
	}
	if e.metrics != nil {
		counts := make(map[string]int, 5)
		for status, n := range report.CountByStatus() {
			counts[string(status)] = n
		}
		e.metrics.RecordBatch(len(queries), counts)
	}
	if e.telemetry != nil {
		for _, r := range results {
			_ = e.telemetry.RecordPlan(ctx, telemetry.PlanRecord{
				BatchID:      batchID,
				QueryID:      r.QueryID,
				Source:       r.Source,
				Score:        r.Score,
				MatchType:    r.MatchType,
				ComputeMs:    r.ComputeMs,
				IOMs:         r.IOMs,
				RowsProduced: r.RowsProduced,
				Status:       string(r.Status),
				Approximate:  r.Approximate,
				SamplingRate: r.SamplingRate,
				Error:        r.Error,
			})
		}
		_ = e.telemetry.RecordBatch(ctx, telemetry.BatchRecord{
			BatchID:        batchID,
			QueryCount:     len(queries),
			ComputeMsTotal: report.ComputeMsTotal,
			IOMsTotal:      report.IOMsTotal,
		})
	}
	if e.tracker != nil {
		e.finishTracking(ctx, batchID, report)
	}
	return report, nil
}

// finishTracking records a batch run's terminal status: success if every
// plan completed OK, timeout if every failure was a deadline miss, failed
// otherwise.
func (e *Executor) finishTracking(ctx context.Context, batchID string, report *BatchReport) {
	counts := report.CountByStatus()
	if len(report.Results) == 0 || counts[StatusOK] == len(report.Results) {
		if err := e.tracker.MarkSuccess(ctx, batchID, report.ComputeMsTotal, report.IOMsTotal); err != nil && e.logger != nil {
			e.logger.Error(ctx, "failed to mark batch run success", err, map[string]interface{}{"batch_id": batchID})
		}
		return
	}
	if counts[StatusTimeout] > 0 && counts[StatusTimeout]+counts[StatusOK] == len(report.Results) {
		if err := e.tracker.MarkTimeout(ctx, batchID); err != nil && e.logger != nil {
			e.logger.Error(ctx, "failed to mark batch run timeout", err, map[string]interface{}{"batch_id": batchID})
		}
		return
	}
	failed := report.Results[0]
	for _, r := range report.Results {
		if r.Status != StatusOK {
			failed = r
			break
		}
	}
	if err := e.tracker.MarkFailed(ctx, batchID, failed.Error, string(failed.Status)); err != nil && e.logger != nil {
		e.logger.Error(ctx, "failed to mark batch run failed", err, map[string]interface{}{"batch_id": batchID})
	}
}

// supersetGroup is one batch-superset-optimization unit: a leader query
// whose dimensions/measures are a superset of every other member's, all
// sharing the same routed source and residual filters.
type supersetGroup struct {
	leader  int
	members []int
}

// groupSupersets partitions query indices into groups that can share a
// single superset computation.
// Only MV-routed plans are grouped; base scans run individually since their
// day-pruned partition sets rarely coincide exactly.
func groupSupersets(queries []QueryRequest, plans []planner.Plan) []supersetGroup {
	byKey := make(map[string][]int)
	for i, p := range plans {
		if p.IsBaseScan() {
			continue
		}
		key := supersetKey(queries[i].Signature, p.Chosen.Name)
		byKey[key] = append(byKey[key], i)
	}

	grouped := make(map[int]bool)
	var groups []supersetGroup
	for _, idxs := range byKey {
		leader := idxs[0]
		for _, i := range idxs[1:] {
			if queries[i].Signature.Supersets(queries[leader].Signature) {
				leader = i
			}
		}
		ok := true
		for _, i := range idxs {
			if i == leader {
				continue
			}
			if !queries[leader].Signature.Supersets(queries[i].Signature) {
				ok = false
				break
			}
		}
		if !ok {
			// No single member dominates every other; run independently.
			for _, i := range idxs {
				groups = append(groups, supersetGroup{leader: i, members: []int{i}})
				grouped[i] = true
			}
			continue
		}
		groups = append(groups, supersetGroup{leader: leader, members: idxs})
		for _, i := range idxs {
			grouped[i] = true
		}
	}

	for i := range queries {
		if !grouped[i] {
			groups = append(groups, supersetGroup{leader: i, members: []int{i}})
		}
	}
	return groups
}

// supersetKey groups queries that route to the same MV with byte-identical
// residual filters -- a trivial but safe superset of themselves, and the
// common case of several dashboard panels sharing one time window.
func supersetKey(sig query.Signature, source string) string {
	var sb strings.Builder
	sb.WriteString(source)
	sb.WriteString("|")
	for _, f := range sig.Where {
		fmt.Fprintf(&sb, "%s%s%v%v;", f.Field, f.Op, f.Value, f.Values)
	}
	return sb.String()
}

func (e *Executor) runGroup(ctx context.Context, queries []QueryRequest, plans []planner.Plan, g supersetGroup, results []PlanResult) {
	leaderQuery := queries[g.leader]
	leaderPlan := plans[g.leader]

	session := e.sessionFor(leaderPlan)
	superReq := e.execRequest(leaderQuery, leaderPlan)

	// Concurrent batches that happen to share an identical superset-shaped
	// plan collapse onto one engine execution via singleflight, rather than
	// re-scanning the same partitions from separate goroutines.
	sfKey := fmt.Sprintf("%s|%v", leaderPlan.Chosen.Name, superReq)

	if leaderPlan.IsBaseScan() {
		// A base scan is the uncapped, full-lake path the planner falls
		// back to; throttle it so a burst of unroutable queries can't
		// starve the batch's memory budget for everyone else.
		if err := e.limiter.Wait(ctx); err != nil {
			results[g.leader] = e.toResult(leaderQuery, leaderPlan, nil, StatusTimeout, err.Error(), 0)
			for _, idx := range g.members {
				if idx != g.leader {
					results[idx] = e.toResult(queries[idx], plans[idx], nil, StatusTimeout, err.Error(), 0)
				}
			}
			return
		}
	}

	var superResult *engine.Result
	var status Status
	var errMsg string
	var computeMs int64

	if e.resultCache != nil {
		if cached, ok := e.resultCache.Get(sfKey); ok {
			superResult, status, errMsg = cached.(sfResult).result, cached.(sfResult).status, cached.(sfResult).errMsg
		}
	}

	if superResult == nil && status != StatusOK {
		computeStart := time.Now()
		raw, sfErr, _ := e.sf.Do(sfKey, func() (any, error) {
			result, st, em := e.execute(ctx, session, superReq, leaderQuery.Deadline)
			return sfResult{result: result, status: st, errMsg: em}, nil
		})
		computeMs = time.Since(computeStart).Milliseconds()

		if sfErr != nil {
			status, errMsg = StatusEngineError, sfErr.Error()
		} else {
			sr := raw.(sfResult)
			superResult, status, errMsg = sr.result, sr.status, sr.errMsg
			if e.resultCache != nil && status == StatusOK {
				e.resultCache.Set(sfKey, sr, 0)
			}
		}
	}

	if e.metrics != nil && status == StatusOK {
		matchType, _ := e.classifyMatch(leaderQuery.Signature, leaderPlan)
		e.metrics.ObserveComputeDuration(matchType, (time.Duration(computeMs) * time.Millisecond).Seconds())
	}

	for _, idx := range g.members {
		q := queries[idx]
		p := plans[idx]

		if idx == g.leader {
			ordered := superResult
			if status == StatusOK {
				ordered = engine.ApplyOrder(superResult, q.Signature.OrderBy, q.Signature.Limit)
			}
			results[idx] = e.toResult(q, p, ordered, status, errMsg, computeMs)
			continue
		}

		if status != StatusOK {
			results[idx] = e.toResult(q, p, nil, status, errMsg, 0)
			continue
		}

		projStart := time.Now()
		memberReq := e.execRequest(q, p)
		projected := engine.Reaggregate(superResult, memberReq.GroupBy, memberReq.Measures)
		projected = applyResidual(projected, memberReq.Where)
		projected = engine.ApplyOrder(projected, q.Signature.OrderBy, q.Signature.Limit)
		projMs := time.Since(projStart).Milliseconds()
		results[idx] = e.toResult(q, p, projected, StatusOK, "", projMs)
	}
}

// sfResult is the value singleflight.Group.Do returns for a deduplicated
// superset execution.
type sfResult struct {
	result *engine.Result
	status Status
	errMsg string
}

// execRequest translates a chosen plan back into a concrete engine
// ExecRequest: the day window, the grouping set, and the measures/filters
// the plan calls for.
func (e *Executor) execRequest(q QueryRequest, p planner.Plan) engine.ExecRequest {
	from, to := dayRange(q.Signature)
	groupBy := q.Signature.Dimensions
	if len(q.Signature.Grain) > 0 {
		groupBy = append(append([]string{}, q.Signature.Grain...), groupBy...)
	}
	return engine.ExecRequest{
		FromDay:  from,
		ToDay:    to,
		GroupBy:  groupBy,
		Measures: q.Signature.Measures,
		Where:    residualFilters(q.Signature.Where),
	}
}

// sessionFor constructs a fresh, per-goroutine engine session rooted at
// either the chosen MV's ready directory or the base lake -- sessions are
// never shared across threads.
func (e *Executor) sessionFor(p planner.Plan) *engine.Session {
	if p.IsBaseScan() {
		return engine.NewSession(e.lakeRoot)
	}
	return engine.NewSession(filepath.Join(e.mvReadyRoot, p.Chosen.Name))
}

// execute runs req through session with circuit-breaker protection,
// recording only in-engine compute time (memory-only timing). Deadline
// expiry surfaces as StatusTimeout; any other engine
// failure as StatusEngineError.
func (e *Executor) execute(ctx context.Context, session *engine.Session, req engine.ExecRequest, deadline time.Time) (*engine.Result, Status, string) {
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	if used, ok := e.withinMemoryBudget(); !ok {
		return nil, StatusMemory, fmt.Sprintf("rss %d exceeds memory budget %d", used, e.memoryLimitBytes)
	}

	var result *engine.Result
	runErr := e.breaker.Execute(ctx, func() error {
		r, err := session.Execute(ctx, req)
		if err != nil {
			return err
		}
		result = r
		return nil
	})

	if runErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, StatusTimeout, "plan exceeded its deadline"
		}
		if errors.KindOf(runErr) == errors.KindSchemaDrift {
			return nil, StatusSchemaDrift, runErr.Error()
		}
		return nil, StatusEngineError, runErr.Error()
	}
	return result, StatusOK, ""
}

func (e *Executor) toResult(q QueryRequest, p planner.Plan, res *engine.Result, status Status, errMsg string, extraComputeMs int64) PlanResult {
	matchType, approx := e.classifyMatch(q.Signature, p)
	rows := 0
	if res != nil {
		rows = len(res.Rows)
	}
	pr := PlanResult{
		QueryID:      q.ID,
		Status:       status,
		Source:       p.Chosen.Name,
		Score:        p.Chosen.Score,
		MatchType:    matchType,
		RowsProduced: rows,
		Approximate:  approx,
		Error:        errMsg,
		Result:       res,
		Plan:         p,
		ComputeMs:    extraComputeMs,
	}
	if approx {
		pr.SamplingRate = e.samplingRate
	}
	if e.metrics != nil {
		e.metrics.RecordPlanRouting(string(status), matchType, pr.Source)
	}
	return pr
}

// classifyMatch reports whether a chosen plan is an exact match (the MV's
// grain and dimensions match the query precisely), a partial match
// requiring reaggregation, or a base scan. Base scans read every row, so
// no plan is classified as sampled and approximate is always false.
func (e *Executor) classifyMatch(sig query.Signature, p planner.Plan) (matchType string, approximate bool) {
	if p.IsBaseScan() {
		return "base", false
	}
	d, ok := e.registry.Get(p.Chosen.Name)
	if !ok {
		return "partial", false
	}
	if sameSet(d.Grain, sig.Grain) && sameSet(d.Dimensions, sig.Dimensions) {
		return "exact", false
	}
	return "partial", false
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; !ok {
			return false
		}
	}
	return true
}

// withinMemoryBudget samples this process's RSS via gopsutil and reports
// whether it is still under the configured memory budget.
func (e *Executor) withinMemoryBudget() (int64, bool) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, true
	}
	info, err := proc.MemoryInfo()
	if err != nil || info == nil {
		return 0, true
	}
	return int64(info.RSS), int64(info.RSS) < e.memoryLimitBytes
}

func defaultWorkerCount() int {
	if n, err := cpu.Counts(false); err == nil && n > 0 {
		return n
	}
	n := goruntime.NumCPU()
	if n < 1 {
		return 1
	}
	return n
}

func residualFilters(where []query.Filter) []query.Filter {
	out := make([]query.Filter, 0, len(where))
	for _, f := range where {
		if f.Field == "day" {
			continue // already applied as partition pruning via FromDay/ToDay
		}
		out = append(out, f)
	}
	return out
}

func applyResidual(result *engine.Result, where []query.Filter) *engine.Result {
	if len(where) == 0 {
		return result
	}
	// Reaggregated rows no longer carry raw event-level columns to filter
	// on beyond their dimensions; residual filters here apply to dimension
	// equality, e.g. a narrower country filter projected from a superset.
	filtered := make([]engine.Row, 0, len(result.Rows))
	for _, row := range result.Rows {
		if rowMatchesAll(row, where) {
			filtered = append(filtered, row)
		}
	}
	return &engine.Result{Columns: result.Columns, Rows: filtered, RowsScanned: result.RowsScanned}
}

// rowMatchesAll evaluates every residual predicate against an
// already-reaggregated row, sharing the engine's numeric-aware comparison
// so a projected member's filters behave identically to a base scan's.
func rowMatchesAll(row engine.Row, where []query.Filter) bool {
	for _, f := range where {
		if !engine.MatchesFilter(row, f) {
			return false
		}
	}
	return true
}

// dayRange extracts the [from, to] day partition bounds implied by a
// signature's filters on the "day" column, for partition pruning when
// emitting a base-scan plan.
func dayRange(sig query.Signature) (from, to string) {
	for _, f := range sig.Where {
		if f.Field != "day" {
			continue
		}
		switch f.Op {
		case query.OpEq:
			s := fmt.Sprint(f.Value)
			return s, s
		case query.OpBetween:
			if len(f.Values) == 2 {
				return fmt.Sprint(f.Values[0]), fmt.Sprint(f.Values[1])
			}
		case query.OpGte:
			from = fmt.Sprint(f.Value)
		case query.OpLte:
			to = fmt.Sprint(f.Value)
		case query.OpIn:
			days := make([]string, 0, len(f.Values))
			for _, v := range f.Values {
				days = append(days, fmt.Sprint(v))
			}
			sort.Strings(days)
			if len(days) > 0 {
				return days[0], days[len(days)-1]
			}
		}
	}
	return from, to
}

// spanDays returns an approximate inclusive day count between from and to
// in canonical YYYY-MM-DD form, used for the planner's narrow-range base
// scan bonus. Returns 0 if either bound is missing or unparsable.
func spanDays(from, to string) int {
	if from == "" || to == "" {
		return 0
	}
	t1, err1 := time.Parse("2006-01-02", from)
	t2, err2 := time.Parse("2006-01-02", to)
	if err1 != nil || err2 != nil {
		return 0
	}
	days := int(t2.Sub(t1).Hours()/24) + 1
	if days < 0 {
		return 0
	}
	return days
}
