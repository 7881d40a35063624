// Package engine runs a capability over its due records.
//
// One run: the ledger opens the run and fixes its watermark, the selector
// streams due records, a bounded worker pool analyzes each record and writes
// the result, and the cursors of records that succeeded are advanced to the
// watermark in one write before the run is closed.
package engine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/corpus-cli/internal/capability"
	"github.com/sells-group/corpus-cli/internal/cluster"
	"github.com/sells-group/corpus-cli/internal/entity"
	"github.com/sells-group/corpus-cli/internal/ledger"
	"github.com/sells-group/corpus-cli/internal/model"
	"github.com/sells-group/corpus-cli/internal/resilience"
	"github.com/sells-group/corpus-cli/internal/scope"
	"github.com/sells-group/corpus-cli/internal/store"
)

// Config tunes a run.
type Config struct {
	Workers       int
	PageSize      int
	RecordTimeout time.Duration
	RetryAttempts int
	Breaker       resilience.CircuitBreakerConfig
	AssocTopRules int
	FlushEvery    int // completions between progress writes and failure flushes
}

// DefaultConfig returns the defaults used when a field is zero.
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		PageSize:      scope.DefaultPageSize,
		RecordTimeout: 30 * time.Second,
		RetryAttempts: 3,
		Breaker:       resilience.DefaultCircuitBreakerConfig(),
		AssocTopRules: 50,
		FlushEvery:    25,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.PageSize <= 0 {
		c.PageSize = def.PageSize
	}
	if c.RecordTimeout <= 0 {
		c.RecordTimeout = def.RecordTimeout
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = def.RetryAttempts
	}
	if c.AssocTopRules <= 0 {
		c.AssocTopRules = def.AssocTopRules
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = def.FlushEvery
	}
	if c.Breaker.ShouldTrip == nil {
		c.Breaker.ShouldTrip = resilience.IsBackendFailure
	}
	return c
}

// RecordError is a per-record analysis failure. It is counted on the run and
// the record stays due for the next run.
type RecordError struct {
	RecordID string
	Kind     string
	Err      error
}

func (e *RecordError) Error() string {
	return "record " + e.RecordID + ": " + e.Err.Error()
}

func (e *RecordError) Unwrap() error { return e.Err }

// Report summarizes a finished run.
type Report struct {
	Run       *model.Run `json:"run"`
	InScope   int64      `json:"in_scope"`
	Processed int64      `json:"processed"`
	Errors    int64      `json:"errors"`
	Advanced  int64      `json:"advanced"`
}

// Engine orchestrates capability runs.
type Engine struct {
	store    store.Store
	ledger   *ledger.Ledger
	selector *scope.Selector
	entities *entity.Engine
	clusters *cluster.Writer
	breakers *resilience.Breakers
	retry    resilience.RetryConfig
	cfg      Config
	log      *zap.Logger
}

// New creates an Engine.
func New(s store.Store, l *ledger.Ledger, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	retry := resilience.StorageRetryConfig(cfg.RetryAttempts)
	retry.OnRetry = resilience.RetryLogger("engine", "advance_cursors")
	return &Engine{
		store:    s,
		ledger:   l,
		selector: scope.NewSelector(s, cfg.PageSize),
		entities: entity.NewEngine(s, cfg.RetryAttempts),
		clusters: cluster.NewWriter(s, cfg.RetryAttempts),
		breakers: resilience.NewBreakers(cfg.Breaker),
		retry:    retry,
		cfg:      cfg,
		log:      zap.L().With(zap.String("component", "engine")),
	}
}

// Breakers exposes the per-capability circuit breakers.
func (e *Engine) Breakers() *resilience.Breakers { return e.breakers }

// Plan counts the records a run started now would cover.
func (e *Engine) Plan(ctx context.Context, name model.Capability) (int, error) {
	if err := name.Validate(); err != nil {
		return 0, err
	}
	return e.selector.CountDue(ctx, name, model.Watermark(time.Now()))
}

// runState is shared by the workers of one run.
type runState struct {
	run      *model.Run
	analyzer capability.Analyzer
	agg      *capability.AssocAggregator

	inScope   atomic.Int64
	okCount   atomic.Int64
	errCount  atomic.Int64
	completed atomic.Int64
	created   atomic.Int64
	links     atomic.Int64
	memberOf  atomic.Int64
	clusterMu sync.Mutex
	clusters  map[string]bool

	mu        sync.Mutex
	succeeded []string
	pending   []model.RecordFailure
}

// Run executes one run of the analyzer's capability. Per-record failures
// leave the run PARTIAL; a storage fault fails it without advancing any
// cursor and is returned. Cancellation keeps what already succeeded.
func (e *Engine) Run(ctx context.Context, a capability.Analyzer) (*Report, error) {
	run, err := e.ledger.Start(ctx, a.Name())
	if err != nil {
		return nil, err
	}
	log := e.log.With(zap.String("run_id", run.ID), zap.String("capability", string(run.Capability)))

	st := &runState{run: run, analyzer: a, clusters: make(map[string]bool)}
	if a.Kind() == capability.KindAssociation {
		st.agg = capability.NewAssocAggregator(2)
	}

	systemic := e.process(ctx, st, log)
	cancelled := ctx.Err() != nil

	st.mu.Lock()
	succeeded := append([]string(nil), st.succeeded...)
	details := model.RunDetails{Failures: st.pending}
	st.mu.Unlock()

	report := &Report{
		Run:       run,
		InScope:   st.inScope.Load(),
		Processed: int64(len(succeeded)),
		Errors:    st.errCount.Load(),
	}
	details.Artifacts = e.artifacts(st)

	if systemic == nil && len(succeeded) > 0 {
		sort.Strings(succeeded)
		// Cursor advance must land even if the caller gave up mid-run.
		n, err := resilience.DoVal(context.WithoutCancel(ctx), e.retry, func(ctx context.Context) (int64, error) {
			return e.store.AdvanceCursors(ctx, run.Capability, succeeded, run.StartedAt)
		})
		if err != nil {
			systemic = eris.Wrap(err, "engine: advance cursors")
		} else {
			report.Advanced = n
		}
	}

	if systemic != nil {
		details.Reason = systemic.Error()
		details.Notes = append(details.Notes, "cursors not advanced")
	} else if cancelled {
		details.Reason = "cancelled"
	}

	outcome := model.RunOutcome{
		Status:    ledger.Decide(report.Processed, report.Errors, systemic != nil, cancelled),
		Processed: report.Processed,
		Errors:    report.Errors,
		Details:   details,
	}
	if err := e.ledger.Complete(ctx, run, outcome); err != nil {
		return report, err
	}

	switch {
	case systemic != nil:
		return report, systemic
	case cancelled:
		return report, eris.Wrap(ctx.Err(), "engine: run cancelled")
	}
	return report, nil
}

// process fans due records out to the worker pool. It returns the first
// systemic error, or nil when the scope was drained or the caller cancelled.
func (e *Engine) process(ctx context.Context, st *runState, log *zap.Logger) error {
	selCtx, stopSelect := context.WithCancel(ctx)
	defer stopSelect()
	recCh, errCh := e.selector.SelectDue(selCtx, st.run.Capability, st.run.StartedAt)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)

	for rec := range recCh {
		if gctx.Err() != nil {
			break
		}
		st.inScope.Add(1)
		g.Go(func() error {
			return e.processRecord(gctx, st, rec)
		})
	}
	stopSelect()
	for range recCh {
	}
	selErr := <-errCh

	workErr := g.Wait()
	switch {
	case workErr != nil:
		return workErr
	case selErr != nil && ctx.Err() == nil:
		return selErr
	}

	log.Debug("scope processed",
		zap.Int64("in_scope", st.inScope.Load()),
		zap.Int64("errors", st.errCount.Load()),
	)
	return nil
}

// processRecord returns an error only for systemic faults.
func (e *Engine) processRecord(ctx context.Context, st *runState, rec model.Record) error {
	res, err := e.analyze(ctx, st.analyzer, &rec)
	if err != nil {
		if ctx.Err() != nil {
			return nil // run is stopping; the record stays due
		}
		e.recordFailure(ctx, st, &RecordError{RecordID: rec.ID, Kind: resilience.ClassifyError(err), Err: err})
		return nil
	}

	if err := e.persist(ctx, st, &rec, res); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return eris.Wrapf(err, "engine: persist record %s", rec.ID)
	}

	st.mu.Lock()
	st.succeeded = append(st.succeeded, rec.ID)
	st.mu.Unlock()
	st.okCount.Add(1)
	e.reportProgress(ctx, st)
	return nil
}

// reportProgress writes the run's counts every FlushEvery completed records.
// A failed write is logged; the final outcome carries the real counts.
func (e *Engine) reportProgress(ctx context.Context, st *runState) {
	if st.completed.Add(1)%int64(e.cfg.FlushEvery) != 0 {
		return
	}
	if err := e.ledger.Progress(ctx, st.run.ID, st.okCount.Load(), st.errCount.Load()); err != nil {
		e.log.Warn("could not record run progress", zap.String("run_id", st.run.ID), zap.Error(err))
	}
}

// analyze calls the analyzer under the capability's breaker with a bounded
// timeout. An analyzer that ignores its context is abandoned at the deadline.
func (e *Engine) analyze(ctx context.Context, a capability.Analyzer, rec *model.Record) (*capability.Result, error) {
	rctx, cancel := context.WithTimeout(ctx, e.cfg.RecordTimeout)
	defer cancel()

	text := strings.TrimSpace(rec.Title + "\n" + rec.Text)
	breaker := e.breakers.Get(string(a.Name()))
	return resilience.ExecuteVal(rctx, breaker, func(ctx context.Context) (*capability.Result, error) {
		type outcome struct {
			res *capability.Result
			err error
		}
		done := make(chan outcome, 1)
		go func() {
			res, err := a.Analyze(ctx, text, rec.Language)
			done <- outcome{res, err}
		}()
		select {
		case o := <-done:
			if o.err == nil && o.res == nil {
				o.res = &capability.Result{}
			}
			return o.res, o.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

// persist writes an analyzer result through the sink matching its kind.
func (e *Engine) persist(ctx context.Context, st *runState, rec *model.Record, res *capability.Result) error {
	switch st.analyzer.Kind() {
	case capability.KindEntities:
		r, err := e.entities.Apply(ctx, rec, res.Spans)
		if err != nil {
			return err
		}
		st.created.Add(int64(r.CreatedEntities))
		st.links.Add(int64(r.UpdatedLinks))

	case capability.KindClustering:
		clusters := make([]model.Cluster, 0, len(res.Memberships))
		assign := make([]model.ClusterAssignment, 0, len(res.Memberships))
		for _, m := range res.Memberships {
			clusters = append(clusters, model.Cluster{Key: m.Key, Name: m.Name, Type: m.Type, Metadata: m.Metadata})
			assign = append(assign, model.ClusterAssignment{RecordID: rec.ID, ClusterKey: m.Key, Score: m.Score})
		}
		if _, err := e.clusters.ReplaceMembership(ctx, st.run, []string{rec.ID}, clusters, assign); err != nil {
			return err
		}
		st.memberOf.Add(int64(len(assign)))
		st.clusterMu.Lock()
		for _, c := range clusters {
			st.clusters[c.Key] = true
		}
		st.clusterMu.Unlock()

	case capability.KindAssociation:
		st.agg.Add(res.Items)

	default:
		return eris.Errorf("engine: unknown analyzer kind %q", st.analyzer.Kind())
	}
	return nil
}

// recordFailure buffers a per-record failure and appends a batch to the run
// once enough have accumulated, so the ledger shows progress mid-run.
func (e *Engine) recordFailure(ctx context.Context, st *runState, rerr *RecordError) {
	st.errCount.Add(1)
	e.log.Warn("record failed",
		zap.String("run_id", st.run.ID),
		zap.String("record_id", rerr.RecordID),
		zap.String("kind", rerr.Kind),
		zap.Error(rerr.Err),
	)

	st.mu.Lock()
	st.pending = append(st.pending, model.RecordFailure{RecordID: rerr.RecordID, Error: rerr.Err.Error(), Kind: rerr.Kind})
	var batch []model.RecordFailure
	if len(st.pending) >= e.cfg.FlushEvery {
		batch, st.pending = st.pending, nil
	}
	st.mu.Unlock()

	e.reportProgress(ctx, st)
	if batch == nil {
		return
	}
	if err := e.ledger.AppendDetails(ctx, st.run.ID, model.RunDetails{Failures: batch}); err != nil {
		e.log.Warn("could not append failures, keeping them for the final outcome",
			zap.String("run_id", st.run.ID), zap.Error(err))
		st.mu.Lock()
		st.pending = append(batch, st.pending...)
		st.mu.Unlock()
	}
}

func (e *Engine) artifacts(st *runState) map[string]any {
	art := map[string]any{"in_scope": st.inScope.Load()}
	switch st.analyzer.Kind() {
	case capability.KindEntities:
		art["entities_created"] = st.created.Load()
		art["links_updated"] = st.links.Load()
	case capability.KindClustering:
		st.clusterMu.Lock()
		art["clusters"] = len(st.clusters)
		st.clusterMu.Unlock()
		art["memberships"] = st.memberOf.Load()
	case capability.KindAssociation:
		art["itemsets"] = st.agg.Records()
		art["rules"] = st.agg.Rules(e.cfg.AssocTopRules)
	}
	return art
}
