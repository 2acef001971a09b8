// Package pipeline drives one ingestion run end to end: it walks the source's
// pages with a bounded window of concurrent fetches, normalizes and filters
// the listings, persists them in batches through the persister and collects
// the run's statistics. Failures of a single page, listing or batch are
// counted and the run moves on.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion"
	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion/dedup"
	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion/enrich"
	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion/normalizer"
	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion/persister"
	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion/source"
	"github.com/DanteTheCreator/real-estate-deployment/internal/storage"
	"github.com/DanteTheCreator/real-estate-deployment/pkg/config"
	apperrors "github.com/DanteTheCreator/real-estate-deployment/pkg/errors"
	"github.com/DanteTheCreator/real-estate-deployment/pkg/logger"
	"github.com/DanteTheCreator/real-estate-deployment/pkg/metrics"
	"github.com/DanteTheCreator/real-estate-deployment/pkg/tracing"
)

const (
	defaultLockTTL    = 2 * time.Minute
	defaultRowTimeout = 30 * time.Second
)

// Fetcher is the source client surface the orchestrator drives.
type Fetcher interface {
	source.PageFetcher
	Source() string
	Counters() source.Counters
}

// Enricher adds secondary-language text to a record before it is written.
type Enricher interface {
	Enrich(ctx context.Context, rec *ingestion.Record) enrich.Outcome
}

// EventPublisher announces committed listings.
type EventPublisher interface {
	Publish(ctx context.Context, runID string, units []*persister.Unit) error
}

// Locker guards a source against concurrent runs.
type Locker interface {
	AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	ExtendLock(ctx context.Context, key, token string, ttl time.Duration) error
	ReleaseLock(ctx context.Context, key, token string) error
}

// CacheInvalidator drops cached API responses after listings change.
type CacheInvalidator interface {
	FlushByPattern(ctx context.Context, pattern string) (int64, error)
}

// Deps are the collaborators of an orchestrator. Fetcher, Store and
// Normalizer are required; the rest are optional.
type Deps struct {
	Fetcher    Fetcher
	Store      storage.Store
	Normalizer *normalizer.Normalizer
	// Enricher is used when enrichment is inline.
	Enricher Enricher
	// Publisher is used when enrichment is async.
	Publisher EventPublisher
	Locker    Locker
	Cache     CacheInvalidator
	Metrics   *metrics.Metrics
}

// Orchestrator runs ingestion for one source. Runs of the same orchestrator
// must not overlap; the Locker extends that guarantee across processes.
type Orchestrator struct {
	cfg        *config.Config
	deps       Deps
	now        func() time.Time
	rowTimeout time.Duration
	logger     *slog.Logger
}

// New creates an orchestrator.
func New(cfg *config.Config, deps Deps) *Orchestrator {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNop()
	}
	return &Orchestrator{
		cfg:        cfg,
		deps:       deps,
		now:        func() time.Time { return time.Now().UTC() },
		rowTimeout: defaultRowTimeout,
		logger:     slog.Default().With("component", "orchestrator"),
	}
}

// WithClock replaces the clock used for run timing and retention cutoffs.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Source returns the tag of the source being ingested.
func (o *Orchestrator) Source() string {
	return o.deps.Fetcher.Source()
}

// Run performs one ingestion run. The returned stats are always non-nil. The
// only error is ErrLocked, when another run holds the source's lock; every
// other failure is reflected in the stats.
func (o *Orchestrator) Run(ctx context.Context) (*Stats, error) {
	runID := uuid.NewString()
	ctx = logger.WithRunID(ctx, runID)
	log := logger.FromContext(ctx).With("component", "orchestrator", "source", o.Source())
	stats := newStats(runID, o.Source(), o.now())
	ctx, span := tracing.StartSpan(ctx, "ingestion.run", runID)
	span.SetAttr("source", o.Source())
	defer func() {
		span.SetAttr("termination", stats.Termination)
		span.End()
		span.Log(log)
	}()

	release, err := o.lock(ctx, runID, log)
	if err != nil {
		stats.Termination = TerminationLocked
		o.finish(stats, log)
		return stats, err
	}
	defer release()

	log.Info("ingestion run started",
		"workers", o.cfg.Pipeline.Workers,
		"batch_size", o.cfg.Pipeline.BatchSize,
		"enrichment", o.cfg.Pipeline.Enrichment,
	)
	before := o.deps.Fetcher.Counters()

	r := o.newRun(ctx, stats, log)
	r.execute(ctx)

	after := o.deps.Fetcher.Counters()
	stats.APICalls = after.APICalls - before.APICalls
	stats.FailedRequests = after.FailedRequests - before.FailedRequests
	o.finish(stats, log)
	return stats, nil
}

// Cleanup deletes listings of the source that were not scraped within the
// retention period.
func (o *Orchestrator) Cleanup(ctx context.Context) (persister.CleanupResult, error) {
	return persister.Cleanup(ctx, o.deps.Store, o.Source(), o.cfg.Retention.Days, o.now(), o.rowTimeout, o.deps.Metrics)
}

func (o *Orchestrator) finish(stats *Stats, log *slog.Logger) {
	stats.finish(o.now())
	o.deps.Metrics.RunsTotal.WithLabelValues(stats.Termination).Inc()
	o.deps.Metrics.RunDuration.Observe(stats.DurationSeconds)
	log.Info("ingestion run finished",
		"termination", stats.Termination,
		"pages", stats.PagesProcessed,
		"pages_failed", stats.PagesFailed,
		"fetched", stats.Fetched,
		"new", stats.New,
		"updated", stats.Updated,
		"replaced", stats.Replaced,
		"duplicates", stats.Duplicates,
		"discarded", stats.Discarded,
		"errors", stats.Errors,
		"api_calls", stats.APICalls,
		"duration", stats.DurationSeconds,
	)
}

// lock acquires the per-source run lock and keeps it alive until the returned
// release func is called. A Redis failure is logged and the run proceeds
// unlocked.
func (o *Orchestrator) lock(ctx context.Context, runID string, log *slog.Logger) (func(), error) {
	if o.deps.Locker == nil {
		return func() {}, nil
	}
	key := "ingestion:lock:" + o.Source()
	ttl := o.cfg.Redis.LockTTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	ok, err := o.deps.Locker.AcquireLock(ctx, key, runID, ttl)
	if err != nil {
		log.Warn("run lock unavailable, continuing without it", "error", err)
		return func() {}, nil
	}
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrLocked, "another run holds %s", key)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := o.deps.Locker.ExtendLock(context.WithoutCancel(ctx), key, runID, ttl); err != nil {
					log.Warn("failed to extend run lock", "error", err)
				}
			}
		}
	}()
	return func() {
		close(stop)
		<-done
		if err := o.deps.Locker.ReleaseLock(context.WithoutCancel(ctx), key, runID); err != nil {
			log.Warn("failed to release run lock", "error", err)
		}
	}, nil
}

func (o *Orchestrator) enrichInline() bool {
	return o.cfg.Pipeline.Enrichment == config.EnrichmentInline && o.deps.Enricher != nil
}

func (o *Orchestrator) publishEvents() bool {
	return o.cfg.Pipeline.Enrichment == config.EnrichmentAsync && o.deps.Publisher != nil
}

// ---------------------------------------------------------------------------
// Run state
// ---------------------------------------------------------------------------

type pageResult struct {
	number  int
	page    *source.Page
	records []*ingestion.Record
	err     error
}

// run holds the state of one Run. Only fetchWindow's goroutines run
// concurrently, and they touch nothing but their own pageResult.
type run struct {
	o         *Orchestrator
	stats     *Stats
	log       *slog.Logger
	pag       *source.Paginator
	persister *persister.Persister

	workers   int
	batchSize int
	firstPage int

	seen         map[string]struct{}
	pending      []*ingestion.Record
	failedStreak int
	capped       bool
}

func (o *Orchestrator) newRun(ctx context.Context, stats *Stats, log *slog.Logger) *run {
	cfg := o.cfg
	engine := dedup.NewEngine(dedup.Config{
		Fuzzy:               cfg.Pipeline.EnableDedup,
		CoordinateTolerance: cfg.Dedup.CoordinateTolerance,
		AddressThreshold:    cfg.Dedup.AddressThreshold,
		AddressSynonyms:     cfg.Dedup.AddressSynonyms,
		OwnerPriority:       cfg.Pipeline.OwnerPriority,
	}, o.deps.Store)
	if cfg.Pipeline.EnableDedup {
		n, err := engine.Seed(ctx, o.deps.Store.FindBySource(ctx, o.Source()))
		if err != nil {
			log.Warn("address index partially seeded", "seeded", n, "error", err)
		} else {
			log.Debug("address index seeded", "records", n)
		}
	}

	pag := source.NewPaginator(o.deps.Fetcher, source.FiltersFromConfig(cfg.Source), source.PaginationConfig{
		StartPage:                cfg.Source.StartPage,
		MaxPages:                 cfg.Source.MaxPages,
		MaxConsecutiveEmptyPages: cfg.Source.MaxConsecutiveEmptyPages,
		ShortPageRatio:           cfg.Source.ShortPageRatio,
	})

	firstPage := cfg.Source.StartPage
	if firstPage <= 0 {
		firstPage = 1
	}
	return &run{
		o:         o,
		stats:     stats,
		log:       log,
		pag:       pag,
		persister: persister.New(o.deps.Store, engine, o.deps.Metrics),
		workers:   max(1, cfg.Pipeline.Workers),
		batchSize: max(1, cfg.Pipeline.BatchSize),
		firstPage: firstPage,
		seen:      make(map[string]struct{}),
	}
}

func (r *run) execute(ctx context.Context) {
	for r.stats.Termination == "" {
		if ctx.Err() != nil {
			r.stats.Termination = TerminationCancelled
			break
		}
		pages := r.pag.Reserve(r.workers)
		if len(pages) == 0 {
			r.stats.Termination = string(r.pag.Stopped())
			break
		}
		r.consume(ctx, r.fetchWindow(ctx, pages))
	}

	r.flush(ctx, true)
	if len(r.pending) > 0 {
		r.log.Warn("run cancelled with listings not persisted", "pending", len(r.pending))
	}
}

// fetchWindow fetches and normalizes pages concurrently. Results are returned
// in page order.
func (r *run) fetchWindow(ctx context.Context, pages []int) []pageResult {
	results := make([]pageResult, len(pages))
	var g errgroup.Group
	g.SetLimit(r.workers)
	for i, n := range pages {
		g.Go(func() error {
			results[i] = r.fetchPage(ctx, n)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *run) fetchPage(ctx context.Context, n int) pageResult {
	ctx, span := tracing.StartChildSpan(ctx, "fetch.page")
	span.SetAttr("page", n)
	defer span.End()

	page, err := r.pag.Fetch(ctx, n)
	if err != nil {
		return pageResult{number: n, err: err}
	}
	records := make([]*ingestion.Record, len(page.Listings))
	for i, raw := range page.Listings {
		records[i] = r.o.deps.Normalizer.Normalize(raw)
	}
	return pageResult{number: n, page: page, records: records}
}

// consume processes a window of results in page order and sets the
// termination reason when the run should stop. Results after the stopping
// page are discarded.
func (r *run) consume(ctx context.Context, results []pageResult) {
	m := r.o.deps.Metrics
	for _, res := range results {
		if res.err != nil {
			if ctx.Err() != nil {
				r.stats.Termination = TerminationCancelled
				return
			}
			r.stats.PagesFailed++
			r.failedStreak++
			m.PagesTotal.WithLabelValues("failed").Inc()
			r.log.Warn("page skipped after fetch failure", "page", res.number, "error", res.err)
			limit := r.o.cfg.Source.MaxConsecutiveFailedPages
			if res.number == r.firstPage || (limit > 0 && r.failedStreak >= limit) {
				r.stats.Termination = TerminationNetworkError
				return
			}
			continue
		}
		r.failedStreak = 0
		r.stats.PagesProcessed++

		fresh := r.admit(res.records)
		if fresh == 0 {
			r.stats.EmptyPages++
			m.PagesTotal.WithLabelValues("empty").Inc()
		} else {
			m.PagesTotal.WithLabelValues("ok").Inc()
		}
		stop, why := r.pag.Observe(res.page, fresh)
		r.log.Debug("page processed",
			"page", res.number,
			"received", len(res.records),
			"fresh", fresh,
		)

		r.flush(ctx, false)
		switch {
		case r.stats.Termination != "":
			return
		case r.capped:
			r.stats.Termination = TerminationRecordCap
			return
		case stop:
			r.stats.Termination = string(why)
			return
		}
	}
}

// admit filters a page's records into the pending buffer and returns how
// many were new to this run.
func (r *run) admit(records []*ingestion.Record) int {
	limit := r.o.cfg.Source.MaxRecords
	fresh := 0
	for _, rec := range records {
		if limit > 0 && r.stats.Fetched >= limit {
			r.capped = true
			break
		}
		r.stats.Fetched++
		if rec == nil {
			r.stats.Discarded++
			r.o.deps.Metrics.ListingsTotal.WithLabelValues("skipped").Inc()
			continue
		}
		if _, dup := r.seen[rec.ExternalID]; dup {
			r.stats.Repeated++
			r.stats.Duplicates++
			r.o.deps.Metrics.ListingsTotal.WithLabelValues(string(persister.OutcomeDuplicate)).Inc()
			continue
		}
		r.seen[rec.ExternalID] = struct{}{}
		fresh++
		r.stats.observe(rec)
		r.pending = append(r.pending, rec)
	}
	if limit > 0 && r.stats.Fetched >= limit {
		r.capped = true
	}
	return fresh
}

// flush persists full batches from the pending buffer, and with all set the
// remainder too. A cancelled context stops it before the next batch; a batch
// already started runs to completion.
func (r *run) flush(ctx context.Context, all bool) {
	for len(r.pending) >= r.batchSize || (all && len(r.pending) > 0) {
		if ctx.Err() != nil {
			if r.stats.Termination == "" {
				r.stats.Termination = TerminationCancelled
			}
			return
		}
		n := min(r.batchSize, len(r.pending))
		batch := r.pending[:n:n]
		r.pending = r.pending[n:]
		r.persistBatch(ctx, batch)
	}
}

func (r *run) persistBatch(ctx context.Context, batch []*ingestion.Record) {
	ctx, span := tracing.StartChildSpan(ctx, "persist.batch")
	span.SetAttr("size", len(batch))
	defer span.End()
	wctx := context.WithoutCancel(ctx)

	plan, err := r.persister.Plan(wctx, batch)
	if err != nil {
		r.stats.Batches++
		r.stats.FailedBatches++
		r.stats.Errors += len(batch)
		r.o.deps.Metrics.ListingsTotal.WithLabelValues(string(persister.OutcomeError)).Add(float64(len(batch)))
		r.log.Error("batch could not be resolved", "size", len(batch), "error", err)
		return
	}

	if r.o.enrichInline() {
		for _, u := range plan.Written() {
			out := r.o.deps.Enricher.Enrich(ctx, u.Record)
			r.stats.addEnrichment(out.Source)
		}
	}

	res := r.persister.Commit(wctx, plan)
	r.stats.addResult(res)
	if res.Err != nil {
		r.log.Error("batch rolled back", "size", len(batch), "error", res.Err)
	}
	if len(res.Committed) == 0 {
		return
	}
	r.invalidate(wctx)
	r.publish(wctx, res.Committed)
}

func (r *run) invalidate(ctx context.Context) {
	o := r.o
	if !o.cfg.Pipeline.InvalidateCache || o.deps.Cache == nil {
		return
	}
	for _, pattern := range o.cfg.Redis.CachePatterns {
		n, err := o.deps.Cache.FlushByPattern(ctx, pattern)
		if err != nil {
			r.log.Warn("cache invalidation failed", "pattern", pattern, "error", err)
			continue
		}
		r.stats.CacheKeysInvalidated += n
		o.deps.Metrics.CacheInvalidatedTotal.Add(float64(n))
	}
}

func (r *run) publish(ctx context.Context, units []*persister.Unit) {
	if !r.o.publishEvents() {
		return
	}
	if err := r.o.deps.Publisher.Publish(ctx, r.stats.RunID, units); err != nil {
		r.stats.EventsFailed += len(units)
		r.log.Error("listing events not published", "count", len(units), "error", err)
		return
	}
	r.stats.EventsPublished += len(units)
}
