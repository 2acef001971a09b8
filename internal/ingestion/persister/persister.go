// Package persister turns a batch of normalized records into one
// transactional write. It resolves duplicates against the store and the
// batch itself, commits inserts, updates and replacements together, and owns
// the retention cleanup of stale listings.
package persister

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion"
	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion/dedup"
	"github.com/DanteTheCreator/real-estate-deployment/internal/storage"
	apperrors "github.com/DanteTheCreator/real-estate-deployment/pkg/errors"
	"github.com/DanteTheCreator/real-estate-deployment/pkg/metrics"
	"github.com/DanteTheCreator/real-estate-deployment/pkg/resilience"
)

// Outcome is what happened to one record of a batch.
type Outcome string

const (
	OutcomeNew       Outcome = "new"
	OutcomeUpdated   Outcome = "updated"
	OutcomeReplaced  Outcome = "replaced"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeError     Outcome = "error"
)

// Unit is one record and the decision taken for it.
type Unit struct {
	Record   *ingestion.Record
	Decision dedup.Decision
	Outcome  Outcome
	// Stored is the committed version, with id and timestamps, for written
	// units.
	Stored *ingestion.Record
}

func (u *Unit) writes() bool {
	switch u.Decision.Action {
	case dedup.ActionInsert, dedup.ActionUpdate, dedup.ActionReplace:
		return true
	}
	return false
}

// Plan is a resolved batch that has not been committed yet. Records of
// written units may still be modified, for example by inline enrichment,
// before Commit.
type Plan struct {
	Units []*Unit
	batch *dedup.Batch
}

// Written returns the units that will write a record.
func (p *Plan) Written() []*Unit {
	var out []*Unit
	for _, u := range p.Units {
		if u.writes() {
			out = append(out, u)
		}
	}
	return out
}

// Result summarises a committed batch.
type Result struct {
	New        int
	Updated    int
	Replaced   int
	Duplicates int
	Errors     int
	Deleted    int
	// Committed holds the written units in commit order.
	Committed []*Unit
	// Err is set when the batch transaction failed and nothing was written.
	Err error
}

func (r *Result) count(u *Unit) {
	switch u.Outcome {
	case OutcomeNew:
		r.New++
	case OutcomeUpdated:
		r.Updated++
	case OutcomeReplaced:
		r.Replaced++
	case OutcomeDuplicate:
		r.Duplicates++
	case OutcomeError:
		r.Errors++
	}
	if u.Stored != nil {
		r.Committed = append(r.Committed, u)
	}
}

// Persister is scoped to one ingestion run and is not safe for concurrent
// batches; batches are applied one after another.
type Persister struct {
	store   storage.Store
	engine  *dedup.Engine
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a persister writing to store and resolving with engine.
func New(store storage.Store, engine *dedup.Engine, m *metrics.Metrics) *Persister {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Persister{
		store:   store,
		engine:  engine,
		metrics: m,
		logger:  slog.Default().With("component", "batch-persister"),
	}
}

// Persist plans and commits recs.
func (p *Persister) Persist(ctx context.Context, recs []*ingestion.Record) (*Result, error) {
	plan, err := p.Plan(ctx, recs)
	if err != nil {
		return nil, err
	}
	return p.Commit(ctx, plan), nil
}

// Plan resolves every record of the batch. Owners are considered first, then
// records in the order given, so the first-seen record of a priority class
// wins whatever order the batch arrived in. A lookup failure fails the plan.
func (p *Persister) Plan(ctx context.Context, recs []*ingestion.Record) (*Plan, error) {
	known, err := p.existing(ctx, recs)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPersistence, err, "bulk existence check")
	}

	ordered := append([]*ingestion.Record(nil), recs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].UserType.Priority() > ordered[j].UserType.Priority()
	})

	plan := &Plan{batch: p.engine.NewBatch(known)}
	for _, rec := range ordered {
		m, err := p.engine.FindDuplicates(ctx, plan.batch, rec)
		if err != nil {
			return nil, apperrors.Wrapf(apperrors.ErrPersistence, err, "resolving %s/%s", rec.Source, rec.ExternalID)
		}
		d := p.engine.Resolve(rec, m)
		plan.batch.Apply(rec, d)
		plan.Units = append(plan.Units, &Unit{Record: rec, Decision: d})
		if d.Action == dedup.ActionSkip {
			p.logger.Debug("duplicate skipped",
				"external_id", rec.ExternalID,
				"tier", d.Tier,
				"reason", d.Reason,
				"kept", dedup.KeyOf(d.Target).String(),
			)
		}
	}
	return plan, nil
}

// existing runs one lookup per source for every external id of the batch.
// Absent ids are recorded as known-absent.
func (p *Persister) existing(ctx context.Context, recs []*ingestion.Record) (map[dedup.Key]*ingestion.Record, error) {
	bySource := make(map[string][]string)
	for _, rec := range recs {
		bySource[rec.Source] = append(bySource[rec.Source], rec.ExternalID)
	}
	known := make(map[dedup.Key]*ingestion.Record, len(recs))
	for source, ids := range bySource {
		found, err := p.store.FindByExternalIDs(ctx, source, ids)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			known[dedup.Key{Source: source, ExternalID: id}] = found[id]
		}
	}
	return known, nil
}

// Commit writes the plan in one transaction. A uniqueness violation the
// backend could not absorb falls back to committing unit by unit, so only
// the conflicting units are lost, and they count as duplicates. Any other
// failure rolls the batch back and counts every written unit as an error.
func (p *Persister) Commit(ctx context.Context, plan *Plan) *Result {
	start := time.Now()
	res := &Result{}

	batch := storage.Batch{
		Inserts: plan.batch.Inserts(),
		Updates: plan.batch.Updates(),
		Deletes: plan.batch.Deletes(),
	}
	var (
		out *storage.BatchResult
		err error
	)
	if batch.Len() > 0 {
		out, err = p.store.ApplyBatch(ctx, batch)
	}
	switch {
	case out == nil && err == nil:
		p.settle(plan, nil, res)
	case err == nil:
		p.metrics.BatchCommitDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
		res.Deleted = out.Deleted
		p.settle(plan, out, res)
		p.engine.Committed(append(out.Inserted, out.Updated...), batch.Deletes)
	case errors.Is(err, apperrors.ErrIntegrityConflict):
		p.metrics.BatchCommitDuration.WithLabelValues("conflict").Observe(time.Since(start).Seconds())
		p.logger.Warn("batch hit an integrity conflict, committing units one by one",
			"size", len(plan.Units),
			"error", err,
		)
		p.commitUnits(ctx, plan, res)
	default:
		p.metrics.BatchCommitDuration.WithLabelValues("failed").Observe(time.Since(start).Seconds())
		p.logger.Error("batch rolled back",
			"size", len(plan.Units),
			"error", err,
		)
		res.Err = err
		for _, u := range plan.Units {
			if u.writes() {
				u.Outcome = OutcomeError
			} else {
				u.Outcome = OutcomeDuplicate
			}
			res.count(u)
		}
	}
	for _, u := range plan.Units {
		p.metrics.ListingsTotal.WithLabelValues(string(u.Outcome)).Inc()
	}
	return res
}

// settle maps a committed batch result back onto the plan's units.
func (p *Persister) settle(plan *Plan, out *storage.BatchResult, res *Result) {
	stored := make(map[dedup.Key]*ingestion.Record)
	if out != nil {
		for _, rec := range out.Inserted {
			stored[dedup.KeyOf(rec)] = rec
		}
		for _, rec := range out.Updated {
			stored[dedup.KeyOf(rec)] = rec
		}
	}
	for _, u := range plan.Units {
		k := dedup.KeyOf(u.Record)
		switch {
		case !u.writes():
			u.Outcome = OutcomeDuplicate
		case !plan.batch.Staged(k) || stored[k] == nil:
			// Withdrawn by a later replacement or lost a uniqueness race.
			u.Outcome = OutcomeDuplicate
		default:
			u.Stored = stored[k]
			u.Outcome = outcomeOf(u.Decision.Action)
		}
		res.count(u)
	}
}

// commitUnits applies each written unit in its own transaction. A
// replacement keeps its deletes and its insert together.
func (p *Persister) commitUnits(ctx context.Context, plan *Plan, res *Result) {
	var written, deleted []*ingestion.Record
	for _, u := range plan.Units {
		k := dedup.KeyOf(u.Record)
		if !u.writes() || !plan.batch.Staged(k) {
			u.Outcome = OutcomeDuplicate
			res.count(u)
			continue
		}

		var b storage.Batch
		switch u.Decision.Action {
		case dedup.ActionUpdate:
			b.Updates = []*ingestion.Record{u.Record}
		case dedup.ActionReplace:
			for _, old := range u.Decision.Superseded {
				if old.ID != 0 {
					b.Deletes = append(b.Deletes, old)
				}
			}
			b.Inserts = []*ingestion.Record{u.Record}
		default:
			b.Inserts = []*ingestion.Record{u.Record}
		}

		out, err := p.store.ApplyBatch(ctx, b)
		switch {
		case errors.Is(err, apperrors.ErrIntegrityConflict):
			u.Outcome = OutcomeDuplicate
		case err != nil:
			p.logger.Error("unit commit failed",
				"external_id", u.Record.ExternalID,
				"error", err,
			)
			u.Outcome = OutcomeError
		case len(out.Inserted)+len(out.Updated) == 0:
			u.Outcome = OutcomeDuplicate
		default:
			u.Stored = append(out.Inserted, out.Updated...)[0]
			u.Outcome = outcomeOf(u.Decision.Action)
			res.Deleted += out.Deleted
			written = append(written, u.Stored)
			deleted = append(deleted, b.Deletes...)
		}
		res.count(u)
	}
	p.engine.Committed(written, deleted)
}

func outcomeOf(a dedup.Action) Outcome {
	switch a {
	case dedup.ActionUpdate:
		return OutcomeUpdated
	case dedup.ActionReplace:
		return OutcomeReplaced
	default:
		return OutcomeNew
	}
}

// CleanupResult counts one retention pass.
type CleanupResult struct {
	Stale   int
	Deleted int
	Failed  int
}

// Cleanup deletes listings of source not scraped within retentionDays. Every
// row is deleted in its own transaction under rowTimeout; a row that fails is
// logged and counted without stopping the pass. Only listing the stale rows
// and cancellation return an error.
func Cleanup(ctx context.Context, store storage.Store, source string, retentionDays int, now time.Time, rowTimeout time.Duration, m *metrics.Metrics) (CleanupResult, error) {
	if m == nil {
		m = metrics.NewNop()
	}
	log := slog.Default().With("component", "retention-cleanup", "source", source)

	cutoff := now.AddDate(0, 0, -retentionDays)
	ids, err := store.StaleIDs(ctx, source, cutoff)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("listing stale listings: %w", err)
	}
	res := CleanupResult{Stale: len(ids)}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, apperrors.Wrap(apperrors.ErrCancelled, err, "retention cleanup")
		}
		err := resilience.WithTimeout(ctx, rowTimeout, "cleanup-row", func(ctx context.Context) error {
			return store.DeleteListing(ctx, id)
		})
		if err != nil {
			res.Failed++
			m.CleanupDeletedTotal.WithLabelValues("failed").Inc()
			log.Warn("stale listing not deleted",
				"listing_id", id,
				"error", apperrors.Wrapf(apperrors.ErrCleanupRow, err, "listing %d", id),
			)
			continue
		}
		res.Deleted++
		m.CleanupDeletedTotal.WithLabelValues("deleted").Inc()
	}
	log.Info("retention cleanup finished",
		"cutoff", cutoff,
		"stale", res.Stale,
		"deleted", res.Deleted,
		"failed", res.Failed,
	)
	return res, nil
}
