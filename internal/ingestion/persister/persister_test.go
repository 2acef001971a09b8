package persister

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion"
	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion/dedup"
	"github.com/DanteTheCreator/real-estate-deployment/internal/storage"
	"github.com/DanteTheCreator/real-estate-deployment/internal/storage/memory"
	"github.com/DanteTheCreator/real-estate-deployment/internal/storage/storagetest"
	apperrors "github.com/DanteTheCreator/real-estate-deployment/pkg/errors"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func testConfig() dedup.Config {
	return dedup.Config{
		Fuzzy:               true,
		CoordinateTolerance: 1e-4,
		AddressThreshold:    0.85,
		OwnerPriority:       true,
	}
}

func listing(id, address string, user ingestion.UserType) *ingestion.Record {
	rec := storagetest.Listing("myhome", id)
	rec.Address = address
	rec.UserType = user
	return rec
}

// newRun returns a persister as an ingestion run would build it, with the
// engine seeded from the store.
func newRun(t *testing.T, store storage.Store, cfg dedup.Config) *Persister {
	t.Helper()
	engine := dedup.NewEngine(cfg, store)
	if _, err := engine.Seed(context.Background(), store.FindBySource(context.Background(), "myhome")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return New(store, engine, nil)
}

func persist(t *testing.T, p *Persister, recs ...*ingestion.Record) *Result {
	t.Helper()
	res, err := p.Persist(context.Background(), recs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return res
}

func externalIDs(recs []*ingestion.Record) []string {
	out := make([]string, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.ExternalID)
	}
	return out
}

// conflictStore reports an integrity conflict for any batch inserting one of
// the listed external ids, as a concurrent writer would cause.
type conflictStore struct {
	*memory.Store
	conflicting map[string]bool
	calls       int
}

func (s *conflictStore) ApplyBatch(ctx context.Context, b storage.Batch) (*storage.BatchResult, error) {
	s.calls++
	for _, rec := range b.Inserts {
		if s.conflicting[rec.ExternalID] {
			return nil, apperrors.Wrapf(apperrors.ErrIntegrityConflict, errors.New("duplicate key value"), "inserting %s", rec.ExternalID)
		}
	}
	return s.Store.ApplyBatch(ctx, b)
}

// ---------------------------------------------------------------------------
// Idempotence and uniqueness
// ---------------------------------------------------------------------------

func TestPersistIsIdempotent(t *testing.T) {
	store := memory.New()
	page := func() []*ingestion.Record {
		return []*ingestion.Record{
			listing("1", "Pekini 10", ingestion.UserAgency),
			listing("2", "Vazha-Pshavela 45", ingestion.UserAgency),
			listing("3", "Rustaveli 1", ingestion.UserOwner),
		}
	}

	first := persist(t, newRun(t, store, testConfig()), page()...)
	if first.New != 3 {
		t.Fatalf("expected 3 new, got %d (duplicates %d)", first.New, first.Duplicates)
	}
	before := store.All()

	second := persist(t, newRun(t, store, testConfig()), page()...)
	if second.Updated != 3 || second.New != 0 {
		t.Errorf("expected 3 updated and 0 new, got %d and %d", second.Updated, second.New)
	}
	after := store.All()
	if len(after) != len(before) {
		t.Fatalf("expected %d records, got %d", len(before), len(after))
	}
	for i := range before {
		b, a := before[i], after[i]
		if a.ID != b.ID || a.Title != b.Title || a.AmountPrimary != b.AmountPrimary ||
			a.UserType != b.UserType || len(a.Prices) != len(b.Prices) || len(a.Images) != len(b.Images) {
			t.Errorf("record %s changed between identical runs", a.ExternalID)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			t.Errorf("expected created_at of %s preserved", a.ExternalID)
		}
	}
}

func TestRepeatedExternalIDInBatch(t *testing.T) {
	store := memory.New()
	res := persist(t, newRun(t, store, testConfig()),
		listing("1", "Pekini 10", ingestion.UserAgency),
		listing("1", "Pekini 10", ingestion.UserAgency),
	)
	if res.New != 1 || res.Duplicates != 1 {
		t.Errorf("expected 1 new and 1 duplicate, got %d and %d", res.New, res.Duplicates)
	}
	if store.Len() != 1 {
		t.Errorf("expected 1 stored record, got %d", store.Len())
	}
}

func TestUniquenessAcrossRuns(t *testing.T) {
	store := memory.New()
	for run := 0; run < 3; run++ {
		persist(t, newRun(t, store, testConfig()),
			listing("1", "Pekini 10", ingestion.UserAgency),
			listing("2", "Rustaveli 1", ingestion.UserAgency),
		)
	}
	seen := make(map[string]bool)
	for _, rec := range store.All() {
		k := rec.Source + "/" + rec.ExternalID
		if seen[k] {
			t.Errorf("duplicate identity %s", k)
		}
		seen[k] = true
	}
	if len(seen) != 2 {
		t.Errorf("expected 2 records, got %d", len(seen))
	}
}

// ---------------------------------------------------------------------------
// Owner priority
// ---------------------------------------------------------------------------

func TestOwnerReplacesAgencyByCoordinates(t *testing.T) {
	store := memory.New()
	persist(t, newRun(t, store, testConfig()),
		storagetest.At(listing("agency-1", "Pekini 10", ingestion.UserAgency), 41.0, 44.0))

	res := persist(t, newRun(t, store, testConfig()),
		storagetest.At(listing("owner-1", "Somewhere else 3", ingestion.UserOwner), 41.00005, 44.00005))
	if res.Replaced != 1 || res.Deleted != 1 {
		t.Fatalf("expected 1 replaced and 1 deleted, got %d and %d", res.Replaced, res.Deleted)
	}
	all := store.All()
	if len(all) != 1 || all[0].ExternalID != "owner-1" || all[0].UserType != ingestion.UserOwner {
		t.Errorf("expected only the owner record, got %v", externalIDs(all))
	}
}

func TestOwnerReplacesAgencyByAddress(t *testing.T) {
	store := memory.New()
	persist(t, newRun(t, store, testConfig()), listing("agency-1", "Kostava St. 12", ingestion.UserAgency))

	res := persist(t, newRun(t, store, testConfig()), listing("owner-1", "kostava st 12", ingestion.UserOwner))
	if res.Replaced != 1 {
		t.Fatalf("expected 1 replaced, got %d", res.Replaced)
	}
	all := store.All()
	if len(all) != 1 || all[0].ExternalID != "owner-1" {
		t.Errorf("expected only the owner record, got %v", externalIDs(all))
	}
}

func TestAgencyNeverDisplacesOwner(t *testing.T) {
	store := memory.New()
	persist(t, newRun(t, store, testConfig()),
		storagetest.At(listing("owner-1", "Pekini 10", ingestion.UserOwner), 41.0, 44.0))

	res := persist(t, newRun(t, store, testConfig()),
		storagetest.At(listing("agency-1", "Pekini 10", ingestion.UserAgency), 41.00005, 44.00005))
	if res.Duplicates != 1 || res.New != 0 {
		t.Errorf("expected the agency discarded, got new=%d duplicates=%d", res.New, res.Duplicates)
	}
	if u := res.Committed; len(u) != 0 {
		t.Errorf("expected nothing committed, got %d", len(u))
	}
	all := store.All()
	if len(all) != 1 || all[0].ExternalID != "owner-1" {
		t.Errorf("expected the owner kept, got %v", externalIDs(all))
	}
}

func TestOwnerPriorityDisabled(t *testing.T) {
	store := memory.New()
	cfg := testConfig()
	cfg.OwnerPriority = false
	persist(t, newRun(t, store, cfg),
		storagetest.At(listing("agency-1", "Pekini 10", ingestion.UserAgency), 41.0, 44.0))

	res := persist(t, newRun(t, store, cfg),
		storagetest.At(listing("owner-1", "Pekini 10", ingestion.UserOwner), 41.00005, 44.00005))
	if res.Duplicates != 1 || res.Replaced != 0 {
		t.Errorf("expected the owner discarded, got replaced=%d duplicates=%d", res.Replaced, res.Duplicates)
	}
	if all := store.All(); len(all) != 1 || all[0].ExternalID != "agency-1" {
		t.Errorf("expected the agency kept, got %v", externalIDs(all))
	}
}

func TestOwnerPriorityIsStableAcrossRuns(t *testing.T) {
	store := memory.New()
	page := func() []*ingestion.Record {
		return []*ingestion.Record{
			storagetest.At(listing("agency-1", "Pekini 10", ingestion.UserAgency), 41.0, 44.0),
			storagetest.At(listing("owner-1", "Pekini 10", ingestion.UserOwner), 41.00005, 44.00005),
		}
	}
	for run := 0; run < 3; run++ {
		persist(t, newRun(t, store, testConfig()), page()...)
		all := store.All()
		if len(all) != 1 || all[0].ExternalID != "owner-1" {
			t.Fatalf("run %d: expected only the owner record, got %v", run+1, externalIDs(all))
		}
	}
}

// ---------------------------------------------------------------------------
// In-batch ordering
// ---------------------------------------------------------------------------

func TestEqualPriorityFirstSeenWins(t *testing.T) {
	tests := []struct {
		name  string
		first string
		user  ingestion.UserType
	}{
		{"agencies a first", "a", ingestion.UserAgency},
		{"agencies b first", "b", ingestion.UserAgency},
		{"owners a first", "a", ingestion.UserOwner},
		{"owners b first", "b", ingestion.UserOwner},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			a := storagetest.At(listing("a", "Pekini 10", tt.user), 41.0, 44.0)
			b := storagetest.At(listing("b", "Pekini 10", tt.user), 41.00005, 44.00005)
			batch := []*ingestion.Record{a, b}
			if tt.first == "b" {
				batch = []*ingestion.Record{b, a}
			}
			res := persist(t, newRun(t, store, testConfig()), batch...)
			if res.New != 1 || res.Duplicates != 1 {
				t.Fatalf("expected 1 new and 1 duplicate, got %d and %d", res.New, res.Duplicates)
			}
			all := store.All()
			if len(all) != 1 || all[0].ExternalID != tt.first {
				t.Errorf("expected %s to survive, got %v", tt.first, externalIDs(all))
			}
		})
	}
}

func TestOwnerWinsWithinBatchInEitherOrder(t *testing.T) {
	for _, ownerFirst := range []bool{true, false} {
		t.Run(fmt.Sprintf("owner_first=%v", ownerFirst), func(t *testing.T) {
			store := memory.New()
			agency := storagetest.At(listing("agency-1", "Pekini 10", ingestion.UserAgency), 41.0, 44.0)
			owner := storagetest.At(listing("owner-1", "Pekini 10", ingestion.UserOwner), 41.00005, 44.00005)
			batch := []*ingestion.Record{agency, owner}
			if ownerFirst {
				batch = []*ingestion.Record{owner, agency}
			}
			res := persist(t, newRun(t, store, testConfig()), batch...)
			if res.New != 1 || res.Duplicates != 1 || res.Replaced != 0 {
				t.Errorf("expected new=1 duplicates=1 replaced=0, got %d, %d, %d", res.New, res.Duplicates, res.Replaced)
			}
			all := store.All()
			if len(all) != 1 || all[0].ExternalID != "owner-1" {
				t.Errorf("expected only the owner record, got %v", externalIDs(all))
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Failures
// ---------------------------------------------------------------------------

func TestBatchAtomicity(t *testing.T) {
	store := memory.New()
	store.FailWrite = func(rec *ingestion.Record) error {
		if rec.ExternalID == "25" {
			return errors.New("value out of range")
		}
		return nil
	}
	var batch []*ingestion.Record
	for i := 0; i < 50; i++ {
		batch = append(batch, listing(fmt.Sprint(i), fmt.Sprintf("Street %d", i*1000), ingestion.UserAgency))
	}
	p := New(store, dedup.NewEngine(dedup.Config{}, store), nil)
	res := persist(t, p, batch...)
	if !errors.Is(res.Err, apperrors.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", res.Err)
	}
	if res.Errors != 50 {
		t.Errorf("expected 50 errors, got %d", res.Errors)
	}
	if store.Len() != 0 {
		t.Errorf("expected nothing committed, got %d records", store.Len())
	}
}

func TestIntegrityConflictCountsAsDuplicate(t *testing.T) {
	store := &conflictStore{Store: memory.New(), conflicting: map[string]bool{"2": true}}
	p := New(store, dedup.NewEngine(dedup.Config{}, store), nil)
	res := persist(t, p,
		listing("1", "Pekini 10", ingestion.UserAgency),
		listing("2", "Rustaveli 1", ingestion.UserAgency),
		listing("3", "Tsereteli 5", ingestion.UserAgency),
	)
	if res.Err != nil {
		t.Fatalf("expected no batch error, got %v", res.Err)
	}
	if res.New != 2 || res.Duplicates != 1 || res.Errors != 0 {
		t.Errorf("expected new=2 duplicates=1 errors=0, got %d, %d, %d", res.New, res.Duplicates, res.Errors)
	}
	if store.calls != 4 {
		t.Errorf("expected 1 batch attempt and 3 unit commits, got %d calls", store.calls)
	}
	if store.Len() != 2 {
		t.Errorf("expected 2 stored records, got %d", store.Len())
	}
}

func TestPlanFailsOnLookupError(t *testing.T) {
	store := memory.New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := New(store, dedup.NewEngine(testConfig(), store), nil)
	_, err := p.Plan(ctx, []*ingestion.Record{listing("1", "Pekini 10", ingestion.UserAgency)})
	if !errors.Is(err, apperrors.ErrPersistence) {
		t.Errorf("expected ErrPersistence, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Plan and inline edits
// ---------------------------------------------------------------------------

func TestPlanRecordsCanBeEditedBeforeCommit(t *testing.T) {
	store := memory.New()
	p := newRun(t, store, testConfig())
	plan, err := p.Plan(context.Background(), []*ingestion.Record{listing("1", "Pekini 10", ingestion.UserAgency)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	written := plan.Written()
	if len(written) != 1 {
		t.Fatalf("expected 1 written unit, got %d", len(written))
	}
	written[0].Record.Translations = map[string]ingestion.Localized{"en": {Title: "Flat"}}

	res := p.Commit(context.Background(), plan)
	if res.New != 1 || len(res.Committed) != 1 {
		t.Fatalf("expected 1 new committed unit, got %d / %d", res.New, len(res.Committed))
	}
	if res.Committed[0].Stored.ID == 0 {
		t.Error("expected stored id on committed unit")
	}
	got, _ := store.FindByExternalID(context.Background(), "myhome", "1")
	if got.Translations["en"].Title != "Flat" {
		t.Errorf("expected edited translation committed, got %+v", got.Translations)
	}
}

// ---------------------------------------------------------------------------
// Retention cleanup
// ---------------------------------------------------------------------------

func TestCleanupIsolatesRowFailures(t *testing.T) {
	store := memory.New()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	var recs []*ingestion.Record
	for i := 0; i < 4; i++ {
		rec := listing(fmt.Sprint(i), fmt.Sprintf("Street %d", i), ingestion.UserAgency)
		rec.LastScrapedAt = now.AddDate(0, 0, -60)
		recs = append(recs, rec)
	}
	fresh := listing("fresh", "Fresh 1", ingestion.UserAgency)
	fresh.LastScrapedAt = now.AddDate(0, 0, -1)
	recs = append(recs, fresh)
	res, err := store.ApplyBatch(context.Background(), storage.Batch{Inserts: recs})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bad := res.Inserted[1].ID
	store.FailDelete = func(id int64) error {
		if id == bad {
			return errors.New("row locked")
		}
		return nil
	}

	out, err := Cleanup(context.Background(), store, "myhome", 30, now, time.Second, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Stale != 4 || out.Deleted != 3 || out.Failed != 1 {
		t.Errorf("expected stale=4 deleted=3 failed=1, got %+v", out)
	}
	if store.Len() != 2 {
		t.Errorf("expected the failed row and the fresh row kept, got %d", store.Len())
	}
}

func TestCleanupStopsOnCancel(t *testing.T) {
	store := memory.New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Cleanup(ctx, store, "myhome", 30, time.Now(), time.Second, nil)
	if err == nil {
		t.Error("expected an error from a cancelled cleanup")
	}
}
