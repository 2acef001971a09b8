// Package memory is an in-process storage backend used by tests and dry
// runs. It honours the same batch atomicity and uniqueness rules as the SQL
// backends.
package memory

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion"
	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion/dedup"
	"github.com/DanteTheCreator/real-estate-deployment/internal/storage"
	apperrors "github.com/DanteTheCreator/real-estate-deployment/pkg/errors"
)

const geoCellTolerance = 1e-3

// Store keeps records in maps guarded by one lock.
type Store struct {
	mu      sync.RWMutex
	nextID  int64
	records map[int64]*ingestion.Record
	byKey   map[dedup.Key]int64
	geo     *dedup.GeoIndex
	now     func() time.Time

	// FailWrite, when set, is consulted for every insert and update of a
	// batch before anything is applied. An error aborts the whole batch.
	FailWrite func(rec *ingestion.Record) error
	// FailDelete, when set, is consulted by DeleteListing.
	FailDelete func(id int64) error
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		records: make(map[int64]*ingestion.Record),
		byKey:   make(map[dedup.Key]int64),
		geo:     dedup.NewGeoIndex(geoCellTolerance),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source used for created/updated stamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

func (s *Store) FindByExternalID(ctx context.Context, source, externalID string) (*ingestion.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[dedup.Key{Source: source, ExternalID: externalID}]
	if !ok {
		return nil, nil
	}
	return s.records[id].Clone(), nil
}

func (s *Store) FindByExternalIDs(ctx context.Context, source string, externalIDs []string) (map[string]*ingestion.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*ingestion.Record, len(externalIDs))
	for _, ext := range externalIDs {
		if id, ok := s.byKey[dedup.Key{Source: source, ExternalID: ext}]; ok {
			out[ext] = s.records[id].Clone()
		}
	}
	return out, nil
}

func (s *Store) FindByCoordinates(ctx context.Context, lat, lng, tolerance float64) ([]*ingestion.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	near := s.geo.Near(lat, lng, tolerance)
	out := make([]*ingestion.Record, 0, len(near))
	for _, rec := range near {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) FindBySource(ctx context.Context, source string) iter.Seq2[*ingestion.Record, error] {
	return func(yield func(*ingestion.Record, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(nil, err)
			return
		}
		for _, rec := range s.snapshot(func(r *ingestion.Record) bool { return r.Source == source }) {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// All returns copies of every stored record ordered by id.
func (s *Store) All() []*ingestion.Record {
	return s.snapshot(func(*ingestion.Record) bool { return true })
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) snapshot(keep func(*ingestion.Record) bool) []*ingestion.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ingestion.Record, 0, len(s.records))
	for _, rec := range s.records {
		if keep(rec) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) ApplyBatch(ctx context.Context, b storage.Batch) (*storage.BatchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Stage everything first so a failure leaves the store untouched.
	res := &storage.BatchResult{}
	deleted := make(map[int64]bool, len(b.Deletes))
	for _, rec := range b.Deletes {
		if _, ok := s.records[rec.ID]; ok && !deleted[rec.ID] {
			deleted[rec.ID] = true
		}
	}
	var updates []*ingestion.Record
	for _, rec := range b.Updates {
		if err := s.failWrite(rec); err != nil {
			return nil, err
		}
		if _, ok := s.records[rec.ID]; !ok || deleted[rec.ID] {
			res.Conflicts = append(res.Conflicts, rec)
			continue
		}
		updates = append(updates, rec)
	}
	claimed := make(map[dedup.Key]bool, len(b.Inserts))
	var inserts []*ingestion.Record
	for _, rec := range b.Inserts {
		if err := s.failWrite(rec); err != nil {
			return nil, err
		}
		k := dedup.KeyOf(rec)
		if id, taken := s.byKey[k]; (taken && !deleted[id]) || claimed[k] {
			res.Conflicts = append(res.Conflicts, rec)
			continue
		}
		claimed[k] = true
		inserts = append(inserts, rec)
	}

	now := s.now()
	for id := range deleted {
		s.removeLocked(id)
	}
	res.Deleted = len(deleted)
	for _, rec := range updates {
		stored := rec.Clone()
		prev := s.records[rec.ID]
		stored.CreatedAt = prev.CreatedAt
		stored.UpdatedAt = now
		stored.Translations = mergeTranslations(prev.Translations, rec.Translations)
		s.putLocked(stored)
		res.Updated = append(res.Updated, stored.Clone())
	}
	for _, rec := range inserts {
		stored := rec.Clone()
		s.nextID++
		stored.ID = s.nextID
		stored.CreatedAt = now
		stored.UpdatedAt = now
		s.putLocked(stored)
		res.Inserted = append(res.Inserted, stored.Clone())
	}
	return res, nil
}

func (s *Store) failWrite(rec *ingestion.Record) error {
	if s.FailWrite == nil {
		return nil
	}
	if err := s.FailWrite(rec); err != nil {
		return apperrors.Wrapf(apperrors.ErrPersistence, err, "writing %s/%s", rec.Source, rec.ExternalID)
	}
	return nil
}

func (s *Store) putLocked(rec *ingestion.Record) {
	if prev, ok := s.records[rec.ID]; ok {
		delete(s.byKey, dedup.KeyOf(prev))
	}
	s.records[rec.ID] = rec
	s.byKey[dedup.KeyOf(rec)] = rec.ID
	s.geo.Add(rec)
}

func (s *Store) removeLocked(id int64) {
	rec, ok := s.records[id]
	if !ok {
		return
	}
	k := dedup.KeyOf(rec)
	delete(s.records, id)
	delete(s.byKey, k)
	s.geo.Remove(k)
}

func (s *Store) StaleIDs(ctx context.Context, source string, cutoff time.Time) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []int64
	for id, rec := range s.records {
		if rec.Source == source && (rec.LastScrapedAt.IsZero() || rec.LastScrapedAt.Before(cutoff)) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Store) DeleteListing(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.FailDelete != nil {
		if err := s.FailDelete(id); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)
	return nil
}

func (s *Store) SaveTranslations(ctx context.Context, id int64, translations map[string]ingestion.Localized) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return apperrors.Newf(apperrors.ErrNotFound, "listing %d", id)
	}
	rec.Translations = mergeTranslations(rec.Translations, translations)
	rec.UpdatedAt = s.now()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) Close() error {
	return nil
}

func mergeTranslations(stored, incoming map[string]ingestion.Localized) map[string]ingestion.Localized {
	if len(stored) == 0 && len(incoming) == 0 {
		return nil
	}
	out := make(map[string]ingestion.Localized, len(stored)+len(incoming))
	for lang, loc := range stored {
		out[lang] = loc
	}
	for lang, loc := range incoming {
		out[lang] = loc
	}
	return out
}
