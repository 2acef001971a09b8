// Package storagetest holds the behaviour every storage.Store backend must
// share. Backend packages call Run from their own tests.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion"
	"github.com/DanteTheCreator/real-estate-deployment/internal/storage"
	apperrors "github.com/DanteTheCreator/real-estate-deployment/pkg/errors"
)

// Factory returns an empty store. It registers its own cleanup.
type Factory func(t *testing.T) storage.Store

// Listing builds a minimal valid record.
func Listing(source, externalID string) *ingestion.Record {
	return &ingestion.Record{
		Source:       source,
		ExternalID:   externalID,
		Language:     "ka",
		Title:        "Listing " + externalID,
		Description:  "two rooms",
		Address:      "Pekini 10",
		City:         "Tbilisi",
		PropertyType: "apartment",
		ListingType:  "sale",
		Bedrooms:     2,
		UserType:     ingestion.UserAgency,
		Prices: []ingestion.Price{
			{Currency: "GEL", Total: 270000, PerArea: 2700},
			{Currency: "USD", Total: 100000, PerArea: 1000},
		},
		AmountPrimary:   270000,
		AmountSecondary: 100000,
		Images: []ingestion.Image{
			{URL: "https://img/1.jpg", Primary: true, Position: 0},
			{URL: "https://img/2.jpg", Position: 1},
		},
		Parameters: []ingestion.Parameter{
			{ExternalID: 7, Key: "balcony", DisplayName: "Balcony", SortIndex: 1},
		},
		LastScrapedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// At sets a coordinate pair on rec and returns it.
func At(rec *ingestion.Record, lat, lng float64) *ingestion.Record {
	rec.Latitude, rec.Longitude = &lat, &lng
	return rec
}

// Run executes the shared suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("InsertAndFind", func(t *testing.T) { testInsertAndFind(t, newStore(t)) })
	t.Run("UpdateReplacesChildren", func(t *testing.T) { testUpdateReplacesChildren(t, newStore(t)) })
	t.Run("Conflicts", func(t *testing.T) { testConflicts(t, newStore(t)) })
	t.Run("ReplaceInOneBatch", func(t *testing.T) { testReplaceInOneBatch(t, newStore(t)) })
	t.Run("Coordinates", func(t *testing.T) { testCoordinates(t, newStore(t)) })
	t.Run("StaleAndDelete", func(t *testing.T) { testStaleAndDelete(t, newStore(t)) })
	t.Run("Translations", func(t *testing.T) { testTranslations(t, newStore(t)) })
	t.Run("FindBySource", func(t *testing.T) { testFindBySource(t, newStore(t)) })
}

func insert(t *testing.T, s storage.Store, recs ...*ingestion.Record) []*ingestion.Record {
	t.Helper()
	res, err := s.ApplyBatch(context.Background(), storage.Batch{Inserts: recs})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Inserted) != len(recs) {
		t.Fatalf("expected %d inserted, got %d (conflicts %d)", len(recs), len(res.Inserted), len(res.Conflicts))
	}
	return res.Inserted
}

func testInsertAndFind(t *testing.T, s storage.Store) {
	ctx := context.Background()
	stored := insert(t, s, Listing("myhome", "1"), Listing("myhome", "2"))
	if stored[0].ID == 0 || stored[0].ID == stored[1].ID {
		t.Fatalf("expected distinct ids, got %d and %d", stored[0].ID, stored[1].ID)
	}
	if stored[0].CreatedAt.IsZero() {
		t.Error("expected created_at to be assigned")
	}

	got, err := s.FindByExternalID(ctx, "myhome", "1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil {
		t.Fatal("expected record, got nil")
	}
	if got.ID != stored[0].ID {
		t.Errorf("expected id %d, got %d", stored[0].ID, got.ID)
	}
	if len(got.Prices) != 2 || len(got.Images) != 2 || len(got.Parameters) != 1 {
		t.Errorf("expected 2 prices, 2 images, 1 parameter, got %d, %d, %d",
			len(got.Prices), len(got.Images), len(got.Parameters))
	}
	if img, ok := got.PrimaryImage(); !ok || img.URL != "https://img/1.jpg" {
		t.Errorf("expected primary image 1.jpg, got %+v", img)
	}
	if got.AmountPrimary != 270000 {
		t.Errorf("expected amount 270000, got %v", got.AmountPrimary)
	}
	if !got.LastScrapedAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("expected last scraped to round-trip, got %v", got.LastScrapedAt)
	}

	missing, err := s.FindByExternalID(ctx, "myhome", "404")
	if err != nil || missing != nil {
		t.Errorf("expected nil, nil for missing record, got %v, %v", missing, err)
	}

	bulk, err := s.FindByExternalIDs(ctx, "myhome", []string{"1", "2", "3"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bulk) != 2 || bulk["1"] == nil || bulk["2"] == nil {
		t.Errorf("expected ids 1 and 2 present, got %v", bulk)
	}
	if _, ok := bulk["3"]; ok {
		t.Error("expected absent id to be missing from the map")
	}

	other, err := s.FindByExternalID(ctx, "ss", "1")
	if err != nil || other != nil {
		t.Errorf("expected source to scope the identity, got %v, %v", other, err)
	}
}

func testUpdateReplacesChildren(t *testing.T, s storage.Store) {
	ctx := context.Background()
	first := Listing("myhome", "1")
	first.Translations = map[string]ingestion.Localized{"en": {Title: "Flat"}, "ru": {Title: "Kvartira"}}
	stored := insert(t, s, first)[0]

	next := Listing("myhome", "1")
	next.ID = stored.ID
	next.CreatedAt = stored.CreatedAt
	next.Title = "Renovated"
	next.Prices = []ingestion.Price{{Currency: "GEL", Total: 300000}}
	next.Images = []ingestion.Image{{URL: "https://img/3.jpg", Primary: true}}
	next.Parameters = nil
	next.Translations = map[string]ingestion.Localized{"en": {Title: "Renovated flat"}}

	res, err := s.ApplyBatch(ctx, storage.Batch{Updates: []*ingestion.Record{next}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Updated) != 1 {
		t.Fatalf("expected 1 updated, got %d", len(res.Updated))
	}

	got, _ := s.FindByExternalID(ctx, "myhome", "1")
	if got.Title != "Renovated" {
		t.Errorf("expected title Renovated, got %q", got.Title)
	}
	if len(got.Prices) != 1 || got.Prices[0].Total != 300000 {
		t.Errorf("expected prices replaced, got %+v", got.Prices)
	}
	if len(got.Images) != 1 || got.Images[0].URL != "https://img/3.jpg" {
		t.Errorf("expected images replaced, got %+v", got.Images)
	}
	if len(got.Parameters) != 0 {
		t.Errorf("expected parameters cleared, got %+v", got.Parameters)
	}
	if got.Translations["en"].Title != "Renovated flat" {
		t.Errorf("expected en translation replaced, got %q", got.Translations["en"].Title)
	}
	if got.Translations["ru"].Title != "Kvartira" {
		t.Errorf("expected ru translation kept, got %q", got.Translations["ru"].Title)
	}
}

func testConflicts(t *testing.T, s storage.Store) {
	ctx := context.Background()
	insert(t, s, Listing("myhome", "1"))

	ghost := Listing("myhome", "9")
	ghost.ID = 999999
	res, err := s.ApplyBatch(ctx, storage.Batch{
		Inserts: []*ingestion.Record{Listing("myhome", "1"), Listing("myhome", "2")},
		Updates: []*ingestion.Record{ghost},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Conflicts) != 2 {
		t.Errorf("expected 2 conflicts, got %d", len(res.Conflicts))
	}
	if len(res.Inserted) != 1 || res.Inserted[0].ExternalID != "2" {
		t.Errorf("expected only id 2 inserted, got %d", len(res.Inserted))
	}
}

func testReplaceInOneBatch(t *testing.T, s storage.Store) {
	ctx := context.Background()
	agency := insert(t, s, Listing("myhome", "1"))[0]

	owner := Listing("myhome", "2")
	owner.UserType = ingestion.UserOwner
	res, err := s.ApplyBatch(ctx, storage.Batch{
		Inserts: []*ingestion.Record{owner},
		Deletes: []*ingestion.Record{agency},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Deleted != 1 || len(res.Inserted) != 1 {
		t.Errorf("expected 1 deleted and 1 inserted, got %d and %d", res.Deleted, len(res.Inserted))
	}
	if got, _ := s.FindByExternalID(ctx, "myhome", "1"); got != nil {
		t.Error("expected agency listing to be gone")
	}
	got, _ := s.FindByExternalID(ctx, "myhome", "2")
	if got == nil || got.UserType != ingestion.UserOwner {
		t.Errorf("expected owner listing stored, got %+v", got)
	}
}

func testCoordinates(t *testing.T, s storage.Store) {
	ctx := context.Background()
	insert(t, s,
		At(Listing("myhome", "1"), 41.7151, 44.8271),
		At(Listing("myhome", "2"), 41.7152, 44.8272),
		At(Listing("myhome", "3"), 41.7200, 44.8271),
		Listing("myhome", "4"),
	)
	near, err := s.FindByCoordinates(ctx, 41.71515, 44.82715, 1e-4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(near) != 2 {
		t.Fatalf("expected 2 records near the point, got %d", len(near))
	}
	for _, rec := range near {
		if rec.ExternalID == "3" || rec.ExternalID == "4" {
			t.Errorf("unexpected match %s", rec.ExternalID)
		}
	}
}

func testStaleAndDelete(t *testing.T, s storage.Store) {
	ctx := context.Background()
	fresh := Listing("myhome", "1")
	fresh.LastScrapedAt = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	old := Listing("myhome", "2")
	old.LastScrapedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	never := Listing("myhome", "3")
	never.LastScrapedAt = time.Time{}
	otherSource := Listing("ss", "4")
	otherSource.LastScrapedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	stored := insert(t, s, fresh, old, never, otherSource)

	ids, err := s.StaleIDs(ctx, "myhome", time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 2 || ids[0] != stored[1].ID || ids[1] != stored[2].ID {
		t.Fatalf("expected stale ids [%d %d], got %v", stored[1].ID, stored[2].ID, ids)
	}

	for _, id := range ids {
		if err := s.DeleteListing(ctx, id); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if err := s.DeleteListing(ctx, ids[0]); err != nil {
		t.Errorf("expected deleting a missing record to succeed, got %v", err)
	}
	if got, _ := s.FindByExternalID(ctx, "myhome", "2"); got != nil {
		t.Error("expected stale listing to be deleted")
	}
	if got, _ := s.FindByExternalID(ctx, "myhome", "1"); got == nil {
		t.Error("expected fresh listing to survive")
	}
}

func testTranslations(t *testing.T, s storage.Store) {
	ctx := context.Background()
	stored := insert(t, s, Listing("myhome", "1"))[0]

	err := s.SaveTranslations(ctx, stored.ID, map[string]ingestion.Localized{
		"en": {Title: "Flat", Description: "Two rooms"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = s.SaveTranslations(ctx, stored.ID, map[string]ingestion.Localized{
		"ru": {Title: "Kvartira"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := s.FindByExternalID(ctx, "myhome", "1")
	if got.Translations["en"].Description != "Two rooms" || got.Translations["ru"].Title != "Kvartira" {
		t.Errorf("expected both languages stored, got %+v", got.Translations)
	}

	err = s.SaveTranslations(ctx, 999999, map[string]ingestion.Localized{"en": {Title: "x"}})
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testFindBySource(t *testing.T, s storage.Store) {
	ctx := context.Background()
	insert(t, s, Listing("myhome", "1"), Listing("myhome", "2"), Listing("ss", "3"))
	var ids []string
	for rec, err := range s.FindBySource(ctx, "myhome") {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ids = append(ids, rec.ExternalID)
	}
	if len(ids) != 2 || ids[0] != "1" || ids[1] != "2" {
		t.Errorf("expected [1 2], got %v", ids)
	}
}
