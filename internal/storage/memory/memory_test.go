package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion"
	"github.com/DanteTheCreator/real-estate-deployment/internal/storage"
	"github.com/DanteTheCreator/real-estate-deployment/internal/storage/storagetest"
	apperrors "github.com/DanteTheCreator/real-estate-deployment/pkg/errors"
)

func TestStoreSuite(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store { return New() })
}

// ---------------------------------------------------------------------------
// Failure injection
// ---------------------------------------------------------------------------

func TestFailWriteAbortsWholeBatch(t *testing.T) {
	s := New()
	s.FailWrite = func(rec *ingestion.Record) error {
		if rec.ExternalID == "2" {
			return errors.New("disk full")
		}
		return nil
	}
	_, err := s.ApplyBatch(context.Background(), storage.Batch{
		Inserts: []*ingestion.Record{storagetest.Listing("myhome", "1"), storagetest.Listing("myhome", "2")},
	})
	if !errors.Is(err, apperrors.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("expected nothing written, got %d records", s.Len())
	}
}

func TestFailDelete(t *testing.T) {
	s := New()
	res, err := s.ApplyBatch(context.Background(), storage.Batch{
		Inserts: []*ingestion.Record{storagetest.Listing("myhome", "1")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.FailDelete = func(id int64) error { return errors.New("locked") }
	if err := s.DeleteListing(context.Background(), res.Inserted[0].ID); err == nil {
		t.Error("expected delete to fail")
	}
	if s.Len() != 1 {
		t.Errorf("expected record kept, got %d", s.Len())
	}
}

func TestClockStampsRecords(t *testing.T) {
	t0 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	now := t0
	s := New().WithClock(func() time.Time { return now })
	ctx := context.Background()

	res, _ := s.ApplyBatch(ctx, storage.Batch{Inserts: []*ingestion.Record{storagetest.Listing("myhome", "1")}})
	stored := res.Inserted[0]
	if !stored.CreatedAt.Equal(t0) || !stored.UpdatedAt.Equal(t0) {
		t.Errorf("expected stamps at %v, got %v / %v", t0, stored.CreatedAt, stored.UpdatedAt)
	}

	now = t0.Add(time.Hour)
	next := storagetest.Listing("myhome", "1")
	next.ID = stored.ID
	res, _ = s.ApplyBatch(ctx, storage.Batch{Updates: []*ingestion.Record{next}})
	if !res.Updated[0].CreatedAt.Equal(t0) {
		t.Errorf("expected created_at preserved, got %v", res.Updated[0].CreatedAt)
	}
	if !res.Updated[0].UpdatedAt.Equal(now) {
		t.Errorf("expected updated_at %v, got %v", now, res.Updated[0].UpdatedAt)
	}
}

func TestFindReturnsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.ApplyBatch(ctx, storage.Batch{Inserts: []*ingestion.Record{storagetest.Listing("myhome", "1")}})

	got, _ := s.FindByExternalID(ctx, "myhome", "1")
	got.Title = "mutated"
	got.Prices[0].Total = 1

	again, _ := s.FindByExternalID(ctx, "myhome", "1")
	if again.Title == "mutated" || again.Prices[0].Total == 1 {
		t.Error("expected store to be isolated from caller mutations")
	}
}
