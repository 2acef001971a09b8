package integration

import (
	"context"
	"testing"
	"time"

	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion/pipeline"
	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion/report"
	pgstore "github.com/DanteTheCreator/real-estate-deployment/internal/storage/postgres"
)

// ---------------------------------------------------------------------------
// Report store
// ---------------------------------------------------------------------------

func TestReportStoreSaveAndList(t *testing.T) {
	db := skipIfNoPostgres(t)
	ctx := context.Background()
	if err := pgstore.New(db).Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := db.Exec(ctx, `TRUNCATE ingestion_reports RESTART IDENTITY`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	store := report.NewStore(db)

	latest, err := store.Latest(ctx, "myhome.ge")
	if err != nil || latest != nil {
		t.Fatalf("expected no report yet, got %v, %v", latest, err)
	}

	base := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)
	for i, runID := range []string{"run-1", "run-2", "run-3"} {
		r := &report.Report{
			Metadata: report.Metadata{RunID: runID, Source: "myhome.ge", GeneratedAt: base.Add(time.Duration(i) * time.Hour)},
			Stats:    &pipeline.Stats{RunID: runID, Source: "myhome.ge", New: i + 1},
		}
		if err := store.Emit(ctx, r); err != nil {
			t.Fatalf("emit %s: %v", runID, err)
		}
	}
	other := &report.Report{
		Metadata: report.Metadata{RunID: "other", Source: "ss.ge", GeneratedAt: base.Add(10 * time.Hour)},
		Stats:    &pipeline.Stats{RunID: "other"},
	}
	if err := store.Save(ctx, other); err != nil {
		t.Fatalf("save: %v", err)
	}

	latest, err = store.Latest(ctx, "myhome.ge")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Metadata.RunID != "run-3" || latest.Stats.New != 3 {
		t.Errorf("expected run-3, got %+v", latest.Metadata)
	}

	list, err := store.List(ctx, "myhome.ge", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Metadata.RunID != "run-3" || list[1].Metadata.RunID != "run-2" {
		t.Errorf("expected run-3, run-2, got %d reports", len(list))
	}
}
