package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion"
	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion/normalizer"
	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion/pipeline"
	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion/report"
	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion/source"
	"github.com/DanteTheCreator/real-estate-deployment/internal/storage"
	"github.com/DanteTheCreator/real-estate-deployment/internal/storage/memory"
	"github.com/DanteTheCreator/real-estate-deployment/internal/storage/storagetest"
	"github.com/DanteTheCreator/real-estate-deployment/pkg/config"
	apperrors "github.com/DanteTheCreator/real-estate-deployment/pkg/errors"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// oneShotSource serves three listings on page 1 and nothing after. When gate
// is set, page 1 blocks until it is closed.
type oneShotSource struct {
	gate chan struct{}
}

func (s *oneShotSource) FetchPage(ctx context.Context, n int, _ source.Filters) (*source.Page, error) {
	if n == 1 && s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p := &source.Page{Number: n, Requested: 10}
	if n != 1 {
		return p, nil
	}
	for i := 1; i <= 3; i++ {
		p.Listings = append(p.Listings, ingestion.Raw{
			Source:     "test",
			ExternalID: fmt.Sprint(i),
			Payload:    json.RawMessage(fmt.Sprintf(`{"id": "%d"}`, i)),
			FetchedAt:  time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC),
		})
	}
	return p, nil
}

func (s *oneShotSource) Source() string { return "test" }

func (s *oneShotSource) Counters() source.Counters { return source.Counters{} }

type recordingSink struct {
	mu      sync.Mutex
	reports []*report.Report
	onEmit  func()
}

func (r *recordingSink) Emit(ctx context.Context, rep *report.Report) error {
	r.mu.Lock()
	r.reports = append(r.reports, rep)
	r.mu.Unlock()
	if r.onEmit != nil {
		r.onEmit()
	}
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reports)
}

func newService(t *testing.T, src *oneShotSource, store storage.Store, sink report.Sink) (*Service, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.Pipeline.Workers = 1
	cfg.Retention.Days = 30
	orch := pipeline.New(cfg, pipeline.Deps{
		Fetcher:    src,
		Store:      store,
		Normalizer: normalizer.New(cfg.Normalize, "ka"),
	}).WithClock(func() time.Time { return time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC) })
	svc := New(cfg, orch, sink)
	t.Cleanup(svc.Close)
	return svc, cfg
}

// ---------------------------------------------------------------------------
// Cycles
// ---------------------------------------------------------------------------

func TestRunCycleEmitsReport(t *testing.T) {
	sink := &recordingSink{}
	svc, _ := newService(t, &oneShotSource{}, memory.New(), sink)

	rep, err := svc.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.Stats.New != 3 {
		t.Errorf("expected 3 new listings, got %d", rep.Stats.New)
	}
	if sink.count() != 1 || svc.Latest() != rep {
		t.Errorf("expected the report emitted and kept as latest")
	}
	if rep.Stats.Cleanup != nil {
		t.Errorf("expected no cleanup when disabled, got %+v", rep.Stats.Cleanup)
	}
}

func TestRunCycleRunsCleanup(t *testing.T) {
	store := memory.New()
	if _, err := store.ApplyBatch(context.Background(), storage.Batch{
		Inserts: []*ingestion.Record{storagetest.Listing("test", "stale")},
	}); err != nil {
		t.Fatalf("seeding: %v", err)
	}
	svc, cfg := newService(t, &oneShotSource{}, store, nil)
	cfg.Retention.CleanupAfterRun = true

	rep, err := svc.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.Stats.Cleanup == nil || rep.Stats.Cleanup.Deleted != 1 {
		t.Errorf("expected the stale listing cleaned up, got %+v", rep.Stats.Cleanup)
	}
	if store.Len() != 3 {
		t.Errorf("expected 3 listings left, got %d", store.Len())
	}
}

func TestCyclesNeverOverlap(t *testing.T) {
	src := &oneShotSource{gate: make(chan struct{})}
	svc, _ := newService(t, src, memory.New(), nil)

	if err := svc.Trigger(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !svc.Running() {
		if time.Now().After(deadline) {
			t.Fatal("triggered cycle never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := svc.RunCycle(context.Background()); !errors.Is(err, apperrors.ErrLocked) {
		t.Errorf("expected ErrLocked from RunCycle, got %v", err)
	}
	if err := svc.Trigger(); !errors.Is(err, apperrors.ErrLocked) {
		t.Errorf("expected ErrLocked from Trigger, got %v", err)
	}

	close(src.gate)
	deadline = time.Now().Add(2 * time.Second)
	for svc.Latest() == nil {
		if time.Now().After(deadline) {
			t.Fatal("triggered cycle never finished")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if svc.Latest().Stats.New != 3 {
		t.Errorf("expected 3 new listings, got %d", svc.Latest().Stats.New)
	}
}

func TestConcurrentTriggersAdmitOne(t *testing.T) {
	src := &oneShotSource{gate: make(chan struct{})}
	svc, _ := newService(t, src, memory.New(), nil)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs <- svc.Trigger()
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	accepted := 0
	for err := range errs {
		switch {
		case err == nil:
			accepted++
		case !errors.Is(err, apperrors.ErrLocked):
			t.Errorf("expected ErrLocked, got %v", err)
		}
	}
	if accepted != 1 {
		t.Fatalf("expected exactly one accepted trigger, got %d", accepted)
	}
	if !svc.Running() {
		t.Error("expected the accepted trigger to hold the running slot on return")
	}

	close(src.gate)
	deadline := time.Now().Add(2 * time.Second)
	for svc.Running() {
		if time.Now().After(deadline) {
			t.Fatal("triggered cycle never finished")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if svc.Latest() == nil {
		t.Error("expected a report from the accepted cycle")
	}
}

func TestScheduleStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &recordingSink{onEmit: cancel}
	svc, _ := newService(t, &oneShotSource{}, memory.New(), sink)

	done := make(chan struct{})
	go func() {
		svc.Schedule(ctx, time.Hour)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	if sink.count() != 1 {
		t.Errorf("expected one cycle before stopping, got %d", sink.count())
	}
}

func TestCloseCancelsTriggeredCycle(t *testing.T) {
	src := &oneShotSource{gate: make(chan struct{})}
	svc, _ := newService(t, src, memory.New(), nil)
	if err := svc.Trigger(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	done := make(chan struct{})
	go func() {
		svc.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
}
