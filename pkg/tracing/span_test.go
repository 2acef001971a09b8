package tracing

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestChildSpansInheritTrace(t *testing.T) {
	ctx, root := StartSpan(context.Background(), "ingestion.run", "run-1")
	_, child := StartChildSpan(ctx, "fetch.page")
	if child.TraceID != "run-1" {
		t.Errorf("expected run-1, got %q", child.TraceID)
	}
	if SpanFromContext(ctx) != root {
		t.Error("expected the root span in its context")
	}
	if len(root.Phases()) != 1 {
		t.Errorf("expected one phase, got %d", len(root.Phases()))
	}
}

func TestDetachedChild(t *testing.T) {
	_, s := StartChildSpan(context.Background(), "fetch.page")
	if s.TraceID != "" {
		t.Errorf("expected no trace id, got %q", s.TraceID)
	}
	s.End()
	if s.Duration() < 0 {
		t.Error("expected a non-negative duration")
	}
}

func TestEndIsIdempotent(t *testing.T) {
	_, s := StartSpan(context.Background(), "run", "r")
	s.End()
	first := s.Duration()
	time.Sleep(5 * time.Millisecond)
	s.End()
	if s.Duration() != first {
		t.Errorf("expected the first End to stick, got %v then %v", first, s.Duration())
	}
}

func TestPhasesAggregateConcurrentChildren(t *testing.T) {
	ctx, root := StartSpan(context.Background(), "ingestion.run", "run-1")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, s := StartChildSpan(ctx, "fetch.page")
			s.SetAttr("page", i)
			s.End()
		}()
	}
	wg.Wait()
	_, batch := StartChildSpan(ctx, "persist.batch")
	time.Sleep(2 * time.Millisecond)
	batch.End()

	phases := root.Phases()
	if len(phases) != 2 {
		t.Fatalf("expected 2 phases, got %+v", phases)
	}
	counts := map[string]int{}
	for _, p := range phases {
		counts[p.Name] = p.Count
		if p.Slowest > p.Total {
			t.Errorf("%s: slowest %v exceeds total %v", p.Name, p.Slowest, p.Total)
		}
	}
	if counts["fetch.page"] != 8 || counts["persist.batch"] != 1 {
		t.Errorf("unexpected counts %v", counts)
	}
}

func TestLogWritesPhases(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctx, root := StartSpan(context.Background(), "ingestion.run", "run-9")
	root.SetAttr("source", "myhome.ge")
	_, s := StartChildSpan(ctx, "persist.batch")
	s.End()
	root.End()
	root.Log(log)

	out := buf.String()
	for _, want := range []string{"trace_id=run-9", "source=myhome.ge", "phase=persist.batch", "count=1"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in log output:\n%s", want, out)
		}
	}
	if v, ok := root.Attr("source"); !ok || v != "myhome.ge" {
		t.Errorf("expected source attribute, got %v", v)
	}
}
