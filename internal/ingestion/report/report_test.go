package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion"
	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion/persister"
	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion/pipeline"
	"github.com/DanteTheCreator/real-estate-deployment/pkg/config"
	"github.com/DanteTheCreator/real-estate-deployment/pkg/kafka"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

var generatedAt = time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)

func testStats() *pipeline.Stats {
	return &pipeline.Stats{
		RunID:           "run-1",
		Source:          "myhome.ge",
		StartedAt:       generatedAt.Add(-2 * time.Minute),
		FinishedAt:      generatedAt,
		DurationSeconds: 120,
		Termination:     "no_records",
		PagesProcessed:  3,
		APICalls:        60,
		Fetched:         100,
		New:             70,
		Updated:         10,
		Duplicates:      15,
		Discarded:       3,
		Errors:          2,
		PropertyTypes:   map[string]int{"apartment": 80, "house": 20},
		DealTypes:       map[string]int{"sale": 100},
		Cleanup:         &persister.CleanupResult{Stale: 4, Deleted: 4},
	}
}

func testReport() *Report {
	return Build(testStats(), config.Default(), generatedAt)
}

type fakeProducer struct {
	events []kafka.Event
	err    error
}

func (p *fakeProducer) Publish(ctx context.Context, event kafka.Event) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

// ---------------------------------------------------------------------------
// Build
// ---------------------------------------------------------------------------

func TestBuildSummary(t *testing.T) {
	r := testReport()
	if r.Metadata.RunID != "run-1" || r.Metadata.Termination != "no_records" {
		t.Errorf("unexpected metadata %+v", r.Metadata)
	}
	tests := []struct {
		name      string
		got, want float64
	}{
		{"success rate", r.Summary.SuccessRate, 0.95},
		{"duplicate rate", r.Summary.DuplicateRate, 0.15},
		{"requests per minute", r.Summary.RequestsPerMinute, 30},
		{"seconds per record", r.Summary.SecondsPerRecord, 1.2},
	}
	for _, tt := range tests {
		if diff := tt.got - tt.want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, tt.got)
		}
	}
	if r.Config.BatchSize != 50 || r.Config.RequestsPerMinute != 600 {
		t.Errorf("expected default config snapshot, got %+v", r.Config)
	}
}

func TestBuildEmptyRun(t *testing.T) {
	r := Build(&pipeline.Stats{RunID: "empty"}, config.Default(), generatedAt)
	if r.Summary != (Summary{}) {
		t.Errorf("expected zero summary, got %+v", r.Summary)
	}
}

// ---------------------------------------------------------------------------
// File sink
// ---------------------------------------------------------------------------

func TestFileSinkJSON(t *testing.T) {
	dir := t.TempDir()
	path, err := NewFileSink(dir, "json").Write(testReport())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := filepath.Join(dir, "ingestion_report_myhome_ge_20261016_093000.json"); path != want {
		t.Errorf("expected %s, got %s", want, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading report: %v", err)
	}
	var got Report
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decoding report: %v", err)
	}
	if got.Stats.New != 70 || got.Metadata.Source != "myhome.ge" {
		t.Errorf("unexpected decoded report %+v", got.Metadata)
	}
}

func TestFileSinkText(t *testing.T) {
	path, err := NewFileSink(t.TempDir(), "text").Write(testReport())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasSuffix(path, ".txt") {
		t.Errorf("expected .txt file, got %s", path)
	}
	data, _ := os.ReadFile(path)
	for _, want := range []string{"run-1", "property_type.house", "cleanup_deleted"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("expected %q in text report", want)
		}
	}
}

func TestFileSinkCSV(t *testing.T) {
	path, err := NewFileSink(t.TempDir(), "csv").Write(testReport())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening report: %v", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("parsing csv: %v", err)
	}
	if records[0][0] != "metric" || records[0][1] != "value" {
		t.Errorf("expected header row, got %v", records[0])
	}
	values := make(map[string]string)
	for _, rec := range records[1:] {
		values[rec[0]] = rec[1]
	}
	if values["new"] != "70" || values["deal_type.sale"] != "100" {
		t.Errorf("unexpected csv values %v", values)
	}
}

// ---------------------------------------------------------------------------
// Other sinks
// ---------------------------------------------------------------------------

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))
	if err := sink.Emit(context.Background(), testReport()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected one json line, got %q", buf.String())
	}
	if line["run_id"] != "run-1" || line["new"] != float64(70) {
		t.Errorf("unexpected log line %v", line)
	}
}

func TestKafkaSink(t *testing.T) {
	p := &fakeProducer{}
	if err := NewKafkaSink(p).Emit(context.Background(), testReport()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(p.events))
	}
	ev := p.events[0]
	if ev.Key != "myhome.ge" || ev.Type != ingestion.EventRunReport {
		t.Errorf("unexpected event %s/%s", ev.Key, ev.Type)
	}
}

func TestMultiAttemptsEverySink(t *testing.T) {
	failing := &fakeProducer{err: errors.New("broker down")}
	ok := &fakeProducer{}
	err := Multi{NewKafkaSink(failing), NewKafkaSink(ok)}.Emit(context.Background(), testReport())
	if err == nil || !strings.Contains(err.Error(), "broker down") {
		t.Errorf("expected joined error, got %v", err)
	}
	if len(ok.events) != 1 {
		t.Errorf("expected the second sink to run, got %d events", len(ok.events))
	}
}
