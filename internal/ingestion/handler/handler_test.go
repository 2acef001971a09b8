package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion/pipeline"
	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion/report"
	apperrors "github.com/DanteTheCreator/real-estate-deployment/pkg/errors"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type fakeRunner struct {
	busy      bool
	triggered int
	cycles    int
	latest    *report.Report
}

func (f *fakeRunner) Source() string { return "myhome.ge" }

func (f *fakeRunner) RunCycle(ctx context.Context) (*report.Report, error) {
	if f.busy {
		return nil, apperrors.New(apperrors.ErrLocked, "a cycle is already running")
	}
	f.cycles++
	f.latest = testReport("run-sync")
	return f.latest, nil
}

func (f *fakeRunner) Trigger() error {
	if f.busy {
		return apperrors.New(apperrors.ErrLocked, "a cycle is already running")
	}
	f.triggered++
	return nil
}

func (f *fakeRunner) Latest() *report.Report { return f.latest }

type fakeHistory struct {
	source string
	limit  int
	err    error
}

func (f *fakeHistory) List(ctx context.Context, source string, limit int) ([]*report.Report, error) {
	f.source, f.limit = source, limit
	if f.err != nil {
		return nil, f.err
	}
	return []*report.Report{testReport("a"), testReport("b")}, nil
}

func testReport(runID string) *report.Report {
	return &report.Report{
		Metadata: report.Metadata{RunID: runID, Source: "myhome.ge"},
		Stats:    &pipeline.Stats{RunID: runID, New: 5},
	}
}

func serve(h *Handler, method, target, body string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	h.Register(mux, time.Second)
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

// ---------------------------------------------------------------------------
// Trigger
// ---------------------------------------------------------------------------

func TestTriggerRun(t *testing.T) {
	tests := []struct {
		name   string
		busy   bool
		body   string
		status int
	}{
		{"async empty body", false, "", http.StatusAccepted},
		{"async explicit", false, `{"wait": false}`, http.StatusAccepted},
		{"sync", false, `{"wait": true, "wait_seconds": 30}`, http.StatusOK},
		{"busy async", true, "", http.StatusConflict},
		{"busy sync", true, `{"wait": true}`, http.StatusConflict},
		{"bad json", false, `{"wait":`, http.StatusBadRequest},
		{"invalid wait", false, `{"wait_seconds": 10}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{busy: tt.busy}
			rec := serve(New(runner, nil), http.MethodPost, "/api/v1/runs", tt.body)
			if rec.Code != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestTriggerRunSyncReturnsReport(t *testing.T) {
	runner := &fakeRunner{}
	rec := serve(New(runner, nil), http.MethodPost, "/api/v1/runs", `{"wait": true}`)
	var got report.Report
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if got.Metadata.RunID != "run-sync" || runner.cycles != 1 {
		t.Errorf("expected the cycle's report, got %+v", got.Metadata)
	}
}

func TestTriggerRunValidationFields(t *testing.T) {
	rec := serve(New(&fakeRunner{}, nil), http.MethodPost, "/api/v1/runs", `{"wait": true, "wait_seconds": -3}`)
	var body struct {
		Fields map[string]string `json:"fields"`
	}
	json.NewDecoder(rec.Body).Decode(&body)
	if _, ok := body.Fields["wait_seconds"]; !ok {
		t.Errorf("expected wait_seconds field error, got %v", body.Fields)
	}
}

// ---------------------------------------------------------------------------
// Reports
// ---------------------------------------------------------------------------

func TestLatestReport(t *testing.T) {
	runner := &fakeRunner{}
	h := New(runner, nil)
	if rec := serve(h, http.MethodGet, "/api/v1/runs/latest", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 before any run, got %d", rec.Code)
	}
	runner.latest = testReport("latest")
	rec := serve(h, http.MethodGet, "/api/v1/runs/latest", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"latest"`) {
		t.Errorf("expected the latest report, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestListReports(t *testing.T) {
	history := &fakeHistory{}
	h := New(&fakeRunner{}, history)

	rec := serve(h, http.MethodGet, "/api/v1/reports?limit=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if history.limit != 5 || history.source != "myhome.ge" {
		t.Errorf("expected limit 5 for myhome.ge, got %d for %s", history.limit, history.source)
	}
	var body struct {
		Reports []report.Report `json:"reports"`
	}
	json.NewDecoder(rec.Body).Decode(&body)
	if len(body.Reports) != 2 {
		t.Errorf("expected 2 reports, got %d", len(body.Reports))
	}

	serve(h, http.MethodGet, "/api/v1/reports", "")
	if history.limit != defaultReportLimit {
		t.Errorf("expected default limit, got %d", history.limit)
	}

	for _, target := range []string{"/api/v1/reports?limit=abc", "/api/v1/reports?limit=0", "/api/v1/reports?limit=500"} {
		if rec := serve(h, http.MethodGet, target, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", target, rec.Code)
		}
	}

	history.err = errors.New("db down")
	if rec := serve(h, http.MethodGet, "/api/v1/reports", ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 on store failure, got %d", rec.Code)
	}
}

func TestListReportsWithoutHistory(t *testing.T) {
	rec := serve(New(&fakeRunner{}, nil), http.MethodGet, "/api/v1/reports", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}
