// Package handler exposes the operator HTTP surface of the ingestion
// service: trigger a run, read the latest report and the report history.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion/report"
	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion/validator"
	apperrors "github.com/DanteTheCreator/real-estate-deployment/pkg/errors"
	"github.com/DanteTheCreator/real-estate-deployment/pkg/logger"
	"github.com/DanteTheCreator/real-estate-deployment/pkg/middleware"
)

const (
	defaultReportLimit = 20
	writeGrace         = 10 * time.Second
)

// Runner starts ingestion cycles.
type Runner interface {
	Source() string
	RunCycle(ctx context.Context) (*report.Report, error)
	Trigger() error
	Latest() *report.Report
}

// History lists stored reports.
type History interface {
	List(ctx context.Context, source string, limit int) ([]*report.Report, error)
}

type Handler struct {
	runner  Runner
	history History
	logger  *slog.Logger
}

// New creates a handler. history may be nil, in which case the report
// history endpoint answers 404.
func New(runner Runner, history History) *Handler {
	return &Handler{
		runner:  runner,
		history: history,
		logger:  slog.Default().With("component", "ingestion-handler"),
	}
}

// Register mounts the operator routes on mux. Read routes are bounded by
// readTimeout when it is positive; a triggered run is bounded by its own
// wait window instead.
func (h *Handler) Register(mux *http.ServeMux, readTimeout time.Duration) {
	read := func(f http.HandlerFunc) http.Handler {
		if readTimeout <= 0 {
			return f
		}
		return middleware.Timeout(readTimeout)(f)
	}
	mux.HandleFunc("POST /api/v1/runs", h.TriggerRun)
	mux.Handle("GET /api/v1/runs/latest", read(h.LatestReport))
	mux.Handle("GET /api/v1/reports", read(h.ListReports))
}

func (h *Handler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	var req validator.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validator.ValidateRunRequest(&req); err != nil {
		var validationErr *validator.ValidationError
		if errors.As(err, &validationErr) {
			h.writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":  "validation failed",
				"fields": validationErr.Fields,
			})
			return
		}
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !req.Wait {
		if err := h.runner.Trigger(); err != nil {
			h.writeError(w, statusCode(err), err.Error())
			return
		}
		log.Info("ingestion run triggered", "source", h.runner.Source())
		h.writeJSON(w, http.StatusAccepted, map[string]string{
			"status": "started",
			"source": h.runner.Source(),
		})
		return
	}

	// The server's write timeout is sized for reads; a waited run outlives it.
	deadline := time.Time{}
	if req.WaitSeconds > 0 {
		wait := time.Duration(req.WaitSeconds) * time.Second
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
		deadline = time.Now().Add(wait + writeGrace)
	}
	if err := http.NewResponseController(w).SetWriteDeadline(deadline); err != nil && !errors.Is(err, http.ErrNotSupported) {
		log.Warn("could not extend write deadline", "error", err)
	}
	rep, err := h.runner.RunCycle(ctx)
	if err != nil {
		status := statusCode(err)
		log.Error("ingestion run failed", "error", err, "status_code", status)
		h.writeError(w, status, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) LatestReport(w http.ResponseWriter, r *http.Request) {
	rep := h.runner.Latest()
	if rep == nil {
		h.writeError(w, http.StatusNotFound, "no completed run yet")
		return
	}
	h.writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) ListReports(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.writeError(w, http.StatusNotFound, "report history is not enabled")
		return
	}
	limit := defaultReportLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}
	if err := validator.ValidateReportLimit(limit); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	reports, err := h.history.List(r.Context(), h.runner.Source(), limit)
	if err != nil {
		h.logger.Error("listing reports failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "listing reports failed")
		return
	}
	if reports == nil {
		reports = []*report.Report{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrLocked):
		return http.StatusConflict
	case errors.Is(err, apperrors.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
