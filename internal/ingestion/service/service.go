// Package service runs ingestion cycles: an orchestrator run, the optional
// retention cleanup and the report. Cycles are started by the scheduler or by
// an operator, and never overlap within a process.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion/pipeline"
	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion/report"
	"github.com/DanteTheCreator/real-estate-deployment/pkg/config"
	apperrors "github.com/DanteTheCreator/real-estate-deployment/pkg/errors"
)

// Service owns the cycle lifecycle of one source.
type Service struct {
	cfg  *config.Config
	orch *pipeline.Orchestrator
	sink report.Sink
	now  func() time.Time

	// ctx bounds cycles started with Trigger; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
	latest  *report.Report

	logger *slog.Logger
}

// New creates a service. sink may be nil.
func New(cfg *config.Config, orch *pipeline.Orchestrator, sink report.Sink) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:    cfg,
		orch:   orch,
		sink:   sink,
		now:    func() time.Time { return time.Now().UTC() },
		ctx:    ctx,
		cancel: cancel,
		logger: slog.Default().With("component", "ingestion-service", "source", orch.Source()),
	}
}

// Source returns the source the service ingests.
func (s *Service) Source() string {
	return s.orch.Source()
}

// RunCycle runs one cycle synchronously. It returns ErrLocked when a cycle is
// already running in this process or another process holds the source lock.
func (s *Service) RunCycle(ctx context.Context) (*report.Report, error) {
	if !s.begin() {
		return nil, apperrors.New(apperrors.ErrLocked, "a cycle is already running")
	}
	defer s.end()
	return s.cycle(ctx)
}

// cycle runs one cycle. The caller holds the running slot.
func (s *Service) cycle(ctx context.Context) (*report.Report, error) {
	stats, err := s.orch.Run(ctx)
	if err != nil {
		return nil, err
	}
	if s.cfg.Retention.CleanupAfterRun && ctx.Err() == nil {
		res, err := s.orch.Cleanup(ctx)
		if err != nil {
			s.logger.Error("retention cleanup failed", "error", err)
		}
		stats.Cleanup = &res
	}

	rep := report.Build(stats, s.cfg, s.now())
	if s.sink != nil {
		if err := s.sink.Emit(context.WithoutCancel(ctx), rep); err != nil {
			s.logger.Warn("report not delivered to every sink", "run_id", stats.RunID, "error", err)
		}
	}
	s.mu.Lock()
	s.latest = rep
	s.mu.Unlock()
	return rep, nil
}

// Cleanup runs retention cleanup on its own.
func (s *Service) Cleanup(ctx context.Context) error {
	if !s.begin() {
		return apperrors.New(apperrors.ErrLocked, "a cycle is already running")
	}
	defer s.end()
	_, err := s.orch.Cleanup(ctx)
	return err
}

// Trigger starts a cycle in the background. It returns ErrLocked when one is
// already running. The running slot is taken before Trigger returns.
func (s *Service) Trigger() error {
	if !s.begin() {
		return apperrors.New(apperrors.ErrLocked, "a cycle is already running")
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.end()
		if _, err := s.cycle(s.ctx); err != nil {
			s.logger.Warn("triggered cycle did not run", "error", err)
		}
	}()
	return nil
}

// Latest returns the report of the most recent completed cycle, or nil.
func (s *Service) Latest() *report.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// Running reports whether a cycle is in progress.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Schedule runs a cycle immediately and then every interval until ctx is
// cancelled. A tick that finds a cycle still running is skipped.
func (s *Service) Schedule(ctx context.Context, interval time.Duration) {
	s.logger.Info("scheduler started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.RunCycle(ctx); err != nil {
			s.logger.Warn("scheduled cycle skipped", "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// Close cancels background cycles and waits for them to return.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Service) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *Service) end() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}
