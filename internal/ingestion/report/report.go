// Package report turns the statistics of an ingestion run into an operator
// report and ships it to the configured sinks: files, the log, Kafka and a
// PostgreSQL snapshot table.
package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion/pipeline"
	"github.com/DanteTheCreator/real-estate-deployment/pkg/config"
)

// Metadata identifies the run a report describes.
type Metadata struct {
	RunID       string    `json:"run_id"`
	Source      string    `json:"source"`
	GeneratedAt time.Time `json:"generated_at"`
	Termination string    `json:"termination"`
}

// ConfigSnapshot records the knobs the run was executed with.
type ConfigSnapshot struct {
	Workers           int      `json:"workers"`
	BatchSize         int      `json:"batch_size"`
	Enrichment        string   `json:"enrichment"`
	EnableDedup       bool     `json:"enable_dedup"`
	OwnerPriority     bool     `json:"owner_priority"`
	PageSize          int      `json:"page_size"`
	MaxPages          int      `json:"max_pages"`
	MaxRecords        int      `json:"max_records"`
	RequestsPerMinute int      `json:"requests_per_minute"`
	MaxRetries        int      `json:"max_retries"`
	RetentionDays     int      `json:"retention_days"`
	Languages         []string `json:"languages"`
	StoreDriver       string   `json:"store_driver"`
}

// Summary holds derived rates.
type Summary struct {
	SuccessRate       float64 `json:"success_rate"`
	DuplicateRate     float64 `json:"duplicate_rate"`
	RequestsPerMinute float64 `json:"requests_per_minute"`
	// SecondsPerRecord is the average wall time spent per fetched listing.
	SecondsPerRecord float64 `json:"seconds_per_record"`
}

// Report is the structured record emitted once per run.
type Report struct {
	Metadata Metadata        `json:"metadata"`
	Config   ConfigSnapshot  `json:"config"`
	Stats    *pipeline.Stats `json:"stats"`
	Summary  Summary         `json:"summary"`
}

// Build assembles the report for stats.
func Build(stats *pipeline.Stats, cfg *config.Config, at time.Time) *Report {
	return &Report{
		Metadata: Metadata{
			RunID:       stats.RunID,
			Source:      stats.Source,
			GeneratedAt: at,
			Termination: stats.Termination,
		},
		Config: ConfigSnapshot{
			Workers:           cfg.Pipeline.Workers,
			BatchSize:         cfg.Pipeline.BatchSize,
			Enrichment:        cfg.Pipeline.Enrichment,
			EnableDedup:       cfg.Pipeline.EnableDedup,
			OwnerPriority:     cfg.Pipeline.OwnerPriority,
			PageSize:          cfg.Source.PageSize,
			MaxPages:          cfg.Source.MaxPages,
			MaxRecords:        cfg.Source.MaxRecords,
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			MaxRetries:        cfg.Retry.MaxAttempts,
			RetentionDays:     cfg.Retention.Days,
			Languages:         cfg.Translation.Languages,
			StoreDriver:       cfg.Store.Driver,
		},
		Stats:   stats,
		Summary: summarize(stats),
	}
}

func summarize(s *pipeline.Stats) Summary {
	out := Summary{SuccessRate: s.SuccessRate()}
	if n := s.Processed(); n > 0 {
		out.DuplicateRate = float64(s.Duplicates) / float64(n)
	}
	if s.DurationSeconds > 0 {
		out.RequestsPerMinute = float64(s.APICalls) / (s.DurationSeconds / 60)
		if s.Fetched > 0 {
			out.SecondsPerRecord = s.DurationSeconds / float64(s.Fetched)
		}
	}
	return out
}

// Sink receives finished reports.
type Sink interface {
	Emit(ctx context.Context, r *Report) error
}

// Multi fans a report out to several sinks. Every sink is attempted; the
// failures are joined.
type Multi []Sink

// Emit implements Sink.
func (m Multi) Emit(ctx context.Context, r *Report) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", s, err))
		}
	}
	return errors.Join(errs...)
}
