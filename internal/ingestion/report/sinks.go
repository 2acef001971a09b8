package report

import (
	"context"
	"log/slog"

	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion"
	"github.com/DanteTheCreator/real-estate-deployment/pkg/kafka"
)

// LogSink emits the report as a single structured log line.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink logs through logger, or the default logger when nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "report")}
}

// Emit implements Sink.
func (l *LogSink) Emit(ctx context.Context, r *Report) error {
	s := r.Stats
	l.logger.InfoContext(ctx, "ingestion report",
		"run_id", r.Metadata.RunID,
		"source", r.Metadata.Source,
		"termination", r.Metadata.Termination,
		"duration_seconds", s.DurationSeconds,
		"fetched", s.Fetched,
		"new", s.New,
		"updated", s.Updated,
		"replaced", s.Replaced,
		"duplicates", s.Duplicates,
		"discarded", s.Discarded,
		"errors", s.Errors,
		"pages_failed", s.PagesFailed,
		"success_rate", r.Summary.SuccessRate,
		"requests_per_minute", r.Summary.RequestsPerMinute,
	)
	return nil
}

// Publisher is the part of kafka.Producer the Kafka sink uses.
type Publisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// KafkaSink publishes reports as ingestion.report events keyed by source.
type KafkaSink struct {
	producer Publisher
}

// NewKafkaSink creates a sink publishing through producer.
func NewKafkaSink(producer Publisher) *KafkaSink {
	return &KafkaSink{producer: producer}
}

// Emit implements Sink.
func (k *KafkaSink) Emit(ctx context.Context, r *Report) error {
	return k.producer.Publish(ctx, kafka.Event{
		Key:   r.Metadata.Source,
		Type:  ingestion.EventRunReport,
		Value: r,
	})
}
