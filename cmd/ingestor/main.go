// Command ingestor runs the listing ingestion pipeline for one source.
//
// It fetches the source's listing pages, normalizes and deduplicates them,
// persists the result and emits a run report. With a schedule interval the
// process keeps running and also serves the operator API; otherwise it runs a
// single cycle and exits.
//
// Usage:
//
//	go run ./cmd/ingestor [-config configs/development.yaml] [-once] [-cleanup-only]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion/enrich"
	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion/handler"
	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion/normalizer"
	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion/pipeline"
	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion/publisher"
	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion/ratelimit"
	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion/report"
	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion/service"
	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion/source"
	"github.com/DanteTheCreator/real-estate-deployment/internal/storage"
	"github.com/DanteTheCreator/real-estate-deployment/internal/storage/memory"
	pgstore "github.com/DanteTheCreator/real-estate-deployment/internal/storage/postgres"
	"github.com/DanteTheCreator/real-estate-deployment/internal/storage/sqlite"
	"github.com/DanteTheCreator/real-estate-deployment/pkg/config"
	"github.com/DanteTheCreator/real-estate-deployment/pkg/health"
	"github.com/DanteTheCreator/real-estate-deployment/pkg/kafka"
	"github.com/DanteTheCreator/real-estate-deployment/pkg/logger"
	"github.com/DanteTheCreator/real-estate-deployment/pkg/metrics"
	"github.com/DanteTheCreator/real-estate-deployment/pkg/middleware"
	"github.com/DanteTheCreator/real-estate-deployment/pkg/postgres"
	"github.com/DanteTheCreator/real-estate-deployment/pkg/redis"
	"github.com/DanteTheCreator/real-estate-deployment/pkg/resilience"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	once := flag.Bool("once", false, "run a single cycle and exit, ignoring the schedule")
	cleanupOnly := flag.Bool("cleanup-only", false, "delete stale listings and exit")
	flag.Parse()
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting ingestor", "source", cfg.Source.Name, "store", cfg.Store.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *once, *cleanupOnly); err != nil {
		slog.Error("ingestor failed", "error", err)
		os.Exit(1)
	}
	slog.Info("ingestor stopped")
}

func run(ctx context.Context, cfg *config.Config, once, cleanupOnly bool) error {
	checker := health.NewChecker()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(nil)
		shutdown := metrics.StartServer(cfg.Metrics.Port, m, map[string]http.Handler{
			"/health/live":  checker.LiveHandler(),
			"/health/ready": checker.ReadyHandler(),
		})
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			shutdown(shutdownCtx)
		}()
	} else {
		m = metrics.NewNop()
	}

	var db *postgres.Client
	if cfg.Store.Driver == config.DriverPostgres || cfg.Report.Postgres {
		var err error
		db, err = postgres.New(cfg.Postgres)
		if err != nil {
			return fmt.Errorf("connecting to postgres: %w", err)
		}
		defer db.Close()
		slog.Info("connected to postgres")
		if err := pgstore.New(db).Migrate(ctx); err != nil {
			return err
		}
	}

	store, err := openStore(cfg, db)
	if err != nil {
		return err
	}
	defer store.Close()
	checker.Register("store", health.PingCheck(store.Ping, false))

	deps := pipeline.Deps{Store: store, Metrics: m}
	if cfg.Redis.Enabled {
		rc, err := redis.NewClient(cfg.Redis)
		if err != nil {
			// Runs proceed unlocked without Redis.
			slog.Warn("redis unavailable, running without run lock or cache invalidation", "error", err)
		} else {
			defer rc.Close()
			deps.Locker = rc
			if cfg.Pipeline.InvalidateCache {
				deps.Cache = rc
			}
			checker.Register("redis", health.PingCheck(rc.Ping, true))
		}
	}

	limiter := ratelimit.New(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Window)
	limiter.OnWait = func(d time.Duration) {
		m.RateLimiterWait.Observe(d.Seconds())
	}
	backoff := resilience.NewBackoff(cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay, cfg.Retry.MaxDelay, cfg.Retry.Multiplier)
	client := source.NewClient(cfg.Source, &http.Client{Timeout: cfg.Source.Timeout}, limiter, backoff, m)
	deps.Fetcher = client
	deps.Normalizer = normalizer.New(cfg.Normalize, cfg.Translation.DefaultLanguage)

	switch cfg.Pipeline.Enrichment {
	case config.EnrichmentInline:
		deps.Enricher = enrich.New(client, cfg.Translation, m)
	case config.EnrichmentAsync:
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.ListingsPersisted)
		defer producer.Close()
		deps.Publisher = publisher.New(producer)
		slog.Info("kafka producer initialized", "topic", producer.Topic())
	}

	orch := pipeline.New(cfg, deps)

	sinks := report.Multi{
		report.NewFileSink(cfg.Report.Dir, cfg.Report.Format),
		report.NewLogSink(slog.Default()),
	}
	if cfg.Report.Kafka {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.Reports)
		defer producer.Close()
		sinks = append(sinks, report.NewKafkaSink(producer))
	}
	var history handler.History
	if cfg.Report.Postgres {
		reports := report.NewStore(db)
		sinks = append(sinks, reports)
		history = reports
	}

	svc := service.New(cfg, orch, sinks)
	defer svc.Close()

	if cleanupOnly {
		return svc.Cleanup(ctx)
	}
	if once || cfg.Schedule.Interval <= 0 {
		_, err := svc.RunCycle(ctx)
		return err
	}

	h := handler.New(svc, history)
	mux := http.NewServeMux()
	h.Register(mux, cfg.Server.ReadTimeout)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      middleware.RequestID(middleware.Metrics(m)(mux)),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()
	go func() {
		slog.Info("operator api listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
		}
	}()

	svc.Schedule(ctx, cfg.Schedule.Interval)
	return nil
}

// openStore opens the configured listing store. The postgres store shares db,
// which is already migrated, and is not closed separately.
func openStore(cfg *config.Config, db *postgres.Client) (storage.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		return nopCloser{pgstore.New(db)}, nil
	case config.DriverSQLite:
		s, err := sqlite.Open(cfg.Store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		slog.Info("opened sqlite store", "path", cfg.Store.SQLitePath)
		return s, nil
	default:
		slog.Warn("using in-memory store, listings are lost on exit")
		return memory.New(), nil
	}
}

type nopCloser struct{ storage.Store }

func (nopCloser) Close() error { return nil }
