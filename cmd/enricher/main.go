// Command enricher consumes listing.persisted events and adds
// secondary-language text to the stored listings. It is the worker side of
// the async enrichment mode.
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
	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion/ratelimit"
	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion/source"
	pgstore "github.com/DanteTheCreator/real-estate-deployment/internal/storage/postgres"
	"github.com/DanteTheCreator/real-estate-deployment/internal/storage/sqlite"
	"github.com/DanteTheCreator/real-estate-deployment/pkg/config"
	"github.com/DanteTheCreator/real-estate-deployment/pkg/kafka"
	"github.com/DanteTheCreator/real-estate-deployment/pkg/logger"
	"github.com/DanteTheCreator/real-estate-deployment/pkg/metrics"
	"github.com/DanteTheCreator/real-estate-deployment/pkg/postgres"
	"github.com/DanteTheCreator/real-estate-deployment/pkg/resilience"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting enricher", "languages", cfg.Translation.SecondaryLanguages())

	var store enrich.Store
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		db, err := postgres.New(cfg.Postgres)
		if err != nil {
			slog.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		store = pgstore.New(db)
	case config.DriverSQLite:
		s, err := sqlite.Open(cfg.Store.SQLitePath)
		if err != nil {
			slog.Error("failed to open sqlite store", "error", err)
			os.Exit(1)
		}
		defer s.Close()
		store = s
	default:
		slog.Error("the enricher needs a shared store", "driver", cfg.Store.Driver)
		os.Exit(1)
	}

	m := metrics.NewNop()
	if cfg.Metrics.Enabled {
		m = metrics.New(nil)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		shutdown := metrics.StartServer(cfg.Metrics.Port, m, nil)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			shutdown(shutdownCtx)
		}()
	}

	limiter := ratelimit.New(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Window)
	limiter.OnWait = func(d time.Duration) {
		m.RateLimiterWait.Observe(d.Seconds())
	}
	backoff := resilience.NewBackoff(cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay, cfg.Retry.MaxDelay, cfg.Retry.Multiplier)
	client := source.NewClient(cfg.Source, &http.Client{Timeout: cfg.Source.Timeout}, limiter, backoff, m)
	enricher := enrich.New(client, cfg.Translation, m)

	consumer := kafka.NewConsumer(
		cfg.Kafka,
		cfg.Kafka.Topics.ListingsPersisted,
		enrich.HandleMessage(enricher, store),
	)
	slog.Info("enricher ready, consuming from kafka",
		"topic", cfg.Kafka.Topics.ListingsPersisted,
		"group", cfg.Kafka.ConsumerGroup,
	)
	if err := consumer.Start(ctx); err != nil {
		slog.Error("consumer error", "error", err)
	}
	slog.Info("enricher stopped")
}
