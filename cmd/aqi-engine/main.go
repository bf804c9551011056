package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/couchcryptid/air-quality-engine/internal/adapter/httpadapter"
	kafkaadapter "github.com/couchcryptid/air-quality-engine/internal/adapter/kafka"
	"github.com/couchcryptid/air-quality-engine/internal/adapter/mapbox"
	"github.com/couchcryptid/air-quality-engine/internal/alert"
	"github.com/couchcryptid/air-quality-engine/internal/config"
	"github.com/couchcryptid/air-quality-engine/internal/domain"
	"github.com/couchcryptid/air-quality-engine/internal/observability"
	"github.com/couchcryptid/air-quality-engine/internal/pipeline"
	"github.com/couchcryptid/air-quality-engine/internal/scheduler"
	"github.com/couchcryptid/air-quality-engine/internal/store"
	"github.com/joho/godotenv"
)

// engine bundles the domain components shared by the pipeline and the API.
type engine struct {
	fuser      *domain.Fuser
	classifier *domain.Classifier
	alerts     *alert.Engine
}

func main() {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	eng, err := buildEngine(cfg)
	if err != nil {
		logger.Error("failed to load standards", "error", err)
		os.Exit(1)
	}
	logger.Info("aqi standard loaded",
		"standard", eng.fuser.Calculator().Standard(),
		"categories", len(eng.classifier.Categories()),
		"alert_rules", len(eng.alerts.Rules()),
	)

	// Initialize geocoder (feature-flagged via MAPBOX_ENABLED / MAPBOX_TOKEN).
	var geocoder domain.Geocoder
	if cfg.MapboxEnabled {
		client := mapbox.NewClient(cfg.MapboxToken, cfg.MapboxTimeout, metrics, logger)
		geocoder = mapbox.NewCachedGeocoder(client, cfg.MapboxCacheSize, metrics)
		metrics.GeocodeEnabled.Set(1)
		logger.Info("mapbox geocoding enabled", "cache_size", cfg.MapboxCacheSize, "timeout", cfg.MapboxTimeout)
	} else {
		logger.Info("mapbox geocoding disabled")
	}

	observations := store.NewMemoryStore(cfg.StoreMaxHistory, cfg.StoreMaxAge)
	housekeeping := scheduler.New(observations, eng.alerts, cfg.PruneInterval, cfg.StoreMaxAge, logger, metrics)

	reader := kafkaadapter.NewReader(cfg, logger)
	writer := kafkaadapter.NewWriter(cfg, logger)
	assessor := pipeline.NewAssessor(eng.fuser, eng.classifier, eng.alerts, observations, geocoder, logger, metrics)

	p := pipeline.New(reader, assessor, writer, logger, metrics, cfg.BatchSize)

	srv := httpadapter.NewServer(cfg.HTTPAddr, p, &httpadapter.Services{
		Fuser:      eng.fuser,
		Classifier: eng.classifier,
		Alerts:     eng.alerts,
		Store:      observations,
		Metrics:    metrics,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := housekeeping.Start(); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start pipeline.
	go func() {
		if err := p.Run(ctx); err != nil {
			logger.Error("pipeline error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	housekeeping.Stop()
	if err := reader.Close(); err != nil {
		logger.Error("kafka reader close error", "error", err)
	}
	if err := writer.Close(); err != nil {
		logger.Error("kafka writer close error", "error", err)
	}

	logger.Info("shutdown complete")
}

func buildEngine(cfg *config.Config) (engine, error) {
	std, err := config.LoadStandard(cfg.StandardFile)
	if err != nil {
		return engine{}, err
	}
	rules, err := config.LoadRules(cfg.AlertRulesFile)
	if err != nil {
		return engine{}, err
	}

	calc, err := domain.NewCalculator(std.Standard)
	if err != nil {
		return engine{}, fmt.Errorf("build calculator: %w", err)
	}
	classifier, err := domain.NewClassifier(std.Categories)
	if err != nil {
		return engine{}, fmt.Errorf("build classifier: %w", err)
	}
	alerts, err := alert.NewEngine(rules, alert.WithClassifier(classifier))
	if err != nil {
		return engine{}, fmt.Errorf("build alert engine: %w", err)
	}

	fuser := domain.NewFuser(calc, domain.FusionPolicy{
		GroundMaxAge:   cfg.GroundMaxAge,
		BucketInterval: cfg.BucketInterval,
	})
	return engine{fuser: fuser, classifier: classifier, alerts: alerts}, nil
}
