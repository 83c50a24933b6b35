package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/stintlab/driveriq/internal/pipeline"
	"github.com/stintlab/driveriq/internal/snapshot"
	"github.com/stintlab/driveriq/internal/storage"
	"github.com/stintlab/driveriq/internal/types"
	"github.com/stintlab/driveriq/pkg/config"
	"github.com/stintlab/driveriq/pkg/logger"
)

func main() {
	featuresPath := flag.String("features", "features.json", "materialized feature matrix snapshot (JSON)")
	outcomesPath := flag.String("outcomes", "outcomes.json", "materialized race outcome snapshot (JSON)")
	schedule := flag.String("schedule", "", "cron expression; rerun retraining on this schedule instead of exiting")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.InitLogger("", cfg.IsDevelopment())

	var store pipeline.SnapshotStore
	if cfg.DatabaseURL != "" {
		st, err := storage.NewStore(cfg.DatabaseURL, cfg.IsDevelopment())
		if err != nil {
			log.WithError(err).Fatal("Failed to open snapshot store")
		}
		store = st
	} else {
		log.Warn("DATABASE_URL not set, snapshot will not be persisted")
	}

	registry := snapshot.NewRegistry(snapshot.Options{
		MinPoolSize:    cfg.MinPoolSize,
		MinTrackSample: cfg.MinTrackSample,
		SimilarTopN:    cfg.SimilarTopN,
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p := pipeline.New(cfg, log, registry, store)

	// Reload the materialized snapshots on every run so scheduled runs pick
	// up freshly materialized data.
	run := func() error {
		records, err := loadJSON[[]types.FeatureRecord](*featuresPath)
		if err != nil {
			return fmt.Errorf("loading feature snapshot: %w", err)
		}
		outcomes, err := loadJSON[[]types.RaceOutcome](*outcomesPath)
		if err != nil {
			return fmt.Errorf("loading outcome snapshot: %w", err)
		}
		snap, err := p.Retrain(ctx, pipeline.Inputs{
			Records:  records,
			Outcomes: outcomes,
		})
		if err != nil {
			return err
		}
		log.WithFields(logrus.Fields{
			"model_version": snap.Version,
			"factors":       len(snap.Factors),
			"pool_size":     len(snap.Pool),
			"in_sample_r2":  snap.Validation.InSampleR2,
			"driver_cv_r2":  snap.Validation.DriverCVR2,
			"confidence":    snap.Validation.Confidence,
		}).Info("New model snapshot published")
		return nil
	}

	if *schedule == "" {
		if err := run(); err != nil {
			if types.IsDataQuality(err) {
				log.WithError(err).Error("Retraining rejected, previous snapshot remains authoritative")
				os.Exit(2)
			}
			log.WithError(err).Fatal("Retraining failed")
		}
		return
	}

	c := cron.New()
	if _, err := c.AddFunc(*schedule, func() {
		if err := run(); err != nil {
			// A failed scheduled run keeps the last published snapshot and
			// waits for the next tick.
			log.WithError(err).Error("Scheduled retraining run failed, previous snapshot remains authoritative")
		}
	}); err != nil {
		log.WithError(err).Fatal("Invalid retraining schedule")
	}

	log.WithField("schedule", *schedule).Info("Starting scheduled retraining")
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	log.Info("Scheduler stopped")
}

func loadJSON[T any](path string) (T, error) {
	var out T
	data, err := os.ReadFile(path)
	if err != nil {
		return out, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return out, nil
}
