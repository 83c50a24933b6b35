package pipeline

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stintlab/driveriq/internal/factor"
	"github.com/stintlab/driveriq/internal/regression"
	"github.com/stintlab/driveriq/internal/scoring"
	"github.com/stintlab/driveriq/internal/snapshot"
	"github.com/stintlab/driveriq/internal/types"
	"github.com/stintlab/driveriq/pkg/config"
)

// SnapshotStore is the persistence collaborator. A nil store skips
// persistence; the registry still serves the published snapshot.
type SnapshotStore interface {
	Create(ctx context.Context, snap *types.ModelSnapshot) error
}

// Inputs is an immutable materialized snapshot of upstream data. Nothing else
// is read during a run, so the run sees a consistent view from start to finish.
type Inputs struct {
	Records  []types.FeatureRecord
	Outcomes []types.RaceOutcome

	// HoldoutDrivers reserves drivers for the reflection proxy. Empty means
	// a deterministic default split is used.
	HoldoutDrivers map[string]bool
}

// Pipeline orchestrates a full retraining run: extraction, regression,
// track profiles, validation and atomic publish. A DataQualityError aborts
// the run and the previously published snapshot stays authoritative.
type Pipeline struct {
	cfg       *config.Config
	log       *logrus.Logger
	extractor *factor.Extractor
	regressor *regression.Regressor
	registry  *snapshot.Registry
	store     SnapshotStore
}

func New(cfg *config.Config, log *logrus.Logger, registry *snapshot.Registry, store SnapshotStore) *Pipeline {
	return &Pipeline{
		cfg: cfg,
		log: log,
		extractor: factor.NewExtractor(factor.Config{
			MinCompleteness:    cfg.MinFeatureCompleteness,
			BartlettAlpha:      cfg.BartlettAlpha,
			MinKMO:             cfg.MinKMO,
			MinEigenvalue:      cfg.MinEigenvalue,
			VarianceTarget:     cfg.VarianceTarget,
			MulticollinearityR: cfg.MulticollinearityR,
		}, log),
		regressor: regression.NewRegressor(regression.Config{
			CVGapThreshold: cfg.CVGapThreshold,
			MinTrackSample: cfg.MinTrackSample,
		}, log),
		registry: registry,
		store:    store,
	}
}

// Retrain runs the batch job under the configured wall-clock timeout and
// publishes the new snapshot only after full validation. Cancellation is
// honored at stage boundaries and between cross-validation folds.
func (p *Pipeline) Retrain(ctx context.Context, in Inputs) (*types.ModelSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.RetrainTimeout)
	defer cancel()

	runID := uuid.New().String()
	log := p.log.WithField("retrain_run_id", runID)
	log.WithFields(logrus.Fields{
		"feature_records": len(in.Records),
		"outcomes":        len(in.Outcomes),
	}).Info("Starting retraining run")

	matrix := factor.NewFeatureMatrix(in.Records)
	proxy := p.buildProxy(in)

	extraction, err := p.extractor.Extract(ctx, matrix, proxy)
	if err != nil {
		if types.IsDataQuality(err) {
			log.WithError(err).Error("Retraining aborted on data quality, last published snapshot stays active")
		}
		return nil, fmt.Errorf("factor extraction: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	factorIDs := make([]string, len(extraction.Definitions))
	for i, d := range extraction.Definitions {
		factorIDs[i] = d.FactorID
	}

	regObs := joinOutcomes(extraction.Observations, in.Outcomes)
	if len(regObs) < len(factorIDs)+2 {
		return nil, &types.DataQualityError{
			Check:     "completeness",
			Metric:    float64(len(regObs)),
			Threshold: float64(len(factorIDs) + 2),
			Reason:    "too few observations with outcomes to validate the model",
		}
	}

	fit, err := p.regressor.Fit(ctx, regObs, factorIDs)
	if err != nil {
		return nil, fmt.Errorf("outcome regression: %w", err)
	}

	profiles, global, err := p.regressor.FitTrackProfiles(ctx, regObs, factorIDs, fit)
	if err != nil {
		return nil, fmt.Errorf("track profile fitting: %w", err)
	}

	pool := scoring.BuildPool(extraction.Observations, factorIDs, in.Outcomes)

	version := uuid.New().String()
	weights := fit.Weights
	weights.ModelVersion = version

	snap := &types.ModelSnapshot{
		Version:       version,
		CreatedAt:     time.Now().UTC(),
		Factors:       extraction.Definitions,
		Weights:       weights,
		TrackProfiles: profiles,
		GlobalProfile: global,
		Pool:          pool,
		Observations:  extraction.Observations,
		Validation: types.ValidationReport{
			InSampleR2:  fit.InSampleR2,
			DriverCVR2:  fit.DriverCVR2,
			TrackCVR2:   fit.TrackCVR2,
			OverfitGap:  fit.OverfitGap,
			Confidence:  fit.Confidence,
			KMO:         extraction.KMO,
			BartlettP:   extraction.BartlettP,
			CumVariance: extraction.CumVariance,
			Warnings:    extraction.Warnings,
		},
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if p.store != nil {
		if err := p.store.Create(ctx, snap); err != nil {
			return nil, fmt.Errorf("persisting snapshot: %w", err)
		}
	}
	p.registry.Publish(snap)

	log.WithFields(logrus.Fields{
		"model_version": version,
		"confidence":    snap.Validation.Confidence,
	}).Info("Retraining run completed")

	return snap, nil
}

// buildProxy maps outcomes onto the record order as a higher-is-better proxy
// (negated finish position) restricted to held-out drivers. Extraction never
// sees outcomes; only the reflection step reads the proxy.
func (p *Pipeline) buildProxy(in Inputs) factor.ReflectionProxy {
	holdout := in.HoldoutDrivers
	if len(holdout) == 0 {
		holdout = defaultHoldout(in.Records)
	}

	outcomeByRace := make(map[string]float64, len(in.Outcomes))
	for _, o := range in.Outcomes {
		outcomeByRace[o.DriverID+"|"+o.RaceID] = o.FinishPosition
	}

	values := make([]float64, len(in.Records))
	mask := make([]bool, len(in.Records))
	for i, rec := range in.Records {
		values[i] = math.NaN()
		if !holdout[rec.DriverID] {
			continue
		}
		if fin, ok := outcomeByRace[rec.DriverID+"|"+rec.RaceID]; ok {
			values[i] = -fin
			mask[i] = true
		}
	}
	return factor.ReflectionProxy{Values: values, Holdout: mask}
}

// defaultHoldout reserves every fifth driver, sorted, so the split is
// deterministic across runs on the same input snapshot.
func defaultHoldout(records []types.FeatureRecord) map[string]bool {
	seen := make(map[string]bool)
	var drivers []string
	for _, r := range records {
		if !seen[r.DriverID] {
			seen[r.DriverID] = true
			drivers = append(drivers, r.DriverID)
		}
	}
	sort.Strings(drivers)
	holdout := make(map[string]bool)
	for i, d := range drivers {
		if i%5 == 0 {
			holdout[d] = true
		}
	}
	return holdout
}

func joinOutcomes(obs []types.ObservationScores, outcomes []types.RaceOutcome) []regression.Observation {
	outcomeByRace := make(map[string]float64, len(outcomes))
	for _, o := range outcomes {
		outcomeByRace[o.DriverID+"|"+o.RaceID] = o.FinishPosition
	}
	var joined []regression.Observation
	for _, ob := range obs {
		fin, ok := outcomeByRace[ob.DriverID+"|"+ob.RaceID]
		if !ok {
			continue
		}
		joined = append(joined, regression.Observation{
			DriverID: ob.DriverID,
			TrackID:  ob.TrackID,
			Z:        ob.ReflectedZ,
			Outcome:  fin,
		})
	}
	return joined
}
