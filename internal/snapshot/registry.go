package snapshot

import (
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/stintlab/driveriq/internal/circuitfit"
	"github.com/stintlab/driveriq/internal/scoring"
	"github.com/stintlab/driveriq/internal/similarity"
	"github.com/stintlab/driveriq/internal/types"
)

// ErrNoSnapshot is returned before the first model version is published.
var ErrNoSnapshot = fmt.Errorf("no model snapshot published yet")

// Registry holds the currently published model snapshot. Publishing is a
// single atomic pointer swap, so concurrent readers always see either the
// fully-old or fully-new version, never a mix of old loadings with new
// weights. All query methods bind to one snapshot at entry and stay on it.
type Registry struct {
	current     atomic.Pointer[types.ModelSnapshot]
	normalizer  *scoring.Normalizer
	predictor   *circuitfit.Predictor
	recommender *similarity.Recommender
	defaultTopN int
	log         *logrus.Logger
}

// Options configures the serving-side thresholds.
type Options struct {
	MinPoolSize    int
	MinTrackSample int
	SimilarTopN    int
}

func NewRegistry(opts Options, log *logrus.Logger) *Registry {
	return &Registry{
		normalizer:  scoring.NewNormalizer(opts.MinPoolSize),
		predictor:   circuitfit.NewPredictor(opts.MinTrackSample),
		recommender: similarity.NewRecommender(opts.MinPoolSize, log),
		defaultTopN: opts.SimilarTopN,
		log:         log,
	}
}

// Publish atomically replaces the current snapshot. Callers must only publish
// fully-validated snapshots; a failed retraining run never reaches here.
func (r *Registry) Publish(s *types.ModelSnapshot) {
	r.current.Store(s)
	r.log.WithFields(logrus.Fields{
		"model_version": s.Version,
		"factors":       len(s.Factors),
		"pool_size":     len(s.Pool),
		"confidence":    s.Validation.Confidence,
	}).Info("Published model snapshot")
}

// Current returns the published snapshot, if any.
func (r *Registry) Current() (*types.ModelSnapshot, bool) {
	s := r.current.Load()
	return s, s != nil
}

// DriverFactorScores returns the driver's pool-relative percentile standing
// on every factor of the current snapshot.
func (r *Registry) DriverFactorScores(driverID string) ([]types.FactorScore, error) {
	s, ok := r.Current()
	if !ok {
		return nil, ErrNoSnapshot
	}
	return r.normalizer.FactorScores(s.Pool, driverID, s.Factors)
}

// DriverRaceFactorScores returns the driver's race-scope standing for one
// race, ranked against every race performance in the snapshot.
func (r *Registry) DriverRaceFactorScores(driverID, raceID string) ([]types.FactorScore, error) {
	s, ok := r.Current()
	if !ok {
		return nil, ErrNoSnapshot
	}
	return r.normalizer.RaceFactorScores(s.Observations, driverID, raceID, s.Factors)
}

// DriverComposite returns the driver's weighted 0-100 composite score.
func (r *Registry) DriverComposite(driverID string) (types.CompositeScore, error) {
	s, ok := r.Current()
	if !ok {
		return types.CompositeScore{}, ErrNoSnapshot
	}
	return r.normalizer.Composite(s.Pool, driverID, s.Weights)
}

// CircuitFit predicts the driver's expected outcome at a track, with the
// global-model fallback flagged explicitly when the track has no profile.
func (r *Registry) CircuitFit(driverID, trackKey string) (circuitfit.Prediction, error) {
	s, ok := r.Current()
	if !ok {
		return circuitfit.Prediction{}, ErrNoSnapshot
	}
	driver, found := s.Driver(driverID)
	if !found {
		return circuitfit.Prediction{}, fmt.Errorf("driver %q not in pool", driverID)
	}
	return r.predictor.Predict(driver, trackKey, s.TrackProfiles, s.GlobalProfile)
}

// SimilarDrivers returns ranked improvement targets for the driver, or the
// explicit no-better-peer result.
func (r *Registry) SimilarDrivers(driverID string, topN int) (*similarity.Result, error) {
	s, ok := r.Current()
	if !ok {
		return nil, ErrNoSnapshot
	}
	target, found := s.Driver(driverID)
	if !found {
		return nil, fmt.Errorf("driver %q not in pool", driverID)
	}
	if topN <= 0 {
		topN = r.defaultTopN
	}
	return r.recommender.Recommend(similarity.Query{
		Target:  target,
		Pool:    s.Pool,
		Weights: s.Weights,
		TopN:    topN,
	})
}
