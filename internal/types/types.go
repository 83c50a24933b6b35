package types

import (
	"sort"
	"time"
)

// ConfidenceFlag marks how much trust downstream consumers should place in a value.
// Low confidence is always propagated, never hidden.
type ConfidenceFlag string

const (
	ConfidenceNormal ConfidenceFlag = "normal"
	ConfidenceLow    ConfidenceFlag = "low"
)

// Scope distinguishes single-race scores from season aggregates.
type Scope string

const (
	ScopeRace   Scope = "race"
	ScopeSeason Scope = "season"
)

// FeatureRecord holds the engineered features for one (driver, race) observation,
// as supplied by the upstream feature builder. Missing values are NaN.
type FeatureRecord struct {
	DriverID  string             `json:"driver_id"`
	RaceID    string             `json:"race_id"`
	TrackID   string             `json:"track_id"`
	Features  map[string]float64 `json:"features"`
	ValidLaps int                `json:"valid_laps"`
}

// RaceOutcome is a real finishing result for one (driver, race). Lower is better.
type RaceOutcome struct {
	DriverID       string  `json:"driver_id"`
	RaceID         string  `json:"race_id"`
	TrackID        string  `json:"track_id"`
	FinishPosition float64 `json:"finish_position"`
}

// FactorDefinition is one latent factor from a retraining run. Definitions are
// versioned with their snapshot and never mutated; a later run supersedes them.
type FactorDefinition struct {
	FactorID          string    `json:"factor_id"`
	Name              string    `json:"name"`
	Features          []string  `json:"features"`
	Loadings          []float64 `json:"loadings"`
	ReflectionSign    float64   `json:"reflection_sign"` // +1 or -1, fixed at training time
	Eigenvalue        float64   `json:"eigenvalue"`
	VarianceExplained float64   `json:"variance_explained"`
}

// ObservationScores holds one observation's reflected factor z-scores, ordered
// to match the snapshot's FactorDefinition slice.
type ObservationScores struct {
	DriverID   string    `json:"driver_id"`
	RaceID     string    `json:"race_id"`
	TrackID    string    `json:"track_id"`
	ValidLaps  int       `json:"valid_laps"`
	ReflectedZ []float64 `json:"reflected_z"`
}

// FactorScore is a driver's pool-relative standing on one factor.
type FactorScore struct {
	DriverID   string         `json:"driver_id"`
	Scope      Scope          `json:"scope"`
	FactorID   string         `json:"factor_id"`
	RawZ       float64        `json:"raw_zscore"`
	ReflectedZ float64        `json:"reflected_zscore"`
	Percentile float64        `json:"percentile"`
	PoolSize   int            `json:"pool_size_at_computation"`
	Confidence ConfidenceFlag `json:"confidence"`
}

// WeightVector maps factor IDs to outcome-validated importance weights.
// Invariant: the absolute weights sum to 1.
type WeightVector struct {
	ModelVersion string             `json:"model_version"`
	Weights      map[string]float64 `json:"weights"`
	Confidence   ConfidenceFlag     `json:"confidence"`
}

// FactorIDs returns the weighted factor IDs sorted. Every consumer folds the
// weights in this fixed order, so recomputing a score from the same snapshot
// reproduces the identical float instead of drifting with map iteration order.
func (w WeightVector) FactorIDs() []string {
	ids := make([]string, 0, len(w.Weights))
	for fid := range w.Weights {
		ids = append(ids, fid)
	}
	sort.Strings(ids)
	return ids
}

// CompositeScore is the single 0-100 summary of a driver, reproducible from
// its FactorScore and WeightVector inputs.
type CompositeScore struct {
	DriverID   string         `json:"driver_id"`
	Scope      Scope          `json:"scope"`
	Value      float64        `json:"value"`
	PoolSize   int            `json:"pool_size"`
	Confidence ConfidenceFlag `json:"confidence"`
}

// TrackDemandProfile holds the track-specific regression used for circuit fit.
// TrackKey is a track ID or track-class label; the empty key is the global model.
type TrackDemandProfile struct {
	TrackKey     string             `json:"track_key"`
	Intercept    float64            `json:"intercept"`
	Coefficients map[string]float64 `json:"coefficients"`
	SampleSize   int                `json:"sample_size"`
	InSampleR2   float64            `json:"in_sample_r2"`
	CrossValR2   float64            `json:"cross_val_r2"`
	ResidualSE   float64            `json:"residual_se"`
	Confidence   ConfidenceFlag     `json:"confidence_flag"`
}

// SimilarityRecommendation is one improvement target: a peer with a close
// profile and a strictly better outcome.
type SimilarityRecommendation struct {
	SourceDriverID    string  `json:"source_driver_id"`
	CandidateDriverID string  `json:"candidate_driver_id"`
	Distance          float64 `json:"distance"`
	MatchScore        float64 `json:"match_score"`
	OutcomeGap        float64 `json:"outcome_gap"`
}

// DriverProfile is a driver's season-aggregated position in factor space,
// plus the outcome metric used for eligibility filtering.
type DriverProfile struct {
	DriverID   string             `json:"driver_id"`
	FactorZ    map[string]float64 `json:"factor_z"`
	Outcome    float64            `json:"outcome"` // average finish, lower is better
	HasOutcome bool               `json:"has_outcome"`
	RaceCount  int                `json:"race_count"`
	TotalLaps  int                `json:"total_laps"`
}

// ValidationReport summarizes how well a retraining run generalized.
type ValidationReport struct {
	InSampleR2  float64        `json:"in_sample_r2"`
	DriverCVR2  float64        `json:"driver_cv_r2"`
	TrackCVR2   float64        `json:"track_cv_r2"`
	OverfitGap  float64        `json:"overfit_gap"`
	Confidence  ConfidenceFlag `json:"confidence"`
	KMO         float64        `json:"kmo"`
	BartlettP   float64        `json:"bartlett_p"`
	CumVariance float64        `json:"cumulative_variance"`
	Warnings    []string       `json:"warnings,omitempty"`
}

// ModelSnapshot is one fully-validated, immutable model version. Readers bind
// to a snapshot at query start; a new version replaces it atomically.
type ModelSnapshot struct {
	Version       string                        `json:"version"`
	CreatedAt     time.Time                     `json:"created_at"`
	Factors       []FactorDefinition            `json:"factors"`
	Weights       WeightVector                  `json:"weights"`
	TrackProfiles map[string]TrackDemandProfile `json:"track_profiles"`
	GlobalProfile TrackDemandProfile            `json:"global_profile"`
	Pool          []DriverProfile               `json:"pool"`
	Observations  []ObservationScores           `json:"observations"`
	Validation    ValidationReport              `json:"validation"`
}

// FactorIDs returns the snapshot's factor IDs in definition order.
func (s *ModelSnapshot) FactorIDs() []string {
	ids := make([]string, len(s.Factors))
	for i, f := range s.Factors {
		ids[i] = f.FactorID
	}
	return ids
}

// Driver returns the pool entry for a driver, if present.
func (s *ModelSnapshot) Driver(driverID string) (DriverProfile, bool) {
	for _, d := range s.Pool {
		if d.DriverID == driverID {
			return d, true
		}
	}
	return DriverProfile{}, false
}
