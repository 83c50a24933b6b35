package circuitfit

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/stintlab/driveriq/internal/types"
)

// GlobalFallbackReason is reported whenever a prediction had to use the pooled
// model because the requested track has no usable profile.
const GlobalFallbackReason = "no track-specific data; using global model"

// Prediction is an expected finishing outcome for a driver at a track, with a
// t-distribution uncertainty band. Lower expected values are better.
type Prediction struct {
	DriverID   string               `json:"driver_id"`
	TrackKey   string               `json:"track_key"`
	Expected   float64              `json:"expected"`
	Lower      float64              `json:"lower"`
	Upper      float64              `json:"upper"`
	UsedGlobal bool                 `json:"used_global"`
	Reason     string               `json:"reason,omitempty"`
	Confidence types.ConfidenceFlag `json:"confidence"`
}

// Predictor combines driver factor scores with track-specific regression
// coefficients. Pure and stateless over a published snapshot.
type Predictor struct {
	MinTrackSample  int
	ConfidenceLevel float64 // e.g. 0.95 for a 95% band
}

func NewPredictor(minTrackSample int) *Predictor {
	return &Predictor{MinTrackSample: minTrackSample, ConfidenceLevel: 0.95}
}

// Predict picks the track's demand profile, falling back explicitly to the
// global profile when the track has none or its sample is below the minimum.
// The fallback is flagged on the result, never silent.
func (p *Predictor) Predict(driver types.DriverProfile, trackKey string,
	profiles map[string]types.TrackDemandProfile, global types.TrackDemandProfile) (Prediction, error) {
	if len(global.Coefficients) == 0 {
		return Prediction{}, fmt.Errorf("no global demand profile available")
	}

	profile, usedGlobal, reason := p.selectProfile(trackKey, profiles, global)

	expected := profile.Intercept
	for fid, coef := range profile.Coefficients {
		if z, ok := driver.FactorZ[fid]; ok && !math.IsNaN(z) {
			expected += coef * z
		}
	}

	half := p.halfWidth(profile)

	return Prediction{
		DriverID:   driver.DriverID,
		TrackKey:   trackKey,
		Expected:   expected,
		Lower:      expected - half,
		Upper:      expected + half,
		UsedGlobal: usedGlobal,
		Reason:     reason,
		Confidence: profile.Confidence,
	}, nil
}

func (p *Predictor) selectProfile(trackKey string, profiles map[string]types.TrackDemandProfile,
	global types.TrackDemandProfile) (types.TrackDemandProfile, bool, string) {
	profile, ok := profiles[trackKey]
	if !ok {
		return global, true, GlobalFallbackReason
	}
	if profile.SampleSize < p.MinTrackSample {
		return global, true, fmt.Sprintf("track sample %d below minimum %d; using global model",
			profile.SampleSize, p.MinTrackSample)
	}
	return profile, false, ""
}

// halfWidth derives the prediction band from the profile's residual standard
// error and sample size using a Student's t quantile.
func (p *Predictor) halfWidth(profile types.TrackDemandProfile) float64 {
	n := profile.SampleSize
	k := len(profile.Coefficients)
	df := n - k - 1
	if df < 1 {
		df = 1
	}
	level := p.ConfidenceLevel
	if level <= 0 || level >= 1 {
		level = 0.95
	}
	t := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(df)}
	q := t.Quantile(1 - (1-level)/2)
	return q * profile.ResidualSE * math.Sqrt(1+1/float64(maxInt(n, 1)))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
