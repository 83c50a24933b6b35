package regression

import (
	"context"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"github.com/stintlab/driveriq/internal/types"
)

// Config holds the regression validation thresholds.
type Config struct {
	CVGapThreshold float64 // in-sample vs cross-validated R2 gap marking overfit
	MinTrackSample int     // observations a track needs for its own profile
}

// Observation pairs one (driver, race)'s reflected factor z-scores with its
// real outcome. Lower outcome is better.
type Observation struct {
	DriverID string
	TrackID  string
	Z        []float64
	Outcome  float64
}

// FitResult is the fitted global model plus its generalization metrics.
type FitResult struct {
	FactorIDs    []string
	Intercept    float64
	Coefficients []float64
	InSampleR2   float64
	DriverCVR2   float64 // leave-one-driver-out
	TrackCVR2    float64 // leave-one-track-out
	OverfitGap   float64
	ResidualSE   float64
	N            int
	Confidence   types.ConfidenceFlag
	Weights      types.WeightVector
}

// Regressor fits factor scores to race outcomes and produces the single
// source of truth for factor importance weights.
type Regressor struct {
	cfg Config
	log *logrus.Logger
}

func NewRegressor(cfg Config, log *logrus.Logger) *Regressor {
	return &Regressor{cfg: cfg, log: log}
}

// Fit runs OLS with grouped cross-validation. Folds hold out every race of one
// driver (or one track) at a time so correlated observations never leak into
// the training side. The context is checked between folds so a stale run can
// be abandoned cheaply.
func (r *Regressor) Fit(ctx context.Context, obs []Observation, factorIDs []string) (*FitResult, error) {
	k := len(factorIDs)
	n := len(obs)
	if n < k+2 {
		return nil, fmt.Errorf("need at least %d observations to fit %d factors, got %d", k+2, k, n)
	}

	r.log.WithFields(logrus.Fields{
		"observations": n,
		"factors":      k,
	}).Info("Fitting outcome regression")

	ols, err := fitOLS(obs)
	if err != nil {
		return nil, fmt.Errorf("global fit failed: %w", err)
	}

	driverCV, err := r.groupedCV(ctx, obs, byDriver)
	if err != nil {
		return nil, err
	}
	trackCV, err := r.groupedCV(ctx, obs, byTrack)
	if err != nil {
		return nil, err
	}

	gap := ols.r2 - driverCV
	confidence := types.ConfidenceNormal
	if math.IsNaN(driverCV) || gap > r.cfg.CVGapThreshold {
		confidence = types.ConfidenceLow
		r.log.WithFields(logrus.Fields{
			"in_sample_r2": ols.r2,
			"driver_cv_r2": driverCV,
			"gap":          gap,
		}).Warn("Cross-validation gap exceeds threshold, marking model low confidence")
	}

	weights, err := normalizeWeights(factorIDs, ols.coefs)
	if err != nil {
		return nil, err
	}
	weights.Confidence = confidence

	res := &FitResult{
		FactorIDs:    factorIDs,
		Intercept:    ols.intercept,
		Coefficients: ols.coefs,
		InSampleR2:   ols.r2,
		DriverCVR2:   driverCV,
		TrackCVR2:    trackCV,
		OverfitGap:   gap,
		ResidualSE:   ols.residualSE,
		N:            n,
		Confidence:   confidence,
		Weights:      weights,
	}

	r.log.WithFields(logrus.Fields{
		"in_sample_r2": res.InSampleR2,
		"driver_cv_r2": res.DriverCVR2,
		"track_cv_r2":  res.TrackCVR2,
		"confidence":   res.Confidence,
	}).Info("Outcome regression completed")

	return res, nil
}

type olsFit struct {
	intercept  float64
	coefs      []float64
	r2         float64
	residualSE float64
}

// fitOLS solves outcome ~ intercept + sum(coef_i * z_i) by least squares.
func fitOLS(obs []Observation) (*olsFit, error) {
	n := len(obs)
	if n == 0 {
		return nil, fmt.Errorf("no observations")
	}
	k := len(obs[0].Z)

	x := mat.NewDense(n, k+1, nil)
	y := mat.NewVecDense(n, nil)
	for i, o := range obs {
		x.Set(i, 0, 1)
		for j, z := range o.Z {
			x.Set(i, j+1, z)
		}
		y.SetVec(i, o.Outcome)
	}

	var beta mat.VecDense
	if err := beta.SolveVec(x, y); err != nil {
		return nil, fmt.Errorf("least squares solve failed: %w", err)
	}

	fit := &olsFit{
		intercept: beta.AtVec(0),
		coefs:     make([]float64, k),
	}
	for j := 0; j < k; j++ {
		fit.coefs[j] = beta.AtVec(j + 1)
	}

	mean := 0.0
	for _, o := range obs {
		mean += o.Outcome
	}
	mean /= float64(n)

	var sse, sst float64
	for _, o := range obs {
		pred := predict(fit.intercept, fit.coefs, o.Z)
		sse += (o.Outcome - pred) * (o.Outcome - pred)
		sst += (o.Outcome - mean) * (o.Outcome - mean)
	}
	if sst > 0 {
		fit.r2 = 1 - sse/sst
	}
	df := n - k - 1
	if df < 1 {
		df = 1
	}
	fit.residualSE = math.Sqrt(sse / float64(df))
	return fit, nil
}

func predict(intercept float64, coefs, z []float64) float64 {
	pred := intercept
	for j, c := range coefs {
		if j < len(z) {
			pred += c * z[j]
		}
	}
	return pred
}

// normalizeWeights converts coefficients to importance weights with sum of
// absolute weights equal to 1.
func normalizeWeights(factorIDs []string, coefs []float64) (types.WeightVector, error) {
	total := 0.0
	for _, c := range coefs {
		total += math.Abs(c)
	}
	if total == 0 {
		return types.WeightVector{}, fmt.Errorf("all regression coefficients are zero, cannot derive weights")
	}
	w := make(map[string]float64, len(factorIDs))
	for i, id := range factorIDs {
		w[id] = math.Abs(coefs[i]) / total
	}
	return types.WeightVector{Weights: w}, nil
}
