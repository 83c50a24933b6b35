package factor

import (
	"context"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/stintlab/driveriq/internal/types"
)

// Config holds the extraction thresholds. All values come from application
// config so every documented cutoff lives in one place.
type Config struct {
	MinCompleteness    float64 // features below this are excluded, never imputed
	BartlettAlpha      float64 // sphericity p-value must be below this
	MinKMO             float64 // sampling adequacy floor
	MinEigenvalue      float64 // Kaiser retention criterion
	VarianceTarget     float64 // stop retaining once cumulative variance reaches this
	MulticollinearityR float64 // |r| between factor scores that triggers a warning
}

// ReflectionProxy supplies a higher-is-better outcome proxy for the held-out
// observations used to fix reflection signs. The eigendecomposition never sees
// these values; only the sign-correction step does.
type ReflectionProxy struct {
	Values  []float64 // aligned with the matrix records, NaN where unavailable
	Holdout []bool    // true for observations reserved for reflection
}

// Result is the output of one extraction run.
type Result struct {
	Definitions  []types.FactorDefinition
	Observations []types.ObservationScores
	KMO          float64
	BartlettP    float64
	CumVariance  float64
	Warnings     []string
	Dropped      []string // features excluded for low completeness or zero variance
	ImputedCells int
}

// Extractor reduces the feature matrix to a small set of latent factors with
// stable, sign-corrected scores.
type Extractor struct {
	cfg Config
	log *logrus.Logger
}

func NewExtractor(cfg Config, log *logrus.Logger) *Extractor {
	return &Extractor{cfg: cfg, log: log}
}

// Extract validates sampling adequacy, runs PCA on the correlation matrix,
// applies Kaiser retention and persists reflection signs from the held-out
// proxy. A DataQualityError aborts the run; the caller keeps the previously
// published model.
func (e *Extractor) Extract(ctx context.Context, m *FeatureMatrix, proxy ReflectionProxy) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n := len(m.Records)
	e.log.WithFields(logrus.Fields{
		"observations": n,
		"features":     len(m.Names),
	}).Info("Starting factor extraction")

	res := &Result{}

	kept, dropped := e.selectFeatures(m)
	res.Dropped = dropped
	if len(kept) < 2 {
		return nil, &types.DataQualityError{
			Check:     "completeness",
			Metric:    float64(len(kept)),
			Threshold: 2,
			Reason:    "fewer than two features meet the completeness threshold",
		}
	}
	p := len(kept)
	if n <= p+1 {
		return nil, &types.DataQualityError{
			Check:     "degenerate",
			Metric:    float64(n),
			Threshold: float64(p + 2),
			Reason:    "not enough observations for the number of features",
		}
	}

	x, imputed := e.standardize(m, kept)
	res.ImputedCells = imputed
	if imputed > 0 {
		e.log.WithField("imputed_cells", imputed).Warn("Mean-imputed missing values in retained features")
	}

	corr := mat.NewSymDense(p, nil)
	stat.CorrelationMatrix(corr, x, nil)

	res.BartlettP = bartlettSphericity(corr, n)
	if res.BartlettP >= e.cfg.BartlettAlpha {
		return nil, &types.DataQualityError{
			Check:     "bartlett",
			Metric:    res.BartlettP,
			Threshold: e.cfg.BartlettAlpha,
			Reason:    "sphericity test cannot reject an identity correlation matrix",
		}
	}

	kmo, err := kaiserMeyerOlkin(corr)
	if err != nil {
		return nil, &types.DataQualityError{
			Check:     "degenerate",
			Metric:    0,
			Threshold: 0,
			Reason:    fmt.Sprintf("correlation matrix is singular: %v", err),
		}
	}
	res.KMO = kmo
	if kmo < e.cfg.MinKMO {
		return nil, &types.DataQualityError{
			Check:     "kmo",
			Metric:    kmo,
			Threshold: e.cfg.MinKMO,
			Reason:    "sampling adequacy below the factorability floor",
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(corr, true); !ok {
		return nil, &types.DataQualityError{
			Check:  "degenerate",
			Reason: "eigendecomposition of the correlation matrix failed",
		}
	}
	vals := eig.Values(nil) // ascending
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	retained := e.retain(vals)
	if len(retained) == 0 {
		return nil, &types.DataQualityError{
			Check:     "degenerate",
			Metric:    vals[len(vals)-1],
			Threshold: e.cfg.MinEigenvalue,
			Reason:    "no factor meets the Kaiser eigenvalue criterion",
		}
	}

	totalVar := float64(p)
	scores := make([][]float64, len(retained))
	defs := make([]types.FactorDefinition, len(retained))
	cum := 0.0
	for fi, idx := range retained {
		eigval := vals[idx]
		vcol := mat.Col(nil, idx, &vecs)

		s := make([]float64, n)
		for i := 0; i < n; i++ {
			dot := 0.0
			for j := 0; j < p; j++ {
				dot += x.At(i, j) * vcol[j]
			}
			s[i] = dot / math.Sqrt(eigval)
		}

		sign, warn := e.reflectionSign(s, proxy)
		if warn != "" {
			res.Warnings = append(res.Warnings, fmt.Sprintf("F%d: %s", fi+1, warn))
		}
		if sign < 0 {
			for i := range s {
				s[i] = -s[i]
			}
		}

		loadings := make([]float64, p)
		for j := 0; j < p; j++ {
			loadings[j] = vcol[j] * math.Sqrt(eigval)
		}

		share := eigval / totalVar
		cum += share
		defs[fi] = types.FactorDefinition{
			FactorID:          fmt.Sprintf("F%d", fi+1),
			Name:              dominantFeature(kept, loadings),
			Features:          kept,
			Loadings:          loadings,
			ReflectionSign:    sign,
			Eigenvalue:        eigval,
			VarianceExplained: share,
		}
		scores[fi] = s
	}
	res.CumVariance = cum
	res.Definitions = defs

	e.flagMulticollinearity(scores, defs, res)

	res.Observations = make([]types.ObservationScores, n)
	for i, rec := range m.Records {
		z := make([]float64, len(retained))
		for fi := range retained {
			z[fi] = scores[fi][i]
		}
		res.Observations[i] = types.ObservationScores{
			DriverID:   rec.DriverID,
			RaceID:     rec.RaceID,
			TrackID:    rec.TrackID,
			ValidLaps:  rec.ValidLaps,
			ReflectedZ: z,
		}
	}

	e.log.WithFields(logrus.Fields{
		"factors":             len(defs),
		"kmo":                 res.KMO,
		"bartlett_p":          res.BartlettP,
		"cumulative_variance": res.CumVariance,
		"dropped_features":    len(dropped),
	}).Info("Factor extraction completed")

	return res, nil
}

// selectFeatures keeps features that meet the completeness threshold and have
// nonzero variance. Excluded features are reported, never silently imputed.
func (e *Extractor) selectFeatures(m *FeatureMatrix) (kept, dropped []string) {
	for _, name := range m.Names {
		c := m.Completeness(name)
		if c < e.cfg.MinCompleteness {
			e.log.WithFields(logrus.Fields{
				"feature":      name,
				"completeness": c,
			}).Warn("Excluding feature below completeness threshold")
			dropped = append(dropped, name)
			continue
		}
		if columnStdDev(m.column(name)) == 0 {
			e.log.WithField("feature", name).Warn("Excluding zero-variance feature")
			dropped = append(dropped, name)
			continue
		}
		kept = append(kept, name)
	}
	return kept, dropped
}

// standardize builds the n-by-p z-scored matrix. Residual NaNs in retained
// features are set to the column mean (zero after standardization).
func (e *Extractor) standardize(m *FeatureMatrix, kept []string) (*mat.Dense, int) {
	n := len(m.Records)
	x := mat.NewDense(n, len(kept), nil)
	imputed := 0
	for j, name := range kept {
		col := m.column(name)
		mean, std := columnMeanStdDev(col)
		for i, v := range col {
			if math.IsNaN(v) {
				x.Set(i, j, 0)
				imputed++
				continue
			}
			x.Set(i, j, (v-mean)/std)
		}
	}
	return x, imputed
}

// retain applies the Kaiser criterion in descending eigenvalue order, stopping
// once cumulative variance explained reaches the target. Returned indices are
// positions in the ascending eigenvalue slice.
func (e *Extractor) retain(vals []float64) []int {
	p := len(vals)
	total := float64(p)
	var retained []int
	cum := 0.0
	for r := p - 1; r >= 0; r-- {
		if vals[r] < e.cfg.MinEigenvalue {
			break
		}
		retained = append(retained, r)
		cum += vals[r] / total
		if cum >= e.cfg.VarianceTarget {
			break
		}
	}
	return retained
}

// reflectionSign correlates raw scores against the held-out proxy. The sign is
// fixed here once per retraining run and persisted with the definition.
func (e *Extractor) reflectionSign(scores []float64, proxy ReflectionProxy) (float64, string) {
	var xs, ys []float64
	for i := range scores {
		if i >= len(proxy.Values) || i >= len(proxy.Holdout) {
			break
		}
		if !proxy.Holdout[i] || math.IsNaN(proxy.Values[i]) {
			continue
		}
		xs = append(xs, scores[i])
		ys = append(ys, proxy.Values[i])
	}
	if len(xs) < 3 {
		return 1, "no held-out proxy sample, reflection sign defaulted to +1"
	}
	r := stat.Correlation(xs, ys, nil)
	if math.IsNaN(r) {
		return 1, "degenerate proxy correlation, reflection sign defaulted to +1"
	}
	if r < 0 {
		return -1, ""
	}
	return 1, ""
}

func (e *Extractor) flagMulticollinearity(scores [][]float64, defs []types.FactorDefinition, res *Result) {
	for a := 0; a < len(scores); a++ {
		for b := a + 1; b < len(scores); b++ {
			r := stat.Correlation(scores[a], scores[b], nil)
			if math.Abs(r) >= e.cfg.MulticollinearityR {
				w := fmt.Sprintf("factors %s and %s are highly correlated (r=%.2f)",
					defs[a].FactorID, defs[b].FactorID, r)
				res.Warnings = append(res.Warnings, w)
				e.log.WithFields(logrus.Fields{
					"factor_a":    defs[a].FactorID,
					"factor_b":    defs[b].FactorID,
					"correlation": r,
				}).Warn("Multicollinearity between factor scores")
			}
		}
	}
}

func dominantFeature(names []string, loadings []float64) string {
	best, bestAbs := "", -1.0
	for j, name := range names {
		if a := math.Abs(loadings[j]); a > bestAbs {
			best, bestAbs = name, a
		}
	}
	return best
}

func columnMeanStdDev(col []float64) (mean, std float64) {
	var clean []float64
	for _, v := range col {
		if !math.IsNaN(v) {
			clean = append(clean, v)
		}
	}
	mean, std = stat.MeanStdDev(clean, nil)
	if std == 0 || math.IsNaN(std) {
		std = 1
	}
	return mean, std
}

func columnStdDev(col []float64) float64 {
	var clean []float64
	for _, v := range col {
		if !math.IsNaN(v) {
			clean = append(clean, v)
		}
	}
	if len(clean) < 2 {
		return 0
	}
	_, std := stat.MeanStdDev(clean, nil)
	if math.IsNaN(std) {
		return 0
	}
	return std
}
