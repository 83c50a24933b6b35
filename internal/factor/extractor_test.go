package factor

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"

	"github.com/stintlab/driveriq/internal/types"
)

func testConfig() Config {
	return Config{
		MinCompleteness:    0.70,
		BartlettAlpha:      0.05,
		MinKMO:             0.6,
		MinEigenvalue:      1.0,
		VarianceTarget:     0.60,
		MulticollinearityR: 0.7,
	}
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

// twoFactorFixture builds a matrix driven by two latent skills: three pace
// features loading on the first, three consistency features on the second.
// The proxy is a higher-is-better performance signal combining both skills,
// available for the held-out drivers only.
func twoFactorFixture(seed int64) (*FeatureMatrix, ReflectionProxy) {
	rng := rand.New(rand.NewSource(seed))
	const drivers = 15
	const races = 6

	var records []types.FeatureRecord
	var proxyVals []float64
	var holdout []bool
	for d := 0; d < drivers; d++ {
		driverID := fmt.Sprintf("d%02d", d)
		held := d%3 == 0
		for r := 0; r < races; r++ {
			pace := rng.NormFloat64()
			consistency := rng.NormFloat64()
			features := map[string]float64{
				"qualifying_pace":     pace + 0.5*rng.NormFloat64(),
				"race_pace":           pace + 0.5*rng.NormFloat64(),
				"sector_pace":         pace + 0.5*rng.NormFloat64(),
				"stint_consistency":   consistency + 0.5*rng.NormFloat64(),
				"braking_consistency": consistency + 0.5*rng.NormFloat64(),
				"tire_management":     consistency + 0.5*rng.NormFloat64(),
			}
			records = append(records, types.FeatureRecord{
				DriverID:  driverID,
				RaceID:    fmt.Sprintf("r%02d", r),
				TrackID:   fmt.Sprintf("t%02d", r),
				Features:  features,
				ValidLaps: 50,
			})
			proxyVals = append(proxyVals, pace+consistency+0.2*rng.NormFloat64())
			holdout = append(holdout, held)
		}
	}
	return NewFeatureMatrix(records), ReflectionProxy{Values: proxyVals, Holdout: holdout}
}

func TestExtract_CorrelatedFeaturesYieldTwoFactors(t *testing.T) {
	matrix, proxy := twoFactorFixture(42)
	e := NewExtractor(testConfig(), testLogger())

	res, err := e.Extract(context.Background(), matrix, proxy)
	require.NoError(t, err)

	assert.Len(t, res.Definitions, 2, "two latent skills should survive Kaiser retention")
	assert.GreaterOrEqual(t, res.KMO, 0.6)
	assert.Less(t, res.BartlettP, 0.05)
	assert.GreaterOrEqual(t, res.CumVariance, 0.60)
	assert.Len(t, res.Observations, len(matrix.Records))
	for _, def := range res.Definitions {
		assert.Contains(t, []float64{1, -1}, def.ReflectionSign)
		assert.Len(t, def.Loadings, len(def.Features))
		assert.Greater(t, def.Eigenvalue, 1.0)
	}
}

func TestExtract_ReflectedScoresAlignWithProxy(t *testing.T) {
	matrix, proxy := twoFactorFixture(42)
	e := NewExtractor(testConfig(), testLogger())

	res, err := e.Extract(context.Background(), matrix, proxy)
	require.NoError(t, err)

	// Higher reflected score must mean better on the held-out proxy sample,
	// whatever sign the eigendecomposition happened to produce.
	for fi, def := range res.Definitions {
		var scores, proxies []float64
		for i := range matrix.Records {
			if !proxy.Holdout[i] || math.IsNaN(proxy.Values[i]) {
				continue
			}
			scores = append(scores, res.Observations[i].ReflectedZ[fi])
			proxies = append(proxies, proxy.Values[i])
		}
		r := stat.Correlation(scores, proxies, nil)
		assert.GreaterOrEqual(t, r, 0.0, "factor %s reflected scores anti-correlate with the proxy", def.FactorID)
	}
}

func TestExtract_ReflectionIsInvolution(t *testing.T) {
	matrix, proxy := twoFactorFixture(42)
	e := NewExtractor(testConfig(), testLogger())

	res, err := e.Extract(context.Background(), matrix, proxy)
	require.NoError(t, err)

	reflect := func(sign, z float64) float64 { return sign * z }
	for _, def := range res.Definitions {
		for _, z := range []float64{-2.3, -0.1, 0, 0.7, 1.9} {
			assert.Equal(t, z, reflect(def.ReflectionSign, reflect(def.ReflectionSign, z)))
		}
	}
}

func TestExtract_Deterministic(t *testing.T) {
	matrix, proxy := twoFactorFixture(42)
	e := NewExtractor(testConfig(), testLogger())

	first, err := e.Extract(context.Background(), matrix, proxy)
	require.NoError(t, err)
	second, err := e.Extract(context.Background(), matrix, proxy)
	require.NoError(t, err)

	require.Equal(t, len(first.Definitions), len(second.Definitions))
	for i := range first.Definitions {
		assert.Equal(t, first.Definitions[i], second.Definitions[i])
	}
	assert.Equal(t, first.Observations, second.Observations)
}

func TestExtract_UncorrelatedNoiseRaisesDataQualityError(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var records []types.FeatureRecord
	for i := 0; i < 60; i++ {
		features := make(map[string]float64, 8)
		for f := 0; f < 8; f++ {
			features[fmt.Sprintf("noise_%d", f)] = rng.NormFloat64()
		}
		records = append(records, types.FeatureRecord{
			DriverID: fmt.Sprintf("d%02d", i%12),
			RaceID:   fmt.Sprintf("r%02d", i/12),
			Features: features,
		})
	}
	matrix := NewFeatureMatrix(records)
	e := NewExtractor(testConfig(), testLogger())

	_, err := e.Extract(context.Background(), matrix, ReflectionProxy{})
	require.Error(t, err)
	assert.True(t, types.IsDataQuality(err), "noise input must fail adequacy, got: %v", err)
}

func TestExtract_LowCompletenessFeatureExcluded(t *testing.T) {
	matrix, proxy := twoFactorFixture(42)
	// A feature present in under a third of observations must be dropped,
	// not imputed into the solution.
	for i := range matrix.Records {
		if i%4 == 0 {
			matrix.Records[i].Features["position_changes"] = float64(i % 5)
		}
	}
	matrix = NewFeatureMatrix(matrix.Records)

	e := NewExtractor(testConfig(), testLogger())
	res, err := e.Extract(context.Background(), matrix, proxy)
	require.NoError(t, err)

	assert.Contains(t, res.Dropped, "position_changes")
	for _, def := range res.Definitions {
		assert.NotContains(t, def.Features, "position_changes")
	}
}

func TestExtract_CancelledContext(t *testing.T) {
	matrix, proxy := twoFactorFixture(42)
	e := NewExtractor(testConfig(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Extract(ctx, matrix, proxy)
	assert.ErrorIs(t, err, context.Canceled)
}
