package pipeline

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stintlab/driveriq/internal/snapshot"
	"github.com/stintlab/driveriq/internal/types"
	"github.com/stintlab/driveriq/pkg/config"
)

type fakeStore struct {
	mu      sync.Mutex
	created []*types.ModelSnapshot
}

func (f *fakeStore) Create(_ context.Context, snap *types.ModelSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, snap)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Env:                    "test",
		MinFeatureCompleteness: 0.70,
		BartlettAlpha:          0.05,
		MinKMO:                 0.6,
		MinEigenvalue:          1.0,
		VarianceTarget:         0.60,
		MulticollinearityR:     0.7,
		CVGapThreshold:         0.15,
		MinTrackSample:         10,
		MinPoolSize:            5,
		SimilarTopN:            5,
		RetrainTimeout:         time.Minute,
	}
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func testRegistry() *snapshot.Registry {
	return snapshot.NewRegistry(snapshot.Options{
		MinPoolSize:    5,
		MinTrackSample: 10,
		SimilarTopN:    5,
	}, testLogger())
}

// raceSeasonFixture builds a season where two latent skills drive both the
// engineered features and the finishing positions.
func raceSeasonFixture(seed int64) Inputs {
	rng := rand.New(rand.NewSource(seed))
	const drivers = 15
	const races = 6

	var in Inputs
	for d := 0; d < drivers; d++ {
		driverID := fmt.Sprintf("d%02d", d)
		for r := 0; r < races; r++ {
			raceID := fmt.Sprintf("r%02d", r)
			trackID := fmt.Sprintf("t%02d", r)
			pace := rng.NormFloat64()
			consistency := rng.NormFloat64()
			in.Records = append(in.Records, types.FeatureRecord{
				DriverID: driverID,
				RaceID:   raceID,
				TrackID:  trackID,
				Features: map[string]float64{
					"qualifying_pace":     pace + 0.5*rng.NormFloat64(),
					"race_pace":           pace + 0.5*rng.NormFloat64(),
					"sector_pace":         pace + 0.5*rng.NormFloat64(),
					"stint_consistency":   consistency + 0.5*rng.NormFloat64(),
					"braking_consistency": consistency + 0.5*rng.NormFloat64(),
					"tire_management":     consistency + 0.5*rng.NormFloat64(),
				},
				ValidLaps: 45 + rng.Intn(15),
			})
			in.Outcomes = append(in.Outcomes, types.RaceOutcome{
				DriverID:       driverID,
				RaceID:         raceID,
				TrackID:        trackID,
				FinishPosition: 10 - 2*pace - consistency + 0.3*rng.NormFloat64(),
			})
		}
	}
	return in
}

func TestRetrain_PublishesValidatedSnapshot(t *testing.T) {
	registry := testRegistry()
	store := &fakeStore{}
	p := New(testConfig(), testLogger(), registry, store)

	snap, err := p.Retrain(context.Background(), raceSeasonFixture(42))
	require.NoError(t, err)

	assert.NotEmpty(t, snap.Version)
	assert.Len(t, snap.Factors, 2)
	assert.Len(t, snap.Pool, 15)
	assert.NotEmpty(t, snap.TrackProfiles, "tracks above the sample minimum get their own profiles")
	assert.Equal(t, snap.Version, snap.Weights.ModelVersion)

	total := 0.0
	for _, w := range snap.Weights.Weights {
		total += math.Abs(w)
	}
	assert.InDelta(t, 1.0, total, 1e-9)

	assert.Greater(t, snap.Validation.InSampleR2, 0.7)
	assert.Equal(t, types.ConfidenceNormal, snap.Validation.Confidence)

	current, ok := registry.Current()
	require.True(t, ok)
	assert.Equal(t, snap.Version, current.Version)

	require.Len(t, store.created, 1)
	assert.Equal(t, snap.Version, store.created[0].Version)
}

func TestRetrain_ServesQueriesAfterPublish(t *testing.T) {
	registry := testRegistry()
	p := New(testConfig(), testLogger(), registry, nil)

	_, err := p.Retrain(context.Background(), raceSeasonFixture(42))
	require.NoError(t, err)

	scores, err := registry.DriverFactorScores("d00")
	require.NoError(t, err)
	assert.Len(t, scores, 2)
	for _, s := range scores {
		assert.GreaterOrEqual(t, s.Percentile, 0.0)
		assert.LessOrEqual(t, s.Percentile, 100.0)
		assert.Equal(t, 15, s.PoolSize)
	}

	comp, err := registry.DriverComposite("d00")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, comp.Value, 0.0)
	assert.LessOrEqual(t, comp.Value, 100.0)

	// A mid-field driver should have strictly-better peers to learn from.
	var worst string
	worstOutcome := math.Inf(-1)
	current, _ := registry.Current()
	for _, d := range current.Pool {
		if d.HasOutcome && d.Outcome > worstOutcome {
			worst, worstOutcome = d.DriverID, d.Outcome
		}
	}
	recs, err := registry.SimilarDrivers(worst, 3)
	require.NoError(t, err)
	assert.False(t, recs.NoBetterPeer)
	assert.NotEmpty(t, recs.Recommendations)
}

func TestRetrain_NoiseInputAbortsWithoutPublishing(t *testing.T) {
	registry := testRegistry()
	store := &fakeStore{}
	p := New(testConfig(), testLogger(), registry, store)

	rng := rand.New(rand.NewSource(9))
	var in Inputs
	for i := 0; i < 60; i++ {
		features := make(map[string]float64, 8)
		for f := 0; f < 8; f++ {
			features[fmt.Sprintf("noise_%d", f)] = rng.NormFloat64()
		}
		in.Records = append(in.Records, types.FeatureRecord{
			DriverID: fmt.Sprintf("d%02d", i%12),
			RaceID:   fmt.Sprintf("r%02d", i/12),
			TrackID:  fmt.Sprintf("t%02d", i/12),
			Features: features,
		})
	}

	_, err := p.Retrain(context.Background(), in)
	require.Error(t, err)
	assert.True(t, types.IsDataQuality(err))

	_, ok := registry.Current()
	assert.False(t, ok, "a failed run must never publish a partial model")
	assert.Empty(t, store.created)
}

func TestRetrain_FailedRunKeepsLastGoodSnapshot(t *testing.T) {
	registry := testRegistry()
	p := New(testConfig(), testLogger(), registry, nil)

	good, err := p.Retrain(context.Background(), raceSeasonFixture(42))
	require.NoError(t, err)

	_, err = p.Retrain(context.Background(), Inputs{}) // nothing to extract
	require.Error(t, err)

	current, ok := registry.Current()
	require.True(t, ok)
	assert.Equal(t, good.Version, current.Version, "request-time scoring keeps the last good snapshot")
}

func TestRetrain_Cancellation(t *testing.T) {
	registry := testRegistry()
	p := New(testConfig(), testLogger(), registry, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Retrain(ctx, raceSeasonFixture(42))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	_, ok := registry.Current()
	assert.False(t, ok)
}
