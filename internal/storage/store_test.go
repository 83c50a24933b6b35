package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/stintlab/driveriq/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	store, err := NewStoreWithDB(db)
	require.NoError(t, err)
	return store
}

func storedSnapshot(version string, createdAt time.Time, confidence types.ConfidenceFlag) *types.ModelSnapshot {
	return &types.ModelSnapshot{
		Version:   version,
		CreatedAt: createdAt,
		Factors: []types.FactorDefinition{
			{FactorID: "F1", Name: "qualifying_pace", ReflectionSign: 1, Eigenvalue: 2.1, VarianceExplained: 0.42},
		},
		Weights: types.WeightVector{
			ModelVersion: version,
			Weights:      map[string]float64{"F1": 1.0},
			Confidence:   confidence,
		},
		Pool: []types.DriverProfile{
			{DriverID: "d00", FactorZ: map[string]float64{"F1": 0.8}, Outcome: 2.5, HasOutcome: true, RaceCount: 6},
		},
		Validation: types.ValidationReport{Confidence: confidence, KMO: 0.74, BartlettP: 0.001},
	}
}

func TestStore_CreateAndGetVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	snap := storedSnapshot("v-001", time.Now().UTC().Truncate(time.Second), types.ConfidenceNormal)
	require.NoError(t, store.Create(ctx, snap))

	got, err := store.GetVersion(ctx, "v-001")
	require.NoError(t, err)
	assert.Equal(t, snap.Version, got.Version)
	assert.Equal(t, snap.Factors, got.Factors)
	assert.Equal(t, snap.Weights.Weights, got.Weights.Weights)
	assert.Equal(t, snap.Pool, got.Pool)
	assert.Equal(t, snap.Validation.KMO, got.Validation.KMO)
}

func TestStore_GetVersionUnknown(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetVersion(context.Background(), "missing")
	assert.Error(t, err)
}

func TestStore_VersionsAreImmutable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.Create(ctx, storedSnapshot("v-001", base, types.ConfidenceNormal)))

	// Publishing the same version again must be rejected, never overwrite.
	dupe := storedSnapshot("v-001", base.Add(time.Hour), types.ConfidenceLow)
	assert.Error(t, store.Create(ctx, dupe))

	got, err := store.GetVersion(ctx, "v-001")
	require.NoError(t, err)
	assert.Equal(t, types.ConfidenceNormal, got.Validation.Confidence)
}

func TestStore_LatestAndListVersions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, store.Create(ctx, storedSnapshot("v-001", base, types.ConfidenceNormal)))

	versions, err := store.ListVersions(ctx)
	require.NoError(t, err)
	require.Len(t, versions, 1)

	require.NoError(t, store.Create(ctx, storedSnapshot("v-002", base.Add(time.Minute), types.ConfidenceLow)))

	latest, err := store.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v-002", latest.Version)

	// History only grows, newest first.
	versions, err = store.ListVersions(ctx)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "v-002", versions[0].Version)
	assert.Equal(t, "v-001", versions[1].Version)
	assert.Equal(t, types.ConfidenceLow, versions[0].Confidence)
	assert.Equal(t, types.ConfidenceNormal, versions[1].Confidence)
}
