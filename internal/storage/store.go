package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/stintlab/driveriq/internal/types"
)

// SnapshotRecord is one immutable published model version. Rows are only ever
// created, never updated; list-versions returns the full history.
type SnapshotRecord struct {
	ID         uint           `gorm:"primaryKey"`
	Version    string         `gorm:"uniqueIndex;size:36;not null"`
	CreatedAt  time.Time      `gorm:"not null"`
	Confidence string         `gorm:"size:20;not null"`
	Payload    datatypes.JSON `gorm:"type:jsonb;not null"`
}

// VersionInfo is the list-versions view of a stored snapshot.
type VersionInfo struct {
	Version    string               `json:"version"`
	CreatedAt  time.Time            `json:"created_at"`
	Confidence types.ConfidenceFlag `json:"confidence"`
}

// Store persists published model snapshots with create/read/list-versions
// semantics. It never serves request-time scoring; the registry does that
// from memory.
type Store struct {
	db *gorm.DB
}

func NewStore(databaseURL string, isDevelopment bool) (*Store, error) {
	logLevel := gormlogger.Error
	if isDevelopment {
		logLevel = gormlogger.Info
	}

	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(logLevel),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&SnapshotRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate snapshot schema: %w", err)
	}

	logrus.WithField("component", "storage").Info("Snapshot store ready")
	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an existing gorm connection, used by tests.
func NewStoreWithDB(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&SnapshotRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate snapshot schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Create stores a published snapshot as a new immutable row.
func (s *Store) Create(ctx context.Context, snap *types.ModelSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to serialize snapshot %s: %w", snap.Version, err)
	}
	rec := SnapshotRecord{
		Version:    snap.Version,
		CreatedAt:  snap.CreatedAt,
		Confidence: string(snap.Validation.Confidence),
		Payload:    datatypes.JSON(payload),
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to store snapshot %s: %w", snap.Version, err)
	}
	return nil
}

// GetVersion loads one stored snapshot by version.
func (s *Store) GetVersion(ctx context.Context, version string) (*types.ModelSnapshot, error) {
	var rec SnapshotRecord
	if err := s.db.WithContext(ctx).Where("version = ?", version).First(&rec).Error; err != nil {
		return nil, fmt.Errorf("failed to load snapshot %s: %w", version, err)
	}
	return decode(rec)
}

// Latest loads the most recently created snapshot.
func (s *Store) Latest(ctx context.Context) (*types.ModelSnapshot, error) {
	var rec SnapshotRecord
	if err := s.db.WithContext(ctx).Order("created_at DESC").First(&rec).Error; err != nil {
		return nil, fmt.Errorf("failed to load latest snapshot: %w", err)
	}
	return decode(rec)
}

// ListVersions returns the stored version history, newest first.
func (s *Store) ListVersions(ctx context.Context) ([]VersionInfo, error) {
	var recs []SnapshotRecord
	if err := s.db.WithContext(ctx).
		Select("version", "created_at", "confidence").
		Order("created_at DESC").
		Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list snapshot versions: %w", err)
	}
	infos := make([]VersionInfo, len(recs))
	for i, r := range recs {
		infos[i] = VersionInfo{
			Version:    r.Version,
			CreatedAt:  r.CreatedAt,
			Confidence: types.ConfidenceFlag(r.Confidence),
		}
	}
	return infos, nil
}

func decode(rec SnapshotRecord) (*types.ModelSnapshot, error) {
	var snap types.ModelSnapshot
	if err := json.Unmarshal(rec.Payload, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", rec.Version, err)
	}
	return &snap, nil
}
