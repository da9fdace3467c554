package store

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"bounce-sentinel-go/internal/model"
)

// GormStore persists records in MySQL through gorm. Append atomicity comes
// from a transaction instead of an in-process mutex, so multiple processes
// can share one database.
type GormStore struct {
	db        *gorm.DB
	backupDir string
	now       func() time.Time
}

// NewGormStore runs the schema migration and returns a database-backed store.
func NewGormStore(db *gorm.DB, backupDir string) (*GormStore, error) {
	if err := db.AutoMigrate(&model.BounceRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate bounce_records: %w", err)
	}
	return &GormStore{db: db, backupDir: backupDir, now: time.Now}, nil
}

// Append inserts the records in one transaction, skipping records already
// present by dedup key.
func (s *GormStore) Append(ctx context.Context, records []model.BounceRecord) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range records {
			var count int64
			err := tx.Model(&model.BounceRecord{}).
				Where("feedback_id = ? AND email = ? AND timestamp = ?",
					records[i].FeedbackID, records[i].Email, records[i].Timestamp).
				Count(&count).Error
			if err != nil {
				return err
			}
			if count > 0 {
				continue
			}
			if err := tx.Create(&records[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// QueryWindow returns records with since < timestamp <= until.
func (s *GormStore) QueryWindow(ctx context.Context, since, until time.Time) ([]model.BounceRecord, error) {
	var records []model.BounceRecord
	err := s.db.WithContext(ctx).
		Where("timestamp > ? AND timestamp <= ?", since, until).
		Order("timestamp").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return records, nil
}

// All returns the full persisted dataset.
func (s *GormStore) All(ctx context.Context) ([]model.BounceRecord, error) {
	var records []model.BounceRecord
	err := s.db.WithContext(ctx).Order("timestamp").Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(records) == 0 {
		return nil, ErrStoreEmpty
	}
	return records, nil
}

// DeleteOlderThan removes records at or before the horizon.
func (s *GormStore) DeleteOlderThan(ctx context.Context, horizon time.Time) (int, error) {
	result := s.db.WithContext(ctx).
		Where("timestamp <= ?", horizon).
		Delete(&model.BounceRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, result.Error)
	}
	return int(result.RowsAffected), nil
}

// Snapshot exports the table to the same compressed CSV format the file
// backend produces, so snapshots stay interchangeable across backends.
func (s *GormStore) Snapshot(ctx context.Context) (Snapshot, error) {
	records, err := s.All(ctx)
	if err != nil && err != ErrStoreEmpty {
		return Snapshot{}, err
	}
	var buf bytes.Buffer
	if err := WriteCSV(&buf, records); err != nil {
		return Snapshot{}, err
	}
	return writeSnapshot(s.backupDir, &buf, s.now())
}

// ListSnapshots enumerates prior snapshots, oldest first.
func (s *GormStore) ListSnapshots() ([]Snapshot, error) {
	return listSnapshots(s.backupDir)
}

// RemoveSnapshot deletes one snapshot file.
func (s *GormStore) RemoveSnapshot(snap Snapshot) error {
	return removeSnapshot(snap)
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	var one int
	if err := s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
