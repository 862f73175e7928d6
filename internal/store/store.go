package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Supported drivers for Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// CacheEntry is one durable cache row: the serialized weather record for a
// normalized city key and the time it was written (ms since epoch).
type CacheEntry struct {
	City      string `gorm:"column:city;primaryKey"`
	Data      string `gorm:"column:data;not null"`
	Timestamp int64  `gorm:"column:timestamp;not null;index"`
}

// TableName pins the table name used by the service since its first release.
func (CacheEntry) TableName() string {
	return "weather_table"
}

// Store is the durable cache tier backed by a SQL table.
type Store struct {
	db *gorm.DB
}

// Open connects to the database for driver ("sqlite" or "postgres") and creates
// the cache table if needed. gorm warnings and slow queries go to zlog.
func Open(driver, dsn string, zlog *zap.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite, "":
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}

	gormLogger := logger.Discard
	if zlog != nil {
		gormLogger = logger.New(
			zap.NewStdLog(zlog.Named("gorm")),
			logger.Config{
				SlowThreshold:             200 * time.Millisecond,
				LogLevel:                  logger.Warn,
				IgnoreRecordNotFoundError: true,
				Colorful:                  false,
			},
		)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	return New(db)
}

// New wraps an open gorm handle and migrates the cache table.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&CacheEntry{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Get returns the row for city. ok is false when no row exists.
func (s *Store) Get(ctx context.Context, city string) (CacheEntry, bool, error) {
	var e CacheEntry
	err := s.db.WithContext(ctx).Where(cityIs(city)).Take(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return CacheEntry{}, false, nil
		}
		return CacheEntry{}, false, err
	}
	return e, true, nil
}

// Upsert inserts e or, when a row for e.City exists, overwrites its data and
// timestamp in the same statement.
func (s *Store) Upsert(ctx context.Context, e CacheEntry) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "city"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "timestamp"}),
	}).Create(&e).Error
}

// Delete removes the row for city. Deleting a missing row is not an error.
func (s *Store) Delete(ctx context.Context, city string) error {
	return s.db.WithContext(ctx).Where(cityIs(city)).Delete(&CacheEntry{}).Error
}

// DeleteWrittenAtOrBefore removes every row whose timestamp is <= cutoff (ms)
// and returns how many were deleted.
func (s *Store) DeleteWrittenAtOrBefore(ctx context.Context, cutoff int64) (int64, error) {
	res := s.db.WithContext(ctx).
		Where(clause.Lte{Column: clause.Column{Name: "timestamp"}, Value: cutoff}).
		Delete(&CacheEntry{})
	return res.RowsAffected, res.Error
}

// All returns every row. Used for cache statistics.
func (s *Store) All(ctx context.Context) ([]CacheEntry, error) {
	var entries []CacheEntry
	if err := s.db.WithContext(ctx).Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func cityIs(city string) clause.Eq {
	return clause.Eq{Column: clause.Column{Name: "city"}, Value: city}
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
