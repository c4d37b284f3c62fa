package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	apperrors "cleanhelmet/internal/errors"
)

// GormStore implements Store on top of GORM. Production uses an embedded
// SQLite file; any GORM dialector works.
type GormStore struct {
	db *gorm.DB
}

// OpenSQLite opens (creating if needed) the kiosk database file.
func OpenSQLite(path string) (*GormStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, apperrors.NewStorageError("create database directory", err)
		}
	}

	// WAL keeps readers unblocked while the ledger writes.
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, apperrors.NewStorageError("open database", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, apperrors.NewStorageError("access database handle", err)
	}
	// SQLite allows a single writer.
	sqlDB.SetMaxOpenConns(1)

	return NewGormStore(db)
}

// NewGormStore migrates the schema on db and returns a store.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&DeviceRecord{}, &ActivityEntry{}, &ConfigEntry{}, &SyncItem{}); err != nil {
		return nil, apperrors.NewStorageError("migrate schema", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) GetDevice(ctx context.Context, id string) (*DeviceRecord, error) {
	var d DeviceRecord
	err := s.db.WithContext(ctx).First(&d, "device_id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apperrors.NewStorageError("load device", err)
	}
	return &d, nil
}

func (s *GormStore) SaveDevice(ctx context.Context, d *DeviceRecord) error {
	if err := s.db.WithContext(ctx).Save(d).Error; err != nil {
		return apperrors.NewStorageError("save device", err).WithContext("device_id", d.DeviceID)
	}
	return nil
}

func (s *GormStore) SaveDevices(ctx context.Context, devices []*DeviceRecord) error {
	if len(devices) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, d := range devices {
			if err := tx.Save(d).Error; err != nil {
				return fmt.Errorf("device %s: %w", d.DeviceID, err)
			}
		}
		return nil
	})
	if err != nil {
		return apperrors.NewStorageError("save devices", err)
	}
	return nil
}

func (s *GormStore) ListDevices(ctx context.Context) ([]*DeviceRecord, error) {
	var devices []*DeviceRecord
	if err := s.db.WithContext(ctx).Order("device_id").Find(&devices).Error; err != nil {
		return nil, apperrors.NewStorageError("list devices", err)
	}
	return devices, nil
}

func (s *GormStore) AppendActivity(ctx context.Context, e *ActivityEntry) error {
	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		return apperrors.NewStorageError("append activity", err)
	}
	return nil
}

func (s *GormStore) ListActivity(ctx context.Context, filter ActivityFilter) ([]ActivityEntry, error) {
	q := s.db.WithContext(ctx).Order("id")
	if filter.DeviceID != "" {
		q = q.Where("device_id = ?", filter.DeviceID)
	}
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	if !filter.Since.IsZero() {
		q = q.Where("timestamp >= ?", filter.Since)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var entries []ActivityEntry
	if err := q.Find(&entries).Error; err != nil {
		return nil, apperrors.NewStorageError("list activity", err)
	}
	return entries, nil
}

func (s *GormStore) GetConfig(ctx context.Context, key string) (string, error) {
	var e ConfigEntry
	err := s.db.WithContext(ctx).First(&e, "name = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", apperrors.NewStorageError("read config", err).WithContext("key", key)
	}
	return e.Value, nil
}

func (s *GormStore) SetConfig(ctx context.Context, key, value string) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&ConfigEntry{Key: key, Value: value}).Error
	if err != nil {
		return apperrors.NewStorageError("write config", err).WithContext("key", key)
	}
	return nil
}

func (s *GormStore) DeleteConfig(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Delete(&ConfigEntry{}, "name = ?", key).Error; err != nil {
		return apperrors.NewStorageError("delete config", err).WithContext("key", key)
	}
	return nil
}

func (s *GormStore) LoadSyncItems(ctx context.Context) ([]SyncItem, error) {
	var items []SyncItem
	if err := s.db.WithContext(ctx).Order("seq").Find(&items).Error; err != nil {
		return nil, apperrors.NewStorageError("load sync queue", err)
	}
	return items, nil
}

func (s *GormStore) SaveSyncItems(ctx context.Context, items []SyncItem) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&SyncItem{}).Error; err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		return tx.Create(&items).Error
	})
	if err != nil {
		return apperrors.NewStorageError("save sync queue", err)
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
