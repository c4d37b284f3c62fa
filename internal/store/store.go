// Package store persists kiosk-local state: device records, the audit log,
// small key/value settings and the outbound sync queue.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a device or config key does not exist.
var ErrNotFound = errors.New("not found")

// DeviceStore holds device records.
type DeviceStore interface {
	GetDevice(ctx context.Context, id string) (*DeviceRecord, error)
	SaveDevice(ctx context.Context, d *DeviceRecord) error
	// SaveDevices writes all records atomically.
	SaveDevices(ctx context.Context, devices []*DeviceRecord) error
	ListDevices(ctx context.Context) ([]*DeviceRecord, error)
}

// ActivityLog is the append-only audit trail.
type ActivityLog interface {
	AppendActivity(ctx context.Context, e *ActivityEntry) error
	ListActivity(ctx context.Context, filter ActivityFilter) ([]ActivityEntry, error)
}

// ConfigStore keeps small named values.
type ConfigStore interface {
	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
	DeleteConfig(ctx context.Context, key string) error
}

// SyncItemStore persists the outbound queue as a whole.
type SyncItemStore interface {
	LoadSyncItems(ctx context.Context) ([]SyncItem, error)
	SaveSyncItems(ctx context.Context, items []SyncItem) error
}

// Store is the durable local store used by the kiosk.
type Store interface {
	DeviceStore
	ActivityLog
	ConfigStore
	SyncItemStore
	Close() error
}
