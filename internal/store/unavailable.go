package store

import (
	"context"
	"fmt"
)

// Unavailable stands in for a database that could not be opened. Every
// call fails with the open error, so callers take their degraded paths.
type Unavailable struct {
	Cause error
}

func (u Unavailable) err() error {
	return fmt.Errorf("local store unavailable: %w", u.Cause)
}

func (u Unavailable) GetDevice(context.Context, string) (*DeviceRecord, error) {
	return nil, u.err()
}

func (u Unavailable) SaveDevice(context.Context, *DeviceRecord) error { return u.err() }

func (u Unavailable) SaveDevices(context.Context, []*DeviceRecord) error { return u.err() }

func (u Unavailable) ListDevices(context.Context) ([]*DeviceRecord, error) { return nil, u.err() }

func (u Unavailable) AppendActivity(context.Context, *ActivityEntry) error { return u.err() }

func (u Unavailable) ListActivity(context.Context, ActivityFilter) ([]ActivityEntry, error) {
	return nil, u.err()
}

func (u Unavailable) GetConfig(context.Context, string) (string, error) { return "", u.err() }

func (u Unavailable) SetConfig(context.Context, string, string) error { return u.err() }

func (u Unavailable) DeleteConfig(context.Context, string) error { return u.err() }

func (u Unavailable) LoadSyncItems(context.Context) ([]SyncItem, error) { return nil, u.err() }

func (u Unavailable) SaveSyncItems(context.Context, []SyncItem) error { return u.err() }

func (u Unavailable) Close() error { return nil }
