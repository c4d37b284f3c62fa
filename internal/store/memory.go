package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory implementation of Store.
type MemoryStore struct {
	mu        sync.RWMutex
	devices   map[string]*DeviceRecord
	activity  []ActivityEntry
	config    map[string]string
	syncItems []SyncItem
	nextID    uint
	failWith  error
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices: make(map[string]*DeviceRecord),
		config:  make(map[string]string),
	}
}

// FailWrites makes every subsequent write return err. Pass nil to recover.
func (s *MemoryStore) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

func (s *MemoryStore) GetDevice(ctx context.Context, id string) (*DeviceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d.Clone(), nil
}

func (s *MemoryStore) SaveDevice(ctx context.Context, d *DeviceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWith != nil {
		return s.failWith
	}
	s.devices[d.DeviceID] = d.Clone()
	return nil
}

func (s *MemoryStore) SaveDevices(ctx context.Context, devices []*DeviceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWith != nil {
		return s.failWith
	}
	for _, d := range devices {
		s.devices[d.DeviceID] = d.Clone()
	}
	return nil
}

func (s *MemoryStore) ListDevices(ctx context.Context) ([]*DeviceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*DeviceRecord, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (s *MemoryStore) AppendActivity(ctx context.Context, e *ActivityEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWith != nil {
		return s.failWith
	}
	s.nextID++
	e.ID = s.nextID
	entry := *e
	if e.Payload != nil {
		entry.Payload = make(map[string]interface{}, len(e.Payload))
		for k, v := range e.Payload {
			entry.Payload[k] = v
		}
	}
	s.activity = append(s.activity, entry)
	return nil
}

func (s *MemoryStore) ListActivity(ctx context.Context, filter ActivityFilter) ([]ActivityEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ActivityEntry
	for i := range s.activity {
		if !filter.matches(&s.activity[i]) {
			continue
		}
		out = append(out, s.activity[i])
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) GetConfig(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.config[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) SetConfig(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWith != nil {
		return s.failWith
	}
	s.config[key] = value
	return nil
}

func (s *MemoryStore) DeleteConfig(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWith != nil {
		return s.failWith
	}
	delete(s.config, key)
	return nil
}

func (s *MemoryStore) LoadSyncItems(ctx context.Context) ([]SyncItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]SyncItem(nil), s.syncItems...), nil
}

func (s *MemoryStore) SaveSyncItems(ctx context.Context, items []SyncItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWith != nil {
		return s.failWith
	}
	s.syncItems = append([]SyncItem(nil), items...)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
