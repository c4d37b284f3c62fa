package remote

import (
	"context"
	"errors"
	"sync"

	"cleanhelmet/internal/store"
)

// ErrInjected is returned by MemorySink when told to fail.
var ErrInjected = errors.New("injected delivery failure")

// MemorySink records deliveries in memory.
type MemorySink struct {
	mu        sync.Mutex
	delivered []store.SyncItem
	attempts  map[string]int
	fail      func(item store.SyncItem) bool
	OnDeliver func(item store.SyncItem)
}

// NewMemorySink returns an always-succeeding sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{attempts: make(map[string]int)}
}

func (m *MemorySink) Name() string { return "memory" }

// FailWhen makes Deliver fail for items matching fn. Nil clears it.
func (m *MemorySink) FailWhen(fn func(item store.SyncItem) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fn
}

func (m *MemorySink) Deliver(ctx context.Context, item store.SyncItem) error {
	m.mu.Lock()
	m.attempts[item.ID]++
	fail := m.fail != nil && m.fail(item)
	if !fail {
		m.delivered = append(m.delivered, item)
	}
	hook := m.OnDeliver
	m.mu.Unlock()

	if hook != nil {
		hook(item)
	}
	if fail {
		return ErrInjected
	}
	return nil
}

// Delivered returns successfully delivered items in order.
func (m *MemorySink) Delivered() []store.SyncItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.SyncItem(nil), m.delivered...)
}

// Attempts returns how many times the item was offered.
func (m *MemorySink) Attempts(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[id]
}
