package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cleanhelmet/internal/scheduler"
	"cleanhelmet/internal/store"
)

// ErrNoValue is returned by a carrier that holds no device id.
var ErrNoValue = errors.New("carrier holds no device id")

// Carrier is one place a device id can be persisted.
type Carrier interface {
	Name() string
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, id string) error
}

// StoreCarrier keeps the id in the local config table.
type StoreCarrier struct {
	store store.ConfigStore
}

// NewStoreCarrier wraps a config store.
func NewStoreCarrier(s store.ConfigStore) *StoreCarrier {
	return &StoreCarrier{store: s}
}

func (c *StoreCarrier) Name() string { return "store" }

func (c *StoreCarrier) Load(ctx context.Context) (string, error) {
	v, err := c.store.GetConfig(ctx, store.KeyDeviceID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && v == "") {
		return "", ErrNoValue
	}
	return v, err
}

func (c *StoreCarrier) Save(ctx context.Context, id string) error {
	return c.store.SetConfig(ctx, store.KeyDeviceID, id)
}

// CookieCarrier mirrors a browser cookie: a small file holding the id and an
// expiry. An expired cookie reads as empty.
type CookieCarrier struct {
	path  string
	ttl   time.Duration
	clock scheduler.Clock
}

// NewCookieCarrier stores the cookie at path.
func NewCookieCarrier(path string, ttl time.Duration, clock scheduler.Clock) *CookieCarrier {
	if clock == nil {
		clock = scheduler.RealClock{}
	}
	return &CookieCarrier{path: path, ttl: ttl, clock: clock}
}

func (c *CookieCarrier) Name() string { return "cookie" }

func (c *CookieCarrier) Load(ctx context.Context) (string, error) {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoValue
	}
	if err != nil {
		return "", fmt.Errorf("read cookie: %w", err)
	}

	id, attrs, _ := strings.Cut(strings.TrimSpace(string(data)), ";")
	if id == "" {
		return "", ErrNoValue
	}
	if exp, ok := strings.CutPrefix(strings.TrimSpace(attrs), "expires="); ok {
		expires, err := time.Parse(time.RFC3339, exp)
		if err != nil {
			return "", fmt.Errorf("parse cookie expiry: %w", err)
		}
		if !c.clock.Now().Before(expires) {
			return "", ErrNoValue
		}
	}
	return id, nil
}

func (c *CookieCarrier) Save(ctx context.Context, id string) error {
	line := id
	if c.ttl > 0 {
		line += "; expires=" + c.clock.Now().Add(c.ttl).UTC().Format(time.RFC3339)
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("create cookie dir: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(line+"\n"), 0o600); err != nil {
		return fmt.Errorf("write cookie: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("replace cookie: %w", err)
	}
	return nil
}

// SessionCarrier lives only as long as the process.
type SessionCarrier struct {
	mu sync.Mutex
	id string
}

func (c *SessionCarrier) Name() string { return "session" }

func (c *SessionCarrier) Load(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.id == "" {
		return "", ErrNoValue
	}
	return c.id, nil
}

func (c *SessionCarrier) Save(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
	return nil
}
