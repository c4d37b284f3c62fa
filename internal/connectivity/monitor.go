// Package connectivity tracks whether the remote store is reachable,
// combining pushed online/offline signals with an active probe.
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"cleanhelmet/internal/config"
	"cleanhelmet/internal/scheduler"
)

const probeTimer = "connectivity.probe"

// Prober checks reachability. A nil error means online.
type Prober func(ctx context.Context) error

// Monitor holds the online flag and notifies observers on transitions.
type Monitor struct {
	mu        sync.Mutex
	online    bool
	next      uint64
	observers map[uint64]func(bool)

	cfg    config.ConnectivityConfig
	probe  Prober
	timers *scheduler.Registry
	logger *slog.Logger
}

// NewMonitor creates a monitor that starts offline. A nil prober issues
// HTTP HEAD requests against cfg.ProbeURL.
func NewMonitor(cfg config.ConnectivityConfig, timers *scheduler.Registry, probe Prober, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if probe == nil {
		probe = HTTPProber(&http.Client{Timeout: cfg.ProbeTimeout}, cfg.ProbeURL)
	}
	return &Monitor{
		observers: make(map[uint64]func(bool)),
		cfg:       cfg,
		probe:     probe,
		timers:    timers,
		logger:    logger.With(slog.String("component", "connectivity")),
	}
}

// HTTPProber treats any response below 500 as reachable.
func HTTPProber(client *http.Client, url string) Prober {
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("probe returned %d", resp.StatusCode)
		}
		return nil
	}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a pushed signal. Observers hear about changes only.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	fns := make([]func(bool), 0, len(m.observers))
	for _, fn := range m.observers {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	if online {
		m.logger.Info("connectivity restored")
	} else {
		m.logger.Warn("connectivity lost")
	}
	for _, fn := range fns {
		fn(online)
	}
}

// Subscribe registers fn for transitions. The returned func unsubscribes.
func (m *Monitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next
	m.next++
	m.observers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.observers, id)
	}
}

// Check runs one probe and applies the result.
func (m *Monitor) Check(ctx context.Context) bool {
	if m.cfg.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		defer cancel()
	}
	err := m.probe(ctx)
	if err != nil {
		m.logger.DebugContext(ctx, "reachability probe failed", slog.String("error", err.Error()))
	}
	m.SetOnline(err == nil)
	return err == nil
}

// Start probes periodically. A pushed "online" that the probe contradicts
// is corrected on the next round.
func (m *Monitor) Start() {
	if m.cfg.ProbeInterval <= 0 {
		return
	}
	m.timers.Every(probeTimer, m.cfg.ProbeInterval, func() {
		m.Check(context.Background())
	})
}

// Stop cancels the periodic probe.
func (m *Monitor) Stop() {
	m.timers.Cancel(probeTimer)
}
