// Package identity resolves the kiosk's durable device id, tracks its
// environment fingerprint and accumulates suspicion toward a block.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"cleanhelmet/internal/config"
	"cleanhelmet/internal/devices"
	"cleanhelmet/internal/infrastructure"
	"cleanhelmet/internal/scheduler"
	"cleanhelmet/internal/security"
	"cleanhelmet/internal/store"
)

const (
	refreshTimer   = "identity.refresh"
	maxOriginsKept = 16
)

// FingerprintSource produces environment fingerprints.
type FingerprintSource interface {
	Collect(ctx context.Context) *security.Fingerprint
}

// FingerprintResult describes one fingerprint computation.
type FingerprintResult struct {
	Hash       string
	Previous   string
	Similarity float64
	Changed    bool
	Suspicious bool
}

// Service is the device identity service. One instance per kiosk.
type Service struct {
	repo      *devices.Repository
	settings  store.ConfigStore
	collector FingerprintSource
	carriers  []Carrier
	timers    *scheduler.Registry
	cfg       config.IdentityConfig
	metrics   *infrastructure.KioskMetrics
	logger    *slog.Logger
	startedAt time.Time

	mu          sync.Mutex
	deviceID    string
	sessionOnly bool
}

// Options groups the service collaborators.
type Options struct {
	Repository *devices.Repository
	Settings   store.ConfigStore
	Collector  FingerprintSource
	// Carriers are consulted in order. The first hit wins.
	Carriers []Carrier
	Timers   *scheduler.Registry
	Config   config.IdentityConfig
	Metrics  *infrastructure.KioskMetrics
	Logger   *slog.Logger
}

// NewService creates the identity service.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      opts.Repository,
		settings:  opts.Settings,
		collector: opts.Collector,
		carriers:  opts.Carriers,
		timers:    opts.Timers,
		cfg:       opts.Config,
		metrics:   opts.Metrics,
		logger:    logger.With(slog.String("component", "identity")),
		startedAt: opts.Timers.Now(),
	}
}

// SessionOnly reports whether no carrier accepted the device id.
func (s *Service) SessionOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionOnly
}

// ResolveDeviceID returns the device id from the first carrier that has
// one, back-filling the others. A new id is generated when none has it.
func (s *Service) ResolveDeviceID(ctx context.Context) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deviceID != "" {
		return s.deviceID
	}

	var (
		id     string
		source string
		missed []Carrier
	)
	for _, c := range s.carriers {
		v, err := c.Load(ctx)
		if err != nil {
			if !errors.Is(err, ErrNoValue) {
				s.logger.WarnContext(ctx, "identity carrier unreadable",
					slog.String("carrier", c.Name()),
					slog.String("error", err.Error()),
				)
			}
			missed = append(missed, c)
			continue
		}
		id, source = v, c.Name()
		break
	}

	if id == "" {
		id = s.generateID()
		missed = s.carriers
		s.logger.InfoContext(ctx, "generated new device id", slog.String("device_id", infrastructure.MaskDeviceID(id)))
	} else {
		s.logger.DebugContext(ctx, "device id resolved",
			slog.String("device_id", infrastructure.MaskDeviceID(id)),
			slog.String("carrier", source),
		)
	}

	durable := source != "" && isDurable(s.carrier(source))
	for _, c := range missed {
		if err := c.Save(ctx, id); err != nil {
			s.logger.WarnContext(ctx, "failed to persist device id",
				slog.String("carrier", c.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		durable = durable || isDurable(c)
	}
	s.sessionOnly = !durable
	if s.sessionOnly {
		s.logger.WarnContext(ctx, "no durable location accepted the device id, running with session-only identity")
	}

	s.deviceID = id
	return id
}

func (s *Service) carrier(name string) Carrier {
	for _, c := range s.carriers {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

func isDurable(c Carrier) bool {
	_, session := c.(*SessionCarrier)
	return c != nil && !session
}

// generateID renders CH_<ms>_<random>_<monotonic> in base 36, upper case.
func (s *Service) generateID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	random := strconv.FormatUint(binary.BigEndian.Uint64(b[:])%(1<<45), 36)
	now := s.timers.Now()
	mono := now.Sub(s.startedAt).Microseconds()
	return strings.ToUpper("CH_" +
		strconv.FormatInt(now.UnixMilli(), 36) + "_" +
		random + "_" +
		strconv.FormatInt(mono, 36))
}

// ComputeFingerprint collects the environment, compares it against the
// stored fingerprint and records suspicion on significant drift. The new
// fingerprint is always stored.
func (s *Service) ComputeFingerprint(ctx context.Context) FingerprintResult {
	fp := s.collector.Collect(ctx)
	res := FingerprintResult{Hash: fp.Hash, Similarity: 1}

	prev, err := s.settings.GetConfig(ctx, store.KeyFingerprint)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.WarnContext(ctx, "failed to read stored fingerprint", slog.String("error", err.Error()))
	}
	res.Previous = prev

	if prev != "" && prev != fp.Hash {
		res.Changed = true
		res.Similarity = security.Similarity(prev, fp.Hash)
		if res.Similarity < s.cfg.SimilarityThreshold {
			res.Suspicious = true
			deviceID := s.ResolveDeviceID(ctx)
			s.repo.Audit(ctx, deviceID, store.ActivityFingerprintChange, map[string]interface{}{
				"old_fingerprint": shortHash(prev),
				"new_fingerprint": shortHash(fp.Hash),
				"similarity":      res.Similarity,
			})
			if _, err := s.MarkSuspicious(ctx, deviceID, "fingerprint_change"); err != nil && !errors.Is(err, devices.ErrNotFound) {
				s.logger.WarnContext(ctx, "failed to record fingerprint suspicion", slog.String("error", err.Error()))
			}
		}
	}

	if err := s.settings.SetConfig(ctx, store.KeyFingerprint, fp.Hash); err != nil {
		s.logger.WarnContext(ctx, "failed to store fingerprint", slog.String("error", err.Error()))
	}
	return res
}

// MarkSuspicious bumps the device's suspicion counter and blocks it once
// the threshold is reached.
func (s *Service) MarkSuspicious(ctx context.Context, deviceID, reason string) (*store.DeviceRecord, error) {
	blockedNow := false
	d, err := s.repo.Update(ctx, deviceID, func(d *store.DeviceRecord) error {
		d.SuspiciousActivityCount++
		if !d.IsBlocked && d.SuspiciousActivityCount >= s.cfg.SuspicionThreshold {
			d.IsBlocked = true
			blockedNow = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordSecurityEvent(ctx, reason)
	s.logger.WarnContext(ctx, "suspicious activity recorded",
		slog.String("device_id", infrastructure.MaskDeviceID(deviceID)),
		slog.String("reason", reason),
		slog.Int("count", d.SuspiciousActivityCount),
	)
	if blockedNow {
		s.repo.Audit(ctx, deviceID, store.ActivityDeviceBlocked, map[string]interface{}{
			"reason":           reason,
			"suspicious_count": d.SuspiciousActivityCount,
		})
		s.logger.WarnContext(ctx, "device blocked after repeated suspicious activity",
			slog.String("device_id", infrastructure.MaskDeviceID(deviceID)),
		)
	}
	return d, nil
}

// RegisterSession runs at every session start: it makes sure the device
// record exists, refreshes the fingerprint and tracks the network origin.
func (s *Service) RegisterSession(ctx context.Context, origin string) (*store.DeviceRecord, error) {
	deviceID := s.ResolveDeviceID(ctx)
	if _, _, err := s.repo.Create(ctx, deviceID, ""); err != nil {
		return nil, err
	}
	fp := s.ComputeFingerprint(ctx)

	newOrigin := false
	d, err := s.repo.Update(ctx, deviceID, func(d *store.DeviceRecord) error {
		d.Fingerprint = fp.Hash
		d.LastAccessAt = s.timers.Now()
		if origin == "" || slices.Contains(d.IPHistory, origin) {
			return nil
		}
		newOrigin = true
		d.IPHistory = append(d.IPHistory, origin)
		if len(d.IPHistory) > maxOriginsKept {
			d.IPHistory = d.IPHistory[len(d.IPHistory)-maxOriginsKept:]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if newOrigin && len(d.IPHistory) > s.cfg.MaxOrigins {
		s.repo.Audit(ctx, deviceID, store.ActivityOriginLimitExceeded, map[string]interface{}{
			"origins": len(d.IPHistory),
		})
		if d, err = s.MarkSuspicious(ctx, deviceID, "origin_limit"); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// StartRefresh recomputes the fingerprint periodically.
func (s *Service) StartRefresh() {
	if s.cfg.RefreshInterval <= 0 {
		return
	}
	s.timers.Every(refreshTimer, s.cfg.RefreshInterval, func() {
		s.ComputeFingerprint(context.Background())
	})
}

// Destroy stops periodic work.
func (s *Service) Destroy() {
	s.timers.Cancel(refreshTimer)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
