// Package ledger decides whether a device may take a free disinfection
// cycle and records the ones it takes.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"cleanhelmet/internal/config"
	"cleanhelmet/internal/devices"
	apperrors "cleanhelmet/internal/errors"
	"cleanhelmet/internal/infrastructure"
	"cleanhelmet/internal/store"
)

// Reason tags a rejected free-cycle request.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonMissing     Reason = "missing"
	ReasonBlocked     Reason = "blocked"
	ReasonDeviceQuota Reason = "device-quota"
	ReasonGlobalCap   Reason = "global-cap"
	ReasonCooldown    Reason = "cooldown"
)

// ErrDeviceNotFound is returned by admin operations on unknown devices.
var ErrDeviceNotFound = errors.New("device not found")

const dateLayout = "2006-01-02"

// Decision is the outcome of an entitlement check.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Reason     Reason        `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Remaining  int           `json:"remaining"`
}

// Ledger is the entitlement ledger. All operations serialize on one mutex,
// which also closes the window between a check and the matching consume.
type Ledger struct {
	mu       sync.Mutex
	repo     *devices.Repository
	settings store.ConfigStore
	cfg      config.LedgerConfig
	loc      *time.Location
	metrics  *infrastructure.KioskMetrics
	logger   *slog.Logger

	lastReset   string
	globalToday int
}

// Options groups the ledger collaborators.
type Options struct {
	Repository *devices.Repository
	Settings   store.ConfigStore
	Config     config.LedgerConfig
	Metrics    *infrastructure.KioskMetrics
	Logger     *slog.Logger
}

// New creates a ledger.
func New(opts Options) (*Ledger, error) {
	loc := time.UTC
	if opts.Config.TimeZone != "" {
		var err error
		if loc, err = time.LoadLocation(opts.Config.TimeZone); err != nil {
			return nil, apperrors.NewConfigError("invalid ledger time zone", err)
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		repo:     opts.Repository,
		settings: opts.Settings,
		cfg:      opts.Config,
		loc:      loc,
		metrics:  opts.Metrics,
		logger:   logger.With(slog.String("component", "ledger")),
	}, nil
}

// Init loads the reset marker and rebuilds the global counter from the
// device records.
func (l *Ledger) Init(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if v, err := l.settings.GetConfig(ctx, store.KeyLastDailyReset); err == nil {
		l.lastReset = v
	} else if !errors.Is(err, store.ErrNotFound) {
		return apperrors.NewStorageError("failed to read reset marker", err)
	}

	all, err := l.repo.List(ctx)
	if err != nil {
		return apperrors.NewStorageError("failed to load device records", err)
	}
	l.globalToday = 0
	for _, d := range all {
		l.globalToday += d.FreeCyclesUsed
	}
	l.storeGlobal(ctx)

	l.ensureDailyReset(ctx)
	l.logger.InfoContext(ctx, "ledger initialized",
		slog.Int("devices", len(all)),
		slog.Int("global_free_today", l.globalToday),
		slog.String("last_reset", l.lastReset),
	)
	return nil
}

// CanUseFreeCycle reports whether deviceID may take a free cycle now.
func (l *Ledger) CanUseFreeCycle(ctx context.Context, deviceID string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.ensureDailyReset(ctx)
	d, err := l.repo.Get(ctx, deviceID)
	if err != nil {
		l.logLoadError(ctx, deviceID, err)
		d = nil
	}
	return l.evaluate(ctx, deviceID, d)
}

// ConsumeFreeCycle validates again and records one free cycle. It returns
// false without touching the record when the device is not entitled.
func (l *Ledger) ConsumeFreeCycle(ctx context.Context, deviceID string) (bool, Decision) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.ensureDailyReset(ctx)
	d, err := l.repo.Get(ctx, deviceID)
	if err != nil {
		l.logLoadError(ctx, deviceID, err)
		d = nil
	}
	dec := l.evaluate(ctx, deviceID, d)
	if !dec.Allowed {
		return false, dec
	}

	now := l.repo.Now()
	updated, err := l.repo.Update(ctx, deviceID, func(d *store.DeviceRecord) error {
		// Identity may have blocked the device since the read above.
		if d.IsBlocked {
			return errBlockedMeanwhile
		}
		d.FreeCyclesUsed++
		d.TotalCycles++
		d.LastFreeCycleAt = &now
		d.FreeCyclesAvailable = l.available(d)
		return nil
	})
	if errors.Is(err, errBlockedMeanwhile) {
		return false, Decision{Reason: ReasonBlocked}
	}
	if err != nil {
		l.logger.ErrorContext(ctx, "failed to record free cycle",
			slog.String("device_id", infrastructure.MaskDeviceID(deviceID)),
			slog.String("error", err.Error()),
		)
		return false, Decision{Reason: ReasonMissing}
	}

	l.globalToday++
	l.storeGlobal(ctx)
	l.repo.Audit(ctx, deviceID, store.ActivityFreeCycleUsed, map[string]interface{}{
		"free_cycles_used": updated.FreeCyclesUsed,
		"global_today":     l.globalToday,
	})
	l.logger.InfoContext(ctx, "free cycle consumed",
		slog.String("device_id", infrastructure.MaskDeviceID(deviceID)),
		slog.Int("used", updated.FreeCyclesUsed),
		slog.Int("global_today", l.globalToday),
	)
	return true, Decision{Allowed: true, Remaining: updated.FreeCyclesAvailable}
}

var errBlockedMeanwhile = errors.New("device blocked during consume")

// GlobalUsedToday returns the number of free cycles taken today across all devices.
func (l *Ledger) GlobalUsedToday(ctx context.Context) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ensureDailyReset(ctx)
	return l.globalToday
}

// Device returns a copy of the record with its available count refreshed.
func (l *Ledger) Device(ctx context.Context, deviceID string) (*store.DeviceRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.ensureDailyReset(ctx)
	d, err := l.repo.Get(ctx, deviceID)
	if err != nil {
		return nil, l.wrapNotFound(err)
	}
	d.FreeCyclesAvailable = l.available(d)
	return d, nil
}

// evaluate applies the checks in a fixed order: missing, blocked,
// device quota, global cap, cooldown.
func (l *Ledger) evaluate(ctx context.Context, deviceID string, d *store.DeviceRecord) Decision {
	if d == nil {
		return l.reject(ctx, deviceID, Decision{Reason: ReasonMissing}, "", nil)
	}
	if d.IsBlocked {
		return l.reject(ctx, deviceID, Decision{Reason: ReasonBlocked}, store.ActivityBlockedAttempt, nil)
	}
	if d.FreeCyclesUsed >= l.cfg.DailyQuota+d.BonusCycles {
		return l.reject(ctx, deviceID, Decision{Reason: ReasonDeviceQuota}, store.ActivityFreeCycleLimitReached,
			map[string]interface{}{"used": d.FreeCyclesUsed, "quota": l.cfg.DailyQuota + d.BonusCycles})
	}
	if l.globalToday >= l.cfg.GlobalDailyCap {
		return l.reject(ctx, deviceID, Decision{Reason: ReasonGlobalCap}, store.ActivityGlobalLimitReached,
			map[string]interface{}{"global_today": l.globalToday, "cap": l.cfg.GlobalDailyCap})
	}
	if d.LastFreeCycleAt != nil {
		if wait := l.cfg.Cooldown - l.repo.Now().Sub(*d.LastFreeCycleAt); wait > 0 {
			return l.reject(ctx, deviceID, Decision{Reason: ReasonCooldown, RetryAfter: wait}, store.ActivityCooldownActive,
				map[string]interface{}{"retry_after_seconds": int(wait.Seconds())})
		}
	}

	l.metrics.RecordDecision(ctx, "allowed")
	return Decision{Allowed: true, Remaining: l.available(d)}
}

func (l *Ledger) reject(ctx context.Context, deviceID string, dec Decision, t store.ActivityType, payload map[string]interface{}) Decision {
	l.metrics.RecordDecision(ctx, string(dec.Reason))
	l.logger.InfoContext(ctx, "free cycle refused",
		slog.String("device_id", infrastructure.MaskDeviceID(deviceID)),
		slog.String("reason", string(dec.Reason)),
	)
	if t != "" {
		l.repo.Audit(ctx, deviceID, t, payload)
	}
	return dec
}

func (l *Ledger) available(d *store.DeviceRecord) int {
	return max(0, l.cfg.DailyQuota+d.BonusCycles-d.FreeCyclesUsed)
}

// ensureDailyReset clears per-device usage once per calendar day in the
// ledger's time zone. Callers hold l.mu.
func (l *Ledger) ensureDailyReset(ctx context.Context) {
	today := l.repo.Now().In(l.loc).Format(dateLayout)
	if l.lastReset == today {
		return
	}

	n, err := l.repo.UpdateAll(ctx, func(d *store.DeviceRecord) {
		d.FreeCyclesUsed = 0
		d.BonusCycles = 0
		d.FreeCyclesAvailable = l.cfg.DailyQuota
	})
	if err != nil {
		// Retried on the next access.
		l.logger.ErrorContext(ctx, "daily reset failed", slog.String("error", err.Error()))
		return
	}

	previous := l.lastReset
	l.lastReset = today
	l.globalToday = 0
	if err := l.settings.SetConfig(ctx, store.KeyLastDailyReset, today); err != nil {
		l.logger.WarnContext(ctx, "failed to persist reset marker", slog.String("error", err.Error()))
	}
	l.storeGlobal(ctx)

	l.repo.Audit(ctx, "", store.ActivityDailyReset, map[string]interface{}{
		"devices_reset": n,
		"date":          today,
	})
	l.logger.InfoContext(ctx, "daily free cycle reset",
		slog.Int("devices_reset", n),
		slog.String("date", today),
		slog.String("previous", previous),
	)
}

func (l *Ledger) storeGlobal(ctx context.Context) {
	if err := l.settings.SetConfig(ctx, store.KeyGlobalFreeToday, strconv.Itoa(l.globalToday)); err != nil {
		l.logger.WarnContext(ctx, "failed to persist global counter", slog.String("error", err.Error()))
	}
}

func (l *Ledger) logLoadError(ctx context.Context, deviceID string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	l.logger.ErrorContext(ctx, "failed to load device record",
		slog.String("device_id", infrastructure.MaskDeviceID(deviceID)),
		slog.String("error", err.Error()),
	)
}

func (l *Ledger) wrapNotFound(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	}
	return err
}
