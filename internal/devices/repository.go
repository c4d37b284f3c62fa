// Package devices guards read-modify-write access to device records and
// their audit trail. Identity and entitlement code share one Repository so
// their mutations never interleave.
package devices

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"cleanhelmet/internal/infrastructure"
	"cleanhelmet/internal/scheduler"
	"cleanhelmet/internal/security"
	"cleanhelmet/internal/store"
)

// ErrNotFound is returned for unknown device ids.
var ErrNotFound = store.ErrNotFound

// Storage is the subset of store.Store the repository needs.
type Storage interface {
	store.DeviceStore
	store.ActivityLog
}

// AuditHook observes every appended activity entry.
type AuditHook func(ctx context.Context, e store.ActivityEntry)

// Repository loads, seals and saves device records.
type Repository struct {
	mu      sync.Mutex
	storage Storage
	sealer  *security.Sealer
	clock   scheduler.Clock
	logger  *slog.Logger

	hooksMu sync.RWMutex
	hooks   []AuditHook
}

// NewRepository creates a repository. A nil sealer disables tamper checks.
func NewRepository(storage Storage, sealer *security.Sealer, clock scheduler.Clock, logger *slog.Logger) *Repository {
	if clock == nil {
		clock = scheduler.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		storage: storage,
		sealer:  sealer,
		clock:   clock,
		logger:  logger.With(slog.String("component", "device_repository")),
	}
}

// OnAudit registers a hook called after each successful AppendActivity.
func (r *Repository) OnAudit(h AuditHook) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks = append(r.hooks, h)
}

// Now returns the repository clock time.
func (r *Repository) Now() time.Time { return r.clock.Now() }

// Get returns a verified copy of the record.
func (r *Repository) Get(ctx context.Context, id string) (*store.DeviceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(ctx, id)
}

// List returns every record, verifying each seal.
func (r *Repository) List(ctx context.Context) ([]*store.DeviceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.storage.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range all {
		r.verify(ctx, d)
	}
	return all, nil
}

// Create stores a fresh record for id unless one exists, and returns it.
func (r *Repository) Create(ctx context.Context, id, fingerprint string) (*store.DeviceRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.load(ctx, id)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	now := r.clock.Now()
	d := &store.DeviceRecord{
		DeviceID:     id,
		Fingerprint:  fingerprint,
		CreatedAt:    now,
		LastAccessAt: now,
		IPHistory:    []string{},
	}
	if err := r.save(ctx, d); err != nil {
		return nil, false, err
	}
	r.logger.InfoContext(ctx, "device registered", slog.String("device_id", infrastructure.MaskDeviceID(id)))
	return d.Clone(), true, nil
}

// Update applies fn to the current record and persists the result.
// If fn returns an error nothing is written.
func (r *Repository) Update(ctx context.Context, id string, fn func(d *store.DeviceRecord) error) (*store.DeviceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(d); err != nil {
		return nil, err
	}
	if err := r.save(ctx, d); err != nil {
		return nil, err
	}
	return d.Clone(), nil
}

// UpdateAll applies fn to every record and writes them in one batch.
func (r *Repository) UpdateAll(ctx context.Context, fn func(d *store.DeviceRecord)) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.storage.ListDevices(ctx)
	if err != nil {
		return 0, err
	}
	for _, d := range all {
		r.verify(ctx, d)
		fn(d)
		r.sign(d)
	}
	if err := r.storage.SaveDevices(ctx, all); err != nil {
		return 0, err
	}
	return len(all), nil
}

// Audit appends an activity entry. Failures are logged, not returned.
// Audit does not take the record lock and may be called from Update callbacks.
func (r *Repository) Audit(ctx context.Context, deviceID string, t store.ActivityType, payload map[string]interface{}) {
	e := &store.ActivityEntry{
		DeviceID:  deviceID,
		Type:      t,
		Timestamp: r.clock.Now(),
		Payload:   payload,
	}
	if err := r.storage.AppendActivity(ctx, e); err != nil {
		r.logger.ErrorContext(ctx, "failed to append activity",
			slog.String("type", string(t)),
			slog.String("error", err.Error()),
		)
		return
	}

	r.hooksMu.RLock()
	hooks := append([]AuditHook(nil), r.hooks...)
	r.hooksMu.RUnlock()
	for _, h := range hooks {
		h(ctx, *e)
	}
}

// Activity lists audit entries.
func (r *Repository) Activity(ctx context.Context, filter store.ActivityFilter) ([]store.ActivityEntry, error) {
	return r.storage.ListActivity(ctx, filter)
}

func (r *Repository) load(ctx context.Context, id string) (*store.DeviceRecord, error) {
	d, err := r.storage.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.verify(ctx, d) {
		return d, nil
	}
	// Persist the block so a later read does not need the audit to reapply it.
	if err := r.save(ctx, d); err != nil {
		r.logger.ErrorContext(ctx, "failed to persist tamper block", slog.String("error", err.Error()))
	}
	return d, nil
}

// verify checks the seal and blocks tampered records in place.
// It returns true when the record was intact.
func (r *Repository) verify(ctx context.Context, d *store.DeviceRecord) bool {
	if r.sealer == nil {
		return true
	}
	if r.sealer.Verify(sealFields(d), d.Seal) {
		return true
	}

	r.logger.WarnContext(ctx, "device record seal mismatch",
		slog.String("device_id", infrastructure.MaskDeviceID(d.DeviceID)),
	)
	d.IsBlocked = true
	d.SuspiciousActivityCount++
	r.Audit(ctx, d.DeviceID, store.ActivitySealMismatch, map[string]interface{}{"blocked": true})
	return false
}

func (r *Repository) save(ctx context.Context, d *store.DeviceRecord) error {
	r.sign(d)
	return r.storage.SaveDevice(ctx, d)
}

func (r *Repository) sign(d *store.DeviceRecord) {
	if r.sealer != nil {
		d.Seal = r.sealer.Sign(sealFields(d))
	}
}

func sealFields(d *store.DeviceRecord) security.SealFields {
	return security.SealFields{
		DeviceID:        d.DeviceID,
		FreeCyclesUsed:  d.FreeCyclesUsed,
		BonusCycles:     d.BonusCycles,
		LastFreeCycleAt: d.LastFreeCycleAt,
		Suspicious:      d.SuspiciousActivityCount,
		Blocked:         d.IsBlocked,
		TotalCycles:     d.TotalCycles,
	}
}
