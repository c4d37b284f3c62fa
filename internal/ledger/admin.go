package ledger

import (
	"context"
	"log/slog"

	"cleanhelmet/internal/infrastructure"
	"cleanhelmet/internal/store"
)

// ResetDevice clears usage, suspicion and the block flag.
func (l *Ledger) ResetDevice(ctx context.Context, deviceID string) (*store.DeviceRecord, error) {
	return l.adminUpdate(ctx, deviceID, store.ActivityAdminReset, func(d *store.DeviceRecord) bool {
		l.globalToday = max(0, l.globalToday-d.FreeCyclesUsed)
		d.FreeCyclesUsed = 0
		d.SuspiciousActivityCount = 0
		d.IsBlocked = false
		d.LastFreeCycleAt = nil
		return true
	})
}

// BlockDevice blocks free cycles for the device. Blocking a blocked
// device changes nothing and writes no audit entry.
func (l *Ledger) BlockDevice(ctx context.Context, deviceID string) (*store.DeviceRecord, error) {
	return l.adminUpdate(ctx, deviceID, store.ActivityAdminBlock, func(d *store.DeviceRecord) bool {
		if d.IsBlocked {
			return false
		}
		d.IsBlocked = true
		return true
	})
}

// UnblockDevice lifts a block. The suspicion counter is kept.
func (l *Ledger) UnblockDevice(ctx context.Context, deviceID string) (*store.DeviceRecord, error) {
	return l.adminUpdate(ctx, deviceID, store.ActivityAdminUnblock, func(d *store.DeviceRecord) bool {
		if !d.IsBlocked {
			return false
		}
		d.IsBlocked = false
		return true
	})
}

// GrantBonusCycle adds one free cycle to today's quota for the device.
func (l *Ledger) GrantBonusCycle(ctx context.Context, deviceID string) (*store.DeviceRecord, error) {
	return l.adminUpdate(ctx, deviceID, store.ActivityAdminFreeCycleSent, func(d *store.DeviceRecord) bool {
		d.BonusCycles++
		return true
	})
}

// adminUpdate runs mutate under the ledger lock. mutate returns false when
// the record is already in the requested state.
func (l *Ledger) adminUpdate(ctx context.Context, deviceID string, t store.ActivityType, mutate func(d *store.DeviceRecord) bool) (*store.DeviceRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.ensureDailyReset(ctx)

	changed := false
	global := l.globalToday
	d, err := l.repo.Update(ctx, deviceID, func(d *store.DeviceRecord) error {
		changed = mutate(d)
		d.FreeCyclesAvailable = l.available(d)
		return nil
	})
	if err != nil {
		l.globalToday = global
		return nil, l.wrapNotFound(err)
	}
	if !changed {
		l.logger.DebugContext(ctx, "admin operation was a no-op",
			slog.String("operation", string(t)),
			slog.String("device_id", infrastructure.MaskDeviceID(deviceID)),
		)
		return d, nil
	}

	if l.globalToday != global {
		l.storeGlobal(ctx)
	}
	l.repo.Audit(ctx, deviceID, t, map[string]interface{}{"target_device": deviceID})
	l.logger.InfoContext(ctx, "admin operation applied",
		slog.String("operation", string(t)),
		slog.String("device_id", infrastructure.MaskDeviceID(deviceID)),
	)
	return d, nil
}
