package store

import (
	"encoding/json"
	"time"
)

// ActivityType classifies an audit log entry.
type ActivityType string

const (
	ActivityFingerprintChange     ActivityType = "FINGERPRINT_CHANGE"
	ActivityDeviceBlocked         ActivityType = "DEVICE_BLOCKED"
	ActivityBlockedAttempt        ActivityType = "BLOCKED_ATTEMPT"
	ActivityFreeCycleLimitReached ActivityType = "FREE_CYCLE_LIMIT_REACHED"
	ActivityGlobalLimitReached    ActivityType = "GLOBAL_LIMIT_REACHED"
	ActivityCooldownActive        ActivityType = "COOLDOWN_ACTIVE"
	ActivityFreeCycleUsed         ActivityType = "FREE_CYCLE_USED"
	ActivityDailyReset            ActivityType = "DAILY_RESET"
	ActivityAdminReset            ActivityType = "ADMIN_RESET"
	ActivityAdminBlock            ActivityType = "ADMIN_BLOCK"
	ActivityAdminUnblock          ActivityType = "ADMIN_UNBLOCK"
	ActivityAdminFreeCycleSent    ActivityType = "ADMIN_FREE_CYCLE_SENT"
	ActivityOriginLimitExceeded   ActivityType = "ORIGIN_LIMIT_EXCEEDED"
	ActivitySealMismatch          ActivityType = "SEAL_MISMATCH"
	ActivityCycleCompleted        ActivityType = "CYCLE_COMPLETED"
	ActivityCycleForceStopped     ActivityType = "CYCLE_FORCE_STOPPED"
	ActivitySyncItemDropped       ActivityType = "SYNC_ITEM_DROPPED"
)

// DeviceRecord is the per-device entitlement and suspicion record.
// FreeCyclesAvailable is a cached display value; the ledger recomputes it
// from FreeCyclesUsed and BonusCycles on every mutation.
type DeviceRecord struct {
	DeviceID                string     `gorm:"primaryKey;size:64" json:"device_id"`
	Fingerprint             string     `gorm:"size:64" json:"fingerprint"`
	FreeCyclesUsed          int        `json:"free_cycles_used"`
	FreeCyclesAvailable     int        `json:"free_cycles_available"`
	BonusCycles             int        `json:"bonus_cycles"`
	LastFreeCycleAt         *time.Time `json:"last_free_cycle_at,omitempty"`
	SuspiciousActivityCount int        `json:"suspicious_activity_count"`
	IsBlocked               bool       `gorm:"index" json:"is_blocked"`
	IPHistory               []string   `gorm:"serializer:json" json:"ip_history"`
	TotalCycles             int        `json:"total_cycles"`
	CreatedAt               time.Time  `json:"created_at"`
	LastAccessAt            time.Time  `json:"last_access_at"`
	Seal                    string     `gorm:"size:64" json:"-"`
}

// Clone returns a deep copy.
func (d *DeviceRecord) Clone() *DeviceRecord {
	if d == nil {
		return nil
	}
	c := *d
	if d.LastFreeCycleAt != nil {
		t := *d.LastFreeCycleAt
		c.LastFreeCycleAt = &t
	}
	if d.IPHistory != nil {
		c.IPHistory = append([]string(nil), d.IPHistory...)
	}
	return &c
}

// ActivityEntry is one immutable audit log line.
type ActivityEntry struct {
	ID        uint                   `gorm:"primaryKey;autoIncrement" json:"id"`
	DeviceID  string                 `gorm:"index;size:64" json:"device_id"`
	Type      ActivityType           `gorm:"index;size:48" json:"type"`
	Timestamp time.Time              `gorm:"index" json:"timestamp"`
	Payload   map[string]interface{} `gorm:"serializer:json" json:"payload,omitempty"`
}

// ActivityFilter narrows ListActivity results. Zero values match everything.
type ActivityFilter struct {
	DeviceID string
	Type     ActivityType
	Since    time.Time
	Limit    int
}

func (f ActivityFilter) matches(e *ActivityEntry) bool {
	if f.DeviceID != "" && e.DeviceID != f.DeviceID {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// ConfigEntry is a key/value pair of kiosk-local state.
type ConfigEntry struct {
	Key   string `gorm:"primaryKey;column:name;size:64"`
	Value string `gorm:"type:text"`
}

// SyncItemType names the kind of event buffered for the remote store.
type SyncItemType string

const (
	SyncItemLog     SyncItemType = "log"
	SyncItemCycle   SyncItemType = "cycle"
	SyncItemPayment SyncItemType = "payment"
)

// SyncItem is one buffered outbound event.
type SyncItem struct {
	ID         string          `gorm:"primaryKey;size:36" json:"id"`
	Seq        int64           `gorm:"index" json:"seq"`
	Type       SyncItemType    `gorm:"size:16" json:"type"`
	Payload    json.RawMessage `gorm:"type:blob" json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
	RetryCount int             `json:"retry_count"`
}

// Well-known config keys.
const (
	KeyDeviceID          = "deviceId"
	KeyFingerprint       = "fingerprint"
	KeyLastDailyReset    = "lastDailyReset"
	KeyGlobalFreeToday   = "globalFreeCyclesToday"
	KeyLastCycleReport   = "lastCycleReport"
	KeyLastCycleReportAt = "lastCycleReportAt"
	KeySealSalt          = "sealSalt"
)
