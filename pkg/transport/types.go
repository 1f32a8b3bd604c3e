package transport

import (
	"time"

	"github.com/sponsa/sentinel/pkg/loan"
	"github.com/sponsa/sentinel/pkg/snapshot"
)

// SyncPayload is the heartbeat body sent to the backend every cycle.
type SyncPayload struct {
	DeviceID       string                   `json:"device_id"`
	Timestamp      time.Time                `json:"timestamp"`
	Snapshot       *snapshot.DeviceSnapshot `json:"snapshot"`
	TamperSeverity string                   `json:"tamper_severity"`
	TamperFlags    []string                 `json:"tamper_flags"`
	IsLocked       bool                     `json:"is_locked"`
	SyncStatus     string                   `json:"sync_status"` // ok or degraded
}

// Command kinds the backend may issue.
const (
	CommandLockDevice      = "LOCK_DEVICE"
	CommandDisableFeatures = "DISABLE_FEATURES"
	CommandWipeData        = "WIPE_DATA"
	CommandAlertOnly       = "ALERT_ONLY"
	CommandDisableCamera   = "DISABLE_CAMERA"
	CommandDisableUSB      = "DISABLE_USB"
	CommandDisableDevMode  = "DISABLE_DEVELOPER_MODE"
	CommandRestrictNetwork = "RESTRICT_NETWORK"
	CommandUnlockDevice    = "UNLOCK_DEVICE"
	CommandResetEscalation = "RESET_ESCALATION"
	CommandDeactivateNow   = "DEACTIVATE_NOW"
	CommandConfirmBaseline = "CONFIRM_BASELINE"
)

// Command is one typed backend instruction. ID drives at-most-once execution;
// Auth carries the HS256 authorization token required on privileged kinds.
type Command struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Auth    string `json:"auth,omitempty"`
}

// LockStatus is the backend's view of the device lock.
type LockStatus struct {
	IsLocked bool   `json:"is_locked"`
	Reason   string `json:"reason,omitempty"`
}

// NextPayment carries the upcoming installment and its one-time unlock
// password for payment locks.
type NextPayment struct {
	DueAt          time.Time `json:"date_time"`
	UnlockPassword string    `json:"unlock_password"`
}

// SyncResponse is the backend's heartbeat answer.
type SyncResponse struct {
	Success bool `json:"success"`

	// VerifiedSnapshot, when present, is the snapshot the backend confirms as
	// the new trusted baseline.
	VerifiedSnapshot *snapshot.DeviceSnapshot `json:"verified_snapshot,omitempty"`

	// Loan is the ledger's current view of the financing contract; it feeds
	// the payment lock policy on the following cycles.
	Loan *loan.Snapshot `json:"loan,omitempty"`

	LockStatus  *LockStatus  `json:"lock_status,omitempty"`
	Commands    []Command    `json:"commands,omitempty"`
	NextPayment *NextPayment `json:"next_payment,omitempty"`
	ServerTime  time.Time    `json:"server_time"`
}
