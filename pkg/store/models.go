package store

import "time"

// BaselineRecord holds a serialized trusted snapshot. At most one record per
// (device, kind) is active; commits replace, they never merge.
type BaselineRecord struct {
	ID           uint   `gorm:"primaryKey"`
	DeviceID     string `gorm:"uniqueIndex:idx_baseline_device_kind"`
	Kind         string `gorm:"uniqueIndex:idx_baseline_device_kind"` // enrollment or verified
	SnapshotJSON string `gorm:"type:text"`
	Source       string // what confirmed this baseline (backend, enrollment, recovery)
	CommittedAt  time.Time
}

// EscalationRecord persists the escalation state machine across restarts.
type EscalationRecord struct {
	ID                   uint   `gorm:"primaryKey"`
	DeviceID             string `gorm:"uniqueIndex"`
	ConsecutiveIncidents int
	LastSeverity         string
	LastAction           string
	LastUpdated          time.Time
}

// LockRecord is the authoritative lock row for a device. Only one record per
// device may be in status active or pin_exhausted at a time.
type LockRecord struct {
	ID           uint       `gorm:"primaryKey" json:"-"`
	LockID       string     `gorm:"uniqueIndex" json:"lock_id"`
	DeviceID     string     `gorm:"index" json:"device_id"`
	LockType     string     `json:"lock_type"` // SOFT, HARD, PERMANENT
	Reason       string     `json:"reason"`    // TAMPER, PAYMENT_OVERDUE, PAYMENT_DEFAULT
	Message      string     `json:"message"`
	PINHash      string     `json:"-"`
	PINSalt      string     `json:"-"`
	MaxAttempts  int        `json:"max_attempts"`
	AttemptsUsed int        `json:"attempts_used"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Status       string     `gorm:"index" json:"status"` // active, released, pin_exhausted

	// The losing demand when two lock sources fired at once. Recorded for
	// audit completeness, never enforced.
	SuppressedType   string `json:"suppressed_type,omitempty"`
	SuppressedReason string `json:"suppressed_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AlertRecord is one queued outbound alert. Rows are appended durably before
// any delivery attempt and drained oldest-first.
type AlertRecord struct {
	ID              uint   `gorm:"primaryKey"`
	AlertID         string `gorm:"uniqueIndex"`
	DeviceID        string `gorm:"index"`
	AttemptNumber   int
	Severity        string // WARNING, HIGH, CRITICAL
	EscalationLevel int
	DeviceLocked    bool
	QueuedAt        time.Time `gorm:"index"`
	DeliveredAt     *time.Time
}

// AttemptCounter allocates monotonically increasing removal-attempt numbers
// per device, surviving process restarts.
type AttemptCounter struct {
	ID          uint   `gorm:"primaryKey"`
	DeviceID    string `gorm:"uniqueIndex"`
	LastAttempt int
}

// PendingIncident dedups asynchronous tamper triggers against the poll cycle:
// one open incident per (device, kind) until the next cycle consumes it.
type PendingIncident struct {
	ID            uint   `gorm:"primaryKey"`
	DeviceID      string `gorm:"uniqueIndex:idx_incident_device_kind"`
	Kind          string `gorm:"uniqueIndex:idx_incident_device_kind"`
	AttemptNumber int
	CreatedAt     time.Time
}

// ExecutedCommand records backend command IDs that have already run, enforcing
// at-most-once execution across replays and restarts.
type ExecutedCommand struct {
	ID         uint   `gorm:"primaryKey"`
	CommandID  string `gorm:"uniqueIndex"`
	Kind       string
	ExecutedAt time.Time
}

// AuditEntry is one append-only audit trail row.
type AuditEntry struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	DeviceID  string    `gorm:"index" json:"device_id"`
	Kind      string    `gorm:"index" json:"kind"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Detail    string    `gorm:"type:text" json:"detail,omitempty"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}
