package audit

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/sponsa/sentinel/pkg/store"
)

// Entry kinds written by the engine. Every state transition, verification
// result, and response action lands here.
const (
	KindVerification     = "verification"
	KindEscalation       = "escalation"
	KindLockApplied      = "lock_applied"
	KindLockSuppressed   = "lock_demand_suppressed"
	KindLockReleased     = "lock_released"
	KindUnlockAttempt    = "unlock_attempt"
	KindPINExhausted     = "pin_exhausted"
	KindAlertQueued      = "alert_queued"
	KindAlertPruned      = "alert_pruned"
	KindCommandExecuted  = "command_executed"
	KindCommandRejected  = "command_rejected"
	KindBaselineCommit   = "baseline_commit"
	KindBaselineMissing  = "baseline_not_established"
	KindProtectionCheck  = "protection_check"
	KindRemovalTrigger   = "removal_trigger"
	KindPrivilegeFailure = "privilege_action_failure"
	KindCycleDegraded    = "cycle_degraded"
	KindDecommissioned   = "decommissioned"
)

// Log writes append-only audit entries to the record store and mirrors them to
// the structured log.
type Log struct {
	store  *store.Store
	logger zerolog.Logger
	now    func() time.Time
}

func New(st *store.Store, logger zerolog.Logger) *Log {
	return &Log{
		store:  st,
		logger: logger.With().Str("component", "audit").Logger(),
		now:    time.Now,
	}
}

// Record appends one entry. Persistence failures are logged, not returned: an
// unwritable audit trail must never block a lock decision.
func (l *Log) Record(deviceID, kind, severity, message string, detail map[string]any) {
	var detailJSON string
	if len(detail) > 0 {
		if data, err := json.Marshal(detail); err == nil {
			detailJSON = string(data)
		}
	}

	entry := &store.AuditEntry{
		DeviceID:  deviceID,
		Kind:      kind,
		Severity:  severity,
		Message:   message,
		Detail:    detailJSON,
		CreatedAt: l.now().UTC(),
	}
	if err := l.store.AppendAudit(entry); err != nil {
		l.logger.Error().Err(err).Str("kind", kind).Msg("Failed to persist audit entry")
	}

	event := l.logger.Info()
	if severity == "HIGH" || severity == "CRITICAL" {
		event = l.logger.Warn()
	}
	event.Str("device_id", deviceID).Str("kind", kind).Str("severity", severity).
		Fields(detail).Msg(message)
}

// Recent returns the newest limit entries for a device.
func (l *Log) Recent(deviceID string, limit int) ([]store.AuditEntry, error) {
	return l.store.RecentAudit(deviceID, limit)
}
