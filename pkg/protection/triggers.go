package protection

import (
	"errors"
	"time"

	"github.com/sponsa/sentinel/pkg/audit"
	"github.com/sponsa/sentinel/pkg/store"
)

// TriggerKind names the asynchronous platform notifications that feed the
// escalation machine alongside the poll cycle.
type TriggerKind string

const (
	TriggerPackageRemoval  TriggerKind = "package_removal"
	TriggerAdminRevoked    TriggerKind = "admin_revoked"
	TriggerSettingsChanged TriggerKind = "settings_changed"
)

// KnownTrigger reports whether kind names a recognized platform notification.
func KnownTrigger(kind string) bool {
	switch TriggerKind(kind) {
	case TriggerPackageRemoval, TriggerAdminRevoked, TriggerSettingsChanged:
		return true
	}
	return false
}

// Incident is a deduplicated removal/tamper trigger awaiting the next cycle.
type Incident struct {
	Kind          TriggerKind `json:"kind"`
	AttemptNumber int         `json:"attempt_number"`
	ReportedAt    time.Time   `json:"reported_at"`
}

// Triggers dedups async notifications against the poll cycle. Each (device,
// kind) holds at most one open incident, keyed by a monotonically increasing
// attempt number that persists across restarts; the next cycle consumes all
// open incidents so an event and the following poll never double-count.
type Triggers struct {
	store *store.Store
	audit *audit.Log
	now   func() time.Time
}

func NewTriggers(st *store.Store, auditLog *audit.Log) *Triggers {
	return &Triggers{store: st, audit: auditLog, now: time.Now}
}

// Register records a trigger. When an incident of the same kind is already
// open, the existing one is returned and fresh is false.
func (t *Triggers) Register(deviceID string, kind TriggerKind) (Incident, bool, error) {
	if existing, err := t.store.OpenIncident(deviceID, string(kind)); err == nil {
		return Incident{
			Kind:          kind,
			AttemptNumber: existing.AttemptNumber,
			ReportedAt:    existing.CreatedAt,
		}, false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return Incident{}, false, err
	}

	attempt, err := t.store.NextAttemptNumber(deviceID)
	if err != nil {
		return Incident{}, false, err
	}

	now := t.now().UTC()
	rec := &store.PendingIncident{
		DeviceID:      deviceID,
		Kind:          string(kind),
		AttemptNumber: attempt,
		CreatedAt:     now,
	}
	if err := t.store.CreateIncident(rec); err != nil {
		// Lost a race with a concurrent registration of the same kind.
		if existing, lookupErr := t.store.OpenIncident(deviceID, string(kind)); lookupErr == nil {
			return Incident{
				Kind:          kind,
				AttemptNumber: existing.AttemptNumber,
				ReportedAt:    existing.CreatedAt,
			}, false, nil
		}
		return Incident{}, false, err
	}

	t.audit.Record(deviceID, audit.KindRemovalTrigger, "HIGH", "Removal trigger registered",
		map[string]any{"kind": string(kind), "attempt_number": attempt})
	return Incident{Kind: kind, AttemptNumber: attempt, ReportedAt: now}, true, nil
}

// Consume drains all open incidents for the device, clearing them.
func (t *Triggers) Consume(deviceID string) ([]Incident, error) {
	recs, err := t.store.ConsumeIncidents(deviceID)
	if err != nil {
		return nil, err
	}
	incidents := make([]Incident, 0, len(recs))
	for _, rec := range recs {
		incidents = append(incidents, Incident{
			Kind:          TriggerKind(rec.Kind),
			AttemptNumber: rec.AttemptNumber,
			ReportedAt:    rec.CreatedAt,
		})
	}
	return incidents, nil
}

// NextAttemptNumber allocates a fresh attempt number for poll-cycle incidents
// that did not originate from an async trigger.
func (t *Triggers) NextAttemptNumber(deviceID string) (int, error) {
	return t.store.NextAttemptNumber(deviceID)
}
