package escalation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sponsa/sentinel/pkg/audit"
	"github.com/sponsa/sentinel/pkg/platform"
	"github.com/sponsa/sentinel/pkg/store"
	"github.com/sponsa/sentinel/pkg/tamper"
)

// State is the persistent escalation position for a device. It survives
// restarts; the counter resets only on a NONE verification result or an
// explicit backend-confirmed clearance.
type State struct {
	DeviceID             string          `json:"device_id"`
	ConsecutiveIncidents int             `json:"consecutive_incidents"`
	LastSeverity         tamper.Severity `json:"last_severity"`
	LastAction           string          `json:"last_action"`
	LastUpdated          time.Time       `json:"last_updated"`
}

// Level maps the incident count to the 0-3 escalation level carried in
// removal alerts.
func (s State) Level() int {
	switch {
	case s.ConsecutiveIncidents <= 0:
		return 0
	case s.ConsecutiveIncidents == 1:
		return 1
	case s.ConsecutiveIncidents <= 3:
		return 2
	default:
		return 3
	}
}

// AlertSink queues an outbound incident alert for delivery.
type AlertSink interface {
	QueueIncident(ctx context.Context, deviceID string, severity tamper.Severity, level int) error
}

// LockRequester asks the lock manager for a tamper HARD lock.
type LockRequester interface {
	RequestHardLock(ctx context.Context, deviceID string) error
}

// Cadence adjusts the poll interval: raised under MEDIUM+ escalation,
// restored on de-escalation.
type Cadence interface {
	Raise()
	Restore()
}

// Wiper triggers the sensitive-data wipe collaborator.
type Wiper interface {
	WipeSensitiveData(ctx context.Context) error
}

// Machine consumes per-cycle tamper statuses and executes the response policy
// synchronously. Every response step is independently fail-soft: one failed
// feature-disable never blocks the lock, and a failed lock is retried on the
// next cycle.
type Machine struct {
	store    *store.Store
	audit    *audit.Log
	alerts   AlertSink
	locks    LockRequester
	features platform.Controller
	wiper    Wiper
	cadence  Cadence
	logger   zerolog.Logger
	now      func() time.Time
}

func NewMachine(st *store.Store, auditLog *audit.Log, alerts AlertSink, locks LockRequester,
	features platform.Controller, wiper Wiper, cadence Cadence, logger zerolog.Logger) *Machine {
	return &Machine{
		store:    st,
		audit:    auditLog,
		alerts:   alerts,
		locks:    locks,
		features: features,
		wiper:    wiper,
		cadence:  cadence,
		logger:   logger.With().Str("component", "escalation").Logger(),
		now:      time.Now,
	}
}

// Load returns the persisted state for a device, zero-valued when none exists.
func (m *Machine) Load(deviceID string) (State, error) {
	rec, err := m.store.Escalation(deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return State{DeviceID: deviceID}, nil
	}
	if err != nil {
		return State{}, err
	}
	return State{
		DeviceID:             rec.DeviceID,
		ConsecutiveIncidents: rec.ConsecutiveIncidents,
		LastSeverity:         tamper.ParseSeverity(rec.LastSeverity),
		LastAction:           rec.LastAction,
		LastUpdated:          rec.LastUpdated,
	}, nil
}

// Apply transitions the machine on the latest verification result and runs
// the response for its severity. The returned state is already persisted.
func (m *Machine) Apply(ctx context.Context, deviceID string, status tamper.Status) (State, error) {
	state, err := m.Load(deviceID)
	if err != nil {
		return State{}, err
	}

	if !status.BaselineEstablished {
		// Reported as NONE but audited apart from a true clean result. Flags
		// carry the distinguishing reason (missing row vs empty row).
		var detail map[string]any
		if len(status.Flags) > 0 {
			detail = map[string]any{"flags": strings.Join(status.Flags, ",")}
		}
		m.audit.Record(deviceID, audit.KindBaselineMissing, "LOW",
			"Verification inconclusive: no baseline established", detail)
	}

	if status.Severity == tamper.SeverityNone {
		prior := state.ConsecutiveIncidents
		state.ConsecutiveIncidents = 0
		state.LastSeverity = tamper.SeverityNone
		state.LastAction = "none"
		state.LastUpdated = m.now().UTC()
		if prior > 0 {
			m.cadence.Restore()
		}
		return state, m.save(state)
	}

	state.ConsecutiveIncidents++
	state.LastSeverity = status.Severity
	state.LastAction = strings.Join(m.respond(ctx, deviceID, status, state.Level()), ",")
	state.LastUpdated = m.now().UTC()

	m.audit.Record(deviceID, audit.KindEscalation, status.Severity.String(),
		"Tamper detected", map[string]any{
			"flags":                 strings.Join(status.Flags, ","),
			"consecutive_incidents": state.ConsecutiveIncidents,
			"actions":               state.LastAction,
		})
	return state, m.save(state)
}

// Reset clears the incident counter. Called only on backend-confirmed
// clearance or an explicit manual reset.
func (m *Machine) Reset(deviceID, why string) error {
	state := State{
		DeviceID:    deviceID,
		LastAction:  "reset:" + why,
		LastUpdated: m.now().UTC(),
	}
	m.cadence.Restore()
	m.audit.Record(deviceID, audit.KindEscalation, "LOW", "Escalation state reset",
		map[string]any{"why": why})
	return m.save(state)
}

func (m *Machine) respond(ctx context.Context, deviceID string, status tamper.Status, level int) []string {
	var actions []string
	step := func(name string, fn func() error) {
		if err := fn(); err != nil {
			m.logger.Error().Err(err).Str("step", name).Str("device_id", deviceID).
				Msg("Response step failed")
			m.audit.Record(deviceID, audit.KindPrivilegeFailure, "HIGH",
				"Response step failed: "+name, map[string]any{"error": err.Error()})
			return
		}
		actions = append(actions, name)
	}

	switch status.Severity {
	case tamper.SeverityLow:
		actions = append(actions, "recorded")

	case tamper.SeverityMedium:
		step("alert", func() error { return m.alerts.QueueIncident(ctx, deviceID, status.Severity, level) })
		m.cadence.Raise()
		actions = append(actions, "cadence_raised")

	case tamper.SeverityHigh, tamper.SeverityCritical:
		step("alert", func() error { return m.alerts.QueueIncident(ctx, deviceID, status.Severity, level) })
		// Lock first: it is the stronger invariant, feature disabling must
		// not delay or mask it.
		step("hard_lock", func() error { return m.locks.RequestHardLock(ctx, deviceID) })
		step("disable_camera", func() error { return m.features.DisableCamera(ctx, true) })
		step("disable_usb", func() error { return m.features.DisableUSB(ctx, true) })
		step("disable_developer_options", func() error { return m.features.DisableDeveloperOptions(ctx, true) })
		m.cadence.Raise()
		actions = append(actions, "cadence_raised")
		if status.Severity == tamper.SeverityCritical {
			step("wipe_sensitive_data", func() error { return m.wiper.WipeSensitiveData(ctx) })
		}
	}
	return actions
}

func (m *Machine) save(state State) error {
	return m.store.SaveEscalation(&store.EscalationRecord{
		DeviceID:             state.DeviceID,
		ConsecutiveIncidents: state.ConsecutiveIncidents,
		LastSeverity:         state.LastSeverity.String(),
		LastAction:           state.LastAction,
		LastUpdated:          state.LastUpdated,
	})
}
