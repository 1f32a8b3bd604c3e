package protection

import (
	"context"
	"time"

	"github.com/sponsa/sentinel/pkg/audit"
	"github.com/sponsa/sentinel/pkg/platform"
)

// State is a point-in-time self-check of the agent's own defenses. It is
// recomputed on demand and never persisted as history; only the pass/fail
// outcome reaches the audit trail.
type State struct {
	AppInstalled         bool      `json:"app_installed"`
	DeviceOwnerEnabled   bool      `json:"device_owner_enabled"`
	UninstallBlocked     bool      `json:"uninstall_blocked"`
	ForceStopBlocked     bool      `json:"force_stop_blocked"`
	StatusIntegrityValid bool      `json:"status_integrity_valid"`
	Healthy              bool      `json:"healthy"`
	Issues               []string  `json:"issues,omitempty"`
	CheckedAt            time.Time `json:"checked_at"`
}

// Checker computes ProtectionState from the platform inspector.
type Checker struct {
	inspector platform.Inspector
	audit     *audit.Log
	now       func() time.Time
}

func NewChecker(inspector platform.Inspector, auditLog *audit.Log) *Checker {
	return &Checker{inspector: inspector, audit: auditLog, now: time.Now}
}

// Check runs the self-check. Individual read failures degrade the state
// rather than erroring out; an unreadable protection surface is itself a
// finding.
func (c *Checker) Check(ctx context.Context, deviceID string) State {
	state := State{CheckedAt: c.now().UTC(), StatusIntegrityValid: true}

	read := func(name string, fn func(context.Context) (bool, error)) bool {
		ok, err := fn(ctx)
		if err != nil {
			state.StatusIntegrityValid = false
			state.Issues = append(state.Issues, name+": "+err.Error())
			return false
		}
		if !ok {
			state.Issues = append(state.Issues, name+" not in effect")
		}
		return ok
	}

	state.AppInstalled = read("app_installed", c.inspector.AppInstalled)
	state.DeviceOwnerEnabled = read("device_owner", c.inspector.DeviceOwnerEnabled)
	state.UninstallBlocked = read("uninstall_block", c.inspector.UninstallBlocked)
	state.ForceStopBlocked = read("force_stop_block", c.inspector.ForceStopBlocked)

	state.Healthy = state.AppInstalled && state.DeviceOwnerEnabled &&
		state.UninstallBlocked && state.ForceStopBlocked && state.StatusIntegrityValid

	severity := "LOW"
	message := "Protection self-check passed"
	if !state.Healthy {
		severity = "HIGH"
		message = "Protection self-check degraded"
	}
	c.audit.Record(deviceID, audit.KindProtectionCheck, severity, message,
		map[string]any{"issues": len(state.Issues), "healthy": state.Healthy})
	return state
}
