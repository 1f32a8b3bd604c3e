package engine

import (
	"context"
	"errors"

	"github.com/sponsa/sentinel/pkg/alertqueue"
	"github.com/sponsa/sentinel/pkg/audit"
	"github.com/sponsa/sentinel/pkg/lock"
	"github.com/sponsa/sentinel/pkg/snapshot"
	"github.com/sponsa/sentinel/pkg/transport"
)

// executeCommands runs backend instructions in order with at-most-once
// semantics: an ID already in the executed set is skipped, and the set is
// written only after the command's effect is durable. Privileged kinds carry
// a token verified before any effect.
func (e *Engine) executeCommands(ctx context.Context, snap *snapshot.DeviceSnapshot, cmds []transport.Command) {
	for _, cmd := range cmds {
		log := e.logger.With().Str("command_id", cmd.ID).Str("command_type", cmd.Type).Logger()

		done, err := e.store.CommandExecuted(cmd.ID)
		if err != nil {
			log.Error().Err(err).Msg("Executed-command lookup failed; skipping")
			continue
		}
		if done {
			log.Debug().Msg("Command already executed; skipping redelivery")
			continue
		}

		if err := transport.VerifyCommandAuth(cmd, e.deviceID, e.opts.CommandSecret); err != nil {
			log.Warn().Err(err).Msg("Command authorization rejected")
			e.audit.Record(e.deviceID, audit.KindCommandRejected, "HIGH",
				"Backend command rejected", map[string]any{
					"command_id":   cmd.ID,
					"command_type": cmd.Type,
					"error":        err.Error(),
				})
			continue
		}

		if err := e.runCommand(ctx, snap, cmd); err != nil {
			// Not marked executed: the backend redelivers and the command
			// retries next heartbeat.
			log.Error().Err(err).Msg("Command execution failed")
			continue
		}

		if err := e.store.MarkCommandExecuted(cmd.ID, cmd.Type, e.now().UTC()); err != nil {
			log.Error().Err(err).Msg("Failed to record command execution")
			continue
		}
		e.audit.Record(e.deviceID, audit.KindCommandExecuted, "LOW", "Backend command executed",
			map[string]any{"command_id": cmd.ID, "command_type": cmd.Type})
	}
}

func (e *Engine) runCommand(ctx context.Context, snap *snapshot.DeviceSnapshot, cmd transport.Command) error {
	switch cmd.Type {
	case transport.CommandLockDevice:
		msg := cmd.Message
		if msg == "" {
			msg = "Device locked by administrator"
		}
		demand := &lock.Demand{
			Type:    lock.TypeHard,
			Reason:  lock.ParseReason(cmd.Reason),
			Message: msg,
		}
		// A payment-origin lock keeps its PIN release path so the PAID rule
		// and the backend-issued password apply to it.
		if demand.Reason.PaymentOrigin() && e.lastPayment != nil {
			demand.PIN = e.lastPayment.UnlockPassword
		}
		_, err := e.locks.Apply(ctx, lock.Decision{DeviceID: e.deviceID, Lock: demand})
		return err

	case transport.CommandUnlockDevice:
		_, err := e.locks.UnlockFromBackend(ctx, e.deviceID, cmd.Reason)
		if errors.Is(err, lock.ErrNoLock) {
			return nil
		}
		return err

	case transport.CommandDisableFeatures:
		if err := e.platform.DisableCamera(ctx, true); err != nil {
			return err
		}
		if err := e.platform.DisableUSB(ctx, true); err != nil {
			return err
		}
		return e.platform.DisableDeveloperOptions(ctx, true)

	case transport.CommandDisableCamera:
		return e.platform.DisableCamera(ctx, true)

	case transport.CommandDisableUSB:
		return e.platform.DisableUSB(ctx, true)

	case transport.CommandDisableDevMode:
		return e.platform.DisableDeveloperOptions(ctx, true)

	case transport.CommandRestrictNetwork:
		return e.platform.RestrictNetwork(ctx, true)

	case transport.CommandWipeData:
		return e.platform.WipeSensitiveData(ctx)

	case transport.CommandAlertOnly:
		attempt, err := e.triggers.NextAttemptNumber(e.deviceID)
		if err != nil {
			return err
		}
		state, err := e.machine.Load(e.deviceID)
		if err != nil {
			return err
		}
		return e.queue.Enqueue(ctx, alertFor(e.deviceID, attempt, "WARNING", state.Level(), e.isLocked()))

	case transport.CommandResetEscalation:
		why := cmd.Reason
		if why == "" {
			why = "backend"
		}
		return e.machine.Reset(e.deviceID, why)

	case transport.CommandConfirmBaseline:
		if snap == nil || snap.Partial() {
			return errors.New("engine: refusing to commit partial snapshot as baseline")
		}
		if err := e.baselines.CommitVerified(e.deviceID, snap, "confirm_baseline"); err != nil {
			return err
		}
		e.audit.Record(e.deviceID, audit.KindBaselineCommit, "LOW",
			"Current snapshot committed as verified baseline", map[string]any{"command_id": cmd.ID})
		return nil

	case transport.CommandDeactivateNow:
		return e.decommission(ctx, cmd.Reason)

	default:
		e.logger.Warn().Str("command_type", cmd.Type).Msg("Unknown command type ignored")
		return nil
	}
}

func alertFor(deviceID string, attempt int, severity string, level int, locked bool) alertqueue.Alert {
	return alertqueue.Alert{
		DeviceID:        deviceID,
		AttemptNumber:   attempt,
		Severity:        severity,
		EscalationLevel: level,
		DeviceLocked:    locked,
	}
}

// decommission releases enforcement and stops the verification loop. Issued
// when the financing contract closes; the device returns to the owner's full
// control and no further cycles run.
func (e *Engine) decommission(ctx context.Context, reason string) error {
	if reason == "" {
		reason = "contract closed"
	}

	if rec, err := e.locks.Effective(e.deviceID); err == nil && rec != nil {
		if _, err := e.locks.UnlockFromBackend(ctx, e.deviceID, "decommission: "+reason); err != nil {
			return err
		}
	}
	if err := e.platform.DisableCamera(ctx, false); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to restore camera during decommission")
	}
	if err := e.platform.DisableUSB(ctx, false); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to restore USB during decommission")
	}
	if err := e.platform.DisableDeveloperOptions(ctx, false); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to restore developer options during decommission")
	}
	if err := e.platform.RestrictNetwork(ctx, false); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to restore network during decommission")
	}

	e.decommissioned.Store(true)
	e.Restore()
	e.audit.Record(e.deviceID, audit.KindDecommissioned, "LOW", "Device decommissioned",
		map[string]any{"reason": reason})
	e.logger.Info().Str("reason", reason).Msg("Decommissioned; verification loop disabled")
	return nil
}
