package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sponsa/sentinel/pkg/alertqueue"
	"github.com/sponsa/sentinel/pkg/audit"
	"github.com/sponsa/sentinel/pkg/baseline"
	"github.com/sponsa/sentinel/pkg/escalation"
	"github.com/sponsa/sentinel/pkg/lock"
	"github.com/sponsa/sentinel/pkg/loan"
	"github.com/sponsa/sentinel/pkg/platform"
	"github.com/sponsa/sentinel/pkg/protection"
	"github.com/sponsa/sentinel/pkg/snapshot"
	"github.com/sponsa/sentinel/pkg/store"
	"github.com/sponsa/sentinel/pkg/tamper"
	"github.com/sponsa/sentinel/pkg/telemetry"
	"github.com/sponsa/sentinel/pkg/transport"
)

// Backend is the transport surface the engine drives. transport.Client is the
// production implementation.
type Backend interface {
	Heartbeat(ctx context.Context, payload transport.SyncPayload) (*transport.SyncResponse, error)
	Deliver(ctx context.Context, alert alertqueue.Alert) error
}

// Options tunes the per-device worker.
type Options struct {
	Interval          time.Duration
	EscalatedInterval time.Duration
	Jitter            time.Duration
	CallTimeout       time.Duration
	CommandSecret     []byte
}

// Engine is the per-device verification worker. One mutex orders every
// mutation of EscalationState and the active LockRecord: the poll cycle and
// asynchronous triggers serialize on it, so state transitions are totally
// ordered within a device.
type Engine struct {
	deviceID  string
	collector *snapshot.Collector
	baselines *baseline.Store
	machine   *escalation.Machine
	locks     *lock.Manager
	queue     *alertqueue.Queue
	backend   Backend
	loans     loan.Provider
	triggers  *protection.Triggers
	checker   *protection.Checker
	store     *store.Store
	audit     *audit.Log
	platform  platform.Controller
	opts      Options
	logger    zerolog.Logger
	now       func() time.Time

	mu           sync.Mutex
	cycleAttempt int // attempt number from a consumed trigger, 0 when none
	lastPayment  *transport.NextPayment

	escalated      atomic.Bool
	decommissioned atomic.Bool
	online         atomic.Bool
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Collector *snapshot.Collector
	Baselines *baseline.Store
	Locks     *lock.Manager
	Queue     *alertqueue.Queue
	Backend   Backend
	Loans     loan.Provider
	Triggers  *protection.Triggers
	Checker   *protection.Checker
	Store     *store.Store
	Audit     *audit.Log
	Platform  platform.Controller
}

func New(deviceID string, deps Deps, opts Options, logger zerolog.Logger) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Minute
	}
	if opts.EscalatedInterval <= 0 || opts.EscalatedInterval > opts.Interval {
		opts.EscalatedInterval = opts.Interval / 4
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}

	e := &Engine{
		deviceID:  deviceID,
		collector: deps.Collector,
		baselines: deps.Baselines,
		locks:     deps.Locks,
		queue:     deps.Queue,
		backend:   deps.Backend,
		loans:     deps.Loans,
		triggers:  deps.Triggers,
		checker:   deps.Checker,
		store:     deps.Store,
		audit:     deps.Audit,
		platform:  deps.Platform,
		opts:      opts,
		logger:    logger.With().Str("component", "engine").Str("device_id", deviceID).Logger(),
		now:       time.Now,
	}
	e.machine = escalation.NewMachine(deps.Store, deps.Audit, e, e, deps.Platform, deps.Platform, e, logger)
	return e
}

// Machine exposes the escalation state machine (local API, commands).
func (e *Engine) Machine() *escalation.Machine { return e.machine }

// Run drives the poll loop until ctx is cancelled. The first cycle runs
// immediately; later cycles follow the current cadence with jitter to avoid
// thundering-herd sync.
func (e *Engine) Run(ctx context.Context) {
	e.RunCycle(ctx)

	for {
		interval := e.currentInterval()
		if e.opts.Jitter > 0 {
			interval += time.Duration(rand.Int63n(int64(e.opts.Jitter)))
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			e.logger.Info().Msg("Poll loop stopping")
			return
		case <-timer.C:
			e.RunCycle(ctx)
		}
	}
}

func (e *Engine) currentInterval() time.Duration {
	if e.escalated.Load() {
		return e.opts.EscalatedInterval
	}
	return e.opts.Interval
}

// RunCycle executes one verification cycle: capture, compare, classify,
// escalate, enforce, sync, drain. Failures degrade the cycle and are retried
// on the next one; nothing here panics the loop.
func (e *Engine) RunCycle(ctx context.Context) {
	if e.decommissioned.Load() {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, span := telemetry.StartCycleSpan(ctx, e.deviceID)
	now := e.now().UTC()

	snap := e.collector.Capture(ctx)
	status, ok := e.verify(snap, now)
	if !ok {
		telemetry.EndCycleSpan(span, "UNKNOWN", "persistence_failure", false)
		return
	}

	status = e.foldTriggers(ctx, status)

	state, err := e.machine.Apply(ctx, e.deviceID, status)
	e.cycleAttempt = 0
	if err != nil {
		e.degrade(ctx, "escalation state persistence failed", err)
		telemetry.EndCycleSpan(span, status.Severity.String(), "degraded", false)
		return
	}

	e.enforceLocks(ctx, state)
	synced := e.sync(ctx, snap, status)

	telemetry.EndCycleSpan(span, status.Severity.String(), state.LastAction, synced)
}

// verify compares the snapshot against the active baseline. The second return
// is false only on a persistence failure, which aborts the cycle.
func (e *Engine) verify(snap *snapshot.DeviceSnapshot, now time.Time) (tamper.Status, bool) {
	base, kind, err := e.baselines.Active(e.deviceID)
	if errors.Is(err, baseline.ErrNoBaseline) {
		status := tamper.Inconclusive(now)
		if errors.Is(err, baseline.ErrEmptyBaseline) {
			status.Flags = append(status.Flags, "baseline:empty")
		}
		return status, true
	}
	if err != nil {
		e.degrade(context.Background(), "baseline read failed", err)
		return tamper.Status{}, false
	}

	findings := tamper.Compare(snap, base)
	status := tamper.Classify(findings, now)
	e.audit.Record(e.deviceID, audit.KindVerification, status.Severity.String(),
		"Verification cycle completed", map[string]any{
			"baseline_kind":  kind,
			"findings":       len(findings),
			"partial":        snap.Partial(),
			"inventory_hash": snap.InstalledAppsHash,
		})
	return status, true
}

// foldTriggers merges pending async incidents into the cycle's status so a
// removal event and the poll that follows it count once. Consumed incidents
// raise severity to at least HIGH and queue their removal alerts under the
// attempt numbers allocated at registration.
func (e *Engine) foldTriggers(ctx context.Context, status tamper.Status) tamper.Status {
	incidents, err := e.triggers.Consume(e.deviceID)
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to consume pending incidents")
		return status
	}
	if len(incidents) == 0 {
		return status
	}

	locked := e.isLocked()
	for _, inc := range incidents {
		e.cycleAttempt = inc.AttemptNumber
		status.Flags = append(status.Flags, "removal:"+string(inc.Kind))
		if err := e.queue.Enqueue(ctx, alertqueue.Alert{
			DeviceID:        e.deviceID,
			AttemptNumber:   inc.AttemptNumber,
			Severity:        removalSeverity(inc.Kind),
			EscalationLevel: levelFor(inc.AttemptNumber),
			DeviceLocked:    locked,
		}); err != nil {
			e.logger.Error().Err(err).Str("kind", string(inc.Kind)).Msg("Failed to queue removal alert")
		}
	}

	status.Tampered = true
	status.BaselineEstablished = true
	if status.Severity < tamper.SeverityHigh {
		status.Severity = tamper.SeverityHigh
	}
	return status
}

func removalSeverity(kind protection.TriggerKind) string {
	switch kind {
	case protection.TriggerPackageRemoval, protection.TriggerAdminRevoked:
		return "CRITICAL"
	default:
		return "HIGH"
	}
}

func levelFor(attempt int) int {
	switch {
	case attempt <= 1:
		return 1
	case attempt <= 3:
		return 2
	default:
		return 3
	}
}

// enforceLocks merges the tamper and payment demands and applies the result.
func (e *Engine) enforceLocks(ctx context.Context, state escalation.State) {
	loanCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	loanSnap, err := e.loans.Current(loanCtx, e.deviceID)
	cancel()
	if err != nil {
		e.logger.Warn().Err(err).Msg("Loan status unavailable; payment policy holds last decision")
		loanSnap = nil
	}
	if loanSnap != nil && loanSnap.UnlockPassword == "" && e.lastPayment != nil {
		loanSnap.UnlockPassword = e.lastPayment.UnlockPassword
	}

	severity := tamper.SeverityNone
	if state.ConsecutiveIncidents > 0 {
		severity = state.LastSeverity
	}
	decision := e.locks.Evaluate(e.deviceID, severity, loanSnap)

	applyCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()
	if _, err := e.locks.Apply(applyCtx, decision); err != nil {
		e.logger.Error().Err(err).Msg("Lock apply failed; retrying next cycle")
	}
}

// sync posts the heartbeat and, on success, processes the backend's answer
// and drains the alert queue.
func (e *Engine) sync(ctx context.Context, snap *snapshot.DeviceSnapshot, status tamper.Status) bool {
	syncStatus := "ok"
	if snap.Partial() {
		syncStatus = "degraded"
	}

	hbCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	resp, err := e.backend.Heartbeat(hbCtx, transport.SyncPayload{
		DeviceID:       e.deviceID,
		Timestamp:      e.now().UTC(),
		Snapshot:       snap,
		TamperSeverity: status.Severity.String(),
		TamperFlags:    status.Flags,
		IsLocked:       e.isLocked(),
		SyncStatus:     syncStatus,
	})
	cancel()
	if err != nil {
		e.online.Store(false)
		e.logger.Warn().Err(err).Msg("Heartbeat failed; alerts stay queued")
		return false
	}
	e.online.Store(true)

	e.processResponse(ctx, snap, resp)

	drainCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()
	if delivered, err := e.queue.Drain(drainCtx, e.deviceID, e.backend); err != nil {
		e.logger.Error().Err(err).Msg("Alert drain failed")
	} else if delivered > 0 {
		e.logger.Info().Int("delivered", delivered).Msg("Drained queued alerts")
	}
	return true
}

func (e *Engine) processResponse(ctx context.Context, snap *snapshot.DeviceSnapshot, resp *transport.SyncResponse) {
	if resp.VerifiedSnapshot != nil {
		if err := e.baselines.CommitVerified(e.deviceID, resp.VerifiedSnapshot, "backend"); err != nil {
			e.logger.Error().Err(err).Msg("Baseline commit failed")
		} else {
			e.audit.Record(e.deviceID, audit.KindBaselineCommit, "LOW",
				"Backend-verified baseline committed", nil)
		}
	}
	if resp.NextPayment != nil {
		e.lastPayment = resp.NextPayment
	}
	if resp.Loan != nil {
		e.publishLoan(resp.Loan)
	} else if resp.LockStatus != nil {
		e.applyBackendLockStatus(ctx, resp.LockStatus)
	}
	e.executeCommands(ctx, snap, resp.Commands)
}

// publishLoan feeds the backend's ledger view to the loan provider so the
// payment policy evaluates it from the next enforcement pass on. The one-time
// unlock password rides next_payment, not the ledger record.
func (e *Engine) publishLoan(snap *loan.Snapshot) {
	sink, ok := e.loans.(loan.Sink)
	if !ok {
		e.logger.Debug().Msg("Loan provider is not heartbeat-fed; ledger view dropped")
		return
	}
	published := *snap
	if published.UnlockPassword == "" && e.lastPayment != nil {
		published.UnlockPassword = e.lastPayment.UnlockPassword
	}
	sink.Publish(&published)
}

// applyBackendLockStatus handles backends that send only the lock verdict
// without a ledger record. A locked verdict becomes a HARD demand with the
// backend's reason; an unlocked verdict is ignored, release flows through
// UNLOCK_DEVICE or a PAID ledger state.
func (e *Engine) applyBackendLockStatus(ctx context.Context, ls *transport.LockStatus) {
	if !ls.IsLocked {
		return
	}
	demand := &lock.Demand{
		Type:    lock.TypeHard,
		Reason:  lock.ParseReason(ls.Reason),
		Message: ls.Reason,
	}
	if demand.Message == "" {
		demand.Message = "Device locked by administrator"
	}
	if demand.Reason.PaymentOrigin() && e.lastPayment != nil {
		demand.PIN = e.lastPayment.UnlockPassword
	}
	if _, err := e.locks.Apply(ctx, lock.Decision{DeviceID: e.deviceID, Lock: demand}); err != nil {
		e.logger.Error().Err(err).Msg("Backend lock status apply failed; retrying next cycle")
	}
}

// HandleTrigger ingests an asynchronous platform notification. Fresh
// incidents run a full cycle immediately; duplicates of an open incident are
// absorbed by the dedup and wait for the cycle that consumes it.
func (e *Engine) HandleTrigger(ctx context.Context, kind protection.TriggerKind) error {
	if e.decommissioned.Load() {
		return nil
	}
	_, fresh, err := e.triggers.Register(e.deviceID, kind)
	if err != nil {
		return err
	}
	if fresh {
		e.RunCycle(ctx)
	}
	return nil
}

// ConnectivityRestored drains the alert queue outside the poll cadence.
func (e *Engine) ConnectivityRestored(ctx context.Context) (int, error) {
	drainCtx, cancel := context.WithTimeout(ctx, e.opts.CallTimeout)
	defer cancel()
	return e.queue.Drain(drainCtx, e.deviceID, e.backend)
}

// Raise shortens the poll cadence under MEDIUM+ escalation.
func (e *Engine) Raise() { e.escalated.Store(true) }

// Restore returns the cadence to normal on de-escalation.
func (e *Engine) Restore() { e.escalated.Store(false) }

// QueueIncident implements escalation.AlertSink. Alerts raised by a
// trigger-fed cycle reuse the trigger's attempt number so the backend never
// sees the same incident twice.
func (e *Engine) QueueIncident(ctx context.Context, deviceID string, severity tamper.Severity, level int) error {
	attempt := e.cycleAttempt
	if attempt == 0 {
		var err error
		attempt, err = e.triggers.NextAttemptNumber(deviceID)
		if err != nil {
			return err
		}
	}
	sev := "WARNING"
	switch severity {
	case tamper.SeverityHigh:
		sev = "HIGH"
	case tamper.SeverityCritical:
		sev = "CRITICAL"
	}
	return e.queue.Enqueue(ctx, alertqueue.Alert{
		DeviceID:        deviceID,
		AttemptNumber:   attempt,
		Severity:        sev,
		EscalationLevel: level,
		DeviceLocked:    e.isLocked(),
	})
}

// RequestHardLock implements escalation.LockRequester: the tamper path's
// synchronous HARD lock, applied ahead of the merged end-of-cycle decision.
func (e *Engine) RequestHardLock(ctx context.Context, deviceID string) error {
	decision := lock.Merge(deviceID, lock.TamperDemand(tamper.SeverityHigh), nil, false)
	_, err := e.locks.Apply(ctx, decision)
	return err
}

func (e *Engine) isLocked() bool {
	rec, err := e.locks.Effective(e.deviceID)
	return err == nil && rec != nil
}

// degrade records a cycle-fatal failure. The next cycle re-attempts from the
// last durable state.
func (e *Engine) degrade(_ context.Context, message string, err error) {
	e.logger.Error().Err(err).Msg(message)
	e.audit.Record(e.deviceID, audit.KindCycleDegraded, "HIGH", message,
		map[string]any{"error": err.Error()})
}

// Status is the local API's view of the engine.
type Status struct {
	DeviceID       string            `json:"device_id"`
	Escalation     escalation.State  `json:"escalation"`
	Lock           *store.LockRecord `json:"lock,omitempty"`
	PendingAlerts  int               `json:"pending_alerts"`
	Online         bool              `json:"online"`
	Decommissioned bool              `json:"decommissioned"`
}

// CurrentStatus snapshots the engine state for the local API.
func (e *Engine) CurrentStatus() (Status, error) {
	state, err := e.machine.Load(e.deviceID)
	if err != nil {
		return Status{}, err
	}
	rec, err := e.locks.Effective(e.deviceID)
	if err != nil {
		return Status{}, err
	}
	pending, err := e.queue.PendingCount(e.deviceID)
	if err != nil {
		return Status{}, err
	}
	return Status{
		DeviceID:       e.deviceID,
		Escalation:     state,
		Lock:           rec,
		PendingAlerts:  pending,
		Online:         e.online.Load(),
		Decommissioned: e.decommissioned.Load(),
	}, nil
}

// ProtectionState runs the self-check.
func (e *Engine) ProtectionState(ctx context.Context) protection.State {
	return e.checker.Check(ctx, e.deviceID)
}

// UnlockWithPIN forwards a UI PIN attempt under the engine's exclusion domain.
func (e *Engine) UnlockWithPIN(ctx context.Context, pin string) (lock.UnlockResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.locks.UnlockWithPIN(ctx, e.deviceID, pin)
}
