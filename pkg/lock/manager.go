package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sponsa/sentinel/pkg/audit"
	"github.com/sponsa/sentinel/pkg/loan"
	"github.com/sponsa/sentinel/pkg/platform"
	"github.com/sponsa/sentinel/pkg/store"
	"github.com/sponsa/sentinel/pkg/tamper"
)

var (
	// ErrNoLock is returned by unlock paths when the device is not locked.
	ErrNoLock = errors.New("lock: no effective lock")
	// ErrPINExhausted is returned once the bounded attempt budget is spent;
	// only a backend unlock releases the device afterwards.
	ErrPINExhausted = errors.New("lock: pin attempts exhausted")
	// ErrPINNotAllowed is returned for PIN attempts against PERMANENT locks.
	ErrPINNotAllowed = errors.New("lock: pin unlock not valid for this lock type")
)

// UnlockResult reports a PIN attempt's outcome.
type UnlockResult struct {
	Unlocked          bool `json:"unlocked"`
	RemainingAttempts int  `json:"remaining_attempts"`
}

// Manager owns the authoritative lock state for a device. Evaluate is pure;
// Apply is idempotent and restartable so a cancelled cycle converges on retry.
type Manager struct {
	store       *store.Store
	platform    platform.Controller
	audit       *audit.Log
	policy      PaymentPolicy
	maxAttempts int
	logger      zerolog.Logger
	now         func() time.Time
}

func NewManager(st *store.Store, ctrl platform.Controller, auditLog *audit.Log, policy PaymentPolicy, maxAttempts int, logger zerolog.Logger) *Manager {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Manager{
		store:       st,
		platform:    ctrl,
		audit:       auditLog,
		policy:      policy,
		maxAttempts: maxAttempts,
		logger:      logger.With().Str("component", "lock").Logger(),
		now:         time.Now,
	}
}

// Evaluate computes the lock decision from the current tamper severity and
// loan state. No side effects.
func (m *Manager) Evaluate(deviceID string, severity tamper.Severity, loanSnap *loan.Snapshot) Decision {
	paymentDemand, release := m.policy.Demand(loanSnap, m.now())
	return Merge(deviceID, TamperDemand(severity), paymentDemand, release)
}

// Apply enforces a decision. Re-applying an identical decision against an
// already-active identical lock is a no-op that still returns true. A weaker
// automatic decision never replaces a stricter active lock.
func (m *Manager) Apply(ctx context.Context, d Decision) (bool, error) {
	active, err := m.store.EffectiveLock(d.DeviceID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	if d.Suppressed != nil && d.Lock != nil {
		m.audit.Record(d.DeviceID, audit.KindLockSuppressed, "LOW",
			"Concurrent lock demand suppressed by strictest-wins",
			map[string]any{
				"enforced_type":     d.Lock.Type.String(),
				"enforced_reason":   string(d.Lock.Reason),
				"suppressed_type":   d.Suppressed.Type.String(),
				"suppressed_reason": string(d.Suppressed.Reason),
			})
	}

	if d.Lock == nil {
		if d.ReleasePayment && active != nil && Reason(active.Reason).PaymentOrigin() {
			return true, m.release(ctx, active, "loan settled")
		}
		return true, nil
	}

	if active != nil {
		activeType := ParseType(active.LockType)
		switch {
		case activeType == d.Lock.Type && active.Reason == string(d.Lock.Reason):
			// Same lock already in force. A rotated backend-issued password
			// still replaces the stored hash before the idempotent re-assert.
			if err := m.refreshPIN(active, d.Lock); err != nil {
				return false, err
			}
			return true, m.enforce(ctx, active)
		case activeType > d.Lock.Type:
			// Never de-escalate automatically.
			m.audit.Record(d.DeviceID, audit.KindLockSuppressed, "LOW",
				"Weaker lock demand ignored while stricter lock active",
				map[string]any{
					"active_type":   active.LockType,
					"demanded_type": d.Lock.Type.String(),
				})
			return true, nil
		default:
			// Stricter demand supersedes the current record.
			active.Status = StatusReleased
			active.UpdatedAt = m.now().UTC()
			if err := m.store.SaveLock(active); err != nil {
				return false, err
			}
		}
	}

	rec, err := m.newRecord(d)
	if err != nil {
		return false, err
	}
	if err := m.store.CreateLock(rec); err != nil {
		return false, err
	}
	if err := m.enforce(ctx, rec); err != nil {
		// The record stands; enforcement retries next cycle.
		return false, err
	}

	m.audit.Record(d.DeviceID, audit.KindLockApplied, "HIGH", "Lock applied",
		map[string]any{
			"lock_id": rec.LockID,
			"type":    rec.LockType,
			"reason":  rec.Reason,
		})
	return true, nil
}

func (m *Manager) newRecord(d Decision) (*store.LockRecord, error) {
	now := m.now().UTC()
	rec := &store.LockRecord{
		LockID:      uuid.NewString(),
		DeviceID:    d.DeviceID,
		LockType:    d.Lock.Type.String(),
		Reason:      string(d.Lock.Reason),
		Message:     d.Lock.Message,
		MaxAttempts: m.maxAttempts,
		ExpiresAt:   d.Lock.ExpiresAt,
		Status:      StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if d.Suppressed != nil {
		rec.SuppressedType = d.Suppressed.Type.String()
		rec.SuppressedReason = string(d.Suppressed.Reason)
	}
	if d.Lock.PIN != "" && d.Lock.Type != TypePermanent {
		salt, err := newSalt()
		if err != nil {
			return nil, err
		}
		rec.PINSalt = salt
		saltBytes, _ := decodeSalt(salt)
		rec.PINHash = hashPIN(saltBytes, d.Lock.PIN)
	}
	return rec, nil
}

// refreshPIN re-hashes the active record's PIN when the demand carries a
// password the stored hash does not verify. PERMANENT locks never hold one.
func (m *Manager) refreshPIN(active *store.LockRecord, demand *Demand) error {
	if demand.PIN == "" || demand.Type == TypePermanent {
		return nil
	}
	if verifyPIN(active.PINSalt, active.PINHash, demand.PIN) {
		return nil
	}
	salt, err := newSalt()
	if err != nil {
		return err
	}
	saltBytes, _ := decodeSalt(salt)
	active.PINSalt = salt
	active.PINHash = hashPIN(saltBytes, demand.PIN)
	active.UpdatedAt = m.now().UTC()
	return m.store.SaveLock(active)
}

// enforce drives the platform privilege layer for a lock record. SOFT locks
// are surfaced by the UI collaborator; only HARD and PERMANENT locks engage
// the platform screen lock.
func (m *Manager) enforce(ctx context.Context, rec *store.LockRecord) error {
	if ParseType(rec.LockType) < TypeHard {
		return nil
	}
	if err := m.platform.LockDevice(ctx, rec.Message); err != nil {
		m.audit.Record(rec.DeviceID, audit.KindPrivilegeFailure, "HIGH",
			"Platform lock call failed; will retry next cycle",
			map[string]any{"lock_id": rec.LockID, "error": err.Error()})
		return err
	}
	return nil
}

func (m *Manager) release(ctx context.Context, rec *store.LockRecord, why string) error {
	if err := m.platform.UnlockDevice(ctx); err != nil {
		m.audit.Record(rec.DeviceID, audit.KindPrivilegeFailure, "HIGH",
			"Platform unlock call failed", map[string]any{"lock_id": rec.LockID, "error": err.Error()})
		return err
	}
	rec.Status = StatusReleased
	rec.UpdatedAt = m.now().UTC()
	if err := m.store.SaveLock(rec); err != nil {
		return err
	}
	m.audit.Record(rec.DeviceID, audit.KindLockReleased, "LOW", "Lock released",
		map[string]any{"lock_id": rec.LockID, "why": why})
	return nil
}

// UnlockWithPIN verifies a PIN against the effective SOFT/HARD lock. Failed
// attempts draw down a bounded budget; once spent, the lock converts to a
// terminal pin_exhausted status and only UnlockFromBackend releases it.
func (m *Manager) UnlockWithPIN(ctx context.Context, deviceID, pin string) (UnlockResult, error) {
	rec, err := m.store.EffectiveLock(deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return UnlockResult{}, ErrNoLock
	}
	if err != nil {
		return UnlockResult{}, err
	}

	if rec.Status == StatusPINExhausted {
		return UnlockResult{}, ErrPINExhausted
	}
	if ParseType(rec.LockType) == TypePermanent {
		return UnlockResult{}, ErrPINNotAllowed
	}

	if verifyPIN(rec.PINSalt, rec.PINHash, pin) {
		if err := m.release(ctx, rec, "pin unlock"); err != nil {
			return UnlockResult{}, err
		}
		m.audit.Record(deviceID, audit.KindUnlockAttempt, "LOW", "PIN unlock succeeded",
			map[string]any{"lock_id": rec.LockID})
		return UnlockResult{Unlocked: true, RemainingAttempts: rec.MaxAttempts - rec.AttemptsUsed}, nil
	}

	rec.AttemptsUsed++
	remaining := rec.MaxAttempts - rec.AttemptsUsed
	if remaining <= 0 {
		remaining = 0
		rec.Status = StatusPINExhausted
	}
	rec.UpdatedAt = m.now().UTC()
	if err := m.store.SaveLock(rec); err != nil {
		return UnlockResult{}, err
	}

	if rec.Status == StatusPINExhausted {
		m.audit.Record(deviceID, audit.KindPINExhausted, "HIGH",
			"PIN attempts exhausted; backend unlock required",
			map[string]any{"lock_id": rec.LockID})
	} else {
		m.audit.Record(deviceID, audit.KindUnlockAttempt, "LOW", "PIN unlock failed",
			map[string]any{"lock_id": rec.LockID, "remaining": remaining})
	}
	return UnlockResult{Unlocked: false, RemainingAttempts: remaining}, nil
}

// UnlockFromBackend releases any effective lock, PERMANENT and pin_exhausted
// included. Authorization is validated upstream; once this is called the
// release always succeeds locally (platform failures are surfaced for retry).
func (m *Manager) UnlockFromBackend(ctx context.Context, deviceID, authorizationReason string) (bool, error) {
	rec, err := m.store.EffectiveLock(deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return false, ErrNoLock
	}
	if err != nil {
		return false, err
	}

	if err := m.release(ctx, rec, "backend: "+authorizationReason); err != nil {
		return false, err
	}
	return true, nil
}

// Effective returns the lock currently governing the device, or nil.
func (m *Manager) Effective(deviceID string) (*store.LockRecord, error) {
	rec, err := m.store.EffectiveLock(deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}
