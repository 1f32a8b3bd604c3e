package lock

import (
	"strings"
	"time"

	"github.com/sponsa/sentinel/pkg/store"
	"github.com/sponsa/sentinel/pkg/tamper"
)

// Type orders lock strictness. When tamper and payment paths demand locks at
// the same time, the maximum under this ordering is enforced.
type Type int

const (
	TypeNone Type = iota
	TypeSoft
	TypeHard
	TypePermanent
)

var typeNames = map[Type]string{
	TypeNone:      "NONE",
	TypeSoft:      "SOFT",
	TypeHard:      "HARD",
	TypePermanent: "PERMANENT",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "NONE"
}

// ParseType maps a stored lock type name back to its ordinal.
func ParseType(name string) Type {
	for t, n := range typeNames {
		if n == name {
			return t
		}
	}
	return TypeNone
}

// Reason identifies which trigger path demanded the lock.
type Reason string

const (
	ReasonTamper         Reason = "TAMPER"
	ReasonPaymentOverdue Reason = "PAYMENT_OVERDUE"
	ReasonPaymentDefault Reason = "PAYMENT_DEFAULT"
)

// PaymentOrigin reports whether the reason came from the payment path.
func (r Reason) PaymentOrigin() bool {
	return r == ReasonPaymentOverdue || r == ReasonPaymentDefault
}

// ParseReason maps a backend-supplied reason string to a Reason. Backends
// send either the enum value or display text ("Payment overdue"); anything
// unrecognized defaults to TAMPER, the stricter release policy.
func ParseReason(name string) Reason {
	normalized := Reason(strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(name)), " ", "_"))
	switch normalized {
	case ReasonPaymentOverdue, ReasonPaymentDefault:
		return normalized
	}
	return ReasonTamper
}

// Record statuses.
const (
	StatusActive       = "active"
	StatusReleased     = "released"
	StatusPINExhausted = "pin_exhausted"
)

// Demand is one trigger path's lock request.
type Demand struct {
	Type    Type
	Reason  Reason
	Message string

	// PIN, when set, provisions a PIN-release path on the resulting lock
	// (backend-issued unlock password on payment locks).
	PIN string

	// ExpiresAt optionally bounds the lock (SOFT payment reminders expire at
	// the due date).
	ExpiresAt *time.Time
}

// Decision is the outcome of Evaluate: the lock to enforce, the losing demand
// if two paths fired at once, and whether a payment-origin release is due.
type Decision struct {
	DeviceID       string
	Lock           *Demand
	Suppressed     *Demand
	ReleasePayment bool
}

// DisplayReason picks the reason reporting surfaces show for a lock record.
// When both paths demanded a lock, payment state is reported in preference to
// the security issue: the device holder can settle a payment, they cannot
// settle a tamper flag. Enforcement itself stays strictest-wins.
func DisplayReason(rec *store.LockRecord) string {
	if rec == nil {
		return ""
	}
	if !Reason(rec.Reason).PaymentOrigin() && Reason(rec.SuppressedReason).PaymentOrigin() {
		return rec.SuppressedReason
	}
	return rec.Reason
}

// TamperDemand maps an escalation severity to its lock demand. HIGH and
// CRITICAL both require a HARD lock; lower severities never lock.
func TamperDemand(severity tamper.Severity) *Demand {
	if severity < tamper.SeverityHigh {
		return nil
	}
	return &Demand{
		Type:    TypeHard,
		Reason:  ReasonTamper,
		Message: "Device integrity verification failed",
	}
}
