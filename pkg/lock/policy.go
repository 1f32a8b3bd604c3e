package lock

import (
	"time"

	"github.com/sponsa/sentinel/pkg/loan"
)

// PaymentPolicy maps loan state to lock demands. Thresholds are configured
// once at startup; the mapping itself is fixed.
type PaymentPolicy struct {
	// DueSoonWindow is how far before the due date a SOFT reminder lock
	// engages.
	DueSoonWindow time.Duration
	// DefaultThresholdDays is the overdue age at which a HARD payment lock
	// escalates to PERMANENT.
	DefaultThresholdDays int
}

func DefaultPaymentPolicy() PaymentPolicy {
	return PaymentPolicy{
		DueSoonWindow:        72 * time.Hour,
		DefaultThresholdDays: 30,
	}
}

// Demand returns the payment path's lock demand, or nil with release=true
// when any payment-origin lock should be lifted. A nil snapshot (ledger
// unreachable) demands nothing and releases nothing: the last decision stands
// until the ledger answers again.
func (p PaymentPolicy) Demand(snap *loan.Snapshot, now time.Time) (demand *Demand, release bool) {
	if snap == nil {
		return nil, false
	}

	switch snap.Status {
	case loan.StatusPaid:
		return nil, true

	case loan.StatusDefaulted:
		return &Demand{
			Type:    TypePermanent,
			Reason:  ReasonPaymentDefault,
			Message: "Loan in default",
		}, false

	case loan.StatusOverdue:
		if snap.OverdueDays >= p.DefaultThresholdDays {
			return &Demand{
				Type:    TypePermanent,
				Reason:  ReasonPaymentDefault,
				Message: "Payment overdue beyond default threshold",
			}, false
		}
		return &Demand{
			Type:    TypeHard,
			Reason:  ReasonPaymentOverdue,
			Message: "Payment overdue",
			PIN:     snap.UnlockPassword,
		}, false

	case loan.StatusActive:
		if snap.NextDueAt == nil {
			return nil, false
		}
		due := *snap.NextDueAt
		if now.After(due) {
			return &Demand{
				Type:    TypeHard,
				Reason:  ReasonPaymentOverdue,
				Message: "Payment past due",
				PIN:     snap.UnlockPassword,
			}, false
		}
		if due.Sub(now) <= p.DueSoonWindow {
			return &Demand{
				Type:      TypeSoft,
				Reason:    ReasonPaymentOverdue,
				Message:   "Payment due soon",
				PIN:       snap.UnlockPassword,
				ExpiresAt: &due,
			}, false
		}
	}
	return nil, false
}

// Merge applies the strictest-wins rule to the tamper and payment demands.
func Merge(deviceID string, tamperDemand, paymentDemand *Demand, releasePayment bool) Decision {
	d := Decision{DeviceID: deviceID, ReleasePayment: releasePayment}

	switch {
	case tamperDemand == nil && paymentDemand == nil:
	case tamperDemand == nil:
		d.Lock = paymentDemand
	case paymentDemand == nil:
		d.Lock = tamperDemand
	case paymentDemand.Type > tamperDemand.Type:
		d.Lock = paymentDemand
		d.Suppressed = tamperDemand
	default:
		// Ties go to the tamper path: security state is the engine's own
		// observation, payment state is relayed.
		d.Lock = tamperDemand
		d.Suppressed = paymentDemand
	}
	return d
}
