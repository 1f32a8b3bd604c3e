package lock

import (
	"testing"
	"time"

	"github.com/sponsa/sentinel/pkg/loan"
	"github.com/sponsa/sentinel/pkg/store"
	"github.com/sponsa/sentinel/pkg/tamper"
)

func TestPaymentPolicyDemand(t *testing.T) {
	policy := DefaultPaymentPolicy()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	dueSoon := now.Add(24 * time.Hour)
	dueLater := now.Add(10 * 24 * time.Hour)
	pastDue := now.Add(-6 * time.Hour)

	tests := []struct {
		name        string
		snap        *loan.Snapshot
		wantType    Type
		wantReason  Reason
		wantRelease bool
	}{
		{"ledger unreachable", nil, TypeNone, "", false},
		{"paid releases", &loan.Snapshot{Status: loan.StatusPaid}, TypeNone, "", true},
		{"defaulted permanent", &loan.Snapshot{Status: loan.StatusDefaulted}, TypePermanent, ReasonPaymentDefault, false},
		{"overdue hard", &loan.Snapshot{Status: loan.StatusOverdue, OverdueDays: 5}, TypeHard, ReasonPaymentOverdue, false},
		{"overdue past threshold", &loan.Snapshot{Status: loan.StatusOverdue, OverdueDays: 31}, TypePermanent, ReasonPaymentDefault, false},
		{"active no due date", &loan.Snapshot{Status: loan.StatusActive}, TypeNone, "", false},
		{"active due later", &loan.Snapshot{Status: loan.StatusActive, NextDueAt: &dueLater}, TypeNone, "", false},
		{"active due soon", &loan.Snapshot{Status: loan.StatusActive, NextDueAt: &dueSoon}, TypeSoft, ReasonPaymentOverdue, false},
		{"active past due", &loan.Snapshot{Status: loan.StatusActive, NextDueAt: &pastDue}, TypeHard, ReasonPaymentOverdue, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			demand, release := policy.Demand(tt.snap, now)
			if release != tt.wantRelease {
				t.Errorf("release = %v, want %v", release, tt.wantRelease)
			}
			if tt.wantType == TypeNone {
				if demand != nil {
					t.Errorf("expected no demand, got %+v", demand)
				}
				return
			}
			if demand == nil {
				t.Fatal("expected a demand")
			}
			if demand.Type != tt.wantType || demand.Reason != tt.wantReason {
				t.Errorf("demand = %v/%v, want %v/%v", demand.Type, demand.Reason, tt.wantType, tt.wantReason)
			}
		})
	}
}

func TestPaymentPolicyDueSoonCarriesExpiry(t *testing.T) {
	now := time.Now().UTC()
	due := now.Add(12 * time.Hour)
	demand, _ := DefaultPaymentPolicy().Demand(&loan.Snapshot{
		Status:         loan.StatusActive,
		NextDueAt:      &due,
		UnlockPassword: "4821",
	}, now)

	if demand == nil || demand.Type != TypeSoft {
		t.Fatalf("expected SOFT demand, got %+v", demand)
	}
	if demand.ExpiresAt == nil || !demand.ExpiresAt.Equal(due) {
		t.Errorf("expiry = %v, want %v", demand.ExpiresAt, due)
	}
	if demand.PIN != "4821" {
		t.Errorf("pin = %q, want backend password", demand.PIN)
	}
}

func TestMergeStrictestWins(t *testing.T) {
	tamperHard := &Demand{Type: TypeHard, Reason: ReasonTamper}
	paymentSoft := &Demand{Type: TypeSoft, Reason: ReasonPaymentOverdue}
	paymentPerm := &Demand{Type: TypePermanent, Reason: ReasonPaymentDefault}

	tests := []struct {
		name           string
		tamper, pay    *Demand
		wantLock       *Demand
		wantSuppressed *Demand
	}{
		{"neither", nil, nil, nil, nil},
		{"tamper only", tamperHard, nil, tamperHard, nil},
		{"payment only", nil, paymentSoft, paymentSoft, nil},
		{"tamper beats weaker payment", tamperHard, paymentSoft, tamperHard, paymentSoft},
		{"permanent payment beats tamper", tamperHard, paymentPerm, paymentPerm, tamperHard},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Merge("dev-1", tt.tamper, tt.pay, false)
			if d.Lock != tt.wantLock {
				t.Errorf("lock = %+v, want %+v", d.Lock, tt.wantLock)
			}
			if d.Suppressed != tt.wantSuppressed {
				t.Errorf("suppressed = %+v, want %+v", d.Suppressed, tt.wantSuppressed)
			}
		})
	}
}

func TestMergeTieGoesToTamper(t *testing.T) {
	tamperHard := &Demand{Type: TypeHard, Reason: ReasonTamper}
	paymentHard := &Demand{Type: TypeHard, Reason: ReasonPaymentOverdue}

	d := Merge("dev-1", tamperHard, paymentHard, false)
	if d.Lock != tamperHard {
		t.Errorf("tie should enforce the tamper demand, got %+v", d.Lock)
	}
	if d.Suppressed != paymentHard {
		t.Errorf("payment demand should be recorded as suppressed, got %+v", d.Suppressed)
	}
}

func TestParseReason(t *testing.T) {
	tests := []struct {
		in   string
		want Reason
	}{
		{"PAYMENT_OVERDUE", ReasonPaymentOverdue},
		{"PAYMENT_DEFAULT", ReasonPaymentDefault},
		{"Payment overdue", ReasonPaymentOverdue},
		{" payment default ", ReasonPaymentDefault},
		{"TAMPER", ReasonTamper},
		{"", ReasonTamper},
		{"something else", ReasonTamper},
	}

	for _, tt := range tests {
		if got := ParseReason(tt.in); got != tt.want {
			t.Errorf("ParseReason(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestDisplayReasonPrefersPayment(t *testing.T) {
	tests := []struct {
		name string
		rec  *store.LockRecord
		want string
	}{
		{"no lock", nil, ""},
		{"tamper only", &store.LockRecord{Reason: string(ReasonTamper)}, string(ReasonTamper)},
		{"payment enforced", &store.LockRecord{Reason: string(ReasonPaymentOverdue)}, string(ReasonPaymentOverdue)},
		{"tamper enforced, payment suppressed",
			&store.LockRecord{Reason: string(ReasonTamper), SuppressedReason: string(ReasonPaymentOverdue)},
			string(ReasonPaymentOverdue)},
		{"payment enforced, tamper suppressed",
			&store.LockRecord{Reason: string(ReasonPaymentDefault), SuppressedReason: string(ReasonTamper)},
			string(ReasonPaymentDefault)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DisplayReason(tt.rec); got != tt.want {
				t.Errorf("DisplayReason = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTamperDemandThreshold(t *testing.T) {
	for _, tt := range []struct {
		severity tamper.Severity
		want     bool
	}{
		{tamper.SeverityNone, false},
		{tamper.SeverityLow, false},
		{tamper.SeverityMedium, false},
		{tamper.SeverityHigh, true},
		{tamper.SeverityCritical, true},
	} {
		demand := TamperDemand(tt.severity)
		if (demand != nil) != tt.want {
			t.Errorf("TamperDemand(%v): got %+v, want demand=%v", tt.severity, demand, tt.want)
		}
		if demand != nil && demand.Type != TypeHard {
			t.Errorf("tamper lock type = %v, want HARD", demand.Type)
		}
	}
}
