package loan

import (
	"context"
	"sync"
	"time"
)

// Status mirrors the loan ledger's view of a financed device.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusOverdue   Status = "OVERDUE"
	StatusDefaulted Status = "DEFAULTED"
	StatusPaid      Status = "PAID"
)

// Snapshot is one read of loan state for a device. The ledger itself is an
// external collaborator; the engine only consumes its answers.
type Snapshot struct {
	LoanNumber  string     `json:"loan_number"`
	Status      Status     `json:"status"`
	NextDueAt   *time.Time `json:"next_due_at,omitempty"`
	OverdueDays int        `json:"overdue_days"`

	// UnlockPassword is the backend-issued one-time password that releases a
	// payment lock once the installment is settled out of band.
	UnlockPassword string `json:"unlock_password,omitempty"`
}

// Provider serves the current loan snapshot for a device.
type Provider interface {
	Current(ctx context.Context, deviceID string) (*Snapshot, error)
}

// Sink accepts ledger snapshots pushed from outside the read path. A Provider
// that also implements Sink is fed from heartbeat responses.
type Sink interface {
	Publish(snap *Snapshot)
}

// Ledger is the production Provider: the backend includes its loan view in
// each heartbeat response and the engine publishes it here. Current answers
// nil until the first publish, which the payment policy treats as "ledger
// unreachable, last decision stands".
type Ledger struct {
	mu   sync.Mutex
	snap *Snapshot
}

func NewLedger() *Ledger {
	return &Ledger{}
}

// Publish replaces the held snapshot with the backend's latest view.
func (l *Ledger) Publish(snap *Snapshot) {
	l.mu.Lock()
	l.snap = snap
	l.mu.Unlock()
}

func (l *Ledger) Current(context.Context, string) (*Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.snap == nil {
		return nil, nil
	}
	snap := *l.snap
	return &snap, nil
}
