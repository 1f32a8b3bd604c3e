package alertqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sponsa/sentinel/pkg/audit"
	"github.com/sponsa/sentinel/pkg/store"
)

// Alert is one outbound incident/removal notification.
type Alert struct {
	AlertID         string    `json:"alert_id"`
	DeviceID        string    `json:"device_id"`
	AttemptNumber   int       `json:"attempt_number"`
	Severity        string    `json:"severity"` // WARNING, HIGH, CRITICAL
	EscalationLevel int       `json:"escalation_level"`
	DeviceLocked    bool      `json:"device_locked"`
	QueuedAt        time.Time `json:"timestamp"`
}

// Deliverer pushes one alert to the backend.
type Deliverer interface {
	Deliver(ctx context.Context, alert Alert) error
}

// Queue buffers alerts durably while the transport is unreachable. Alerts are
// written to the store before any network attempt; drain preserves FIFO order
// by stopping at the first failure.
type Queue struct {
	store      *store.Store
	audit      *audit.Log
	maxPending int
	logger     zerolog.Logger
	now        func() time.Time
}

func New(st *store.Store, auditLog *audit.Log, maxPending int, logger zerolog.Logger) *Queue {
	if maxPending <= 0 {
		maxPending = 200
	}
	return &Queue{
		store:      st,
		audit:      auditLog,
		maxPending: maxPending,
		logger:     logger.With().Str("component", "alertqueue").Logger(),
		now:        time.Now,
	}
}

// Enqueue appends an alert durably, pruning the oldest entries past the
// retention cap. Pruning loses data and is audited at LOW severity.
func (q *Queue) Enqueue(_ context.Context, alert Alert) error {
	if alert.AlertID == "" {
		alert.AlertID = uuid.NewString()
	}
	if alert.QueuedAt.IsZero() {
		alert.QueuedAt = q.now().UTC()
	}

	if err := q.store.InsertAlert(&store.AlertRecord{
		AlertID:         alert.AlertID,
		DeviceID:        alert.DeviceID,
		AttemptNumber:   alert.AttemptNumber,
		Severity:        alert.Severity,
		EscalationLevel: alert.EscalationLevel,
		DeviceLocked:    alert.DeviceLocked,
		QueuedAt:        alert.QueuedAt,
	}); err != nil {
		return err
	}
	q.audit.Record(alert.DeviceID, audit.KindAlertQueued, alert.Severity, "Alert queued",
		map[string]any{"alert_id": alert.AlertID, "attempt_number": alert.AttemptNumber})

	pruned, err := q.store.PruneAlerts(alert.DeviceID, q.maxPending)
	if err != nil {
		return err
	}
	if pruned > 0 {
		q.audit.Record(alert.DeviceID, audit.KindAlertPruned, "LOW",
			fmt.Sprintf("Pruned %d queued alerts past retention cap", pruned),
			map[string]any{"pruned": pruned, "cap": q.maxPending})
	}
	return nil
}

// Drain delivers pending alerts oldest-first, stopping at the first failure
// so ordering is preserved. Returns the number delivered; a partial drain is
// not an error.
func (q *Queue) Drain(ctx context.Context, deviceID string, d Deliverer) (int, error) {
	pending, err := q.store.PendingAlerts(deviceID)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, rec := range pending {
		alert := Alert{
			AlertID:         rec.AlertID,
			DeviceID:        rec.DeviceID,
			AttemptNumber:   rec.AttemptNumber,
			Severity:        rec.Severity,
			EscalationLevel: rec.EscalationLevel,
			DeviceLocked:    rec.DeviceLocked,
			QueuedAt:        rec.QueuedAt,
		}
		if err := d.Deliver(ctx, alert); err != nil {
			q.logger.Warn().Err(err).Str("alert_id", rec.AlertID).Int("delivered", delivered).
				Msg("Alert delivery failed; stopping drain to preserve order")
			return delivered, nil
		}
		if err := q.store.MarkAlertDelivered(rec.AlertID, q.now().UTC()); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

// PendingCount reports how many alerts await delivery.
func (q *Queue) PendingCount(deviceID string) (int, error) {
	pending, err := q.store.PendingAlerts(deviceID)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}
