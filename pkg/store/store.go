package store

import (
	"errors"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: record not found")

// Store is the on-device record store. All engine state that must survive a
// restart lives here: baselines, escalation state, lock records, the alert
// queue, attempt counters, executed commands, and the audit trail.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the sqlite database at path and migrates the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&BaselineRecord{},
		&EscalationRecord{},
		&LockRecord{},
		&AlertRecord{},
		&AttemptCounter{},
		&PendingIncident{},
		&ExecutedCommand{},
		&AuditEntry{},
	); err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

// Baseline returns the record for (deviceID, kind), or ErrNotFound.
func (s *Store) Baseline(deviceID, kind string) (*BaselineRecord, error) {
	var rec BaselineRecord
	err := s.db.Where("device_id = ? AND kind = ?", deviceID, kind).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CommitBaseline replaces the (deviceID, kind) baseline in one transaction.
func (s *Store) CommitBaseline(rec *BaselineRecord) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("device_id = ? AND kind = ?", rec.DeviceID, rec.Kind).
			Delete(&BaselineRecord{}).Error; err != nil {
			return err
		}
		return tx.Create(rec).Error
	})
}

// Escalation returns the persisted escalation state, or ErrNotFound.
func (s *Store) Escalation(deviceID string) (*EscalationRecord, error) {
	var rec EscalationRecord
	err := s.db.Where("device_id = ?", deviceID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SaveEscalation upserts the escalation state for a device.
func (s *Store) SaveEscalation(rec *EscalationRecord) error {
	existing, err := s.Escalation(rec.DeviceID)
	if errors.Is(err, ErrNotFound) {
		return s.db.Create(rec).Error
	}
	if err != nil {
		return err
	}
	rec.ID = existing.ID
	return s.db.Save(rec).Error
}

// EffectiveLock returns the lock currently governing the device: the newest
// record in status active or pin_exhausted. ErrNotFound when unlocked.
func (s *Store) EffectiveLock(deviceID string) (*LockRecord, error) {
	var rec LockRecord
	err := s.db.Where("device_id = ? AND status IN ?", deviceID, []string{"active", "pin_exhausted"}).
		Order("created_at desc").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateLock inserts a new lock record.
func (s *Store) CreateLock(rec *LockRecord) error {
	return s.db.Create(rec).Error
}

// SaveLock persists mutations to an existing lock record.
func (s *Store) SaveLock(rec *LockRecord) error {
	return s.db.Save(rec).Error
}

// PendingAlerts returns undelivered alerts oldest-first.
func (s *Store) PendingAlerts(deviceID string) ([]AlertRecord, error) {
	var alerts []AlertRecord
	err := s.db.Where("device_id = ? AND delivered_at IS NULL", deviceID).
		Order("queued_at asc, id asc").Find(&alerts).Error
	return alerts, err
}

// InsertAlert appends an alert to the queue.
func (s *Store) InsertAlert(rec *AlertRecord) error {
	return s.db.Create(rec).Error
}

// MarkAlertDelivered stamps an alert as delivered.
func (s *Store) MarkAlertDelivered(alertID string, at time.Time) error {
	return s.db.Model(&AlertRecord{}).Where("alert_id = ?", alertID).
		Update("delivered_at", at).Error
}

// PruneAlerts deletes the oldest undelivered alerts beyond keep, returning how
// many were dropped.
func (s *Store) PruneAlerts(deviceID string, keep int) (int, error) {
	var pending []AlertRecord
	if err := s.db.Where("device_id = ? AND delivered_at IS NULL", deviceID).
		Order("queued_at asc, id asc").Find(&pending).Error; err != nil {
		return 0, err
	}
	excess := len(pending) - keep
	if excess <= 0 {
		return 0, nil
	}
	ids := make([]uint, 0, excess)
	for _, a := range pending[:excess] {
		ids = append(ids, a.ID)
	}
	if err := s.db.Delete(&AlertRecord{}, ids).Error; err != nil {
		return 0, err
	}
	return excess, nil
}

// NextAttemptNumber atomically allocates the next removal-attempt number.
func (s *Store) NextAttemptNumber(deviceID string) (int, error) {
	var next int
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var counter AttemptCounter
		err := tx.Where("device_id = ?", deviceID).First(&counter).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			counter = AttemptCounter{DeviceID: deviceID}
		} else if err != nil {
			return err
		}
		counter.LastAttempt++
		next = counter.LastAttempt
		return tx.Save(&counter).Error
	})
	return next, err
}

// OpenIncident returns the pending incident for (deviceID, kind), or ErrNotFound.
func (s *Store) OpenIncident(deviceID, kind string) (*PendingIncident, error) {
	var rec PendingIncident
	err := s.db.Where("device_id = ? AND kind = ?", deviceID, kind).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateIncident records a pending incident. Returns gorm.ErrDuplicatedKey via
// the sqlite unique index when an incident of the same kind is already open.
func (s *Store) CreateIncident(rec *PendingIncident) error {
	return s.db.Create(rec).Error
}

// ConsumeIncidents removes and returns all pending incidents for a device.
func (s *Store) ConsumeIncidents(deviceID string) ([]PendingIncident, error) {
	var incidents []PendingIncident
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("device_id = ?", deviceID).
			Order("attempt_number asc").Find(&incidents).Error; err != nil {
			return err
		}
		if len(incidents) == 0 {
			return nil
		}
		return tx.Where("device_id = ?", deviceID).Delete(&PendingIncident{}).Error
	})
	return incidents, err
}

// CommandExecuted reports whether a backend command ID has already run.
func (s *Store) CommandExecuted(commandID string) (bool, error) {
	var count int64
	err := s.db.Model(&ExecutedCommand{}).Where("command_id = ?", commandID).Count(&count).Error
	return count > 0, err
}

// MarkCommandExecuted records a command ID. A duplicate insert means a
// concurrent replay lost the race, which callers treat as already-executed.
func (s *Store) MarkCommandExecuted(commandID, kind string, at time.Time) error {
	err := s.db.Create(&ExecutedCommand{CommandID: commandID, Kind: kind, ExecutedAt: at}).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil
	}
	return err
}

// AppendAudit writes one audit row. The trail is append-only; nothing in the
// engine updates or deletes entries.
func (s *Store) AppendAudit(rec *AuditEntry) error {
	return s.db.Create(rec).Error
}

// RecentAudit returns the newest limit audit entries for a device.
func (s *Store) RecentAudit(deviceID string, limit int) ([]AuditEntry, error) {
	var entries []AuditEntry
	err := s.db.Where("device_id = ?", deviceID).
		Order("created_at desc, id desc").Limit(limit).Find(&entries).Error
	return entries, err
}
