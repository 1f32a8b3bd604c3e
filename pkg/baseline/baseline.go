package baseline

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sponsa/sentinel/pkg/snapshot"
	"github.com/sponsa/sentinel/pkg/store"
)

// Kinds of baseline. The verified baseline (backend-confirmed) wins over the
// enrollment baseline when both exist.
const (
	KindEnrollment = "enrollment"
	KindVerified   = "verified"
)

// ErrNoBaseline is returned when neither a verified nor an enrollment
// baseline exists for the device.
var ErrNoBaseline = errors.New("baseline: not established")

// ErrEmptyBaseline wraps ErrNoBaseline for the case where a baseline row
// exists but carries no identifying data. Verification treats both as
// inconclusive; the audit trail distinguishes them.
var ErrEmptyBaseline = fmt.Errorf("baseline: record empty: %w", ErrNoBaseline)

// Store holds the trusted reference snapshot for a device. Reads during a
// comparison pass and the single commit operation share a lock so a
// half-written baseline is never observed.
type Store struct {
	mu  sync.RWMutex
	db  *store.Store
	now func() time.Time
}

func NewStore(db *store.Store) *Store {
	return &Store{db: db, now: time.Now}
}

// Active returns the authoritative baseline snapshot and its kind.
func (s *Store) Active(deviceID string) (*snapshot.DeviceSnapshot, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sawEmpty := false
	for _, kind := range []string{KindVerified, KindEnrollment} {
		rec, err := s.db.Baseline(deviceID, kind)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		snap, err := decode(rec.SnapshotJSON)
		if err != nil {
			return nil, "", err
		}
		if empty(snap) {
			// A row exists but carries no identifying data. Skip it so an
			// empty enrollment never flags every later cycle.
			sawEmpty = true
			continue
		}
		return snap, kind, nil
	}
	if sawEmpty {
		return nil, "", ErrEmptyBaseline
	}
	return nil, "", ErrNoBaseline
}

// CommitVerified replaces the backend-confirmed baseline. This is the only
// path by which an unverified snapshot becomes authoritative.
func (s *Store) CommitVerified(deviceID string, snap *snapshot.DeviceSnapshot, source string) error {
	return s.commit(deviceID, KindVerified, snap, source)
}

// CommitEnrollment stores the original enrollment baseline.
func (s *Store) CommitEnrollment(deviceID string, snap *snapshot.DeviceSnapshot) error {
	return s.commit(deviceID, KindEnrollment, snap, "enrollment")
}

func (s *Store) commit(deviceID, kind string, snap *snapshot.DeviceSnapshot, source string) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.CommitBaseline(&store.BaselineRecord{
		DeviceID:     deviceID,
		Kind:         kind,
		SnapshotJSON: string(data),
		Source:       source,
		CommittedAt:  s.now().UTC(),
	})
}

func decode(raw string) (*snapshot.DeviceSnapshot, error) {
	var snap snapshot.DeviceSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func empty(snap *snapshot.DeviceSnapshot) bool {
	return snap.DeviceID == "" && snap.HardwareSerial == "" && snap.InstallID == "" &&
		snap.InstalledAppsHash == "" && snap.SystemPropertiesHash == ""
}
