package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/sponsa/sentinel/pkg/alertqueue"
	"github.com/sponsa/sentinel/pkg/audit"
	"github.com/sponsa/sentinel/pkg/baseline"
	"github.com/sponsa/sentinel/pkg/lock"
	"github.com/sponsa/sentinel/pkg/loan"
	"github.com/sponsa/sentinel/pkg/platform"
	"github.com/sponsa/sentinel/pkg/protection"
	"github.com/sponsa/sentinel/pkg/snapshot"
	"github.com/sponsa/sentinel/pkg/store"
	"github.com/sponsa/sentinel/pkg/transport"
)

var commandSecret = []byte("test-command-secret")

type fakeBackend struct {
	mu         sync.Mutex
	heartbeats []transport.SyncPayload
	alerts     []alertqueue.Alert
	resp       transport.SyncResponse
	hbErr      error
	deliverErr error
}

func (b *fakeBackend) Heartbeat(_ context.Context, payload transport.SyncPayload) (*transport.SyncResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hbErr != nil {
		return nil, b.hbErr
	}
	b.heartbeats = append(b.heartbeats, payload)
	resp := b.resp
	return &resp, nil
}

func (b *fakeBackend) Deliver(_ context.Context, alert alertqueue.Alert) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deliverErr != nil {
		return b.deliverErr
	}
	b.alerts = append(b.alerts, alert)
	return nil
}

func (b *fakeBackend) alertCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.alerts)
}

func (b *fakeBackend) lastHeartbeat() transport.SyncPayload {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.heartbeats[len(b.heartbeats)-1]
}

type rig struct {
	engine    *Engine
	backend   *fakeBackend
	source    *snapshot.StaticSource
	fake      *platform.Fake
	db        *store.Store
	baselines *baseline.Store
	loans     *loan.Ledger
	audit     *audit.Log
}

func newRig(t *testing.T) *rig {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	logger := zerolog.Nop()
	auditLog := audit.New(db, logger)
	fake := platform.NewFake(logger)
	backend := &fakeBackend{}
	source := &snapshot.StaticSource{
		ID:    snapshot.Identity{DeviceID: "dev-1", HardwareSerial: "SER123", InstallID: "install-abc"},
		Info:  snapshot.BuildInfo{Manufacturer: "Acme", Model: "A1", OSVersion: "14"},
		Apps:  []string{"com.example.bank"},
		Props: map[string]string{"ro.secure": "1"},
	}
	loans := loan.NewLedger()
	baselines := baseline.NewStore(db)

	eng := New("dev-1", Deps{
		Collector: snapshot.NewCollector(source, time.Second),
		Baselines: baselines,
		Locks:     lock.NewManager(db, fake, auditLog, lock.DefaultPaymentPolicy(), 3, logger),
		Queue:     alertqueue.New(db, auditLog, 0, logger),
		Backend:   backend,
		Loans:     loans,
		Triggers:  protection.NewTriggers(db, auditLog),
		Checker:   protection.NewChecker(fake, auditLog),
		Store:     db,
		Audit:     auditLog,
		Platform:  fake,
	}, Options{
		Interval:      time.Minute,
		CallTimeout:   time.Second,
		CommandSecret: commandSecret,
	}, logger)

	return &rig{
		engine:    eng,
		backend:   backend,
		source:    source,
		fake:      fake,
		db:        db,
		baselines: baselines,
		loans:     loans,
		audit:     auditLog,
	}
}

// establishBaseline captures the current source state and commits it as the
// enrollment baseline.
func (r *rig) establishBaseline(t *testing.T) {
	t.Helper()
	snap := snapshot.NewCollector(r.source, time.Second).Capture(context.Background())
	if err := r.baselines.CommitEnrollment("dev-1", snap); err != nil {
		t.Fatalf("commit baseline: %v", err)
	}
}

func (r *rig) hasAuditKind(t *testing.T, kind string) bool {
	t.Helper()
	entries, err := r.audit.Recent("dev-1", 200)
	if err != nil {
		t.Fatalf("recent audit: %v", err)
	}
	for _, e := range entries {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

func signCommand(t *testing.T, commandID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"cmd":    commandID,
		"device": "dev-1",
	})
	signed, err := token.SignedString(commandSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestCleanCycleSyncsWithoutEscalating(t *testing.T) {
	r := newRig(t)
	r.establishBaseline(t)

	r.engine.RunCycle(context.Background())

	hb := r.backend.lastHeartbeat()
	if hb.TamperSeverity != "NONE" || hb.IsLocked {
		t.Errorf("heartbeat = %+v", hb)
	}
	if r.fake.Locked {
		t.Error("clean cycle locked the device")
	}

	status, err := r.engine.CurrentStatus()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Escalation.ConsecutiveIncidents != 0 {
		t.Errorf("incidents = %d", status.Escalation.ConsecutiveIncidents)
	}
	if !status.Online {
		t.Error("engine not marked online after successful sync")
	}
}

func TestMissingBaselineIsInconclusiveNotClean(t *testing.T) {
	r := newRig(t)

	r.engine.RunCycle(context.Background())

	if r.fake.Locked {
		t.Error("inconclusive verification locked the device")
	}
	if !r.hasAuditKind(t, audit.KindBaselineMissing) {
		t.Error("missing baseline not audited")
	}
}

func TestRootedDeviceLocksAndAlerts(t *testing.T) {
	r := newRig(t)
	r.establishBaseline(t)
	r.source.Flags.Rooted = true

	r.engine.RunCycle(context.Background())

	if !r.fake.Locked {
		t.Fatal("rooted device not locked")
	}
	if !r.fake.CameraDisabled || !r.fake.USBDisabled {
		t.Error("features not disabled on HIGH severity")
	}

	hb := r.backend.lastHeartbeat()
	if hb.TamperSeverity != "HIGH" {
		t.Errorf("severity = %s", hb.TamperSeverity)
	}
	if !hb.IsLocked {
		t.Error("heartbeat does not report the lock")
	}
	if r.backend.alertCount() != 1 {
		t.Errorf("alerts delivered = %d, want 1", r.backend.alertCount())
	}
}

func TestOfflineQueuesAlertsThenDrains(t *testing.T) {
	r := newRig(t)
	r.establishBaseline(t)
	r.source.Flags.Rooted = true
	r.backend.hbErr = errors.New("airplane mode")

	r.engine.RunCycle(context.Background())

	// Lock is enforced locally even though the backend is unreachable.
	if !r.fake.Locked {
		t.Error("offline device not locked")
	}
	if r.backend.alertCount() != 0 {
		t.Error("alert delivered while offline")
	}
	status, _ := r.engine.CurrentStatus()
	if status.PendingAlerts == 0 {
		t.Error("alert not queued while offline")
	}

	// Connectivity returns: the next cycle delivers the backlog.
	r.backend.mu.Lock()
	r.backend.hbErr = nil
	r.backend.mu.Unlock()
	r.engine.RunCycle(context.Background())

	if r.backend.alertCount() == 0 {
		t.Error("queued alerts not drained after reconnect")
	}
	status, _ = r.engine.CurrentStatus()
	if status.PendingAlerts != 0 {
		t.Errorf("pending = %d after drain", status.PendingAlerts)
	}
}

func TestPaymentLockFromLoanState(t *testing.T) {
	r := newRig(t)
	r.establishBaseline(t)
	r.loans.Publish(&loan.Snapshot{Status: loan.StatusOverdue, OverdueDays: 3, UnlockPassword: "4821"})

	r.engine.RunCycle(context.Background())

	if !r.fake.Locked {
		t.Fatal("overdue loan did not lock")
	}
	status, _ := r.engine.CurrentStatus()
	if status.Lock == nil || status.Lock.Reason != "PAYMENT_OVERDUE" {
		t.Fatalf("lock = %+v", status.Lock)
	}

	// The backend-issued password releases it.
	result, err := r.engine.UnlockWithPIN(context.Background(), "4821")
	if err != nil || !result.Unlocked {
		t.Fatalf("unlock: %+v %v", result, err)
	}
	if r.fake.Locked {
		t.Error("platform still locked")
	}
}

func TestHeartbeatLoanViewFeedsPaymentPolicy(t *testing.T) {
	r := newRig(t)
	r.establishBaseline(t)
	r.backend.resp = transport.SyncResponse{
		Success:     true,
		Loan:        &loan.Snapshot{LoanNumber: "L-7", Status: loan.StatusOverdue, OverdueDays: 3},
		NextPayment: &transport.NextPayment{UnlockPassword: "4821"},
	}

	// The ledger view arrives at the end of the first cycle's sync, so
	// enforcement picks it up on the next pass.
	r.engine.RunCycle(context.Background())
	if r.fake.Locked {
		t.Fatal("locked before the ledger view could be evaluated")
	}
	r.engine.RunCycle(context.Background())

	if !r.fake.Locked {
		t.Fatal("overdue ledger view from heartbeat did not lock")
	}
	status, _ := r.engine.CurrentStatus()
	if status.Lock == nil || status.Lock.Reason != "PAYMENT_OVERDUE" {
		t.Fatalf("lock = %+v", status.Lock)
	}

	// The password delivered alongside it releases the lock.
	result, err := r.engine.UnlockWithPIN(context.Background(), "4821")
	if err != nil || !result.Unlocked {
		t.Fatalf("unlock: %+v %v", result, err)
	}
}

func TestBackendLockStatusLocksDevice(t *testing.T) {
	r := newRig(t)
	r.establishBaseline(t)
	r.backend.resp = transport.SyncResponse{
		Success:     true,
		LockStatus:  &transport.LockStatus{IsLocked: true, Reason: "Payment overdue"},
		NextPayment: &transport.NextPayment{UnlockPassword: "9042"},
	}

	r.engine.RunCycle(context.Background())

	if !r.fake.Locked {
		t.Fatal("backend lock verdict not enforced")
	}
	status, _ := r.engine.CurrentStatus()
	if status.Lock == nil || status.Lock.Reason != "PAYMENT_OVERDUE" {
		t.Fatalf("lock = %+v, want payment-origin record", status.Lock)
	}

	result, err := r.engine.UnlockWithPIN(context.Background(), "9042")
	if err != nil || !result.Unlocked {
		t.Fatalf("unlock: %+v %v", result, err)
	}
}

func TestBackendLockCommandKeepsPaymentReason(t *testing.T) {
	r := newRig(t)
	r.establishBaseline(t)
	r.backend.resp = transport.SyncResponse{
		Success:     true,
		NextPayment: &transport.NextPayment{UnlockPassword: "7731"},
		Commands: []transport.Command{{
			ID:     "cmd-lock",
			Type:   transport.CommandLockDevice,
			Reason: "PAYMENT_OVERDUE",
			Auth:   signCommand(t, "cmd-lock"),
		}},
	}

	r.engine.RunCycle(context.Background())

	status, _ := r.engine.CurrentStatus()
	if status.Lock == nil || status.Lock.Reason != "PAYMENT_OVERDUE" {
		t.Fatalf("lock = %+v, want PAYMENT_OVERDUE carried from the command", status.Lock)
	}

	// Payment-origin means the backend-issued password releases it.
	result, err := r.engine.UnlockWithPIN(context.Background(), "7731")
	if err != nil || !result.Unlocked {
		t.Fatalf("unlock: %+v %v", result, err)
	}
}

func TestCommandsExecuteAtMostOnce(t *testing.T) {
	r := newRig(t)
	r.establishBaseline(t)
	r.backend.resp = transport.SyncResponse{
		Success:  true,
		Commands: []transport.Command{{ID: "cmd-restrict", Type: transport.CommandRestrictNetwork}},
	}

	r.engine.RunCycle(context.Background())
	if !r.fake.NetworkRestricted {
		t.Fatal("command not executed")
	}

	// Backend redelivers the same command on the next heartbeat.
	restricts := 0
	for _, call := range r.fake.Calls {
		if call == "restrict_network" {
			restricts++
		}
	}
	r.engine.RunCycle(context.Background())
	after := 0
	for _, call := range r.fake.Calls {
		if call == "restrict_network" {
			after++
		}
	}
	if after != restricts {
		t.Errorf("redelivered command re-executed: %d -> %d calls", restricts, after)
	}
	if !r.hasAuditKind(t, audit.KindCommandExecuted) {
		t.Error("execution not audited")
	}
}

func TestPrivilegedCommandWithoutTokenRejected(t *testing.T) {
	r := newRig(t)
	r.establishBaseline(t)
	r.backend.resp = transport.SyncResponse{
		Success:  true,
		Commands: []transport.Command{{ID: "cmd-wipe", Type: transport.CommandWipeData}},
	}

	r.engine.RunCycle(context.Background())

	if r.fake.Wiped {
		t.Fatal("unauthorized wipe executed")
	}
	if !r.hasAuditKind(t, audit.KindCommandRejected) {
		t.Error("rejection not audited")
	}
}

func TestBackendUnlockCommand(t *testing.T) {
	r := newRig(t)
	r.establishBaseline(t)
	r.source.Flags.Rooted = true
	r.engine.RunCycle(context.Background())
	if !r.fake.Locked {
		t.Fatal("precondition: device should be locked")
	}

	r.source.Flags.Rooted = false
	r.backend.resp = transport.SyncResponse{
		Success: true,
		Commands: []transport.Command{{
			ID:     "cmd-unlock",
			Type:   transport.CommandUnlockDevice,
			Reason: "support ticket 99",
			Auth:   signCommand(t, "cmd-unlock"),
		}},
	}
	r.engine.RunCycle(context.Background())

	if r.fake.Locked {
		t.Error("backend unlock did not release the device")
	}
	status, _ := r.engine.CurrentStatus()
	if status.Lock != nil {
		t.Errorf("lock record survives backend unlock: %+v", status.Lock)
	}
}

func TestVerifiedSnapshotBecomesBaseline(t *testing.T) {
	r := newRig(t)
	// No enrollment baseline; the backend confirms one via heartbeat.
	verified := snapshot.NewCollector(r.source, time.Second).Capture(context.Background())
	r.backend.resp = transport.SyncResponse{Success: true, VerifiedSnapshot: verified}

	r.engine.RunCycle(context.Background())

	got, kind, err := r.baselines.Active("dev-1")
	if err != nil {
		t.Fatalf("active baseline: %v", err)
	}
	if kind != baseline.KindVerified || got.InstallID != "install-abc" {
		t.Errorf("baseline = %s/%s", kind, got.InstallID)
	}

	// The following cycle verifies cleanly against it.
	r.backend.resp = transport.SyncResponse{Success: true}
	r.engine.RunCycle(context.Background())
	if hb := r.backend.lastHeartbeat(); hb.TamperSeverity != "NONE" {
		t.Errorf("severity = %s against fresh baseline", hb.TamperSeverity)
	}
}

func TestTriggerRunsImmediateCycleSharingAttemptNumber(t *testing.T) {
	r := newRig(t)
	r.establishBaseline(t)
	r.backend.resp = transport.SyncResponse{Success: true}

	// The removal event runs a full cycle immediately, no poll tick needed.
	if err := r.engine.HandleTrigger(context.Background(), protection.TriggerPackageRemoval); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	if !r.fake.Locked {
		t.Error("removal trigger did not lock")
	}

	// The removal alert and the escalation alert share the trigger's attempt
	// number, so the backend sees one incident, not two.
	r.backend.mu.Lock()
	alerts := append([]alertqueue.Alert(nil), r.backend.alerts...)
	r.backend.mu.Unlock()
	if len(alerts) != 2 {
		t.Fatalf("alerts delivered = %d, want removal + escalation", len(alerts))
	}
	for _, a := range alerts {
		if a.AttemptNumber != 1 {
			t.Errorf("alert attempt = %d, want 1 (shared with trigger)", a.AttemptNumber)
		}
	}
	if alerts[0].Severity != "CRITICAL" {
		t.Errorf("removal alert severity = %s, want CRITICAL for package removal", alerts[0].Severity)
	}
}

func TestDeactivateStopsVerification(t *testing.T) {
	r := newRig(t)
	r.establishBaseline(t)
	r.backend.resp = transport.SyncResponse{
		Success: true,
		Commands: []transport.Command{{
			ID:     "cmd-deactivate",
			Type:   transport.CommandDeactivateNow,
			Reason: "contract closed",
			Auth:   signCommand(t, "cmd-deactivate"),
		}},
	}

	r.engine.RunCycle(context.Background())

	status, _ := r.engine.CurrentStatus()
	if !status.Decommissioned {
		t.Fatal("engine not decommissioned")
	}
	if !r.hasAuditKind(t, audit.KindDecommissioned) {
		t.Error("decommission not audited")
	}

	// Later cycles are no-ops: tampering no longer locks.
	heartbeatsBefore := len(r.backend.heartbeats)
	r.source.Flags.Rooted = true
	r.engine.RunCycle(context.Background())
	if len(r.backend.heartbeats) != heartbeatsBefore {
		t.Error("decommissioned engine still syncing")
	}
	if r.fake.Locked {
		t.Error("decommissioned engine applied a lock")
	}
}

func TestEscalatedCadence(t *testing.T) {
	r := newRig(t)
	r.establishBaseline(t)

	if got := r.engine.currentInterval(); got != time.Minute {
		t.Errorf("interval = %v, want normal", got)
	}

	r.source.Flags.USBDebugging = true // MEDIUM finding raises cadence
	r.engine.RunCycle(context.Background())
	if got := r.engine.currentInterval(); got >= time.Minute {
		t.Errorf("interval = %v, want escalated", got)
	}

	r.source.Flags.USBDebugging = false
	r.engine.RunCycle(context.Background())
	if got := r.engine.currentInterval(); got != time.Minute {
		t.Errorf("interval = %v, want restored", got)
	}
}
