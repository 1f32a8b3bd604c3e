package tamper

import (
	"reflect"
	"testing"
	"time"

	"github.com/sponsa/sentinel/pkg/snapshot"
)

func cleanSnapshot() *snapshot.DeviceSnapshot {
	return &snapshot.DeviceSnapshot{
		DeviceID:             "dev-1",
		HardwareSerial:       "SER123",
		InstallID:            "install-abc",
		Rooted:               false,
		BootloaderUnlocked:   false,
		CustomROM:            false,
		USBDebugging:         false,
		DeveloperMode:        false,
		InstalledAppsHash:    "hash-apps",
		SystemPropertiesHash: "hash-props",
	}
}

func TestCompareCleanSnapshotYieldsNoFindings(t *testing.T) {
	findings := Compare(cleanSnapshot(), cleanSnapshot())
	if len(findings) != 0 {
		t.Fatalf("expected no findings, got %v", findings)
	}
}

func TestCompareFieldSeverities(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*snapshot.DeviceSnapshot)
		field    string
		severity Severity
	}{
		{"device id swap", func(s *snapshot.DeviceSnapshot) { s.DeviceID = "dev-2" }, "device_id", SeverityCritical},
		{"serial swap", func(s *snapshot.DeviceSnapshot) { s.HardwareSerial = "SER999" }, "hardware_serial", SeverityCritical},
		{"reinstall", func(s *snapshot.DeviceSnapshot) { s.InstallID = "install-xyz" }, "install_id", SeverityCritical},
		{"rooted", func(s *snapshot.DeviceSnapshot) { s.Rooted = true }, "rooted", SeverityHigh},
		{"bootloader", func(s *snapshot.DeviceSnapshot) { s.BootloaderUnlocked = true }, "bootloader_unlocked", SeverityHigh},
		{"custom rom", func(s *snapshot.DeviceSnapshot) { s.CustomROM = true }, "custom_rom", SeverityHigh},
		{"usb debugging", func(s *snapshot.DeviceSnapshot) { s.USBDebugging = true }, "usb_debugging", SeverityMedium},
		{"developer mode", func(s *snapshot.DeviceSnapshot) { s.DeveloperMode = true }, "developer_mode", SeverityMedium},
		{"app inventory drift", func(s *snapshot.DeviceSnapshot) { s.InstalledAppsHash = "hash-other" }, "installed_apps_hash", SeverityMedium},
		{"property drift", func(s *snapshot.DeviceSnapshot) { s.SystemPropertiesHash = "hash-other" }, "system_properties_hash", SeverityMedium},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			current := cleanSnapshot()
			tt.mutate(current)

			findings := Compare(current, cleanSnapshot())
			if len(findings) != 1 {
				t.Fatalf("expected 1 finding, got %d: %v", len(findings), findings)
			}
			if findings[0].Field != tt.field {
				t.Errorf("field = %q, want %q", findings[0].Field, tt.field)
			}
			if findings[0].Severity != tt.severity {
				t.Errorf("severity = %v, want %v", findings[0].Severity, tt.severity)
			}
		})
	}
}

func TestCompareDeterministicOrder(t *testing.T) {
	current := cleanSnapshot()
	current.Rooted = true
	current.DeviceID = "dev-2"
	current.InstalledAppsHash = "hash-other"

	first := Compare(current, cleanSnapshot())
	for i := 0; i < 10; i++ {
		again := Compare(current, cleanSnapshot())
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("comparison not deterministic: %v vs %v", first, again)
		}
	}
	// Identifier fields precede posture fields in the fixed field order.
	if first[0].Field != "device_id" {
		t.Errorf("first finding = %q, want device_id", first[0].Field)
	}
}

func TestCompareSkipsFailedProbes(t *testing.T) {
	current := cleanSnapshot()
	current.Rooted = true // sentinel false->true would normally flag
	current.Errors = map[string]string{"security_flags": "read timeout"}

	findings := Compare(current, cleanSnapshot())
	for _, f := range findings {
		if f.Field == "rooted" {
			t.Fatalf("failed probe produced finding: %v", f)
		}
	}
}

func TestCompareSkipsEmptyValues(t *testing.T) {
	baseline := cleanSnapshot()
	baseline.InstalledAppsHash = ""

	current := cleanSnapshot()
	current.InstalledAppsHash = "hash-new"

	if findings := Compare(current, baseline); len(findings) != 0 {
		t.Fatalf("empty baseline value produced findings: %v", findings)
	}
}

func TestCompareNilSnapshots(t *testing.T) {
	if got := Compare(nil, cleanSnapshot()); got != nil {
		t.Errorf("nil current: got %v", got)
	}
	if got := Compare(cleanSnapshot(), nil); got != nil {
		t.Errorf("nil baseline: got %v", got)
	}
}

func TestClassifyMaxSeverity(t *testing.T) {
	now := time.Now()
	findings := []Finding{
		{Field: "usb_debugging", Severity: SeverityMedium},
		{Field: "rooted", Severity: SeverityHigh},
		{Field: "installed_apps_hash", Severity: SeverityMedium},
	}

	status := Classify(findings, now)
	if status.Severity != SeverityHigh {
		t.Errorf("severity = %v, want HIGH", status.Severity)
	}
	if !status.Tampered {
		t.Error("expected tampered")
	}
	if !status.BaselineEstablished {
		t.Error("expected baseline established")
	}
	want := []string{"usb_debugging", "rooted", "installed_apps_hash"}
	if !reflect.DeepEqual(status.Flags, want) {
		t.Errorf("flags = %v, want %v", status.Flags, want)
	}
}

func TestClassifyEmptyIsNone(t *testing.T) {
	status := Classify(nil, time.Now())
	if status.Severity != SeverityNone || status.Tampered {
		t.Errorf("empty findings: got %+v", status)
	}
}

func TestInconclusiveDistinctFromClean(t *testing.T) {
	clean := Classify(nil, time.Now())
	inconclusive := Inconclusive(time.Now())

	if inconclusive.Severity != SeverityNone {
		t.Errorf("inconclusive severity = %v, want NONE", inconclusive.Severity)
	}
	if inconclusive.BaselineEstablished == clean.BaselineEstablished {
		t.Error("inconclusive must be distinguishable from a clean result")
	}
}

func TestSeverityOrdering(t *testing.T) {
	if !(SeverityNone < SeverityLow && SeverityLow < SeverityMedium &&
		SeverityMedium < SeverityHigh && SeverityHigh < SeverityCritical) {
		t.Fatal("severity ordinals out of order")
	}
}

func TestParseSeverityRoundTrip(t *testing.T) {
	for _, s := range []Severity{SeverityNone, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical} {
		if got := ParseSeverity(s.String()); got != s {
			t.Errorf("ParseSeverity(%q) = %v, want %v", s.String(), got, s)
		}
	}
	if got := ParseSeverity("bogus"); got != SeverityNone {
		t.Errorf("unknown name parsed to %v, want NONE", got)
	}
}
