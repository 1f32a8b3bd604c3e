package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testSource() *StaticSource {
	return &StaticSource{
		ID:    Identity{DeviceID: "dev-1", HardwareSerial: "SER123", InstallID: "install-abc"},
		Info:  BuildInfo{Manufacturer: "Acme", Model: "A1", OSVersion: "14", BuildID: "B100"},
		Flags: SecurityFlags{USBDebugging: true},
		Apps:  []string{"com.example.two", "com.example.one"},
		Props: map[string]string{"ro.build.type": "user"},
		Tele:  Telemetry{BatteryLevel: 80, UptimeSeconds: 3600},
	}
}

func TestCaptureFullSnapshot(t *testing.T) {
	collector := NewCollector(testSource(), time.Second)
	snap := collector.Capture(context.Background())

	if snap.Partial() {
		t.Fatalf("expected complete capture, errors: %v", snap.Errors)
	}
	if snap.DeviceID != "dev-1" || snap.HardwareSerial != "SER123" {
		t.Errorf("identity not captured: %+v", snap)
	}
	if !snap.USBDebugging {
		t.Error("security flags not captured")
	}
	if snap.InstalledAppsHash == "" || snap.SystemPropertiesHash == "" {
		t.Error("hashes not computed")
	}
	if snap.BatteryLevel != 80 {
		t.Errorf("battery = %d, want 80", snap.BatteryLevel)
	}
	if snap.CapturedAt.IsZero() {
		t.Error("capture timestamp missing")
	}
}

func TestCapturePartialOnProbeFailure(t *testing.T) {
	source := testSource()
	source.Fail = map[string]bool{"security_flags": true, "app_inventory": true}
	source.FailErr = errors.New("read timeout")

	collector := NewCollector(source, time.Second)
	snap := collector.Capture(context.Background())

	if !snap.Partial() {
		t.Fatal("expected partial capture")
	}
	if _, ok := snap.Errors["security_flags"]; !ok {
		t.Errorf("security_flags failure not recorded: %v", snap.Errors)
	}
	if _, ok := snap.Errors["app_inventory"]; !ok {
		t.Errorf("app_inventory failure not recorded: %v", snap.Errors)
	}
	// Unaffected probes still populate their fields.
	if snap.DeviceID != "dev-1" {
		t.Error("identity probe should have succeeded")
	}
	if snap.InstalledAppsHash != "" {
		t.Error("failed probe left a hash behind")
	}
}

func TestCaptureNeverReturnsNil(t *testing.T) {
	source := testSource()
	source.Fail = map[string]bool{
		"identity": true, "build": true, "security_flags": true,
		"app_inventory": true, "system_properties": true, "telemetry": true, "location": true,
	}
	source.FailErr = errors.New("helper down")

	snap := NewCollector(source, time.Second).Capture(context.Background())
	if snap == nil {
		t.Fatal("capture returned nil")
	}
	if len(snap.Errors) != 7 {
		t.Errorf("expected 7 probe errors, got %d", len(snap.Errors))
	}
}

func TestHashInventoryOrderIndependent(t *testing.T) {
	a := HashInventory([]string{"com.a", "com.b", "com.c"})
	b := HashInventory([]string{"com.c", "com.a", "com.b"})
	if a != b {
		t.Errorf("inventory hash depends on order: %s vs %s", a, b)
	}
	if a == HashInventory([]string{"com.a", "com.b"}) {
		t.Error("different inventories hashed equal")
	}
}

func TestHashPropertiesStable(t *testing.T) {
	props := map[string]string{"ro.debuggable": "0", "ro.secure": "1"}
	first := HashProperties(props)
	for i := 0; i < 20; i++ {
		if got := HashProperties(props); got != first {
			t.Fatalf("property hash not stable across map iteration: %s vs %s", got, first)
		}
	}
	if first == HashProperties(map[string]string{"ro.debuggable": "1", "ro.secure": "1"}) {
		t.Error("changed property value hashed equal")
	}
}
