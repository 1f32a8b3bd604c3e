package tamper

import (
	"strconv"
	"strings"

	"github.com/sponsa/sentinel/pkg/snapshot"
)

func strField(f func(*snapshot.DeviceSnapshot) string) func(*snapshot.DeviceSnapshot) string {
	return f
}

func boolField(f func(*snapshot.DeviceSnapshot) bool) func(*snapshot.DeviceSnapshot) string {
	return func(s *snapshot.DeviceSnapshot) string { return strconv.FormatBool(f(s)) }
}

// Field-to-severity policy. Fixed at build time, not configurable: identifier
// drift means the agent is watching a different device, posture drift means
// the device was compromised, debug flags and inventory drift are suspicious
// but survivable.
var comparedFields = []struct {
	name     string
	probe    string
	category Category
	severity Severity
	value    func(*snapshot.DeviceSnapshot) string
}{
	{"device_id", "identity", CategoryHardware, SeverityCritical, strField(func(s *snapshot.DeviceSnapshot) string { return s.DeviceID })},
	{"hardware_serial", "identity", CategoryHardware, SeverityCritical, strField(func(s *snapshot.DeviceSnapshot) string { return s.HardwareSerial })},
	{"install_id", "identity", CategorySoftware, SeverityCritical, strField(func(s *snapshot.DeviceSnapshot) string { return s.InstallID })},
	{"rooted", "security_flags", CategorySecurity, SeverityHigh, boolField(func(s *snapshot.DeviceSnapshot) bool { return s.Rooted })},
	{"bootloader_unlocked", "security_flags", CategorySecurity, SeverityHigh, boolField(func(s *snapshot.DeviceSnapshot) bool { return s.BootloaderUnlocked })},
	{"custom_rom", "security_flags", CategorySecurity, SeverityHigh, boolField(func(s *snapshot.DeviceSnapshot) bool { return s.CustomROM })},
	{"usb_debugging", "security_flags", CategorySecurity, SeverityMedium, boolField(func(s *snapshot.DeviceSnapshot) bool { return s.USBDebugging })},
	{"developer_mode", "security_flags", CategorySecurity, SeverityMedium, boolField(func(s *snapshot.DeviceSnapshot) bool { return s.DeveloperMode })},
	{"installed_apps_hash", "app_inventory", CategorySoftware, SeverityMedium, strField(func(s *snapshot.DeviceSnapshot) string { return s.InstalledAppsHash })},
	{"system_properties_hash", "system_properties", CategorySoftware, SeverityMedium, strField(func(s *snapshot.DeviceSnapshot) string { return s.SystemPropertiesHash })},
}

// Compare diffs the current snapshot against the baseline and returns the
// typed findings. It is pure and deterministic: identical inputs yield an
// identical, order-stable finding list.
//
// A field that is empty on either side is skipped rather than flagged; a probe
// that failed to read must not masquerade as tampering.
func Compare(current, baseline *snapshot.DeviceSnapshot) []Finding {
	if current == nil || baseline == nil {
		return nil
	}

	var findings []Finding
	for _, f := range comparedFields {
		// Fields whose probe failed this cycle carry sentinel values, not
		// device state.
		if _, failed := current.Errors[f.probe]; failed {
			continue
		}
		oldVal := normalize(f.value(baseline))
		newVal := normalize(f.value(current))
		if oldVal == "" || newVal == "" {
			continue
		}
		if oldVal == newVal {
			continue
		}
		findings = append(findings, Finding{
			Field:    f.name,
			Category: f.category,
			OldValue: oldVal,
			NewValue: newVal,
			Severity: f.severity,
		})
	}
	return findings
}

func normalize(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
