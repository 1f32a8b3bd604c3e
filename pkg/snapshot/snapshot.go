package snapshot

import "time"

// DeviceSnapshot is a point-in-time read of device state. Snapshots are
// immutable once captured; a new cycle produces a new snapshot rather than
// updating an old one. Fields that could not be read are left at their zero
// value and the failing probe is recorded in Errors.
type DeviceSnapshot struct {
	// Identity
	DeviceID       string `json:"device_id"`
	HardwareSerial string `json:"hardware_serial"`
	InstallID      string `json:"install_id"`

	// Build attributes
	Manufacturer  string `json:"manufacturer"`
	Model         string `json:"model"`
	OSVersion     string `json:"os_version"`
	BuildID       string `json:"build_id"`
	SecurityPatch string `json:"security_patch,omitempty"`

	// Security posture
	Rooted             bool `json:"rooted"`
	BootloaderUnlocked bool `json:"bootloader_unlocked"`
	CustomROM          bool `json:"custom_rom"`
	USBDebugging       bool `json:"usb_debugging"`
	DeveloperMode      bool `json:"developer_mode"`

	// Content hashes over installed apps and system properties
	InstalledAppsHash    string `json:"installed_apps_hash"`
	SystemPropertiesHash string `json:"system_properties_hash"`

	// Telemetry
	BatteryLevel  int   `json:"battery_level"`
	UptimeSeconds int64 `json:"uptime_seconds"`

	// Optional location fix
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`

	CapturedAt time.Time         `json:"captured_at"`
	Errors     map[string]string `json:"errors,omitempty"` // probe_name -> error_message
}

// Partial reports whether any probe failed during capture.
func (s *DeviceSnapshot) Partial() bool {
	return len(s.Errors) > 0
}
