package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// BridgeSource reads device facts from the privileged helper's REST API. One
// endpoint per probe, so a hung read fails only its own field group.
type BridgeSource struct {
	baseURL string
	client  *http.Client
}

func NewBridgeSource(baseURL string, timeout time.Duration) *BridgeSource {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &BridgeSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *BridgeSource) Identity(ctx context.Context) (Identity, error) {
	var out struct {
		DeviceID       string `json:"device_id"`
		HardwareSerial string `json:"hardware_serial"`
		InstallID      string `json:"install_id"`
	}
	if err := s.get(ctx, "/v1/facts/identity", &out); err != nil {
		return Identity{}, err
	}
	return Identity{DeviceID: out.DeviceID, HardwareSerial: out.HardwareSerial, InstallID: out.InstallID}, nil
}

func (s *BridgeSource) Build(ctx context.Context) (BuildInfo, error) {
	var out struct {
		Manufacturer  string `json:"manufacturer"`
		Model         string `json:"model"`
		OSVersion     string `json:"os_version"`
		BuildID       string `json:"build_id"`
		SecurityPatch string `json:"security_patch"`
	}
	if err := s.get(ctx, "/v1/facts/build", &out); err != nil {
		return BuildInfo{}, err
	}
	return BuildInfo{
		Manufacturer:  out.Manufacturer,
		Model:         out.Model,
		OSVersion:     out.OSVersion,
		BuildID:       out.BuildID,
		SecurityPatch: out.SecurityPatch,
	}, nil
}

func (s *BridgeSource) SecurityFlags(ctx context.Context) (SecurityFlags, error) {
	var out struct {
		Rooted             bool `json:"rooted"`
		BootloaderUnlocked bool `json:"bootloader_unlocked"`
		CustomROM          bool `json:"custom_rom"`
		USBDebugging       bool `json:"usb_debugging"`
		DeveloperMode      bool `json:"developer_mode"`
	}
	if err := s.get(ctx, "/v1/facts/security", &out); err != nil {
		return SecurityFlags{}, err
	}
	return SecurityFlags{
		Rooted:             out.Rooted,
		BootloaderUnlocked: out.BootloaderUnlocked,
		CustomROM:          out.CustomROM,
		USBDebugging:       out.USBDebugging,
		DeveloperMode:      out.DeveloperMode,
	}, nil
}

func (s *BridgeSource) InstalledApps(ctx context.Context) ([]string, error) {
	var out struct {
		Packages []string `json:"packages"`
	}
	if err := s.get(ctx, "/v1/facts/apps", &out); err != nil {
		return nil, err
	}
	return out.Packages, nil
}

func (s *BridgeSource) SystemProperties(ctx context.Context) (map[string]string, error) {
	var out struct {
		Properties map[string]string `json:"properties"`
	}
	if err := s.get(ctx, "/v1/facts/properties", &out); err != nil {
		return nil, err
	}
	return out.Properties, nil
}

func (s *BridgeSource) Telemetry(ctx context.Context) (Telemetry, error) {
	var out struct {
		BatteryLevel  int   `json:"battery_level"`
		UptimeSeconds int64 `json:"uptime_seconds"`
	}
	if err := s.get(ctx, "/v1/facts/telemetry", &out); err != nil {
		return Telemetry{}, err
	}
	return Telemetry{BatteryLevel: out.BatteryLevel, UptimeSeconds: out.UptimeSeconds}, nil
}

func (s *BridgeSource) Location(ctx context.Context) (*Location, error) {
	var out struct {
		Available bool    `json:"available"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	}
	if err := s.get(ctx, "/v1/facts/location", &out); err != nil {
		return nil, err
	}
	if !out.Available {
		return nil, nil
	}
	return &Location{Latitude: out.Latitude, Longitude: out.Longitude}, nil
}

func (s *BridgeSource) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("helper returned %d for %s", resp.StatusCode, path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
