package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Identity groups the stable device identifiers.
type Identity struct {
	DeviceID       string
	HardwareSerial string
	InstallID      string
}

// BuildInfo groups OS/build attributes.
type BuildInfo struct {
	Manufacturer  string
	Model         string
	OSVersion     string
	BuildID       string
	SecurityPatch string
}

// SecurityFlags groups the boolean security posture reads.
type SecurityFlags struct {
	Rooted             bool
	BootloaderUnlocked bool
	CustomROM          bool
	USBDebugging       bool
	DeveloperMode      bool
}

// Telemetry groups battery/uptime reads.
type Telemetry struct {
	BatteryLevel  int
	UptimeSeconds int64
}

// Location is an optional position fix.
type Location struct {
	Latitude  float64
	Longitude float64
}

// Source is the platform read surface the collector probes. Implementations
// are expected to honour the context deadline; a slow or failing read fails
// only its own probe, never the capture.
type Source interface {
	Identity(ctx context.Context) (Identity, error)
	Build(ctx context.Context) (BuildInfo, error)
	SecurityFlags(ctx context.Context) (SecurityFlags, error)
	InstalledApps(ctx context.Context) ([]string, error)
	SystemProperties(ctx context.Context) (map[string]string, error)
	Telemetry(ctx context.Context) (Telemetry, error)
	Location(ctx context.Context) (*Location, error)
}

// Collector captures device snapshots by running probes in parallel under a
// shared time budget.
type Collector struct {
	source Source
	budget time.Duration
	now    func() time.Time
}

func NewCollector(source Source, budget time.Duration) *Collector {
	if budget <= 0 {
		budget = 800 * time.Millisecond
	}
	return &Collector{source: source, budget: budget, now: time.Now}
}

// Capture reads a best-effort snapshot. Probe failures are recorded per probe
// and leave the affected fields at their sentinel values; Capture itself never
// returns an error.
func (c *Collector) Capture(ctx context.Context) *DeviceSnapshot {
	ctx, cancel := context.WithTimeout(ctx, c.budget)
	defer cancel()

	snap := &DeviceSnapshot{
		CapturedAt: c.now().UTC(),
		Errors:     make(map[string]string),
	}

	var mu sync.Mutex
	record := func(probe string, err error) {
		mu.Lock()
		snap.Errors[probe] = err.Error()
		mu.Unlock()
	}

	probes := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"identity", func(ctx context.Context) error {
			id, err := c.source.Identity(ctx)
			if err != nil {
				return err
			}
			mu.Lock()
			snap.DeviceID = id.DeviceID
			snap.HardwareSerial = id.HardwareSerial
			snap.InstallID = id.InstallID
			mu.Unlock()
			return nil
		}},
		{"build", func(ctx context.Context) error {
			b, err := c.source.Build(ctx)
			if err != nil {
				return err
			}
			mu.Lock()
			snap.Manufacturer = b.Manufacturer
			snap.Model = b.Model
			snap.OSVersion = b.OSVersion
			snap.BuildID = b.BuildID
			snap.SecurityPatch = b.SecurityPatch
			mu.Unlock()
			return nil
		}},
		{"security_flags", func(ctx context.Context) error {
			f, err := c.source.SecurityFlags(ctx)
			if err != nil {
				return err
			}
			mu.Lock()
			snap.Rooted = f.Rooted
			snap.BootloaderUnlocked = f.BootloaderUnlocked
			snap.CustomROM = f.CustomROM
			snap.USBDebugging = f.USBDebugging
			snap.DeveloperMode = f.DeveloperMode
			mu.Unlock()
			return nil
		}},
		{"app_inventory", func(ctx context.Context) error {
			apps, err := c.source.InstalledApps(ctx)
			if err != nil {
				return err
			}
			h := HashInventory(apps)
			mu.Lock()
			snap.InstalledAppsHash = h
			mu.Unlock()
			return nil
		}},
		{"system_properties", func(ctx context.Context) error {
			props, err := c.source.SystemProperties(ctx)
			if err != nil {
				return err
			}
			h := HashProperties(props)
			mu.Lock()
			snap.SystemPropertiesHash = h
			mu.Unlock()
			return nil
		}},
		{"telemetry", func(ctx context.Context) error {
			t, err := c.source.Telemetry(ctx)
			if err != nil {
				return err
			}
			mu.Lock()
			snap.BatteryLevel = t.BatteryLevel
			snap.UptimeSeconds = t.UptimeSeconds
			mu.Unlock()
			return nil
		}},
		{"location", func(ctx context.Context) error {
			loc, err := c.source.Location(ctx)
			if err != nil {
				return err
			}
			if loc == nil {
				return nil
			}
			mu.Lock()
			lat, lon := loc.Latitude, loc.Longitude
			snap.Latitude = &lat
			snap.Longitude = &lon
			mu.Unlock()
			return nil
		}},
	}

	var wg sync.WaitGroup
	for _, probe := range probes {
		wg.Add(1)
		go func(name string, fn func(context.Context) error) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					record(name, fmt.Errorf("panic: %v", r))
				}
			}()
			if err := fn(ctx); err != nil {
				record(name, err)
			}
		}(probe.name, probe.fn)
	}
	wg.Wait()

	if len(snap.Errors) == 0 {
		snap.Errors = nil
	}
	return snap
}
