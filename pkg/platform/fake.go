package platform

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Fake is an in-memory Controller/Inspector used in development mode and
// tests. It records the would-be device state and logs each call.
type Fake struct {
	mu sync.Mutex

	Locked            bool
	LockMessage       string
	CameraDisabled    bool
	USBDisabled       bool
	DevOptsDisabled   bool
	NetworkRestricted bool
	Wiped             bool

	Installed   bool
	Owner       bool
	NoUninstall bool
	NoForceStop bool

	// Errs maps call names to injected failures.
	Errs map[string]error

	Calls  []string
	logger zerolog.Logger
}

func NewFake(logger zerolog.Logger) *Fake {
	return &Fake{
		Installed:   true,
		Owner:       true,
		NoUninstall: true,
		NoForceStop: true,
		logger:      logger.With().Str("component", "platform").Logger(),
	}
}

func (f *Fake) call(name string) error {
	f.Calls = append(f.Calls, name)
	f.logger.Debug().Str("call", name).Msg("Platform call")
	if f.Errs != nil {
		return f.Errs[name]
	}
	return nil
}

func (f *Fake) LockDevice(_ context.Context, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("lock_device"); err != nil {
		return err
	}
	f.Locked = true
	f.LockMessage = message
	return nil
}

func (f *Fake) UnlockDevice(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("unlock_device"); err != nil {
		return err
	}
	f.Locked = false
	f.LockMessage = ""
	return nil
}

func (f *Fake) DisableCamera(_ context.Context, disabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("disable_camera"); err != nil {
		return err
	}
	f.CameraDisabled = disabled
	return nil
}

func (f *Fake) DisableUSB(_ context.Context, disabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("disable_usb"); err != nil {
		return err
	}
	f.USBDisabled = disabled
	return nil
}

func (f *Fake) DisableDeveloperOptions(_ context.Context, disabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("disable_developer_options"); err != nil {
		return err
	}
	f.DevOptsDisabled = disabled
	return nil
}

func (f *Fake) RestrictNetwork(_ context.Context, restricted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("restrict_network"); err != nil {
		return err
	}
	f.NetworkRestricted = restricted
	return nil
}

func (f *Fake) WipeSensitiveData(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("wipe_sensitive_data"); err != nil {
		return err
	}
	f.Wiped = true
	return nil
}

func (f *Fake) AppInstalled(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("app_installed"); err != nil {
		return false, err
	}
	return f.Installed, nil
}

func (f *Fake) DeviceOwnerEnabled(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("device_owner_enabled"); err != nil {
		return false, err
	}
	return f.Owner, nil
}

func (f *Fake) UninstallBlocked(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("uninstall_blocked"); err != nil {
		return false, err
	}
	return f.NoUninstall, nil
}

func (f *Fake) ForceStopBlocked(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("force_stop_blocked"); err != nil {
		return false, err
	}
	return f.NoForceStop, nil
}
