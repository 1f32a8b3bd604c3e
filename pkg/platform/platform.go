package platform

import "context"

// Controller is the platform privilege surface the engine drives. The real
// implementation lives in the device-owner layer; the engine only assumes
// these calls exist once privileges are provisioned. Calls may be slow and
// must honour the context deadline.
type Controller interface {
	LockDevice(ctx context.Context, message string) error
	UnlockDevice(ctx context.Context) error
	DisableCamera(ctx context.Context, disabled bool) error
	DisableUSB(ctx context.Context, disabled bool) error
	DisableDeveloperOptions(ctx context.Context, disabled bool) error
	RestrictNetwork(ctx context.Context, restricted bool) error
	WipeSensitiveData(ctx context.Context) error
}

// Inspector exposes the self-check reads behind ProtectionState.
type Inspector interface {
	AppInstalled(ctx context.Context) (bool, error)
	DeviceOwnerEnabled(ctx context.Context) (bool, error)
	UninstallBlocked(ctx context.Context) (bool, error)
	ForceStopBlocked(ctx context.Context) (bool, error)
}
