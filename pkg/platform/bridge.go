package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Bridge drives the privileged device-owner helper over its local REST API.
// The helper runs as a separate privileged process; this client is the only
// path by which the engine touches platform enforcement, so every call here
// maps one-to-one onto a helper endpoint.
type Bridge struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

func NewBridge(baseURL string, timeout time.Duration, logger zerolog.Logger) *Bridge {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Bridge{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "platform").Logger(),
	}
}

func (b *Bridge) LockDevice(ctx context.Context, message string) error {
	return b.post(ctx, "/v1/lock", map[string]string{"message": message})
}

func (b *Bridge) UnlockDevice(ctx context.Context) error {
	return b.post(ctx, "/v1/unlock", nil)
}

func (b *Bridge) DisableCamera(ctx context.Context, disabled bool) error {
	return b.post(ctx, "/v1/restrictions/camera", map[string]bool{"disabled": disabled})
}

func (b *Bridge) DisableUSB(ctx context.Context, disabled bool) error {
	return b.post(ctx, "/v1/restrictions/usb", map[string]bool{"disabled": disabled})
}

func (b *Bridge) DisableDeveloperOptions(ctx context.Context, disabled bool) error {
	return b.post(ctx, "/v1/restrictions/developer_options", map[string]bool{"disabled": disabled})
}

func (b *Bridge) RestrictNetwork(ctx context.Context, restricted bool) error {
	return b.post(ctx, "/v1/restrictions/network", map[string]bool{"restricted": restricted})
}

func (b *Bridge) WipeSensitiveData(ctx context.Context) error {
	return b.post(ctx, "/v1/wipe", nil)
}

// protectionReads is the helper's self-check answer.
type protectionReads struct {
	AppInstalled       bool `json:"app_installed"`
	DeviceOwnerEnabled bool `json:"device_owner_enabled"`
	UninstallBlocked   bool `json:"uninstall_blocked"`
	ForceStopBlocked   bool `json:"force_stop_blocked"`
}

func (b *Bridge) AppInstalled(ctx context.Context) (bool, error) {
	r, err := b.reads(ctx)
	return r.AppInstalled, err
}

func (b *Bridge) DeviceOwnerEnabled(ctx context.Context) (bool, error) {
	r, err := b.reads(ctx)
	return r.DeviceOwnerEnabled, err
}

func (b *Bridge) UninstallBlocked(ctx context.Context) (bool, error) {
	r, err := b.reads(ctx)
	return r.UninstallBlocked, err
}

func (b *Bridge) ForceStopBlocked(ctx context.Context) (bool, error) {
	r, err := b.reads(ctx)
	return r.ForceStopBlocked, err
}

func (b *Bridge) reads(ctx context.Context) (protectionReads, error) {
	var r protectionReads
	err := b.get(ctx, "/v1/protection", &r)
	return r, err
}

func (b *Bridge) post(ctx context.Context, path string, payload any) error {
	body := []byte("{}")
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("helper returned %d for %s: %s", resp.StatusCode, path, strings.TrimSpace(string(data)))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (b *Bridge) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("helper returned %d for %s", resp.StatusCode, path)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
