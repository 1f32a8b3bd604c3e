package config

import (
	"context"
	"os"
	"strings"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

type AgentConfig struct {
	Device   DeviceConfig   `yaml:"device"`
	Server   ServerConfig   `yaml:"server"`
	Platform PlatformConfig `yaml:"platform"`
	Polling  PollingConfig  `yaml:"polling"`
	Lock     LockConfig     `yaml:"lock"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	LocalAPI LocalAPIConfig `yaml:"local_api"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type DeviceConfig struct {
	ID            string `yaml:"id" env:"SENTINEL_DEVICE_ID"`
	KeyPath       string `yaml:"key_path" env:"SENTINEL_KEY_PATH"`
	DataPath      string `yaml:"data_path" env:"SENTINEL_DATA_PATH"`
	CommandSecret string `yaml:"command_secret" env:"SENTINEL_COMMAND_SECRET"`
}

type ServerConfig struct {
	URL             string `yaml:"url" env:"SENTINEL_SERVER_URL"`
	RequestTimeout  int    `yaml:"request_timeout_s"`
	RetryInitialMs  int    `yaml:"retry_initial_ms"`
	RetryMaxMs      int    `yaml:"retry_max_ms"`
	RetryMaxRetries int    `yaml:"retry_max_attempts"`
}

type PlatformConfig struct {
	// BridgeURL is the privileged device-owner helper's local REST endpoint.
	BridgeURL string `yaml:"bridge_url" env:"SENTINEL_BRIDGE_URL"`
	TimeoutS  int    `yaml:"timeout_s"`
	// MaxClockDriftS bounds the startup clock-drift preflight check.
	MaxClockDriftS int `yaml:"max_clock_drift_s"`
}

type PollingConfig struct {
	Interval          int `yaml:"interval_s"`
	EscalatedInterval int `yaml:"escalated_interval_s"`
	Jitter            int `yaml:"jitter_s"`
	CaptureBudgetMs   int `yaml:"capture_budget_ms"`
}

type LockConfig struct {
	MaxPINAttempts       int `yaml:"max_pin_attempts"`
	DueSoonHours         int `yaml:"due_soon_hours"`
	DefaultThresholdDays int `yaml:"default_threshold_days"`
}

type AlertsConfig struct {
	MaxPending int `yaml:"max_pending"`
}

type LocalAPIConfig struct {
	Listen string `yaml:"listen" env:"SENTINEL_LOCAL_API_LISTEN"`
}

type LoggingConfig struct {
	Level string `yaml:"level" env:"SENTINEL_LOG_LEVEL"`
	JSON  bool   `yaml:"json"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint" env:"SENTINEL_OTLP_ENDPOINT"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	LogSpans    bool    `yaml:"log_spans"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *AgentConfig {
	return &AgentConfig{
		Device: DeviceConfig{
			KeyPath:  "/var/lib/sentinel/device_key",
			DataPath: "/var/lib/sentinel/sentinel.db",
		},
		Server: ServerConfig{
			URL:             "https://localhost:8443",
			RequestTimeout:  10,
			RetryInitialMs:  500,
			RetryMaxMs:      5000,
			RetryMaxRetries: 5,
		},
		Platform: PlatformConfig{
			BridgeURL:      "http://127.0.0.1:7677",
			TimeoutS:       5,
			MaxClockDriftS: 120,
		},
		Polling: PollingConfig{
			Interval:          120,
			EscalatedInterval: 30,
			Jitter:            15,
			CaptureBudgetMs:   800,
		},
		Lock: LockConfig{
			MaxPINAttempts:       3,
			DueSoonHours:         72,
			DefaultThresholdDays: 30,
		},
		Alerts: AlertsConfig{
			MaxPending: 200,
		},
		LocalAPI: LocalAPIConfig{
			Listen: "127.0.0.1:7676",
		},
		Logging: LoggingConfig{
			Level: "info",
			JSON:  false,
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
	}
}

// Load reads config from file, then applies SENTINEL_* env overrides.
func Load(ctx context.Context, path string) (*AgentConfig, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		}
	}

	if err := envconfig.Process(ctx, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *AgentConfig) Validate() error {
	if c.Device.ID == "" {
		return ErrMissingDeviceID
	}
	if c.Server.URL == "" {
		return ErrMissingServerURL
	}
	if !strings.HasPrefix(c.Server.URL, "https://") && !strings.HasPrefix(c.Server.URL, "http://") {
		return &Error{"server URL must be http(s)"}
	}
	if c.Platform.BridgeURL == "" {
		return &Error{"platform bridge URL is required"}
	}
	if c.Platform.TimeoutS <= 0 {
		c.Platform.TimeoutS = 5
	}
	if c.Platform.MaxClockDriftS <= 0 {
		c.Platform.MaxClockDriftS = 120
	}
	if c.Polling.Interval < 10 {
		return ErrInvalidInterval
	}
	if c.Polling.EscalatedInterval <= 0 || c.Polling.EscalatedInterval > c.Polling.Interval {
		c.Polling.EscalatedInterval = c.Polling.Interval / 4
		if c.Polling.EscalatedInterval < 10 {
			c.Polling.EscalatedInterval = 10
		}
	}
	if c.Polling.CaptureBudgetMs <= 0 {
		c.Polling.CaptureBudgetMs = 800
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = 10
	}
	if c.Server.RetryInitialMs <= 0 {
		c.Server.RetryInitialMs = 500
	}
	if c.Server.RetryMaxMs <= 0 {
		c.Server.RetryMaxMs = 5000
	}
	if c.Server.RetryMaxRetries < 0 {
		c.Server.RetryMaxRetries = 5
	}
	if c.Server.RetryMaxMs < c.Server.RetryInitialMs {
		c.Server.RetryMaxMs = c.Server.RetryInitialMs
	}
	if c.Lock.MaxPINAttempts < 3 || c.Lock.MaxPINAttempts > 5 {
		c.Lock.MaxPINAttempts = 3
	}
	if c.Lock.DueSoonHours <= 0 {
		c.Lock.DueSoonHours = 72
	}
	if c.Lock.DefaultThresholdDays <= 0 {
		c.Lock.DefaultThresholdDays = 30
	}
	if c.Alerts.MaxPending <= 0 {
		c.Alerts.MaxPending = 200
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	return nil
}

var (
	ErrMissingDeviceID  = &Error{"device ID is required"}
	ErrMissingServerURL = &Error{"server URL is required"}
	ErrInvalidInterval  = &Error{"poll interval must be >= 10s"}
)

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
