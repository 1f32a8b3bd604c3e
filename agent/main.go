package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sponsa/sentinel/pkg/alertqueue"
	"github.com/sponsa/sentinel/pkg/audit"
	"github.com/sponsa/sentinel/pkg/auth"
	"github.com/sponsa/sentinel/pkg/baseline"
	"github.com/sponsa/sentinel/pkg/config"
	"github.com/sponsa/sentinel/pkg/engine"
	"github.com/sponsa/sentinel/pkg/lock"
	"github.com/sponsa/sentinel/pkg/loan"
	"github.com/sponsa/sentinel/pkg/platform"
	"github.com/sponsa/sentinel/pkg/protection"
	"github.com/sponsa/sentinel/pkg/snapshot"
	"github.com/sponsa/sentinel/pkg/store"
	"github.com/sponsa/sentinel/pkg/telemetry"
	"github.com/sponsa/sentinel/pkg/transport"
)

var (
	configPath = flag.String("config", "/etc/sentinel/agent.yaml", "Config file path")
	serverURL  = flag.String("server", "", "Backend URL (overrides config)")
	interval   = flag.Duration("interval", 0, "Poll interval (overrides config)")
	Version    = "dev"
)

func main() {
	flag.Parse()

	configureAgentLogger()
	log.Info().Str("version", Version).Msg("Sentinel agent starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx, *configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	// CLI overrides
	if *serverURL != "" {
		cfg.Server.URL = *serverURL
	}
	if *interval > 0 {
		cfg.Polling.Interval = int(interval.Seconds())
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	applyAgentLogging(cfg.Logging)

	identity, err := loadIdentity(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize device identity")
	}
	log.Info().Str("device_id", identity.DeviceID).
		Str("public_key", identity.PublicKeyB64()).Msg("Device identity loaded")
	log.Info().Str("server", cfg.Server.URL).Int("interval_s", cfg.Polling.Interval).Msg("Configuration loaded")

	if cfg.Tracing.Endpoint != "" || cfg.Tracing.LogSpans {
		provider, err := telemetry.SetupTracing(ctx, "sentinel-agent", Version,
			cfg.Tracing.Endpoint, cfg.Tracing.Insecure, cfg.Tracing.SampleRatio, cfg.Tracing.LogSpans)
		if err != nil {
			log.Warn().Err(err).Msg("Tracing setup failed; continuing without traces")
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := provider.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Tracer shutdown failed")
				}
			}()
		}
	}

	preflight := protection.RunPreflight(cfg.Server.URL, cfg.Platform.BridgeURL, cfg.Platform.MaxClockDriftS)
	if !preflight.Healthy {
		log.Warn().Interface("issues", preflight.Issues).Msg("Preflight reported issues")
	}

	db, err := store.Open(cfg.Device.DataPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open record store")
	}

	eng, auditLog := buildEngine(cfg, identity, db, log.Logger)

	api := NewLocalAPI(eng, auditLog, log.Logger, Version)
	srv := &http.Server{Addr: cfg.LocalAPI.Listen, Handler: api.Router()}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		log.Info().Str("listen", cfg.LocalAPI.Listen).Msg("Local API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Local API server failed")
		}
	}()
	go func() {
		defer wg.Done()
		eng.Run(ctx)
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Local API shutdown failed")
	}
	wg.Wait()
	log.Info().Msg("Sentinel agent stopped")
}

// buildEngine wires the verification engine from config. The loan ledger view
// arrives through heartbeat responses; the engine publishes each response's
// view into the ledger, which starts empty until the first successful sync.
func buildEngine(cfg *config.AgentConfig, identity *auth.Identity, db *store.Store, logger zerolog.Logger) (*engine.Engine, *audit.Log) {
	auditLog := audit.New(db, logger)
	bridgeTimeout := time.Duration(cfg.Platform.TimeoutS) * time.Second
	bridge := platform.NewBridge(cfg.Platform.BridgeURL, bridgeTimeout, logger)
	source := snapshot.NewBridgeSource(cfg.Platform.BridgeURL, bridgeTimeout)

	locks := lock.NewManager(db, bridge, auditLog, lock.PaymentPolicy{
		DueSoonWindow:        time.Duration(cfg.Lock.DueSoonHours) * time.Hour,
		DefaultThresholdDays: cfg.Lock.DefaultThresholdDays,
	}, cfg.Lock.MaxPINAttempts, logger)

	client := transport.NewClient(transport.Options{
		BaseURL:        cfg.Server.URL,
		RequestTimeout: time.Duration(cfg.Server.RequestTimeout) * time.Second,
		RetryInitialMs: cfg.Server.RetryInitialMs,
		RetryMaxMs:     cfg.Server.RetryMaxMs,
		RetryMax:       cfg.Server.RetryMaxRetries,
	}, identity, logger)

	eng := engine.New(identity.DeviceID, engine.Deps{
		Collector: snapshot.NewCollector(source, time.Duration(cfg.Polling.CaptureBudgetMs)*time.Millisecond),
		Baselines: baseline.NewStore(db),
		Locks:     locks,
		Queue:     alertqueue.New(db, auditLog, cfg.Alerts.MaxPending, logger),
		Backend:   client,
		Loans:     loan.NewLedger(),
		Triggers:  protection.NewTriggers(db, auditLog),
		Checker:   protection.NewChecker(bridge, auditLog),
		Store:     db,
		Audit:     auditLog,
		Platform:  bridge,
	}, engine.Options{
		Interval:          time.Duration(cfg.Polling.Interval) * time.Second,
		EscalatedInterval: time.Duration(cfg.Polling.EscalatedInterval) * time.Second,
		Jitter:            time.Duration(cfg.Polling.Jitter) * time.Second,
		CallTimeout:       time.Duration(cfg.Server.RequestTimeout) * time.Second,
		CommandSecret:     []byte(cfg.Device.CommandSecret),
	}, logger)

	return eng, auditLog
}

// loadIdentity reads the enrollment-provisioned keypair. A missing key file
// with a configured device ID bootstraps a fresh keypair; the backend binds it
// on the first authenticated sync.
func loadIdentity(cfg *config.AgentConfig) (*auth.Identity, error) {
	identity, err := auth.LoadIdentity(cfg.Device.KeyPath)
	if err == nil {
		if identity.DeviceID == "" {
			identity.DeviceID = cfg.Device.ID
		}
		return identity, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	log.Info().Msg("No identity on disk; generating keypair")
	identity, err = auth.GenerateIdentity(cfg.Device.ID)
	if err != nil {
		return nil, err
	}
	if err := identity.Save(cfg.Device.KeyPath); err != nil {
		return nil, err
	}
	return identity, nil
}

func configureAgentLogger() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	level := zerolog.InfoLevel
	if raw := strings.ToLower(strings.TrimSpace(os.Getenv("SENTINEL_LOG_LEVEL"))); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}

	format := strings.ToLower(strings.TrimSpace(os.Getenv("SENTINEL_LOG_FORMAT")))

	logger := newAgentLogger(format)
	log.Logger = logger.Level(level)
	zerolog.SetGlobalLevel(level)
}

func applyAgentLogging(cfg config.LoggingConfig) {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil {
		level = parsed
	}

	format := "console"
	if cfg.JSON {
		format = "json"
	}

	logger := newAgentLogger(format)
	log.Logger = logger.Level(level)
	zerolog.SetGlobalLevel(level)
}

func newAgentLogger(format string) zerolog.Logger {
	if format == "json" {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(writer).With().Timestamp().Logger()
}
