package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goodtune/tabtrack/internal/agent"
	"github.com/goodtune/tabtrack/internal/buffer"
	"github.com/goodtune/tabtrack/internal/config"
	"github.com/goodtune/tabtrack/internal/debuglog"
	"github.com/goodtune/tabtrack/internal/host"
	"github.com/goodtune/tabtrack/internal/ledger"
	"github.com/goodtune/tabtrack/internal/metrics"
	"github.com/goodtune/tabtrack/internal/remote"
	"github.com/goodtune/tabtrack/internal/rules"
	"github.com/goodtune/tabtrack/internal/storage"
	"github.com/goodtune/tabtrack/internal/storage/bolt"
	"github.com/goodtune/tabtrack/internal/storage/redis"
	"github.com/goodtune/tabtrack/internal/systemd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run as the native messaging host",
	Long:  `Serve the native messaging protocol on stdin/stdout until the browser closes the port.`,
	Args:  cobra.ArbitraryArgs,
	RunE:  runHost,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runHost(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	// The debug ring outlives the host context so shutdown lines are kept
	ring := debuglog.New(store.DebugLog(), cfg.Buffer.DebugLogEntries, zerolog.InfoLevel)
	ring.Start(context.Background())
	defer ring.Close()

	// Setup logger; stdout carries protocol frames
	logger := setupLogger(cfg.Logging, os.Stderr, ring)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Strs("args", args).
		Str("storage", cfg.Storage.Type).
		Msg("Starting tabtrack")

	config.Watch(configPath, func(updated *config.Config) {
		zerolog.SetGlobalLevel(parseLevel(updated.Logging.Level))
		logger.Info().Str("level", updated.Logging.Level).Msg("Configuration reloaded")
	}, func(err error) {
		logger.Debug().Err(err).Msg("Configuration watch unavailable")
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Optional metrics endpoint
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer, err = startMetrics(cfg.Metrics, logger)
		if err != nil {
			return err
		}
	}

	fallback, err := fallbackCredentials(cfg.Identity)
	if err != nil {
		logger.Warn().Err(err).Msg("Ignoring identity fallback")
	}

	compiler, err := rules.NewCompiler(rules.DefaultCacheSize, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize rule compiler: %w", err)
	}

	client := remote.NewClient(cfg.Server.APIBase, config.ParseDuration(cfg.Server.RequestTimeout, 30*time.Second), logger)

	coordinator, err := agent.New(agent.Options{
		Store:              store,
		Collector:          client,
		Out:                host.NewWriter(os.Stdout),
		Rules:              compiler,
		Fallback:           fallback,
		Version:            cfg.Server.ExtensionVersion,
		MinSessionDuration: config.ParseDuration(cfg.Tracking.MinSessionDuration, ledger.DefaultMinSessionDuration),
		TelemetryInterval:  config.ParseDuration(cfg.Tracking.TelemetryInterval, agent.DefaultTelemetryInterval),
		ConfigRefresh:      config.ParseDuration(cfg.Tracking.ConfigRefresh, remote.DefaultConfigRefreshSec*time.Second),
		Retention:          config.ParseDuration(cfg.Buffer.Retention, buffer.DefaultRetention),
		RetryDelays:        cfg.RetrySchedule(),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize agent: %w", err)
	}

	// The reader goroutine is abandoned on signal; the process exits anyway
	messages := make(chan host.Message, 64)
	reader := host.NewReader(os.Stdin, logger)
	go func() {
		defer close(messages)
		if err := reader.Run(ctx, messages); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("Native messaging stream broken")
		}
	}()

	// Notify systemd that we're ready
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}
	if interval := systemd.WatchdogInterval(); interval > 0 {
		go watchdog(ctx, interval, logger)
	}

	err = coordinator.Run(ctx, messages)

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Metrics Server")
		}
	}

	logger.Info().Msg("tabtrack stopped")
	return err
}

func startMetrics(cfg config.MetricsConfig, logger zerolog.Logger) (*metrics.Server, error) {
	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return nil, fmt.Errorf("failed to get systemd listeners: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	server := metrics.NewServer(addr, logger)

	// Use systemd socket-activated listener if available
	if sdListeners.Activated && sdListeners.Metrics != nil {
		server.SetListener(sdListeners.Metrics)
	}

	if err := server.Start(); err != nil {
		return nil, fmt.Errorf("failed to start Metrics Server: %w", err)
	}

	logger.Info().
		Str("addr", addr).
		Bool("socket_activated", sdListeners.Activated).
		Msg("Metrics Server started")
	return server, nil
}

func watchdog(ctx context.Context, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := systemd.NotifyWatchdog(); err != nil {
				logger.Debug().Err(err).Msg("Failed to send systemd watchdog notification")
			}
		}
	}
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "", "bolt":
		return bolt.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// fallbackCredentials reads the configured identity. The token file wins
// over an inline token.
func fallbackCredentials(cfg config.IdentityConfig) (remote.Credentials, error) {
	creds := remote.Credentials{Email: cfg.Email, Token: cfg.Token}
	if cfg.TokenFile == "" {
		return creds, nil
	}
	data, err := os.ReadFile(cfg.TokenFile)
	if err != nil {
		return creds, fmt.Errorf("read token file: %w", err)
	}
	creds.Token = strings.TrimSpace(string(data))
	return creds, nil
}

// setupLogger configures the logger based on configuration. Extra writers
// receive JSON lines regardless of the console format.
func setupLogger(cfg config.LoggingConfig, out io.Writer, extra ...io.Writer) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	// Set output format
	var primary io.Writer = out
	if cfg.Format == "text" {
		primary = zerolog.ConsoleWriter{Out: out}
	}

	if len(extra) == 0 {
		return zerolog.New(primary).With().Timestamp().Logger()
	}
	writers := append([]io.Writer{primary}, extra...)
	return zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
