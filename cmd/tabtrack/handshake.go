package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fatih/color"
	"github.com/goodtune/tabtrack/internal/config"
	"github.com/goodtune/tabtrack/internal/remote"
	"github.com/goodtune/tabtrack/internal/retry"
	"github.com/spf13/cobra"
)

var (
	handshakeAttempts int
	handshakeEmail    string
)

var handshakeCmd = &cobra.Command{
	Use:   "handshake",
	Short: "Check connectivity to the collector",
	Long: `Perform a handshake with the collector using the configured or persisted
identity, retrying on the configured schedule.`,
	Example: `  tabtrack handshake
  tabtrack handshake --attempts 3 --email user@example.com`,
	RunE: runHandshake,
}

func init() {
	handshakeCmd.Flags().IntVar(&handshakeAttempts, "attempts", 1, "Maximum number of handshake attempts")
	handshakeCmd.Flags().StringVar(&handshakeEmail, "email", "", "Override the identity email")
	rootCmd.AddCommand(handshakeCmd)
}

func runHandshake(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stderr)

	creds, err := handshakeCredentials(cfg)
	if err != nil {
		return err
	}
	if handshakeEmail != "" {
		creds.Email = handshakeEmail
	}
	if !creds.Valid() {
		return fmt.Errorf("no identity available: set identity.email and identity.token_file")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := remote.NewClient(cfg.Server.APIBase, config.ParseDuration(cfg.Server.RequestTimeout, 30*time.Second), logger)
	schedule := retry.NewSchedule(cfg.RetrySchedule())

	var result *remote.Config
	attempt := 0
	err = schedule.Run(ctx, func() error {
		attempt++
		c, err := client.Handshake(ctx, creds, cfg.Server.ExtensionVersion)
		switch {
		case err == nil:
			result = c
			return nil
		case errors.Is(err, remote.ErrUnauthorized), attempt >= handshakeAttempts:
			return backoff.Permanent(err)
		default:
			return err
		}
	}, func(err error, next time.Duration) {
		color.New(color.FgYellow).Fprintf(os.Stderr, "attempt %d failed: %v (retrying in %s)\n", attempt, err, next)
	})
	if err != nil {
		color.New(color.FgRed, color.Bold).Fprintf(os.Stderr, "❌ Handshake failed: %v\n", err)
		return err
	}

	status := color.New(color.FgGreen, color.Bold)
	if result.Banned() {
		status = color.New(color.FgRed, color.Bold)
	}
	status.Printf("Status: %s\n", result.Status)
	fmt.Printf("Idle threshold:      %ds\n", result.IdleThresholdSec)
	fmt.Printf("Screenshot interval: %ds\n", result.ScreenshotInterval())
	fmt.Printf("Config refresh:      %ds\n", result.ConfigRefreshSec)
	fmt.Printf("Cookies:             %d\n", len(result.Cookies))
	fmt.Printf("Blocking rules:      %d\n", len(result.BlockingRules))
	return nil
}

// handshakeCredentials prefers the configured identity and falls back to
// the credentials the host last persisted.
func handshakeCredentials(cfg *config.Config) (remote.Credentials, error) {
	creds, err := fallbackCredentials(cfg.Identity)
	if err != nil {
		return creds, err
	}
	if creds.Valid() {
		return creds, nil
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return creds, fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	snap, err := store.State().LoadSnapshot(context.Background())
	if err != nil {
		return creds, nil
	}
	return remote.Credentials{Email: snap.Email, Token: snap.AuthToken}, nil
}
