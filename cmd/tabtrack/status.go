package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/goodtune/tabtrack/internal/agent"
	"github.com/goodtune/tabtrack/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	statusFormat string
	statusLines  int
	statusReset  bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show persisted host state",
	Long:  `Show the stored identity, offline buffer size and recent debug log without connecting to the collector.`,
	Example: `  tabtrack status
  tabtrack status --format yaml --lines 20
  tabtrack status --reset`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&statusFormat, "format", "o", "json", "Output format (json or yaml)")
	statusCmd.Flags().IntVarP(&statusLines, "lines", "n", agent.DiagnosticLogLines, "Number of debug log lines to show")
	statusCmd.Flags().BoolVar(&statusReset, "reset", false, "Forget the stored credentials and collector config before showing status")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	if statusReset {
		if err := store.State().ClearSnapshot(context.Background()); err != nil {
			return fmt.Errorf("failed to clear persisted state: %w", err)
		}
		color.New(color.FgYellow).Fprintln(os.Stderr, "Cleared stored credentials and collector config")
	}

	status, err := agent.Inspect(context.Background(), store, statusLines)
	if err != nil {
		return err
	}

	switch statusFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(status)
	default:
		return fmt.Errorf("unsupported format: %s", statusFormat)
	}
}
