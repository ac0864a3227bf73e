package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/goodtune/tabtrack/internal/config"
	"github.com/goodtune/tabtrack/internal/ledger"
	"github.com/goodtune/tabtrack/internal/remote"
	"github.com/goodtune/tabtrack/internal/rules"
	"github.com/goodtune/tabtrack/internal/storage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check URL",
	Short: "Check how a URL would be tracked and filtered",
	Long: `Report whether a URL would open a tracked session and what the persisted
blocking rules decide for it.`,
	Example: `  tabtrack check https://www.example.com/
  tabtrack check chrome://settings`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	rawURL := args[0]

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)

	fmt.Printf("URL: %s\n", rawURL)
	if domain, err := ledger.Domain(rawURL); err != nil {
		yellow.Printf("Tracking: not tracked (%v)\n", err)
	} else {
		green.Printf("Tracking: tracked as %s\n", domain)
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	snap, err := store.State().LoadSnapshot(context.Background())
	if errors.Is(err, storage.ErrNotFound) || (err == nil && len(snap.Config) == 0) {
		yellow.Println("Rules: no configuration persisted yet")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	var remoteCfg remote.Config
	if err := json.Unmarshal(snap.Config, &remoteCfg); err != nil {
		return fmt.Errorf("failed to decode persisted config: %w", err)
	}

	compiler, err := rules.NewCompiler(len(remoteCfg.BlockingRules)+1, zerolog.Nop())
	if err != nil {
		return err
	}
	set, errs := compiler.Compile(remoteCfg.BlockingRules)
	for _, err := range errs {
		yellow.Printf("Skipped rule: %v\n", err)
	}

	action, rule := set.Decide(rawURL)
	switch action {
	case rules.ActionBlock:
		red.Printf("Decision: block (pattern %q)\n", rule.Pattern)
	case rules.ActionAllow:
		green.Printf("Decision: allow (pattern %q)\n", rule.Pattern)
	default:
		fmt.Printf("Decision: none of %d rule(s) match\n", set.Len())
	}
	return nil
}
