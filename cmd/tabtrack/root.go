package main

import (
	"fmt"
	"os"

	"github.com/goodtune/tabtrack/internal/config"
	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tabtrack",
	Short: "tabtrack - browser activity native messaging host",
	Long: `tabtrack is the native messaging host of the browser activity extension.
It turns tab, focus and idle events into browsing sessions, delivers them to the
collector and keeps undelivered telemetry in a local offline buffer.`,
	Version: version,
	// Browsers launch the host with the extension origin and, on some
	// platforms, extra flags such as --parent-window.
	Args:               cobra.ArbitraryArgs,
	FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
	SilenceUsage:       true,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default to host mode when no subcommand is provided
		return runHost(cmd, args)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "Path to configuration file")
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
