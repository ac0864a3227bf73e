package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/goodtune/tabtrack/internal/buffer"
	"github.com/goodtune/tabtrack/internal/clock"
	"github.com/goodtune/tabtrack/internal/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var bufferCmd = &cobra.Command{
	Use:   "buffer",
	Short: "Inspect the offline telemetry buffer",
}

var bufferListCmd = &cobra.Command{
	Use:   "list",
	Short: "List buffered events, oldest first",
	RunE:  runBufferList,
}

var bufferClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard every buffered event",
	RunE:  runBufferClear,
}

func init() {
	bufferCmd.AddCommand(bufferListCmd)
	bufferCmd.AddCommand(bufferClearCmd)
	rootCmd.AddCommand(bufferCmd)
}

func openBuffer() (*buffer.Buffer, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	retention := config.ParseDuration(cfg.Buffer.Retention, buffer.DefaultRetention)
	buf := buffer.New(store.Buffer(), retention, clock.Real{}, zerolog.Nop())
	return buf, func() { _ = store.Close() }, nil
}

func runBufferList(cmd *cobra.Command, args []string) error {
	buf, closeStore, err := openBuffer()
	if err != nil {
		return err
	}
	defer closeStore()

	events, err := buf.ReadAll(context.Background())
	if err != nil {
		return fmt.Errorf("failed to read buffer: %w", err)
	}

	if len(events) == 0 {
		fmt.Println("Offline buffer is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "START\tDOMAIN\tDURATION\tFOCUS\tIDLE\tURL")
	for _, ev := range events {
		fmt.Fprintf(w, "%s\t%s\t%ds\t%ds\t%t\t%s\n",
			ev.StartTS, ev.Domain, ev.DurationSec, ev.FocusTimeSec, ev.IsIdle, ev.URL)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	color.New(color.FgCyan).Printf("\n%d buffered event(s)\n", len(events))
	return nil
}

func runBufferClear(cmd *cobra.Command, args []string) error {
	buf, closeStore, err := openBuffer()
	if err != nil {
		return err
	}
	defer closeStore()

	ctx := context.Background()
	n, err := buf.Len(ctx)
	if err != nil {
		return fmt.Errorf("failed to count buffer: %w", err)
	}
	if err := buf.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear buffer: %w", err)
	}

	color.New(color.FgYellow).Printf("Discarded %d buffered event(s)\n", n)
	return nil
}
