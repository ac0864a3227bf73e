package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/goodtune/tabtrack/internal/host"
	"github.com/goodtune/tabtrack/internal/remote"
	"github.com/goodtune/tabtrack/internal/storage"
)

// Inspect builds diagnostics from persisted state alone, for use while no
// host is running.
func Inspect(ctx context.Context, store storage.Store, logLines int) (*host.DiagnosticPayload, error) {
	d := &host.DiagnosticPayload{Status: "unknown"}

	snap, err := store.State().LoadSnapshot(ctx)
	switch {
	case err == nil:
		d.Email = snap.Email
		d.ExtensionVersion = snap.ExtensionVersion
		if len(snap.Config) > 0 {
			var cfg remote.Config
			if err := json.Unmarshal(snap.Config, &cfg); err != nil {
				return nil, fmt.Errorf("decode persisted config: %w", err)
			}
			d.Status = cfg.Status
			d.Banned = cfg.Banned()
			d.BlockingRules = len(cfg.BlockingRules)
		}
	case errors.Is(err, storage.ErrNotFound):
	default:
		return nil, fmt.Errorf("load state: %w", err)
	}

	count, err := store.Buffer().Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count buffer: %w", err)
	}
	d.BufferSize = count

	entries, err := store.DebugLog().Tail(ctx, logLines)
	if err != nil {
		return nil, fmt.Errorf("read debug log: %w", err)
	}
	d.DebugLog = entries

	return d, nil
}
