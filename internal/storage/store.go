package storage

import (
	"context"
	"errors"
	"time"

	"github.com/goodtune/tabtrack/internal/telemetry"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Buffer() BufferStore
	State() StateStore
	DebugLog() DebugLogStore
}

// BufferStore persists undelivered telemetry events in insertion order.
type BufferStore interface {
	// Append stores events and then removes every entry whose start
	// timestamp is before cutoff, in one atomic step. It returns the number
	// of entries removed.
	Append(ctx context.Context, events []telemetry.Event, cutoff time.Time) (int, error)
	List(ctx context.Context) ([]telemetry.Event, error)
	Count(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}

// StateStore persists the last known credentials and remote config.
type StateStore interface {
	SaveSnapshot(ctx context.Context, snapshot Snapshot) error
	LoadSnapshot(ctx context.Context) (*Snapshot, error)
	ClearSnapshot(ctx context.Context) error
}

// DebugLogStore manages the bounded ring of recent log lines.
type DebugLogStore interface {
	Add(ctx context.Context, entry DebugEntry, max int) error
	Tail(ctx context.Context, n int) ([]DebugEntry, error)
}
