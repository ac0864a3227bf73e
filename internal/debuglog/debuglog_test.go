package debuglog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/goodtune/tabtrack/internal/storage/bolt"
	"github.com/rs/zerolog"
)

func TestWriterPersistsLevelledLines(t *testing.T) {
	store, err := bolt.Open(filepath.Join(t.TempDir(), "debug.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = store.Close() }()

	w := New(store.DebugLog(), 2, zerolog.InfoLevel)
	w.Start(context.Background())

	logger := zerolog.New(w).With().Timestamp().Logger()
	logger.Debug().Msg("hidden")
	logger.Info().Str("domain", "example.com").Int("tab_id", 3).Msg("Session closed")
	logger.Warn().Msg("second")
	logger.Error().Msg("third")
	w.Close()

	// Writes after close are dropped without panicking.
	logger.Error().Msg("late")

	entries, err := store.DebugLog().Tail(context.Background(), 0)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected ring of 2, got %d: %+v", len(entries), entries)
	}
	if entries[0].Message != "second" || entries[0].Level != "warn" {
		t.Fatalf("unexpected first entry %+v", entries[0])
	}
	if entries[1].Message != "third" || entries[1].Level != "error" {
		t.Fatalf("unexpected last entry %+v", entries[1])
	}
}

func TestParseFlattensFields(t *testing.T) {
	entry := parse(zerolog.InfoLevel, []byte(`{"level":"info","time":"2025-03-14T09:00:00Z","domain":"example.com","tab_id":3,"message":"Session closed"}`))

	if entry.Message != "Session closed domain=example.com tab_id=3" {
		t.Fatalf("unexpected message %q", entry.Message)
	}
	if entry.Timestamp.Year() != 2025 {
		t.Fatalf("expected timestamp from the line, got %v", entry.Timestamp)
	}
}
