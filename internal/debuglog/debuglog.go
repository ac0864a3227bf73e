// Package debuglog mirrors recent log lines into the persisted debug ring.
package debuglog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goodtune/tabtrack/internal/storage"
	"github.com/rs/zerolog"
)

const queueSize = 256

// Writer is a zerolog.LevelWriter that queues entries at or above a level
// and persists them from a single goroutine. Entries are dropped when the
// queue is full so logging never blocks.
type Writer struct {
	store    storage.DebugLogStore
	max      int
	minLevel zerolog.Level

	mu     sync.RWMutex
	closed bool
	queue  chan storage.DebugEntry
	wg     sync.WaitGroup
}

var _ zerolog.LevelWriter = (*Writer)(nil)

// New creates a writer keeping at most max entries.
func New(store storage.DebugLogStore, max int, minLevel zerolog.Level) *Writer {
	return &Writer{
		store:    store,
		max:      max,
		minLevel: minLevel,
		queue:    make(chan storage.DebugEntry, queueSize),
	}
}

// Write ignores lines without a level.
func (w *Writer) Write(p []byte) (int, error) {
	return len(p), nil
}

// WriteLevel queues a JSON log line.
func (w *Writer) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < w.minLevel || w.max <= 0 {
		return len(p), nil
	}
	entry := parse(level, p)

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return len(p), nil
	}
	select {
	case w.queue <- entry:
	default:
	}
	return len(p), nil
}

// Start persists queued entries until Close is called.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for entry := range w.queue {
			_ = w.store.Add(ctx, entry, w.max)
		}
	}()
}

// Close stops accepting entries and waits for the queue to drain.
func (w *Writer) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func parse(level zerolog.Level, p []byte) storage.DebugEntry {
	entry := storage.DebugEntry{Level: level.String(), Timestamp: time.Now().UTC()}

	var fields map[string]any
	if err := json.Unmarshal(p, &fields); err != nil {
		entry.Message = strings.TrimSpace(string(p))
		return entry
	}

	if msg, ok := fields[zerolog.MessageFieldName].(string); ok {
		entry.Message = msg
	}
	if ts, ok := fields[zerolog.TimestampFieldName].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			entry.Timestamp = parsed.UTC()
		}
	}
	delete(fields, zerolog.MessageFieldName)
	delete(fields, zerolog.TimestampFieldName)
	delete(fields, zerolog.LevelFieldName)

	if len(fields) == 0 {
		return entry
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(entry.Message)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	entry.Message = strings.TrimSpace(b.String())
	return entry
}
