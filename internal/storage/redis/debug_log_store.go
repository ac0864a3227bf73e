package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/goodtune/tabtrack/internal/storage"
	"github.com/redis/go-redis/v9"
)

type debugLogStore struct {
	client *redis.Client
	keys   keySpace
}

// Add appends an entry and trims the ring to max entries
func (s *debugLogStore) Add(ctx context.Context, entry storage.DebugEntry, max int) error {
	if max <= 0 {
		return nil
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal debug entry: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, s.keys.debugLog, data)
		pipe.LTrim(ctx, s.keys.debugLog, int64(-max), -1)
		return nil
	})
	return err
}

// Tail returns up to n of the most recent entries, oldest first
func (s *debugLogStore) Tail(ctx context.Context, n int) ([]storage.DebugEntry, error) {
	start := int64(0)
	if n > 0 {
		start = int64(-n)
	}
	raw, err := s.client.LRange(ctx, s.keys.debugLog, start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read debug log: %w", err)
	}

	entries := make([]storage.DebugEntry, 0, len(raw))
	for _, item := range raw {
		var entry storage.DebugEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal debug entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
