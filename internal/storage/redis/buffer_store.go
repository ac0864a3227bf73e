package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/goodtune/tabtrack/internal/telemetry"
	"github.com/redis/go-redis/v9"
)

type bufferStore struct {
	client *redis.Client
	keys   keySpace
	append *redis.Script
}

// Append stores events and purges those older than cutoff in one script run
func (s *bufferStore) Append(ctx context.Context, events []telemetry.Event, cutoff time.Time) (int, error) {
	args := make([]interface{}, 0, 1+2*len(events))
	args = append(args, cutoff.UnixMilli())
	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			return 0, fmt.Errorf("marshal event: %w", err)
		}
		// Unparsable start times score zero so the purge drops them.
		var startMS int64
		if started, err := event.Started(); err == nil {
			startMS = started.UnixMilli()
		}
		args = append(args, startMS, string(data))
	}

	keys := []string{s.keys.bufferEntries, s.keys.bufferAge, s.keys.bufferSeq}
	purged, err := s.append.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return 0, fmt.Errorf("append buffer: %w", err)
	}
	return purged, nil
}

// List returns buffered events in insertion order
func (s *bufferStore) List(ctx context.Context) ([]telemetry.Event, error) {
	data, err := s.client.HGetAll(ctx, s.keys.bufferEntries).Result()
	if err != nil {
		return nil, fmt.Errorf("list buffer: %w", err)
	}

	ids := make([]string, 0, len(data))
	for id := range data {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	events := make([]telemetry.Event, 0, len(ids))
	for _, id := range ids {
		var event telemetry.Event
		if err := json.Unmarshal([]byte(data[id]), &event); err != nil {
			return nil, fmt.Errorf("unmarshal buffered event %s: %w", id, err)
		}
		events = append(events, event)
	}
	return events, nil
}

// Count returns the number of buffered events
func (s *bufferStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.HLen(ctx, s.keys.bufferEntries).Result()
	if err != nil {
		return 0, fmt.Errorf("count buffer: %w", err)
	}
	return int(n), nil
}

// Clear removes every buffered event
func (s *bufferStore) Clear(ctx context.Context) error {
	return s.client.Del(ctx, s.keys.bufferEntries, s.keys.bufferAge).Err()
}
