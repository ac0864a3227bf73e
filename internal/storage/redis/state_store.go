package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/goodtune/tabtrack/internal/storage"
	"github.com/redis/go-redis/v9"
)

type stateStore struct {
	client *redis.Client
	keys   keySpace
}

// SaveSnapshot replaces the persisted snapshot
func (s *stateStore) SaveSnapshot(ctx context.Context, snapshot storage.Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return s.client.Set(ctx, s.keys.snapshot, data, 0).Err()
}

// LoadSnapshot returns the persisted snapshot or storage.ErrNotFound
func (s *stateStore) LoadSnapshot(ctx context.Context) (*storage.Snapshot, error) {
	data, err := s.client.Get(ctx, s.keys.snapshot).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snapshot storage.Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snapshot, nil
}

// ClearSnapshot removes the persisted snapshot
func (s *stateStore) ClearSnapshot(ctx context.Context) error {
	return s.client.Del(ctx, s.keys.snapshot).Err()
}
