package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/tabtrack/internal/config"
	"github.com/goodtune/tabtrack/internal/storage"
	"github.com/redis/go-redis/v9"
)

// Store implements the storage.Store interface using Redis
type Store struct {
	client      *redis.Client
	bufferStore *bufferStore
	stateStore  *stateStore
	debugStore  *debugLogStore
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	// Parse timeouts
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Determine address
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	// Ping to verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keys := newKeySpace(cfg.KeyPrefix)
	return &Store{
		client:      client,
		bufferStore: &bufferStore{client: client, keys: keys, append: redis.NewScript(appendBufferScript)},
		stateStore:  &stateStore{client: client, keys: keys},
		debugStore:  &debugLogStore{client: client, keys: keys},
	}, nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Buffer returns the BufferStore implementation
func (s *Store) Buffer() storage.BufferStore {
	return s.bufferStore
}

// State returns the StateStore implementation
func (s *Store) State() storage.StateStore {
	return s.stateStore
}

// DebugLog returns the DebugLogStore implementation
func (s *Store) DebugLog() storage.DebugLogStore {
	return s.debugStore
}

// keySpace names every key the store touches under one prefix.
type keySpace struct {
	bufferEntries string
	bufferAge     string
	bufferSeq     string
	snapshot      string
	debugLog      string
}

func newKeySpace(prefix string) keySpace {
	if prefix == "" {
		prefix = "tabtrack"
	}
	return keySpace{
		bufferEntries: prefix + ":buffer:entries",
		bufferAge:     prefix + ":buffer:age",
		bufferSeq:     prefix + ":buffer:seq",
		snapshot:      prefix + ":state:snapshot",
		debugLog:      prefix + ":debuglog",
	}
}
