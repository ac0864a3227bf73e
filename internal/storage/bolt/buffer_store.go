package bolt

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/tabtrack/internal/telemetry"
	"go.etcd.io/bbolt"
)

type bufferStore struct {
	db *bbolt.DB
}

func (s *bufferStore) Append(ctx context.Context, events []telemetry.Event, cutoff time.Time) (int, error) {
	payloads := make([][]byte, 0, len(events))
	for _, event := range events {
		data, err := marshal(event)
		if err != nil {
			return 0, err
		}
		payloads = append(payloads, data)
	}

	purged := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		bucket := tx.Bucket([]byte(bucketBuffer))
		if bucket == nil {
			return fmt.Errorf("offline buffer bucket missing")
		}

		for _, data := range payloads {
			key, err := seqKey(bucket)
			if err != nil {
				return err
			}
			if err := bucket.Put(key, data); err != nil {
				return err
			}
		}

		var expired [][]byte
		cursor := bucket.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if isExpired(v, cutoff) {
				expired = append(expired, append([]byte(nil), k...))
			}
		}
		for _, key := range expired {
			if err := bucket.Delete(key); err != nil {
				return err
			}
		}
		purged = len(expired)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}

// isExpired reports whether a stored event started before cutoff. Entries
// that cannot be decoded have no usable age and count as expired.
func isExpired(data []byte, cutoff time.Time) bool {
	var event telemetry.Event
	if err := unmarshal(data, &event); err != nil {
		return true
	}
	started, err := event.Started()
	if err != nil {
		return true
	}
	return started.Before(cutoff)
}

func (s *bufferStore) List(ctx context.Context) ([]telemetry.Event, error) {
	return listBucket[telemetry.Event](ctx, s.db, bucketBuffer)
}

func (s *bufferStore) Count(ctx context.Context) (int, error) {
	count := 0
	return count, s.db.View(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		bucket := tx.Bucket([]byte(bucketBuffer))
		if bucket == nil {
			return nil
		}
		count = countKeys(bucket)
		return nil
	})
}

func (s *bufferStore) Clear(ctx context.Context) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return resetBucket(tx, bucketBuffer)
	})
}
