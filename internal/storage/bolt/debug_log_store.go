package bolt

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/tabtrack/internal/storage"
	"go.etcd.io/bbolt"
)

type debugLogStore struct {
	db *bbolt.DB
}

func (s *debugLogStore) Add(ctx context.Context, entry storage.DebugEntry, max int) error {
	if max <= 0 {
		return nil
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	data, err := marshal(entry)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		bucket := tx.Bucket([]byte(bucketDebugLog))
		if bucket == nil {
			return fmt.Errorf("debug log bucket missing")
		}
		key, err := seqKey(bucket)
		if err != nil {
			return err
		}
		if err := bucket.Put(key, data); err != nil {
			return err
		}

		excess := countKeys(bucket) - max
		if excess <= 0 {
			return nil
		}
		var oldest [][]byte
		cursor := bucket.Cursor()
		for k, _ := cursor.First(); k != nil && len(oldest) < excess; k, _ = cursor.Next() {
			oldest = append(oldest, append([]byte(nil), k...))
		}
		for _, k := range oldest {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *debugLogStore) Tail(ctx context.Context, n int) ([]storage.DebugEntry, error) {
	entries, err := listBucket[storage.DebugEntry](ctx, s.db, bucketDebugLog)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}
