package bolt

import (
	"context"

	"github.com/goodtune/tabtrack/internal/storage"
	"go.etcd.io/bbolt"
)

type stateStore struct {
	db *bbolt.DB
}

func (s *stateStore) SaveSnapshot(ctx context.Context, snapshot storage.Snapshot) error {
	return putBucketValue(ctx, s.db, bucketState, snapshotKey, snapshot)
}

func (s *stateStore) LoadSnapshot(ctx context.Context) (*storage.Snapshot, error) {
	return getBucketValue[storage.Snapshot](ctx, s.db, bucketState, snapshotKey)
}

func (s *stateStore) ClearSnapshot(ctx context.Context) error {
	return deleteBucketValue(ctx, s.db, bucketState, snapshotKey)
}
