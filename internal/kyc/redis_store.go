package kyc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "kyc:snapshot:"

// RedisStore keeps one JSON document per owner. Snapshots do not expire.
type RedisStore struct {
	client redis.Cmdable
}

func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func snapshotKey(ownerID string) string { return keyPrefix + ownerID }

func (r *RedisStore) Get(ctx context.Context, ownerID string) (*Snapshot, error) {
	raw, err := r.client.Get(ctx, snapshotKey(ownerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read kyc snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode kyc snapshot: %w", err)
	}
	return &snap, nil
}

func (r *RedisStore) Put(ctx context.Context, snap *Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode kyc snapshot: %w", err)
	}
	if err := r.client.Set(ctx, snapshotKey(snap.OwnerID), raw, 0).Err(); err != nil {
		return fmt.Errorf("failed to write kyc snapshot: %w", err)
	}
	return nil
}
