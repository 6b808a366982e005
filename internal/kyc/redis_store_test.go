package kyc

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), mr
}

func TestRedisStore_RoundTrip(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "owner-1")
	assert.ErrorIs(t, err, ErrNotFound)

	snap := &Snapshot{
		OwnerID:        "owner-1",
		Status:         StatusCompleted,
		VerificationID: "v-1",
		UpdatedAt:      time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.Put(ctx, snap))
	assert.True(t, mr.Exists("kyc:snapshot:owner-1"))
	assert.Equal(t, time.Duration(0), mr.TTL("kyc:snapshot:owner-1"))

	got, err := store.Get(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, snap, got)
}

func TestRedisStore_CorruptDocument(t *testing.T) {
	store, mr := newRedisStore(t)
	require.NoError(t, mr.Set("kyc:snapshot:owner-1", "{not json"))

	_, err := store.Get(context.Background(), "owner-1")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_BackendDown(t *testing.T) {
	store, mr := newRedisStore(t)
	mr.Close()

	_, err := store.Get(context.Background(), "owner-1")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestService_WithRedisStore(t *testing.T) {
	store, _ := newRedisStore(t)
	svc := NewService(store, quietLogger())

	_, err := svc.Apply(context.Background(), Event{OwnerID: "owner-2", Status: StatusCompleted, VerificationID: "v-3"})
	require.NoError(t, err)
	st, err := svc.Status(context.Background(), "owner-2")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, st)
}
