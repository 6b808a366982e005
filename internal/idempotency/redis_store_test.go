package idempotency

import (
	"context"
	"net/http"
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

func TestRedisStore_ReserveCompleteRelease(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	_, reserved, err := store.Reserve(ctx, "k", "fp-1", time.Hour)
	require.NoError(t, err)
	require.True(t, reserved)
	assert.Equal(t, time.Hour, mr.TTL("idem:k"))

	rec, reserved, err := store.Reserve(ctx, "k", "fp-1", time.Hour)
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.False(t, rec.Done)
	assert.Equal(t, "fp-1", rec.Fingerprint)

	require.NoError(t, store.Complete(ctx, "k", &Record{
		Fingerprint: "fp-1", Done: true, Status: http.StatusCreated,
		ContentType: "application/json", Body: []byte(`{"ok":true}`),
	}, time.Hour))
	rec, _, err = store.Reserve(ctx, "k", "fp-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, rec.Done)
	assert.Equal(t, `{"ok":true}`, string(rec.Body))

	require.NoError(t, store.Release(ctx, "k"))
	assert.False(t, mr.Exists("idem:k"))
}

func TestRedisStore_Expires(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	_, _, err := store.Reserve(ctx, "k", "fp", time.Minute)
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	_, reserved, err := store.Reserve(ctx, "k", "fp", time.Minute)
	require.NoError(t, err)
	assert.True(t, reserved)
}

func TestRedisStore_BackendDownFailsOpen(t *testing.T) {
	store, mr := newRedisStore(t)
	mr.Close()

	_, _, err := store.Reserve(context.Background(), "k", "fp", time.Minute)
	assert.Error(t, err)

	h := newHarness(t, store, Config{})
	w := h.do(t, http.MethodPost, "/v1/charge", "owner-1", "k1", `{}`)
	assert.Equal(t, http.StatusCreated, w.Code)
	w = h.do(t, http.MethodPost, "/v1/charge", "owner-1", "k1", `{}`)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Empty(t, w.Header().Get(ReplayedHeader))
}
