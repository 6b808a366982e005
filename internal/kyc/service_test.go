package kyc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepay/healthcredit/internal/events"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type hookRecorder struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (h *hookRecorder) hook(_ context.Context, ownerID, reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, ownerID+":"+reason)
	return h.err
}

func TestService_StatusDefaultsToPending(t *testing.T) {
	svc := NewService(NewMemoryStore(), quietLogger())
	st, err := svc.Status(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, st)
}

func TestService_ApplyCompleted(t *testing.T) {
	capture := &events.Capture{}
	svc := NewService(NewMemoryStore(), quietLogger()).WithPublisher(capture)

	applied, err := svc.Apply(context.Background(), Event{OwnerID: "owner-1", Status: StatusCompleted, VerificationID: "v-1"})
	require.NoError(t, err)
	assert.True(t, applied)

	st, err := svc.Status(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, st)
	assert.Len(t, capture.OfType(events.KYCUpdated), 1)
}

func TestService_DuplicateEventIsNoop(t *testing.T) {
	hooks := &hookRecorder{}
	capture := &events.Capture{}
	svc := NewService(NewMemoryStore(), quietLogger()).OnReject(hooks.hook).WithPublisher(capture)
	ev := Event{OwnerID: "owner-1", Status: StatusRejected, VerificationID: "v-9", Reason: "blurred document"}

	applied, err := svc.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = svc.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.False(t, applied)

	assert.Equal(t, []string{"owner-1:blurred document"}, hooks.calls)
	assert.Len(t, capture.Events(), 1)
}

func TestService_RejectionVisibleBeforeHookRuns(t *testing.T) {
	ctx := context.Background()
	var svc *Service
	var seen Status
	svc = NewService(NewMemoryStore(), quietLogger()).OnReject(func(ctx context.Context, ownerID, _ string) error {
		st, err := svc.Status(ctx, ownerID)
		seen = st
		return err
	})

	_, err := svc.Apply(ctx, Event{OwnerID: "owner-1", Status: StatusCompleted, VerificationID: "v-1"})
	require.NoError(t, err)
	_, err = svc.Apply(ctx, Event{OwnerID: "owner-1", Status: StatusRejected, VerificationID: "v-2"})
	require.NoError(t, err)

	assert.Equal(t, StatusRejected, seen)
	snap, err := svc.Snapshot(ctx, "owner-1")
	require.NoError(t, err)
	assert.False(t, snap.DraftsReturnPending)
}

func TestService_RejectionHookFailureIsRetried(t *testing.T) {
	hooks := &hookRecorder{err: errors.New("loan store down")}
	svc := NewService(NewMemoryStore(), quietLogger()).OnReject(hooks.hook)
	ctx := context.Background()

	_, err := svc.Apply(ctx, Event{OwnerID: "owner-1", Status: StatusCompleted, VerificationID: "v-1"})
	require.NoError(t, err)

	_, err = svc.Apply(ctx, Event{OwnerID: "owner-1", Status: StatusRejected, VerificationID: "v-2"})
	require.Error(t, err)

	snap, err := svc.Snapshot(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, snap.Status)
	assert.True(t, snap.DraftsReturnPending)

	// A redelivery after the hook recovers is applied, not treated as a duplicate.
	hooks.err = nil
	applied, err := svc.Apply(ctx, Event{OwnerID: "owner-1", Status: StatusRejected, VerificationID: "v-2"})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Len(t, hooks.calls, 2)
	assert.Equal(t, "owner-1:identity verification was rejected", hooks.calls[1])

	snap, err = svc.Snapshot(ctx, "owner-1")
	require.NoError(t, err)
	assert.False(t, snap.DraftsReturnPending)

	applied, err = svc.Apply(ctx, Event{OwnerID: "owner-1", Status: StatusRejected, VerificationID: "v-2"})
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestService_ApplyValidation(t *testing.T) {
	svc := NewService(NewMemoryStore(), quietLogger())
	ctx := context.Background()

	_, err := svc.Apply(ctx, Event{Status: StatusCompleted, VerificationID: "v"})
	assert.ErrorIs(t, err, ErrInvalidEvent)
	_, err = svc.Apply(ctx, Event{OwnerID: "o", Status: StatusPending, VerificationID: "v"})
	assert.ErrorIs(t, err, ErrInvalidStatus)
}
