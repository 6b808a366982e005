package kyc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/carepay/healthcredit/internal/events"
	"github.com/carepay/healthcredit/internal/syncutil"
)

// RejectionHook runs when an owner's verification is rejected, after the
// rejected snapshot is visible to Status. It must be safe to call more than
// once.
type RejectionHook func(ctx context.Context, ownerID, reason string) error

// Service applies provider events and answers status queries.
type Service struct {
	store     Store
	locks     *syncutil.KeyedMutex
	onReject  RejectionHook
	publisher events.Publisher
	now       func() time.Time
	logger    *slog.Logger
}

func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		locks:     syncutil.NewKeyedMutex(),
		publisher: events.Nop{},
		now:       time.Now,
		logger:    logger,
	}
}

// OnReject installs the rejection hook.
func (s *Service) OnReject(hook RejectionHook) *Service {
	s.onReject = hook
	return s
}

func (s *Service) WithPublisher(p events.Publisher) *Service {
	if p != nil {
		s.publisher = p
	}
	return s
}

// Snapshot returns the owner's snapshot, or a pending one if none exists.
func (s *Service) Snapshot(ctx context.Context, ownerID string) (*Snapshot, error) {
	snap, err := s.store.Get(ctx, ownerID)
	if errors.Is(err, ErrNotFound) {
		return &Snapshot{OwnerID: ownerID, Status: StatusPending}, nil
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Status returns the owner's verification status.
func (s *Service) Status(ctx context.Context, ownerID string) (Status, error) {
	snap, err := s.Snapshot(ctx, ownerID)
	if err != nil {
		return "", err
	}
	return snap.Status, nil
}

// Apply records a provider event. It reports false when the same
// (verificationId, status) was already applied.
func (s *Service) Apply(ctx context.Context, ev Event) (bool, error) {
	if ev.OwnerID == "" || ev.VerificationID == "" {
		return false, ErrInvalidEvent
	}
	if ev.Status != StatusCompleted && ev.Status != StatusRejected {
		return false, ErrInvalidStatus
	}

	unlock, err := s.locks.Lock(ctx, ev.OwnerID)
	if err != nil {
		return false, err
	}
	defer unlock()

	prev, err := s.store.Get(ctx, ev.OwnerID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if prev != nil && prev.VerificationID == ev.VerificationID && prev.Status == ev.Status && !prev.DraftsReturnPending {
		s.logger.Debug("duplicate kyc event ignored", "owner", ev.OwnerID, "verification", ev.VerificationID)
		return false, nil
	}

	snap := &Snapshot{
		OwnerID:        ev.OwnerID,
		Status:         ev.Status,
		VerificationID: ev.VerificationID,
		Reason:         ev.Reason,
		UpdatedAt:      s.now().UTC(),
	}
	if ev.Status != StatusRejected || s.onReject == nil {
		if err := s.store.Put(ctx, snap); err != nil {
			return false, err
		}
	} else if err := s.reject(ctx, snap); err != nil {
		return false, err
	}

	s.logger.Info("kyc status updated", "owner", ev.OwnerID, "status", ev.Status, "verification", ev.VerificationID)
	s.publisher.Publish(ctx, events.New(events.KYCUpdated, ev.OwnerID, ev.OwnerID, snap))
	return true, nil
}

// reject stores the rejected snapshot before running the hook, so a step 1
// guard evaluated after this point fails. The pending flag stays set until
// the hook succeeds.
func (s *Service) reject(ctx context.Context, snap *Snapshot) error {
	snap.DraftsReturnPending = true
	if err := s.store.Put(ctx, snap); err != nil {
		return err
	}

	reason := snap.Reason
	if reason == "" {
		reason = "identity verification was rejected"
	}
	if err := s.onReject(ctx, snap.OwnerID, reason); err != nil {
		return fmt.Errorf("kyc rejection hook: %w", err)
	}

	snap.DraftsReturnPending = false
	return s.store.Put(ctx, snap)
}
