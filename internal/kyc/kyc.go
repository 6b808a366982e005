// Package kyc keeps the latest identity-verification outcome per owner. The
// verification itself happens at an external provider; this package only
// records what the provider reported.
package kyc

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("kyc: snapshot not found")
	ErrInvalidEvent  = errors.New("kyc: owner id and verification id are required")
	ErrInvalidStatus = errors.New("kyc: status must be completed or rejected")
)

// Status is the verification state of an owner.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusRejected  Status = "rejected"
)

// Snapshot is the last verification result seen for an owner.
type Snapshot struct {
	OwnerID        string `json:"ownerId"`
	Status         Status `json:"status"`
	VerificationID string `json:"verificationId,omitempty"`
	Reason         string `json:"reason,omitempty"`
	// DraftsReturnPending is set while a rejection's hook has not yet
	// completed. A redelivery of the same event runs the hook again.
	DraftsReturnPending bool      `json:"draftsReturnPending,omitempty"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// Event is a provider callback after signature and schema checks.
type Event struct {
	OwnerID        string `json:"ownerId"`
	Status         Status `json:"kycStatus"`
	VerificationID string `json:"verificationId"`
	Reason         string `json:"reason,omitempty"`
}

// Store persists snapshots. Get returns ErrNotFound for unknown owners.
type Store interface {
	Get(ctx context.Context, ownerID string) (*Snapshot, error)
	Put(ctx context.Context, snap *Snapshot) error
}
