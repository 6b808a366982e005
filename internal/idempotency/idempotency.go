// Package idempotency stores the first response to a keyed mutation and
// replays it for retries of the same request.
package idempotency

import (
	"context"
	"time"
)

// DefaultTTL is how long a stored response is replayable.
const DefaultTTL = 24 * time.Hour

// Record is the state of one key. A record that is not Done belongs to a
// request still in flight.
type Record struct {
	Fingerprint string    `json:"fingerprint"`
	Done        bool      `json:"done"`
	Status      int       `json:"status,omitempty"`
	ContentType string    `json:"contentType,omitempty"`
	Body        []byte    `json:"body,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store holds records. Reserve claims key for a new request and reports
// true; when the key already exists it returns the existing record and
// false.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, ttl time.Duration) (*Record, bool, error)
	Complete(ctx context.Context, key string, rec *Record, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}
