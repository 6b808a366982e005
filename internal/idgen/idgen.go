// Package idgen generates identifiers for cards, transactions and loan
// applications.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Prefixes used across the service.
const (
	PrefixCard        = "hc_"
	PrefixTransaction = "txn_"
	PrefixLoan        = "loan_"
	PrefixEvent       = "evt_"
)

// New returns a random UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by a dashless random UUID.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Hex returns n random bytes hex-encoded.
func Hex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// ApplicationNumber returns a human-readable loan reference such as
// HC261015-3FA9C1. Uniqueness is enforced by the store; callers retry on collision.
func ApplicationNumber(now time.Time) string {
	return "HC" + now.UTC().Format("060102") + "-" + strings.ToUpper(Hex(3))
}
