// Package idgen generates identifiers for FundRoom records.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// New returns a random (v4) UUID string. Used for audit entries and
// request ids that other systems expect in UUID form.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a type prefix (e.g. "team_", "inv_", "tr_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}
