// Package util provides small helpers shared across components.
package util

import (
	"github.com/google/uuid"
)

// NewID returns a random UUIDv4 with the given prefix, e.g. "evt_9f1c...".
func NewID(prefix string) string {
	return prefix + uuid.NewString()
}

// IsUUID reports whether s (without prefix) parses as a UUID.
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
