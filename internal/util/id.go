package util

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewInviteToken returns a 32-character hex token. Uniqueness is enforced by
// the companies.invite_token constraint; collisions over 128 random bits are
// not handled beyond that.
func NewInviteToken() string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

func NewRequestID() string {
	return uuid.NewString()
}
