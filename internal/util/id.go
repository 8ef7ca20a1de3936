package util

import "github.com/google/uuid"

// NewID returns a random identifier, prefixed as "<prefix>-<uuid>" when prefix is set.
func NewID(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}
