package core

import (
	"strings"

	"github.com/google/uuid"
)

// NewID generates a UUID v7 (time-ordered).
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails (should not happen).
		return uuid.New().String()
	}
	return id.String()
}

// ShortID returns the trailing 8 hex characters of a fresh ID, used as the
// unique suffix in generated workspace names.
func ShortID() string {
	id := NewID()
	id = strings.ReplaceAll(id, "-", "")
	return id[len(id)-8:]
}
