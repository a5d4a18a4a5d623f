package store

import "github.com/google/uuid"

// NewID returns a random identifier for documents and chat histories.
func NewID() string {
	return uuid.NewString()
}
