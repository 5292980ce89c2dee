package dag

import (
	"fmt"

	"github.com/google/uuid"
)

// NewRunID returns a fresh, time-ordered run identifier.
//
// Version 7 UUIDs sort by creation time, so directory listings of persisted
// runs come back oldest first.
func NewRunID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return id.String(), nil
}
