package store

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the store. Callers match with errors.Is.
var (
	// ErrNotFound indicates the referenced row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a guarded update matched no row: the row is
	// in a different state than the caller assumed, or another instance
	// holds the claim.
	ErrConflict = errors.New("conflict")
)

func notFound(entity string, id int64) error {
	return fmt.Errorf("%s %d: %w", entity, id, ErrNotFound)
}

func conflict(entity string, id int64) error {
	return fmt.Errorf("%s %d: %w", entity, id, ErrConflict)
}
