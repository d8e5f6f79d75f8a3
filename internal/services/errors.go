// internal/services/errors.go
package services

import (
	"errors"
	"fmt"

	"github.com/javajoker/medequip-scraper/internal/models"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrRunNotFound     = errors.New("run not found")
	ErrInvalidProduct  = errors.New("invalid product")
	ErrLockHeld        = errors.New("lock held by another process")
)

// StorageConflictError is returned once concurrent writers kept colliding
// on the same identity key for the whole retry budget.
type StorageConflictError struct {
	Source   models.Source
	SourceID string
	Attempts int
	Err      error
}

func (e *StorageConflictError) Error() string {
	return fmt.Sprintf("storage conflict on %s/%s after %d attempts: %v", e.Source, e.SourceID, e.Attempts, e.Err)
}

func (e *StorageConflictError) Unwrap() error { return e.Err }

// StorageUnavailableError means the database cannot be reached at all.
type StorageUnavailableError struct {
	Err error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable: %v", e.Err)
}

func (e *StorageUnavailableError) Unwrap() error { return e.Err }

// RunFailure records why a source stopped before finishing its run.
type RunFailure struct {
	Source models.Source `json:"source"`
	Reason string        `json:"reason"`
	Err    error         `json:"-"`
}

func (f *RunFailure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s", f.Source, f.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", f.Source, f.Reason, f.Err)
}

func (f *RunFailure) Unwrap() error { return f.Err }
