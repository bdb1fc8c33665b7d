package store

import "errors"

// Sentinel errors for store operations.
var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate entry")
	ErrConflict  = errors.New("conflict")
	// ErrUnavailable wraps transient infrastructure failures. Callers retry
	// with backoff; quota and permission paths treat it as a denial.
	ErrUnavailable = errors.New("store unavailable")
)
