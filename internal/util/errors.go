package util

import "errors"

// Sentinel errors for common failure modes
var (
	// ErrNotFound indicates a required resource was not found
	ErrNotFound = errors.New("not found")

	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrLocked indicates another worker holds the lock for the same key.
	// Callers skip the work and retry later.
	ErrLocked = errors.New("locked by another worker")

	// ErrShutdown indicates the operation was interrupted by a shutdown signal
	ErrShutdown = errors.New("shutdown requested")
)
