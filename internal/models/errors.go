package models

import (
	"errors"
	"fmt"
)

var (
	// ErrWindowEvicted is returned by the ring buffer when a requested frame
	// has already been overwritten.
	ErrWindowEvicted = errors.New("window evicted")

	// ErrPartialCapture marks an artifact built from fewer frames than its
	// window asked for.
	ErrPartialCapture = errors.New("partial capture")
)

// StagingFailure means a local write failed after bounded retries. Only the
// affected event is dropped.
type StagingFailure struct {
	EventID  string
	Attempts int
	Err      error
}

func (e *StagingFailure) Error() string {
	return fmt.Sprintf("staging failure for %s after %d attempts: %v", e.EventID, e.Attempts, e.Err)
}

func (e *StagingFailure) Unwrap() error { return e.Err }

// TransferFailure is a network, storage or notification failure. It is
// always retried.
type TransferFailure struct {
	ArtifactID string
	State      TransferState
	Attempt    int
	Err        error
}

func (e *TransferFailure) Error() string {
	return fmt.Sprintf("transfer failure for %s in %s (attempt %d): %v", e.ArtifactID, e.State, e.Attempt, e.Err)
}

func (e *TransferFailure) Unwrap() error { return e.Err }

// ConfigurationError is fatal at startup.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}
