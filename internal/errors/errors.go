// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrRunNotActive is returned when cancelling a run this process does not own or that already finished.
	ErrRunNotActive = errors.New("sync run is not active")
)

// ErrInvalidRepoFormat is returned when an upstream link in the config is neither
// 'owner/name' nor 'pypi:<project>'.
type ErrInvalidRepoFormat struct {
	Repo string
}

func (e *ErrInvalidRepoFormat) Error() string {
	return fmt.Sprintf("invalid repository format: %q, expected 'owner/name' or 'pypi:<project>'", e.Repo)
}

// ValidationError marks a raw record that cannot become a package. The run skips it.
type ValidationError struct {
	Field  string
	Record string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid record %q: %s %s", e.Record, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid record %q: %s is required", e.Record, e.Field)
}

// ResolutionTransientError is a retryable lookup failure (timeout, rate limit, 5xx).
type ResolutionTransientError struct {
	Name string
	Err  error
}

func (e *ResolutionTransientError) Error() string {
	return fmt.Sprintf("transient resolution failure for %s: %v", e.Name, e.Err)
}

func (e *ResolutionTransientError) Unwrap() error { return e.Err }

// ResolutionFatalError means the resolver is unavailable; the run must abort.
type ResolutionFatalError struct {
	Err error
}

func (e *ResolutionFatalError) Error() string {
	return fmt.Sprintf("resolver unavailable: %v", e.Err)
}

func (e *ResolutionFatalError) Unwrap() error { return e.Err }

// ConcurrentSyncRejected is returned when a repository already has a run in flight.
type ConcurrentSyncRejected struct {
	Repository string
}

func (e *ConcurrentSyncRejected) Error() string {
	return fmt.Sprintf("sync already running for repository %q", e.Repository)
}

// StorageApplyError wraps a failed plan transaction. Nothing from the run was committed.
type StorageApplyError struct {
	Err error
}

func (e *StorageApplyError) Error() string {
	return fmt.Sprintf("failed to apply sync plan: %v", e.Err)
}

func (e *StorageApplyError) Unwrap() error { return e.Err }

// CancellationRequested is returned when a run observes its cancel flag.
type CancellationRequested struct {
	RunID int64
	Stage string
}

func (e *CancellationRequested) Error() string {
	return fmt.Sprintf("sync run %d cancelled during %s", e.RunID, e.Stage)
}

// RepositoryDisabled is returned when a sync is requested for a repository with sync turned off.
type RepositoryDisabled struct {
	Repository string
}

func (e *RepositoryDisabled) Error() string {
	return fmt.Sprintf("sync is disabled for repository %q", e.Repository)
}
