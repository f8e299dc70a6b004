package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound indicates the requested challenge does not exist.
var ErrNotFound = errors.New("challenge not found")

// ErrAlreadyExists indicates a create conflicted with an existing code.
var ErrAlreadyExists = errors.New("challenge code already exists")

// ErrConflict indicates the caller's expected version is stale. The caller
// must re-read the challenge and retry; the controller never retries on its
// own so a stale decision is never silently replayed.
var ErrConflict = errors.New("version conflict")

// ErrIllegalTransition indicates the requested (from, to) edge does not exist
// in the state machine. Not retryable, a caller logic error.
var ErrIllegalTransition = errors.New("illegal state transition")

// ErrIllegalInCurrentState indicates an edit was attempted while the
// challenge is deployed or deprecated.
var ErrIllegalInCurrentState = errors.New("challenge is not editable in its current state")

// ErrStorageUnavailable marks storage-layer I/O failures so they are never
// conflated with business-rule errors. Retryable at the caller's discretion.
var ErrStorageUnavailable = errors.New("storage unavailable")

// PreconditionError reports that a transition edge exists but its gating
// checks did not hold, naming each failing check so the caller can explain.
type PreconditionError struct {
	From   ChallengeState
	To     ChallengeState
	Checks []string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("transition %s -> %s blocked, failing checks: %s",
		e.From, e.To, strings.Join(e.Checks, ", "))
}

// ValidationError reports an invalid edit, such as a tier set violating the
// tier invariants or an unknown filter key.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// StorageError wraps a storage-layer failure with the operation that failed.
// errors.Is(err, ErrStorageUnavailable) matches any StorageError.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is makes StorageError match the ErrStorageUnavailable sentinel.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorageUnavailable
}
