package async

import (
	"github.com/teranos/relay/errors"
)

// ErrorCode classifies why a job ended in ERROR
type ErrorCode string

const (
	// Configuration errors: the job fails without retry
	ErrorCodeWorkerNotFound ErrorCode = "worker-not-found"
	ErrorCodeWorkerDisabled ErrorCode = "worker-disabled"

	// Dispatch gave up after pulse.dispatch_max_attempts
	ErrorCodeDispatchExhausted ErrorCode = "dispatch-exhausted"

	// The worker reported an ERROR outcome
	ErrorCodeWorkerError ErrorCode = "worker-error"

	// The worker delivered a result that could not be parsed
	ErrorCodeMalformedResult ErrorCode = "malformed-result"

	// Jobs could not be persisted while publishing a batch
	ErrorCodePersistFailed ErrorCode = "persist-failed"
)

var (
	// ErrNoteRunning is returned when a note already has a non-terminal batch
	ErrNoteRunning = errors.Wrap(errors.ErrConflict, "note already has an active batch")

	// ErrInvalidTransition is returned when a job or batch is not in a state
	// the requested transition starts from
	ErrInvalidTransition = errors.Wrap(errors.ErrConflict, "invalid state transition")
)

// IsNoteRunning reports whether err is or wraps ErrNoteRunning
func IsNoteRunning(err error) bool {
	return err != nil && errors.Is(err, ErrNoteRunning)
}

// IsInvalidTransition reports whether err is or wraps ErrInvalidTransition
func IsInvalidTransition(err error) bool {
	return err != nil && errors.Is(err, ErrInvalidTransition)
}
