package uws

import (
	"errors"
	"fmt"
)

// Sentinel errors for the engine. Wrap them with JobError for context;
// check them with errors.Is or the helpers below.
var (
	// ErrJobNotFound indicates the job id has no row in the store.
	ErrJobNotFound = errors.New("job not found")

	// ErrLocked indicates another holder kept the job's exclusive claim
	// past the acquire timeout. Retryable.
	ErrLocked = errors.New("job is locked")

	// ErrIllegalTransition indicates the requested phase change has no
	// edge in the active transition table. The job's phase is unchanged.
	ErrIllegalTransition = errors.New("illegal phase transition")

	// ErrParameterInvalid indicates a parameter value does not conform to
	// its declared type or encoding.
	ErrParameterInvalid = errors.New("invalid parameter value")

	// ErrWorkerLaunch indicates the worker process could not be spawned.
	ErrWorkerLaunch = errors.New("worker launch failed")

	// ErrWorkerDied indicates a worker process vanished without driving
	// its job to a terminal phase.
	ErrWorkerDied = errors.New("worker died without reporting")

	// ErrResultNotFound indicates the named result does not exist.
	ErrResultNotFound = errors.New("result not found")

	// ErrResultExists indicates a result with that name is already
	// registered for the job.
	ErrResultExists = errors.New("result already exists")

	// ErrResultInvalid indicates a result name that escapes the working
	// directory or collides with a runtime artifact.
	ErrResultInvalid = errors.New("invalid result name")

	// ErrNoErrorPayload indicates the job carries no error payload.
	ErrNoErrorPayload = errors.New("no error payload")

	// ErrErrorConsumed indicates the one-shot error payload was already
	// retrieved.
	ErrErrorConsumed = errors.New("error payload already retrieved")

	// ErrReadOnly indicates the store was opened read-only and a mutation
	// was attempted.
	ErrReadOnly = errors.New("store is read-only")
)

// JobError wraps an engine error with the operation and job it concerns.
type JobError struct {
	// Op is the operation that failed (e.g. "Acquire", "Request").
	Op string

	// JobID is the job the operation targeted, if known.
	JobID string

	// Phase is the job's phase at the time of the failure, if known.
	Phase Phase

	// Err is the underlying error, usually one of the sentinels.
	Err error
}

// Error implements the error interface.
func (e *JobError) Error() string {
	switch {
	case e.JobID != "" && e.Phase != "":
		return fmt.Sprintf("uws %s job %s (phase %s): %v", e.Op, e.JobID, e.Phase, e.Err)
	case e.JobID != "":
		return fmt.Sprintf("uws %s job %s: %v", e.Op, e.JobID, e.Err)
	default:
		return fmt.Sprintf("uws %s: %v", e.Op, e.Err)
	}
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *JobError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err indicates a missing job or result.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound) || errors.Is(err, ErrResultNotFound)
}

// IsLocked reports whether err is a claim-contention error. Callers should
// treat these as retryable.
func IsLocked(err error) bool {
	return errors.Is(err, ErrLocked)
}

// IsIllegalTransition reports whether err is a rejected phase change.
func IsIllegalTransition(err error) bool {
	return errors.Is(err, ErrIllegalTransition)
}

// IsResultExists reports whether err is a duplicate result registration.
func IsResultExists(err error) bool {
	return errors.Is(err, ErrResultExists)
}

// IsReadOnly reports whether err was caused by a read-only store.
func IsReadOnly(err error) bool {
	return errors.Is(err, ErrReadOnly)
}
