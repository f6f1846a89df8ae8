package uws

import (
	"encoding/json"
	"fmt"
	"time"
)

// Job is the durable record of one unit of asynchronous work.
//
// A Job row and its private working directory are created and destroyed
// together. Fields are mutated only inside an Acquire/Release section; all
// other reads are best-effort snapshots.
type Job struct {
	// ID is the opaque unique job identifier. It doubles as the name of
	// the job's working directory.
	ID string

	// Service is the manifest-declared job kind. It selects the
	// transition table, parameter types, and worker behavior.
	Service string

	// Phase is the current lifecycle state.
	Phase Phase

	// Owner and RunID are caller-supplied identity/correlation tags.
	// Either may be empty.
	Owner string
	RunID string

	// Quote estimates when the job will start running. Advisory only;
	// computed by the scheduler at queue time.
	Quote *time.Time

	// ExecutionDuration bounds how long the worker may run. Zero means
	// unlimited.
	ExecutionDuration time.Duration

	// DestructionTime is the deadline after which the reaper deletes the
	// job.
	DestructionTime time.Time

	// StartTime and EndTime bracket the actual execution. Stamped by the
	// worker runtime and the terminal transition handlers.
	StartTime *time.Time
	EndTime   *time.Time

	// PID is the worker process id. Valid only while Phase.HasWorker();
	// zero otherwise.
	PID int

	// Parameters maps lowercased parameter names to encoded values. The
	// store treats values as opaque; Codec interprets them.
	Parameters map[string]string

	// Error is the one-shot failure payload. Non-nil only in ERROR phase.
	Error *ErrorPayload

	// Created is the row creation stamp.
	Created time.Time
}

// ErrorKind classifies a job failure for clients deciding whether to retry.
type ErrorKind string

const (
	// ErrorKindTransient marks failures that may succeed on resubmission.
	ErrorKindTransient ErrorKind = "transient"
	// ErrorKindFatal marks failures that will not.
	ErrorKindFatal ErrorKind = "fatal"
)

// ErrorPayload is the versioned failure description stored with an ERROR
// phase job. It is retrievable exactly once through Store.ConsumeError.
type ErrorPayload struct {
	Version  int       `json:"version"`
	Message  string    `json:"message"`
	Kind     ErrorKind `json:"kind"`
	Detail   string    `json:"detail,omitempty"`
	Consumed bool      `json:"consumed,omitempty"`
}

// ErrorPayloadVersion is the current serialization version.
const ErrorPayloadVersion = 1

// NewErrorPayload builds a payload from a Go error. Errors matching the
// retryable sentinels are marked transient.
func NewErrorPayload(err error) *ErrorPayload {
	kind := ErrorKindFatal
	if IsLocked(err) {
		kind = ErrorKindTransient
	}
	return &ErrorPayload{
		Version: ErrorPayloadVersion,
		Message: err.Error(),
		Kind:    kind,
	}
}

func (p *ErrorPayload) encode() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode error payload: %w", err)
	}
	return string(b), nil
}

func decodeErrorPayload(s string) (*ErrorPayload, error) {
	var p ErrorPayload
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, fmt.Errorf("decode error payload: %w", err)
	}
	if p.Version != ErrorPayloadVersion {
		return nil, fmt.Errorf("unsupported error payload version %d", p.Version)
	}
	return &p, nil
}

// ResultRecord names one stored output artifact of a job. The bytes live
// as a file of the same name in the job's working directory.
type ResultRecord struct {
	JobID    string
	Name     string
	MimeType string
}

// CreateOptions carries the caller-supplied fields for a new job. The
// request-scoped identity that the engine needs (owner, correlation id,
// service) is passed explicitly here rather than recovered from any
// ambient state.
type CreateOptions struct {
	Owner string
	RunID string

	// Parameters are encoded values keyed by lowercased name, normally
	// produced through a Codec.
	Parameters map[string]string

	// ExecutionDuration overrides the service default when nonzero.
	ExecutionDuration time.Duration

	// DestructionTime overrides the default lifetime when nonzero.
	DestructionTime time.Time
}

// Filter selects jobs for snapshot listings. Zero fields match everything.
type Filter struct {
	Phase   Phase
	Service string
	Owner   string

	// Limit bounds the result count when positive. Offset skips rows.
	Limit  int
	Offset int
}

// QueueOrder is the admission ordering policy for QUEUED jobs.
//
// Ordering is a policy, not a correctness property: the engine only
// guarantees that some admissible job is started while capacity remains.
type QueueOrder string

const (
	// OrderDestructionTime admits earliest-deadline first.
	OrderDestructionTime QueueOrder = "destruction-time"
	// OrderCreated admits in arrival order.
	OrderCreated QueueOrder = "created"
)

// ParseQueueOrder validates a configured ordering policy.
func ParseQueueOrder(s string) (QueueOrder, error) {
	switch QueueOrder(s) {
	case OrderDestructionTime:
		return OrderDestructionTime, nil
	case OrderCreated:
		return OrderCreated, nil
	}
	return "", fmt.Errorf("unknown queue order %q", s)
}
