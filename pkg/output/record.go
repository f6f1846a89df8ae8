// Package output provides JSONL output for job runs.
//
// Workers emit progress, error, and summary records to stdout, which the
// launcher captures in the job's worker.log; the CLI emits job documents
// in the same envelope for machine-readable listings. Each line is a
// self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: stratus.<type>.v<version>
const (
	// TypeJob identifies job document records.
	TypeJob = "stratus.job.v1"

	// TypeProgress identifies worker progress records.
	TypeProgress = "stratus.progress.v1"

	// TypeError identifies error records.
	TypeError = "stratus.error.v1"

	// TypeSummary identifies end-of-run summary records.
	TypeSummary = "stratus.summary.v1"
)

// Record is the envelope for all JSONL output.
//
// Each line of JSONL output contains a Record with a type-specific
// payload in the Data field. The type field determines how to
// interpret the Data payload.
type Record struct {
	// Type identifies the record type (e.g., "stratus.job.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// JobID is the job this record belongs to.
	JobID string `json:"job_id"`

	// Service is the service the job runs under.
	Service string `json:"service"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// JobRecord is the data payload for job documents.
//
// Listings emit one JobRecord per job; the fields mirror the persisted
// job row at the time of the snapshot.
type JobRecord struct {
	// JobID is the job's identifier.
	JobID string `json:"job_id"`

	// Service is the service the job runs under.
	Service string `json:"service"`

	// Phase is the job's lifecycle phase (e.g., "EXECUTING").
	Phase string `json:"phase"`

	// Owner identifies who created the job.
	Owner string `json:"owner,omitempty"`

	// RunID is the caller-supplied run label.
	RunID string `json:"run_id,omitempty"`

	// PID is the worker process id while one is attached.
	PID int `json:"pid,omitempty"`

	// CreationTime is when the job row was created.
	CreationTime time.Time `json:"creation_time"`

	// StartTime is when execution began, if it has.
	StartTime *time.Time `json:"start_time,omitempty"`

	// EndTime is when execution ended, if it has.
	EndTime *time.Time `json:"end_time,omitempty"`

	// DestructionTime is when the job becomes eligible for destruction.
	DestructionTime time.Time `json:"destruction_time"`

	// ExecutionDuration is the run's wall-clock budget, as a Go duration
	// string.
	ExecutionDuration string `json:"execution_duration,omitempty"`

	// Parameters holds the job's parameters in display form.
	Parameters map[string]string `json:"parameters,omitempty"`

	// Results lists the job's registered artifacts.
	Results []ResultInfo `json:"results,omitempty"`

	// Error carries the failure payload for jobs that ended in ERROR.
	Error *ErrorRecord `json:"error,omitempty"`
}

// ResultInfo names one registered artifact.
type ResultInfo struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
}

// ProgressRecord is the data payload for worker progress updates.
//
// Progress records are emitted periodically during long runs to provide
// visibility without querying the job row.
type ProgressRecord struct {
	// Step names the worker's current stage.
	Step string `json:"step"`

	// Done is the number of work items finished so far.
	Done int64 `json:"done"`

	// Total is the expected number of work items, when known.
	Total int64 `json:"total,omitempty"`

	// Bytes is the cumulative output size in bytes, when tracked.
	Bytes int64 `json:"bytes,omitempty"`

	// Detail carries a short free-form status line.
	Detail string `json:"detail,omitempty"`
}

// Worker step constants.
const (
	// StepStarting indicates the worker is initializing.
	StepStarting = "starting"

	// StepRunning indicates the main work loop is underway.
	StepRunning = "running"

	// StepPublishing indicates results are being registered.
	StepPublishing = "publishing"

	// StepComplete indicates the run has finished.
	StepComplete = "complete"
)

// ErrorRecord is the data payload for errors.
//
// Errors are emitted as records rather than aborting the stream, so a
// reader sees what went wrong alongside the surviving output.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	// ErrCodeInvalidParameter indicates a job parameter failed to decode.
	ErrCodeInvalidParameter = "INVALID_PARAMETER"

	// ErrCodeTimeout indicates the execution duration ran out.
	ErrCodeTimeout = "TIMEOUT"

	// ErrCodeAborted indicates the run was stopped on request.
	ErrCodeAborted = "ABORTED"

	// ErrCodeThrottled indicates rate limiting.
	ErrCodeThrottled = "THROTTLED"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal = "INTERNAL"
)

// SummaryRecord is the data payload for final summaries.
//
// A summary record is emitted at the end of a run with aggregate
// statistics.
type SummaryRecord struct {
	// Results is the number of artifacts the run produced.
	Results int64 `json:"results"`

	// BytesTotal is the cumulative artifact size in bytes, when tracked.
	BytesTotal int64 `json:"bytes_total,omitempty"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	// Errors is the count of errors encountered.
	Errors int64 `json:"errors"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
