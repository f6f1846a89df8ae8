// Package uws implements the job lifecycle engine of the Universal Worker
// Service pattern: durable job records, a table-driven phase state machine,
// an admission-controlled queue, an out-of-process worker launcher, and a
// periodic reaper.
//
// Job work never runs inside the engine's own process. The engine admits a
// job, spawns a worker process for it, and the worker drives the job to a
// terminal phase through the same store and transition tables the engine
// uses. Web handlers, workers, and the reaper may all live in different OS
// processes; every mutation of shared job state goes through the store's
// cross-process row claim.
package uws

import "fmt"

// Phase is the lifecycle state of a job.
type Phase string

const (
	// PhasePending: created, parameters still mutable, not yet runnable.
	PhasePending Phase = "PENDING"
	// PhaseQueued: admitted to the queue, waiting for a free slot.
	PhaseQueued Phase = "QUEUED"
	// PhaseExecuting: a worker process is running the job.
	PhaseExecuting Phase = "EXECUTING"
	// PhaseCompleted: finished successfully; results are available.
	PhaseCompleted Phase = "COMPLETED"
	// PhaseError: failed; a one-shot error payload is available.
	PhaseError Phase = "ERROR"
	// PhaseAborted: stopped on caller request.
	PhaseAborted Phase = "ABORTED"
	// PhaseUnknown: worker launched but not yet confirmed running. This
	// distinguishes "spawn succeeded, child not yet alive" from a genuine
	// run.
	PhaseUnknown Phase = "UNKNOWN"
	// PhaseDestroyed: logically deleted; rows and working directory are
	// removed and the job id is never reused.
	PhaseDestroyed Phase = "DESTROYED"
)

// AllPhases lists every phase, in rough lifecycle order.
func AllPhases() []Phase {
	return []Phase{
		PhasePending, PhaseQueued, PhaseUnknown, PhaseExecuting,
		PhaseCompleted, PhaseError, PhaseAborted, PhaseDestroyed,
	}
}

// ParsePhase converts a wire/CLI string into a Phase.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown phase %q", s)
	}
	return p, nil
}

// Valid reports whether p is one of the defined phases.
func (p Phase) Valid() bool {
	switch p {
	case PhasePending, PhaseQueued, PhaseExecuting, PhaseCompleted,
		PhaseError, PhaseAborted, PhaseUnknown, PhaseDestroyed:
		return true
	}
	return false
}

// Terminal reports whether p is an end state. Terminal jobs never run
// again; only the injected ERROR and DESTROYED edges leave them.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseError, PhaseAborted, PhaseDestroyed:
		return true
	}
	return false
}

// HasWorker reports whether a worker process id is meaningful in p.
// The pid column is cleared whenever a job leaves these phases.
func (p Phase) HasWorker() bool {
	return p == PhaseExecuting || p == PhaseUnknown
}

func (p Phase) String() string {
	return string(p)
}
