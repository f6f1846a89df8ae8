package uws

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// ErrorMarkerName is the file mirrored into the working directory when a
// job enters ERROR, for post-mortem inspection without store access.
const ErrorMarkerName = "error.json"

// WorkerLogName is the file collecting the worker's stdout and stderr.
const WorkerLogName = "worker.log"

// Handler runs one phase transition while holding the job's exclusive
// claim. The handler is responsible for changing the phase (and any other
// fields) through the handle; it may choose a different phase than the
// requested one (startJob records UNKNOWN until the worker confirms) or
// none at all (killJob only signals; the worker reports the change).
type Handler func(ctx context.Context, e *Engine, h *JobHandle, to Phase, payload any) error

// TransitionKey addresses one edge of a transition table.
type TransitionKey struct {
	From Phase
	To   Phase
}

// TransitionTable maps (current phase, requested phase) to a handler. Build
// tables with NewTransitionTable so the universal edges are present.
type TransitionTable map[TransitionKey]Handler

// NewTransitionTable builds a table from variant-specific edges plus, for
// every phase, the two universal edges (*, ERROR) -> flagError and
// (*, DESTROYED) -> noOp. Explicit edges win over the injected ones.
func NewTransitionTable(edges map[TransitionKey]Handler) TransitionTable {
	t := make(TransitionTable, len(edges)+2*len(AllPhases()))
	for _, from := range AllPhases() {
		t[TransitionKey{From: from, To: PhaseError}] = flagError
		t[TransitionKey{From: from, To: PhaseDestroyed}] = noOp
	}
	for k, h := range edges {
		t[k] = h
	}
	return t
}

// DefaultTransitions is the standard job lifecycle shared by the builtin
// services: queue on RUN, launch from the queue, confirm, finish or abort.
func DefaultTransitions() TransitionTable {
	return NewTransitionTable(map[TransitionKey]Handler{
		{PhasePending, PhaseQueued}:    queueJob,
		{PhasePending, PhaseAborted}:   markAborted,
		{PhaseQueued, PhaseExecuting}:  startJob,
		{PhaseQueued, PhaseAborted}:    markAborted,
		{PhaseUnknown, PhaseExecuting}: confirmRun,
		{PhaseUnknown, PhaseAborted}:   abortLaunched,
		{PhaseExecuting, PhaseCompleted}: completeJob,
		{PhaseExecuting, PhaseAborted}:   killJob,
	})
}

// DirtyMarker is the scheduler-facing hook handlers use to request a queue
// pass. MarkDirty must be cheap, idempotent, and safe to call while a job
// claim is held.
type DirtyMarker interface {
	MarkDirty()
}

// TransitionObserver sees every transition request outcome, for metrics.
// Outcome is "ok", "illegal", or "failed".
type TransitionObserver func(jobID, service string, from, to Phase, outcome string)

// EngineConfig configures a transition engine.
type EngineConfig struct {
	Store  *Store
	Logger *zap.Logger

	// LockTimeout bounds job claim waits inside Request. Zero uses 5s.
	LockTimeout time.Duration

	// DefaultDuration feeds the quote estimate for queued jobs. Zero uses
	// DefaultExecutionDuration.
	DefaultDuration time.Duration

	// Concurrency feeds the quote estimate. Zero estimates sequentially.
	Concurrency int
}

// Engine is the phase transition engine: one transition table per service,
// all driving the same store.
type Engine struct {
	store           *Store
	logger          *zap.Logger
	lockTimeout     time.Duration
	defaultDuration time.Duration
	concurrency     int

	tables       map[string]TransitionTable
	defaultTable TransitionTable

	launcher  *Launcher
	scheduler DirtyMarker
	observer  TransitionObserver
}

// NewEngine builds an engine over the store with the default transition
// table. Services with their own tables register via RegisterService; the
// launcher and scheduler attach afterwards (their constructors need the
// engine).
func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{
		store:           cfg.Store,
		logger:          cfg.Logger,
		lockTimeout:     cfg.LockTimeout,
		defaultDuration: cfg.DefaultDuration,
		concurrency:     cfg.Concurrency,
		tables:          make(map[string]TransitionTable),
		defaultTable:    DefaultTransitions(),
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.lockTimeout <= 0 {
		e.lockTimeout = 5 * time.Second
	}
	if e.defaultDuration <= 0 {
		e.defaultDuration = DefaultExecutionDuration
	}
	return e
}

// RegisterService installs a per-service transition table.
func (e *Engine) RegisterService(name string, table TransitionTable) {
	e.tables[name] = table
}

// SetLauncher attaches the worker launcher used by startJob.
func (e *Engine) SetLauncher(l *Launcher) {
	e.launcher = l
}

// SetScheduler attaches the admission scheduler notified by queueJob.
func (e *Engine) SetScheduler(s DirtyMarker) {
	e.scheduler = s
}

// SetObserver attaches a metrics hook.
func (e *Engine) SetObserver(obs TransitionObserver) {
	e.observer = obs
}

// Store returns the engine's job store.
func (e *Engine) Store() *Store {
	return e.store
}

// LockTimeout returns the engine's claim wait bound.
func (e *Engine) LockTimeout() time.Duration {
	return e.lockTimeout
}

func (e *Engine) tableFor(service string) TransitionTable {
	if t, ok := e.tables[service]; ok {
		return t
	}
	return e.defaultTable
}

func (e *Engine) markDirty() {
	if e.scheduler != nil {
		e.scheduler.MarkDirty()
	}
}

func (e *Engine) observe(jobID, service string, from, to Phase, outcome string) {
	if e.observer != nil {
		e.observer(jobID, service, from, to, outcome)
	}
}

// CreateJob inserts a new PENDING job.
func (e *Engine) CreateJob(ctx context.Context, service string, opts CreateOptions) (string, error) {
	return e.store.Create(ctx, service, opts)
}

// Run requests the RUN transition: PENDING jobs queue and wait for
// admission.
func (e *Engine) Run(ctx context.Context, jobID string) error {
	return e.Request(ctx, jobID, PhaseQueued, nil)
}

// Abort requests the ABORT transition. What that means depends on the
// phase: pending/queued jobs abort immediately, launched ones get a
// cooperative stop signal and report back.
func (e *Engine) Abort(ctx context.Context, jobID string) error {
	return e.Request(ctx, jobID, PhaseAborted, nil)
}

// Destroy requests the DESTROYED transition and then removes the job's
// rows and working directory.
func (e *Engine) Destroy(ctx context.Context, jobID string) error {
	if err := e.Request(ctx, jobID, PhaseDestroyed, nil); err != nil {
		return err
	}
	return e.store.Delete(ctx, jobID)
}

// RequestWithTimeout is Request with an explicit claim wait bound, used by
// the reaper's short-timeout sweeps.
func (e *Engine) RequestWithTimeout(ctx context.Context, jobID string, to Phase, payload any, lockTimeout time.Duration) error {
	return e.request(ctx, jobID, to, payload, lockTimeout)
}

// Request drives one phase transition:
//
//  1. Acquire the job.
//  2. Look up the handler for (current phase, to); absent edges fail with
//     ErrIllegalTransition and leave the phase unchanged.
//  3. Run the handler.
//  4. Release (the claim commit).
//
// A handler failure converts into a best-effort ERROR transition with the
// failure as payload; if even that fails, the phase is force-set to ERROR
// without handler side effects. The original failure propagates to the
// caller either way, so a bug in service-specific code can never leave a
// job in an ambiguous phase.
func (e *Engine) Request(ctx context.Context, jobID string, to Phase, payload any) error {
	return e.request(ctx, jobID, to, payload, e.lockTimeout)
}

func (e *Engine) request(ctx context.Context, jobID string, to Phase, payload any, lockTimeout time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !to.Valid() {
		return &JobError{Op: "Request", JobID: jobID, Err: fmt.Errorf("%w: invalid target phase %q", ErrIllegalTransition, string(to))}
	}

	h, err := e.store.Acquire(ctx, jobID, lockTimeout)
	if err != nil {
		return err
	}
	defer func() { _ = h.Release(ctx) }()

	job := h.Job()
	from := job.Phase
	table := e.tableFor(job.Service)

	handler, ok := table[TransitionKey{From: from, To: to}]
	if !ok {
		e.observe(jobID, job.Service, from, to, "illegal")
		return &JobError{
			Op:    "Request",
			JobID: jobID,
			Phase: from,
			Err:   fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to),
		}
	}

	if err := handler(ctx, e, h, to, payload); err != nil {
		e.observe(jobID, job.Service, from, to, "failed")
		e.logger.Error("Transition handler failed",
			zap.String("job_id", jobID),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
			zap.Error(err))
		e.failWith(ctx, h, table, err)
		return err
	}

	e.observe(jobID, job.Service, from, to, "ok")
	return nil
}

// failWith attempts the (current, ERROR) transition with cause as payload;
// if the error handler itself fails, the phase is forced directly.
func (e *Engine) failWith(ctx context.Context, h *JobHandle, table TransitionTable, cause error) {
	job := h.Job()
	if job.Phase == PhaseError {
		return
	}

	handler, ok := table[TransitionKey{From: job.Phase, To: PhaseError}]
	if ok {
		if err := handler(ctx, e, h, PhaseError, cause); err == nil {
			return
		} else {
			e.logger.Error("Error transition failed, forcing phase",
				zap.String("job_id", job.ID),
				zap.Error(err))
		}
	}

	now := time.Now().UTC()
	if err := h.Update(ctx, func(j *Job) {
		j.Phase = PhaseError
		if j.Error == nil {
			j.Error = NewErrorPayload(cause)
		}
		if j.EndTime == nil {
			j.EndTime = &now
		}
	}); err != nil {
		e.logger.Error("Failed to force ERROR phase",
			zap.String("job_id", job.ID),
			zap.Error(err))
	}
}

// errorPayloadFrom normalizes transition payloads into an ErrorPayload.
func errorPayloadFrom(payload any) *ErrorPayload {
	switch v := payload.(type) {
	case nil:
		return &ErrorPayload{Version: ErrorPayloadVersion, Message: "job failed", Kind: ErrorKindFatal}
	case *ErrorPayload:
		return v
	case ErrorPayload:
		return &v
	case error:
		return NewErrorPayload(v)
	case string:
		return &ErrorPayload{Version: ErrorPayloadVersion, Message: v, Kind: ErrorKindFatal}
	default:
		return &ErrorPayload{Version: ErrorPayloadVersion, Message: fmt.Sprintf("%v", v), Kind: ErrorKindFatal}
	}
}

// flagError stores the error payload, stamps the end, and moves the job to
// ERROR. Injected for every phase.
func flagError(ctx context.Context, e *Engine, h *JobHandle, _ Phase, payload any) error {
	now := time.Now().UTC()
	perr := errorPayloadFrom(payload)

	if err := h.Update(ctx, func(j *Job) {
		j.Phase = PhaseError
		j.Error = perr
		if j.EndTime == nil {
			j.EndTime = &now
		}
	}); err != nil {
		return err
	}

	e.writeErrorMarker(h.Job().ID, perr)
	e.logger.Warn("Job flagged as failed",
		zap.String("job_id", h.Job().ID),
		zap.String("message", perr.Message),
		zap.String("kind", string(perr.Kind)))
	return nil
}

// writeErrorMarker mirrors the payload into the working directory.
// Best-effort: the store row is authoritative.
func (e *Engine) writeErrorMarker(jobID string, perr *ErrorPayload) {
	encoded, err := perr.encode()
	if err != nil {
		return
	}
	marker := filepath.Join(e.store.WorkDir(jobID), ErrorMarkerName)
	if err := os.WriteFile(marker, []byte(encoded), 0644); err != nil {
		e.logger.Warn("Failed to write error marker",
			zap.String("job_id", jobID),
			zap.Error(err))
	}
}

// noOp sets the target phase and nothing else. Injected for DESTROYED.
func noOp(ctx context.Context, _ *Engine, h *JobHandle, to Phase, _ any) error {
	return h.Update(ctx, func(j *Job) {
		j.Phase = to
	})
}

// queueJob admits a PENDING job to the queue and nudges the scheduler.
func queueJob(ctx context.Context, e *Engine, h *JobHandle, _ Phase, _ any) error {
	queued, err := e.store.CountQueued(ctx)
	if err != nil {
		return err
	}

	quote := e.estimateStart(queued)
	if err := h.Update(ctx, func(j *Job) {
		j.Phase = PhaseQueued
		j.Quote = &quote
	}); err != nil {
		return err
	}

	e.markDirty()
	return nil
}

// estimateStart guesses when a job at the current queue tail will start.
// Advisory only.
func (e *Engine) estimateStart(queuedAhead int) time.Time {
	waves := queuedAhead + 1
	if e.concurrency > 0 {
		waves = queuedAhead/e.concurrency + 1
	}
	return time.Now().UTC().Add(time.Duration(waves) * e.defaultDuration)
}

// startJob hands the job to the worker launcher. The launcher records the
// pid and the UNKNOWN phase; the worker itself confirms EXECUTING later.
func startJob(ctx context.Context, e *Engine, h *JobHandle, _ Phase, _ any) error {
	if e.launcher == nil {
		return &JobError{Op: "startJob", JobID: h.Job().ID, Err: fmt.Errorf("%w: no launcher attached", ErrWorkerLaunch)}
	}
	return e.launcher.Launch(ctx, h)
}

// confirmRun is the worker's arrival report: UNKNOWN -> EXECUTING with the
// start stamped.
func confirmRun(ctx context.Context, _ *Engine, h *JobHandle, _ Phase, _ any) error {
	now := time.Now().UTC()
	return h.Update(ctx, func(j *Job) {
		j.Phase = PhaseExecuting
		j.StartTime = &now
	})
}

// completeJob closes out a successful run. The worker registers its result
// records before requesting this transition.
func completeJob(ctx context.Context, _ *Engine, h *JobHandle, _ Phase, _ any) error {
	now := time.Now().UTC()
	return h.Update(ctx, func(j *Job) {
		j.Phase = PhaseCompleted
		j.EndTime = &now
	})
}

// markAborted stops a job that has no live worker: ABORTED with the end
// stamped.
func markAborted(ctx context.Context, _ *Engine, h *JobHandle, _ Phase, _ any) error {
	now := time.Now().UTC()
	return h.Update(ctx, func(j *Job) {
		j.Phase = PhaseAborted
		j.EndTime = &now
	})
}

// killJob sends the worker a cooperative stop signal and leaves the phase
// alone: the worker (or the launcher's exit callback) reports the outcome.
func killJob(ctx context.Context, e *Engine, h *JobHandle, _ Phase, _ any) error {
	job := h.Job()
	if job.PID <= 0 {
		return &JobError{Op: "killJob", JobID: job.ID, Phase: job.Phase, Err: errors.New("no worker pid recorded")}
	}
	if err := signalProcess(job.PID); err != nil {
		return &JobError{Op: "killJob", JobID: job.ID, Err: fmt.Errorf("signal worker %d: %w", job.PID, err)}
	}
	e.logger.Info("Sent stop signal to worker",
		zap.String("job_id", job.ID),
		zap.Int("pid", job.PID))
	return nil
}

// abortLaunched aborts a job whose worker was spawned but never confirmed.
// The signal is best-effort; the phase changes immediately because there is
// no confirmed worker to report back.
func abortLaunched(ctx context.Context, e *Engine, h *JobHandle, _ Phase, _ any) error {
	job := h.Job()
	if job.PID > 0 {
		if err := signalProcess(job.PID); err != nil {
			e.logger.Warn("Failed to signal unconfirmed worker",
				zap.String("job_id", job.ID),
				zap.Int("pid", job.PID),
				zap.Error(err))
		}
	}
	return markAborted(ctx, e, h, PhaseAborted, nil)
}
