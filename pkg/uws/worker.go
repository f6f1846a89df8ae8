package uws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ArchiveErrorName is the file noting artifacts the archiver could not
// mirror. Dotfiles are reserved, so it never registers as a result.
const ArchiveErrorName = ".archive-error"

// WorkFunc is the body of a worker: it performs the service's actual work
// for one job. Returning nil completes the job; returning an error fails
// it. Respect ctx: it ends when the job is aborted or its execution
// duration runs out.
type WorkFunc func(ctx context.Context, w *WorkerSession, job *Job) error

// Archiver mirrors result artifacts to external storage after a job
// completes. pkg/archive provides implementations.
type Archiver interface {
	Store(ctx context.Context, jobID, name string, r io.Reader, size int64, contentType string) error
}

// WorkerConfig configures a worker-side session.
type WorkerConfig struct {
	Engine *Engine
	Logger *zap.Logger

	// ResultPatterns are the globs Complete scans the working directory
	// with. Empty registers every regular file.
	ResultPatterns []string

	// ExcludePatterns trim the scan's selection.
	ExcludePatterns []string

	// Archiver, when set, receives every registered artifact after the
	// scan. Archive failures never fail the job.
	Archiver Archiver
}

// WorkerSession is the job runtime inside a spawned worker process. It
// confirms the launch, exposes the working directory and result writers,
// and reports the terminal outcome.
//
// All sessions in the worker talk to the same store the server uses; the
// exclusive row claim keeps the two processes from colliding.
type WorkerSession struct {
	engine   *Engine
	store    *Store
	logger   *zap.Logger
	jobID    string
	include  []string
	exclude  []string
	archiver Archiver

	mu       sync.Mutex
	job      *Job
	finished bool
}

// NewWorkerSession builds the session for one job.
func NewWorkerSession(cfg WorkerConfig, jobID string) *WorkerSession {
	w := &WorkerSession{
		engine:   cfg.Engine,
		store:    cfg.Engine.Store(),
		logger:   cfg.Logger,
		jobID:    jobID,
		include:  cfg.ResultPatterns,
		exclude:  cfg.ExcludePatterns,
		archiver: cfg.Archiver,
	}
	if w.logger == nil {
		w.logger = zap.NewNop()
	}
	return w
}

// JobID returns the job this session serves.
func (w *WorkerSession) JobID() string {
	return w.jobID
}

// Job returns the last snapshot taken by Confirm. Nil before Confirm.
func (w *WorkerSession) Job() *Job {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.job
}

// WorkDir returns the job's working directory.
func (w *WorkerSession) WorkDir() string {
	return w.store.WorkDir(w.jobID)
}

// Confirm reports the worker's arrival: the job moves from its launched
// state to EXECUTING with the start stamped. Idempotent when the job is
// already EXECUTING (a resumed worker). Jobs that were aborted or
// destroyed before the worker got here fail with their current phase in
// the error; callers should exit quietly on those.
func (w *WorkerSession) Confirm(ctx context.Context) (*Job, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	job, err := w.store.Get(ctx, w.jobID)
	if err != nil {
		return nil, err
	}

	switch job.Phase {
	case PhaseUnknown:
		if err := w.engine.Request(ctx, w.jobID, PhaseExecuting, nil); err != nil {
			return nil, err
		}
	case PhaseExecuting:
		// Already confirmed.
	default:
		return nil, &JobError{
			Op:    "Confirm",
			JobID: w.jobID,
			Phase: job.Phase,
			Err:   fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, job.Phase, PhaseExecuting),
		}
	}

	fresh, err := w.store.Get(ctx, w.jobID)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	w.job = fresh
	w.mu.Unlock()
	return fresh, nil
}

// OpenResult opens a named artifact writer in the working directory.
func (w *WorkerSession) OpenResult(ctx context.Context, name, mimeType string) (*ResultWriter, error) {
	return w.store.OpenResult(ctx, w.jobID, name, mimeType)
}

// RegisterResults scans the working directory and registers files matching
// the session's configured globs as results.
func (w *WorkerSession) RegisterResults(ctx context.Context) ([]ResultRecord, error) {
	return w.store.ScanResults(ctx, w.jobID, w.include, w.exclude)
}

// Complete scans for results, mirrors them through the archiver when one
// is configured, and moves the job to COMPLETED. A session that already
// reported a terminal outcome no-ops.
func (w *WorkerSession) Complete(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	w.mu.Lock()
	if w.finished {
		w.mu.Unlock()
		return nil
	}
	w.finished = true
	w.mu.Unlock()

	recs, err := w.store.ScanResults(ctx, w.jobID, w.include, w.exclude)
	if err != nil {
		ferr := w.engine.Request(ctx, w.jobID, PhaseError, fmt.Errorf("register results: %w", err))
		if ferr != nil {
			w.logger.Error("Failed to flag result scan failure",
				zap.String("job_id", w.jobID),
				zap.Error(ferr))
		}
		return err
	}

	w.archiveResults(ctx, recs)

	return w.engine.Request(ctx, w.jobID, PhaseCompleted, nil)
}

// archiveResults mirrors registered artifacts through the archiver. The
// store is best effort: each failure is logged and noted in the working
// directory, and the job completes regardless.
func (w *WorkerSession) archiveResults(ctx context.Context, recs []ResultRecord) {
	if w.archiver == nil || len(recs) == 0 {
		return
	}

	var failed []string
	for _, rec := range recs {
		if err := w.archiveOne(ctx, rec); err != nil {
			w.logger.Warn("Failed to archive result",
				zap.String("job_id", w.jobID),
				zap.String("name", rec.Name),
				zap.Error(err))
			failed = append(failed, fmt.Sprintf("%s: %v", rec.Name, err))
		}
	}
	if len(failed) == 0 {
		return
	}

	marker := filepath.Join(w.WorkDir(), ArchiveErrorName)
	if err := os.WriteFile(marker, []byte(strings.Join(failed, "\n")+"\n"), 0644); err != nil {
		w.logger.Error("Failed to write archive error marker",
			zap.String("job_id", w.jobID),
			zap.Error(err))
	}
}

func (w *WorkerSession) archiveOne(ctx context.Context, rec ResultRecord) error {
	f, err := os.Open(filepath.Join(w.WorkDir(), filepath.FromSlash(rec.Name)))
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return err
	}
	return w.archiver.Store(ctx, w.jobID, rec.Name, f, st.Size(), rec.MimeType)
}

// Fail moves the job to ERROR carrying err as the one-shot payload.
func (w *WorkerSession) Fail(ctx context.Context, cause error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	w.mu.Lock()
	if w.finished {
		w.mu.Unlock()
		return nil
	}
	w.finished = true
	w.mu.Unlock()

	return w.engine.Request(ctx, w.jobID, PhaseError, cause)
}

// ReportAborted records that this worker stopped on request: ABORTED with
// the end stamped. This writes the row directly instead of driving a
// transition, because the abort edge for a live worker sends the stop
// signal and this process is on the receiving end of it.
func (w *WorkerSession) ReportAborted(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	w.mu.Lock()
	if w.finished {
		w.mu.Unlock()
		return nil
	}
	w.finished = true
	w.mu.Unlock()

	h, err := w.store.Acquire(ctx, w.jobID, w.engine.LockTimeout())
	if err != nil {
		return err
	}
	defer func() { _ = h.Release(ctx) }()

	job := h.Job()
	if job.Phase.Terminal() {
		return nil
	}

	now := time.Now().UTC()
	if err := h.Update(ctx, func(j *Job) {
		j.Phase = PhaseAborted
		if j.EndTime == nil {
			j.EndTime = &now
		}
	}); err != nil {
		return err
	}

	w.logger.Info("Worker reported abort", zap.String("job_id", w.jobID))
	return nil
}

// RunWork drives the standard worker lifecycle: confirm, run fn under the
// job's execution duration, then report the outcome. Context cancellation
// and duration expiry both end as ABORTED; fn errors end as ERROR. The
// returned error is the reason the run did not complete, nil on success.
func (w *WorkerSession) RunWork(ctx context.Context, fn WorkFunc) error {
	if ctx == nil {
		ctx = context.Background()
	}

	job, err := w.Confirm(ctx)
	if err != nil {
		return err
	}

	runCtx := ctx
	if job.ExecutionDuration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, job.ExecutionDuration)
		defer cancel()
	}

	err = fn(runCtx, w, job)
	switch {
	case err == nil && runCtx.Err() == nil:
		return w.Complete(context.Background())
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		w.logger.Warn("Execution duration exceeded",
			zap.String("job_id", w.jobID),
			zap.Duration("duration", job.ExecutionDuration))
		if rerr := w.ReportAborted(context.Background()); rerr != nil {
			return rerr
		}
		return fmt.Errorf("execution duration %s exceeded", job.ExecutionDuration)
	case runCtx.Err() != nil:
		return w.ReportAborted(context.Background())
	default:
		if ferr := w.Fail(context.Background(), err); ferr != nil {
			w.logger.Error("Failed to flag job failure",
				zap.String("job_id", w.jobID),
				zap.Error(ferr))
		}
		return err
	}
}
