package uws

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LauncherConfig configures a worker launcher.
type LauncherConfig struct {
	Store  *Store
	Engine *Engine
	Logger *zap.Logger

	// WorkerBinary is the executable spawned per job. Empty resolves the
	// current executable, the normal single-binary deployment.
	WorkerBinary string

	// WorkerArgs are the argv entries before the job id. Empty defaults
	// to ["worker"], matching the hidden CLI entry point.
	WorkerArgs []string

	// Env entries are appended to the inherited environment, letting the
	// worker find the same store (data dir, config path).
	Env []string

	// OnLaunch, when set, is called after every spawn attempt with
	// outcome "ok" or "error".
	OnLaunch func(outcome string)
}

// Launcher starts one external process per admitted job and watches for
// its termination. No job data travels over the child's standard channels:
// the worker receives only the job id and reads everything else from the
// store itself.
type Launcher struct {
	store        *Store
	engine       *Engine
	logger       *zap.Logger
	workerBinary string
	workerArgs   []string
	env          []string
	onLaunch     func(string)

	wg sync.WaitGroup
}

// NewLauncher builds a launcher bound to the engine's store.
func NewLauncher(cfg LauncherConfig) *Launcher {
	l := &Launcher{
		store:        cfg.Store,
		engine:       cfg.Engine,
		logger:       cfg.Logger,
		workerBinary: cfg.WorkerBinary,
		workerArgs:   cfg.WorkerArgs,
		env:          cfg.Env,
		onLaunch:     cfg.OnLaunch,
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	if len(l.workerArgs) == 0 {
		l.workerArgs = []string{"worker"}
	}
	return l
}

// Launch spawns the worker process for the claimed job, records its pid,
// and sets the phase to UNKNOWN until the worker confirms EXECUTING. Spawn
// failures surface as ErrWorkerLaunch, which the transition engine turns
// into an ERROR phase.
func (l *Launcher) Launch(ctx context.Context, h *JobHandle) error {
	err := l.launch(ctx, h)
	if l.onLaunch != nil {
		if err != nil {
			l.onLaunch("error")
		} else {
			l.onLaunch("ok")
		}
	}
	return err
}

func (l *Launcher) launch(ctx context.Context, h *JobHandle) error {
	job := h.Job()
	wd := l.store.WorkDir(job.ID)

	logFile, err := os.OpenFile(filepath.Join(wd, WorkerLogName),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return &JobError{Op: "Launch", JobID: job.ID, Err: fmt.Errorf("%w: open worker log: %v", ErrWorkerLaunch, err)}
	}

	exe := l.workerBinary
	if exe == "" {
		exe, err = os.Executable()
		if err != nil {
			_ = logFile.Close()
			return &JobError{Op: "Launch", JobID: job.ID, Err: fmt.Errorf("%w: resolve executable: %v", ErrWorkerLaunch, err)}
		}
	}

	args := make([]string, 0, len(l.workerArgs)+1)
	args = append(args, l.workerArgs...)
	args = append(args, job.ID)

	cmd := exec.Command(exe, args...)
	cmd.Dir = wd
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), l.env...)

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return &JobError{Op: "Launch", JobID: job.ID, Err: fmt.Errorf("%w: %v", ErrWorkerLaunch, err)}
	}
	// The child holds its own descriptor now.
	_ = logFile.Close()

	pid := cmd.Process.Pid
	if err := h.Update(ctx, func(j *Job) {
		j.Phase = PhaseUnknown
		j.PID = pid
	}); err != nil {
		// The row could not record the launch; do not leave an orphan.
		_ = cmd.Process.Kill()
		return err
	}

	l.logger.Info("Launched worker",
		zap.String("job_id", job.ID),
		zap.Int("pid", pid),
		zap.String("binary", exe))

	l.wg.Add(1)
	go l.watch(cmd, job.ID)
	return nil
}

func (l *Launcher) watch(cmd *exec.Cmd, jobID string) {
	defer l.wg.Done()

	exitStatus := 0
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitStatus = exitErr.ExitCode()
		} else {
			exitStatus = -1
		}
	}
	l.OnProcessEnded(jobID, exitStatus)
}

// OnProcessEnded inspects a job after its worker exits. A worker that
// exited without driving a terminal transition left its job hanging; the
// job is forced to ERROR. Either way the scheduler is nudged, since a slot
// may have been freed.
func (l *Launcher) OnProcessEnded(jobID string, exitStatus int) {
	ctx := context.Background()

	h, err := l.store.Acquire(ctx, jobID, l.engine.LockTimeout())
	if err != nil {
		// Destroyed while the worker ran; nothing to report.
		if !IsNotFound(err) {
			l.logger.Warn("Could not inspect job after worker exit",
				zap.String("job_id", jobID),
				zap.Error(err))
		}
		l.engine.markDirty()
		return
	}
	defer func() { _ = h.Release(ctx) }()

	job := h.Job()
	switch job.Phase {
	case PhaseQueued, PhaseExecuting, PhaseUnknown:
		now := time.Now().UTC()
		perr := NewErrorPayload(fmt.Errorf("%w: exit status %d", ErrWorkerDied, exitStatus))
		if err := h.Update(ctx, func(j *Job) {
			j.Phase = PhaseError
			j.Error = perr
			if j.EndTime == nil {
				j.EndTime = &now
			}
		}); err != nil {
			l.logger.Error("Failed to flag hung job",
				zap.String("job_id", jobID),
				zap.Error(err))
		} else {
			l.engine.writeErrorMarker(jobID, perr)
			l.logger.Warn("Worker exited without reporting; job flagged as failed",
				zap.String("job_id", jobID),
				zap.Int("exit_status", exitStatus),
				zap.String("phase", job.Phase.String()))
		}
	default:
		l.logger.Debug("Worker exited",
			zap.String("job_id", jobID),
			zap.Int("exit_status", exitStatus),
			zap.String("phase", job.Phase.String()))
	}

	l.engine.markDirty()
}

// Wait blocks until every exit watcher has finished. Used on shutdown.
func (l *Launcher) Wait() {
	l.wg.Wait()
}
