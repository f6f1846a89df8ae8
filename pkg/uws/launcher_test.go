package uws

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shellLauncher builds a launcher that spawns a shell command instead of
// the real worker entry point. The job id still rides along as the last
// argument.
func shellLauncher(t *testing.T, s *Store, e *Engine, script string) *Launcher {
	t.Helper()
	l := NewLauncher(LauncherConfig{
		Store:        s,
		Engine:       e,
		WorkerBinary: "/bin/sh",
		WorkerArgs:   []string{"-c", script},
	})
	e.SetLauncher(l)
	t.Cleanup(func() {
		jobs, err := s.RunningJobs(context.Background())
		if err == nil {
			for _, j := range jobs {
				if j.PID > 0 {
					_ = ForceKill(j.PID)
				}
			}
		}
		l.Wait()
	})
	return l
}

func TestLaunchRecordsPidAndUnknownPhase(t *testing.T) {
	s, e := newTestEngine(t)
	ctx := context.Background()
	l := shellLauncher(t, s, e, "sleep 30")

	id, err := e.CreateJob(ctx, "echo", CreateOptions{})
	require.NoError(t, err)
	forcePhase(t, s, id, PhaseQueued, 0)

	h, err := s.Acquire(ctx, id, time.Second)
	require.NoError(t, err)
	require.NoError(t, l.Launch(ctx, h))
	require.NoError(t, h.Release(ctx))

	job, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, PhaseUnknown, job.Phase)
	require.Positive(t, job.PID)
	assert.True(t, ProcessAlive(job.PID))

	_, err = os.Stat(filepath.Join(s.WorkDir(id), WorkerLogName))
	require.NoError(t, err)

	// A worker that dies without reporting leaves its job hanging; the
	// exit watcher must flag it.
	require.NoError(t, ForceKill(job.PID))
	waitForPhase(t, s, id, PhaseError)

	job, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, job.PID)
	require.NotNil(t, job.Error)
	assert.Contains(t, job.Error.Message, "exit status")
}

func TestLaunchCapturesWorkerOutput(t *testing.T) {
	s, e := newTestEngine(t)
	ctx := context.Background()
	l := shellLauncher(t, s, e, "echo from-the-worker; echo on-stderr >&2")

	id, err := e.CreateJob(ctx, "echo", CreateOptions{})
	require.NoError(t, err)
	forcePhase(t, s, id, PhaseQueued, 0)

	h, err := s.Acquire(ctx, id, time.Second)
	require.NoError(t, err)
	require.NoError(t, l.Launch(ctx, h))
	require.NoError(t, h.Release(ctx))

	// The shell exits immediately without reporting; wait for the exit
	// watcher so the log is complete.
	waitForPhase(t, s, id, PhaseError)

	raw, err := os.ReadFile(filepath.Join(s.WorkDir(id), WorkerLogName))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "from-the-worker")
	assert.Contains(t, string(raw), "on-stderr")
}

func TestLaunchMissingBinaryFails(t *testing.T) {
	s, e := newTestEngine(t)
	ctx := context.Background()
	l := NewLauncher(LauncherConfig{
		Store:        s,
		Engine:       e,
		WorkerBinary: filepath.Join(t.TempDir(), "does-not-exist"),
	})
	e.SetLauncher(l)

	id, err := e.CreateJob(ctx, "echo", CreateOptions{})
	require.NoError(t, err)
	forcePhase(t, s, id, PhaseQueued, 0)

	h, err := s.Acquire(ctx, id, time.Second)
	require.NoError(t, err)
	defer func() { _ = h.Release(ctx) }()

	err = l.Launch(ctx, h)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWorkerLaunch)
}

func TestStartEdgeFlagsLaunchFailure(t *testing.T) {
	s, e := newTestEngine(t)
	ctx := context.Background()
	l := NewLauncher(LauncherConfig{
		Store:        s,
		Engine:       e,
		WorkerBinary: filepath.Join(t.TempDir(), "does-not-exist"),
	})
	e.SetLauncher(l)

	id, err := e.CreateJob(ctx, "echo", CreateOptions{})
	require.NoError(t, err)
	forcePhase(t, s, id, PhaseQueued, 0)

	err = e.Request(ctx, id, PhaseExecuting, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWorkerLaunch)

	job, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, PhaseError, job.Phase)
	require.NotNil(t, job.Error)
}

func TestOnProcessEndedLeavesReportedJobsAlone(t *testing.T) {
	s, e := newTestEngine(t)
	ctx := context.Background()
	l := NewLauncher(LauncherConfig{Store: s, Engine: e})
	e.SetLauncher(l)

	id, err := e.CreateJob(ctx, "echo", CreateOptions{})
	require.NoError(t, err)
	forcePhase(t, s, id, PhaseCompleted, 0)

	l.OnProcessEnded(id, 0)

	job, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, job.Phase)
}

func TestOnProcessEndedToleratesMissingJob(t *testing.T) {
	s, e := newTestEngine(t)
	l := NewLauncher(LauncherConfig{Store: s, Engine: e})
	e.SetLauncher(l)

	// Destroyed while the worker ran: nothing to do, no panic.
	l.OnProcessEnded("already-gone", 0)
}
