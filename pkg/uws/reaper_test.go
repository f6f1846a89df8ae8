package uws

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaperDestroysExpiredJobs(t *testing.T) {
	s, e := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	stale, err := e.CreateJob(ctx, "echo", CreateOptions{DestructionTime: now.Add(-time.Hour)})
	require.NoError(t, err)
	staleWD := s.WorkDir(stale)
	fresh, err := e.CreateJob(ctx, "echo", CreateOptions{DestructionTime: now.Add(time.Hour)})
	require.NoError(t, err)

	r := NewReaper(ReaperConfig{Store: s, Engine: e, LockTimeout: 200 * time.Millisecond})
	destroyed := r.SweepOnce(ctx)
	assert.Equal(t, 1, destroyed)

	_, err = s.Get(ctx, stale)
	assert.True(t, IsNotFound(err))
	_, err = os.Stat(staleWD)
	assert.True(t, os.IsNotExist(err))

	job, err := s.Get(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, PhasePending, job.Phase)
}

func TestReaperDestroysExpiredTerminalJobs(t *testing.T) {
	s, e := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, phase := range []Phase{PhaseCompleted, PhaseError, PhaseAborted} {
		id, err := e.CreateJob(ctx, "echo", CreateOptions{DestructionTime: now.Add(-time.Minute)})
		require.NoError(t, err)
		forcePhase(t, s, id, phase, 0)

		r := NewReaper(ReaperConfig{Store: s, Engine: e, LockTimeout: 200 * time.Millisecond})
		destroyed := r.SweepOnce(ctx)
		assert.Equal(t, 1, destroyed, "phase %s", phase)

		_, err = s.Get(ctx, id)
		assert.True(t, IsNotFound(err), "phase %s", phase)
	}
}

func TestReaperSkipsBusyJobs(t *testing.T) {
	s, e := newTestEngine(t)
	ctx := context.Background()
	now := time.Now().UTC()

	stale, err := e.CreateJob(ctx, "echo", CreateOptions{DestructionTime: now.Add(-time.Hour)})
	require.NoError(t, err)

	h, err := s.Acquire(ctx, stale, time.Second)
	require.NoError(t, err)

	r := NewReaper(ReaperConfig{Store: s, Engine: e, LockTimeout: 100 * time.Millisecond})
	destroyed := r.SweepOnce(ctx)
	assert.Zero(t, destroyed, "a busy job waits for the next cycle")

	_, err = s.Get(ctx, stale)
	require.NoError(t, err)

	require.NoError(t, h.Release(ctx))

	destroyed = r.SweepOnce(ctx)
	assert.Equal(t, 1, destroyed)
	_, err = s.Get(ctx, stale)
	assert.True(t, IsNotFound(err))
}

func TestReaperSweepIncludesLivenessPass(t *testing.T) {
	s, e := newTestEngine(t)
	ctx := context.Background()
	sched := NewScheduler(SchedulerConfig{Store: s, Engine: e, Concurrency: 2})
	e.SetScheduler(sched)

	// Not expired, but its worker is gone: the liveness pass catches it.
	id, err := e.CreateJob(ctx, "echo", CreateOptions{})
	require.NoError(t, err)
	forcePhase(t, s, id, PhaseExecuting, reapedPID(t))

	r := NewReaper(ReaperConfig{Store: s, Engine: e, Scheduler: sched, LockTimeout: 200 * time.Millisecond})
	destroyed := r.SweepOnce(ctx)
	assert.Zero(t, destroyed)

	job, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, PhaseError, job.Phase)
}

func TestReaperRunStopsOnContextCancel(t *testing.T) {
	s, e := newTestEngine(t)

	r := NewReaper(ReaperConfig{Store: s, Engine: e, Interval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("reaper did not stop on context cancellation")
	}
}
