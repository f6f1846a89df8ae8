package uws

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunQueuesPendingJob(t *testing.T) {
	s, e := newTestEngine(t)
	ctx := context.Background()

	id, err := e.CreateJob(ctx, "echo", CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, e.Run(ctx, id))

	job, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, PhaseQueued, job.Phase)
	require.NotNil(t, job.Quote)
	assert.True(t, job.Quote.After(time.Now().UTC().Add(-time.Minute)))
}

func TestIllegalTransitionLeavesPhaseUnchanged(t *testing.T) {
	s, e := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		from Phase
		to   Phase
	}{
		{PhasePending, PhaseCompleted},
		{PhasePending, PhaseExecuting},
		{PhaseQueued, PhaseCompleted},
		{PhaseCompleted, PhaseQueued},
		{PhaseCompleted, PhaseExecuting},
		{PhaseAborted, PhaseQueued},
		{PhaseError, PhaseExecuting},
	}
	for _, tt := range tests {
		id, err := e.CreateJob(ctx, "echo", CreateOptions{})
		require.NoError(t, err)
		if tt.from != PhasePending {
			forcePhase(t, s, id, tt.from, 0)
		}

		err = e.Request(ctx, id, tt.to, nil)
		require.Error(t, err, "%s -> %s", tt.from, tt.to)
		assert.True(t, IsIllegalTransition(err), "%s -> %s: %v", tt.from, tt.to, err)

		job, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, tt.from, job.Phase, "%s -> %s must not move the job", tt.from, tt.to)
	}
}

func TestRequestRejectsInvalidPhase(t *testing.T) {
	_, e := newTestEngine(t)
	ctx := context.Background()

	id, err := e.CreateJob(ctx, "echo", CreateOptions{})
	require.NoError(t, err)

	err = e.Request(ctx, id, Phase("LIMBO"), nil)
	require.Error(t, err)
	assert.True(t, IsIllegalTransition(err))
}

func TestRequestUnknownJob(t *testing.T) {
	_, e := newTestEngine(t)

	err := e.Run(context.Background(), "no-such-job")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestErrorEdgeFromEveryPhase(t *testing.T) {
	s, e := newTestEngine(t)
	ctx := context.Background()

	for _, from := range []Phase{
		PhasePending, PhaseQueued, PhaseUnknown, PhaseExecuting,
		PhaseCompleted, PhaseAborted, PhaseError,
	} {
		id, err := e.CreateJob(ctx, "echo", CreateOptions{})
		require.NoError(t, err)
		if from != PhasePending {
			pid := 0
			if from.HasWorker() {
				pid = os.Getpid()
			}
			forcePhase(t, s, id, from, pid)
		}

		require.NoError(t, e.Request(ctx, id, PhaseError, "flagged from "+string(from)), "from %s", from)

		job, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, PhaseError, job.Phase)
		assert.Zero(t, job.PID)
		require.NotNil(t, job.Error, "from %s", from)
		assert.Equal(t, "flagged from "+string(from), job.Error.Message)
		require.NotNil(t, job.EndTime)
	}
}

func TestErrorEdgeWritesMarkerFile(t *testing.T) {
	s, e := newTestEngine(t)
	ctx := context.Background()

	id, err := e.CreateJob(ctx, "echo", CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, e.Request(ctx, id, PhaseError, "kaput"))

	raw, err := os.ReadFile(filepath.Join(s.WorkDir(id), ErrorMarkerName))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "kaput")
}

func TestDestroyEdgeFromEveryPhase(t *testing.T) {
	s, e := newTestEngine(t)
	ctx := context.Background()

	for _, from := range []Phase{
		PhasePending, PhaseQueued, PhaseCompleted, PhaseError, PhaseAborted,
	} {
		id, err := e.CreateJob(ctx, "echo", CreateOptions{})
		require.NoError(t, err)
		if from != PhasePending {
			forcePhase(t, s, id, from, 0)
		}
		wd := s.WorkDir(id)

		require.NoError(t, e.Destroy(ctx, id), "from %s", from)

		_, err = s.Get(ctx, id)
		assert.True(t, IsNotFound(err), "from %s", from)
		_, err = os.Stat(wd)
		assert.True(t, os.IsNotExist(err), "from %s", from)
	}
}

func TestAbortBeforeLaunch(t *testing.T) {
	s, e := newTestEngine(t)
	ctx := context.Background()

	for _, from := range []Phase{PhasePending, PhaseQueued} {
		id, err := e.CreateJob(ctx, "echo", CreateOptions{})
		require.NoError(t, err)
		if from != PhasePending {
			forcePhase(t, s, id, from, 0)
		}

		require.NoError(t, e.Abort(ctx, id))

		job, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, PhaseAborted, job.Phase)
		require.NotNil(t, job.EndTime)
	}
}

func TestAbortUnconfirmedWorker(t *testing.T) {
	s, e := newTestEngine(t)
	ctx := context.Background()

	id, err := e.CreateJob(ctx, "echo", CreateOptions{})
	require.NoError(t, err)
	// The recorded worker is already gone; the abort must still land.
	forcePhase(t, s, id, PhaseUnknown, reapedPID(t))

	require.NoError(t, e.Abort(ctx, id))

	job, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, PhaseAborted, job.Phase)
	assert.Zero(t, job.PID)
}

func TestAbortExecutingOnlySignals(t *testing.T) {
	s, e := newTestEngine(t)
	ctx := context.Background()

	pid := spawnSleeper(t)
	id, err := e.CreateJob(ctx, "echo", CreateOptions{})
	require.NoError(t, err)
	forcePhase(t, s, id, PhaseExecuting, pid)

	require.NoError(t, e.Abort(ctx, id))

	// The phase does not change here: the worker reports the outcome.
	job, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, PhaseExecuting, job.Phase)
	assert.Equal(t, pid, job.PID)

	// The cooperative stop reached the process.
	deadline := time.Now().Add(3 * time.Second)
	for ProcessAlive(pid) && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	assert.False(t, ProcessAlive(pid))
}

func TestAbortExecutingWithoutPidFails(t *testing.T) {
	s, e := newTestEngine(t)
	ctx := context.Background()

	id, err := e.CreateJob(ctx, "echo", CreateOptions{})
	require.NoError(t, err)
	forcePhase(t, s, id, PhaseExecuting, 0)

	// No pid recorded: the signal cannot be delivered and the failure
	// path flags the job.
	err = e.Abort(ctx, id)
	require.Error(t, err)

	job, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, PhaseError, job.Phase)
}

func TestCompleteExecutingJob(t *testing.T) {
	s, e := newTestEngine(t)
	ctx := context.Background()

	id, err := e.CreateJob(ctx, "echo", CreateOptions{})
	require.NoError(t, err)
	forcePhase(t, s, id, PhaseExecuting, os.Getpid())

	require.NoError(t, e.Request(ctx, id, PhaseCompleted, nil))

	job, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, job.Phase)
	assert.Zero(t, job.PID)
	require.NotNil(t, job.EndTime)
}

func TestHandlerFailureFlagsErrorAndPropagates(t *testing.T) {
	s, e := newTestEngine(t)
	ctx := context.Background()

	kaboom := errors.New("kaboom")
	e.RegisterService("flaky", NewTransitionTable(map[TransitionKey]Handler{
		{PhasePending, PhaseQueued}: func(context.Context, *Engine, *JobHandle, Phase, any) error {
			return kaboom
		},
	}))

	id, err := e.CreateJob(ctx, "flaky", CreateOptions{})
	require.NoError(t, err)

	err = e.Run(ctx, id)
	require.Error(t, err)
	assert.True(t, errors.Is(err, kaboom), "the handler's own error must reach the caller")

	job, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, PhaseError, job.Phase)
	require.NotNil(t, job.Error)
	assert.Contains(t, job.Error.Message, "kaboom")

	payload, err := s.ConsumeError(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, payload.Message, "kaboom")
}

func TestServiceTableOverridesDefault(t *testing.T) {
	s, e := newTestEngine(t)
	ctx := context.Background()

	// A service with no run edge at all: queued is unreachable.
	e.RegisterService("inert", NewTransitionTable(nil))

	id, err := e.CreateJob(ctx, "inert", CreateOptions{})
	require.NoError(t, err)

	err = e.Run(ctx, id)
	require.Error(t, err)
	assert.True(t, IsIllegalTransition(err))

	// The universal edges stay available.
	require.NoError(t, e.Request(ctx, id, PhaseError, "still flaggable"))
	job, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, PhaseError, job.Phase)
}

func TestReleasedClaimAfterRequest(t *testing.T) {
	s, e := newTestEngine(t)
	ctx := context.Background()

	id, err := e.CreateJob(ctx, "echo", CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, e.Run(ctx, id))

	// The claim must be free again after the transition.
	h, err := s.Acquire(ctx, id, 200*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, h.Release(ctx))
}

func TestObserverSeesOutcomes(t *testing.T) {
	_, e := newTestEngine(t)
	ctx := context.Background()

	type seen struct {
		jobID   string
		service string
		from    Phase
		to      Phase
		outcome string
	}
	var got []seen
	e.SetObserver(func(jobID, service string, from, to Phase, outcome string) {
		got = append(got, seen{jobID, service, from, to, outcome})
	})

	id, err := e.CreateJob(ctx, "echo", CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, e.Run(ctx, id))
	require.Error(t, e.Request(ctx, id, PhaseCompleted, nil))

	require.Len(t, got, 2)
	assert.Equal(t, seen{id, "echo", PhasePending, PhaseQueued, "ok"}, got[0])
	assert.Equal(t, seen{id, "echo", PhaseQueued, PhaseCompleted, "illegal"}, got[1])
}
