package uws

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// SchedulerConfig configures the admission scheduler.
type SchedulerConfig struct {
	Store  *Store
	Engine *Engine
	Logger *zap.Logger

	// Concurrency is the global budget of EXECUTING/UNKNOWN jobs. Zero
	// admits nothing (jobs stay QUEUED until the limit is raised).
	Concurrency int

	// Order is the admission ordering policy.
	Order QueueOrder

	// LaunchRate paces worker spawns; zero means unpaced.
	LaunchRate  rate.Limit
	LaunchBurst int

	// HealTimeout bounds claim waits inside the self-healing pass. Zero
	// uses 2s.
	HealTimeout time.Duration
}

// Scheduler watches a dirty flag and, when set, starts as many queued jobs
// as the concurrency budget allows.
//
// MarkDirty is the only signal: transition handlers, the launcher's exit
// callback, and the reaper all call it whenever the queue might have
// become startable. Concurrent marks coalesce into a single pending pass;
// ProcessQueue never stacks on itself.
type Scheduler struct {
	store   *Store
	engine  *Engine
	logger  *zap.Logger
	order   QueueOrder
	limiter *rate.Limiter

	healTimeout time.Duration

	mu          sync.Mutex
	concurrency int
	dirty       bool
	processing  bool

	wake chan struct{}
}

// NewScheduler builds a scheduler over the engine. Attach it back with
// Engine.SetScheduler so queueJob can mark it dirty.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	s := &Scheduler{
		store:       cfg.Store,
		engine:      cfg.Engine,
		logger:      cfg.Logger,
		order:       cfg.Order,
		concurrency: cfg.Concurrency,
		healTimeout: cfg.HealTimeout,
		wake:        make(chan struct{}, 1),
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.order == "" {
		s.order = OrderDestructionTime
	}
	if s.healTimeout <= 0 {
		s.healTimeout = 2 * time.Second
	}
	if cfg.LaunchRate > 0 {
		burst := cfg.LaunchBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(cfg.LaunchRate, burst)
	}
	return s
}

// MarkDirty requests a queue pass. Idempotent and cheap; safe to call from
// transition handlers while a job claim is held.
func (s *Scheduler) MarkDirty() {
	s.mu.Lock()
	if s.dirty {
		s.mu.Unlock()
		return
	}
	s.dirty = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Concurrency returns the current admission budget.
func (s *Scheduler) Concurrency() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.concurrency
}

// SetConcurrency adjusts the budget at runtime and triggers a pass when it
// grew.
func (s *Scheduler) SetConcurrency(n int) {
	s.mu.Lock()
	grew := n > s.concurrency
	s.concurrency = n
	s.mu.Unlock()
	if grew {
		s.MarkDirty()
	}
}

// Run consumes wake-ups until the context ends. One goroutine per process.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			s.ProcessQueue(ctx)
		}
	}
}

// ProcessQueue performs queue passes until no dirty mark remains. A call
// arriving while another is processing leaves its mark and returns; the
// active call loops to honor it. The scheduler never holds a job claim
// while scanning other jobs, so handlers may call MarkDirty from inside
// their own claims without deadlock.
func (s *Scheduler) ProcessQueue(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		s.mu.Lock()
		if s.processing {
			s.dirty = true
			s.mu.Unlock()
			return
		}
		s.processing = true
		s.dirty = false
		s.mu.Unlock()

		s.sweep(ctx)

		s.mu.Lock()
		s.processing = false
		again := s.dirty
		s.mu.Unlock()

		if !again || ctx.Err() != nil {
			return
		}
	}
}

// sweep starts queued jobs while capacity remains. When saturation blocked
// every candidate, it verifies the running set instead: a worker that died
// silently is exactly what keeps the budget exhausted.
func (s *Scheduler) sweep(ctx context.Context) {
	limit := s.Concurrency()

	ids, err := s.store.QueuedJobIDs(ctx, s.order)
	if err != nil {
		s.logger.Error("Failed to list queued jobs", zap.Error(err))
		return
	}

	started := 0
	blocked := false
	for _, id := range ids {
		running, err := s.store.CountRunning(ctx)
		if err != nil {
			s.logger.Error("Failed to count running jobs", zap.Error(err))
			return
		}
		if running >= limit {
			blocked = true
			break
		}

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
		}

		if err := s.engine.Request(ctx, id, PhaseExecuting, nil); err != nil {
			switch {
			case IsIllegalTransition(err), IsNotFound(err):
				// The job moved on between the snapshot and the claim.
				s.logger.Debug("Skipping job no longer startable",
					zap.String("job_id", id),
					zap.Error(err))
			case IsLocked(err):
				s.logger.Debug("Job busy, will retry on next pass",
					zap.String("job_id", id))
			default:
				// Request already drove the job to ERROR.
				s.logger.Warn("Failed to start job",
					zap.String("job_id", id),
					zap.Error(err))
			}
			continue
		}
		started++
	}

	if started == 0 && blocked {
		healed := s.SelfHeal(ctx)
		if healed > 0 {
			s.MarkDirty()
		}
	}
}

// SelfHeal verifies that every job holding a concurrency slot still has a
// live worker process and forces the dead ones to ERROR. Returns how many
// jobs were healed. The reaper delegates its liveness sweep here.
func (s *Scheduler) SelfHeal(ctx context.Context) int {
	if ctx == nil {
		ctx = context.Background()
	}

	jobs, err := s.store.RunningJobs(ctx)
	if err != nil {
		s.logger.Error("Failed to list running jobs", zap.Error(err))
		return 0
	}

	healed := 0
	for _, job := range jobs {
		if job.PID > 0 && isProcessAlive(job.PID) {
			continue
		}

		// Re-check under a fresh snapshot: the worker may have reported
		// between the listing and now.
		current, err := s.store.Get(ctx, job.ID)
		if err != nil || !current.Phase.HasWorker() {
			continue
		}

		perr := NewErrorPayload(&JobError{Op: "SelfHeal", JobID: job.ID, Err: ErrWorkerDied})
		if err := s.engine.RequestWithTimeout(ctx, job.ID, PhaseError, perr, s.healTimeout); err != nil {
			s.logger.Warn("Failed to heal dead-worker job",
				zap.String("job_id", job.ID),
				zap.Error(err))
			continue
		}

		s.logger.Warn("Worker process vanished; job flagged as failed",
			zap.String("job_id", job.ID),
			zap.Int("pid", job.PID))
		healed++
	}
	return healed
}
