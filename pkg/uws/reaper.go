package uws

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ReaperConfig configures the periodic sweep.
type ReaperConfig struct {
	Store     *Store
	Engine    *Engine
	Scheduler *Scheduler
	Logger    *zap.Logger

	// Interval between sweeps. Zero uses 12h.
	Interval time.Duration

	// LockTimeout bounds per-job claim waits so one stuck job cannot
	// stall the whole sweep. Zero uses 2s.
	LockTimeout time.Duration

	// OnSweep, when set, is called after every sweep with the number of
	// jobs destroyed.
	OnSweep func(destroyed int)
}

// Reaper periodically expires jobs past their destruction time and, via
// the scheduler's self-healing pass, catches executing jobs whose worker
// vanished between scheduler cycles.
type Reaper struct {
	store       *Store
	engine      *Engine
	scheduler   *Scheduler
	logger      *zap.Logger
	interval    time.Duration
	lockTimeout time.Duration
	onSweep     func(int)
}

// NewReaper builds a reaper. The scheduler is optional; without it only
// the expiry sweep runs.
func NewReaper(cfg ReaperConfig) *Reaper {
	r := &Reaper{
		store:       cfg.Store,
		engine:      cfg.Engine,
		scheduler:   cfg.Scheduler,
		logger:      cfg.Logger,
		interval:    cfg.Interval,
		lockTimeout: cfg.LockTimeout,
		onSweep:     cfg.OnSweep,
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.interval <= 0 {
		r.interval = 12 * time.Hour
	}
	if r.lockTimeout <= 0 {
		r.lockTimeout = 2 * time.Second
	}
	return r
}

// Run sweeps once at startup and then on every tick until the context
// ends.
func (r *Reaper) Run(ctx context.Context) {
	r.SweepOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one expiry sweep plus one liveness pass and returns how
// many jobs were destroyed. Locked and vanished jobs are tolerated: they
// are logged and retried on the next cycle.
func (r *Reaper) SweepOnce(ctx context.Context) int {
	if ctx == nil {
		ctx = context.Background()
	}

	destroyed := r.expire(ctx)

	if r.scheduler != nil {
		r.scheduler.SelfHeal(ctx)
	}

	if r.onSweep != nil {
		r.onSweep(destroyed)
	}
	return destroyed
}

func (r *Reaper) expire(ctx context.Context) int {
	ids, err := r.store.ExpiredJobIDs(ctx, time.Now().UTC())
	if err != nil {
		r.logger.Error("Failed to list expired jobs", zap.Error(err))
		return 0
	}

	destroyed := 0
	for _, id := range ids {
		if err := r.engine.RequestWithTimeout(ctx, id, PhaseDestroyed, nil, r.lockTimeout); err != nil {
			switch {
			case IsNotFound(err):
				// Already gone.
			case IsLocked(err):
				r.logger.Debug("Expired job busy, will retry next cycle",
					zap.String("job_id", id))
			default:
				r.logger.Warn("Failed to destroy expired job",
					zap.String("job_id", id),
					zap.Error(err))
			}
			continue
		}

		if err := r.store.Delete(ctx, id); err != nil && !IsNotFound(err) {
			r.logger.Warn("Failed to delete destroyed job",
				zap.String("job_id", id),
				zap.Error(err))
			continue
		}

		r.logger.Info("Destroyed expired job", zap.String("job_id", id))
		destroyed++
	}

	if destroyed > 0 && r.scheduler != nil {
		r.scheduler.MarkDirty()
	}
	return destroyed
}
