package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/sitewatch/internal/domain"
	"github.com/hamed0406/sitewatch/internal/repo"
)

// JobRunner runs one evaluation cycle for a job.
type JobRunner interface {
	Run(ctx context.Context, id domain.JobID) (Report, error)
}

// Rechecker triggers an evaluation of every job on a fixed interval.
type Rechecker struct {
	Logger   *zap.Logger
	Jobs     repo.StateStore
	Runner   JobRunner
	Interval time.Duration
}

func NewRechecker(logger *zap.Logger, jobs repo.StateStore, runner JobRunner, interval time.Duration) *Rechecker {
	if interval < 0 {
		interval = 0
	}
	return &Rechecker{
		Logger:   logger,
		Jobs:     jobs,
		Runner:   runner,
		Interval: interval,
	}
}

// Run starts the loop. It does an immediate pass, then runs each tick.
// Stops when ctx is cancelled.
func (r *Rechecker) Run(ctx context.Context) {
	if r.Interval == 0 {
		r.Logger.Info("rechecker_disabled")
		return
	}
	t := time.NewTicker(r.Interval)
	defer t.Stop()

	r.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			r.Logger.Info("rechecker_stopped")
			return
		case <-t.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce evaluates every job once, each on its own goroutine, and waits
// for all of them. Concurrency is bounded by the runner.
func (r *Rechecker) RunOnce(ctx context.Context) {
	jobs, err := r.Jobs.List(ctx)
	if err != nil {
		r.Logger.Warn("rechecker_list_error", zap.Error(err))
		return
	}

	var wg sync.WaitGroup
	for _, j := range jobs {
		id, url := j.ID, j.URL
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Runner.Run(ctx, id); err != nil && !errors.Is(err, ErrInFlight) {
				r.Logger.Warn("rechecker_run_error",
					zap.String("job_id", string(id)),
					zap.String("url", url),
					zap.Error(err),
				)
			}
		}()
	}
	wg.Wait()
}
