package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Job runner defaults.
const (
	DefaultJobPollInterval   = 10 * time.Second
	DefaultJobStaleThreshold = 5 * time.Minute
	DefaultJobClaimLimit     = 10
	DefaultJobBaseBackoff    = 30 * time.Second
	DefaultJobMaxBackoff     = 30 * time.Minute
	unhandledJobRetryDelay   = time.Minute
)

// JobHandler performs the work for one job kind given its payload JSON.
type JobHandler func(ctx context.Context, payload string) error

// JobRunnerOption configures a JobRunner.
type JobRunnerOption func(*JobRunner)

// WithClaimLimit caps how many jobs a single pass claims.
func WithClaimLimit(n int) JobRunnerOption {
	return func(r *JobRunner) {
		if n > 0 {
			r.claimLimit = n
		}
	}
}

// WithStaleThreshold sets how long a job may stay running before
// RecoverStaleJobs puts it back in the queue.
func WithStaleThreshold(d time.Duration) JobRunnerOption {
	return func(r *JobRunner) {
		if d > 0 {
			r.staleThreshold = d
		}
	}
}

// WithBackoff sets the first retry delay and the ceiling it doubles up to.
func WithBackoff(base, ceiling time.Duration) JobRunnerOption {
	return func(r *JobRunner) {
		if base > 0 {
			r.baseBackoff = base
		}
		if ceiling >= r.baseBackoff {
			r.maxBackoff = ceiling
		}
	}
}

// WithJobClock replaces time.Now for due checks and retry scheduling.
func WithJobClock(now func() time.Time) JobRunnerOption {
	return func(r *JobRunner) {
		if now != nil {
			r.now = now
		}
	}
}

// JobRunner executes queued jobs, such as appointment notifications, through
// handlers registered per kind. A failing job is retried with a doubling
// delay until its attempts run out.
type JobRunner struct {
	repo     JobRepo
	mu       sync.RWMutex
	handlers map[string]JobHandler

	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	baseBackoff    time.Duration
	maxBackoff     time.Duration
	now            func() time.Time
}

// NewJobRunner creates a runner polling repo every pollInterval.
func NewJobRunner(repo JobRepo, pollInterval time.Duration, opts ...JobRunnerOption) *JobRunner {
	if pollInterval <= 0 {
		pollInterval = DefaultJobPollInterval
	}
	r := &JobRunner{
		repo:           repo,
		handlers:       make(map[string]JobHandler),
		pollInterval:   pollInterval,
		staleThreshold: DefaultJobStaleThreshold,
		claimLimit:     DefaultJobClaimLimit,
		baseBackoff:    DefaultJobBaseBackoff,
		maxBackoff:     DefaultJobMaxBackoff,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterHandler binds handler to kind, replacing any earlier binding.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler) {
	r.mu.Lock()
	r.handlers[kind] = handler
	r.mu.Unlock()
	slog.Debug("JobRunner.RegisterHandler", "kind", kind)
}

func (r *JobRunner) handler(kind string) (JobHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// RecoverStaleJobs requeues jobs left running by a previous process. Call it
// once before Run.
func (r *JobRunner) RecoverStaleJobs(ctx context.Context) error {
	n, err := r.repo.RequeueStaleRunningJobs(ctx, r.now().Add(-r.staleThreshold))
	if err != nil {
		return fmt.Errorf("requeue stale jobs: %w", err)
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued", "count", n, "stale_threshold", r.staleThreshold)
	}
	return nil
}

// Run polls for due jobs until ctx is cancelled.
func (r *JobRunner) Run(ctx context.Context) {
	slog.Info("JobRunner.Run: started", "poll_interval", r.pollInterval, "claim_limit", r.claimLimit)
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("JobRunner.Run: stopped")
			return
		case <-ticker.C:
			r.RunDue(ctx)
		}
	}
}

// RetryDelay is the wait before the next try of a job that has failed
// attempt times: base, 2×base, 4×base and so on, capped at the ceiling.
func (r *JobRunner) RetryDelay(attempt int) time.Duration {
	delay := r.baseBackoff
	for i := 0; i < attempt; i++ {
		if delay >= r.maxBackoff/2 {
			return r.maxBackoff
		}
		delay *= 2
	}
	return min(delay, r.maxBackoff)
}

// RunDue runs one pass over the jobs due now and reports how many succeeded.
func (r *JobRunner) RunDue(ctx context.Context) int {
	now := r.now()
	jobs, err := r.repo.ClaimDueJobs(ctx, now, r.claimLimit)
	if err != nil {
		slog.Error("JobRunner.RunDue: claim failed", "error", err)
		return 0
	}

	succeeded := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			// Unstarted claims stay running until RecoverStaleJobs frees them.
			break
		}
		if r.execute(ctx, job, now) {
			succeeded++
		}
	}
	if len(jobs) > 0 {
		slog.Debug("JobRunner.RunDue: pass finished", "claimed", len(jobs), "succeeded", succeeded)
	}
	return succeeded
}

func (r *JobRunner) execute(ctx context.Context, job Job, now time.Time) bool {
	log := slog.With("job_id", job.ID, "kind", job.Kind, "attempt", job.Attempt)

	h, ok := r.handler(job.Kind)
	if !ok {
		log.Warn("JobRunner.execute: no handler registered")
		r.fail(ctx, log, job, fmt.Sprintf("no handler registered for kind %q", job.Kind), now.Add(unhandledJobRetryDelay))
		return false
	}

	if err := h(ctx, job.PayloadJSON); err != nil {
		delay := r.RetryDelay(job.Attempt)
		log.Error("JobRunner.execute: handler failed", "error", err, "retry_in", delay)
		r.fail(ctx, log, job, err.Error(), now.Add(delay))
		return false
	}

	if err := r.repo.CompleteJob(ctx, job.ID); err != nil {
		log.Error("JobRunner.execute: mark done failed", "error", err)
		return false
	}
	log.Debug("JobRunner.execute: done")
	return true
}

func (r *JobRunner) fail(ctx context.Context, log *slog.Logger, job Job, reason string, next time.Time) {
	if err := r.repo.FailJob(ctx, job.ID, reason, next); err != nil {
		log.Error("JobRunner.fail: record failure failed", "error", err)
	}
}
