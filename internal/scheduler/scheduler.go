// Package scheduler runs the engine's periodic passes in-process on cron
// schedules evaluated in the clinic's timezone.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Default schedules, in the scheduler's location.
const (
	EveryHour      = "0 * * * *"
	DailyReminders = "0 8 * * *"
	DailyLabDigest = "0 7 * * *"
	DailyCloseout  = "5 0 * * *"
)

// DefaultJobTimeout bounds one execution of a task.
const DefaultJobTimeout = 10 * time.Minute

// Task is one periodic pass.
type Task func(ctx context.Context) error

// Opts configures a Scheduler.
type Opts struct {
	Location *time.Location
	Timeout  time.Duration
}

// Option configures a Scheduler.
type Option func(*Opts)

// WithLocation sets the timezone cron expressions are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) { o.Location = loc }
}

// WithTimeout bounds each task execution.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron   *cron.Cron
	opts   Opts
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	names []string
}

// NewScheduler creates a scheduler. Call Start to begin running jobs.
func NewScheduler(opts ...Option) *Scheduler {
	cfg := Opts{Location: time.UTC, Timeout: DefaultJobTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	// Standard 5-field cron parser (min, hour, dom, month, dow) plus @every descriptors.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(cfg.Location),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{cron: c, opts: cfg, ctx: ctx, cancel: cancel}
}

// AddJob schedules task under name using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(name, expr string, task Task) error {
	_, err := s.cron.AddFunc(expr, func() { s.run(name, task) })
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, expr, err)
	}
	s.mu.Lock()
	s.names = append(s.names, name)
	s.mu.Unlock()
	slog.Debug("Scheduler.AddJob", "name", name, "expr", expr, "location", s.opts.Location.String())
	return nil
}

func (s *Scheduler) run(name string, task Task) {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.Timeout)
	defer cancel()
	start := time.Now()
	if err := task(ctx); err != nil {
		slog.Error("Scheduler.run: job failed", "name", name, "duration", time.Since(start), "error", err)
		return
	}
	slog.Info("Scheduler.run: job finished", "name", name, "duration", time.Since(start))
}

// Jobs returns the names of the scheduled jobs.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.names...)
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("Scheduler.Start: cron started", "jobs", len(s.Jobs()))
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}
