// Package api exposes the journey engine's periodic passes as authenticated
// HTTP triggers, plus the read and write endpoints staff tools call.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/range-cupp/rangemedical-system-2-sub001/internal/appointments"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/clock"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/journey"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/labs"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/messaging"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/reminders"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/scheduler"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/store"
)

// Default configuration constants
const (
	// DefaultServerAddress is the default HTTP listen address
	DefaultServerAddress = ":8080"
	// DefaultJobPollInterval is how often queued jobs are polled
	DefaultJobPollInterval = 15 * time.Second
	// shutdownTimeout bounds graceful HTTP shutdown
	shutdownTimeout = 15 * time.Second
)

// Opts holds configuration for the API server.
type Opts struct {
	Addr               string
	CronSecret         string
	StaffSecret        string
	Location           *time.Location
	StaffPhone         string
	ClinicPhone        string
	FrontDeskPhone     string
	Concurrency        int
	NotificationWindow time.Duration
	EnableCron         bool
	JobPollInterval    time.Duration
}

// Option defines a functional option for configuring the API server.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithCronSecret sets the shared secret that authorizes trigger endpoints.
func WithCronSecret(secret string) Option {
	return func(o *Opts) { o.CronSecret = secret }
}

// WithStaffSecret sets the secret for staff routes. Without one, staff
// routes use the cron secret.
func WithStaffSecret(secret string) Option {
	return func(o *Opts) { o.StaffSecret = secret }
}

// WithLocation sets the clinic timezone.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) { o.Location = loc }
}

// WithStaffPhone sets the recipient of the staff lab digest.
func WithStaffPhone(phone string) Option {
	return func(o *Opts) { o.StaffPhone = phone }
}

// WithClinicPhone sets the number quoted in journey and reminder messages.
func WithClinicPhone(phone string) Option {
	return func(o *Opts) { o.ClinicPhone = phone }
}

// WithFrontDeskPhone sets the number quoted in cancellation messages.
func WithFrontDeskPhone(phone string) Option {
	return func(o *Opts) { o.FrontDeskPhone = phone }
}

// WithConcurrency sets how many protocols the orchestrator evaluates at once.
func WithConcurrency(n int) Option {
	return func(o *Opts) { o.Concurrency = n }
}

// WithNotificationWindow sets how far back the dispatcher looks for transitions.
func WithNotificationWindow(d time.Duration) Option {
	return func(o *Opts) { o.NotificationWindow = d }
}

// WithEnableCron runs the periodic passes in-process as well as on request.
func WithEnableCron(enabled bool) Option {
	return func(o *Opts) { o.EnableCron = enabled }
}

// WithJobPollInterval sets the job queue polling interval.
func WithJobPollInterval(d time.Duration) Option {
	return func(o *Opts) { o.JobPollInterval = d }
}

// Server wires the engine components to HTTP.
type Server struct {
	opts    Opts
	store   store.Store
	gateway messaging.Service
	clock   clock.Clock

	orchestrator *journey.Orchestrator
	dispatcher   *journey.Dispatcher
	completer    *journey.Completer
	reminders    *reminders.Scheduler
	cycles       *reminders.Cycles
	tracker      *labs.Tracker
	digest       *labs.Digest
	appointments *appointments.Service
	jobs         *store.JobRunner
}

// NewServer builds every engine component over st and gateway.
func NewServer(st store.Store, gateway messaging.Service, c clock.Clock, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultServerAddress, Location: time.UTC, JobPollInterval: DefaultJobPollInterval}
	for _, opt := range opts {
		opt(&cfg)
	}
	if c == nil {
		c = clock.System(cfg.Location)
	}

	var dispatchOpts []journey.DispatcherOption
	var reminderOpts []reminders.Option
	if cfg.ClinicPhone != "" {
		dispatchOpts = append(dispatchOpts, journey.WithClinicPhone(cfg.ClinicPhone))
		reminderOpts = append(reminderOpts, reminders.WithClinicPhone(cfg.ClinicPhone))
	}
	if cfg.NotificationWindow > 0 {
		dispatchOpts = append(dispatchOpts, journey.WithWindow(cfg.NotificationWindow))
	}
	apptOpts := []appointments.Option{appointments.WithLocation(cfg.Location)}
	if cfg.FrontDeskPhone != "" {
		apptOpts = append(apptOpts, appointments.WithFrontDeskPhone(cfg.FrontDeskPhone))
	}

	rem := reminders.NewScheduler(st, gateway, c, reminderOpts...)
	s := &Server{
		opts:         cfg,
		store:        st,
		gateway:      gateway,
		clock:        c,
		orchestrator: journey.NewOrchestrator(st, c, journey.WithConcurrency(cfg.Concurrency)),
		dispatcher:   journey.NewDispatcher(st, gateway, c, dispatchOpts...),
		completer:    journey.NewCompleter(st, c),
		reminders:    rem,
		cycles:       rem.Cycles(),
		tracker:      labs.NewTracker(st, c),
		digest:       labs.NewDigest(st, gateway, c, labs.WithStaffPhone(cfg.StaffPhone)),
		appointments: appointments.NewService(st, gateway, c, apptOpts...),
		jobs:         store.NewJobRunner(st, cfg.JobPollInterval, store.WithJobClock(c.Now)),
	}
	s.appointments.RegisterJobHandlers(s.jobs)
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)

	mux.HandleFunc("POST /cron/advance-journeys", s.requireTrigger(s.advanceJourneysHandler))
	mux.HandleFunc("POST /cron/journey-notifications", s.requireTrigger(s.journeyNotificationsHandler))
	mux.HandleFunc("POST /cron/reminders", s.requireTrigger(s.remindersHandler))
	mux.HandleFunc("POST /cron/lab-digest", s.requireTrigger(s.labDigestHandler))
	mux.HandleFunc("POST /cron/complete-protocols", s.requireTrigger(s.completeProtocolsHandler))

	mux.HandleFunc("GET /protocols/{id}/labs", s.requireStaff(s.protocolLabsHandler))
	mux.HandleFunc("POST /protocols/{id}/journey", s.requireStaff(s.startJourneyHandler))
	mux.HandleFunc("PUT /protocols/{id}/stage", s.requireStaff(s.manualAdvanceHandler))
	mux.HandleFunc("GET /patients/{id}/cycle", s.requireStaff(s.patientCycleHandler))
	mux.HandleFunc("PUT /appointments/{id}/status", s.requireStaff(s.appointmentStatusHandler))
	return mux
}

// schedule registers the periodic passes with the in-process cron.
func (s *Server) schedule(sched *scheduler.Scheduler) error {
	jobs := []struct {
		name string
		expr string
		task scheduler.Task
	}{
		{"advance-journeys", scheduler.EveryHour, func(ctx context.Context) error {
			if _, err := s.orchestrator.Run(ctx); err != nil {
				return err
			}
			_, err := s.dispatcher.Run(ctx)
			return err
		}},
		{"reminders", scheduler.DailyReminders, func(ctx context.Context) error {
			_, err := s.reminders.Run(ctx)
			return err
		}},
		{"lab-digest", scheduler.DailyLabDigest, func(ctx context.Context) error {
			_, err := s.digest.Run(ctx)
			return err
		}},
		{"complete-protocols", scheduler.DailyCloseout, func(ctx context.Context) error {
			_, err := s.completer.Run(ctx)
			return err
		}},
	}
	for _, j := range jobs {
		if err := sched.AddJob(j.name, j.expr, j.task); err != nil {
			return err
		}
	}
	return nil
}

// Run serves HTTP and processes queued jobs until ctx is cancelled or the
// process receives SIGINT or SIGTERM.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.gateway.Start(ctx); err != nil {
		return fmt.Errorf("start messaging service: %w", err)
	}
	defer func() {
		if err := s.gateway.Stop(); err != nil {
			slog.Warn("Server.Run: messaging service stop failed", "error", err)
		}
	}()

	if err := s.jobs.RecoverStaleJobs(ctx); err != nil {
		slog.Warn("Server.Run: recover stale jobs failed", "error", err)
	}
	jobsDone := make(chan struct{})
	go func() {
		defer close(jobsDone)
		s.jobs.Run(ctx)
	}()

	if s.opts.EnableCron {
		sched := scheduler.NewScheduler(scheduler.WithLocation(s.opts.Location))
		if err := s.schedule(sched); err != nil {
			return fmt.Errorf("schedule periodic passes: %w", err)
		}
		sched.Start()
		defer sched.Stop()
	}

	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr, "cron", s.opts.EnableCron)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		slog.Info("Server.Run: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server.Run: graceful shutdown failed", "error", err)
		}
	}
	stop()
	<-jobsDone
	return nil
}
