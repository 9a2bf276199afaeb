// Package reminders sends calendar-offset check-in and re-up messages for
// recovery peptide protocols and tracks usage of the shared recovery cycle.
//
// Each protocol gets at most one message per run. A phase is sent at most
// once: the protocol log entry written after a successful send is what
// suppresses every later attempt.
package reminders

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/range-cupp/rangemedical-system-2-sub001/internal/clock"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/journey"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/messaging"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/models"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/store"
)

const (
	// DefaultResponseWindowDays is how close to a check-in's expected day a
	// patient response must be to cancel the follow-up.
	DefaultResponseWindowDays = 3
	// DefaultClinicPhone is quoted in reminder messages.
	DefaultClinicPhone = "(949) 438-3881"

	catchUpDays         = 2
	longCheckInWeeks    = 3
	sourcePrefix        = "reminders:"
	messageTypeReminder = "peptide_reminder"

	// EndingAlertDays is how close to its end date a protocol must be for a
	// staff alert.
	EndingAlertDays   = 3
	endingAlertPrefix = "protocol-ending:"
	messageTypeEnding = "protocol_ending"
	channelInternal   = "internal"
)

// Duration bands in days, inclusive.
const (
	shortMinDays = 8
	shortMaxDays = 14
	longMinDays  = 25
	longMaxDays  = 35
)

// Repo is the slice of the store the scheduler needs.
type Repo interface {
	store.ProtocolRepo
	store.PatientRepo
	store.ProtocolLogRepo
	store.CommsRepo
}

// Opts configures a Scheduler.
type Opts struct {
	ResponseWindowDays int
	ClinicPhone        string
}

// Option configures a Scheduler.
type Option func(*Opts)

// WithResponseWindowDays sets the check-in response tolerance.
func WithResponseWindowDays(days int) Option {
	return func(o *Opts) { o.ResponseWindowDays = days }
}

// WithClinicPhone sets the phone number quoted in messages.
func WithClinicPhone(phone string) Option {
	return func(o *Opts) { o.ClinicPhone = phone }
}

// phase is one message a protocol may receive.
type phase struct {
	logType string
	from    int // first elapsed day, inclusive
	to      int // last elapsed day, inclusive
	week    int // check-in week for check-ins and their follow-ups
	// followUp phases only fire after an unanswered check-in.
	followUp bool
	reUp     bool
	short    bool
}

func (ph phase) open(elapsed int) bool {
	return elapsed >= ph.from && elapsed <= ph.to
}

// phasesFor returns the phases for a protocol lasting duration days, in the
// order they are tried.
func phasesFor(duration int) []phase {
	switch {
	case duration >= shortMinDays && duration <= shortMaxDays:
		return []phase{{logType: models.LogTypeFollowUp, from: 7, to: 7 + catchUpDays, short: true}}
	case duration >= longMinDays && duration <= longMaxDays:
		var out []phase
		for w := 1; w <= longCheckInWeeks; w++ {
			day := 7 * w
			out = append(out,
				phase{logType: fmt.Sprintf(models.LogTypeCheckInFmt, w), from: day, to: day + catchUpDays, week: w},
				phase{logType: fmt.Sprintf(models.LogTypeFollowUpFmt, w), from: day + 1, to: day + 1 + catchUpDays, week: w, followUp: true},
			)
		}
		return append(out, phase{logType: models.LogTypeReUp, from: 25, to: 25 + catchUpDays, reUp: true})
	default:
		return nil
	}
}

// Scheduler runs the daily reminder pass.
type Scheduler struct {
	repo    Repo
	gateway messaging.Service
	clock   clock.Clock
	cycles  *Cycles
	opts    Opts
}

// NewScheduler creates a Scheduler.
func NewScheduler(repo Repo, gateway messaging.Service, c clock.Clock, opts ...Option) *Scheduler {
	cfg := Opts{ResponseWindowDays: DefaultResponseWindowDays, ClinicPhone: DefaultClinicPhone}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Scheduler{repo: repo, gateway: gateway, clock: c, cycles: NewCycles(repo, c), opts: cfg}
}

// Cycles returns the cycle calculator the scheduler uses.
func (s *Scheduler) Cycles() *Cycles { return s.cycles }

// Eligible reports whether a protocol takes part in reminders at all.
func Eligible(p models.Protocol) bool {
	return p.Status == models.ProtocolStatusActive && p.RemindersEnabled &&
		IsRecoveryPeptide(p.Medication) && p.HasStartDate() && p.HasEndDate()
}

// Run sends at most one reminder to each eligible protocol. Errors for one
// protocol are recorded and do not stop the run.
func (s *Scheduler) Run(ctx context.Context) (models.ReminderSummary, error) {
	summary := models.ReminderSummary{Errors: []string{}, Details: []models.ReminderResult{}}
	protocols, err := s.repo.ListActiveProtocols(ctx)
	if err != nil {
		return summary, fmt.Errorf("list active protocols: %w", err)
	}
	today := clock.Today(s.clock)

	for _, p := range protocols {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		if !Eligible(p) {
			continue
		}
		res, ok := s.remind(ctx, p, today)
		if !ok || res.Status == models.ResultSkipped {
			alerted, err := s.alertEnding(ctx, p, today)
			if err != nil {
				summary.Errors = append(summary.Errors, fmt.Sprintf("protocol %s: ending alert: %v", p.ID, err))
			} else if alerted {
				summary.Alerts++
			}
		}
		if !ok {
			continue
		}
		switch res.Status {
		case models.ResultSent:
			summary.Sent++
		case models.ResultSkipped:
			summary.Skipped++
		default:
			summary.Errors = append(summary.Errors, fmt.Sprintf("protocol %s: %s", p.ID, res.Reason))
		}
		summary.Details = append(summary.Details, res)
	}
	slog.Info("Scheduler.Run complete", "sent", summary.Sent, "skipped", summary.Skipped, "alerts", summary.Alerts, "errors", len(summary.Errors))
	return summary, nil
}

// remind tries the protocol's phases in order and acts on the first one that
// is due. It returns false when nothing is due.
func (s *Scheduler) remind(ctx context.Context, p models.Protocol, today time.Time) (models.ReminderResult, bool) {
	res := models.ReminderResult{ProtocolID: p.ID, PatientID: p.PatientID}
	fail := func(err error) (models.ReminderResult, bool) {
		res.Status = models.ResultError
		res.Reason = err.Error()
		slog.Warn("Scheduler.remind failed", "protocolID", p.ID, "type", res.Type, "error", err)
		return res, true
	}

	elapsed := clock.DaysBetween(p.StartDate, today)
	duration := clock.DaysBetween(p.StartDate, p.EndDate)
	var due *phase
	for _, ph := range phasesFor(duration) {
		if !ph.open(elapsed) {
			continue
		}
		ok, err := s.sendable(ctx, p, ph, today)
		if err != nil {
			res.Type = ph.logType
			return fail(err)
		}
		if ok {
			due = &ph
			break
		}
	}
	if due == nil {
		return res, false
	}
	res.Type = due.logType

	patient, err := s.repo.GetPatient(ctx, p.PatientID)
	if err != nil {
		return fail(fmt.Errorf("load patient: %w", err))
	}
	if patient == nil {
		return fail(&journey.LookupError{Kind: "patient", ID: p.PatientID, Ref: "protocol " + p.ID})
	}
	if patient.Phone == "" {
		res.Status = models.ResultSkipped
		res.Reason = "no phone on file"
		slog.Debug("Scheduler.remind: patient has no phone", "protocolID", p.ID, "patientID", p.PatientID)
		return res, true
	}

	body, err := s.message(ctx, *due, p, *patient)
	if err != nil {
		return fail(err)
	}
	entry := models.CommsLogEntry{
		PatientID:   patient.ID,
		ProtocolID:  p.ID,
		Channel:     s.gateway.Channel(),
		MessageType: messageTypeReminder,
		Message:     body,
		Source:      sourcePrefix + due.logType,
		Recipient:   patient.Phone,
	}
	externalID, sendErr := s.gateway.SendMessage(ctx, patient.Phone, body)
	if sendErr != nil {
		entry.Status = models.CommsError
		entry.ErrorMessage = sendErr.Error()
		if err := s.repo.LogComm(ctx, entry); err != nil {
			slog.Error("Scheduler.remind: log failed send", "protocolID", p.ID, "error", err)
		}
		return fail(fmt.Errorf("send %s: %w", due.logType, sendErr))
	}
	entry.Status = models.CommsSent
	entry.ExternalID = externalID
	if err := s.repo.LogComm(ctx, entry); err != nil {
		slog.Error("Scheduler.remind: log sent message", "protocolID", p.ID, "error", err)
	}

	inserted, err := s.repo.AddProtocolLog(ctx, models.ProtocolLog{
		ProtocolID: p.ID,
		PatientID:  p.PatientID,
		LogType:    due.logType,
		LogDate:    today,
		Notes:      body,
	})
	if err != nil {
		return fail(fmt.Errorf("record %s: %w", due.logType, err))
	}
	if !inserted {
		slog.Warn("Scheduler.remind: reminder already recorded by a concurrent run", "protocolID", p.ID, "type", due.logType)
	}
	res.Status = models.ResultSent
	slog.Info("Scheduler: reminder sent", "protocolID", p.ID, "type", due.logType, "elapsed", elapsed)
	return res, true
}

// EndingAlertSource is the comms source deduplicating a protocol's ending
// alert.
func EndingAlertSource(protocolID string) string {
	return endingAlertPrefix + protocolID
}

// alertEnding writes one internal staff alert for a protocol ending within
// EndingAlertDays. It reports whether an alert was written.
func (s *Scheduler) alertEnding(ctx context.Context, p models.Protocol, today time.Time) (bool, error) {
	remaining := clock.DaysBetween(today, p.EndDate)
	if remaining < 0 || remaining > EndingAlertDays {
		return false, nil
	}
	source := EndingAlertSource(p.ID)
	done, err := s.repo.HasSentComm(ctx, source)
	if err != nil {
		return false, fmt.Errorf("check %s: %w", source, err)
	}
	if done {
		return false, nil
	}

	name := "Unknown patient"
	patient, err := s.repo.GetPatient(ctx, p.PatientID)
	if err != nil {
		return false, fmt.Errorf("load patient: %w", err)
	}
	if patient != nil && patient.FullName() != "" {
		name = patient.FullName()
	}
	entry := models.CommsLogEntry{
		PatientID:   p.PatientID,
		ProtocolID:  p.ID,
		Channel:     channelInternal,
		MessageType: messageTypeEnding,
		Message:     fmt.Sprintf("%s - %s protocol ends %s (%d days left)", name, p.Medication, p.EndDate.Format("Jan 2"), remaining),
		Source:      source,
		Status:      models.CommsSent,
	}
	if err := s.repo.LogComm(ctx, entry); err != nil {
		return false, fmt.Errorf("log ending alert: %w", err)
	}
	slog.Info("Scheduler.alertEnding: staff alert logged", "protocolID", p.ID, "daysRemaining", remaining)
	return true, nil
}

// sendable checks the store for a phase that is inside its window.
func (s *Scheduler) sendable(ctx context.Context, p models.Protocol, ph phase, today time.Time) (bool, error) {
	sent, err := s.repo.HasProtocolLog(ctx, p.ID, ph.logType)
	if err != nil {
		return false, fmt.Errorf("check %s: %w", ph.logType, err)
	}
	if sent {
		return false, nil
	}
	if !ph.followUp {
		return true, nil
	}

	// The check-in must have gone out on an earlier day.
	checkIn := fmt.Sprintf(models.LogTypeCheckInFmt, ph.week)
	asked, err := s.repo.HasProtocolLogBetween(ctx, p.ID, checkIn, p.StartDate, clock.AddDays(today, -1))
	if err != nil {
		return false, fmt.Errorf("check %s: %w", checkIn, err)
	}
	if !asked {
		return false, nil
	}
	expected := clock.AddDays(p.StartDate, 7*ph.week)
	w := s.opts.ResponseWindowDays
	answered, err := s.repo.HasProtocolLogBetween(ctx, p.ID, models.LogTypeResponse, clock.AddDays(expected, -w), clock.AddDays(expected, w))
	if err != nil {
		return false, fmt.Errorf("check responses: %w", err)
	}
	return !answered, nil
}

func (s *Scheduler) message(ctx context.Context, ph phase, p models.Protocol, patient models.Patient) (string, error) {
	name := patient.DisplayName()
	med := p.Medication
	phone := s.opts.ClinicPhone
	switch {
	case ph.short:
		return fmt.Sprintf("Hi %s, checking in on your %s protocol. How is your recovery going? Reply here or call %s with any questions. - Range Medical", name, med, phone), nil
	case ph.followUp:
		return fmt.Sprintf("Hi %s, we didn't hear back after your week %d check-in. Reply anytime, or call %s if anything has changed. - Range Medical", name, ph.week, phone), nil
	case ph.reUp:
		used, err := s.cycles.DaysUsed(ctx, p)
		if err != nil {
			return "", err
		}
		if CycleMaxDays-used <= CycleNearCapDays {
			return fmt.Sprintf("Hi %s, your %s protocol wraps up soon and you're nearing the end of your %d-day recovery cycle. A %d-day rest is required before starting again. Call %s to plan your next steps. - Range Medical", name, med, CycleMaxDays, CycleOffDays, phone), nil
		}
		return fmt.Sprintf("Hi %s, your %s protocol wraps up soon. Ready for another round? Reply or call %s to set it up. - Range Medical", name, med, phone), nil
	default:
		return fmt.Sprintf("Hi %s! Week %d check-in on your %s protocol. How are you feeling? Reply to this message with any questions. - Range Medical", name, ph.week, med), nil
	}
}
