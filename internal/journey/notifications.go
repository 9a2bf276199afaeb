package journey

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/range-cupp/rangemedical-system-2-sub001/internal/clock"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/messaging"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/models"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/store"
)

const (
	// DefaultNotificationWindow is how far back each run looks for transitions.
	DefaultNotificationWindow = 2 * time.Hour
	// DefaultClaimTTL bounds how long a crashed run can hold an event.
	DefaultClaimTTL = 10 * time.Minute
	// DefaultClinicPhone is quoted in patient messages.
	DefaultClinicPhone = "(949) 438-3881"

	notificationSourcePrefix = "journey-notification:"
	messageTypeJourneyStage  = "journey_stage"
)

// StageMessage is the SMS sent when a protocol enters a stage. Format takes
// the patient's first name and the clinic phone number, in that order.
type StageMessage struct {
	Format string
}

// stageMessages lists the stages that notify the patient. Other stages are
// silent.
var stageMessages = map[string]StageMessage{
	"baseline_labs": {
		Format: "Hi %[1]s, your baseline labs have been ordered. Please schedule your blood draw at your earliest convenience. Call us at %[2]s or book online.",
	},
	"protocol_started": {
		Format: "Hi %[1]s, your HRT protocol is now active! Remember to follow your dosing schedule. Contact us with any questions: %[2]s.",
	},
	"week4_checkin": {
		Format: "Hi %[1]s, it's been 4 weeks on your HRT protocol. How are you feeling? Reply to this message or call %[2]s to discuss your progress.",
	},
	"week8_labs": {
		Format: "Hi %[1]s, it's time for your 8-week follow-up labs. Please schedule your blood draw. Book online or call %[2]s.",
	},
	"renewal": {
		Format: "Hi %[1]s, your protocol is coming up for renewal. Please contact us to discuss continuing your treatment: %[2]s.",
	},
	"midpoint": {
		Format: "Hi %[1]s, you've reached the midpoint of your program! Let's check in on your progress. Call %[2]s or reply here.",
	},
	"target_dose": {
		Format: "Hi %[1]s, great news! You've reached your target dose. We'll continue monitoring your progress. Contact us anytime: %[2]s.",
	},
	"completion": {
		Format: "Hi %[1]s, your weight loss protocol is nearing completion. Let's discuss your results and next steps. Call %[2]s to schedule.",
	},
	"midpoint_review": {
		Format: "Hi %[1]s, you're at the midpoint of your peptide cycle. How's it going? Reply or call %[2]s for a check-in.",
	},
	"cycle_complete": {
		Format: "Hi %[1]s, your peptide cycle is complete. Let's discuss your results and whether to continue. Call %[2]s.",
	},
	"completing": {
		Format: "Hi %[1]s, you're in the final stretch of your sessions! Make sure to schedule your remaining appointments. Call %[2]s.",
	},
}

// MessageForStage returns the notification for stage, if it has one.
func MessageForStage(stage string) (StageMessage, bool) {
	m, ok := stageMessages[stage]
	return m, ok
}

// NotificationSource is the idempotency key for an event's notification.
func NotificationSource(eventID string) string {
	return notificationSourcePrefix + eventID
}

// NotifyRepo is the slice of the store the dispatcher needs.
type NotifyRepo interface {
	store.TransitionRepo
	store.PatientRepo
	store.CommsRepo
	store.DispatchClaimRepo
}

// DispatcherOpts configures a Dispatcher.
type DispatcherOpts struct {
	Window      time.Duration
	ClaimTTL    time.Duration
	ClinicPhone string
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*DispatcherOpts)

// WithWindow sets the transition lookback window.
func WithWindow(d time.Duration) DispatcherOption {
	return func(o *DispatcherOpts) { o.Window = d }
}

// WithClaimTTL sets how long an unfinished claim blocks other runs.
func WithClaimTTL(d time.Duration) DispatcherOption {
	return func(o *DispatcherOpts) { o.ClaimTTL = d }
}

// WithClinicPhone sets the phone number quoted in messages.
func WithClinicPhone(phone string) DispatcherOption {
	return func(o *DispatcherOpts) { o.ClinicPhone = phone }
}

// Dispatcher sends one message per qualifying transition event.
type Dispatcher struct {
	repo    NotifyRepo
	gateway messaging.Service
	clock   clock.Clock
	opts    DispatcherOpts
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(repo NotifyRepo, gateway messaging.Service, c clock.Clock, opts ...DispatcherOption) *Dispatcher {
	cfg := DispatcherOpts{
		Window:      DefaultNotificationWindow,
		ClaimTTL:    DefaultClaimTTL,
		ClinicPhone: DefaultClinicPhone,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Dispatcher{repo: repo, gateway: gateway, clock: c, opts: cfg}
}

// Run notifies patients about transitions inside the lookback window. An
// event with a successful send on record is skipped; a failed send is logged
// and left for the next run.
func (d *Dispatcher) Run(ctx context.Context) (models.NotificationSummary, error) {
	summary := models.NotificationSummary{Notifications: []models.NotificationResult{}, Errors: []string{}}
	now := d.clock.Now()
	events, err := d.repo.ListTransitionsSince(ctx, now.Add(-d.opts.Window).UTC())
	if err != nil {
		return summary, fmt.Errorf("list recent transitions: %w", err)
	}
	summary.Found = len(events)

	for _, ev := range events {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		msg, ok := stageMessages[ev.ToStage]
		if !ok {
			continue
		}
		res := d.notify(ctx, ev, msg)
		switch res.Status {
		case models.ResultSent:
			summary.Notified++
		case models.ResultSkipped:
			summary.Skipped++
		default:
			summary.Errors = append(summary.Errors, res.Reason)
		}
		summary.Notifications = append(summary.Notifications, res)
	}
	slog.Info("Dispatcher.Run complete", "found", summary.Found, "notified", summary.Notified, "skipped", summary.Skipped, "errors", len(summary.Errors))
	return summary, nil
}

func (d *Dispatcher) notify(ctx context.Context, ev models.TransitionEvent, msg StageMessage) models.NotificationResult {
	res := models.NotificationResult{EventID: ev.ID, ProtocolID: ev.ProtocolID, Stage: ev.ToStage}
	fail := func(err error) models.NotificationResult {
		res.Status = models.ResultError
		res.Reason = err.Error()
		return res
	}
	skip := func(reason string) models.NotificationResult {
		res.Status = models.ResultSkipped
		res.Reason = reason
		return res
	}
	source := NotificationSource(ev.ID)

	done, err := d.repo.HasSentComm(ctx, source)
	if err != nil {
		return fail(fmt.Errorf("event %s: check comms log: %w", ev.ID, err))
	}
	if done {
		return skip("already notified")
	}
	now := d.clock.Now().UTC()
	claimed, err := d.repo.ClaimDispatch(ctx, source, now, d.opts.ClaimTTL)
	if err != nil {
		return fail(fmt.Errorf("event %s: claim: %w", ev.ID, err))
	}
	if !claimed {
		return skip("claimed by another run")
	}
	release := func() {
		if err := d.repo.ReleaseDispatch(ctx, source); err != nil {
			slog.Error("Dispatcher: release claim failed", "source", source, "error", err)
		}
	}

	patient, err := d.repo.GetPatient(ctx, ev.PatientID)
	if err != nil {
		release()
		return fail(fmt.Errorf("event %s: load patient: %w", ev.ID, err))
	}
	if patient == nil {
		release()
		return fail(&LookupError{Kind: "patient", ID: ev.PatientID, Ref: "event " + ev.ID})
	}
	if patient.Phone == "" {
		release()
		slog.Debug("Dispatcher: patient has no phone, skipping", "patientID", patient.ID, "eventID", ev.ID)
		return skip("no phone on file")
	}

	body := fmt.Sprintf(msg.Format, patient.DisplayName(), d.opts.ClinicPhone)
	entry := models.CommsLogEntry{
		PatientID:   patient.ID,
		ProtocolID:  ev.ProtocolID,
		Channel:     d.gateway.Channel(),
		MessageType: messageTypeJourneyStage,
		Message:     body,
		Source:      source,
		Recipient:   patient.Phone,
	}
	externalID, sendErr := d.gateway.SendMessage(ctx, patient.Phone, body)
	if sendErr != nil {
		derr := &DeliveryError{EventID: ev.ID, Channel: entry.Channel, Err: sendErr}
		entry.Status = models.CommsError
		entry.Message = fmt.Sprintf("Journey notification failed for stage %s", ev.ToStage)
		entry.ErrorMessage = sendErr.Error()
		if err := d.repo.LogComm(ctx, entry); err != nil {
			slog.Error("Dispatcher: log failed send", "eventID", ev.ID, "error", err)
		}
		release()
		slog.Warn("Dispatcher: send failed", "eventID", ev.ID, "error", sendErr)
		return fail(derr)
	}

	entry.Status = models.CommsSent
	entry.ExternalID = externalID
	if err := d.repo.LogComm(ctx, entry); err != nil {
		slog.Error("Dispatcher: log sent message", "eventID", ev.ID, "error", err)
	}
	if err := d.repo.CompleteDispatch(ctx, source, externalID, now); err != nil {
		slog.Error("Dispatcher: complete claim failed", "source", source, "error", err)
	}
	res.Status = models.ResultSent
	slog.Info("Dispatcher: notified patient", "eventID", ev.ID, "stage", ev.ToStage, "patientID", patient.ID)
	return res
}
