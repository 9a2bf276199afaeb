package appointments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/range-cupp/rangemedical-system-2-sub001/internal/clock"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/journey"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/messaging"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/models"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/store"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/util"
)

const (
	// JobKindNotification is the job queued for status changes that notify
	// someone.
	JobKindNotification = "appointment_notification"
	// DefaultFrontDeskPhone is quoted in cancellation messages.
	DefaultFrontDeskPhone = "(949) 997-3988"

	notificationSourcePrefix = "appointment-notification:"
	channelInternal          = "internal"
)

// Repo is the slice of the store the appointment service needs.
type Repo interface {
	store.AppointmentRepo
	store.PatientRepo
	store.CommsRepo
	store.JobRepo
}

// Opts configures a Service.
type Opts struct {
	FrontDeskPhone string
	Location       *time.Location
}

// Option configures a Service.
type Option func(*Opts)

// WithFrontDeskPhone sets the phone number quoted in cancellation messages.
func WithFrontDeskPhone(phone string) Option {
	return func(o *Opts) { o.FrontDeskPhone = phone }
}

// WithLocation sets the timezone appointment times are rendered in.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) { o.Location = loc }
}

// Service applies status changes and handles their notification jobs.
type Service struct {
	repo    Repo
	gateway messaging.Service
	clock   clock.Clock
	opts    Opts
}

// NewService creates a Service.
func NewService(repo Repo, gateway messaging.Service, c clock.Clock, opts ...Option) *Service {
	cfg := Opts{FrontDeskPhone: DefaultFrontDeskPhone, Location: time.UTC}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Service{repo: repo, gateway: gateway, clock: c, opts: cfg}
}

// notificationPayload is the job payload for JobKindNotification.
type notificationPayload struct {
	AppointmentID string                   `json:"appointment_id"`
	Status        models.AppointmentStatus `json:"status"`
	EventID       string                   `json:"event_id"`
}

// NotificationDedupeKey identifies the one job allowed per appointment status.
func NotificationDedupeKey(appointmentID string, status models.AppointmentStatus) string {
	return fmt.Sprintf("appointment:%s:%s", appointmentID, status)
}

func notifies(status models.AppointmentStatus) bool {
	return status == models.AppointmentCancelled || status == models.AppointmentNoShow
}

// Transition moves an appointment to status, records the audit event and
// queues any notification. The status change is committed before the job is
// queued; a failure to queue is logged and does not undo it.
func (s *Service) Transition(ctx context.Context, appointmentID string, status models.AppointmentStatus, cancellationReason string) (*models.Appointment, error) {
	appt, err := s.repo.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("load appointment %s: %w", appointmentID, err)
	}
	if appt == nil {
		return nil, &journey.LookupError{Kind: "appointment", ID: appointmentID}
	}
	if err := Validate(appt.Status, status); err != nil {
		return nil, err
	}

	ev := models.AppointmentEvent{
		ID:            util.NewID("aev_"),
		AppointmentID: appt.ID,
		EventType:     string(status),
		OldStatus:     appt.Status,
		NewStatus:     status,
		CreatedAt:     s.clock.Now().UTC(),
	}
	if cancellationReason != "" {
		ev.Metadata = map[string]string{"cancellation_reason": cancellationReason}
	}
	if err := s.repo.UpdateAppointmentStatus(ctx, ev, cancellationReason); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("appointment %s changed while updating to %s: %w", appt.ID, status, ErrStatusConflict)
		}
		return nil, fmt.Errorf("update appointment %s: %w", appt.ID, err)
	}
	slog.Info("Service.Transition: status changed", "appointmentID", appt.ID, "from", appt.Status, "to", status)

	if notifies(status) {
		s.enqueue(ctx, notificationPayload{AppointmentID: appt.ID, Status: status, EventID: ev.ID}, ev.CreatedAt)
	}

	updated, err := s.repo.GetAppointment(ctx, appt.ID)
	if err != nil || updated == nil {
		appt.Status = status
		appt.UpdatedAt = ev.CreatedAt
		if cancellationReason != "" {
			appt.CancellationReason = cancellationReason
		}
		return appt, nil
	}
	return updated, nil
}

func (s *Service) enqueue(ctx context.Context, payload notificationPayload, runAt time.Time) {
	b, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Service.enqueue: encode payload", "appointmentID", payload.AppointmentID, "error", err)
		return
	}
	jobID, err := s.repo.EnqueueJob(ctx, JobKindNotification, runAt, string(b), NotificationDedupeKey(payload.AppointmentID, payload.Status))
	if err != nil {
		slog.Error("Service.enqueue: enqueue notification failed", "appointmentID", payload.AppointmentID, "status", payload.Status, "error", err)
		return
	}
	slog.Debug("Service.enqueue: notification queued", "appointmentID", payload.AppointmentID, "jobID", jobID)
}

// RegisterJobHandlers wires the notification job into runner.
func (s *Service) RegisterJobHandlers(runner *store.JobRunner) {
	runner.RegisterHandler(JobKindNotification, s.HandleNotification)
}

// HandleNotification executes one notification job. Returning an error makes
// the runner retry the job with backoff.
func (s *Service) HandleNotification(ctx context.Context, payloadJSON string) error {
	var payload notificationPayload
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return fmt.Errorf("decode notification payload: %w", err)
	}
	source := notificationSourcePrefix + payload.AppointmentID + ":" + string(payload.Status)
	done, err := s.repo.HasSentComm(ctx, source)
	if err != nil {
		return fmt.Errorf("check comms log: %w", err)
	}
	if done {
		slog.Debug("Service.HandleNotification: already handled", "source", source)
		return nil
	}

	appt, err := s.repo.GetAppointment(ctx, payload.AppointmentID)
	if err != nil {
		return fmt.Errorf("load appointment %s: %w", payload.AppointmentID, err)
	}
	if appt == nil {
		slog.Warn("Service.HandleNotification: appointment gone, dropping job", "appointmentID", payload.AppointmentID)
		return nil
	}

	switch payload.Status {
	case models.AppointmentCancelled:
		return s.sendCancellation(ctx, *appt, source)
	case models.AppointmentNoShow:
		return s.recordNoShow(ctx, *appt, source)
	default:
		slog.Warn("Service.HandleNotification: status has no notification", "status", payload.Status)
		return nil
	}
}

// recipient resolves the patient's name and phone, preferring the patient
// record over the copy on the appointment.
func (s *Service) recipient(ctx context.Context, appt models.Appointment) (name, phone string, err error) {
	name, phone = appt.PatientName, appt.PatientPhone
	if appt.PatientID == "" {
		return name, phone, nil
	}
	p, err := s.repo.GetPatient(ctx, appt.PatientID)
	if err != nil {
		return "", "", fmt.Errorf("load patient %s: %w", appt.PatientID, err)
	}
	if p != nil {
		if p.FullName() != "" {
			name = p.FullName()
		}
		if p.Phone != "" {
			phone = p.Phone
		}
	}
	return name, phone, nil
}

// CancellationMessage renders the patient SMS for a cancelled appointment.
func (s *Service) CancellationMessage(firstName string, appt models.Appointment) string {
	if firstName == "" {
		firstName = "there"
	}
	when := appt.StartTime.In(s.opts.Location).Format("Monday, January 2")
	return fmt.Sprintf("Hi %s, your %s appointment on %s has been cancelled. Please call %s to reschedule.",
		firstName, appt.ServiceName, when, s.opts.FrontDeskPhone)
}

func (s *Service) sendCancellation(ctx context.Context, appt models.Appointment, source string) error {
	name, phone, err := s.recipient(ctx, appt)
	if err != nil {
		return err
	}
	if phone == "" {
		slog.Info("Service.sendCancellation: no phone on file, not notifying", "appointmentID", appt.ID)
		return nil
	}
	body := s.CancellationMessage(firstWord(name), appt)
	entry := models.CommsLogEntry{
		PatientID:   appt.PatientID,
		Channel:     s.gateway.Channel(),
		MessageType: "appointment_cancellation",
		Message:     body,
		Source:      source,
		Recipient:   phone,
	}
	externalID, sendErr := s.gateway.SendMessage(ctx, phone, body)
	if sendErr != nil {
		entry.Status = models.CommsError
		entry.ErrorMessage = sendErr.Error()
		if err := s.repo.LogComm(ctx, entry); err != nil {
			slog.Error("Service.sendCancellation: log failed send", "appointmentID", appt.ID, "error", err)
		}
		return fmt.Errorf("send cancellation for %s: %w", appt.ID, sendErr)
	}
	entry.Status = models.CommsSent
	entry.ExternalID = externalID
	if err := s.repo.LogComm(ctx, entry); err != nil {
		return fmt.Errorf("log cancellation for %s: %w", appt.ID, err)
	}
	slog.Info("Service.sendCancellation: patient notified", "appointmentID", appt.ID)
	return nil
}

func (s *Service) recordNoShow(ctx context.Context, appt models.Appointment, source string) error {
	name, _, err := s.recipient(ctx, appt)
	if err != nil {
		return err
	}
	if name == "" {
		name = "Unknown patient"
	}
	entry := models.CommsLogEntry{
		PatientID:   appt.PatientID,
		Channel:     channelInternal,
		MessageType: "appointment_no_show",
		Message:     fmt.Sprintf("No-show: %s - %s", name, appt.ServiceName),
		Source:      source,
		Status:      models.CommsSent,
	}
	if err := s.repo.LogComm(ctx, entry); err != nil {
		return fmt.Errorf("log no-show for %s: %w", appt.ID, err)
	}
	slog.Info("Service.recordNoShow: staff alert logged", "appointmentID", appt.ID)
	return nil
}

func firstWord(s string) string {
	for i, r := range s {
		if r == ' ' {
			return s[:i]
		}
	}
	return s
}
