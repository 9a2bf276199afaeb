package appointments

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/range-cupp/rangemedical-system-2-sub001/internal/clock"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/journey"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/messaging"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/models"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/store"
)

func newTestService(t *testing.T) (*store.InMemoryStore, *messaging.MockService, *Service) {
	t.Helper()
	ctx := context.Background()
	s := store.NewInMemoryStore()
	s.SavePatient(ctx, models.Patient{ID: "pat_1", FirstName: "Dana", LastName: "Reyes", Phone: "+15550000001"})
	gw := messaging.NewMockService()
	return s, gw, NewService(s, gw, clock.System(time.UTC))
}

func saveAppointment(t *testing.T, s *store.InMemoryStore, id string, status models.AppointmentStatus) {
	t.Helper()
	err := s.SaveAppointment(context.Background(), models.Appointment{
		ID:          id,
		PatientID:   "pat_1",
		ServiceName: "IV Therapy",
		StartTime:   time.Date(2026, 3, 16, 17, 0, 0, 0, time.UTC),
		Status:      status,
	})
	if err != nil {
		t.Fatalf("SaveAppointment failed: %v", err)
	}
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to models.AppointmentStatus
		want     bool
	}{
		{models.AppointmentScheduled, models.AppointmentConfirmed, true},
		{models.AppointmentScheduled, models.AppointmentCheckedIn, true},
		{models.AppointmentScheduled, models.AppointmentInProgress, false},
		{models.AppointmentConfirmed, models.AppointmentNoShow, true},
		{models.AppointmentCheckedIn, models.AppointmentCompleted, true},
		{models.AppointmentCheckedIn, models.AppointmentRescheduled, false},
		{models.AppointmentInProgress, models.AppointmentCompleted, true},
		{models.AppointmentInProgress, models.AppointmentNoShow, false},
		{models.AppointmentCompleted, models.AppointmentConfirmed, false},
		{models.AppointmentCancelled, models.AppointmentScheduled, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
	for _, s := range []models.AppointmentStatus{models.AppointmentCompleted, models.AppointmentCancelled, models.AppointmentNoShow, models.AppointmentRescheduled} {
		if !IsTerminal(s) {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestTransition_RejectsCompletedToConfirmed(t *testing.T) {
	ctx := context.Background()
	s, _, svc := newTestService(t)
	saveAppointment(t, s, "apt_1", models.AppointmentCompleted)

	_, err := svc.Transition(ctx, "apt_1", models.AppointmentConfirmed, "")
	var terr *TransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	if !strings.Contains(err.Error(), "completed") || !strings.Contains(err.Error(), "confirmed") {
		t.Errorf("error should name both states: %v", err)
	}
	events, _ := s.ListAppointmentEvents(ctx, "apt_1")
	if len(events) != 0 {
		t.Errorf("rejected transition wrote %d events", len(events))
	}
}

func TestTransition_CheckInAppendsOneEvent(t *testing.T) {
	ctx := context.Background()
	s, _, svc := newTestService(t)
	saveAppointment(t, s, "apt_1", models.AppointmentScheduled)

	appt, err := svc.Transition(ctx, "apt_1", models.AppointmentCheckedIn, "")
	if err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if appt.Status != models.AppointmentCheckedIn {
		t.Errorf("status = %s", appt.Status)
	}
	events, _ := s.ListAppointmentEvents(ctx, "apt_1")
	if len(events) != 1 || events[0].OldStatus != models.AppointmentScheduled || events[0].NewStatus != models.AppointmentCheckedIn {
		t.Fatalf("events = %+v", events)
	}
}

func TestTransition_MissingAppointment(t *testing.T) {
	_, _, svc := newTestService(t)
	_, err := svc.Transition(context.Background(), "apt_none", models.AppointmentConfirmed, "")
	var lerr *journey.LookupError
	if !errors.As(err, &lerr) || lerr.Kind != "appointment" {
		t.Errorf("expected LookupError, got %v", err)
	}
}

func TestTransition_CancellationQueuesOneJobAndNotifies(t *testing.T) {
	ctx := context.Background()
	s, gw, svc := newTestService(t)
	saveAppointment(t, s, "apt_1", models.AppointmentScheduled)
	runner := store.NewJobRunner(s, time.Second)
	svc.RegisterJobHandlers(runner)

	appt, err := svc.Transition(ctx, "apt_1", models.AppointmentCancelled, "patient request")
	if err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if appt.CancellationReason != "patient request" {
		t.Errorf("cancellation reason = %q", appt.CancellationReason)
	}
	events, _ := s.ListAppointmentEvents(ctx, "apt_1")
	if len(events) != 1 || events[0].Metadata["cancellation_reason"] != "patient request" {
		t.Errorf("events = %+v", events)
	}

	jobs, err := s.ClaimDueJobs(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Kind != JobKindNotification || jobs[0].DedupeKey != "appointment:apt_1:cancelled" {
		t.Fatalf("jobs = %+v", jobs)
	}
	if err := svc.HandleNotification(ctx, jobs[0].PayloadJSON); err != nil {
		t.Fatalf("HandleNotification failed: %v", err)
	}
	sent := gw.Sent()
	if len(sent) != 1 || sent[0].To != "+15550000001" {
		t.Fatalf("sent = %+v", sent)
	}
	want := "Hi Dana, your IV Therapy appointment on Monday, March 16 has been cancelled. Please call (949) 997-3988 to reschedule."
	if sent[0].Body != want {
		t.Errorf("body = %q", sent[0].Body)
	}

	// A replayed job does not message the patient again.
	if err := svc.HandleNotification(ctx, jobs[0].PayloadJSON); err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if len(gw.Sent()) != 1 {
		t.Errorf("replay sent a second message")
	}
}

func TestJobRunner_DeliversCancellation(t *testing.T) {
	ctx := context.Background()
	s, gw, svc := newTestService(t)
	saveAppointment(t, s, "apt_1", models.AppointmentConfirmed)
	runner := store.NewJobRunner(s, time.Second)
	svc.RegisterJobHandlers(runner)

	if _, err := svc.Transition(ctx, "apt_1", models.AppointmentCancelled, ""); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if n := runner.RunDue(ctx); n != 1 {
		t.Fatalf("RunDue completed %d jobs, want 1", n)
	}
	if len(gw.Sent()) != 1 {
		t.Errorf("sent = %+v", gw.Sent())
	}
	comms := s.Comms()
	if len(comms) != 1 || comms[0].MessageType != "appointment_cancellation" || comms[0].Status != models.CommsSent {
		t.Errorf("comms = %+v", comms)
	}
}

func TestHandleNotification_SendFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	s, gw, svc := newTestService(t)
	saveAppointment(t, s, "apt_1", models.AppointmentScheduled)
	if _, err := svc.Transition(ctx, "apt_1", models.AppointmentCancelled, ""); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	jobs, _ := s.ClaimDueJobs(ctx, time.Now().Add(time.Minute), 10)
	if len(jobs) != 1 {
		t.Fatalf("jobs = %+v", jobs)
	}

	gw.FailAll(errors.New("gateway down"))
	if err := svc.HandleNotification(ctx, jobs[0].PayloadJSON); err == nil {
		t.Fatal("expected error so the job is retried")
	}
	gw.FailAll(nil)
	if err := svc.HandleNotification(ctx, jobs[0].PayloadJSON); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if len(gw.Sent()) != 1 {
		t.Errorf("sent = %+v", gw.Sent())
	}
}

func TestNoShowLogsStaffAlert(t *testing.T) {
	ctx := context.Background()
	s, gw, svc := newTestService(t)
	saveAppointment(t, s, "apt_1", models.AppointmentScheduled)
	runner := store.NewJobRunner(s, time.Second)
	svc.RegisterJobHandlers(runner)

	if _, err := svc.Transition(ctx, "apt_1", models.AppointmentNoShow, ""); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	runner.RunDue(ctx)
	if len(gw.Sent()) != 0 {
		t.Errorf("no-show should not message the patient")
	}
	comms := s.Comms()
	if len(comms) != 1 || comms[0].Message != "No-show: Dana Reyes - IV Therapy" {
		t.Errorf("comms = %+v", comms)
	}
}

func TestTransition_NonNotifyingStatusQueuesNothing(t *testing.T) {
	ctx := context.Background()
	s, _, svc := newTestService(t)
	saveAppointment(t, s, "apt_1", models.AppointmentScheduled)
	if _, err := svc.Transition(ctx, "apt_1", models.AppointmentConfirmed, ""); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	jobs, _ := s.ClaimDueJobs(ctx, time.Now().Add(time.Minute), 10)
	if len(jobs) != 0 {
		t.Errorf("jobs = %+v", jobs)
	}
}

// staleAppointmentRepo serves an appointment snapshot that another writer
// has already changed.
type staleAppointmentRepo struct {
	*store.InMemoryStore
	snapshot models.Appointment
}

func (r staleAppointmentRepo) GetAppointment(_ context.Context, id string) (*models.Appointment, error) {
	if id != r.snapshot.ID {
		return nil, nil
	}
	a := r.snapshot
	return &a, nil
}

func TestTransition_LostRaceIsStatusConflict(t *testing.T) {
	ctx := context.Background()
	s, gw, svc := newTestService(t)
	saveAppointment(t, s, "apt_1", models.AppointmentScheduled)
	snapshot, _ := s.GetAppointment(ctx, "apt_1")
	if _, err := svc.Transition(ctx, "apt_1", models.AppointmentConfirmed, ""); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	stale := NewService(staleAppointmentRepo{InMemoryStore: s, snapshot: *snapshot}, gw, clock.System(time.UTC))
	_, err := stale.Transition(ctx, "apt_1", models.AppointmentCancelled, "sick")
	if !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}
	got, _ := s.GetAppointment(ctx, "apt_1")
	if got == nil || got.Status != models.AppointmentConfirmed {
		t.Errorf("appointment = %+v", got)
	}
	if jobs, _ := s.ClaimDueJobs(ctx, time.Now().Add(time.Hour), 10); len(jobs) != 0 {
		t.Errorf("lost race queued a notification: %+v", jobs)
	}
}
