package journey

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/range-cupp/rangemedical-system-2-sub001/internal/clock"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/messaging"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/models"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/store"
)

func newDispatcherFixture(t *testing.T) (*store.InMemoryStore, *messaging.MockService, *clock.FixedClock, *Dispatcher) {
	t.Helper()
	s := store.NewInMemoryStore()
	gw := messaging.NewMockService()
	clk := clock.Fixed(testNow)
	ctx := context.Background()
	s.SavePatient(ctx, models.Patient{ID: "pat_1", FirstName: "Dana", Phone: "+15550000001"})
	s.SavePatient(ctx, models.Patient{ID: "pat_2", FirstName: "Lee"})
	return s, gw, clk, NewDispatcher(s, gw, clk)
}

func addEvent(t *testing.T, s *store.InMemoryStore, id, patientID, stage string, at time.Time) {
	t.Helper()
	err := s.AppendTransition(context.Background(), models.TransitionEvent{
		ID: id, ProtocolID: "prt_" + patientID, PatientID: patientID, FromStage: "prev", ToStage: stage,
		TriggeredBy: SystemActor, TriggerType: models.TriggerAuto, CreatedAt: at,
	})
	if err != nil {
		t.Fatalf("AppendTransition failed: %v", err)
	}
}

func TestDispatcher_SendsOncePerEvent(t *testing.T) {
	ctx := context.Background()
	s, gw, _, d := newDispatcherFixture(t)
	addEvent(t, s, "evt_1", "pat_1", "midpoint_review", testNow.Add(-30*time.Minute))
	addEvent(t, s, "evt_2", "pat_1", "active", testNow.Add(-20*time.Minute))

	sum, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if sum.Found != 2 || sum.Notified != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	sent := gw.Sent()
	if len(sent) != 1 || !strings.Contains(sent[0].Body, "Hi Dana") || !strings.Contains(sent[0].Body, "midpoint of your peptide cycle") {
		t.Fatalf("unexpected sends: %+v", sent)
	}

	sum, err = d.Run(ctx)
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if sum.Notified != 0 || sum.Skipped != 1 {
		t.Fatalf("second summary = %+v", sum)
	}
	if len(gw.Sent()) != 1 {
		t.Fatalf("duplicate send on second run")
	}
	comms, _ := s.ListCommsBySource(ctx, NotificationSource("evt_1"))
	if len(comms) != 1 || comms[0].Status != models.CommsSent || comms[0].Channel != messaging.ChannelSMS {
		t.Fatalf("comms log = %+v", comms)
	}
}

func TestDispatcher_FailureRetriedNextRun(t *testing.T) {
	ctx := context.Background()
	s, gw, _, d := newDispatcherFixture(t)
	addEvent(t, s, "evt_1", "pat_1", "renewal", testNow.Add(-10*time.Minute))
	gw.FailAll(errors.New("gateway down"))

	sum, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if sum.Notified != 0 || len(sum.Errors) != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	comms, _ := s.ListCommsBySource(ctx, NotificationSource("evt_1"))
	if len(comms) != 1 || comms[0].Status != models.CommsError || comms[0].ErrorMessage != "gateway down" {
		t.Fatalf("failure not recorded: %+v", comms)
	}

	gw.FailAll(nil)
	sum, err = d.Run(ctx)
	if err != nil {
		t.Fatalf("retry Run failed: %v", err)
	}
	if sum.Notified != 1 {
		t.Fatalf("retry summary = %+v", sum)
	}
}

func TestDispatcher_MissingPhoneIsSkipped(t *testing.T) {
	ctx := context.Background()
	s, gw, _, d := newDispatcherFixture(t)
	addEvent(t, s, "evt_2", "pat_2", "renewal", testNow.Add(-10*time.Minute))
	addEvent(t, s, "evt_3", "pat_1", "renewal", testNow.Add(-5*time.Minute))

	sum, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if sum.Skipped != 1 || sum.Notified != 1 || len(sum.Errors) != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	if len(gw.Sent()) != 1 {
		t.Fatalf("expected one send, got %d", len(gw.Sent()))
	}
}

func TestDispatcher_MissingPatientIsAnError(t *testing.T) {
	s, _, _, d := newDispatcherFixture(t)
	addEvent(t, s, "evt_9", "pat_ghost", "renewal", testNow.Add(-time.Minute))

	sum, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(sum.Errors) != 1 || !strings.Contains(sum.Errors[0], "patient pat_ghost not found") {
		t.Fatalf("errors = %v", sum.Errors)
	}
}

func TestDispatcher_WindowExcludesOldEvents(t *testing.T) {
	s, gw, _, d := newDispatcherFixture(t)
	addEvent(t, s, "evt_old", "pat_1", "renewal", testNow.Add(-3*time.Hour))

	sum, err := d.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if sum.Found != 0 || len(gw.Sent()) != 0 {
		t.Fatalf("old event should be outside the window: %+v", sum)
	}
}

func TestDispatcher_ActiveClaimBlocksOverlappingRun(t *testing.T) {
	ctx := context.Background()
	s, gw, _, d := newDispatcherFixture(t)
	addEvent(t, s, "evt_1", "pat_1", "renewal", testNow.Add(-time.Minute))
	if ok, _ := s.ClaimDispatch(ctx, NotificationSource("evt_1"), testNow.UTC(), DefaultClaimTTL); !ok {
		t.Fatal("pre-claim failed")
	}

	sum, err := d.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if sum.Skipped != 1 || len(gw.Sent()) != 0 {
		t.Fatalf("claimed event should be skipped: %+v", sum)
	}
}

func TestMessageForStage(t *testing.T) {
	if _, ok := MessageForStage("forms_pending"); ok {
		t.Error("forms_pending should be silent")
	}
	if m, ok := MessageForStage("cycle_complete"); !ok || m.Format == "" {
		t.Error("cycle_complete should notify")
	}
}
