package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/range-cupp/rangemedical-system-2-sub001/internal/clock"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/models"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/util"
)

// backends runs fn against every store that can be built without external
// services.
func backends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewInMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestSQLiteStore(t)) })
}

func TestPostgresStore(t *testing.T) {
	// Requires a running PostgreSQL instance; set DATABASE_URL to enable.
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" || DetectDSNType(dsn) != "postgres" {
		t.Skip("DATABASE_URL not set to a Postgres DSN")
	}
	pg, err := NewPostgresStore(WithPostgresDSN(dsn))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer pg.Close()

	ctx := context.Background()
	id := util.NewID("prt_test_")
	if err := pg.SaveProtocol(ctx, models.Protocol{ID: id, PatientID: "pat_pg", ProgramType: "peptide", StartDate: clock.MustDate("2026-01-05")}); err != nil {
		t.Fatalf("SaveProtocol failed: %v", err)
	}
	got, err := pg.GetProtocol(ctx, id)
	if err != nil || got == nil {
		t.Fatalf("GetProtocol = %v, %v", got, err)
	}
	if clock.FormatDate(got.StartDate) != "2026-01-05" {
		t.Errorf("start date = %v", got.StartDate)
	}
}

func TestDetectDSNType(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost/db":     "postgres",
		"postgresql://localhost/db":       "postgres",
		"host=localhost dbname=journey":   "postgres",
		"/var/lib/journey/state.db":       "sqlite3",
		"file:state.db?_busy_timeout=100": "sqlite3",
	}
	for dsn, want := range cases {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func TestBindDollar(t *testing.T) {
	got := bindDollar(`SELECT 1 FROM t WHERE a = ? AND b IN (?, ?)`)
	want := `SELECT 1 FROM t WHERE a = $1 AND b IN ($2, $3)`
	if got != want {
		t.Errorf("bindDollar = %q, want %q", got, want)
	}
}

func TestStore_ProtocolRoundTrip(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		p := models.Protocol{
			ID: "prt_1", PatientID: "pat_1", ProgramType: "peptide", Medication: "BPC-157",
			Status: models.ProtocolStatusActive, CurrentStage: "active",
			StartDate: clock.MustDate("2026-01-05"), EndDate: clock.MustDate("2026-02-04"),
			TotalUnits: 10, UsedUnits: 3, RemindersEnabled: true,
		}
		if err := s.SaveProtocol(ctx, p); err != nil {
			t.Fatalf("SaveProtocol failed: %v", err)
		}
		got, err := s.GetProtocol(ctx, "prt_1")
		if err != nil || got == nil {
			t.Fatalf("GetProtocol = %v, %v", got, err)
		}
		if clock.FormatDate(got.StartDate) != "2026-01-05" || clock.FormatDate(got.EndDate) != "2026-02-04" {
			t.Errorf("dates not preserved: %v %v", got.StartDate, got.EndDate)
		}
		if !got.CycleStartDate.IsZero() {
			t.Errorf("unset cycle start should stay zero, got %v", got.CycleStartDate)
		}
		if got.TotalUnits != 10 || got.UsedUnits != 3 || !got.RemindersEnabled || got.CurrentStage != "active" {
			t.Errorf("fields not preserved: %+v", got)
		}

		missing, err := s.GetProtocol(ctx, "nope")
		if err != nil || missing != nil {
			t.Errorf("GetProtocol(missing) = %v, %v", missing, err)
		}

		noStage := models.Protocol{ID: "prt_2", PatientID: "pat_1", ProgramType: "hrt", Status: models.ProtocolStatusActive}
		if err := s.SaveProtocol(ctx, noStage); err != nil {
			t.Fatalf("SaveProtocol failed: %v", err)
		}
		journey, _ := s.ListJourneyProtocols(ctx)
		if len(journey) != 1 || journey[0].ID != "prt_1" {
			t.Errorf("ListJourneyProtocols = %+v, want only prt_1", journey)
		}
		active, _ := s.ListActiveProtocols(ctx)
		if len(active) != 2 {
			t.Errorf("ListActiveProtocols = %d, want 2", len(active))
		}
	})
}

func TestStore_CompleteExpiredProtocols(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		s.SaveProtocol(ctx, models.Protocol{ID: "old", PatientID: "p", ProgramType: "peptide", EndDate: clock.MustDate("2026-01-09")})
		s.SaveProtocol(ctx, models.Protocol{ID: "today", PatientID: "p", ProgramType: "peptide", EndDate: clock.MustDate("2026-01-10")})
		s.SaveProtocol(ctx, models.Protocol{ID: "open", PatientID: "p", ProgramType: "peptide"})

		n, err := s.CompleteExpiredProtocols(ctx, clock.MustDate("2026-01-10"))
		if err != nil {
			t.Fatalf("CompleteExpiredProtocols failed: %v", err)
		}
		if n != 1 {
			t.Errorf("completed %d, want 1", n)
		}
		old, _ := s.GetProtocol(ctx, "old")
		if old.Status != models.ProtocolStatusCompleted {
			t.Errorf("old protocol status = %q", old.Status)
		}
	})
}

func TestStore_AdvanceStage(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		s.SaveProtocol(ctx, models.Protocol{ID: "prt_1", PatientID: "pat_1", ProgramType: "peptide", CurrentStage: "a"})

		at := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
		ev := models.TransitionEvent{ProtocolID: "prt_1", PatientID: "pat_1", FromStage: "a", ToStage: "b",
			TriggeredBy: "system", TriggerType: models.TriggerAuto, CreatedAt: at}
		if err := s.AdvanceStage(ctx, ev); err != nil {
			t.Fatalf("AdvanceStage failed: %v", err)
		}
		if err := s.AdvanceStage(ctx, ev); !errors.Is(err, ErrConflict) {
			t.Errorf("second AdvanceStage err = %v, want ErrConflict", err)
		}

		p, _ := s.GetProtocol(ctx, "prt_1")
		if p.CurrentStage != "b" {
			t.Errorf("stage = %q, want b", p.CurrentStage)
		}
		latest, err := s.LatestTransitionInto(ctx, "prt_1", "b")
		if err != nil || latest == nil {
			t.Fatalf("LatestTransitionInto = %v, %v", latest, err)
		}
		if !latest.CreatedAt.Equal(at) || latest.FromStage != "a" {
			t.Errorf("unexpected event: %+v", latest)
		}
		none, _ := s.LatestTransitionInto(ctx, "prt_1", "a")
		if none != nil {
			t.Errorf("expected no event into a, got %+v", none)
		}
		recent, _ := s.ListTransitionsSince(ctx, at.Add(-time.Hour))
		if len(recent) != 1 {
			t.Errorf("ListTransitionsSince = %d events, want 1", len(recent))
		}
		later, _ := s.ListTransitionsSince(ctx, at.Add(time.Hour))
		if len(later) != 0 {
			t.Errorf("ListTransitionsSince(later) = %d events, want 0", len(later))
		}
	})
}

func TestStore_ReminderLogsAreUnique(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		l := models.ProtocolLog{ProtocolID: "prt_1", PatientID: "pat_1", LogType: "reminder_checkin_1", LogDate: clock.MustDate("2026-01-12")}
		ok, err := s.AddProtocolLog(ctx, l)
		if err != nil || !ok {
			t.Fatalf("first AddProtocolLog = %v, %v", ok, err)
		}
		ok, err = s.AddProtocolLog(ctx, l)
		if err != nil || ok {
			t.Errorf("duplicate reminder AddProtocolLog = %v, %v; want false, nil", ok, err)
		}

		draw := models.ProtocolLog{ProtocolID: "prt_1", PatientID: "pat_1", LogType: models.LogTypeBloodDraw, LogDate: clock.MustDate("2026-03-03")}
		s.AddProtocolLog(ctx, draw)
		draw.LogDate = clock.MustDate("2026-05-26")
		if ok, _ := s.AddProtocolLog(ctx, draw); !ok {
			t.Error("blood draws may repeat")
		}
		draws, _ := s.ListProtocolLogs(ctx, "prt_1", models.LogTypeBloodDraw)
		if len(draws) != 2 || clock.FormatDate(draws[0].LogDate) != "2026-03-03" {
			t.Errorf("ListProtocolLogs = %+v", draws)
		}

		has, _ := s.HasProtocolLogBetween(ctx, "prt_1", models.LogTypeBloodDraw, clock.MustDate("2026-05-26"), clock.MustDate("2026-05-29"))
		if !has {
			t.Error("HasProtocolLogBetween should include the lower bound")
		}
		has, _ = s.HasProtocolLogBetween(ctx, "prt_1", models.LogTypeBloodDraw, clock.MustDate("2026-05-27"), clock.MustDate("2026-05-29"))
		if has {
			t.Error("HasProtocolLogBetween matched outside the range")
		}
	})
}

func TestStore_Evidence(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		entered := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
		s.RecordConsent(ctx, "pat_1", entered)
		s.RecordServiceLog(ctx, models.ServiceLog{PatientID: "pat_1", Category: "labs", CreatedAt: entered.Add(-time.Hour)})
		s.RecordServiceLog(ctx, models.ServiceLog{PatientID: "pat_1", Category: "injection", CreatedAt: entered.Add(time.Hour)})

		if n, _ := s.CountConsents(ctx, "pat_1"); n != 1 {
			t.Errorf("CountConsents = %d", n)
		}
		if n, _ := s.CountIntakes(ctx, "pat_1"); n != 0 {
			t.Errorf("CountIntakes = %d", n)
		}
		if n, _ := s.CountServiceLogsSince(ctx, "pat_1", models.LabServiceCategories, entered); n != 0 {
			t.Errorf("lab before entry should not count, got %d", n)
		}
		s.RecordServiceLog(ctx, models.ServiceLog{PatientID: "pat_1", Category: "lab", CreatedAt: entered.Add(2 * time.Hour)})
		if n, _ := s.CountServiceLogsSince(ctx, "pat_1", models.LabServiceCategories, entered); n != 1 {
			t.Errorf("CountServiceLogsSince = %d, want 1", n)
		}
		if ok, _ := s.HasOptInResponse(ctx, "pat_1"); ok {
			t.Error("no opt-in recorded yet")
		}
		s.RecordOptInResponse(ctx, "pat_1", "yes", entered)
		if ok, _ := s.HasOptInResponse(ctx, "pat_1"); !ok {
			t.Error("opt-in not found")
		}
	})
}

func TestStore_DispatchClaims(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
		ttl := 10 * time.Minute

		ok, err := s.ClaimDispatch(ctx, "journey-notification:e1", now, ttl)
		if err != nil || !ok {
			t.Fatalf("first claim = %v, %v", ok, err)
		}
		if ok, _ := s.ClaimDispatch(ctx, "journey-notification:e1", now.Add(time.Minute), ttl); ok {
			t.Error("live claim must not be granted twice")
		}
		if ok, _ := s.ClaimDispatch(ctx, "journey-notification:e1", now.Add(time.Hour), ttl); !ok {
			t.Error("stale claim should be taken over")
		}

		s.ReleaseDispatch(ctx, "journey-notification:e1")
		if ok, _ := s.ClaimDispatch(ctx, "journey-notification:e1", now, ttl); !ok {
			t.Error("released claim should be claimable")
		}
		s.CompleteDispatch(ctx, "journey-notification:e1", "SM123", now)
		if ok, _ := s.ClaimDispatch(ctx, "journey-notification:e1", now.Add(24*time.Hour), ttl); ok {
			t.Error("completed claim must never be reclaimed")
		}
	})
}

func TestStore_AppointmentStatus(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		start := time.Date(2026, 1, 6, 17, 0, 0, 0, time.UTC)
		s.SaveAppointment(ctx, models.Appointment{ID: "apt_1", PatientID: "pat_1", ServiceName: "IV Therapy", StartTime: start, Status: models.AppointmentScheduled})

		ev := models.AppointmentEvent{AppointmentID: "apt_1", EventType: "status_change",
			OldStatus: models.AppointmentScheduled, NewStatus: models.AppointmentCancelled, Metadata: map[string]string{"by": "front-desk"}}
		if err := s.UpdateAppointmentStatus(ctx, ev, "patient request"); err != nil {
			t.Fatalf("UpdateAppointmentStatus failed: %v", err)
		}
		if err := s.UpdateAppointmentStatus(ctx, ev, ""); !errors.Is(err, ErrConflict) {
			t.Errorf("stale update err = %v, want ErrConflict", err)
		}

		a, _ := s.GetAppointment(ctx, "apt_1")
		if a.Status != models.AppointmentCancelled || a.CancellationReason != "patient request" {
			t.Errorf("unexpected appointment: %+v", a)
		}
		events, _ := s.ListAppointmentEvents(ctx, "apt_1")
		if len(events) != 1 || events[0].Metadata["by"] != "front-desk" {
			t.Errorf("ListAppointmentEvents = %+v", events)
		}
	})
}

func TestStore_CommsAndTemplates(t *testing.T) {
	backends(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		s.LogComm(ctx, models.CommsLogEntry{Channel: "sms", MessageType: "journey", Message: "hi", Source: "src-1", Status: models.CommsError})
		if ok, _ := s.HasSentComm(ctx, "src-1"); ok {
			t.Error("failed send must not count as sent")
		}
		s.LogComm(ctx, models.CommsLogEntry{Channel: "sms", MessageType: "journey", Message: "hi", Source: "src-1", Status: models.CommsSent, ExternalID: "SM1"})
		if ok, _ := s.HasSentComm(ctx, "src-1"); !ok {
			t.Error("sent message not found")
		}
		if entries, _ := s.ListCommsBySource(ctx, "src-1"); len(entries) != 2 {
			t.Errorf("ListCommsBySource = %d entries", len(entries))
		}

		tmpl := models.StageTemplate{ID: "tpl_peptide", ProgramType: "peptide", Name: "Peptide", IsDefault: true,
			Stages: []models.Stage{{Key: "a", Label: "A", Conditions: models.Conditions{{Name: "days_elapsed", Param: 1}}}, {Key: "b", Label: "B"}}}
		if err := s.SaveStageTemplate(ctx, tmpl); err != nil {
			t.Fatalf("SaveStageTemplate failed: %v", err)
		}
		got, err := s.GetDefaultTemplate(ctx, "peptide")
		if err != nil || got == nil {
			t.Fatalf("GetDefaultTemplate = %v, %v", got, err)
		}
		if len(got.Stages) != 2 || got.Stages[0].Conditions[0].Param != 1 {
			t.Errorf("stages not preserved: %+v", got.Stages)
		}
		if none, _ := s.GetDefaultTemplate(ctx, "weight_loss"); none != nil {
			t.Errorf("unexpected template %+v", none)
		}
	})
}
