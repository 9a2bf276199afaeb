package journey

import (
	"context"
	"testing"

	"github.com/range-cupp/rangemedical-system-2-sub001/internal/clock"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/models"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/store"
)

func TestCompleter_Run(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	s.SaveProtocol(ctx, models.Protocol{ID: "ended", PatientID: "p", ProgramType: "peptide", EndDate: clock.MustDate("2026-03-09")})
	s.SaveProtocol(ctx, models.Protocol{ID: "ends_today", PatientID: "p", ProgramType: "peptide", EndDate: clock.MustDate("2026-03-10")})
	s.SaveProtocol(ctx, models.Protocol{ID: "open", PatientID: "p", ProgramType: "hrt"})

	sum, err := NewCompleter(s, clock.Fixed(testNow)).Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if sum.Updated != 1 || sum.Date != "2026-03-10" {
		t.Fatalf("summary = %+v", sum)
	}
	for id, want := range map[string]models.ProtocolStatus{
		"ended":      models.ProtocolStatusCompleted,
		"ends_today": models.ProtocolStatusActive,
		"open":       models.ProtocolStatusActive,
	} {
		p, _ := s.GetProtocol(ctx, id)
		if p.Status != want {
			t.Errorf("%s status = %s, want %s", id, p.Status, want)
		}
	}
}
