package journey

import (
	"context"
	"errors"
	"testing"

	"github.com/range-cupp/rangemedical-system-2-sub001/internal/models"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/store"
)

func TestDefaultTemplates(t *testing.T) {
	templates, err := DefaultTemplates()
	if err != nil {
		t.Fatalf("DefaultTemplates failed: %v", err)
	}
	want := []string{"hrt", "weight_loss", "peptide", "iv", "hbot", "rlt", "injection", "combo_membership"}
	if len(templates) != len(want) {
		t.Fatalf("got %d templates, want %d", len(templates), len(want))
	}
	for i, pt := range want {
		if templates[i].ProgramType != pt || !templates[i].IsDefault {
			t.Errorf("template %d = %s (default %v), want default %s", i, templates[i].ProgramType, templates[i].IsDefault, pt)
		}
	}
}

func TestDefaultTemplates_PeptideJourney(t *testing.T) {
	templates, err := DefaultTemplates()
	if err != nil {
		t.Fatalf("DefaultTemplates failed: %v", err)
	}
	var peptide models.StageTemplate
	for _, tmpl := range templates {
		if tmpl.ProgramType == "peptide" {
			peptide = tmpl
		}
	}
	wantKeys := []string{"consult_complete", "forms_pending", "dispensed", "opt_in_sent", "active", "midpoint_review", "nearing_completion", "cycle_complete"}
	if len(peptide.Stages) != len(wantKeys) {
		t.Fatalf("peptide has %d stages, want %d", len(peptide.Stages), len(wantKeys))
	}
	for i, k := range wantKeys {
		if peptide.Stages[i].Key != k {
			t.Errorf("stage %d = %s, want %s", i, peptide.Stages[i].Key, k)
		}
	}
	first := peptide.Stages[0].Conditions
	if len(first) != 1 || first[0].Name != "days_elapsed" || first[0].Param != 0 {
		t.Errorf("consult_complete conditions = %v", first)
	}
	if peptide.Stages[5].Conditions[0].Param != 5 {
		t.Errorf("midpoint_review should wait for protocol_ending_soon(5), got %v", peptide.Stages[5].Conditions)
	}
	if peptide.Stages[7].Automatic() {
		t.Error("cycle_complete is terminal and must have no conditions")
	}
}

func TestParseTemplates_RejectsUnknownCondition(t *testing.T) {
	doc := []byte(`
templates:
  - id: tpl_x
    program_type: x
    name: X
    stages:
      - key: one
        advancement_conditions:
          stars_aligned: true
      - key: two
`)
	_, err := ParseTemplates(doc)
	var uerr *UnknownConditionError
	if !errors.As(err, &uerr) || uerr.Name != "stars_aligned" {
		t.Fatalf("expected UnknownConditionError, got %v", err)
	}
}

func TestValidateTemplate_DuplicateStage(t *testing.T) {
	err := ValidateTemplate(models.StageTemplate{
		ID: "tpl_dup", ProgramType: "dup",
		Stages: []models.Stage{{Key: "a"}, {Key: "a"}},
	})
	if err == nil {
		t.Fatal("expected duplicate stage error")
	}
}

func TestSeedTemplates(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()

	res, err := SeedTemplates(ctx, s, false)
	if err != nil {
		t.Fatalf("SeedTemplates failed: %v", err)
	}
	if res.Created != 8 || res.Skipped != 0 {
		t.Fatalf("first seed = %+v", res)
	}

	res, err = SeedTemplates(ctx, s, false)
	if err != nil {
		t.Fatalf("second SeedTemplates failed: %v", err)
	}
	if res.Created != 0 || res.Skipped != 8 {
		t.Fatalf("second seed = %+v", res)
	}

	// Replace the peptide default with a stub and check update restores it in place.
	s.SaveStageTemplate(ctx, models.StageTemplate{ID: "tpl_peptide_default", ProgramType: "peptide", IsDefault: true, Stages: []models.Stage{{Key: "stub"}}})
	res, err = SeedTemplates(ctx, s, true)
	if err != nil {
		t.Fatalf("update SeedTemplates failed: %v", err)
	}
	if res.Updated != 8 {
		t.Fatalf("update seed = %+v", res)
	}
	got, _ := s.GetDefaultTemplate(ctx, "peptide")
	if got == nil || got.ID != "tpl_peptide_default" || got.Stages[0].Key != "consult_complete" {
		t.Fatalf("peptide template not restored: %+v", got)
	}
	all, _ := s.ListStageTemplates(ctx)
	if len(all) != 8 {
		t.Errorf("expected 8 stored templates, got %d", len(all))
	}
}
