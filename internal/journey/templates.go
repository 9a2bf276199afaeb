package journey

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/range-cupp/rangemedical-system-2-sub001/internal/models"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/store"
)

//go:embed default_templates.yaml
var defaultTemplatesYAML []byte

type templateFile struct {
	Templates []models.StageTemplate `yaml:"templates"`
}

// ParseTemplates decodes a YAML template document and validates every
// template in it.
func ParseTemplates(data []byte) ([]models.StageTemplate, error) {
	var f templateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse journey templates: %w", err)
	}
	for _, t := range f.Templates {
		if err := ValidateTemplate(t); err != nil {
			return nil, err
		}
	}
	return f.Templates, nil
}

// DefaultTemplates returns the built-in template per program type.
func DefaultTemplates() ([]models.StageTemplate, error) {
	return ParseTemplates(defaultTemplatesYAML)
}

// ValidateTemplate rejects templates with no stages, duplicate stage keys or
// conditions outside the vocabulary.
func ValidateTemplate(t models.StageTemplate) error {
	if t.ID == "" || t.ProgramType == "" {
		return fmt.Errorf("template %q: id and program_type are required", t.Name)
	}
	if len(t.Stages) == 0 {
		return fmt.Errorf("template %s: no stages", t.ID)
	}
	seen := make(map[string]bool, len(t.Stages))
	for _, s := range t.Stages {
		if s.Key == "" {
			return fmt.Errorf("template %s: stage with empty key", t.ID)
		}
		if seen[s.Key] {
			return fmt.Errorf("template %s: duplicate stage %s", t.ID, s.Key)
		}
		seen[s.Key] = true
		for _, c := range s.Conditions {
			if !KnownCondition(c.Name) {
				return fmt.Errorf("template %s stage %s: %w", t.ID, s.Key, &UnknownConditionError{Name: c.Name})
			}
		}
	}
	return nil
}

// SeedResult counts what SeedTemplates did.
type SeedResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// SeedTemplates stores the default templates. A program type that already has
// a default template is left alone unless update is set, in which case its
// stages are replaced in place.
func SeedTemplates(ctx context.Context, repo store.TemplateRepo, update bool) (SeedResult, error) {
	var res SeedResult
	defaults, err := DefaultTemplates()
	if err != nil {
		return res, err
	}
	for _, t := range defaults {
		existing, err := repo.GetDefaultTemplate(ctx, t.ProgramType)
		if err != nil {
			return res, fmt.Errorf("lookup default template for %s: %w", t.ProgramType, err)
		}
		if existing != nil {
			if !update {
				res.Skipped++
				continue
			}
			t.ID = existing.ID
			t.CreatedAt = existing.CreatedAt
			if err := repo.SaveStageTemplate(ctx, t); err != nil {
				return res, err
			}
			res.Updated++
			continue
		}
		if err := repo.SaveStageTemplate(ctx, t); err != nil {
			return res, err
		}
		res.Created++
	}
	slog.Info("SeedTemplates complete", "created", res.Created, "updated", res.Updated, "skipped", res.Skipped)
	return res, nil
}
