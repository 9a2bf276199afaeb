package models

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Condition is a named advancement predicate with an optional integer
// parameter (days, sessions). Flag conditions ignore Param.
type Condition struct {
	Name  string `json:"name"`
	Param int    `json:"param,omitempty"`
}

func (c Condition) String() string {
	if c.Param == 0 {
		return c.Name
	}
	return fmt.Sprintf("%s(%d)", c.Name, c.Param)
}

// Conditions is an ordered conjunction of advancement predicates. In YAML it
// is written as a mapping of condition name to parameter, for example
// {consent_signed: true, days_elapsed: 3}; key order is preserved.
type Conditions []Condition

// UnmarshalYAML decodes the mapping form while keeping document order.
// A flag set to false is dropped.
func (c *Conditions) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("advancement_conditions: expected mapping, got %v at line %d", node.Tag, node.Line)
	}
	out := make(Conditions, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		cond := Condition{Name: key.Value}
		switch val.ShortTag() {
		case "!!bool":
			var on bool
			if err := val.Decode(&on); err != nil {
				return fmt.Errorf("condition %s: %w", key.Value, err)
			}
			if !on {
				continue
			}
		case "!!int":
			if err := val.Decode(&cond.Param); err != nil {
				return fmt.Errorf("condition %s: %w", key.Value, err)
			}
		case "!!null":
		default:
			return fmt.Errorf("condition %s: unsupported parameter %q at line %d", key.Value, val.Value, val.Line)
		}
		out = append(out, cond)
	}
	*c = out
	return nil
}

// Stage is one step of a program's journey.
type Stage struct {
	Key         string     `json:"key" yaml:"key"`
	Label       string     `json:"label" yaml:"label"`
	Description string     `json:"description,omitempty" yaml:"description"`
	Conditions  Conditions `json:"advancement_conditions,omitempty" yaml:"advancement_conditions"`
}

// Automatic reports whether the stage can be left without staff action.
func (s Stage) Automatic() bool { return len(s.Conditions) > 0 }

// StageTemplate is the ordered stage list for one program type.
type StageTemplate struct {
	ID          string    `json:"id" yaml:"id"`
	ProgramType string    `json:"program_type" yaml:"program_type"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description"`
	IsDefault   bool      `json:"is_default" yaml:"is_default"`
	Stages      []Stage   `json:"stages" yaml:"stages"`
	CreatedAt   time.Time `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt   time.Time `json:"updated_at,omitempty" yaml:"-"`
}

// StageIndex returns the position of key in the template, or -1.
func (t StageTemplate) StageIndex(key string) int {
	for i, s := range t.Stages {
		if s.Key == key {
			return i
		}
	}
	return -1
}

// Stage looks up a stage by key.
func (t StageTemplate) Stage(key string) (Stage, bool) {
	if i := t.StageIndex(key); i >= 0 {
		return t.Stages[i], true
	}
	return Stage{}, false
}

// Next returns the stage after key. ok is false when key is unknown or is the
// final stage.
func (t StageTemplate) Next(key string) (Stage, bool) {
	i := t.StageIndex(key)
	if i < 0 || i+1 >= len(t.Stages) {
		return Stage{}, false
	}
	return t.Stages[i+1], true
}
