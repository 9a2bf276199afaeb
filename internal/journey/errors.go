package journey

import (
	"errors"
	"fmt"
)

// ErrStageConflict is returned when a journey start or manual move finds the
// protocol already on a stage.
var ErrStageConflict = errors.New("stage unchanged")

// LookupError reports a missing template, stage, patient or protocol. The
// affected protocol is skipped and the batch continues.
type LookupError struct {
	Kind string // "template", "stage", "patient" or "protocol"
	ID   string
	Ref  string // the protocol or event that needed it
}

func (e *LookupError) Error() string {
	if e.Ref == "" {
		return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
	}
	return fmt.Sprintf("%s: %s %s not found", e.Ref, e.Kind, e.ID)
}

// UnknownConditionError is logged when a template names a condition the
// evaluator does not implement. The condition evaluates false.
type UnknownConditionError struct {
	Name string
}

func (e *UnknownConditionError) Error() string {
	return fmt.Sprintf("unknown journey condition %q", e.Name)
}

// DeliveryError records a failed gateway send. It never rolls back the
// transition that triggered it.
type DeliveryError struct {
	EventID string
	Channel string
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("event %s: %s delivery failed: %v", e.EventID, e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// PersistenceError wraps a failed advancement write. It is fatal for that
// protocol only.
type PersistenceError struct {
	ProtocolID string
	Op         string
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("protocol %s: %s failed: %v", e.ProtocolID, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
