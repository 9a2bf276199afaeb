// Package appointments applies appointment status changes through a fixed
// transition table and queues the notification work each change triggers.
package appointments

import (
	"errors"
	"fmt"

	"github.com/range-cupp/rangemedical-system-2-sub001/internal/models"
)

// transitions lists the allowed next states. States absent from the map are
// terminal.
var transitions = map[models.AppointmentStatus][]models.AppointmentStatus{
	models.AppointmentScheduled: {
		models.AppointmentConfirmed, models.AppointmentCheckedIn, models.AppointmentCancelled,
		models.AppointmentNoShow, models.AppointmentRescheduled,
	},
	models.AppointmentConfirmed: {
		models.AppointmentCheckedIn, models.AppointmentCancelled, models.AppointmentNoShow,
		models.AppointmentRescheduled,
	},
	models.AppointmentCheckedIn: {
		models.AppointmentInProgress, models.AppointmentCompleted, models.AppointmentCancelled,
		models.AppointmentNoShow,
	},
	models.AppointmentInProgress: {
		models.AppointmentCompleted, models.AppointmentCancelled,
	},
}

// ErrStatusConflict reports that the appointment's status changed between
// reading it and writing the new one.
var ErrStatusConflict = errors.New("appointment status changed concurrently")

// TransitionError rejects a move the table does not allow.
type TransitionError struct {
	From models.AppointmentStatus
	To   models.AppointmentStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot transition appointment from %q to %q", e.From, e.To)
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to models.AppointmentStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible from s.
func IsTerminal(s models.AppointmentStatus) bool {
	return len(transitions[s]) == 0
}

// Validate returns a *TransitionError when from may not move to to.
func Validate(from, to models.AppointmentStatus) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}
