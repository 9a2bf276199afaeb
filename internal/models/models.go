// Package models defines the core data structures shared by the journey engine,
// the follow-up schedulers, the store and the HTTP API.
package models

import (
	"strings"
	"time"
)

// ProtocolStatus is the lifecycle status of a treatment protocol.
type ProtocolStatus string

const (
	ProtocolStatusActive    ProtocolStatus = "active"
	ProtocolStatusCompleted ProtocolStatus = "completed"
	ProtocolStatusCancelled ProtocolStatus = "cancelled"
	ProtocolStatusPaused    ProtocolStatus = "paused"
)

// Protocol is one patient's enrollment in a treatment program.
//
// Date fields hold calendar dates at midnight UTC; the zero value means unset.
// TotalUnits of zero means the protocol has no session count.
type Protocol struct {
	ID               string         `json:"id"`
	PatientID        string         `json:"patient_id"`
	ProgramType      string         `json:"program_type"`
	ProgramName      string         `json:"program_name,omitempty"`
	Medication       string         `json:"medication,omitempty"`
	Status           ProtocolStatus `json:"status"`
	CurrentStage     string         `json:"current_journey_stage,omitempty"`
	TemplateID       string         `json:"journey_template_id,omitempty"`
	StartDate        time.Time      `json:"start_date,omitempty"`
	EndDate          time.Time      `json:"end_date,omitempty"`
	CycleStartDate   time.Time      `json:"cycle_start_date,omitempty"`
	LastPaymentDate  time.Time      `json:"last_payment_date,omitempty"`
	TotalUnits       int            `json:"total_sessions,omitempty"`
	UsedUnits        int            `json:"sessions_used"`
	RemindersEnabled bool           `json:"reminders_enabled"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// HasEndDate reports whether the protocol is time-boxed.
func (p Protocol) HasEndDate() bool { return !p.EndDate.IsZero() }

// HasStartDate reports whether the protocol has started.
func (p Protocol) HasStartDate() bool { return !p.StartDate.IsZero() }

// Patient holds the contact details used for outbound messages.
type Patient struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// FullName joins first and last name.
func (p Patient) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// DisplayName returns the first name, or a neutral greeting when it is unknown.
func (p Patient) DisplayName() string {
	if p.FirstName == "" {
		return "there"
	}
	return p.FirstName
}

// TriggerType records who or what caused a stage transition.
type TriggerType string

const (
	TriggerAuto    TriggerType = "auto"
	TriggerManual  TriggerType = "manual"
	TriggerEntered TriggerType = "entered"
)

// TransitionEvent is an append-only record of a protocol moving between stages.
// FromStage is empty for the initial entry.
type TransitionEvent struct {
	ID           string      `json:"id"`
	ProtocolID   string      `json:"protocol_id"`
	PatientID    string      `json:"patient_id"`
	FromStage    string      `json:"from_stage,omitempty"`
	ToStage      string      `json:"to_stage"`
	TriggeredBy  string      `json:"triggered_by"`
	TriggerType  TriggerType `json:"trigger_type"`
	TriggerEvent string      `json:"trigger_event,omitempty"`
	Notes        string      `json:"notes,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Log types written to the protocol log.
const (
	LogTypeBloodDraw   = "blood_draw"
	LogTypeCheckIn     = "checkin"
	LogTypeResponse    = "checkin_response"
	LogTypeFollowUp    = "reminder_followup"
	LogTypeReUp        = "reminder_reup"
	LogTypeCheckInFmt  = "reminder_checkin_%d"
	LogTypeFollowUpFmt = "reminder_checkin_followup_%d"
)

// ProtocolLog is a dated entry against a protocol: a completed blood draw, a
// patient check-in response, or a marker that a reminder was sent.
type ProtocolLog struct {
	ID         string    `json:"id"`
	ProtocolID string    `json:"protocol_id"`
	PatientID  string    `json:"patient_id"`
	LogType    string    `json:"log_type"`
	LogDate    time.Time `json:"log_date"`
	Notes      string    `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// LabRecord is a lab result on file for a patient. Its effective date is the
// first non-zero of CollectionDate, LabDate and CompletedDate.
type LabRecord struct {
	ID             string    `json:"id"`
	PatientID      string    `json:"patient_id"`
	LabDate        time.Time `json:"lab_date,omitempty"`
	CollectionDate time.Time `json:"collection_date,omitempty"`
	CompletedDate  time.Time `json:"completed_date,omitempty"`
}

// EffectiveDate returns the date the lab counts for, or the zero time.
func (l LabRecord) EffectiveDate() time.Time {
	switch {
	case !l.CollectionDate.IsZero():
		return l.CollectionDate
	case !l.LabDate.IsZero():
		return l.LabDate
	default:
		return l.CompletedDate
	}
}

// ServiceLog is a logged clinical service such as a lab draw or injection.
type ServiceLog struct {
	ID        string    `json:"id"`
	PatientID string    `json:"patient_id"`
	Category  string    `json:"category"`
	CreatedAt time.Time `json:"created_at"`
}

// Service log categories that count as lab evidence.
var LabServiceCategories = []string{"labs", "lab", "lab_draw", "blood_draw"}

// CommsStatus is the delivery outcome of an outbound message.
type CommsStatus string

const (
	CommsSent  CommsStatus = "sent"
	CommsError CommsStatus = "error"
)

// CommsLogEntry is an audit record for one attempted outbound message. Source
// carries the idempotency key for the notification that produced it.
type CommsLogEntry struct {
	ID           string      `json:"id"`
	PatientID    string      `json:"patient_id,omitempty"`
	ProtocolID   string      `json:"protocol_id,omitempty"`
	Channel      string      `json:"channel"`
	MessageType  string      `json:"message_type"`
	Message      string      `json:"message"`
	Source       string      `json:"source"`
	Recipient    string      `json:"recipient,omitempty"`
	Status       CommsStatus `json:"status"`
	ExternalID   string      `json:"external_id,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}
