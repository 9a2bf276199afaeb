package models

import "time"

// AppointmentStatus is a state in the appointment lifecycle.
type AppointmentStatus string

const (
	AppointmentScheduled   AppointmentStatus = "scheduled"
	AppointmentConfirmed   AppointmentStatus = "confirmed"
	AppointmentCheckedIn   AppointmentStatus = "checked_in"
	AppointmentInProgress  AppointmentStatus = "in_progress"
	AppointmentCompleted   AppointmentStatus = "completed"
	AppointmentCancelled   AppointmentStatus = "cancelled"
	AppointmentNoShow      AppointmentStatus = "no_show"
	AppointmentRescheduled AppointmentStatus = "rescheduled"
)

// Appointment is a booked visit.
type Appointment struct {
	ID                 string            `json:"id"`
	PatientID          string            `json:"patient_id,omitempty"`
	PatientName        string            `json:"patient_name,omitempty"`
	PatientPhone       string            `json:"patient_phone,omitempty"`
	ServiceName        string            `json:"service_name"`
	Provider           string            `json:"provider,omitempty"`
	StartTime          time.Time         `json:"start_time"`
	Status             AppointmentStatus `json:"status"`
	CancellationReason string            `json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// AppointmentEvent is an audit record of a status change.
type AppointmentEvent struct {
	ID            string            `json:"id"`
	AppointmentID string            `json:"appointment_id"`
	EventType     string            `json:"event_type"`
	OldStatus     AppointmentStatus `json:"old_status,omitempty"`
	NewStatus     AppointmentStatus `json:"new_status"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}
