package models

// Advance describes one stage change made by the journey orchestrator.
type Advance struct {
	ProtocolID string `json:"protocol_id"`
	PatientID  string `json:"patient_id"`
	From       string `json:"from"`
	To         string `json:"to"`
}

// AdvanceSummary is the outcome of one orchestrator run.
type AdvanceSummary struct {
	Evaluated int       `json:"evaluated"`
	Advanced  int       `json:"advanced"`
	Advances  []Advance `json:"advances"`
	Errors    []string  `json:"errors"`
}

// NotificationResult describes what happened to one transition event.
type NotificationResult struct {
	EventID    string `json:"event_id"`
	ProtocolID string `json:"protocol_id"`
	Stage      string `json:"stage"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
}

// NotificationSummary is the outcome of one notification dispatcher run.
type NotificationSummary struct {
	Found         int                  `json:"found"`
	Notified      int                  `json:"notified"`
	Skipped       int                  `json:"skipped"`
	Notifications []NotificationResult `json:"notifications"`
	Errors        []string             `json:"errors"`
}

// Per-item statuses in batch results.
const (
	ResultSent    = "sent"
	ResultSkipped = "skipped"
	ResultError   = "error"
)

// ReminderResult describes one reminder attempt.
type ReminderResult struct {
	ProtocolID string `json:"protocol_id"`
	PatientID  string `json:"patient_id"`
	Type       string `json:"type"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
}

// ReminderSummary is the outcome of one reminder scheduler run.
type ReminderSummary struct {
	Sent    int              `json:"sent"`
	Skipped int              `json:"skipped"`
	Alerts  int              `json:"alerts"`
	Errors  []string         `json:"errors"`
	Details []ReminderResult `json:"details"`
}

// DigestSummary is the outcome of one staff lab digest run.
type DigestSummary struct {
	Protocols int    `json:"protocols"`
	Upcoming  int    `json:"upcoming"`
	Sent      bool   `json:"sent"`
	Message   string `json:"message,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// CompletionSummary is the outcome of closing out expired protocols.
type CompletionSummary struct {
	Updated int    `json:"updated"`
	Date    string `json:"date"`
}
