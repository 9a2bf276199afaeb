// Package store provides storage backends for the journey engine.
//
// The SQLite and Postgres stores share one SQL implementation of the domain
// repositories and differ only in placeholder style, migrations and job
// claiming. InMemoryStore implements the same interfaces for tests.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/range-cupp/rangemedical-system-2-sub001/internal/models"
)

var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a conditional update lost a race.
	ErrConflict = errors.New("record changed concurrently")
)

// ProtocolRepo reads and updates treatment protocols.
type ProtocolRepo interface {
	// GetProtocol returns nil, nil when the protocol does not exist.
	GetProtocol(ctx context.Context, id string) (*models.Protocol, error)
	// ListJourneyProtocols returns active protocols that have a current stage.
	ListJourneyProtocols(ctx context.Context) ([]models.Protocol, error)
	// ListActiveProtocols returns every active protocol.
	ListActiveProtocols(ctx context.Context) ([]models.Protocol, error)
	// ListPatientProtocols returns all of a patient's protocols, any status.
	ListPatientProtocols(ctx context.Context, patientID string) ([]models.Protocol, error)
	SaveProtocol(ctx context.Context, p models.Protocol) error
	// CompleteExpiredProtocols marks active protocols whose end date is before
	// today as completed and returns how many changed.
	CompleteExpiredProtocols(ctx context.Context, today time.Time) (int, error)
}

// TemplateRepo stores journey stage templates.
type TemplateRepo interface {
	ListStageTemplates(ctx context.Context) ([]models.StageTemplate, error)
	// GetStageTemplate returns nil, nil when the template does not exist.
	GetStageTemplate(ctx context.Context, id string) (*models.StageTemplate, error)
	// GetDefaultTemplate returns nil, nil when the program type has no default.
	GetDefaultTemplate(ctx context.Context, programType string) (*models.StageTemplate, error)
	SaveStageTemplate(ctx context.Context, t models.StageTemplate) error
}

// TransitionRepo is the append-only journey event log.
type TransitionRepo interface {
	// LatestTransitionInto returns the newest event into stage, or nil.
	LatestTransitionInto(ctx context.Context, protocolID, stage string) (*models.TransitionEvent, error)
	ListTransitionsSince(ctx context.Context, since time.Time) ([]models.TransitionEvent, error)
	ListProtocolTransitions(ctx context.Context, protocolID string) ([]models.TransitionEvent, error)
	AppendTransition(ctx context.Context, e models.TransitionEvent) error
	// AdvanceStage moves the protocol from e.FromStage to e.ToStage and appends
	// e in one transaction. It returns ErrConflict if the protocol is no longer
	// in e.FromStage.
	AdvanceStage(ctx context.Context, e models.TransitionEvent) error
}

// EvidenceRepo answers the record-existence questions behind advancement
// conditions.
type EvidenceRepo interface {
	CountConsents(ctx context.Context, patientID string) (int, error)
	CountIntakes(ctx context.Context, patientID string) (int, error)
	CountServiceLogsSince(ctx context.Context, patientID string, categories []string, since time.Time) (int, error)
	CountCompletedAppointmentsSince(ctx context.Context, patientID string, since time.Time) (int, error)
	HasOptInResponse(ctx context.Context, patientID string) (bool, error)

	RecordConsent(ctx context.Context, patientID string, at time.Time) error
	RecordIntake(ctx context.Context, patientID string, at time.Time) error
	RecordServiceLog(ctx context.Context, l models.ServiceLog) error
	RecordOptInResponse(ctx context.Context, patientID, response string, at time.Time) error
}

// PatientRepo reads patient contact details.
type PatientRepo interface {
	// GetPatient returns nil, nil when the patient does not exist.
	GetPatient(ctx context.Context, id string) (*models.Patient, error)
	SavePatient(ctx context.Context, p models.Patient) error
}

// ProtocolLogRepo stores dated protocol log entries.
type ProtocolLogRepo interface {
	// ListProtocolLogs returns entries ordered by log date. With no logTypes
	// every entry is returned.
	ListProtocolLogs(ctx context.Context, protocolID string, logTypes ...string) ([]models.ProtocolLog, error)
	HasProtocolLog(ctx context.Context, protocolID, logType string) (bool, error)
	// HasProtocolLogBetween checks for an entry whose log date falls in [from, to].
	HasProtocolLogBetween(ctx context.Context, protocolID, logType string, from, to time.Time) (bool, error)
	// AddProtocolLog inserts l. For reminder log types it returns false
	// without error when an entry of the same type already exists.
	AddProtocolLog(ctx context.Context, l models.ProtocolLog) (bool, error)
}

// LabRepo reads lab records.
type LabRepo interface {
	ListPatientLabs(ctx context.Context, patientID string) ([]models.LabRecord, error)
	SaveLab(ctx context.Context, l models.LabRecord) error
}

// CommsRepo is the outbound message audit log.
type CommsRepo interface {
	LogComm(ctx context.Context, e models.CommsLogEntry) error
	// HasSentComm reports whether a successful send with this source exists.
	HasSentComm(ctx context.Context, source string) (bool, error)
	ListCommsBySource(ctx context.Context, source string) ([]models.CommsLogEntry, error)
}

// AppointmentRepo reads appointments and applies status changes.
type AppointmentRepo interface {
	// GetAppointment returns nil, nil when the appointment does not exist.
	GetAppointment(ctx context.Context, id string) (*models.Appointment, error)
	SaveAppointment(ctx context.Context, a models.Appointment) error
	// UpdateAppointmentStatus sets ev.NewStatus when the stored status is still
	// ev.OldStatus and appends ev in the same transaction. ErrConflict
	// otherwise.
	UpdateAppointmentStatus(ctx context.Context, ev models.AppointmentEvent, cancellationReason string) error
	ListAppointmentEvents(ctx context.Context, appointmentID string) ([]models.AppointmentEvent, error)
}

// Store is the full persistence surface used by the engine.
type Store interface {
	ProtocolRepo
	TemplateRepo
	TransitionRepo
	EvidenceRepo
	PatientRepo
	ProtocolLogRepo
	LabRepo
	CommsRepo
	AppointmentRepo
	DispatchClaimRepo
	JobRepo
	Close() error
}

// Opts holds configuration for creating a store.
type Opts struct {
	DSN string // database connection string or SQLite file path
}

// Option configures a store.
type Option func(*Opts)

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports "postgres" for Postgres URLs or keyword DSNs and
// "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") || strings.Contains(lower, "user=") {
		return "postgres"
	}
	return "sqlite3"
}

// isReminderLogType reports whether at most one entry of this type may exist
// per protocol.
func isReminderLogType(logType string) bool {
	return strings.HasPrefix(logType, "reminder_")
}
