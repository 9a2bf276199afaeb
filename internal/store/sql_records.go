package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/range-cupp/rangemedical-system-2-sub001/internal/models"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/util"
)

// --- evidence ---

func (r *sqlRepo) CountConsents(ctx context.Context, patientID string) (int, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM consents WHERE patient_id = ?`, patientID)
}

func (r *sqlRepo) CountIntakes(ctx context.Context, patientID string) (int, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM intakes WHERE patient_id = ?`, patientID)
}

func (r *sqlRepo) CountServiceLogsSince(ctx context.Context, patientID string, categories []string, since time.Time) (int, error) {
	if len(categories) == 0 {
		return 0, nil
	}
	args := []interface{}{patientID, since.UTC()}
	for _, c := range categories {
		args = append(args, c)
	}
	return r.count(ctx,
		`SELECT COUNT(*) FROM service_logs WHERE patient_id = ? AND created_at >= ? AND category IN (`+inPlaceholders(len(categories))+`)`,
		args...,
	)
}

func (r *sqlRepo) CountCompletedAppointmentsSince(ctx context.Context, patientID string, since time.Time) (int, error) {
	return r.count(ctx,
		`SELECT COUNT(*) FROM appointments WHERE patient_id = ? AND status = ? AND updated_at >= ?`,
		patientID, models.AppointmentCompleted, since.UTC(),
	)
}

func (r *sqlRepo) HasOptInResponse(ctx context.Context, patientID string) (bool, error) {
	n, err := r.count(ctx, `SELECT COUNT(*) FROM optin_responses WHERE patient_id = ?`, patientID)
	return n > 0, err
}

func (r *sqlRepo) RecordConsent(ctx context.Context, patientID string, at time.Time) error {
	_, err := r.exec(ctx, `INSERT INTO consents (id, patient_id, created_at) VALUES (?, ?, ?)`, util.NewID("cns_"), patientID, at.UTC())
	return err
}

func (r *sqlRepo) RecordIntake(ctx context.Context, patientID string, at time.Time) error {
	_, err := r.exec(ctx, `INSERT INTO intakes (id, patient_id, created_at) VALUES (?, ?, ?)`, util.NewID("int_"), patientID, at.UTC())
	return err
}

func (r *sqlRepo) RecordServiceLog(ctx context.Context, l models.ServiceLog) error {
	if l.ID == "" {
		l.ID = util.NewID("svc_")
	}
	_, err := r.exec(ctx, `INSERT INTO service_logs (id, patient_id, category, created_at) VALUES (?, ?, ?, ?)`,
		l.ID, l.PatientID, l.Category, l.CreatedAt.UTC())
	return err
}

func (r *sqlRepo) RecordOptInResponse(ctx context.Context, patientID, response string, at time.Time) error {
	_, err := r.exec(ctx, `INSERT INTO optin_responses (patient_id, response, created_at) VALUES (?, ?, ?)
		ON CONFLICT (patient_id) DO UPDATE SET response = excluded.response, created_at = excluded.created_at`,
		patientID, response, at.UTC())
	return err
}

// --- protocol logs ---

func (r *sqlRepo) ListProtocolLogs(ctx context.Context, protocolID string, logTypes ...string) ([]models.ProtocolLog, error) {
	q := `SELECT id, protocol_id, patient_id, log_type, log_date, notes, created_at FROM protocol_logs WHERE protocol_id = ?`
	args := []interface{}{protocolID}
	if len(logTypes) > 0 {
		q += ` AND log_type IN (` + inPlaceholders(len(logTypes)) + `)`
		for _, t := range logTypes {
			args = append(args, t)
		}
	}
	rows, err := r.query(ctx, q+` ORDER BY log_date ASC, created_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query protocol logs failed: %w", err)
	}
	defer rows.Close()

	var out []models.ProtocolLog
	for rows.Next() {
		var l models.ProtocolLog
		var logDate, notes sql.NullString
		if err := rows.Scan(&l.ID, &l.ProtocolID, &l.PatientID, &l.LogType, &logDate, &notes, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan protocol log failed: %w", err)
		}
		l.LogDate = parseNullDate(logDate)
		l.Notes = notes.String
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *sqlRepo) HasProtocolLog(ctx context.Context, protocolID, logType string) (bool, error) {
	n, err := r.count(ctx, `SELECT COUNT(*) FROM protocol_logs WHERE protocol_id = ? AND log_type = ?`, protocolID, logType)
	return n > 0, err
}

func (r *sqlRepo) HasProtocolLogBetween(ctx context.Context, protocolID, logType string, from, to time.Time) (bool, error) {
	n, err := r.count(ctx,
		`SELECT COUNT(*) FROM protocol_logs WHERE protocol_id = ? AND log_type = ? AND log_date >= ? AND log_date <= ?`,
		protocolID, logType, dateArg(from), dateArg(to))
	return n > 0, err
}

func (r *sqlRepo) AddProtocolLog(ctx context.Context, l models.ProtocolLog) (bool, error) {
	if l.ID == "" {
		l.ID = util.NewID("log_")
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	res, err := r.exec(ctx, `INSERT INTO protocol_logs (id, protocol_id, patient_id, log_type, log_date, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		l.ID, l.ProtocolID, l.PatientID, l.LogType, dateArg(l.LogDate), nilIfEmpty(l.Notes), l.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("add protocol log failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		slog.Debug(r.name+".AddProtocolLog: already recorded", "protocolID", l.ProtocolID, "logType", l.LogType)
	}
	return n > 0, nil
}

// --- labs ---

func (r *sqlRepo) ListPatientLabs(ctx context.Context, patientID string) ([]models.LabRecord, error) {
	rows, err := r.query(ctx, `SELECT id, patient_id, lab_date, collection_date, completed_date FROM labs WHERE patient_id = ?`, patientID)
	if err != nil {
		return nil, fmt.Errorf("query labs failed: %w", err)
	}
	defer rows.Close()

	var out []models.LabRecord
	for rows.Next() {
		var l models.LabRecord
		var labDate, collected, completed sql.NullString
		if err := rows.Scan(&l.ID, &l.PatientID, &labDate, &collected, &completed); err != nil {
			return nil, fmt.Errorf("scan lab failed: %w", err)
		}
		l.LabDate = parseNullDate(labDate)
		l.CollectionDate = parseNullDate(collected)
		l.CompletedDate = parseNullDate(completed)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *sqlRepo) SaveLab(ctx context.Context, l models.LabRecord) error {
	if l.ID == "" {
		l.ID = util.NewID("lab_")
	}
	_, err := r.exec(ctx, `INSERT INTO labs (id, patient_id, lab_date, collection_date, completed_date) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET lab_date = excluded.lab_date, collection_date = excluded.collection_date, completed_date = excluded.completed_date`,
		l.ID, l.PatientID, dateArg(l.LabDate), dateArg(l.CollectionDate), dateArg(l.CompletedDate))
	return err
}

// --- comms log ---

func (r *sqlRepo) LogComm(ctx context.Context, e models.CommsLogEntry) error {
	if e.ID == "" {
		e.ID = util.NewID("msg_")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := r.exec(ctx, `INSERT INTO comms_log
		(id, patient_id, protocol_id, channel, message_type, message, source, recipient, status, external_id, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, nilIfEmpty(e.PatientID), nilIfEmpty(e.ProtocolID), e.Channel, e.MessageType, e.Message, e.Source,
		nilIfEmpty(e.Recipient), e.Status, nilIfEmpty(e.ExternalID), nilIfEmpty(e.ErrorMessage), e.CreatedAt.UTC())
	if err != nil {
		slog.Error(r.name+".LogComm failed", "error", err, "source", e.Source)
		return fmt.Errorf("log comm failed: %w", err)
	}
	return nil
}

func (r *sqlRepo) HasSentComm(ctx context.Context, source string) (bool, error) {
	n, err := r.count(ctx, `SELECT COUNT(*) FROM comms_log WHERE source = ? AND status = ?`, source, models.CommsSent)
	return n > 0, err
}

func (r *sqlRepo) ListCommsBySource(ctx context.Context, source string) ([]models.CommsLogEntry, error) {
	rows, err := r.query(ctx, `SELECT id, patient_id, protocol_id, channel, message_type, message, source, recipient, status,
		external_id, error_message, created_at FROM comms_log WHERE source = ? ORDER BY created_at ASC`, source)
	if err != nil {
		return nil, fmt.Errorf("query comms log failed: %w", err)
	}
	defer rows.Close()

	var out []models.CommsLogEntry
	for rows.Next() {
		var e models.CommsLogEntry
		var patientID, protocolID, recipient, externalID, errMsg sql.NullString
		if err := rows.Scan(&e.ID, &patientID, &protocolID, &e.Channel, &e.MessageType, &e.Message, &e.Source,
			&recipient, &e.Status, &externalID, &errMsg, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comms log failed: %w", err)
		}
		e.PatientID = patientID.String
		e.ProtocolID = protocolID.String
		e.Recipient = recipient.String
		e.ExternalID = externalID.String
		e.ErrorMessage = errMsg.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- appointments ---

func (r *sqlRepo) GetAppointment(ctx context.Context, id string) (*models.Appointment, error) {
	var a models.Appointment
	var patientID, phone, provider, reason sql.NullString
	err := r.queryRow(ctx, `SELECT id, patient_id, patient_name, patient_phone, service_name, provider, start_time, status,
		cancellation_reason, created_at, updated_at FROM appointments WHERE id = ?`, id).
		Scan(&a.ID, &patientID, &a.PatientName, &phone, &a.ServiceName, &provider, &a.StartTime, &a.Status,
			&reason, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get appointment %s failed: %w", id, err)
	}
	a.PatientID = patientID.String
	a.PatientPhone = phone.String
	a.Provider = provider.String
	a.CancellationReason = reason.String
	return &a, nil
}

func (r *sqlRepo) SaveAppointment(ctx context.Context, a models.Appointment) error {
	now := time.Now().UTC()
	if a.ID == "" {
		a.ID = util.NewID("apt_")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = now
	}
	_, err := r.exec(ctx, `INSERT INTO appointments
		(id, patient_id, patient_name, patient_phone, service_name, provider, start_time, status, cancellation_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			patient_id = excluded.patient_id,
			patient_name = excluded.patient_name,
			patient_phone = excluded.patient_phone,
			service_name = excluded.service_name,
			provider = excluded.provider,
			start_time = excluded.start_time,
			status = excluded.status,
			cancellation_reason = excluded.cancellation_reason,
			updated_at = excluded.updated_at`,
		a.ID, nilIfEmpty(a.PatientID), a.PatientName, nilIfEmpty(a.PatientPhone), a.ServiceName, nilIfEmpty(a.Provider),
		a.StartTime.UTC(), a.Status, nilIfEmpty(a.CancellationReason), a.CreatedAt.UTC(), a.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save appointment %s failed: %w", a.ID, err)
	}
	return nil
}

func (r *sqlRepo) UpdateAppointmentStatus(ctx context.Context, ev models.AppointmentEvent, cancellationReason string) error {
	if ev.ID == "" {
		ev.ID = util.NewID("aev_")
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	var metadata interface{}
	if len(ev.Metadata) > 0 {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("encode appointment event metadata: %w", err)
		}
		metadata = string(b)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin appointment tx failed: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, r.bind(`UPDATE appointments
		SET status = ?, updated_at = ?, cancellation_reason = COALESCE(?, cancellation_reason)
		WHERE id = ? AND status = ?`),
		ev.NewStatus, ev.CreatedAt.UTC(), nilIfEmpty(cancellationReason), ev.AppointmentID, ev.OldStatus)
	if err != nil {
		return fmt.Errorf("update appointment status failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	_, err = tx.ExecContext(ctx, r.bind(`INSERT INTO appointment_events
		(id, appointment_id, event_type, old_status, new_status, metadata_json, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		ev.ID, ev.AppointmentID, ev.EventType, nilIfEmpty(string(ev.OldStatus)), ev.NewStatus, metadata, ev.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert appointment event failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit appointment tx failed: %w", err)
	}
	slog.Debug(r.name+".UpdateAppointmentStatus committed", "appointmentID", ev.AppointmentID, "from", ev.OldStatus, "to", ev.NewStatus)
	return nil
}

func (r *sqlRepo) ListAppointmentEvents(ctx context.Context, appointmentID string) ([]models.AppointmentEvent, error) {
	rows, err := r.query(ctx, `SELECT id, appointment_id, event_type, old_status, new_status, metadata_json, created_at
		FROM appointment_events WHERE appointment_id = ? ORDER BY created_at ASC, id ASC`, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("query appointment events failed: %w", err)
	}
	defer rows.Close()

	var out []models.AppointmentEvent
	for rows.Next() {
		var e models.AppointmentEvent
		var oldStatus, metadata sql.NullString
		if err := rows.Scan(&e.ID, &e.AppointmentID, &e.EventType, &oldStatus, &e.NewStatus, &metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan appointment event failed: %w", err)
		}
		e.OldStatus = models.AppointmentStatus(oldStatus.String)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				slog.Warn(r.name+".ListAppointmentEvents: bad metadata", "eventID", e.ID, "error", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
