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

// sqlRepo implements the domain repositories on database/sql. Queries are
// written with ? placeholders and rewritten by bind for the target dialect.
type sqlRepo struct {
	db   *sql.DB
	name string
	bind func(string) string
}

// openSQLRepo connects with driver, applies the embedded migrations and
// returns a repo using bind for placeholders. The connection is closed on
// any failure.
func openSQLRepo(driver, name, dsn, migrations string, bind func(string) string, tune func(*sql.DB)) (sqlRepo, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		slog.Error(name+": open failed", "error", err)
		return sqlRepo{}, fmt.Errorf("open %s: %w", driver, err)
	}
	if tune != nil {
		tune(db)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		slog.Error(name+": ping failed", "error", err)
		return sqlRepo{}, fmt.Errorf("ping %s: %w", driver, err)
	}
	if _, err := db.Exec(migrations); err != nil {
		db.Close()
		slog.Error(name+": migrations failed", "error", err)
		return sqlRepo{}, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug(name+": connected and migrated", "driver", driver)
	return sqlRepo{db: db, name: name, bind: bind}, nil
}

func (r *sqlRepo) exec(ctx context.Context, q string, args ...interface{}) (sql.Result, error) {
	return r.db.ExecContext(ctx, r.bind(q), args...)
}

func (r *sqlRepo) query(ctx context.Context, q string, args ...interface{}) (*sql.Rows, error) {
	return r.db.QueryContext(ctx, r.bind(q), args...)
}

func (r *sqlRepo) queryRow(ctx context.Context, q string, args ...interface{}) *sql.Row {
	return r.db.QueryRowContext(ctx, r.bind(q), args...)
}

func (r *sqlRepo) count(ctx context.Context, q string, args ...interface{}) (int, error) {
	var n int
	if err := r.queryRow(ctx, q, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Close closes the database connection.
func (r *sqlRepo) Close() error {
	if r.db == nil {
		return nil
	}
	slog.Debug(r.name + ".Close: closing database connection")
	return r.db.Close()
}

// --- protocols ---

const protocolColumns = `id, patient_id, program_type, program_name, medication, status, current_journey_stage,
	journey_template_id, start_date, end_date, cycle_start_date, last_payment_date, total_sessions, sessions_used,
	reminders_enabled, created_at, updated_at`

func scanProtocol(row rowScanner) (models.Protocol, error) {
	var p models.Protocol
	var stage, templateID, start, end, cycleStart, lastPayment sql.NullString
	var total sql.NullInt64
	err := row.Scan(
		&p.ID, &p.PatientID, &p.ProgramType, &p.ProgramName, &p.Medication, &p.Status, &stage,
		&templateID, &start, &end, &cycleStart, &lastPayment, &total, &p.UsedUnits,
		&p.RemindersEnabled, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return p, err
	}
	p.CurrentStage = stage.String
	p.TemplateID = templateID.String
	p.StartDate = parseNullDate(start)
	p.EndDate = parseNullDate(end)
	p.CycleStartDate = parseNullDate(cycleStart)
	p.LastPaymentDate = parseNullDate(lastPayment)
	p.TotalUnits = int(total.Int64)
	return p, nil
}

func (r *sqlRepo) listProtocols(ctx context.Context, where string, args ...interface{}) ([]models.Protocol, error) {
	rows, err := r.query(ctx, `SELECT `+protocolColumns+` FROM protocols WHERE `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query protocols failed: %w", err)
	}
	defer rows.Close()

	var out []models.Protocol
	for rows.Next() {
		p, err := scanProtocol(rows)
		if err != nil {
			return nil, fmt.Errorf("scan protocol failed: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate protocols failed: %w", err)
	}
	return out, nil
}

func (r *sqlRepo) GetProtocol(ctx context.Context, id string) (*models.Protocol, error) {
	p, err := scanProtocol(r.queryRow(ctx, `SELECT `+protocolColumns+` FROM protocols WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get protocol %s failed: %w", id, err)
	}
	return &p, nil
}

func (r *sqlRepo) ListJourneyProtocols(ctx context.Context) ([]models.Protocol, error) {
	return r.listProtocols(ctx, `status = ? AND current_journey_stage IS NOT NULL AND current_journey_stage <> ''`, models.ProtocolStatusActive)
}

func (r *sqlRepo) ListActiveProtocols(ctx context.Context) ([]models.Protocol, error) {
	return r.listProtocols(ctx, `status = ?`, models.ProtocolStatusActive)
}

func (r *sqlRepo) ListPatientProtocols(ctx context.Context, patientID string) ([]models.Protocol, error) {
	return r.listProtocols(ctx, `patient_id = ?`, patientID)
}

func (r *sqlRepo) SaveProtocol(ctx context.Context, p models.Protocol) error {
	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = util.NewID("prt_")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
	if p.Status == "" {
		p.Status = models.ProtocolStatusActive
	}
	var total interface{}
	if p.TotalUnits > 0 {
		total = p.TotalUnits
	}
	_, err := r.exec(ctx, `INSERT INTO protocols (`+protocolColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			patient_id = excluded.patient_id,
			program_type = excluded.program_type,
			program_name = excluded.program_name,
			medication = excluded.medication,
			status = excluded.status,
			current_journey_stage = excluded.current_journey_stage,
			journey_template_id = excluded.journey_template_id,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			cycle_start_date = excluded.cycle_start_date,
			last_payment_date = excluded.last_payment_date,
			total_sessions = excluded.total_sessions,
			sessions_used = excluded.sessions_used,
			reminders_enabled = excluded.reminders_enabled,
			updated_at = excluded.updated_at`,
		p.ID, p.PatientID, p.ProgramType, p.ProgramName, p.Medication, p.Status, nilIfEmpty(p.CurrentStage),
		nilIfEmpty(p.TemplateID), dateArg(p.StartDate), dateArg(p.EndDate), dateArg(p.CycleStartDate), dateArg(p.LastPaymentDate),
		total, p.UsedUnits, p.RemindersEnabled, p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
	)
	if err != nil {
		slog.Error(r.name+".SaveProtocol failed", "error", err, "protocolID", p.ID)
		return fmt.Errorf("save protocol %s failed: %w", p.ID, err)
	}
	slog.Debug(r.name+".SaveProtocol succeeded", "protocolID", p.ID, "stage", p.CurrentStage)
	return nil
}

func (r *sqlRepo) CompleteExpiredProtocols(ctx context.Context, today time.Time) (int, error) {
	res, err := r.exec(ctx,
		`UPDATE protocols SET status = ?, updated_at = ? WHERE status = ? AND end_date IS NOT NULL AND end_date < ?`,
		models.ProtocolStatusCompleted, time.Now().UTC(), models.ProtocolStatusActive, dateArg(today),
	)
	if err != nil {
		return 0, fmt.Errorf("complete expired protocols failed: %w", err)
	}
	n, _ := res.RowsAffected()
	slog.Debug(r.name+".CompleteExpiredProtocols", "completed", n)
	return int(n), nil
}

// --- stage templates ---

func scanTemplate(row rowScanner) (models.StageTemplate, error) {
	var t models.StageTemplate
	var stagesJSON string
	if err := row.Scan(&t.ID, &t.ProgramType, &t.Name, &t.Description, &t.IsDefault, &stagesJSON, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(stagesJSON), &t.Stages); err != nil {
		return t, fmt.Errorf("decode stages for template %s: %w", t.ID, err)
	}
	return t, nil
}

const templateColumns = `id, program_type, name, description, is_default, stages_json, created_at, updated_at`

func (r *sqlRepo) ListStageTemplates(ctx context.Context) ([]models.StageTemplate, error) {
	rows, err := r.query(ctx, `SELECT `+templateColumns+` FROM journey_templates ORDER BY program_type ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query templates failed: %w", err)
	}
	defer rows.Close()

	var out []models.StageTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *sqlRepo) GetStageTemplate(ctx context.Context, id string) (*models.StageTemplate, error) {
	t, err := scanTemplate(r.queryRow(ctx, `SELECT `+templateColumns+` FROM journey_templates WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get template %s failed: %w", id, err)
	}
	return &t, nil
}

func (r *sqlRepo) GetDefaultTemplate(ctx context.Context, programType string) (*models.StageTemplate, error) {
	t, err := scanTemplate(r.queryRow(ctx,
		`SELECT `+templateColumns+` FROM journey_templates WHERE program_type = ? AND is_default = ? ORDER BY updated_at DESC LIMIT 1`,
		programType, true,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get default template for %s failed: %w", programType, err)
	}
	return &t, nil
}

func (r *sqlRepo) SaveStageTemplate(ctx context.Context, t models.StageTemplate) error {
	stagesJSON, err := json.Marshal(t.Stages)
	if err != nil {
		return fmt.Errorf("encode stages for template %s: %w", t.ID, err)
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	_, err = r.exec(ctx, `INSERT INTO journey_templates (`+templateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			program_type = excluded.program_type,
			name = excluded.name,
			description = excluded.description,
			is_default = excluded.is_default,
			stages_json = excluded.stages_json,
			updated_at = excluded.updated_at`,
		t.ID, t.ProgramType, t.Name, t.Description, t.IsDefault, string(stagesJSON), t.CreatedAt.UTC(), now,
	)
	if err != nil {
		slog.Error(r.name+".SaveStageTemplate failed", "error", err, "templateID", t.ID)
		return fmt.Errorf("save template %s failed: %w", t.ID, err)
	}
	return nil
}

// --- transitions ---

const transitionColumns = `id, protocol_id, patient_id, from_stage, to_stage, triggered_by, trigger_type, trigger_event, notes, created_at`

func scanTransition(row rowScanner) (models.TransitionEvent, error) {
	var e models.TransitionEvent
	var from, triggerEvent, notes sql.NullString
	err := row.Scan(&e.ID, &e.ProtocolID, &e.PatientID, &from, &e.ToStage, &e.TriggeredBy, &e.TriggerType, &triggerEvent, &notes, &e.CreatedAt)
	e.FromStage = from.String
	e.TriggerEvent = triggerEvent.String
	e.Notes = notes.String
	return e, err
}

func (r *sqlRepo) listTransitions(ctx context.Context, where string, args ...interface{}) ([]models.TransitionEvent, error) {
	rows, err := r.query(ctx, `SELECT `+transitionColumns+` FROM journey_events WHERE `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("query journey events failed: %w", err)
	}
	defer rows.Close()

	var out []models.TransitionEvent
	for rows.Next() {
		e, err := scanTransition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan journey event failed: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *sqlRepo) LatestTransitionInto(ctx context.Context, protocolID, stage string) (*models.TransitionEvent, error) {
	e, err := scanTransition(r.queryRow(ctx,
		`SELECT `+transitionColumns+` FROM journey_events WHERE protocol_id = ? AND to_stage = ? ORDER BY created_at DESC LIMIT 1`,
		protocolID, stage,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest transition for %s failed: %w", protocolID, err)
	}
	return &e, nil
}

func (r *sqlRepo) ListTransitionsSince(ctx context.Context, since time.Time) ([]models.TransitionEvent, error) {
	return r.listTransitions(ctx, `created_at >= ?`, since.UTC())
}

func (r *sqlRepo) ListProtocolTransitions(ctx context.Context, protocolID string) ([]models.TransitionEvent, error) {
	return r.listTransitions(ctx, `protocol_id = ?`, protocolID)
}

func prepareTransition(e *models.TransitionEvent) {
	if e.ID == "" {
		e.ID = util.NewID("evt_")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
}

const insertTransition = `INSERT INTO journey_events (` + transitionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func transitionArgs(e models.TransitionEvent) []interface{} {
	return []interface{}{
		e.ID, e.ProtocolID, e.PatientID, nilIfEmpty(e.FromStage), e.ToStage, e.TriggeredBy, e.TriggerType,
		nilIfEmpty(e.TriggerEvent), nilIfEmpty(e.Notes), e.CreatedAt.UTC(),
	}
}

func (r *sqlRepo) AppendTransition(ctx context.Context, e models.TransitionEvent) error {
	prepareTransition(&e)
	if _, err := r.exec(ctx, insertTransition, transitionArgs(e)...); err != nil {
		return fmt.Errorf("append journey event for %s failed: %w", e.ProtocolID, err)
	}
	return nil
}

func (r *sqlRepo) AdvanceStage(ctx context.Context, e models.TransitionEvent) error {
	prepareTransition(&e)
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin advance tx failed: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, r.bind(
		`UPDATE protocols SET current_journey_stage = ?, updated_at = ? WHERE id = ? AND COALESCE(current_journey_stage, '') = ?`),
		e.ToStage, e.CreatedAt.UTC(), e.ProtocolID, e.FromStage,
	)
	if err != nil {
		return fmt.Errorf("update protocol stage failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	if _, err := tx.ExecContext(ctx, r.bind(insertTransition), transitionArgs(e)...); err != nil {
		return fmt.Errorf("insert journey event failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit advance tx failed: %w", err)
	}
	slog.Debug(r.name+".AdvanceStage committed", "protocolID", e.ProtocolID, "from", e.FromStage, "to", e.ToStage)
	return nil
}

// --- patients ---

func (r *sqlRepo) GetPatient(ctx context.Context, id string) (*models.Patient, error) {
	var p models.Patient
	var phone sql.NullString
	err := r.queryRow(ctx, `SELECT id, first_name, last_name, phone FROM patients WHERE id = ?`, id).
		Scan(&p.ID, &p.FirstName, &p.LastName, &phone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get patient %s failed: %w", id, err)
	}
	p.Phone = phone.String
	return &p, nil
}

func (r *sqlRepo) SavePatient(ctx context.Context, p models.Patient) error {
	_, err := r.exec(ctx, `INSERT INTO patients (id, first_name, last_name, phone) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET first_name = excluded.first_name, last_name = excluded.last_name, phone = excluded.phone`,
		p.ID, p.FirstName, p.LastName, nilIfEmpty(p.Phone),
	)
	if err != nil {
		return fmt.Errorf("save patient %s failed: %w", p.ID, err)
	}
	return nil
}
