package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/range-cupp/rangemedical-system-2-sub001/internal/clock"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/models"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/util"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

type memClaim struct {
	status     DispatchClaimStatus
	claimedAt  time.Time
	externalID string
}

// InMemoryStore keeps everything in maps guarded by one mutex. It is used by
// tests and by the CLI's dry-run mode; nothing survives a restart.
type InMemoryStore struct {
	mu sync.Mutex

	protocols   map[string]models.Protocol
	templates   map[string]models.StageTemplate
	transitions []models.TransitionEvent
	patients    map[string]models.Patient
	consents    []models.ServiceLog
	intakes     []models.ServiceLog
	services    []models.ServiceLog
	optIns      map[string]string
	logs        []models.ProtocolLog
	labs        map[string]models.LabRecord
	comms       []models.CommsLogEntry
	appts       map[string]models.Appointment
	apptEvents  []models.AppointmentEvent
	claims      map[string]memClaim
	jobs        map[string]Job
}

// NewInMemoryStore returns an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		protocols: make(map[string]models.Protocol),
		templates: make(map[string]models.StageTemplate),
		patients:  make(map[string]models.Patient),
		optIns:    make(map[string]string),
		labs:      make(map[string]models.LabRecord),
		appts:     make(map[string]models.Appointment),
		claims:    make(map[string]memClaim),
		jobs:      make(map[string]Job),
	}
}

func (s *InMemoryStore) Close() error { return nil }

// --- protocols ---

func (s *InMemoryStore) GetProtocol(_ context.Context, id string) (*models.Protocol, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.protocols[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *InMemoryStore) filterProtocols(keep func(models.Protocol) bool) []models.Protocol {
	var out []models.Protocol
	for _, p := range s.protocols {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *InMemoryStore) ListJourneyProtocols(_ context.Context) ([]models.Protocol, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterProtocols(func(p models.Protocol) bool {
		return p.Status == models.ProtocolStatusActive && p.CurrentStage != ""
	}), nil
}

func (s *InMemoryStore) ListActiveProtocols(_ context.Context) ([]models.Protocol, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterProtocols(func(p models.Protocol) bool { return p.Status == models.ProtocolStatusActive }), nil
}

func (s *InMemoryStore) ListPatientProtocols(_ context.Context, patientID string) ([]models.Protocol, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterProtocols(func(p models.Protocol) bool { return p.PatientID == patientID }), nil
}

func (s *InMemoryStore) SaveProtocol(_ context.Context, p models.Protocol) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
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
	s.protocols[p.ID] = p
	return nil
}

func (s *InMemoryStore) CompleteExpiredProtocols(_ context.Context, today time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, p := range s.protocols {
		if p.Status == models.ProtocolStatusActive && p.HasEndDate() && dateBefore(p.EndDate, today) {
			p.Status = models.ProtocolStatusCompleted
			p.UpdatedAt = time.Now()
			s.protocols[id] = p
			n++
		}
	}
	return n, nil
}

// dateBefore compares calendar dates only.
func dateBefore(a, b time.Time) bool {
	return clock.DaysBetween(a, b) > 0
}

// --- templates ---

func (s *InMemoryStore) ListStageTemplates(_ context.Context) ([]models.StageTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.StageTemplate, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProgramType != out[j].ProgramType {
			return out[i].ProgramType < out[j].ProgramType
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *InMemoryStore) GetStageTemplate(_ context.Context, id string) (*models.StageTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *InMemoryStore) GetDefaultTemplate(_ context.Context, programType string) (*models.StageTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *models.StageTemplate
	for _, t := range s.templates {
		if t.ProgramType != programType || !t.IsDefault {
			continue
		}
		if best == nil || t.UpdatedAt.After(best.UpdatedAt) {
			t := t
			best = &t
		}
	}
	return best, nil
}

func (s *InMemoryStore) SaveStageTemplate(_ context.Context, t models.StageTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if prev, ok := s.templates[t.ID]; ok {
		t.CreatedAt = prev.CreatedAt
	} else if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	s.templates[t.ID] = t
	return nil
}

// --- transitions ---

func (s *InMemoryStore) LatestTransitionInto(_ context.Context, protocolID, stage string) (*models.TransitionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.TransitionEvent
	for i := range s.transitions {
		e := s.transitions[i]
		if e.ProtocolID != protocolID || e.ToStage != stage {
			continue
		}
		if latest == nil || !e.CreatedAt.Before(latest.CreatedAt) {
			latest = &e
		}
	}
	return latest, nil
}

func (s *InMemoryStore) ListTransitionsSince(_ context.Context, since time.Time) ([]models.TransitionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.TransitionEvent
	for _, e := range s.transitions {
		if !e.CreatedAt.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListProtocolTransitions(_ context.Context, protocolID string) ([]models.TransitionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.TransitionEvent
	for _, e := range s.transitions {
		if e.ProtocolID == protocolID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *InMemoryStore) AppendTransition(_ context.Context, e models.TransitionEvent) error {
	prepareTransition(&e)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, e)
	return nil
}

func (s *InMemoryStore) AdvanceStage(_ context.Context, e models.TransitionEvent) error {
	prepareTransition(&e)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.protocols[e.ProtocolID]
	if !ok || p.CurrentStage != e.FromStage {
		return ErrConflict
	}
	p.CurrentStage = e.ToStage
	p.UpdatedAt = e.CreatedAt
	s.protocols[p.ID] = p
	s.transitions = append(s.transitions, e)
	return nil
}

// --- evidence ---

func countFor(records []models.ServiceLog, patientID string) int {
	n := 0
	for _, r := range records {
		if r.PatientID == patientID {
			n++
		}
	}
	return n
}

func (s *InMemoryStore) CountConsents(_ context.Context, patientID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return countFor(s.consents, patientID), nil
}

func (s *InMemoryStore) CountIntakes(_ context.Context, patientID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return countFor(s.intakes, patientID), nil
}

func (s *InMemoryStore) CountServiceLogsSince(_ context.Context, patientID string, categories []string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.services {
		if l.PatientID != patientID || l.CreatedAt.Before(since) {
			continue
		}
		for _, c := range categories {
			if l.Category == c {
				n++
				break
			}
		}
	}
	return n, nil
}

func (s *InMemoryStore) CountCompletedAppointmentsSince(_ context.Context, patientID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.appts {
		if a.PatientID == patientID && a.Status == models.AppointmentCompleted && !a.UpdatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) HasOptInResponse(_ context.Context, patientID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.optIns[patientID]
	return ok, nil
}

func (s *InMemoryStore) RecordConsent(_ context.Context, patientID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consents = append(s.consents, models.ServiceLog{ID: util.NewID("cns_"), PatientID: patientID, CreatedAt: at})
	return nil
}

func (s *InMemoryStore) RecordIntake(_ context.Context, patientID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intakes = append(s.intakes, models.ServiceLog{ID: util.NewID("int_"), PatientID: patientID, CreatedAt: at})
	return nil
}

func (s *InMemoryStore) RecordServiceLog(_ context.Context, l models.ServiceLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.ID == "" {
		l.ID = util.NewID("svc_")
	}
	s.services = append(s.services, l)
	return nil
}

func (s *InMemoryStore) RecordOptInResponse(_ context.Context, patientID, response string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.optIns[patientID] = response
	return nil
}

// --- patients ---

func (s *InMemoryStore) GetPatient(_ context.Context, id string) (*models.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patients[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *InMemoryStore) SavePatient(_ context.Context, p models.Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients[p.ID] = p
	return nil
}

// --- protocol logs ---

func (s *InMemoryStore) ListProtocolLogs(_ context.Context, protocolID string, logTypes ...string) ([]models.ProtocolLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ProtocolLog
	for _, l := range s.logs {
		if l.ProtocolID != protocolID {
			continue
		}
		if len(logTypes) > 0 && !containsString(logTypes, l.LogType) {
			continue
		}
		out = append(out, l)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LogDate.Before(out[j].LogDate) })
	return out, nil
}

func (s *InMemoryStore) HasProtocolLog(_ context.Context, protocolID, logType string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.logs {
		if l.ProtocolID == protocolID && l.LogType == logType {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemoryStore) HasProtocolLogBetween(_ context.Context, protocolID, logType string, from, to time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.logs {
		if l.ProtocolID != protocolID || l.LogType != logType {
			continue
		}
		if !dateBefore(l.LogDate, from) && !dateBefore(to, l.LogDate) {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemoryStore) AddProtocolLog(_ context.Context, l models.ProtocolLog) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if isReminderLogType(l.LogType) {
		for _, existing := range s.logs {
			if existing.ProtocolID == l.ProtocolID && existing.LogType == l.LogType {
				return false, nil
			}
		}
	}
	if l.ID == "" {
		l.ID = util.NewID("log_")
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	s.logs = append(s.logs, l)
	return true, nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// --- labs ---

func (s *InMemoryStore) ListPatientLabs(_ context.Context, patientID string) ([]models.LabRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.LabRecord
	for _, l := range s.labs {
		if l.PatientID == patientID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) SaveLab(_ context.Context, l models.LabRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.ID == "" {
		l.ID = util.NewID("lab_")
	}
	s.labs[l.ID] = l
	return nil
}

// --- comms ---

func (s *InMemoryStore) LogComm(_ context.Context, e models.CommsLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = util.NewID("msg_")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	s.comms = append(s.comms, e)
	return nil
}

func (s *InMemoryStore) HasSentComm(_ context.Context, source string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.comms {
		if e.Source == source && e.Status == models.CommsSent {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemoryStore) ListCommsBySource(_ context.Context, source string) ([]models.CommsLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CommsLogEntry
	for _, e := range s.comms {
		if e.Source == source {
			out = append(out, e)
		}
	}
	return out, nil
}

// Comms returns a copy of every logged message.
func (s *InMemoryStore) Comms() []models.CommsLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.CommsLogEntry(nil), s.comms...)
}

// --- appointments ---

func (s *InMemoryStore) GetAppointment(_ context.Context, id string) (*models.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appts[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s *InMemoryStore) SaveAppointment(_ context.Context, a models.Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if a.ID == "" {
		a.ID = util.NewID("apt_")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = now
	}
	s.appts[a.ID] = a
	return nil
}

func (s *InMemoryStore) UpdateAppointmentStatus(_ context.Context, ev models.AppointmentEvent, cancellationReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appts[ev.AppointmentID]
	if !ok || a.Status != ev.OldStatus {
		return ErrConflict
	}
	if ev.ID == "" {
		ev.ID = util.NewID("aev_")
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	a.Status = ev.NewStatus
	a.UpdatedAt = ev.CreatedAt
	if cancellationReason != "" {
		a.CancellationReason = cancellationReason
	}
	s.appts[a.ID] = a
	s.apptEvents = append(s.apptEvents, ev)
	return nil
}

func (s *InMemoryStore) ListAppointmentEvents(_ context.Context, appointmentID string) ([]models.AppointmentEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AppointmentEvent
	for _, e := range s.apptEvents {
		if e.AppointmentID == appointmentID {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- dispatch claims ---

func (s *InMemoryStore) ClaimDispatch(_ context.Context, key string, now time.Time, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[key]
	if !ok || (c.status == DispatchClaimed && c.claimedAt.Before(now.Add(-ttl))) {
		s.claims[key] = memClaim{status: DispatchClaimed, claimedAt: now}
		return true, nil
	}
	return false, nil
}

func (s *InMemoryStore) ReleaseDispatch(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.claims[key]; ok && c.status == DispatchClaimed {
		delete(s.claims, key)
	}
	return nil
}

func (s *InMemoryStore) CompleteDispatch(_ context.Context, key, externalID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.claims[key]
	c.status = DispatchCompleted
	c.externalID = externalID
	s.claims[key] = c
	return nil
}

// --- jobs ---

func (s *InMemoryStore) EnqueueJob(_ context.Context, kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, j := range s.jobs {
			if j.DedupeKey == dedupeKey && j.Status != JobStatusDone && j.Status != JobStatusCanceled {
				return j.ID, nil
			}
		}
	}
	now := time.Now()
	j := Job{
		ID: util.NewID("job_"), Kind: kind, RunAt: runAt, PayloadJSON: payloadJSON, Status: JobStatusQueued,
		MaxAttempts: DefaultJobMaxAttempts, DedupeKey: dedupeKey, CreatedAt: now, UpdatedAt: now,
	}
	s.jobs[j.ID] = j
	return j.ID, nil
}

func (s *InMemoryStore) ClaimDueJobs(_ context.Context, now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Job
	for _, j := range s.jobs {
		if j.Status == JobStatusQueued && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RunAt.Before(due[j].RunAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		locked := now
		due[i].Status = JobStatusRunning
		due[i].LockedAt = &locked
		s.jobs[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *InMemoryStore) updateJob(id string, fn func(*Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	fn(&j)
	j.UpdatedAt = time.Now()
	s.jobs[id] = j
	return nil
}

func (s *InMemoryStore) CompleteJob(_ context.Context, id string) error {
	return s.updateJob(id, func(j *Job) { j.Status = JobStatusDone; j.LockedAt = nil })
}

func (s *InMemoryStore) FailJob(_ context.Context, id string, errMsg string, nextRunAt time.Time) error {
	return s.updateJob(id, func(j *Job) {
		j.Attempt++
		j.LastError = errMsg
		j.LockedAt = nil
		if j.Attempt >= j.MaxAttempts {
			j.Status = JobStatusFailed
			return
		}
		j.Status = JobStatusQueued
		j.RunAt = nextRunAt
	})
}

func (s *InMemoryStore) CancelJob(_ context.Context, id string) error {
	return s.updateJob(id, func(j *Job) { j.Status = JobStatusCanceled; j.LockedAt = nil })
}

func (s *InMemoryStore) RequeueStaleRunningJobs(_ context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.Status == JobStatusRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = JobStatusQueued
			j.LockedAt = nil
			s.jobs[id] = j
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetJob(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return &j, nil
}
