package journey

import (
	"context"
	"log/slog"
	"time"

	"github.com/range-cupp/rangemedical-system-2-sub001/internal/clock"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/models"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/store"
)

// ConditionName is one entry in the fixed advancement vocabulary.
type ConditionName string

const (
	CondConsentSigned        ConditionName = "consent_signed"
	CondIntakeSubmitted      ConditionName = "intake_submitted"
	CondFormsComplete        ConditionName = "forms_complete"
	CondDaysElapsed          ConditionName = "days_elapsed"
	CondDaysOnProtocol       ConditionName = "days_on_protocol"
	CondLabsCompleted        ConditionName = "labs_completed"
	CondAppointmentCompleted ConditionName = "appointment_completed"
	CondSessionsCompleted    ConditionName = "sessions_completed"
	CondSessionsAtMidpoint   ConditionName = "sessions_at_midpoint"
	CondProtocolEndingSoon   ConditionName = "protocol_ending_soon"
	CondDaysAtMidpoint       ConditionName = "days_at_midpoint"
	CondProtocolEnded        ConditionName = "protocol_ended"
	CondOptInComplete        ConditionName = "optin_complete"
)

// OptInGracePeriod is how long an unanswered opt-in blocks the journey.
const OptInGracePeriod = 2 * clock.Day

// conditionFunc evaluates one condition. param is ignored by flag conditions.
type conditionFunc func(ctx context.Context, e *Evaluator, param int, p models.Protocol, enteredAt time.Time) (bool, error)

var conditionTable = map[ConditionName]conditionFunc{
	CondConsentSigned:        consentSigned,
	CondIntakeSubmitted:      intakeSubmitted,
	CondFormsComplete:        formsComplete,
	CondDaysElapsed:          daysElapsed,
	CondDaysOnProtocol:       daysOnProtocol,
	CondLabsCompleted:        labsCompleted,
	CondAppointmentCompleted: appointmentCompleted,
	CondSessionsCompleted:    sessionsCompleted,
	CondSessionsAtMidpoint:   sessionsAtMidpoint,
	CondProtocolEndingSoon:   protocolEndingSoon,
	CondDaysAtMidpoint:       daysAtMidpoint,
	CondProtocolEnded:        protocolEnded,
	CondOptInComplete:        optInComplete,
}

// KnownCondition reports whether name is part of the vocabulary.
func KnownCondition(name string) bool {
	_, ok := conditionTable[ConditionName(name)]
	return ok
}

// Evaluator answers advancement conditions from stored evidence.
type Evaluator struct {
	repo  store.EvidenceRepo
	clock clock.Clock
}

// NewEvaluator creates an Evaluator reading evidence from repo.
func NewEvaluator(repo store.EvidenceRepo, c clock.Clock) *Evaluator {
	return &Evaluator{repo: repo, clock: c}
}

// Evaluate reports whether the named condition holds for p, which entered its
// current stage at enteredAt. Unknown names and store failures are logged
// and evaluate false.
func (e *Evaluator) Evaluate(ctx context.Context, name string, param int, p models.Protocol, enteredAt time.Time) bool {
	fn, ok := conditionTable[ConditionName(name)]
	if !ok {
		slog.Warn("Evaluator.Evaluate: condition treated as unmet", "error", &UnknownConditionError{Name: name}, "protocolID", p.ID)
		return false
	}
	met, err := fn(ctx, e, param, p, enteredAt)
	if err != nil {
		slog.Error("Evaluator.Evaluate: evidence lookup failed", "condition", name, "protocolID", p.ID, "error", err)
		return false
	}
	slog.Debug("Evaluator.Evaluate", "condition", name, "param", param, "protocolID", p.ID, "met", met)
	return met
}

// EvaluateAll checks conds in order and stops at the first failure. It
// returns the failing condition, if any.
func (e *Evaluator) EvaluateAll(ctx context.Context, conds models.Conditions, p models.Protocol, enteredAt time.Time) (bool, string) {
	for _, c := range conds {
		if !e.Evaluate(ctx, c.Name, c.Param, p, enteredAt) {
			return false, c.String()
		}
	}
	return true, ""
}

func (e *Evaluator) today() time.Time { return clock.Today(e.clock) }

func consentSigned(ctx context.Context, e *Evaluator, _ int, p models.Protocol, _ time.Time) (bool, error) {
	n, err := e.repo.CountConsents(ctx, p.PatientID)
	return n > 0, err
}

func intakeSubmitted(ctx context.Context, e *Evaluator, _ int, p models.Protocol, _ time.Time) (bool, error) {
	n, err := e.repo.CountIntakes(ctx, p.PatientID)
	return n > 0, err
}

func formsComplete(ctx context.Context, e *Evaluator, param int, p models.Protocol, at time.Time) (bool, error) {
	ok, err := consentSigned(ctx, e, param, p, at)
	if err != nil || !ok {
		return false, err
	}
	return intakeSubmitted(ctx, e, param, p, at)
}

func daysElapsed(_ context.Context, e *Evaluator, n int, _ models.Protocol, enteredAt time.Time) (bool, error) {
	return e.clock.Now().Sub(enteredAt) >= time.Duration(n)*clock.Day, nil
}

func daysOnProtocol(_ context.Context, e *Evaluator, n int, p models.Protocol, _ time.Time) (bool, error) {
	if !p.HasStartDate() {
		return false, nil
	}
	return clock.DaysBetween(p.StartDate, e.today()) >= n, nil
}

func labsCompleted(ctx context.Context, e *Evaluator, _ int, p models.Protocol, enteredAt time.Time) (bool, error) {
	n, err := e.repo.CountServiceLogsSince(ctx, p.PatientID, models.LabServiceCategories, enteredAt)
	return n > 0, err
}

func appointmentCompleted(ctx context.Context, e *Evaluator, _ int, p models.Protocol, enteredAt time.Time) (bool, error) {
	n, err := e.repo.CountCompletedAppointmentsSince(ctx, p.PatientID, enteredAt)
	return n > 0, err
}

func sessionsCompleted(_ context.Context, _ *Evaluator, n int, p models.Protocol, _ time.Time) (bool, error) {
	return p.UsedUnits >= n, nil
}

func sessionsAtMidpoint(_ context.Context, _ *Evaluator, _ int, p models.Protocol, _ time.Time) (bool, error) {
	if p.TotalUnits <= 0 {
		return false, nil
	}
	return p.UsedUnits >= p.TotalUnits/2, nil
}

func protocolEndingSoon(_ context.Context, e *Evaluator, n int, p models.Protocol, _ time.Time) (bool, error) {
	if !p.HasEndDate() {
		return false, nil
	}
	left := clock.DaysBetween(e.today(), p.EndDate)
	return left >= 0 && left <= n, nil
}

// daysAtMidpoint compares doubled elapsed days to avoid truncating odd
// durations.
func daysAtMidpoint(_ context.Context, e *Evaluator, _ int, p models.Protocol, _ time.Time) (bool, error) {
	if !p.HasStartDate() || !p.HasEndDate() {
		return false, nil
	}
	total := clock.DaysBetween(p.StartDate, p.EndDate)
	elapsed := clock.DaysBetween(p.StartDate, e.today())
	return 2*elapsed >= total, nil
}

// protocolEnded holds once the end date's day is over.
func protocolEnded(_ context.Context, e *Evaluator, _ int, p models.Protocol, _ time.Time) (bool, error) {
	if !p.HasEndDate() {
		return false, nil
	}
	return clock.DaysBetween(p.EndDate, e.today()) > 0, nil
}

func optInComplete(ctx context.Context, e *Evaluator, _ int, p models.Protocol, enteredAt time.Time) (bool, error) {
	answered, err := e.repo.HasOptInResponse(ctx, p.PatientID)
	if err != nil {
		return false, err
	}
	if answered {
		return true, nil
	}
	return e.clock.Now().Sub(enteredAt) >= OptInGracePeriod, nil
}
