package reminders

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/range-cupp/rangemedical-system-2-sub001/internal/clock"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/models"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/store"
)

const (
	// CycleMaxDays caps the on-protocol days in one recovery cycle.
	CycleMaxDays = 90
	// CycleOffDays is the rest required after an exhausted cycle.
	CycleOffDays = 14
	// CycleNearCapDays switches the re-up prompt to the cycle ending variant
	// once this few days or fewer remain.
	CycleNearCapDays = 14
)

var recoveryMarkers = []string{"bpc-157", "bpc 157", "wolverine", "tb-500", "tb500", "tb4", "thymosin beta"}

// IsRecoveryPeptide reports whether a medication belongs to the recovery
// peptide class. Blends sold as GLOW or KLOW are excluded.
func IsRecoveryPeptide(medication string) bool {
	lower := strings.ToLower(medication)
	if lower == "" || strings.Contains(lower, "glow") || strings.Contains(lower, "klow") {
		return false
	}
	for _, m := range recoveryMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// CycleDays is what a protocol counts against its cycle: its full planned
// span when it has an end date, otherwise the days since it started.
func CycleDays(p models.Protocol, today time.Time) int {
	if !p.HasStartDate() {
		return 0
	}
	until := today
	if p.HasEndDate() {
		until = p.EndDate
	}
	return max(0, clock.DaysBetween(p.StartDate, until))
}

// SubProtocol is one protocol counted against a cycle.
type SubProtocol struct {
	ID         string                `json:"id"`
	Medication string                `json:"medication"`
	StartDate  string                `json:"start_date"`
	EndDate    string                `json:"end_date,omitempty"`
	Days       int                   `json:"days"`
	Status     models.ProtocolStatus `json:"status"`
}

// CycleInfo summarizes a patient's most recent recovery cycle.
type CycleInfo struct {
	PatientID      string        `json:"patient_id"`
	HasCycle       bool          `json:"has_cycle"`
	MaxDays        int           `json:"max_days"`
	OffDays        int           `json:"off_days"`
	DaysUsed       int           `json:"cycle_days_used"`
	DaysRemaining  int           `json:"days_remaining"`
	CycleStartDate string        `json:"cycle_start_date,omitempty"`
	Exhausted      bool          `json:"cycle_exhausted"`
	OffPeriodEnds  string        `json:"off_period_ends,omitempty"`
	SubProtocols   []SubProtocol `json:"sub_protocols"`
}

// Cycles computes cycle usage live from the patient's protocols.
type Cycles struct {
	repo  store.ProtocolRepo
	clock clock.Clock
}

// NewCycles creates a Cycles calculator.
func NewCycles(repo store.ProtocolRepo, c clock.Clock) *Cycles {
	return &Cycles{repo: repo, clock: c}
}

func countsTowardCycle(p models.Protocol) bool {
	return p.Status != models.ProtocolStatusCancelled && IsRecoveryPeptide(p.Medication)
}

// DaysUsed sums CycleDays over every protocol linked to p through its
// cycle start date. A protocol without a cycle counts only itself.
func (c *Cycles) DaysUsed(ctx context.Context, p models.Protocol) (int, error) {
	today := clock.Today(c.clock)
	if p.CycleStartDate.IsZero() {
		return CycleDays(p, today), nil
	}
	all, err := c.repo.ListPatientProtocols(ctx, p.PatientID)
	if err != nil {
		return 0, fmt.Errorf("list protocols for patient %s: %w", p.PatientID, err)
	}
	total := 0
	for _, sub := range all {
		if !countsTowardCycle(sub) || sub.CycleStartDate.IsZero() {
			continue
		}
		if clock.DaysBetween(sub.CycleStartDate, p.CycleStartDate) == 0 {
			total += CycleDays(sub, today)
		}
	}
	return total, nil
}

// Info reports the patient's latest cycle. A patient with no linked recovery
// protocols gets an empty cycle with the full allowance remaining.
func (c *Cycles) Info(ctx context.Context, patientID string) (CycleInfo, error) {
	info := CycleInfo{
		PatientID:     patientID,
		MaxDays:       CycleMaxDays,
		OffDays:       CycleOffDays,
		DaysRemaining: CycleMaxDays,
		SubProtocols:  []SubProtocol{},
	}
	all, err := c.repo.ListPatientProtocols(ctx, patientID)
	if err != nil {
		return info, fmt.Errorf("list protocols for patient %s: %w", patientID, err)
	}

	var latest time.Time
	for _, p := range all {
		if countsTowardCycle(p) && p.CycleStartDate.After(latest) {
			latest = p.CycleStartDate
		}
	}
	if latest.IsZero() {
		return info, nil
	}

	today := clock.Today(c.clock)
	var members []models.Protocol
	for _, p := range all {
		if countsTowardCycle(p) && !p.CycleStartDate.IsZero() && clock.DaysBetween(p.CycleStartDate, latest) == 0 {
			members = append(members, p)
		}
	}
	sort.SliceStable(members, func(i, j int) bool { return members[i].StartDate.Before(members[j].StartDate) })

	var lastEnd time.Time
	for _, p := range members {
		days := CycleDays(p, today)
		info.DaysUsed += days
		if p.EndDate.After(lastEnd) {
			lastEnd = p.EndDate
		}
		info.SubProtocols = append(info.SubProtocols, SubProtocol{
			ID:         p.ID,
			Medication: p.Medication,
			StartDate:  clock.FormatDate(p.StartDate),
			EndDate:    clock.FormatDate(p.EndDate),
			Days:       days,
			Status:     p.Status,
		})
	}
	info.HasCycle = true
	info.CycleStartDate = clock.FormatDate(latest)
	info.DaysRemaining = max(0, CycleMaxDays-info.DaysUsed)
	info.Exhausted = info.DaysUsed >= CycleMaxDays
	if info.Exhausted && !lastEnd.IsZero() {
		info.OffPeriodEnds = clock.FormatDate(clock.AddDays(lastEnd, CycleOffDays))
	}
	return info, nil
}
