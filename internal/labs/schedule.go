// Package labs computes the blood draw schedule for hormone protocols and
// matches scheduled draws against draws and lab results already on file.
package labs

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/range-cupp/rangemedical-system-2-sub001/internal/clock"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/models"
)

const (
	// MatchWindowDays is how far a recorded draw may sit from its target and
	// still count for it, inclusive.
	MatchWindowDays = 28
	// ScheduleHorizonDays drops targets later than this many days after start.
	ScheduleHorizonDays = 365
)

// Status is the state of one scheduled draw.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusUpcoming  Status = "upcoming"
	StatusOverdue   Status = "overdue"
)

var drawOffsets = []struct {
	days  int
	label string
}{
	{0, "Initial Labs"},
	{56, "8-Week Labs"},
	{140, "20-Week Labs"},
	{224, "32-Week Labs"},
	{308, "44-Week Labs"},
}

// Draw is one scheduled blood draw.
type Draw struct {
	Label      string
	TargetDate time.Time
	WeekOf     time.Time // Monday of the target's week
	WeekLabel  string
}

// IsLabProtocol reports whether a program type follows the draw schedule.
func IsLabProtocol(programType string) bool {
	return strings.Contains(strings.ToLower(programType), "hrt")
}

// WeekLabel renders the week containing t as "Week of Jan 2".
func WeekLabel(t time.Time) string {
	return "Week of " + clock.WeekStart(t).Format("Jan 2")
}

// Schedule returns the draw targets for a protocol starting on start. A zero
// start yields no draws.
func Schedule(start time.Time) []Draw {
	if start.IsZero() {
		return nil
	}
	start = clock.DateOf(start)
	limit := clock.AddDays(start, ScheduleHorizonDays)

	draws := make([]Draw, 0, len(drawOffsets))
	for _, o := range drawOffsets {
		target := clock.AddDays(start, o.days)
		if target.After(limit) {
			break
		}
		draws = append(draws, Draw{
			Label:      o.label,
			TargetDate: target,
			WeekOf:     clock.WeekStart(target),
			WeekLabel:  WeekLabel(target),
		})
	}
	return draws
}

// Entry is a scheduled draw together with its match result.
type Entry struct {
	Draw
	Status        Status
	CompletedDate time.Time
	MatchedLogID  string // empty when matched to a lab record
}

// MarshalJSON renders dates as YYYY-MM-DD.
func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Label         string `json:"label"`
		TargetDate    string `json:"target_date"`
		WeekOf        string `json:"week_of"`
		WeekLabel     string `json:"week_label"`
		Status        Status `json:"status"`
		CompletedDate string `json:"completed_date,omitempty"`
		MatchedLogID  string `json:"matched_log_id,omitempty"`
	}{
		Label:         e.Label,
		TargetDate:    clock.FormatDate(e.TargetDate),
		WeekOf:        clock.FormatDate(e.WeekOf),
		WeekLabel:     e.WeekLabel,
		Status:        e.Status,
		CompletedDate: clock.FormatDate(e.CompletedDate),
		MatchedLogID:  e.MatchedLogID,
	})
}

type candidate struct {
	date  time.Time
	logID string
	notes string
}

func pool(drawLogs []models.ProtocolLog, labs []models.LabRecord) []candidate {
	out := make([]candidate, 0, len(drawLogs)+len(labs))
	for _, l := range drawLogs {
		if l.LogDate.IsZero() {
			continue
		}
		out = append(out, candidate{date: l.LogDate, logID: l.ID, notes: l.Notes})
	}
	for _, l := range labs {
		d := l.EffectiveDate()
		if d.IsZero() {
			continue
		}
		out = append(out, candidate{date: d})
	}
	return out
}

// Match resolves each scheduled draw against the recorded draws. A draw whose
// notes equal the target's label wins outright; otherwise the closest record
// within MatchWindowDays of the target is used. Unmatched targets after today
// are upcoming and the rest overdue. A record may satisfy more than one
// target.
func Match(schedule []Draw, drawLogs []models.ProtocolLog, labs []models.LabRecord, today time.Time) []Entry {
	candidates := pool(drawLogs, labs)
	entries := make([]Entry, 0, len(schedule))
	for _, d := range schedule {
		e := Entry{Draw: d}
		if c, ok := matchDraw(d, candidates); ok {
			e.Status = StatusCompleted
			e.CompletedDate = c.date
			e.MatchedLogID = c.logID
		} else if clock.DaysBetween(today, d.TargetDate) > 0 {
			e.Status = StatusUpcoming
		} else {
			e.Status = StatusOverdue
		}
		entries = append(entries, e)
	}
	return entries
}

func matchDraw(d Draw, candidates []candidate) (candidate, bool) {
	for _, c := range candidates {
		if c.notes != "" && c.notes == d.Label {
			return c, true
		}
	}
	best, bestDiff := candidate{}, -1
	for _, c := range candidates {
		diff := clock.DaysBetween(d.TargetDate, c.date)
		if diff < 0 {
			diff = -diff
		}
		if diff > MatchWindowDays {
			continue
		}
		if bestDiff < 0 || diff < bestDiff {
			best, bestDiff = c, diff
		}
	}
	return best, bestDiff >= 0
}
