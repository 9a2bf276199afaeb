package labs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/range-cupp/rangemedical-system-2-sub001/internal/clock"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/journey"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/messaging"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/models"
	"github.com/range-cupp/rangemedical-system-2-sub001/internal/store"
)

const (
	// DefaultUpcomingWindowDays is how far ahead the staff digest looks.
	DefaultUpcomingWindowDays = 14

	digestSourcePrefix = "lab-digest:"
	messageTypeDigest  = "lab_draw_digest"
)

// Repo is the slice of the store the lab tracker and digest need.
type Repo interface {
	store.ProtocolRepo
	store.ProtocolLogRepo
	store.LabRepo
	store.PatientRepo
	store.CommsRepo
}

// Report is a protocol's draw schedule with match results.
type Report struct {
	ProtocolID string  `json:"protocol_id"`
	PatientID  string  `json:"patient_id"`
	StartDate  string  `json:"start_date,omitempty"`
	Draws      []Entry `json:"draws"`
}

// Tracker builds draw reports from the store.
type Tracker struct {
	repo  Repo
	clock clock.Clock
}

// NewTracker creates a Tracker.
func NewTracker(repo Repo, c clock.Clock) *Tracker {
	return &Tracker{repo: repo, clock: c}
}

// ProtocolReport returns the matched draw schedule for one protocol.
func (t *Tracker) ProtocolReport(ctx context.Context, protocolID string) (*Report, error) {
	p, err := t.repo.GetProtocol(ctx, protocolID)
	if err != nil {
		return nil, fmt.Errorf("load protocol %s: %w", protocolID, err)
	}
	if p == nil {
		return nil, &journey.LookupError{Kind: "protocol", ID: protocolID}
	}
	entries, err := t.entries(ctx, *p, clock.Today(t.clock))
	if err != nil {
		return nil, err
	}
	return &Report{
		ProtocolID: p.ID,
		PatientID:  p.PatientID,
		StartDate:  clock.FormatDate(p.StartDate),
		Draws:      entries,
	}, nil
}

func (t *Tracker) entries(ctx context.Context, p models.Protocol, today time.Time) ([]Entry, error) {
	schedule := Schedule(p.StartDate)
	if len(schedule) == 0 {
		return []Entry{}, nil
	}
	logs, err := t.repo.ListProtocolLogs(ctx, p.ID, models.LogTypeBloodDraw)
	if err != nil {
		return nil, fmt.Errorf("protocol %s: list draw logs: %w", p.ID, err)
	}
	labs, err := t.repo.ListPatientLabs(ctx, p.PatientID)
	if err != nil {
		return nil, fmt.Errorf("protocol %s: list labs: %w", p.ID, err)
	}
	return Match(schedule, logs, labs, today), nil
}

// DigestOpts configures a Digest.
type DigestOpts struct {
	StaffPhone string
	WindowDays int
}

// DigestOption configures a Digest.
type DigestOption func(*DigestOpts)

// WithStaffPhone sets the number the digest is sent to.
func WithStaffPhone(phone string) DigestOption {
	return func(o *DigestOpts) { o.StaffPhone = phone }
}

// WithWindowDays sets how many days ahead upcoming draws are listed.
func WithWindowDays(days int) DigestOption {
	return func(o *DigestOpts) { o.WindowDays = days }
}

// Digest sends staff one daily message listing upcoming draws.
type Digest struct {
	tracker *Tracker
	repo    Repo
	gateway messaging.Service
	clock   clock.Clock
	opts    DigestOpts
}

// NewDigest creates a Digest.
func NewDigest(repo Repo, gateway messaging.Service, c clock.Clock, opts ...DigestOption) *Digest {
	cfg := DigestOpts{WindowDays: DefaultUpcomingWindowDays}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Digest{tracker: NewTracker(repo, c), repo: repo, gateway: gateway, clock: c, opts: cfg}
}

// DigestSource is the idempotency key for the digest sent on day.
func DigestSource(day time.Time) string {
	return digestSourcePrefix + clock.FormatDate(day)
}

type upcomingDraw struct {
	patient string
	entry   Entry
}

// Run collects upcoming draws for active lab protocols and sends one message
// to staff. Nothing is sent when no draws are due or today's digest already
// went out.
func (d *Digest) Run(ctx context.Context) (models.DigestSummary, error) {
	var summary models.DigestSummary
	today := clock.Today(d.clock)
	cutoff := clock.AddDays(today, d.opts.WindowDays)

	protocols, err := d.repo.ListActiveProtocols(ctx)
	if err != nil {
		return summary, fmt.Errorf("list active protocols: %w", err)
	}

	var upcoming []upcomingDraw
	for _, p := range protocols {
		if !IsLabProtocol(p.ProgramType) || !p.HasStartDate() {
			continue
		}
		summary.Protocols++
		entries, err := d.tracker.entries(ctx, p, today)
		if err != nil {
			slog.Error("Digest.Run: protocol skipped", "protocolID", p.ID, "error", err)
			continue
		}
		name := d.patientName(ctx, p.PatientID)
		for _, e := range entries {
			if e.Status == StatusUpcoming && !e.TargetDate.After(cutoff) {
				upcoming = append(upcoming, upcomingDraw{patient: name, entry: e})
			}
		}
	}
	summary.Upcoming = len(upcoming)
	if len(upcoming) == 0 {
		summary.Reason = "no upcoming draws"
		slog.Debug("Digest.Run: nothing to send", "protocols", summary.Protocols)
		return summary, nil
	}

	sort.SliceStable(upcoming, func(i, j int) bool {
		return upcoming[i].entry.TargetDate.Before(upcoming[j].entry.TargetDate)
	})
	var b strings.Builder
	b.WriteString("Lab Draw Reminders:")
	for _, u := range upcoming {
		fmt.Fprintf(&b, "\n• %s - %s (%s)", u.patient, u.entry.Label, u.entry.WeekLabel)
	}
	summary.Message = b.String()

	if d.opts.StaffPhone == "" {
		summary.Reason = "no staff phone configured"
		slog.Warn("Digest.Run: staff phone not set, digest not sent", "upcoming", summary.Upcoming)
		return summary, nil
	}
	source := DigestSource(today)
	done, err := d.repo.HasSentComm(ctx, source)
	if err != nil {
		return summary, fmt.Errorf("check digest log: %w", err)
	}
	if done {
		summary.Reason = "already sent today"
		return summary, nil
	}

	entry := models.CommsLogEntry{
		Channel:     d.gateway.Channel(),
		MessageType: messageTypeDigest,
		Message:     summary.Message,
		Source:      source,
		Recipient:   d.opts.StaffPhone,
	}
	externalID, sendErr := d.gateway.SendMessage(ctx, d.opts.StaffPhone, summary.Message)
	if sendErr != nil {
		entry.Status = models.CommsError
		entry.ErrorMessage = sendErr.Error()
		if err := d.repo.LogComm(ctx, entry); err != nil {
			slog.Error("Digest.Run: log failed send", "error", err)
		}
		return summary, fmt.Errorf("send lab digest: %w", sendErr)
	}
	entry.Status = models.CommsSent
	entry.ExternalID = externalID
	if err := d.repo.LogComm(ctx, entry); err != nil {
		slog.Error("Digest.Run: log sent digest", "error", err)
	}
	summary.Sent = true
	slog.Info("Digest.Run: digest sent", "protocols", summary.Protocols, "upcoming", summary.Upcoming)
	return summary, nil
}

func (d *Digest) patientName(ctx context.Context, patientID string) string {
	p, err := d.repo.GetPatient(ctx, patientID)
	if err != nil {
		slog.Warn("Digest: patient lookup failed", "patientID", patientID, "error", err)
	}
	if p == nil || p.FullName() == "" {
		return "Unknown"
	}
	return p.FullName()
}
