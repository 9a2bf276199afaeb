package store

import (
	"database/sql"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/range-cupp/rangemedical-system-2-sub001/internal/clock"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// dateArg renders a calendar date for a DATE/TEXT column, or nil when unset.
func dateArg(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.Format(clock.DateLayout)
}

// parseNullDate reads a DATE/TEXT column. Postgres hands dates back as
// timestamps, so only the leading YYYY-MM-DD is used.
func parseNullDate(ns sql.NullString) time.Time {
	if !ns.Valid || ns.String == "" {
		return time.Time{}
	}
	t, err := clock.ParseDate(ns.String, time.UTC)
	if err != nil {
		slog.Warn("store.parseNullDate: unparseable date", "value", ns.String, "error", err)
		return time.Time{}
	}
	return t
}

// bindQuestion leaves ? placeholders untouched (SQLite).
func bindQuestion(q string) string { return q }

// bindDollar rewrites ? placeholders to $1, $2, ... (Postgres).
func bindDollar(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// inPlaceholders returns "?, ?, ?" for n values.
func inPlaceholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// scanJob scans a Job from a row.
func scanJob(row rowScanner) (Job, error) {
	var j Job
	var payloadJSON, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Kind, &j.RunAt, &payloadJSON, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	return j, nil
}
