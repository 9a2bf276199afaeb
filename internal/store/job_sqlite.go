package store

import (
	"context"
	"time"
)

func (s *SQLiteStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	return s.claimDueJobs(ctx, now, limit, "")
}
