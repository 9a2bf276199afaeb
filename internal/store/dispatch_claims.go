package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DispatchClaimStatus is the state of a claimed notification key.
type DispatchClaimStatus string

const (
	DispatchClaimed   DispatchClaimStatus = "claimed"
	DispatchCompleted DispatchClaimStatus = "completed"
)

// DispatchClaimRepo guards outbound notifications so that concurrent
// dispatcher runs send each keyed notification at most once. A claim left
// behind by a crashed run can be taken over once it is older than ttl.
type DispatchClaimRepo interface {
	// ClaimDispatch returns true if the caller now owns key.
	ClaimDispatch(ctx context.Context, key string, now time.Time, ttl time.Duration) (bool, error)
	// ReleaseDispatch drops an uncompleted claim so a later run can retry.
	ReleaseDispatch(ctx context.Context, key string) error
	// CompleteDispatch marks key as delivered; it can never be claimed again.
	CompleteDispatch(ctx context.Context, key, externalID string, now time.Time) error
}

func (r *sqlRepo) ClaimDispatch(ctx context.Context, key string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := r.exec(ctx,
		`INSERT INTO dispatch_claims (claim_key, status, claimed_at) VALUES (?, ?, ?) ON CONFLICT (claim_key) DO NOTHING`,
		key, DispatchClaimed, now.UTC())
	if err != nil {
		return false, fmt.Errorf("claim dispatch failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	res, err = r.exec(ctx,
		`UPDATE dispatch_claims SET claimed_at = ? WHERE claim_key = ? AND status = ? AND claimed_at < ?`,
		now.UTC(), key, DispatchClaimed, now.Add(-ttl).UTC())
	if err != nil {
		return false, fmt.Errorf("take over stale claim failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		slog.Info(r.name+".ClaimDispatch: took over stale claim", "key", key)
		return true, nil
	}
	return false, nil
}

func (r *sqlRepo) ReleaseDispatch(ctx context.Context, key string) error {
	_, err := r.exec(ctx, `DELETE FROM dispatch_claims WHERE claim_key = ? AND status = ?`, key, DispatchClaimed)
	if err != nil {
		return fmt.Errorf("release dispatch failed: %w", err)
	}
	return nil
}

func (r *sqlRepo) CompleteDispatch(ctx context.Context, key, externalID string, now time.Time) error {
	_, err := r.exec(ctx,
		`UPDATE dispatch_claims SET status = ?, external_id = ?, completed_at = ? WHERE claim_key = ?`,
		DispatchCompleted, nilIfEmpty(externalID), now.UTC(), key)
	if err != nil {
		return fmt.Errorf("complete dispatch failed: %w", err)
	}
	return nil
}
