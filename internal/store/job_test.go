package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "sqlite_store_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	dbPath := filepath.Join(tempDir, "test.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_JobRepo_EnqueueAndGet(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	id, err := s.EnqueueJob(ctx, "appointment_notification", time.Now().Add(time.Hour), `{"appointment_id":"a1"}`, "")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job == nil {
		t.Fatal("GetJob returned nil")
	}
	if job.Kind != "appointment_notification" || job.Status != JobStatusQueued {
		t.Errorf("unexpected job: %+v", job)
	}
	if job.MaxAttempts != DefaultJobMaxAttempts {
		t.Errorf("Expected max attempts %d, got %d", DefaultJobMaxAttempts, job.MaxAttempts)
	}

	missing, err := s.GetJob(ctx, "job_missing")
	if err != nil || missing != nil {
		t.Errorf("GetJob(missing) = %v, %v; want nil, nil", missing, err)
	}
}

func TestSQLiteStore_JobRepo_DedupeKey(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	runAt := time.Now().Add(time.Hour)

	id1, err := s.EnqueueJob(ctx, "k", runAt, `{}`, "appt:a1:cancelled")
	if err != nil {
		t.Fatalf("EnqueueJob 1 failed: %v", err)
	}
	id2, err := s.EnqueueJob(ctx, "k", runAt, `{}`, "appt:a1:cancelled")
	if err != nil {
		t.Fatalf("EnqueueJob 2 failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("Expected dedupe to return same ID %q, got %q", id1, id2)
	}

	if err := s.CompleteJob(ctx, id1); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}
	id3, err := s.EnqueueJob(ctx, "k", runAt, `{}`, "appt:a1:cancelled")
	if err != nil {
		t.Fatalf("EnqueueJob 3 failed: %v", err)
	}
	if id3 == id1 {
		t.Error("Expected new ID after completing old job with same dedupe key")
	}
}

func TestSQLiteStore_JobRepo_ClaimDueJobs(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	if _, err := s.EnqueueJob(ctx, "past_job", time.Now().Add(-time.Hour), `{}`, ""); err != nil {
		t.Fatalf("EnqueueJob past failed: %v", err)
	}
	if _, err := s.EnqueueJob(ctx, "future_job", time.Now().Add(time.Hour), `{}`, ""); err != nil {
		t.Fatalf("EnqueueJob future failed: %v", err)
	}

	jobs, err := s.ClaimDueJobs(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("Expected 1 due job, got %d", len(jobs))
	}
	if jobs[0].Kind != "past_job" || jobs[0].Status != JobStatusRunning {
		t.Errorf("unexpected claimed job: %+v", jobs[0])
	}

	again, err := s.ClaimDueJobs(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("second ClaimDueJobs failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("Expected running job not to be claimed twice, got %d", len(again))
	}
}

func TestSQLiteStore_JobRepo_FailMaxAttempts(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	id, err := s.EnqueueJob(ctx, "fail_job", time.Now().Add(-time.Minute), `{}`, "")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	if err := s.FailJob(ctx, id, "transient error", time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("FailJob failed: %v", err)
	}
	job, _ := s.GetJob(ctx, id)
	if job.Status != JobStatusQueued || job.Attempt != 1 || job.LastError != "transient error" {
		t.Errorf("unexpected job after first failure: %+v", job)
	}

	for i := 0; i < 2; i++ {
		if err := s.FailJob(ctx, id, "persistent error", time.Now()); err != nil {
			t.Fatalf("FailJob iteration %d failed: %v", i, err)
		}
	}
	job, _ = s.GetJob(ctx, id)
	if job.Status != JobStatusFailed {
		t.Errorf("Expected status 'failed' after max attempts, got %q", job.Status)
	}
}

func TestSQLiteStore_JobRepo_CancelAndRequeue(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	cancelID, _ := s.EnqueueJob(ctx, "cancel_job", time.Now().Add(time.Hour), `{}`, "")
	if err := s.CancelJob(ctx, cancelID); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}
	job, _ := s.GetJob(ctx, cancelID)
	if job.Status != JobStatusCanceled {
		t.Errorf("Expected status 'canceled', got %q", job.Status)
	}

	if _, err := s.EnqueueJob(ctx, "stale_job", time.Now().Add(-time.Hour), `{}`, ""); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	jobs, err := s.ClaimDueJobs(ctx, time.Now(), 10)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("ClaimDueJobs = %d jobs, %v", len(jobs), err)
	}
	n, err := s.RequeueStaleRunningJobs(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("RequeueStaleRunningJobs failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 requeued, got %d", n)
	}
}

func TestJobRunner_RunDue(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	runner := NewJobRunner(s, time.Second)

	var executed int32
	runner.RegisterHandler("ok_kind", func(ctx context.Context, payload string) error {
		atomic.AddInt32(&executed, 1)
		return nil
	})
	runner.RegisterHandler("bad_kind", func(ctx context.Context, payload string) error {
		return os.ErrDeadlineExceeded
	})

	okID, _ := s.EnqueueJob(ctx, "ok_kind", time.Now().Add(-time.Second), `{}`, "")
	badID, _ := s.EnqueueJob(ctx, "bad_kind", time.Now().Add(-time.Second), `{}`, "")

	if n := runner.RunDue(ctx); n != 1 {
		t.Errorf("RunDue completed %d jobs, want 1", n)
	}
	if atomic.LoadInt32(&executed) != 1 {
		t.Errorf("Expected 1 execution, got %d", executed)
	}
	okJob, _ := s.GetJob(ctx, okID)
	if okJob.Status != JobStatusDone {
		t.Errorf("ok job status = %q", okJob.Status)
	}
	badJob, _ := s.GetJob(ctx, badID)
	if badJob.Status != JobStatusQueued || badJob.Attempt != 1 || !badJob.RunAt.After(time.Now()) {
		t.Errorf("failed job should be rescheduled with backoff: %+v", badJob)
	}
}

func TestJobRunner_Run(t *testing.T) {
	s := newTestSQLiteStore(t)
	runner := NewJobRunner(s, 50*time.Millisecond)

	var executed int32
	runner.RegisterHandler("test_kind", func(ctx context.Context, payload string) error {
		atomic.AddInt32(&executed, 1)
		return nil
	})
	if _, err := s.EnqueueJob(context.Background(), "test_kind", time.Now().Add(-time.Second), `{"test":true}`, ""); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	go runner.Run(ctx)
	<-ctx.Done()

	if atomic.LoadInt32(&executed) != 1 {
		t.Errorf("Expected 1 execution, got %d", atomic.LoadInt32(&executed))
	}
}

func TestJobRunner_RetryDelay(t *testing.T) {
	runner := NewJobRunner(NewInMemoryStore(), time.Second, WithBackoff(time.Minute, 10*time.Minute))
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{3, 8 * time.Minute},
		{4, 10 * time.Minute},
		{40, 10 * time.Minute},
	}
	for _, tt := range tests {
		if got := runner.RetryDelay(tt.attempt); got != tt.want {
			t.Errorf("RetryDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestJobRunner_ClaimLimitAndClock(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	runner := NewJobRunner(s, time.Second, WithClaimLimit(2), WithJobClock(func() time.Time { return at }))

	var executed int32
	runner.RegisterHandler("k", func(ctx context.Context, payload string) error {
		atomic.AddInt32(&executed, 1)
		return nil
	})
	for i := 0; i < 3; i++ {
		if _, err := s.EnqueueJob(ctx, "k", at.Add(-time.Minute), `{}`, ""); err != nil {
			t.Fatalf("EnqueueJob failed: %v", err)
		}
	}
	if _, err := s.EnqueueJob(ctx, "k", at.Add(time.Hour), `{}`, ""); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	if n := runner.RunDue(ctx); n != 2 {
		t.Errorf("first pass completed %d, want 2", n)
	}
	if n := runner.RunDue(ctx); n != 1 {
		t.Errorf("second pass completed %d, want 1", n)
	}
	if n := runner.RunDue(ctx); n != 0 {
		t.Errorf("future job ran early: %d", n)
	}
	if got := atomic.LoadInt32(&executed); got != 3 {
		t.Errorf("executed = %d, want 3", got)
	}
}

func TestJobRunner_UnknownKindIsRescheduled(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	runner := NewJobRunner(s, time.Second, WithJobClock(func() time.Time { return at }))

	id, _ := s.EnqueueJob(ctx, "orphan", at.Add(-time.Second), `{}`, "")
	if n := runner.RunDue(ctx); n != 0 {
		t.Errorf("RunDue completed %d, want 0", n)
	}
	job, _ := s.GetJob(ctx, id)
	if job == nil || job.Status != JobStatusQueued || !job.RunAt.Equal(at.Add(time.Minute)) {
		t.Errorf("orphan job = %+v", job)
	}
	if !strings.Contains(job.LastError, "orphan") {
		t.Errorf("LastError = %q", job.LastError)
	}
}
