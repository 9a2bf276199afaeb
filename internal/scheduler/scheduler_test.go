package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	for _, expr := range []string{EveryHour, DailyReminders, DailyLabDigest, DailyCloseout} {
		if err := s.AddJob("job", expr, func(context.Context) error { return nil }); err != nil {
			t.Errorf("AddJob(%q) failed: %v", expr, err)
		}
	}
	if len(s.Jobs()) != 4 {
		t.Errorf("Jobs() = %v", s.Jobs())
	}
}

func TestSchedulerRejectsBadExpression(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := s.AddJob("bad", "not a cron", func(context.Context) error { return nil }); err == nil {
		t.Error("expected error for invalid expression")
	}
	if len(s.Jobs()) != 0 {
		t.Errorf("invalid job was registered: %v", s.Jobs())
	}
}

func TestSchedulerRunsJobs(t *testing.T) {
	loc, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	s := NewScheduler(WithLocation(loc), WithTimeout(time.Second))
	var ok, failed atomic.Int32
	s.AddJob("ok", "@every 20ms", func(context.Context) error {
		ok.Add(1)
		return nil
	})
	s.AddJob("failing", "@every 20ms", func(context.Context) error {
		failed.Add(1)
		return errors.New("boom")
	})
	s.AddJob("panics", "@every 20ms", func(context.Context) error {
		panic("recovered by cron chain")
	})
	s.Start()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && (ok.Load() == 0 || failed.Load() == 0) {
		time.Sleep(10 * time.Millisecond)
	}
	s.Stop()
	if ok.Load() == 0 || failed.Load() == 0 {
		t.Fatalf("jobs did not run: ok=%d failed=%d", ok.Load(), failed.Load())
	}
}

func TestSchedulerStopCancelsContext(t *testing.T) {
	s := NewScheduler()
	started := make(chan struct{})
	var once atomic.Bool
	s.AddJob("blocking", "@every 10ms", func(ctx context.Context) error {
		if once.CompareAndSwap(false, true) {
			close(started)
		}
		<-ctx.Done()
		return ctx.Err()
	})
	s.Start()
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		s.Stop()
		t.Fatal("job never started")
	}
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return after cancelling the running job")
	}
}
