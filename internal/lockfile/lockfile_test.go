package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAcquireWritesHolder(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir, ":8080")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("Path() = %q", lock.Path())
	}
	data, err := os.ReadFile(lock.Path())
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	h := parseHolder(string(data))
	if h.PID != os.Getpid() || h.Addr != ":8080" || h.StartedAt.IsZero() {
		t.Errorf("holder = %+v", h)
	}
}

func TestSecondAcquireFails(t *testing.T) {
	dir := t.TempDir()
	first, err := Acquire(dir, ":8080")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer first.Release()

	second, err := Acquire(dir, ":9090")
	if err == nil {
		second.Release()
		t.Fatal("second Acquire should fail")
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected LockError, got %T", err)
	}
	if lockErr.Holder.PID != os.Getpid() || !lockErr.Running {
		t.Errorf("holder = %+v running=%v", lockErr.Holder, lockErr.Running)
	}
	if !strings.Contains(err.Error(), ":8080") || !strings.Contains(err.Error(), dir) {
		t.Errorf("error should name the holder and lock path: %v", err)
	}

	// The failed attempt must not clobber the holder's details.
	data, _ := os.ReadFile(first.Path())
	if h := parseHolder(string(data)); h.Addr != ":8080" {
		t.Errorf("holder overwritten: %+v", h)
	}
}

func TestReleaseRemovesFileAndAllowsReacquire(t *testing.T) {
	dir := t.TempDir()
	lock, err := Acquire(dir, "")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(lock.Path()); !os.IsNotExist(err) {
		t.Errorf("lock file should be removed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release should be a no-op: %v", err)
	}

	again, err := Acquire(dir, "")
	if err != nil {
		t.Fatalf("reacquire failed: %v", err)
	}
	again.Release()
}

func TestAcquireCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	lock, err := Acquire(dir, "")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer lock.Release()
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("state directory not created: %v", err)
	}
}

func TestParseHolder(t *testing.T) {
	started := time.Date(2026, 1, 31, 8, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		content string
		want    Holder
	}{
		{"full", "pid=42\nstarted_at=2026-01-31T08:00:00Z\naddr=:8080\n", Holder{PID: 42, StartedAt: started, Addr: ":8080"}},
		{"pid only", "pid=7", Holder{PID: 7}},
		{"bad pid", "pid=abc\naddr=x", Holder{Addr: "x"}},
		{"negative pid", "pid=-3", Holder{}},
		{"empty", "", Holder{}},
		{"garbage", "hello\nworld", Holder{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseHolder(tt.content)
			if got.PID != tt.want.PID || got.Addr != tt.want.Addr || !got.StartedAt.Equal(tt.want.StartedAt) {
				t.Errorf("parseHolder(%q) = %+v, want %+v", tt.content, got, tt.want)
			}
		})
	}
}

func TestProcessRunning(t *testing.T) {
	if !processRunning(os.Getpid()) {
		t.Error("own process should be running")
	}
}
