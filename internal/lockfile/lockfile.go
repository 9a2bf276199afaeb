// Package lockfile keeps two journeyd processes from running the periodic
// passes against the same state directory.
//
// The lock is an flock on a file in the state directory, so the kernel drops
// it when the holding process exits, cleanly or not.
package lockfile

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the lock file created in the state directory.
const LockFileName = "journeyd.lock"

// Holder describes the process that owns a lock.
type Holder struct {
	PID       int
	StartedAt time.Time
	Addr      string
}

func (h Holder) encode() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pid=%d\n", h.PID)
	fmt.Fprintf(&b, "started_at=%s\n", h.StartedAt.UTC().Format(time.RFC3339))
	if h.Addr != "" {
		fmt.Fprintf(&b, "addr=%s\n", h.Addr)
	}
	return b.String()
}

// parseHolder reads the key=value lines written by encode. Unknown keys and
// malformed values are ignored.
func parseHolder(content string) Holder {
	var h Holder
	sc := bufio.NewScanner(strings.NewReader(content))
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				h.PID = pid
			}
		case "started_at":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				h.StartedAt = t
			}
		case "addr":
			h.Addr = value
		}
	}
	return h
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes the lock in stateDir, creating the directory if needed. addr
// is recorded so a conflicting process can report who holds the lock.
func Acquire(stateDir, addr string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", stateDir, err)
	}

	// No O_TRUNC: a failed attempt must leave the holder's details intact.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", lockPath, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		lockErr := &LockError{LockPath: lockPath, Cause: err}
		if data, readErr := os.ReadFile(lockPath); readErr == nil {
			lockErr.Holder = parseHolder(string(data))
			lockErr.Running = lockErr.Holder.PID > 0 && processRunning(lockErr.Holder.PID)
		}
		slog.Error("lockfile.Acquire: state directory is locked", "lockPath", lockPath, "holderPID", lockErr.Holder.PID)
		return nil, lockErr
	}

	holder := Holder{PID: os.Getpid(), StartedAt: time.Now(), Addr: addr}
	if err := writeHolder(file, holder); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("write lock file %s: %w", lockPath, err)
	}
	slog.Info("lockfile.Acquire: lock held", "lockPath", lockPath, "pid", holder.PID)
	return &Lock{file: file, path: lockPath}, nil
}

func writeHolder(file *os.File, h Holder) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt([]byte(h.encode()), 0); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("lockfile.writeHolder: sync failed", "error", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release drops the lock and removes the lock file. Calling it again is a
// no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before unlocking so no other process locks an unlinked file.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lock.Release: remove lock file failed", "lockPath", l.path, "error", err)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("Lock.Release: unlock failed", "lockPath", l.path, "error", err)
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("close lock file %s: %w", l.path, err)
	}
	slog.Debug("Lock.Release: lock released", "lockPath", l.path)
	return nil
}

// LockError reports a state directory already locked by another process.
type LockError struct {
	LockPath string
	Holder   Holder
	Running  bool // whether Holder.PID is still alive
	Cause    error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "state directory is locked by another journeyd (lock file %s)", e.LockPath)
	if e.Holder.PID > 0 {
		state := "running"
		if !e.Running {
			state = "not running"
		}
		fmt.Fprintf(&b, "; holder pid %d (%s)", e.Holder.PID, state)
	}
	if !e.Holder.StartedAt.IsZero() {
		fmt.Fprintf(&b, ", started %s", e.Holder.StartedAt.Format(time.RFC3339))
	}
	if e.Holder.Addr != "" {
		fmt.Fprintf(&b, ", serving %s", e.Holder.Addr)
	}
	return b.String()
}

func (e *LockError) Unwrap() error { return e.Cause }

// processRunning sends signal 0 to pid.
func processRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
