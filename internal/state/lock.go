package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	cferrors "github.com/cloudforge/cloudforge/internal/errors"
)

// LockFileName is the run lock written alongside state.json to prevent two
// schedulers from driving the same artifact directory concurrently.
const LockFileName = "run.lock"

// Lock represents an acquired run lock.
type Lock struct {
	RunID     string    `json:"run_id"`
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`

	lockFile string
}

// AcquireLock creates run.lock in dir, failing with ErrStateLocked if
// another live process already holds it. A lock file whose PID is no
// longer running is treated as stale and reclaimed.
func AcquireLock(dir, runID string) (*Lock, error) {
	lockPath := filepath.Join(dir, LockFileName)

	if existing, err := readLock(lockPath); err == nil {
		if isProcessAlive(existing.PID) {
			return nil, cferrors.NewStateError(
				fmt.Sprintf("locked by PID %d on %s", existing.PID, existing.Hostname),
				cferrors.ErrStateLocked,
			).WithArtifactDir(dir)
		}
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			return nil, cferrors.NewStateError("failed to remove stale lock", err).WithArtifactDir(dir)
		}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, cferrors.NewStateError("failed to create artifact directory", err).WithArtifactDir(dir)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	lock := &Lock{
		RunID:     runID,
		PID:       os.Getpid(),
		Hostname:  hostname,
		StartedAt: time.Now(),
		lockFile:  lockPath,
	}

	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return nil, cferrors.NewStateError("failed to marshal lock", err).WithArtifactDir(dir)
	}

	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, cferrors.NewStateError("lock file created concurrently", cferrors.ErrStateLocked).WithArtifactDir(dir)
		}
		return nil, cferrors.NewStateError("failed to create lock file", err).WithArtifactDir(dir)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		os.Remove(lockPath)
		return nil, cferrors.NewStateError("failed to write lock file", err).WithArtifactDir(dir)
	}

	return lock, nil
}

// Release removes the lock file, but only if this process still owns it.
// Safe to call multiple times, including on a nil Lock.
func (l *Lock) Release() error {
	if l == nil || l.lockFile == "" {
		return nil
	}

	existing, err := readLock(l.lockFile)
	if err != nil {
		return nil
	}
	if existing.PID != l.PID {
		return nil
	}
	if err := os.Remove(l.lockFile); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func readLock(lockPath string) (*Lock, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return nil, err
	}
	var lock Lock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("failed to parse lock file: %w", err)
	}
	lock.lockFile = lockPath
	return &lock, nil
}

func isProcessAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
