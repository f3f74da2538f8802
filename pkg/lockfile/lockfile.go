package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/paulschiretz/pgl-cronbackup/pkg/plog"
	"github.com/paulschiretz/pgl-cronbackup/pkg/util"
)

// LockFileName is the name of the lock marker created in the workflow directory.
// The '~' prefix marks it as temporary.
const LockFileName = ".~pgl-cronbackup.lock"

// ErrLockActive is a structured error returned when a lock is already held by another process.
type ErrLockActive struct {
	Path     string
	Acquired time.Time
}

// Error implements the error interface for ErrLockActive.
func (e *ErrLockActive) Error() string {
	return fmt.Sprintf("lock %s is active, acquired %s ago", e.Path, time.Since(e.Acquired).Truncate(time.Second))
}

// ErrLostRace is returned when a process attempts to take over a stale lock but another process wins.
var ErrLostRace = errors.New("lost race during stale lock takeover")

// ErrLockNotHeld is returned by Release when the marker on disk no longer carries our timestamp.
var ErrLockNotHeld = errors.New("lock is no longer held by this process")

// Lock is an acquired directory lock. The marker file holds the acquisition
// timestamp, which doubles as the owner token.
type Lock struct {
	path  string
	stamp string
	log   *plog.Logger
	mu    sync.Mutex
	held  bool
}

// Acquire attempts to acquire the lock in dirPath.
// It returns (nil, *ErrLockActive) if the lock is held and younger than staleAfter.
// A staleAfter of zero disables takeover of old locks.
func Acquire(ctx context.Context, dirPath string, staleAfter time.Duration, log *plog.Logger) (*Lock, error) {
	absLockFilePath := filepath.Join(dirPath, LockFileName)
	maxAttempts := 3

	for range maxAttempts {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lock, err := tryAcquire(absLockFilePath, log)
		if err == nil {
			return lock, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to access lock file: %w", err)
		}

		acquired, readErr := readStamp(absLockFilePath)
		switch {
		case os.IsNotExist(readErr):
			// Released between our create and read, try again.
			continue
		case readErr != nil:
			log.Warn("Found unreadable lock file, treating as stale", "path", absLockFilePath, "error", readErr)
		default:
			age := time.Since(acquired)
			if staleAfter <= 0 || age < staleAfter {
				return nil, &ErrLockActive{Path: absLockFilePath, Acquired: acquired}
			}
			log.Warn("Found stale lock, attempting takeover", "path", absLockFilePath, "age", age.Truncate(time.Second))
		}

		lock, err = takeover(absLockFilePath, log)
		if err != nil {
			if errors.Is(err, ErrLostRace) {
				log.Debug("Lock takeover race lost, retrying acquisition")
			} else {
				log.Warn("Failed to take over lock, retrying", "error", err)
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		return lock, nil
	}

	return nil, fmt.Errorf("failed to acquire lock after %d attempts (contention)", maxAttempts)
}

// tryAcquire creates the marker with O_EXCL so only one process can win.
func tryAcquire(absLockFilePath string, log *plog.Logger) (*Lock, error) {
	f, err := os.OpenFile(absLockFilePath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stamp := newStamp()
	if _, err := f.WriteString(stamp); err != nil {
		os.Remove(absLockFilePath)
		return nil, fmt.Errorf("failed to write lock content: %w", err)
	}
	log.Debug("Lock acquired", "path", absLockFilePath)
	return &Lock{path: absLockFilePath, stamp: stamp, log: log, held: true}, nil
}

// takeover replaces a stale marker atomically and reads it back to check that
// no other process replaced it in between.
func takeover(absLockFilePath string, log *plog.Logger) (*Lock, error) {
	stamp := newStamp()
	if err := util.WriteFileAtomic(absLockFilePath, []byte(stamp), util.UserWritableFilePerms); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(absLockFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read back lock file after takeover: %w", err)
	}
	if string(data) != stamp {
		return nil, ErrLostRace
	}
	log.Debug("Took over stale lock", "path", absLockFilePath)
	return &Lock{path: absLockFilePath, stamp: stamp, log: log, held: true}, nil
}

// Release removes the marker if it still carries this lock's timestamp. If
// another process has taken the lock over in the meantime, the marker is left
// intact and ErrLockNotHeld is returned.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return nil
	}
	l.held = false

	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrLockNotHeld
		}
		return fmt.Errorf("failed to read lock file %s: %w", l.path, err)
	}
	if strings.TrimSpace(string(data)) != l.stamp {
		l.log.Warn("Lock was taken over by another process, leaving it in place", "path", l.path)
		return ErrLockNotHeld
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file %s: %w", l.path, err)
	}
	l.log.Debug("Lock released", "path", l.path)
	return nil
}

// Path returns the marker file path.
func (l *Lock) Path() string { return l.path }

// ForceRelease removes the marker in dirPath regardless of its owner. It
// reports whether a marker was present.
func ForceRelease(dirPath string) (bool, error) {
	absLockFilePath := filepath.Join(dirPath, LockFileName)
	if err := os.Remove(absLockFilePath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to remove lock file %s: %w", absLockFilePath, err)
	}
	return true, nil
}

func newStamp() string {
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}

// readStamp reads the acquisition time from the marker. An empty marker may be
// mid-write by its creator, so it is re-read a few times before being reported
// as corrupt.
func readStamp(absLockFilePath string) (time.Time, error) {
	var data []byte
	var err error
	for range 3 {
		data, err = os.ReadFile(absLockFilePath)
		if err != nil {
			return time.Time{}, err
		}
		if len(strings.TrimSpace(string(data))) > 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	nanos, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("lock file is corrupt: %w", err)
	}
	return time.Unix(0, nanos), nil
}
