package lockfile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-cronbackup/pkg/plog"
)

// TestAcquireAndRelease verifies the basic functionality of acquiring and releasing a lock.
func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()
	expectedLockPath := filepath.Join(dir, LockFileName)

	lock, err := Acquire(context.Background(), dir, 0, plog.Discard())
	if err != nil {
		t.Fatalf("expected to acquire lock, but got error: %v", err)
	}

	if _, err := os.Stat(expectedLockPath); os.IsNotExist(err) {
		t.Fatal("lock file was not created after acquiring lock")
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	if _, err := os.Stat(expectedLockPath); !os.IsNotExist(err) {
		t.Fatal("lock file was not removed after releasing lock")
	}

	// A second release is a no-op.
	if err := lock.Release(); err != nil {
		t.Errorf("expected second Release to be a no-op, got %v", err)
	}
}

// TestContention ensures that a second acquisition fails while the lock is held
// and succeeds once it has been released.
func TestContention(t *testing.T) {
	dir := t.TempDir()

	lock1, err := Acquire(context.Background(), dir, time.Hour, plog.Discard())
	if err != nil {
		t.Fatalf("first acquisition failed: %v", err)
	}

	_, err = Acquire(context.Background(), dir, time.Hour, plog.Discard())
	if err == nil {
		t.Fatal("second acquisition unexpectedly succeeded on an active lock")
	}
	var lockErr *ErrLockActive
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected error of type *ErrLockActive, but got %T: %v", err, err)
	}
	if lockErr.Acquired.IsZero() {
		t.Error("expected lock error to report the acquisition time")
	}

	if err := lock1.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	lock2, err := Acquire(context.Background(), dir, time.Hour, plog.Discard())
	if err != nil {
		t.Fatalf("expected acquisition after release to succeed, got %v", err)
	}
	lock2.Release()
}

// TestReleaseWithForeignStamp verifies that a lock whose marker carries a
// different timestamp is left in place.
func TestReleaseWithForeignStamp(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, LockFileName)

	lock, err := Acquire(context.Background(), dir, 0, plog.Discard())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	lock.stamp = "1"

	if err := lock.Release(); !errors.Is(err, ErrLockNotHeld) {
		t.Fatalf("expected ErrLockNotHeld, got %v", err)
	}
	if _, err := os.Stat(lockPath); err != nil {
		t.Fatalf("expected lock file to remain in place, got %v", err)
	}
}

// TestStaleLockTakeover verifies that an expired lock can be taken over and
// that the previous owner's release does not remove the new lock.
func TestStaleLockTakeover(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, LockFileName)

	old, err := Acquire(context.Background(), dir, 0, plog.Discard())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	stale := strconv.FormatInt(time.Now().Add(-2*time.Hour).UnixNano(), 10)
	if err := os.WriteFile(lockPath, []byte(stale), 0644); err != nil {
		t.Fatalf("failed to age lock file: %v", err)
	}
	old.stamp = stale

	fresh, err := Acquire(context.Background(), dir, time.Hour, plog.Discard())
	if err != nil {
		t.Fatalf("expected to take over stale lock, got %v", err)
	}

	if err := old.Release(); !errors.Is(err, ErrLockNotHeld) {
		t.Errorf("expected old owner release to report ErrLockNotHeld, got %v", err)
	}
	if _, err := os.Stat(lockPath); err != nil {
		t.Fatalf("new lock was removed by previous owner: %v", err)
	}
	if err := fresh.Release(); err != nil {
		t.Errorf("fresh release failed: %v", err)
	}
}

func TestCorruptLockIsTakenOver(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, LockFileName), []byte("garbage"), 0644); err != nil {
		t.Fatal(err)
	}
	lock, err := Acquire(context.Background(), dir, time.Hour, plog.Discard())
	if err != nil {
		t.Fatalf("expected corrupt lock to be taken over, got %v", err)
	}
	lock.Release()
}

func TestForceRelease(t *testing.T) {
	dir := t.TempDir()
	if _, err := Acquire(context.Background(), dir, 0, plog.Discard()); err != nil {
		t.Fatal(err)
	}
	removed, err := ForceRelease(dir)
	if err != nil || !removed {
		t.Fatalf("expected ForceRelease to remove the marker, got removed=%v err=%v", removed, err)
	}
	removed, err = ForceRelease(dir)
	if err != nil || removed {
		t.Fatalf("expected ForceRelease on empty dir to report false, got removed=%v err=%v", removed, err)
	}
}

// TestConcurrentAcquire ensures exactly one of many concurrent callers wins.
func TestConcurrentAcquire(t *testing.T) {
	dir := t.TempDir()
	const workers = 10

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := Acquire(context.Background(), dir, time.Hour, plog.Discard()); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("expected exactly one winner, got %d", winners)
	}
}
