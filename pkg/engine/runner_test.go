package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-cronbackup/pkg/archive"
	"github.com/paulschiretz/pgl-cronbackup/pkg/config"
	"github.com/paulschiretz/pgl-cronbackup/pkg/engine"
	"github.com/paulschiretz/pgl-cronbackup/pkg/hints"
	"github.com/paulschiretz/pgl-cronbackup/pkg/lockfile"
	"github.com/paulschiretz/pgl-cronbackup/pkg/manifest"
	"github.com/paulschiretz/pgl-cronbackup/pkg/plog"
	"github.com/paulschiretz/pgl-cronbackup/pkg/remote"
	"github.com/paulschiretz/pgl-cronbackup/pkg/retention"
	"github.com/paulschiretz/pgl-cronbackup/pkg/step"
)

type testEnv struct {
	cfg       *config.Config
	runner    *engine.Runner
	remoteDir string
	now       time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.NewDefault()
	cfg.Source = t.TempDir()
	cfg.TempDir = t.TempDir()
	cfg.Archive.Format = archive.Zip
	cfg.Schedule.IntervalSeconds = 3600

	remoteDir := t.TempDir()
	cfg.Remotes = []remote.Config{{Name: "nas", Kind: remote.Local, Enabled: true, Path: remoteDir}}

	for rel, content := range map[string]string{
		"a.txt":             "alpha",
		"docs/b.txt":        "bravo",
		"docs/deeper/c.txt": "charlie",
	} {
		p := filepath.Join(cfg.Source, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	env := &testEnv{cfg: &cfg, remoteDir: remoteDir, now: time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)}
	r, err := engine.NewRunner(env.cfg, plog.Discard(),
		engine.WithStart(env.now),
		engine.WithClock(func() time.Time { return env.now }),
	)
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}
	env.runner = r
	return env
}

func (e *testEnv) runBackup(t *testing.T, wantStep string) engine.Outcome {
	t.Helper()
	out, err := e.runner.RunBackup(context.Background())
	if err != nil {
		t.Fatalf("RunBackup failed: %v", err)
	}
	if !out.Ran {
		t.Fatalf("expected step %s to run, nothing was due (next %s at %s)", wantStep, out.Step, out.NextEligible)
	}
	if out.Step != wantStep {
		t.Fatalf("expected step %s, got %s", wantStep, out.Step)
	}
	return out
}

func TestBackupDescriptors(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Remotes = append(env.cfg.Remotes, remote.Config{Name: "offsite", Kind: remote.Local, Enabled: true, Path: t.TempDir(), SendDelaySeconds: 60})

	descs, err := env.runner.BackupDescriptors()
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, d := range descs {
		ids = append(ids, d.ID())
	}
	want := []string{"bundle", "backup-directory", "backup-database", "send-nas", "send-offsite", "prune-nas", "prune-offsite", "cleanup"}
	if !slices.Equal(ids, want) {
		t.Errorf("expected %v, got %v", want, ids)
	}
	if descs[0].Delay != 3600 || descs[4].Delay != 60 {
		t.Errorf("unexpected delays: bundle=%d send-offsite=%d", descs[0].Delay, descs[4].Delay)
	}

	env.cfg.Remotes = nil
	if _, err := env.runner.BackupDescriptors(); !errors.Is(err, engine.ErrNoRemotes) {
		t.Errorf("expected ErrNoRemotes, got %v", err)
	}
}

func TestRunBackup_FullCycle(t *testing.T) {
	env := newTestEnv(t)

	for _, id := range []string{"bundle", "backup-directory", "backup-database", "send-nas", "prune-nas", "cleanup"} {
		env.runBackup(t, id)
	}

	backups, err := env.runner.ListBackups(context.Background(), "")
	if err != nil {
		t.Fatalf("ListBackups failed: %v", err)
	}
	if len(backups) != 1 {
		t.Fatalf("expected 1 backup on remote, got %v", backups)
	}
	wantName := retention.DirName(env.cfg.Archive.NamePrefix, env.now)
	if backups[0].Name != wantName {
		t.Errorf("expected backup %s, got %s", wantName, backups[0].Name)
	}
	m, err := manifest.ReadDir(filepath.Join(env.remoteDir, wantName))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := m["files-001.zip"]; !ok || len(m) != 1 {
		t.Errorf("unexpected remote manifest %v", m)
	}

	archives, err := env.runner.ListArchives(context.Background(), "nas", wantName)
	if err != nil {
		t.Fatalf("ListArchives failed: %v", err)
	}
	if len(archives) != 1 || archives[0].Name != "files-001.zip" {
		t.Errorf("unexpected archives %+v", archives)
	}

	// The working copy is gone after cleanup.
	if _, err := os.Stat(filepath.Join(env.cfg.WorkflowDir(engine.BackupWorkflow), wantName)); !os.IsNotExist(err) {
		t.Errorf("expected working copy to be removed, got %v", err)
	}

	// The next bundle waits for the schedule interval.
	out, err := env.runner.RunBackup(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out.Ran || out.Step != "bundle" {
		t.Fatalf("expected bundle to be pending, got %+v", out)
	}
	if want := env.now.Add(time.Hour).Truncate(time.Second); !out.NextEligible.Equal(want) {
		t.Errorf("expected next eligible %s, got %s", want, out.NextEligible)
	}

	env.now = env.now.Add(time.Hour)
	env.runBackup(t, "bundle")
}

func TestRunBackup_LockContention(t *testing.T) {
	env := newTestEnv(t)
	dir := env.cfg.WorkflowDir(engine.BackupWorkflow)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	lock, err := lockfile.Acquire(context.Background(), dir, time.Hour, plog.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	_, err = env.runner.RunBackup(context.Background())
	if !hints.IsHint(err) {
		t.Fatalf("expected a hint, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "backup workflow is busy: ") {
		t.Errorf("expected the hint to name the busy workflow, got %q", err.Error())
	}
	var lockErr *lockfile.ErrLockActive
	if !errors.As(err, &lockErr) {
		t.Errorf("expected *lockfile.ErrLockActive in chain, got %T", err)
	}

	// Nothing was executed.
	st, err := env.runner.Status(engine.BackupWorkflow)
	if err != nil {
		t.Fatal(err)
	}
	if st.Marker != nil || st.LockedSince.IsZero() {
		t.Errorf("expected no marker and a held lock, got %+v", st)
	}

	removed, err := env.runner.Unlock(engine.BackupWorkflow)
	if err != nil || !removed {
		t.Fatalf("expected Unlock to remove the lock, got %v, %v", removed, err)
	}
	env.runBackup(t, "bundle")
}

func TestRunBackup_StepErrorKeepsProgress(t *testing.T) {
	env := newTestEnv(t)
	env.runBackup(t, "bundle")

	// A bundled file vanishing makes archiving fail.
	moved := filepath.Join(t.TempDir(), "a.txt")
	if err := os.Rename(filepath.Join(env.cfg.Source, "a.txt"), moved); err != nil {
		t.Fatal(err)
	}
	if _, err := env.runner.RunBackup(context.Background()); err == nil {
		t.Fatal("expected backup-directory to fail")
	}
	st, err := env.runner.Status(engine.BackupWorkflow)
	if err != nil {
		t.Fatal(err)
	}
	if st.Marker == nil || st.Marker.LastStepIndex != 0 || st.NextStep != "backup-directory" {
		t.Fatalf("expected progress to stay after bundle, got %+v", st)
	}

	if err := os.Rename(moved, filepath.Join(env.cfg.Source, "a.txt")); err != nil {
		t.Fatal(err)
	}
	env.runBackup(t, "backup-directory")
}

func TestStatusAndReset(t *testing.T) {
	env := newTestEnv(t)
	env.runBackup(t, "bundle")
	env.runBackup(t, "backup-directory")

	st, err := env.runner.Status(engine.BackupWorkflow)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.NextStep != "backup-database" || st.NextIndex != 2 {
		t.Errorf("expected backup-database next, got %s (%d)", st.NextStep, st.NextIndex)
	}
	if !slices.Contains(st.DataKeys, "backupDirectory") {
		t.Errorf("expected backupDirectory in data keys, got %v", st.DataKeys)
	}
	if len(st.Steps) != 6 {
		t.Errorf("expected 6 steps, got %v", st.Steps)
	}

	if err := env.runner.Reset(context.Background(), engine.BackupWorkflow); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	st, err = env.runner.Status(engine.BackupWorkflow)
	if err != nil {
		t.Fatal(err)
	}
	if st.Marker != nil || st.NextIndex != 0 || len(st.DataKeys) != 0 {
		t.Errorf("expected a fresh workflow after reset, got %+v", st)
	}
	entries, err := os.ReadDir(env.cfg.WorkflowDir(engine.BackupWorkflow))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.IsDir() {
			t.Errorf("expected working copies to be removed, found %s", e.Name())
		}
	}

	if _, err := env.runner.Status("nightly"); !errors.Is(err, step.ErrInvalidArgument) {
		t.Errorf("expected unknown workflow to be rejected, got %v", err)
	}
}

func TestRunRestore(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"bundle", "backup-directory", "backup-database", "send-nas", "prune-nas", "cleanup"} {
		env.runBackup(t, id)
	}

	if _, err := env.runner.RunRestore(context.Background(), engine.RestoreRequest{}); !errors.Is(err, step.ErrInvalidArgument) {
		t.Fatalf("expected a missing target to be rejected, got %v", err)
	}

	target := t.TempDir()
	req := engine.RestoreRequest{Target: target}
	for i, id := range []string{"download-nas", "extract", "restore-database", "cleanup"} {
		out, err := env.runner.RunRestore(context.Background(), req)
		if err != nil {
			t.Fatalf("restore step %d failed: %v", i, err)
		}
		if !out.Ran || out.Step != id {
			t.Fatalf("expected %s to run, got %+v", id, out)
		}
		if i == 0 {
			// A different backup cannot be requested while this one is in progress.
			if _, err := env.runner.RunRestore(context.Background(), engine.RestoreRequest{Backup: "PGL_Backup_other"}); err == nil {
				t.Fatal("expected conflicting restore request to fail")
			}
		}
	}

	for rel, want := range map[string]string{
		"a.txt":             "alpha",
		"docs/b.txt":        "bravo",
		"docs/deeper/c.txt": "charlie",
	} {
		got, err := os.ReadFile(filepath.Join(target, filepath.FromSlash(rel)))
		if err != nil || string(got) != want {
			t.Errorf("restored %s = %q, %v; want %q", rel, got, err, want)
		}
	}
}

func TestRunBackup_Preflight(t *testing.T) {
	t.Run("remote inside source", func(t *testing.T) {
		env := newTestEnv(t)
		env.cfg.Remotes[0].Path = filepath.Join(env.cfg.Source, "backups")
		if _, err := env.runner.RunBackup(context.Background()); err == nil {
			t.Fatal("expected an error for a local remote inside the source")
		}
	})

	t.Run("source missing", func(t *testing.T) {
		env := newTestEnv(t)
		if err := os.RemoveAll(env.cfg.Source); err != nil {
			t.Fatal(err)
		}
		if _, err := env.runner.RunBackup(context.Background()); err == nil {
			t.Fatal("expected an error for a missing source")
		}
		if _, err := os.Stat(env.cfg.WorkflowDir(engine.BackupWorkflow)); !os.IsNotExist(err) {
			t.Errorf("expected no workflow state to be created, got %v", err)
		}
	})
}
