package cmd_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulschiretz/pgl-cronbackup/cmd"
	"github.com/paulschiretz/pgl-cronbackup/pkg/archive"
	"github.com/paulschiretz/pgl-cronbackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-cronbackup/pkg/config"
	"github.com/paulschiretz/pgl-cronbackup/pkg/flagparse"
	"github.com/paulschiretz/pgl-cronbackup/pkg/plog"
	"github.com/paulschiretz/pgl-cronbackup/pkg/remote"
)

func TestRunInitAndLoadConfig(t *testing.T) {
	configDir := t.TempDir()
	src := t.TempDir()
	tmp := filepath.Join(t.TempDir(), "work")

	flagMap := map[string]any{
		"config-dir":            configDir,
		"name":                  "nightly",
		"source":                src,
		"temp-dir":              tmp,
		"archive-size-limit-mb": 64,
	}
	if err := cmd.RunInit(context.Background(), flagMap, plog.Discard()); err != nil {
		t.Fatalf("RunInit failed: %v", err)
	}
	if _, err := os.Stat(config.FilePath(configDir, "nightly")); err != nil {
		t.Fatalf("expected config file to be written: %v", err)
	}
	if _, err := os.Stat(tmp); err != nil {
		t.Errorf("expected temp dir to be created: %v", err)
	}

	cfg, err := cmd.LoadConfig(flagparse.Backup, map[string]any{"config-dir": configDir, "name": "nightly"})
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Source != src || cfg.Archive.SizeLimitMB != 64 {
		t.Errorf("unexpected loaded config: source=%s limit=%d", cfg.Source, cfg.Archive.SizeLimitMB)
	}

	// Updating keeps earlier settings.
	if err := cmd.RunInit(context.Background(), map[string]any{"config-dir": configDir, "name": "nightly", "delete-workers": 2}, plog.Discard()); err != nil {
		t.Fatalf("RunInit update failed: %v", err)
	}
	cfg, err = cmd.LoadConfig(flagparse.Status, map[string]any{"config-dir": configDir, "name": "nightly"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Archive.SizeLimitMB != 64 || cfg.Engine.Performance.DeleteWorkers != 2 {
		t.Errorf("expected update to keep the size limit and set workers, got %d/%d", cfg.Archive.SizeLimitMB, cfg.Engine.Performance.DeleteWorkers)
	}
}

func TestRunInit_RequiresSource(t *testing.T) {
	err := cmd.RunInit(context.Background(), map[string]any{"config-dir": t.TempDir()}, plog.Discard())
	if err == nil || !strings.Contains(err.Error(), "-source") {
		t.Fatalf("expected missing source error, got %v", err)
	}
}

func TestLoadConfig_NotFound(t *testing.T) {
	_, err := cmd.LoadConfig(flagparse.Backup, map[string]any{"config-dir": t.TempDir()})
	if !errors.Is(err, config.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func newBackupConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewDefault()
	cfg.Source = t.TempDir()
	cfg.TempDir = t.TempDir()
	cfg.Archive.Format = archive.Zip
	cfg.Schedule.IntervalSeconds = 0
	cfg.Remotes = []remote.Config{{Name: "nas", Kind: remote.Local, Enabled: true, Path: t.TempDir()}}
	if err := os.WriteFile(filepath.Join(cfg.Source, "file.txt"), []byte("content"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(true); err != nil {
		t.Fatalf("config invalid: %v", err)
	}
	return &cfg
}

func TestBackupListStatus(t *testing.T) {
	cfg := newBackupConfig(t)
	log := plog.Discard()
	ctx := context.Background()

	var status bytes.Buffer
	if err := cmd.RunStatus(cfg, log, map[string]any{"workflow": "backup"}, &status); err != nil {
		t.Fatalf("RunStatus failed: %v", err)
	}
	if !strings.Contains(status.String(), "Next step: bundle, due now") {
		t.Errorf("unexpected status output:\n%s", status.String())
	}

	for range 6 {
		if err := cmd.RunBackup(ctx, cfg, log); err != nil {
			t.Fatalf("RunBackup failed: %v", err)
		}
	}

	var list bytes.Buffer
	if err := cmd.RunList(ctx, cfg, log, map[string]any{}, &list); err != nil {
		t.Fatalf("RunList failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(list.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[1], cfg.Archive.NamePrefix) {
		t.Fatalf("expected header and one backup, got:\n%s", list.String())
	}
	backup := strings.Fields(lines[1])[0]

	list.Reset()
	if err := cmd.RunList(ctx, cfg, log, map[string]any{"backup-name": backup}, &list); err != nil {
		t.Fatalf("RunList archives failed: %v", err)
	}
	if !strings.Contains(list.String(), "files-001.zip") {
		t.Errorf("expected archive listing, got:\n%s", list.String())
	}

	status.Reset()
	if err := cmd.RunStatus(cfg, log, map[string]any{"workflow": "backup"}, &status); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(status.String(), "Last step: cleanup") {
		t.Errorf("unexpected status output:\n%s", status.String())
	}

	if err := cmd.RunReset(ctx, cfg, log, map[string]any{"workflow": "backup"}); err != nil {
		t.Fatalf("RunReset failed: %v", err)
	}
	if err := cmd.RunUnlock(cfg, log, map[string]any{"workflow": "backup"}); err != nil {
		t.Fatalf("RunUnlock failed: %v", err)
	}
	if err := cmd.RunReset(ctx, cfg, log, map[string]any{"workflow": "weekly"}); err == nil {
		t.Error("expected unknown workflow to fail")
	}
}

func TestRunRestore(t *testing.T) {
	cfg := newBackupConfig(t)
	log := plog.Discard()
	ctx := context.Background()
	for range 6 {
		if err := cmd.RunBackup(ctx, cfg, log); err != nil {
			t.Fatalf("RunBackup failed: %v", err)
		}
	}

	target := t.TempDir()
	flagMap := map[string]any{"target": target}
	for range 4 {
		if err := cmd.RunRestore(ctx, cfg, log, flagMap); err != nil {
			t.Fatalf("RunRestore failed: %v", err)
		}
	}
	got, err := os.ReadFile(filepath.Join(target, "file.txt"))
	if err != nil || string(got) != "content" {
		t.Errorf("restored file = %q, %v", got, err)
	}
}

func TestRunVersion(t *testing.T) {
	var buf bytes.Buffer
	if err := cmd.RunVersion(&buf); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), buildinfo.Name+" "+buildinfo.Version) {
		t.Errorf("unexpected version output %q", buf.String())
	}
}
