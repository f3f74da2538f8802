package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulschiretz/pgl-cronbackup/pkg/config"
	"github.com/paulschiretz/pgl-cronbackup/pkg/hints"
	"github.com/paulschiretz/pgl-cronbackup/pkg/lockfile"
	"github.com/paulschiretz/pgl-cronbackup/pkg/plog"
	"github.com/paulschiretz/pgl-cronbackup/pkg/remote"
)

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), []string{"version"}, &out); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !strings.Contains(out.String(), "PGL-CronBackup") {
		t.Errorf("unexpected version output %q", out.String())
	}
}

func TestRun_Errors(t *testing.T) {
	testCases := []struct {
		name string
		args []string
	}{
		{"Unknown Command", []string{"explode"}},
		{"Unknown Flag", []string{"backup", "-bogus"}},
		{"Missing Config", []string{"backup", "-config-dir", "DIR"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			args := make([]string, len(tc.args))
			for i, a := range tc.args {
				args[i] = strings.ReplaceAll(a, "DIR", dir)
			}
			if err := run(context.Background(), args, &bytes.Buffer{}); err == nil {
				t.Errorf("expected an error for %v", args)
			}
		})
	}
}

func TestRun_InitBackupStatus(t *testing.T) {
	plog.SetOutput(&bytes.Buffer{})
	configDir := t.TempDir()
	src := t.TempDir()
	tempDir := filepath.Join(t.TempDir(), "work")
	if err := os.WriteFile(filepath.Join(src, "hello.txt"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := run(ctx, []string{"init", "-config-dir", configDir, "-source", src, "-temp-dir", tempDir, "-archive-format", "zip"}, &bytes.Buffer{}); err != nil {
		t.Fatalf("init failed: %v", err)
	}

	// Remotes are only configured through the file.
	cfg, err := config.Load(configDir, config.DefaultName)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Remotes = []remote.Config{{Name: "nas", Kind: remote.Local, Enabled: true, Path: t.TempDir()}}
	if err := config.Generate(cfg, plog.Discard()); err != nil {
		t.Fatal(err)
	}

	if err := run(ctx, []string{"backup", "-config-dir", configDir, "-log-level", "error"}, &bytes.Buffer{}); err != nil {
		t.Fatalf("backup failed: %v", err)
	}

	var status bytes.Buffer
	if err := run(ctx, []string{"status", "-config-dir", configDir}, &status); err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(status.String(), "Last step: bundle") || !strings.Contains(status.String(), "Next step: backup-directory") {
		t.Errorf("unexpected status output:\n%s", status.String())
	}

	// A held lock turns the next invocation into a hint.
	lock, err := lockfile.Acquire(ctx, filepath.Join(tempDir, "backup"), 0, plog.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()
	err = run(ctx, []string{"backup", "-config-dir", configDir}, &bytes.Buffer{})
	if !hints.IsHint(err) {
		t.Errorf("expected a hint for a held lock, got %v", err)
	}
}
