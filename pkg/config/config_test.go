package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-cronbackup/pkg/archive"
	"github.com/paulschiretz/pgl-cronbackup/pkg/flagparse"
	"github.com/paulschiretz/pgl-cronbackup/pkg/plog"
	"github.com/paulschiretz/pgl-cronbackup/pkg/remote"
)

func TestConfig_Validate(t *testing.T) {
	// Helper to get a valid base config for testing
	newValidConfig := func(t *testing.T) Config {
		cfg := NewDefault()
		cfg.Source = t.TempDir()
		cfg.TempDir = t.TempDir()
		return cfg
	}

	t.Run("Valid Config", func(t *testing.T) {
		cfg := newValidConfig(t)
		if err := cfg.Validate(true); err != nil {
			t.Errorf("expected valid config to pass validation, but got error: %v", err)
		}
	})

	t.Run("Source Not Checked", func(t *testing.T) {
		cfg := newValidConfig(t)
		cfg.Source = ""
		if err := cfg.Validate(false); err != nil {
			t.Errorf("expected empty source to pass when not checked, got %v", err)
		}
	})

	testCases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"Empty Source Path", func(c *Config) { c.Source = "" }},
		{"Non-Existent Source Path", func(c *Config) { c.Source = filepath.Join(c.TempDir, "nonexistent") }},
		{"Empty TempDir", func(c *Config) { c.TempDir = "" }},
		{"Zero Size Limit", func(c *Config) { c.Archive.SizeLimitMB = 0 }},
		{"Invalid Format", func(c *Config) { c.Archive.Format = archive.Format("rar") }},
		{"Invalid Level", func(c *Config) { c.Archive.Level = archive.Level("max") }},
		{"Prefix With Separator", func(c *Config) { c.Archive.NamePrefix = "a/b" }},
		{"Database Without Name", func(c *Config) { c.Database.Enabled = true; c.Database.User = "root" }},
		{"Encryption Without Passphrase", func(c *Config) { c.Encryption.Enabled = true }},
		{"Invalid Remote", func(c *Config) {
			c.Remotes = []remote.Config{{Name: "nas", Kind: remote.Local, Enabled: true}}
		}},
		{"Duplicate Remote Names", func(c *Config) {
			r := remote.Config{Name: "nas", Kind: remote.Local, Enabled: true, Path: c.TempDir}
			c.Remotes = []remote.Config{r, r}
		}},
		{"Negative Retention", func(c *Config) { c.Retention.Days = -1 }},
		{"Negative Interval", func(c *Config) { c.Schedule.IntervalSeconds = -1 }},
		{"Invalid Cron", func(c *Config) { c.Schedule.Cron = "every tuesday" }},
		{"Zero Max Execution", func(c *Config) { c.Runtime.MaxExecutionSeconds = 0 }},
		{"Margin Exceeds Budget", func(c *Config) { c.Runtime.SafetyMarginSeconds = c.Runtime.MaxExecutionSeconds }},
		{"Negative Attempts", func(c *Config) { c.Runtime.MaxAttempts = -1 }},
		{"Zero Delete Workers", func(c *Config) { c.Engine.Performance.DeleteWorkers = 0 }},
		{"Zero Buffer", func(c *Config) { c.Engine.Performance.BufferSizeKB = 0 }},
		{"Invalid Log Level", func(c *Config) { c.LogLevel = "loud" }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := newValidConfig(t)
			tc.mutate(&cfg)
			if err := cfg.Validate(true); err == nil {
				t.Error("expected validation error, but got nil")
			}
		})
	}
}

func TestGenerateAndLoad(t *testing.T) {
	dir := t.TempDir()

	cfg := NewDefault()
	cfg.Name = "web"
	cfg.ConfigDir = dir
	cfg.Source = "/srv/www"
	cfg.Archive.Format = archive.Zip
	cfg.Remotes = []remote.Config{{Name: "nas", Kind: remote.Local, Enabled: true, Path: "/mnt/nas"}}

	if err := Generate(cfg, plog.Discard()); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	info, err := os.Stat(FilePath(dir, "web"))
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if info.Mode().Perm()&0077 != 0 && os.PathSeparator == '/' {
		t.Errorf("expected config file to be private, got %v", info.Mode().Perm())
	}

	loaded, err := Load(dir, "web")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Name != "web" || loaded.Source != "/srv/www" || loaded.Archive.Format != archive.Zip {
		t.Errorf("loaded config does not match: %+v", loaded)
	}
	if len(loaded.Remotes) != 1 || loaded.Remotes[0].Kind != remote.Local {
		t.Errorf("remotes not loaded: %+v", loaded.Remotes)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	content := `{"source": "/data", "runtime": {"maxExecutionSeconds": 50}}`
	if err := os.WriteFile(FilePath(dir, DefaultName), []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir, DefaultName)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Runtime.MaxExecutionSeconds != 50 {
		t.Errorf("expected maxExecutionSeconds 50, got %d", cfg.Runtime.MaxExecutionSeconds)
	}
	if cfg.Runtime.SafetyMarginSeconds != NewDefault().Runtime.SafetyMarginSeconds {
		t.Errorf("expected default safety margin to survive, got %d", cfg.Runtime.SafetyMarginSeconds)
	}
	if cfg.Archive.Format != archive.TarZst {
		t.Errorf("expected default format, got %v", cfg.Archive.Format)
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	t.Run("Missing", func(t *testing.T) {
		_, err := Load(dir, "absent")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Corrupt", func(t *testing.T) {
		if err := os.WriteFile(FilePath(dir, "corrupt"), []byte("{"), 0600); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(dir, "corrupt"); err == nil || !strings.Contains(err.Error(), "error parsing config file") {
			t.Errorf("expected parse error, got %v", err)
		}
	})

	t.Run("Unknown Field", func(t *testing.T) {
		if err := os.WriteFile(FilePath(dir, "typo"), []byte(`{"sorce": "/x"}`), 0600); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(dir, "typo"); err == nil {
			t.Error("expected unknown field to be rejected")
		}
	})

	t.Run("Name With Separator", func(t *testing.T) {
		if _, err := Load(dir, "../etc"); err == nil {
			t.Error("expected name with separator to be rejected")
		}
	})
}

func TestDerivedValues(t *testing.T) {
	cfg := NewDefault()
	cfg.TempDir = "/var/tmp/pgl"
	cfg.Archive.SizeLimitMB = 2
	cfg.Runtime.MaxExecutionSeconds = 100

	if got := cfg.SizeLimitBytes(); got != 2*1024*1024 {
		t.Errorf("unexpected size limit %d", got)
	}
	if got := cfg.StaleLockTimeout(); got != 200*time.Second {
		t.Errorf("expected stale timeout of twice the budget, got %v", got)
	}
	if got := cfg.WorkflowDir("backup"); got != filepath.Join("/var/tmp/pgl", "backup") {
		t.Errorf("unexpected workflow dir %s", got)
	}
	if got := cfg.AttemptsDir(); got != filepath.Join("/var/tmp/pgl", "attempts") {
		t.Errorf("unexpected attempts dir %s", got)
	}
}

func TestRemoteLookup(t *testing.T) {
	cfg := NewDefault()

	if _, err := cfg.Remote(""); err == nil {
		t.Error("expected error with no remotes")
	}

	cfg.Remotes = []remote.Config{
		{Name: "nas", Kind: remote.Local, Enabled: true, Path: "/mnt/nas"},
		{Name: "old", Kind: remote.Local, Enabled: false, Path: "/mnt/old"},
	}
	r, err := cfg.Remote("")
	if err != nil || r.Name != "nas" {
		t.Errorf("expected the only enabled remote, got %v, %v", r.Name, err)
	}
	if _, err := cfg.Remote("old"); err == nil {
		t.Error("expected disabled remote to be rejected")
	}

	cfg.Remotes[1].Enabled = true
	if _, err := cfg.Remote(""); err == nil {
		t.Error("expected ambiguity error with two enabled remotes")
	}
	if r, err := cfg.Remote("old"); err != nil || r.Name != "old" {
		t.Errorf("expected lookup by name, got %v, %v", r.Name, err)
	}
}

func TestMergeConfigWithFlags(t *testing.T) {
	base := NewDefault()
	flags := map[string]any{
		"source":                "/override",
		"exclude-dirs":          []string{"cache"},
		"archive-format":        "zip",
		"archive-size-limit-mb": 64,
		"delete-workers":        8,
		"cron":                  "0 * * * *",
		"name":                  "ignored",
	}

	merged := MergeConfigWithFlags(flagparse.Backup, base, flags)
	if merged.Source != "/override" {
		t.Errorf("expected source override, got %q", merged.Source)
	}
	if len(merged.ExcludeDirs) != 1 || merged.ExcludeDirs[0] != "cache" {
		t.Errorf("expected exclude dirs override, got %v", merged.ExcludeDirs)
	}
	if merged.Archive.Format != archive.Zip || merged.Archive.SizeLimitMB != 64 {
		t.Errorf("expected archive overrides, got %+v", merged.Archive)
	}
	if merged.Engine.Performance.DeleteWorkers != 8 {
		t.Errorf("expected delete workers override, got %d", merged.Engine.Performance.DeleteWorkers)
	}
	if merged.Schedule.Cron != base.Schedule.Cron {
		t.Errorf("cron must only be merged for the daemon command")
	}
	if base.Source != "" {
		t.Error("base config must not be modified")
	}

	daemon := MergeConfigWithFlags(flagparse.Daemon, base, map[string]any{"cron": "0 * * * *"})
	if daemon.Schedule.Cron != "0 * * * *" {
		t.Errorf("expected cron override for daemon, got %q", daemon.Schedule.Cron)
	}
}
