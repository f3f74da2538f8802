package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/paulschiretz/pgl-cronbackup/pkg/archive"
	"github.com/paulschiretz/pgl-cronbackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-cronbackup/pkg/dbdump"
	"github.com/paulschiretz/pgl-cronbackup/pkg/flagparse"
	"github.com/paulschiretz/pgl-cronbackup/pkg/plog"
	"github.com/paulschiretz/pgl-cronbackup/pkg/remote"
	"github.com/paulschiretz/pgl-cronbackup/pkg/retention"
	"github.com/paulschiretz/pgl-cronbackup/pkg/util"
)

// ConfigFileSuffix is appended to the configuration name to form the file name.
const ConfigFileSuffix = ".pgl-cronbackup.json"

// DefaultName is the configuration used when no name is given.
const DefaultName = "default"

// ErrNotFound is returned by Load when the named configuration does not exist.
var ErrNotFound = errors.New("configuration not found")

type ArchiveConfig struct {
	SizeLimitMB int            `json:"sizeLimitMB" comment:"Maximum uncompressed size of one archive. A single larger file gets an archive of its own."`
	Format      archive.Format `json:"format"`
	Level       archive.Level  `json:"level"`
	NamePrefix  string         `json:"namePrefix"`
}

type EncryptionConfig struct {
	Enabled bool `json:"enabled"`
	// SECURITY: stored in clear text, keep the config file user-readable only.
	Passphrase string `json:"passphrase"`
}

type ScheduleConfig struct {
	// IntervalSeconds is the minimum time between the end of one backup cycle
	// and the start of the next.
	IntervalSeconds int `json:"intervalSeconds"`
	// Cron is the tick expression used by the daemon command.
	Cron string `json:"cron"`
}

type RuntimeConfig struct {
	MaxExecutionSeconds int `json:"maxExecutionSeconds" comment:"Time budget of one invocation. Long steps stop early and continue on the next invocation."`
	SafetyMarginSeconds int `json:"safetyMarginSeconds"`
	MaxAttempts         int `json:"maxAttempts" comment:"How often a step may run for the same backup before it fails. 0 disables the limit."`
}

type EnginePerformanceConfig struct {
	DeleteWorkers int `json:"deleteWorkers"`
	BufferSizeKB  int `json:"bufferSizeKB" comment:"Size of the I/O buffer in kilobytes for archive creation and extraction. Default is 256 (256KB)."`
}

type EngineConfig struct {
	Performance EnginePerformanceConfig `json:"performance"`
}

type Config struct {
	Version   string `json:"version"`
	Name      string `json:"-"` // Derived from the file name.
	ConfigDir string `json:"-"` // Directory the file was loaded from.

	Source  string `json:"source"`
	TempDir string `json:"tempDir"`
	// Note: omitempty is intentionally not used for user-configurable slices
	// so that they appear in the generated config file for better discoverability.
	ExcludeDirs []string         `json:"excludeDirs"`
	Archive     ArchiveConfig    `json:"archive"`
	Database    dbdump.Config    `json:"database"`
	Encryption  EncryptionConfig `json:"encryption"`
	Remotes     []remote.Config  `json:"remotes"`
	Retention   retention.Policy `json:"retention"`
	Schedule    ScheduleConfig   `json:"schedule"`
	Runtime     RuntimeConfig    `json:"runtime"`
	Engine      EngineConfig     `json:"engine"`
	LogLevel    string           `json:"logLevel"`
	LogFile     string           `json:"logFile"`
}

// NewDefault creates and returns a Config struct with sensible default values.
func NewDefault() Config {
	return Config{
		Version:     buildinfo.Version,
		Name:        DefaultName,
		Source:      "", // Intentionally empty to force user configuration.
		TempDir:     filepath.Join(os.TempDir(), "pgl-cronbackup"),
		ExcludeDirs: []string{},
		Archive: ArchiveConfig{
			SizeLimitMB: 512,
			Format:      archive.TarZst,
			Level:       archive.Default,
			NamePrefix:  "PGL_Backup_",
		},
		Database: dbdump.Config{
			Enabled:       false,
			Host:          "localhost",
			Port:          3306,
			DumpCommand:   "mysqldump",
			ImportCommand: "mysql",
			ExtraArgs:     []string{},
		},
		Remotes: []remote.Config{},
		Retention: retention.Policy{
			Days:  7, // Default: Keep one backup for each of the last 7 days.
			Weeks: 4, // Default: Keep one backup for each of the last 4 weeks.
		},
		Schedule: ScheduleConfig{
			IntervalSeconds: 86400, // Default: one backup cycle per day.
			Cron:            "*/5 * * * *",
		},
		Runtime: RuntimeConfig{
			MaxExecutionSeconds: 240, // Fits a five minute cron tick.
			SafetyMarginSeconds: 30,
			MaxAttempts:         5,
		},
		Engine: EngineConfig{
			Performance: EnginePerformanceConfig{
				DeleteWorkers: 4,   // A sensible default for deleting entire backup sets.
				BufferSizeKB:  256, // Keep it between 64KB-4MB
			},
		},
		LogLevel: "info",
	}
}

// DefaultDir returns the per-user directory configurations are stored in.
func DefaultDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("could not determine user config directory: %w", err)
	}
	return filepath.Join(base, "pgl-cronbackup"), nil
}

// FilePath returns the path of the named configuration inside dir.
func FilePath(dir, name string) string {
	return filepath.Join(dir, name+ConfigFileSuffix)
}

// Load reads the named configuration from dir. Values missing from the file
// keep their defaults. A missing file is reported as ErrNotFound.
func Load(dir, name string) (Config, error) {
	if err := validateName(name); err != nil {
		return Config{}, err
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return Config{}, fmt.Errorf("could not determine absolute path for config directory %s: %w", dir, err)
	}
	configPath := FilePath(absDir, name)

	file, err := os.Open(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, fmt.Errorf("%w: %s (run 'init' first)", ErrNotFound, configPath)
		}
		return Config{}, fmt.Errorf("error opening config file %s: %w", configPath, err)
	}
	defer file.Close()

	// Start with default values, then overwrite with the file's content.
	// This makes the config loading resilient to missing fields in the JSON file.
	config := NewDefault()
	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&config); err != nil {
		return Config{}, fmt.Errorf("error parsing config file %s: %w", configPath, err)
	}
	config.Name = name
	config.ConfigDir = absDir

	// NOTE: if config.Version differs from the app version a migration step goes here.
	config.Version = buildinfo.Version
	return config, nil
}

// Generate creates or overwrites the configuration file described by c.
func Generate(c Config, log *plog.Logger) error {
	if err := validateName(c.Name); err != nil {
		return err
	}
	if err := os.MkdirAll(c.ConfigDir, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	configPath := FilePath(c.ConfigDir, c.Name)
	jsonData, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}
	// The file may carry passwords, keep it private to the user.
	if err := util.WriteFileAtomic(configPath, jsonData, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	log.Info("Successfully saved config file", "path", configPath)
	return nil
}

// Validate checks the configuration for logical errors and inconsistencies.
// Paths are expanded and cleaned in place. The source directory is only
// required to exist when checkSource is set.
func (c *Config) Validate(checkSource bool) error {
	var err error

	// --- Strict Path Validation (Fail-Fast) ---
	if checkSource && c.Source == "" {
		return fmt.Errorf("source path cannot be empty")
	}
	if c.Source != "" {
		c.Source, err = util.ExpandPath(c.Source)
		if err != nil {
			return fmt.Errorf("could not expand source path: %w", err)
		}
		c.Source = filepath.Clean(c.Source)
		if checkSource {
			info, err := os.Stat(c.Source)
			if os.IsNotExist(err) {
				return fmt.Errorf("source path '%s' does not exist", c.Source)
			}
			if err == nil && !info.IsDir() {
				return fmt.Errorf("source path '%s' is not a directory", c.Source)
			}
		}
	}

	if c.TempDir == "" {
		return fmt.Errorf("tempDir cannot be empty")
	}
	c.TempDir, err = util.ExpandPath(c.TempDir)
	if err != nil {
		return fmt.Errorf("could not expand tempDir: %w", err)
	}
	c.TempDir, err = filepath.Abs(c.TempDir)
	if err != nil {
		return fmt.Errorf("could not determine absolute tempDir: %w", err)
	}

	// --- Archive ---
	if c.Archive.SizeLimitMB <= 0 {
		return fmt.Errorf("archive.sizeLimitMB must be greater than 0")
	}
	if _, err := archive.ParseFormat(string(c.Archive.Format)); err != nil {
		return fmt.Errorf("archive.format: %w", err)
	}
	if _, err := archive.ParseLevel(string(c.Archive.Level)); err != nil {
		return fmt.Errorf("archive.level: %w", err)
	}
	if c.Archive.NamePrefix == "" {
		return fmt.Errorf("archive.namePrefix cannot be empty")
	}
	// The prefix becomes a single directory name on every remote.
	if strings.ContainsAny(c.Archive.NamePrefix, `\/`) {
		return fmt.Errorf("archive.namePrefix cannot contain path separators ('/' or '\\')")
	}

	if err := c.Database.Validate(); err != nil {
		return err
	}

	if c.Encryption.Enabled && c.Encryption.Passphrase == "" {
		return fmt.Errorf("encryption.passphrase cannot be empty when encryption is enabled")
	}

	// --- Remotes ---
	seen := make(map[string]bool, len(c.Remotes))
	for _, r := range c.Remotes {
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.Name] {
			return fmt.Errorf("remote name %q is used more than once", r.Name)
		}
		seen[r.Name] = true
	}

	if err := c.Retention.Validate(); err != nil {
		return fmt.Errorf("retention: %w", err)
	}

	// --- Schedule and Runtime ---
	if c.Schedule.IntervalSeconds < 0 {
		return fmt.Errorf("schedule.intervalSeconds cannot be negative")
	}
	if c.Schedule.Cron != "" {
		if _, err := cron.ParseStandard(c.Schedule.Cron); err != nil {
			return fmt.Errorf("schedule.cron is invalid: %w", err)
		}
	}
	if c.Runtime.MaxExecutionSeconds <= 0 {
		return fmt.Errorf("runtime.maxExecutionSeconds must be greater than 0")
	}
	if c.Runtime.SafetyMarginSeconds < 0 || c.Runtime.SafetyMarginSeconds >= c.Runtime.MaxExecutionSeconds {
		return fmt.Errorf("runtime.safetyMarginSeconds must be between 0 and maxExecutionSeconds")
	}
	if c.Runtime.MaxAttempts < 0 {
		return fmt.Errorf("runtime.maxAttempts cannot be negative")
	}

	// --- Engine ---
	if c.Engine.Performance.DeleteWorkers < 1 {
		return fmt.Errorf("engine.performance.deleteWorkers must be at least 1")
	}
	if c.Engine.Performance.BufferSizeKB <= 0 {
		return fmt.Errorf("engine.performance.bufferSizeKB must be greater than 0")
	}

	if _, err := plog.LevelFromString(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// SizeLimitBytes returns the archive ceiling in bytes.
func (c *Config) SizeLimitBytes() int64 {
	return int64(c.Archive.SizeLimitMB) * 1024 * 1024
}

// MaxExecution returns the time budget of one invocation.
func (c *Config) MaxExecution() time.Duration {
	return time.Duration(c.Runtime.MaxExecutionSeconds) * time.Second
}

// SafetyMargin returns the time kept in reserve before the budget runs out.
func (c *Config) SafetyMargin() time.Duration {
	return time.Duration(c.Runtime.SafetyMarginSeconds) * time.Second
}

// StaleLockTimeout returns the age after which a workflow lock may be taken over.
func (c *Config) StaleLockTimeout() time.Duration {
	return 2 * c.MaxExecution()
}

// WorkflowDir returns the directory holding progress, shared state and lock
// of a workflow.
func (c *Config) WorkflowDir(workflow string) string {
	return filepath.Join(c.TempDir, workflow)
}

// AttemptsDir returns the directory holding the per-step attempt counters.
func (c *Config) AttemptsDir() string {
	return filepath.Join(c.TempDir, "attempts")
}

// EnabledRemotes returns the remotes that take part in backups, in config order.
func (c *Config) EnabledRemotes() []remote.Config {
	var enabled []remote.Config
	for _, r := range c.Remotes {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}
	return enabled
}

// Remote looks up an enabled remote by name. An empty name selects the only
// enabled remote.
func (c *Config) Remote(name string) (remote.Config, error) {
	enabled := c.EnabledRemotes()
	if name == "" {
		if len(enabled) == 1 {
			return enabled[0], nil
		}
		return remote.Config{}, fmt.Errorf("%d remotes are enabled, choose one by name", len(enabled))
	}
	for _, r := range enabled {
		if r.Name == name {
			return r, nil
		}
	}
	return remote.Config{}, fmt.Errorf("no enabled remote named %q", name)
}

// LogSummary prints a user-friendly summary of the configuration.
func (c *Config) LogSummary(log *plog.Logger) {
	logArgs := []any{
		"name", c.Name,
		"log_level", c.LogLevel,
		"source", c.Source,
		"temp_dir", c.TempDir,
		"archive", fmt.Sprintf("%s/%s (limit %dMB)", c.Archive.Format, c.Archive.Level, c.Archive.SizeLimitMB),
		"interval", time.Duration(c.Schedule.IntervalSeconds) * time.Second,
		"max_execution", c.MaxExecution(),
		"max_attempts", c.Runtime.MaxAttempts,
		"delete_workers", c.Engine.Performance.DeleteWorkers,
		"buffer_size_kb", c.Engine.Performance.BufferSizeKB,
		"retention", c.Retention.Describe(),
		"encryption", c.Encryption.Enabled,
	}
	if c.Database.Enabled {
		logArgs = append(logArgs, "database", fmt.Sprintf("%s@%s:%d/%s", c.Database.User, c.Database.Host, c.Database.Port, c.Database.Name))
	}
	var remotes []string
	for _, r := range c.EnabledRemotes() {
		remotes = append(remotes, fmt.Sprintf("%s(%s)", r.Name, r.Kind))
	}
	if len(remotes) > 0 {
		logArgs = append(logArgs, "remotes", strings.Join(remotes, ", "))
	}
	if len(c.ExcludeDirs) > 0 {
		logArgs = append(logArgs, "exclude_dirs", strings.Join(c.ExcludeDirs, ", "))
	}
	log.Info("Configuration loaded", logArgs...)
}

// MergeConfigWithFlags overlays the configuration values from flags on top of a base
// configuration. It iterates over the setFlags map, which contains only the flags
// explicitly provided by the user on the command line.
func MergeConfigWithFlags(command flagparse.Command, base Config, setFlags map[string]any) Config {
	merged := base

	for name, value := range setFlags {
		switch name {
		case "log-level":
			merged.LogLevel = value.(string)
		case "log-file":
			merged.LogFile = value.(string)
		case "source":
			merged.Source = value.(string)
		case "temp-dir":
			merged.TempDir = value.(string)
		case "exclude-dirs":
			merged.ExcludeDirs = value.([]string)
		case "archive-format":
			merged.Archive.Format = archive.Format(value.(string))
		case "archive-level":
			merged.Archive.Level = archive.Level(value.(string))
		case "archive-size-limit-mb":
			merged.Archive.SizeLimitMB = value.(int)
		case "max-execution-seconds":
			merged.Runtime.MaxExecutionSeconds = value.(int)
		case "delete-workers":
			merged.Engine.Performance.DeleteWorkers = value.(int)
		case "buffer-size-kb":
			merged.Engine.Performance.BufferSizeKB = value.(int)
		case "cron":
			if command == flagparse.Daemon {
				merged.Schedule.Cron = value.(string)
			}
		case "config-dir", "name", "remote", "backup-name", "target", "workflow", "force", "default":
			// Selects what to act on, not part of the stored configuration.
		default:
			plog.Debug("unhandled flag in MergeConfigWithFlags", "flag", name)
		}
	}
	return merged
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("configuration name cannot be empty")
	}
	if strings.ContainsAny(name, `\/`) || name == "." || name == ".." {
		return fmt.Errorf("configuration name %q cannot contain path separators", name)
	}
	return nil
}
