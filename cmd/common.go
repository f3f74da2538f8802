// Package cmd implements the command-line commands. Each Run function receives
// the parsed flag map and, except for init, the loaded and validated
// configuration together with the logger built from it.
package cmd

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/paulschiretz/pgl-cronbackup/pkg/config"
	"github.com/paulschiretz/pgl-cronbackup/pkg/engine"
	"github.com/paulschiretz/pgl-cronbackup/pkg/flagparse"
	"github.com/paulschiretz/pgl-cronbackup/pkg/plog"
)

// configLocation returns the configuration directory and name selected by the flags.
func configLocation(flagMap map[string]any) (string, string, error) {
	dir, _ := flagMap["config-dir"].(string)
	if dir == "" {
		var err error
		if dir, err = config.DefaultDir(); err != nil {
			return "", "", err
		}
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", "", fmt.Errorf("could not determine absolute config directory for %s: %w", dir, err)
	}
	name, _ := flagMap["name"].(string)
	if name == "" {
		name = config.DefaultName
	}
	return absDir, name, nil
}

// LoadConfig loads the selected configuration, merges the flags over it and
// validates the result for command.
func LoadConfig(command flagparse.Command, flagMap map[string]any) (*config.Config, error) {
	dir, name, err := configLocation(flagMap)
	if err != nil {
		return nil, err
	}
	loadedConfig, err := config.Load(dir, name)
	if err != nil {
		return nil, err
	}

	runConfig := config.MergeConfigWithFlags(command, loadedConfig, flagMap)

	// Only a backup reads the source directory.
	checkSource := command == flagparse.Backup || command == flagparse.Daemon
	if err := runConfig.Validate(checkSource); err != nil {
		return nil, err
	}
	return &runConfig, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewLogger builds the console logger for cfg, teeing into the configured
// log file when one is set. The returned closer closes that file.
func NewLogger(cfg *config.Config) (*plog.Logger, io.Closer, error) {
	level, err := plog.LevelFromString(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	if cfg.LogFile == "" {
		return plog.NewConsole(level, nil), nopCloser{}, nil
	}
	f, err := plog.OpenFile(cfg.LogFile)
	if err != nil {
		return nil, nil, err
	}
	return plog.NewConsole(level, f), f, nil
}

func reportOutcome(log *plog.Logger, out engine.Outcome) {
	if !out.Ran {
		log.Info("Nothing to do yet", "workflow", out.Workflow, "next", out.Step, "eligibleAt", out.NextEligible.Format("2006-01-02 15:04:05"))
		return
	}
	if out.Result.Repeat() {
		log.Notice("Step paused, it continues on the next run", "workflow", out.Workflow, "step", out.Step)
		return
	}
	log.Info("Step completed", "workflow", out.Workflow, "step", out.Step, "result", out.Result.String())
}
