package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-cronbackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-cronbackup/pkg/config"
	"github.com/paulschiretz/pgl-cronbackup/pkg/flagparse"
	"github.com/paulschiretz/pgl-cronbackup/pkg/plog"
	"github.com/paulschiretz/pgl-cronbackup/pkg/util"
)

// Console used by the overwrite confirmation of 'init'.
var (
	stdin  io.Reader = os.Stdin
	stdout io.Writer = os.Stdout
)

// RunInit handles the logic for the 'init' command. An existing configuration
// is updated with the given flags unless -default asks to start over.
func RunInit(ctx context.Context, flagMap map[string]any, log *plog.Logger) error {
	dir, name, err := configLocation(flagMap)
	if err != nil {
		return err
	}
	configPath := config.FilePath(dir, name)
	_, statErr := os.Stat(configPath)
	exists := statErr == nil

	initDefault, _ := flagMap["default"].(bool)
	force, _ := flagMap["force"].(bool)

	var baseConfig config.Config
	if exists && initDefault {
		if !force {
			fmt.Fprintf(stdout, "WARNING: Configuration file already exists at %s.\n", configPath)
			fmt.Fprintf(stdout, "Using -default will overwrite it with default values. All custom settings will be lost.\n")
			if !PromptForConfirmation(stdin, stdout, "Are you sure you want to continue?", false) {
				log.Info(buildinfo.Name + " init operation canceled.")
				return nil
			}
		}
		baseConfig = config.NewDefault()
	} else if exists {
		// Keep the existing settings, fall back to defaults if the file is unreadable.
		baseConfig, err = config.Load(dir, name)
		if err != nil {
			if errors.Is(err, config.ErrNotFound) {
				return err
			}
			log.Warn("Could not load existing configuration, starting with defaults.", "reason", err)
			baseConfig = config.NewDefault()
		}
	} else {
		baseConfig = config.NewDefault()
	}
	baseConfig.Name = name
	baseConfig.ConfigDir = dir

	runConfig := config.MergeConfigWithFlags(flagparse.Init, baseConfig, flagMap)

	if runConfig.Source == "" {
		return fmt.Errorf("the -source flag is required for the init operation (unless updating an existing config)")
	}
	if err := runConfig.Validate(true); err != nil {
		return err
	}

	startTime := time.Now()
	if err := os.MkdirAll(runConfig.TempDir, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("could not create temp directory %s: %w", runConfig.TempDir, err)
	}
	if err := config.Generate(runConfig, log); err != nil {
		return fmt.Errorf("failed to generate config file: %w", err)
	}
	if len(runConfig.EnabledRemotes()) == 0 {
		log.Notice("No remote is configured yet, add one to the remotes section before running a backup", "path", configPath)
	}
	log.Info(buildinfo.Name+" configuration initialized.", "name", name, "duration", time.Since(startTime).Round(time.Millisecond))
	return nil
}

// PromptForConfirmation writes prompt to out and reads a yes/no answer from in.
// An empty answer selects defaultYes.
func PromptForConfirmation(in io.Reader, out io.Writer, prompt string, defaultYes bool) bool {
	suffix := "[y/N]"
	if defaultYes {
		suffix = "[Y/n]"
	}
	fmt.Fprintf(out, "%s %s: ", prompt, suffix)

	var response string
	_, _ = fmt.Fscanln(in, &response)
	response = strings.ToLower(strings.TrimSpace(response))

	if response == "" {
		return defaultYes
	}
	return response == "y" || response == "yes"
}
