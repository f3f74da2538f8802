package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/paulschiretz/pgl-cronbackup/cmd"
	"github.com/paulschiretz/pgl-cronbackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-cronbackup/pkg/flagparse"
	"github.com/paulschiretz/pgl-cronbackup/pkg/hints"
	"github.com/paulschiretz/pgl-cronbackup/pkg/plog"
)

// run encapsulates the main application logic and returns an error if something
// goes wrong, allowing the main function to handle exit codes.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	command, flagMap, err := flagparse.Parse(args)
	if err != nil {
		return err
	}

	switch command {
	case flagparse.None:
		return nil
	case flagparse.Version:
		return cmd.RunVersion(stdout)
	case flagparse.Init:
		if lvl, ok := flagMap["log-level"].(string); ok {
			level, err := plog.LevelFromString(lvl)
			if err != nil {
				return err
			}
			plog.SetLevel(level)
		}
		return cmd.RunInit(ctx, flagMap, plog.Default())
	}

	runConfig, err := cmd.LoadConfig(command, flagMap)
	if err != nil {
		return err
	}
	log, closer, err := cmd.NewLogger(runConfig)
	if err != nil {
		return err
	}
	defer closer.Close()
	plog.SetDefault(log)

	log.Debug("Starting "+buildinfo.Name, "version", buildinfo.Version, "command", command, "pid", os.Getpid())

	switch command {
	case flagparse.Backup:
		return cmd.RunBackup(ctx, runConfig, log)
	case flagparse.Restore:
		return cmd.RunRestore(ctx, runConfig, log, flagMap)
	case flagparse.List:
		return cmd.RunList(ctx, runConfig, log, flagMap, stdout)
	case flagparse.Status:
		return cmd.RunStatus(runConfig, log, flagMap, stdout)
	case flagparse.Reset:
		return cmd.RunReset(ctx, runConfig, log, flagMap)
	case flagparse.Unlock:
		return cmd.RunUnlock(runConfig, log, flagMap)
	case flagparse.Daemon:
		return cmd.RunDaemon(ctx, runConfig, log, flagMap)
	default:
		return fmt.Errorf("internal error: unknown command %s", command)
	}
}

func main() {
	// Set up a context that is canceled when an interrupt signal is received.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()

	if err != nil {
		// Soft failures such as a held lock are reported but are not errors.
		if hints.IsHint(err) {
			plog.Warn(buildinfo.Name+" did not run", "reason", err)
			return
		}
		plog.Error(buildinfo.Name+" exited with error", "error", err)
		os.Exit(1)
	}
}
