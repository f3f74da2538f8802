package cmd

import (
	"context"
	"time"

	"github.com/paulschiretz/pgl-cronbackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-cronbackup/pkg/config"
	"github.com/paulschiretz/pgl-cronbackup/pkg/engine"
	"github.com/paulschiretz/pgl-cronbackup/pkg/plog"
)

// RunBackup executes the next due step of the backup workflow.
func RunBackup(ctx context.Context, cfg *config.Config, log *plog.Logger, opts ...engine.Option) error {
	cfg.LogSummary(log)

	runner, err := engine.NewRunner(cfg, log, opts...)
	if err != nil {
		return err
	}

	startTime := time.Now()
	out, err := runner.RunBackup(ctx)
	if err != nil {
		return err // The error will be logged with full details by main()
	}
	reportOutcome(log, out)
	log.Debug(buildinfo.Name+" backup invocation finished", "duration", time.Since(startTime).Round(time.Millisecond))
	return nil
}
