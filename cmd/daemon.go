package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/paulschiretz/pgl-cronbackup/pkg/config"
	"github.com/paulschiretz/pgl-cronbackup/pkg/flagparse"
	"github.com/paulschiretz/pgl-cronbackup/pkg/hints"
	"github.com/paulschiretz/pgl-cronbackup/pkg/plog"
)

// RunDaemon runs one backup invocation per cron tick until ctx is canceled.
// The configuration is reloaded on every tick, so edits take effect without a
// restart. A failing invocation is logged and the daemon keeps running.
func RunDaemon(ctx context.Context, cfg *config.Config, log *plog.Logger, flagMap map[string]any) error {
	sched, err := cron.ParseStandard(cfg.Schedule.Cron)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cfg.Schedule.Cron, err)
	}
	log.Info("Daemon started", "cron", cfg.Schedule.Cron)

	return runSchedule(ctx, sched, log, func(ctx context.Context) {
		tickConfig, err := LoadConfig(flagparse.Daemon, flagMap)
		if err != nil {
			log.Error("Could not load configuration, skipping tick", "error", err)
			return
		}
		if err := RunBackup(ctx, tickConfig, log); err != nil {
			if hints.IsHint(err) {
				log.Warn("Backup tick skipped", "reason", err)
				return
			}
			log.Error("Backup tick failed", "error", err)
		}
	})
}

// runSchedule calls tick at every activation time of sched. Ticks never
// overlap: activations that pass while a tick is running are skipped.
func runSchedule(ctx context.Context, sched cron.Schedule, log *plog.Logger, tick func(context.Context)) error {
	for {
		next := sched.Next(time.Now())
		log.Debug("Waiting for next tick", "at", next.Format(time.RFC3339))
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info("Daemon stopped")
			return nil
		case <-timer.C:
			tick(ctx)
		}
	}
}
