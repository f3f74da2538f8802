package cmd

import (
	"context"

	"github.com/paulschiretz/pgl-cronbackup/pkg/config"
	"github.com/paulschiretz/pgl-cronbackup/pkg/engine"
	"github.com/paulschiretz/pgl-cronbackup/pkg/plog"
)

// RunReset discards the progress of a workflow.
func RunReset(ctx context.Context, cfg *config.Config, log *plog.Logger, flagMap map[string]any) error {
	workflow, _ := flagMap["workflow"].(string)
	runner, err := engine.NewRunner(cfg, log)
	if err != nil {
		return err
	}
	return runner.Reset(ctx, workflow)
}

// RunUnlock force-removes the lock of a workflow.
func RunUnlock(cfg *config.Config, log *plog.Logger, flagMap map[string]any) error {
	workflow, _ := flagMap["workflow"].(string)
	runner, err := engine.NewRunner(cfg, log)
	if err != nil {
		return err
	}
	removed, err := runner.Unlock(workflow)
	if err != nil {
		return err
	}
	if removed {
		log.Notice("Lock removed", "workflow", workflow)
	} else {
		log.Info("No lock present", "workflow", workflow)
	}
	return nil
}
