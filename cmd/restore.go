package cmd

import (
	"context"

	"github.com/paulschiretz/pgl-cronbackup/pkg/config"
	"github.com/paulschiretz/pgl-cronbackup/pkg/engine"
	"github.com/paulschiretz/pgl-cronbackup/pkg/plog"
	"github.com/paulschiretz/pgl-cronbackup/pkg/util"
)

// RunRestore executes the next due step of the restore workflow. The first
// invocation needs -target; later invocations continue the recorded restore.
func RunRestore(ctx context.Context, cfg *config.Config, log *plog.Logger, flagMap map[string]any, opts ...engine.Option) error {
	req := engine.RestoreRequest{}
	req.Remote, _ = flagMap["remote"].(string)
	req.Backup, _ = flagMap["backup-name"].(string)
	if target, ok := flagMap["target"].(string); ok && target != "" {
		expanded, err := util.ExpandPath(target)
		if err != nil {
			return err
		}
		req.Target = expanded
	}

	runner, err := engine.NewRunner(cfg, log, opts...)
	if err != nil {
		return err
	}
	out, err := runner.RunRestore(ctx, req)
	if err != nil {
		return err
	}
	reportOutcome(log, out)
	return nil
}
