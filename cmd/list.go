package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/paulschiretz/pgl-cronbackup/pkg/config"
	"github.com/paulschiretz/pgl-cronbackup/pkg/engine"
	"github.com/paulschiretz/pgl-cronbackup/pkg/plog"
)

// RunList prints the backups stored on a remote, or with -backup-name the
// archives of one backup.
func RunList(ctx context.Context, cfg *config.Config, log *plog.Logger, flagMap map[string]any, w io.Writer, opts ...engine.Option) error {
	remoteName, _ := flagMap["remote"].(string)
	backup, _ := flagMap["backup-name"].(string)

	runner, err := engine.NewRunner(cfg, log, opts...)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if backup != "" {
		archives, err := runner.ListArchives(ctx, remoteName, backup)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "ARCHIVE\tSIZE\tDESCRIPTION")
		for _, a := range archives {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", a.Name, humanize.IBytes(uint64(a.Size)), a.Description)
		}
		return tw.Flush()
	}

	backups, err := runner.ListBackups(ctx, remoteName)
	if err != nil {
		return err
	}
	fmt.Fprintln(tw, "BACKUP\tCREATED (UTC)\tAGE")
	for _, b := range backups {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", b.Name, b.Time.UTC().Format("2006-01-02 15:04:05"), humanize.Time(b.Time))
	}
	return tw.Flush()
}
