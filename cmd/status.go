package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/paulschiretz/pgl-cronbackup/pkg/config"
	"github.com/paulschiretz/pgl-cronbackup/pkg/engine"
	"github.com/paulschiretz/pgl-cronbackup/pkg/plog"
)

// RunStatus prints the progress of a workflow.
func RunStatus(cfg *config.Config, log *plog.Logger, flagMap map[string]any, w io.Writer) error {
	workflow, _ := flagMap["workflow"].(string)

	runner, err := engine.NewRunner(cfg, log)
	if err != nil {
		return err
	}
	st, err := runner.Status(workflow)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Workflow:  %s\n", st.Workflow)
	fmt.Fprintf(w, "Steps:     %s\n", strings.Join(st.Steps, " > "))
	switch {
	case st.Marker == nil:
		fmt.Fprintln(w, "Last step: none")
	case st.Changed:
		fmt.Fprintln(w, "Last step: step list changed, restarting")
	default:
		done := time.Unix(st.Marker.Timestamp, 0)
		repeat := ""
		if st.Marker.Repeat {
			repeat = " (paused)"
		}
		fmt.Fprintf(w, "Last step: %s%s, %s\n", st.Steps[st.Marker.LastStepIndex], repeat, humanize.Time(done))
	}
	due := "now"
	if time.Until(st.NextEligible) > 0 {
		due = st.NextEligible.Format("2006-01-02 15:04:05") + " (" + humanize.Time(st.NextEligible) + ")"
	}
	fmt.Fprintf(w, "Next step: %s, due %s\n", st.NextStep, due)
	if st.LockedSince.IsZero() {
		fmt.Fprintln(w, "Lock:      free")
	} else {
		fmt.Fprintf(w, "Lock:      held since %s\n", humanize.Time(st.LockedSince))
	}
	if len(st.DataKeys) > 0 {
		fmt.Fprintf(w, "Data:      %s\n", strings.Join(st.DataKeys, ", "))
	}
	return nil
}
