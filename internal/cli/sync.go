package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/aniscrobble/internal/engine"
)

// SyncResult is the output of the sync command.
type SyncResult struct {
	engine.Report
}

// RenderText implements textRenderer.
func (r SyncResult) RenderText(w io.Writer, th theme) error {
	return renderReport(w, th, r.Report)
}

// renderReport prints one line per handled event and a summary line.
func renderReport(w io.Writer, th theme, r engine.Report) error {
	for _, res := range r.Results {
		detail := res.Outcome
		switch {
		case res.Reason != "":
			detail = res.Reason
		case !res.NextAttemptAt.IsZero():
			detail = "next attempt " + res.NextAttemptAt.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "  %s %s ep %d %s\n",
			resultStyle(th, res.Result).Width(10).Render(string(res.Result)),
			res.Media, res.Progress, th.Dim.Render(detail))
	}
	switch {
	case r.Processed() == 0 && r.AuthRequired:
	case r.Processed() == 0:
		fmt.Fprintln(w, th.Dim.Render("Nothing to sync"))
	default:
		fmt.Fprintf(w, "%s %d confirmed, %d retried, %d failed, %d skipped\n",
			th.Title.Render("Sync:"), r.Confirmed, r.Retried, r.Failed, r.Skipped)
	}
	if r.AuthRequired {
		fmt.Fprintln(w, th.Warning.Render("Login required: run aniscrobble login --token <token>"))
	}
	return nil
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Submit every due event to the remote",
		Long: `Submit every pending or due retryable event once.

Events that fail transiently are scheduled for a later attempt; the
command exits 1 when an event failed permanently or login is required.

Example:
  aniscrobble sync
  aniscrobble sync --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := rootOpts.openService(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			report, err := svc.RunSync(cmd.Context())
			syncErr := syncError(report, err)
			if err == nil || report.Processed() > 0 || report.AuthRequired {
				if err := rootOpts.formatter(cmd).Success(SyncResult{Report: report}); err != nil {
					return err
				}
			}
			return syncErr
		},
	}
}
