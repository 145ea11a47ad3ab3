package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

// PruneResult is the output of the prune command.
type PruneResult struct {
	Removed   int64         `json:"removed"`
	Retention time.Duration `json:"retention_ns"`
}

// RenderText implements textRenderer.
func (r PruneResult) RenderText(w io.Writer, th theme) error {
	fmt.Fprintf(w, "%s %d finished event(s) older than %s\n", th.Success.Render("Removed"), r.Removed, r.Retention)
	return nil
}

// NewPruneCommand creates the prune command.
func NewPruneCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete old confirmed and failed events",
		Long: `Delete confirmed and failed events that finished longer ago than
sync.retention. Pending and retryable events are never removed.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := rootOpts.openService(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			n, err := svc.Prune(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "failed to prune", err)
			}
			return rootOpts.formatter(cmd).Success(PruneResult{
				Removed:   n,
				Retention: svc.Config().Sync.Retention.Std(),
			})
		},
	}
}
