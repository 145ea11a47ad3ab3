package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/aniscrobble/internal/engine"
	"github.com/roach88/aniscrobble/internal/service"
)

// DaemonOptions holds flags for the daemon command.
type DaemonOptions struct {
	*RootOptions
	Interval time.Duration
	Cycles   int

	// wait blocks until the next cycle is due (replaced in tests).
	wait func(ctx context.Context, d time.Duration) error
}

// CycleResult is printed after every daemon cycle.
type CycleResult struct {
	Cycle  int           `json:"cycle"`
	Report engine.Report `json:"report"`
	Pruned int64         `json:"pruned"`
	Error  string        `json:"error,omitempty"`
}

// RenderText implements textRenderer.
func (r CycleResult) RenderText(w io.Writer, th theme) error {
	fmt.Fprintf(w, "%s %d confirmed, %d retried, %d failed, %d skipped, %d pruned\n",
		th.Title.Render(fmt.Sprintf("Cycle %d:", r.Cycle)),
		r.Report.Confirmed, r.Report.Retried, r.Report.Failed, r.Report.Skipped, r.Pruned)
	if r.Error != "" {
		fmt.Fprintln(w, th.Warning.Render("  "+r.Error))
	}
	return nil
}

// NewDaemonCommand creates the daemon command.
func NewDaemonCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DaemonOptions{RootOptions: rootOpts, wait: sleepCtx}

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Sync periodically until interrupted",
		Long: `Run sync and prune every --interval until SIGINT or SIGTERM.

A cycle that needs a login or hits an outage does not stop the daemon;
the next cycle tries again.

Example:
  aniscrobble daemon
  aniscrobble daemon --interval 5m --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, opts)
		},
	}

	cmd.Flags().DurationVar(&opts.Interval, "interval", 0, "time between cycles (default sync.interval)")
	cmd.Flags().IntVar(&opts.Cycles, "cycles", 0, "stop after N cycles (0 runs until interrupted)")
	_ = cmd.Flags().MarkHidden("cycles")

	return cmd
}

func runDaemon(cmd *cobra.Command, opts *DaemonOptions) error {
	if opts.Interval < 0 || opts.Cycles < 0 {
		return NewExitError(ExitCommandError, "--interval and --cycles must not be negative")
	}

	svc, err := opts.openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	if !svc.Config().RemoteConfigured() {
		return WrapExitError(ExitCommandError, "cannot run daemon", service.ErrRemoteNotConfigured)
	}
	interval := opts.Interval
	if interval == 0 {
		interval = svc.Config().Sync.Interval.Std()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := opts.formatter(cmd)
	for cycle := 1; ; cycle++ {
		result := CycleResult{Cycle: cycle}
		report, err := svc.RunSync(ctx)
		result.Report = report
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			result.Error = err.Error()
		}
		if result.Pruned, err = svc.Prune(ctx); err != nil && result.Error == "" {
			result.Error = err.Error()
		}
		if err := out.Success(result); err != nil {
			return err
		}

		if opts.Cycles > 0 && cycle >= opts.Cycles {
			return nil
		}
		if err := opts.wait(ctx, interval); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
