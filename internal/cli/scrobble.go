package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/aniscrobble/internal/engine"
	"github.com/roach88/aniscrobble/internal/model"
	"github.com/roach88/aniscrobble/internal/service"
)

// ScrobbleOptions holds flags for the scrobble command.
type ScrobbleOptions struct {
	*RootOptions
	Title      string
	Episodes   int64
	At         string
	LocalOnly  bool
	Background bool

	// spawn starts the detached sync process (replaced in tests).
	spawn func(args []string) error
}

// ScrobbleResult is the output of the scrobble command.
type ScrobbleResult struct {
	EventID   string         `json:"event_id"`
	Media     string         `json:"media"`
	Progress  int64          `json:"progress"`
	Duplicate bool           `json:"duplicate"`
	Sync      *engine.Report `json:"sync,omitempty"`
	SyncMode  string         `json:"sync_mode"` // "inline" | "background" | "none"
}

// RenderText implements textRenderer.
func (r ScrobbleResult) RenderText(w io.Writer, th theme) error {
	verb := "Recorded"
	if r.Duplicate {
		verb = "Already recorded"
	}
	fmt.Fprintf(w, "%s %s episode %d %s\n", th.Success.Render(verb), r.Media, r.Progress, th.Dim.Render("("+r.EventID+")"))
	switch r.SyncMode {
	case "background":
		fmt.Fprintln(w, th.Dim.Render("Syncing in the background"))
	case "inline":
		if r.Sync != nil {
			return renderReport(w, th, *r.Sync)
		}
	}
	return nil
}

// NewScrobbleCommand creates the scrobble command.
func NewScrobbleCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScrobbleOptions{RootOptions: rootOpts, spawn: spawnDetached}

	cmd := &cobra.Command{
		Use:   "scrobble <media> <episode>",
		Short: "Record a watched episode",
		Long: `Record that an episode was watched and sync it.

<media> is the remote media id; use --title when only the title is known.
The event is stored first, so nothing is lost when the remote is
unreachable. Repeats within the dedupe window are ignored.

Example:
  aniscrobble scrobble 21 1054 --title "One Piece"
  aniscrobble scrobble "" 3 --title "Frieren" --local-only`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScrobble(cmd, opts, args[0], args[1])
		},
	}

	cmd.Flags().StringVar(&opts.Title, "title", "", "media title")
	cmd.Flags().Int64Var(&opts.Episodes, "episodes", 0, "total episode count, marks the title completed on the last one")
	cmd.Flags().StringVar(&opts.At, "at", "", "observation time (RFC 3339, default now)")
	cmd.Flags().BoolVar(&opts.LocalOnly, "local-only", false, "only record, do not sync")
	cmd.Flags().BoolVar(&opts.Background, "background", false, "sync in a detached background process")

	return cmd
}

func runScrobble(cmd *cobra.Command, opts *ScrobbleOptions, mediaID, episode string) error {
	progress, err := strconv.ParseInt(episode, 10, 64)
	if err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("invalid episode %q", episode), err)
	}
	var observedAt time.Time
	if opts.At != "" {
		observedAt, err = time.Parse(time.RFC3339, opts.At)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --at time", err)
		}
	}
	media := model.MediaRef{ID: mediaID, Title: opts.Title, Episodes: opts.Episodes}

	svc, err := opts.openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx := cmd.Context()
	id, inserted, err := svc.Record(ctx, media, progress, observedAt)
	if err != nil {
		if errors.Is(err, model.ErrInvalidEvent) {
			return WrapExitError(ExitCommandError, "invalid scrobble", err)
		}
		return WrapExitError(ExitFailure, "failed to record scrobble", err)
	}

	result := ScrobbleResult{
		EventID:   id,
		Media:     media.String(),
		Progress:  progress,
		Duplicate: !inserted,
		SyncMode:  "none",
	}

	var syncErr error
	switch {
	case opts.LocalOnly:
	case !svc.Config().RemoteConfigured():
		opts.formatter(cmd).VerboseLog("no remote configured, event queued only")
	case opts.Background:
		if err := opts.spawn(syncArgs(opts.RootOptions)); err != nil {
			return WrapExitError(ExitFailure, "failed to start background sync", err)
		}
		result.SyncMode = "background"
	default:
		report, err := svc.RunSync(ctx)
		result.Sync = &report
		result.SyncMode = "inline"
		syncErr = syncError(report, err)
	}

	if err := opts.formatter(cmd).Success(result); err != nil {
		return err
	}
	return syncErr
}

// syncArgs rebuilds the global flags for a child "sync" process.
func syncArgs(opts *RootOptions) []string {
	args := []string{"sync", "--format", opts.Format}
	if opts.ConfigPath != "" {
		args = append(args, "--config", opts.ConfigPath)
	}
	if opts.Database != "" {
		args = append(args, "--db", opts.Database)
	}
	return args
}

// spawnDetached starts this binary with args and does not wait for it.
func spawnDetached(args []string) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	child := exec.CommandContext(context.Background(), exe, args...)
	child.Stdin, child.Stdout, child.Stderr = nil, nil, nil
	detach(child)
	if err := child.Start(); err != nil {
		return err
	}
	return child.Process.Release()
}

// syncError turns a sync result into the command's error, nil when every
// event was handled.
func syncError(report engine.Report, err error) error {
	switch {
	case err != nil && report.AuthRequired:
		return WrapExitError(ExitFailure, "login required (run: aniscrobble login --token ...)", err)
	case errors.Is(err, service.ErrRemoteNotConfigured):
		return WrapExitError(ExitCommandError, "cannot sync", err)
	case err != nil:
		return WrapExitError(ExitFailure, "sync stopped", err)
	case report.Failed > 0:
		return WrapExitError(ExitFailure, fmt.Sprintf("sync finished with %d failed event(s)", report.Failed), ErrEventsFailed)
	}
	return nil
}
