package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/aniscrobble/internal/auth"
	"github.com/roach88/aniscrobble/internal/model"
	"github.com/roach88/aniscrobble/internal/store"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Events int
	Kinds  []string
}

// EventView is one event as shown by status --events.
type EventView struct {
	ID            string    `json:"id"`
	Media         string    `json:"media"`
	Progress      int64     `json:"progress"`
	ObservedAt    time.Time `json:"observed_at"`
	Status        string    `json:"status"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitzero"`
	Reason        string    `json:"reason,omitempty"`
	Receipt       string    `json:"receipt,omitempty"`
}

// StatusResult is the output of the status command.
type StatusResult struct {
	Database  string             `json:"database"`
	Remote    string             `json:"remote,omitempty"`
	Auth      string             `json:"auth"`
	ExpiresAt time.Time          `json:"expires_at,omitzero"`
	Counts    store.StatusCounts `json:"counts"`
	Events    []EventView        `json:"events,omitempty"`

	authState auth.State
}

// RenderText implements textRenderer.
func (r StatusResult) RenderText(w io.Writer, th theme) error {
	remote := r.Remote
	if remote == "" {
		remote = "not configured"
	}
	fmt.Fprintln(w, th.Title.Render("aniscrobble"))
	fmt.Fprintf(w, "%s%s\n", th.Label.Render("database"), r.Database)
	fmt.Fprintf(w, "%s%s\n", th.Label.Render("remote"), remote)
	login := th.authState(r.authState).Render(r.Auth)
	if !r.ExpiresAt.IsZero() {
		login += th.Dim.Render(" (expires " + r.ExpiresAt.Local().Format("2006-01-02 15:04") + ")")
	}
	fmt.Fprintf(w, "%s%s\n", th.Label.Render("login"), login)

	c := r.Counts
	fmt.Fprintf(w, "%s%d pending, %d submitting, %d retryable, %d confirmed, %d failed\n",
		th.Label.Render("events"), c.Pending, c.Submitting, c.Retryable, c.Confirmed, c.Failed)

	for _, e := range r.Events {
		detail := e.Reason
		if detail == "" && !e.NextAttemptAt.IsZero() {
			detail = "next " + e.NextAttemptAt.Local().Format("15:04:05")
		}
		fmt.Fprintf(w, "  %s %s ep %d %s %s\n",
			th.kind(model.Kind(e.Status)).Width(11).Render(e.Status),
			e.Media, e.Progress,
			th.Dim.Render(e.ObservedAt.Local().Format("2006-01-02 15:04")),
			th.Dim.Render(detail))
	}
	return nil
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue and login state",
		Long: `Show how many events are in each state and whether the stored
login can be used.

Example:
  aniscrobble status
  aniscrobble status --events 20 --kind failed`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, opts)
		},
	}

	cmd.Flags().IntVar(&opts.Events, "events", 0, "also list up to N most recent events")
	cmd.Flags().StringSliceVar(&opts.Kinds, "kind", nil, "only list events in these states")

	return cmd
}

func runStatus(cmd *cobra.Command, opts *StatusOptions) error {
	filter := store.EventFilter{Limit: opts.Events}
	for _, k := range opts.Kinds {
		kind, err := model.ParseKind(k)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --kind", err)
		}
		filter.Kinds = append(filter.Kinds, kind)
	}

	svc, err := opts.openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx := cmd.Context()
	counts, err := svc.Status(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read queue", err)
	}
	state, err := svc.AuthState(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read login", err)
	}

	cfg := svc.Config()
	result := StatusResult{
		Database:  cfg.Database,
		Remote:    cfg.API.BaseURL,
		Auth:      state.String(),
		Counts:    counts,
		authState: state,
	}
	if state != auth.NoCredential {
		c, err := svc.Credential(ctx)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to read login", err)
		}
		result.ExpiresAt = auth.ExpiresAt(c)
	}

	if opts.Events > 0 {
		events, err := svc.Events(ctx, filter)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to list events", err)
		}
		for _, e := range events {
			result.Events = append(result.Events, viewOf(e))
		}
	}

	return opts.formatter(cmd).Success(result)
}

func viewOf(e model.WatchEvent) EventView {
	return EventView{
		ID:            e.ID,
		Media:         e.Media.String(),
		Progress:      e.Progress,
		ObservedAt:    e.ObservedAt,
		Status:        string(e.Status.Kind),
		Attempts:      e.Status.Attempts,
		NextAttemptAt: e.Status.NextAttemptAt,
		Reason:        e.Status.Reason,
		Receipt:       e.RemoteReceipt,
	}
}
