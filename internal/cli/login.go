package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/aniscrobble/internal/auth"
	"github.com/roach88/aniscrobble/internal/model"
	"github.com/roach88/aniscrobble/internal/remote"
	"github.com/roach88/aniscrobble/internal/service"
)

// LoginOptions holds flags for the login command.
type LoginOptions struct {
	*RootOptions
	Token        string
	RefreshToken string
	TokenType    string
	ExpiresIn    time.Duration
	Force        bool
	NoVerify     bool
}

// LoginResult is the output of the login and logout commands.
type LoginResult struct {
	Auth      string    `json:"auth"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	Refresh   bool      `json:"refresh"`
	User      string    `json:"user,omitempty"`

	authState auth.State
}

// RenderText implements textRenderer.
func (r LoginResult) RenderText(w io.Writer, th theme) error {
	if r.authState == auth.NoCredential {
		fmt.Fprintln(w, th.Success.Render("Logged out"))
		return nil
	}
	fmt.Fprintf(w, "%s %s\n", th.Success.Render("Logged in:"), th.authState(r.authState).Render(r.Auth))
	if r.User != "" {
		fmt.Fprintf(w, "%s%s\n", th.Label.Render("user"), r.User)
	}
	if !r.ExpiresAt.IsZero() {
		fmt.Fprintf(w, "%s%s\n", th.Label.Render("expires"), r.ExpiresAt.Local().Format("2006-01-02 15:04"))
	}
	if !r.Refresh {
		fmt.Fprintln(w, th.Dim.Render("No refresh token: log in again when the token expires"))
	}
	return nil
}

// NewLoginCommand creates the login command.
func NewLoginCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LoginOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the remote access token",
		Long: `Store the access token used to submit events.

When a remote is configured the token is checked against it first;
--no-verify stores it unchecked. When the token is a JWT its expiry is
read from the exp claim unless --expires-in is given. With a refresh
token, expiring tokens are renewed automatically.

Example:
  aniscrobble login --token eyJhbGciOi...
  aniscrobble login --token abc --refresh-token def --expires-in 1h --force`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Token, "token", "", "access token (required)")
	cmd.Flags().StringVar(&opts.RefreshToken, "refresh-token", "", "refresh token")
	cmd.Flags().StringVar(&opts.TokenType, "token-type", "", "authorization scheme (default Bearer)")
	cmd.Flags().DurationVar(&opts.ExpiresIn, "expires-in", 0, "token lifetime from now")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "replace a usable stored token")
	cmd.Flags().BoolVar(&opts.NoVerify, "no-verify", false, "store the token without checking it with the remote")
	_ = cmd.MarkFlagRequired("token")

	return cmd
}

func runLogin(cmd *cobra.Command, opts *LoginOptions) error {
	if opts.ExpiresIn < 0 {
		return NewExitError(ExitCommandError, "--expires-in must not be negative")
	}

	svc, err := opts.openService(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	c := model.Credential{
		AccessToken:  opts.Token,
		RefreshToken: opts.RefreshToken,
		TokenType:    opts.TokenType,
	}
	if opts.ExpiresIn > 0 {
		c.ExpiresAt = opts.clock().Now().Add(opts.ExpiresIn).UTC()
	}

	ctx := cmd.Context()
	var user string
	if !opts.NoVerify && svc.Config().RemoteConfigured() {
		viewer, err := svc.CheckCredential(ctx, c)
		switch {
		case errors.Is(err, remote.ErrTokenRejected):
			return WrapExitError(ExitCommandError, "the remote rejected this token", err)
		case err != nil:
			return WrapExitError(ExitFailure, "could not check the token (use --no-verify to store it anyway)", err)
		}
		user = viewer.Name
	}

	if err := svc.Login(ctx, c, opts.Force); err != nil {
		if errors.Is(err, service.ErrAlreadyLoggedIn) {
			return WrapExitError(ExitCommandError, "a usable login is stored, use --force to replace it", err)
		}
		return WrapExitError(ExitFailure, "failed to store login", err)
	}

	state, err := svc.AuthState(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read login", err)
	}
	return opts.formatter(cmd).Success(LoginResult{
		Auth:      state.String(),
		ExpiresAt: auth.ExpiresAt(c),
		Refresh:   c.CanRefresh(),
		User:      user,
		authState: state,
	})
}

// NewLogoutCommand creates the logout command.
func NewLogoutCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Delete the stored access token",
		Long: `Delete the stored access token. Queued events are kept and are
submitted after the next login.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := rootOpts.openService(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.Logout(cmd.Context()); err != nil {
				return WrapExitError(ExitFailure, "failed to log out", err)
			}
			return rootOpts.formatter(cmd).Success(LoginResult{
				Auth:      auth.NoCredential.String(),
				authState: auth.NoCredential,
			})
		},
	}
}
