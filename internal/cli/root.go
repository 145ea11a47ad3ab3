package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/aniscrobble/internal/config"
	"github.com/roach88/aniscrobble/internal/model"
	"github.com/roach88/aniscrobble/internal/service"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	Database   string

	// Clock and IDs override the system clock and UUIDv7 ids (for testing).
	Clock model.Clock
	IDs   model.IDGenerator
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the aniscrobble CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

// Execute runs the CLI with os.Args and returns the process exit code.
// Errors are reported in the selected output format.
func Execute(ctx context.Context) int {
	opts := &RootOptions{}
	cmd := newRootCommand(opts)
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		if opts.Format != "json" {
			opts.Format = "text"
		}
		opts.formatter(cmd).Report(err)
	}
	return GetExitCode(err)
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aniscrobble",
		Short: "Record watched episodes and sync them to your tracker",
		Long: `aniscrobble keeps a durable local queue of watched episodes and
propagates each one exactly once to the remote tracking service, across
restarts, outages and rate limits.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default: <user config dir>/aniscrobble/config.yaml)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")

	cmd.AddCommand(NewScrobbleCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewLoginCommand(opts))
	cmd.AddCommand(NewLogoutCommand(opts))
	cmd.AddCommand(NewPruneCommand(opts))
	cmd.AddCommand(NewDaemonCommand(opts))

	return cmd
}

// formatter returns the output formatter for cmd.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// logger builds the slog logger for a command: text on stderr, JSON when
// --format json, debug level with --verbose.
func (o *RootOptions) logger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if o.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

// loadConfig reads the config file and applies --db.
func (o *RootOptions) loadConfig() (config.Config, error) {
	cfg, _, err := config.Load(o.ConfigPath)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if o.Database != "" {
		cfg.Database = o.Database
	}
	return cfg, nil
}

// openService loads configuration and opens the service. The caller closes
// the returned service.
func (o *RootOptions) openService(cmd *cobra.Command) (*service.Service, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}

	logger := o.logger(cmd.ErrOrStderr())
	slog.SetDefault(logger)

	opts := []service.Option{service.WithLogger(logger)}
	if o.Clock != nil {
		opts = append(opts, service.WithClock(o.Clock))
	}
	if o.IDs != nil {
		opts = append(opts, service.WithIDGenerator(o.IDs))
	}
	svc, err := service.Open(cfg, opts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return svc, nil
}

// clock returns the clock override or the system clock.
func (o *RootOptions) clock() model.Clock {
	if o.Clock != nil {
		return o.Clock
	}
	return model.SystemClock{}
}
