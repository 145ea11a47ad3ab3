package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/aniscrobble/internal/auth"
	"github.com/roach88/aniscrobble/internal/config"
	"github.com/roach88/aniscrobble/internal/model"
	"github.com/roach88/aniscrobble/internal/remote"
	"github.com/roach88/aniscrobble/internal/service"
	"github.com/roach88/aniscrobble/internal/store"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Failed events, login required
	ExitCommandError = 2 // Command error (bad flags, config, database)
)

// Error codes reported in JSON output.
const (
	ErrCodeGeneric       = "E001"
	ErrCodeConfig        = "E002"
	ErrCodeDatabase      = "E003"
	ErrCodeAuthRequired  = "E004"
	ErrCodeNoRemote      = "E005"
	ErrCodeInvalidInput  = "E006"
	ErrCodeLoggedIn      = "E007"
	ErrCodeEventsFailed  = "E008"
	ErrCodeDatabaseState = "E009"
)

// ErrEventsFailed marks a sync in which some events failed permanently.
var ErrEventsFailed = errors.New("events failed permanently")

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// ErrorCode maps err onto the code reported in JSON output.
func ErrorCode(err error) string {
	var ve *config.ValidationError
	switch {
	case auth.IsAuthRequired(err), errors.Is(err, remote.ErrTokenRejected):
		return ErrCodeAuthRequired
	case errors.Is(err, service.ErrRemoteNotConfigured):
		return ErrCodeNoRemote
	case errors.Is(err, service.ErrAlreadyLoggedIn):
		return ErrCodeLoggedIn
	case errors.Is(err, ErrEventsFailed):
		return ErrCodeEventsFailed
	case errors.Is(err, model.ErrInvalidEvent):
		return ErrCodeInvalidInput
	case errors.As(err, &ve):
		return ErrCodeConfig
	case store.IsCorrupt(err), store.IsUnavailable(err):
		return ErrCodeDatabaseState
	}
	var se *store.StorageError
	if errors.As(err, &se) {
		return ErrCodeDatabase
	}
	return ErrCodeGeneric
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // "E001", "E002", etc.
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// textRenderer is implemented by results with a styled text form.
type textRenderer interface {
	RenderText(w io.Writer, th theme) error
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}

	if r, ok := data.(textRenderer); ok {
		return r.RenderText(f.Writer, newTheme())
	}
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	// Human-readable error
	fmt.Fprintln(f.GetErrWriter(), newTheme().Error.Render(fmt.Sprintf("Error [%s]: %s", code, message)))
	if f.Verbose && details != nil {
		fmt.Fprintf(f.GetErrWriter(), "Details: %v\n", details)
	}
	return nil
}

// VerboseLog outputs a message only if verbose mode is enabled.
// Uses ErrWriter if set, otherwise falls back to Writer.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

// Report prints err through the formatter. Used by main for errors a
// command returned.
func (f *OutputFormatter) Report(err error) {
	_ = f.Error(ErrorCode(err), err.Error(), nil)
}
