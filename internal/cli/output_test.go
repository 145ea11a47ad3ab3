package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/aniscrobble/internal/auth"
	"github.com/roach88/aniscrobble/internal/config"
	"github.com/roach88/aniscrobble/internal/engine"
	"github.com/roach88/aniscrobble/internal/model"
	"github.com/roach88/aniscrobble/internal/remote"
	"github.com/roach88/aniscrobble/internal/service"
	"github.com/roach88/aniscrobble/internal/store"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Success(PruneResult{Removed: 3})
	require.NoError(t, err)

	var resp response
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.JSONEq(t, `{"removed":3,"retention_ns":0}`, string(resp.Data))
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Error(ErrCodeAuthRequired, "login required", nil)
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E004", resp.Error.Code)
	assert.Equal(t, "login required", resp.Error.Message)
	assert.Nil(t, resp.Data)
}

func TestOutputFormatter_TextUsesRenderer(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	err := formatter.Success(SyncResult{Report: engine.Report{
		Confirmed: 1,
		Retried:   1,
		Results: []engine.EventResult{
			{EventID: "e1", Media: "show-42", Progress: 5, Result: engine.ResultConfirmed, Outcome: "accepted"},
			{EventID: "e2", Media: "show-42", Progress: 6, Result: engine.ResultRetried, Reason: "503 Service Unavailable"},
		},
	}})
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "show-42 ep 5 accepted")
	assert.Contains(t, out, "show-42 ep 6 503 Service Unavailable")
	assert.Contains(t, out, "Sync: 1 confirmed, 1 retried, 0 failed, 0 skipped")
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	err := formatter.Success("queue is empty")
	require.NoError(t, err)
	assert.Equal(t, "queue is empty\n", buf.String())
}

func TestOutputFormatter_TextError(t *testing.T) {
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:    "text",
		Writer:    out,
		ErrWriter: errOut,
		Verbose:   true,
	}

	err := formatter.Error(ErrCodeDatabase, "failed to open database", map[string]string{"path": "/tmp/x.db"})
	require.NoError(t, err)
	assert.Empty(t, out.String())
	assert.Contains(t, errOut.String(), "Error [E003]: failed to open database")
	assert.Contains(t, errOut.String(), "Details:")
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		wantLog bool
	}{
		{"verbose_enabled", true, true},
		{"verbose_disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			formatter := &OutputFormatter{
				Format:  "text",
				Writer:  buf,
				Verbose: tt.verbose,
			}

			formatter.VerboseLog("queued %s", "evt-0001")

			if tt.wantLog {
				assert.Contains(t, buf.String(), "queued evt-0001")
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("boom")))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad flag")))
	assert.Equal(t, ExitCommandError, GetExitCode(fmt.Errorf("outer: %w", NewExitError(ExitCommandError, "bad flag"))))
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"generic", errors.New("boom"), ErrCodeGeneric},
		{"auth", fmt.Errorf("sync: %w", auth.ErrAuthRequired), ErrCodeAuthRequired},
		{"token rejected", WrapExitError(ExitCommandError, "the remote rejected this token", remote.ErrTokenRejected), ErrCodeAuthRequired},
		{"no remote", WrapExitError(ExitCommandError, "cannot sync", service.ErrRemoteNotConfigured), ErrCodeNoRemote},
		{"logged in", service.ErrAlreadyLoggedIn, ErrCodeLoggedIn},
		{"invalid event", fmt.Errorf("%w: empty id", model.ErrInvalidEvent), ErrCodeInvalidInput},
		{"events failed", WrapExitError(ExitFailure, "sync finished", ErrEventsFailed), ErrCodeEventsFailed},
		{"config", &config.ValidationError{Errors: []config.FieldError{{Field: "sync.max_attempts", Message: "too small"}}}, ErrCodeConfig},
		{"database", &store.StorageError{Op: "enqueue", Err: errors.New("disk I/O error")}, ErrCodeDatabase},
		{"database unavailable", &store.StorageError{Kind: store.KindUnavailable, Op: "open", Err: errors.New("locked")}, ErrCodeDatabaseState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorCode(tt.err))
		})
	}
}

func TestExitError(t *testing.T) {
	inner := errors.New("no such file")
	err := WrapExitError(ExitCommandError, "failed to load config", inner)
	assert.Equal(t, "failed to load config: no such file", err.Error())
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "bad flag", NewExitError(ExitCommandError, "bad flag").Error())
}
