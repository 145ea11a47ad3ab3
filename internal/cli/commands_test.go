package cli

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/aniscrobble/internal/engine"
	"github.com/roach88/aniscrobble/internal/model"
	"github.com/roach88/aniscrobble/internal/testutil"
)

func TestScrobble_SyncsInline(t *testing.T) {
	env := newCLIEnv(t, true)
	require.NoError(t, env.run("login", "--token", "tok").err)

	var got ScrobbleResult
	res := env.runJSON(&got, "scrobble", "show-42", "5", "--episodes", "12")
	require.NoError(t, res.err, res.stderr)

	assert.Equal(t, "evt-0001", got.EventID)
	assert.Equal(t, "show-42", got.Media)
	assert.False(t, got.Duplicate)
	assert.Equal(t, "inline", got.SyncMode)
	require.NotNil(t, got.Sync)
	assert.Equal(t, 1, got.Sync.Confirmed)
	require.Len(t, got.Sync.Results, 1)
	assert.Equal(t, "rcpt-0001", got.Sync.Results[0].Receipt)

	assert.Equal(t, 1, env.api.SubmissionCount(model.IdempotencyKey("evt-0001")))
	req := env.api.Requests()[0]
	assert.Equal(t, "Bearer tok", req.Authorization)
}

func TestScrobble_DuplicateIsNotResubmitted(t *testing.T) {
	env := newCLIEnv(t, true)
	require.NoError(t, env.run("login", "--token", "tok").err)
	require.NoError(t, env.run("scrobble", "show-42", "5").err)

	env.clock.Advance(time.Hour)
	var got ScrobbleResult
	res := env.runJSON(&got, "scrobble", "show-42", "5")
	require.NoError(t, res.err, res.stderr)

	assert.True(t, got.Duplicate)
	assert.Equal(t, "evt-0001", got.EventID)
	require.NotNil(t, got.Sync)
	assert.Zero(t, got.Sync.Processed())
	assert.Equal(t, 1, env.api.AcceptedCount())
}

func TestScrobble_LocalOnly(t *testing.T) {
	env := newCLIEnv(t, true)

	res := env.run("scrobble", "", "3", "--title", "Frieren", "--local-only")
	require.NoError(t, res.err, res.stderr)
	assert.Contains(t, res.stdout, "Recorded Frieren episode 3")
	assert.Empty(t, env.api.Requests())

	var status StatusResult
	require.NoError(t, env.runJSON(&status, "status").err)
	assert.Equal(t, 1, status.Counts.Pending)
}

func TestScrobble_WithoutRemoteQueues(t *testing.T) {
	env := newCLIEnv(t, false)

	var got ScrobbleResult
	res := env.runJSON(&got, "scrobble", "show-42", "1")
	require.NoError(t, res.err, res.stderr)
	assert.Equal(t, "none", got.SyncMode)
	assert.Nil(t, got.Sync)
}

func TestScrobble_ObservedAt(t *testing.T) {
	env := newCLIEnv(t, false)
	require.NoError(t, env.run("scrobble", "show-42", "1", "--at", "2024-12-31T22:00:00Z").err)

	var status StatusResult
	require.NoError(t, env.runJSON(&status, "status", "--events", "5").err)
	require.Len(t, status.Events, 1)
	assert.Equal(t, time.Date(2024, 12, 31, 22, 0, 0, 0, time.UTC), status.Events[0].ObservedAt.UTC())
}

func TestScrobble_InvalidInput(t *testing.T) {
	env := newCLIEnv(t, false)

	tests := []struct {
		name string
		args []string
		code string
	}{
		{"episode not a number", []string{"scrobble", "show-42", "five"}, ErrCodeGeneric},
		{"bad time", []string{"scrobble", "show-42", "1", "--at", "yesterday"}, ErrCodeGeneric},
		{"no media", []string{"scrobble", "", "1"}, ErrCodeInvalidInput},
		{"zero progress", []string{"scrobble", "show-42", "0"}, ErrCodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := env.run(tt.args...)
			require.Error(t, res.err)
			assert.Equal(t, ExitCommandError, GetExitCode(res.err))
			assert.Equal(t, tt.code, ErrorCode(res.err))
		})
	}
}

func TestSyncArgs(t *testing.T) {
	args := syncArgs(&RootOptions{Format: "json", ConfigPath: "/etc/a.yaml", Database: "/tmp/a.db"})
	assert.Equal(t, []string{"sync", "--format", "json", "--config", "/etc/a.yaml", "--db", "/tmp/a.db"}, args)

	assert.Equal(t, []string{"sync", "--format", "text"}, syncArgs(&RootOptions{Format: "text"}))
}

func TestSync_NeedsLogin(t *testing.T) {
	env := newCLIEnv(t, true)
	require.NoError(t, env.run("scrobble", "show-42", "5", "--local-only").err)

	res := env.run("sync")
	require.Error(t, res.err)
	assert.Equal(t, ExitFailure, GetExitCode(res.err))
	assert.Equal(t, ErrCodeAuthRequired, ErrorCode(res.err))
	assert.Contains(t, res.stdout, "Login required")
	assert.NotContains(t, res.stdout, "Nothing to sync")
	assert.Empty(t, env.api.Requests())

	var status StatusResult
	require.NoError(t, env.runJSON(&status, "status").err)
	assert.Equal(t, 1, status.Counts.Pending, "the event is left pending")

	// The event waits for the login.
	require.NoError(t, env.run("login", "--token", "tok").err)
	var got SyncResult
	require.NoError(t, env.runJSON(&got, "sync").err)
	assert.Equal(t, 1, got.Confirmed)
}

func TestSync_PermanentFailure(t *testing.T) {
	env := newCLIEnv(t, true)
	require.NoError(t, env.run("login", "--token", "tok").err)
	require.NoError(t, env.run("scrobble", "show-42", "5", "--local-only").err)
	env.api.QueueScrobble(testutil.Response{Status: 422, Body: `{"error":{"code":"unknown_media"}}`})

	var got SyncResult
	res := env.runJSON(&got, "sync")
	require.Error(t, res.err)
	assert.Equal(t, ExitFailure, GetExitCode(res.err))
	assert.Equal(t, ErrCodeEventsFailed, ErrorCode(res.err))
	assert.Equal(t, 1, got.Failed)
	require.Len(t, got.Results, 1)
	assert.Equal(t, engine.ResultFailed, got.Results[0].Result)
}

func TestSync_TransientFailureIsRetriedLater(t *testing.T) {
	env := newCLIEnv(t, true)
	require.NoError(t, env.run("login", "--token", "tok").err)
	require.NoError(t, env.run("scrobble", "show-42", "5", "--local-only").err)
	env.api.QueueScrobble(testutil.Response{Status: 503})

	var got SyncResult
	require.NoError(t, env.runJSON(&got, "sync").err)
	assert.Equal(t, 1, got.Retried)

	// Not due yet.
	require.NoError(t, env.runJSON(&got, "sync").err)
	assert.Zero(t, got.Processed())

	env.clock.Advance(time.Minute)
	require.NoError(t, env.runJSON(&got, "sync").err)
	assert.Equal(t, 1, got.Confirmed)
}

func TestSync_WithoutRemote(t *testing.T) {
	env := newCLIEnv(t, false)
	res := env.run("sync")
	require.Error(t, res.err)
	assert.Equal(t, ExitCommandError, GetExitCode(res.err))
	assert.Equal(t, ErrCodeNoRemote, ErrorCode(res.err))
	assert.Empty(t, res.stdout)
}

func TestSync_TextOutput(t *testing.T) {
	env := newCLIEnv(t, true)
	require.NoError(t, env.run("login", "--token", "tok").err)
	require.NoError(t, env.run("scrobble", "show-42", "5", "--local-only").err)

	res := env.run("sync")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "confirmed")
	assert.Contains(t, res.stdout, "show-42 ep 5")
	assert.Contains(t, res.stdout, "Sync: 1 confirmed, 0 retried, 0 failed, 0 skipped")

	res = env.run("sync")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "Nothing to sync")
}

func TestStatus(t *testing.T) {
	env := newCLIEnv(t, true)
	require.NoError(t, env.run("login", "--token", "tok", "--expires-in", "2h").err)
	require.NoError(t, env.run("scrobble", "show-42", "1").err)
	env.clock.Advance(time.Minute)
	require.NoError(t, env.run("scrobble", "show-42", "2", "--local-only").err)

	var got StatusResult
	res := env.runJSON(&got, "status", "--events", "10")
	require.NoError(t, res.err, res.stderr)

	assert.Equal(t, env.dbPath, got.Database)
	assert.Equal(t, env.api.URL(), got.Remote)
	assert.Equal(t, "valid", got.Auth)
	assert.Equal(t, testutil.Epoch.Add(2*time.Hour), got.ExpiresAt.UTC())
	assert.Equal(t, 1, got.Counts.Pending)
	assert.Equal(t, 1, got.Counts.Confirmed)

	require.Len(t, got.Events, 2)
	assert.Equal(t, "evt-0002", got.Events[0].ID, "newest first")
	assert.Equal(t, "pending", got.Events[0].Status)
	assert.Equal(t, "confirmed", got.Events[1].Status)
	assert.Equal(t, "rcpt-0001", got.Events[1].Receipt)

	require.NoError(t, env.runJSON(&got, "status", "--events", "10", "--kind", "confirmed").err)
	require.Len(t, got.Events, 1)
	assert.Equal(t, "evt-0001", got.Events[0].ID)

	res = env.run("status", "--kind", "done", "--events", "1")
	assert.Equal(t, ExitCommandError, GetExitCode(res.err))
}

func TestStatus_Text(t *testing.T) {
	env := newCLIEnv(t, false)

	res := env.run("status")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "not configured")
	assert.Contains(t, res.stdout, "no_credential")
	assert.Contains(t, res.stdout, "0 pending, 0 submitting, 0 retryable, 0 confirmed, 0 failed")
}

func TestLogin_RequiresForceToReplace(t *testing.T) {
	env := newCLIEnv(t, true)

	var got LoginResult
	require.NoError(t, env.runJSON(&got, "login", "--token", "a1", "--refresh-token", "r1").err)
	assert.Equal(t, "valid", got.Auth)
	assert.True(t, got.Refresh)

	res := env.run("login", "--token", "a2")
	require.Error(t, res.err)
	assert.Equal(t, ExitCommandError, GetExitCode(res.err))
	assert.Equal(t, ErrCodeLoggedIn, ErrorCode(res.err))

	require.NoError(t, env.run("login", "--token", "a2", "--force").err)
	require.NoError(t, env.run("scrobble", "show-42", "1").err)
	assert.Equal(t, "Bearer a2", env.api.Requests()[0].Authorization)
}

func TestLogin_ChecksTokenWithRemote(t *testing.T) {
	env := newCLIEnv(t, true)
	env.api.AcceptTokens("good")

	res := env.run("login", "--token", "bad")
	require.Error(t, res.err)
	assert.Equal(t, ExitCommandError, GetExitCode(res.err))
	assert.Equal(t, ErrCodeAuthRequired, ErrorCode(res.err))

	var status StatusResult
	require.NoError(t, env.runJSON(&status, "status").err)
	assert.Equal(t, "no_credential", status.Auth, "a rejected token is not stored")

	var got LoginResult
	require.NoError(t, env.runJSON(&got, "login", "--token", "good").err)
	assert.Equal(t, testutil.FakeViewerName, got.User)
	assert.Equal(t, 2, env.api.ViewerCalls())
}

func TestLogin_NoVerify(t *testing.T) {
	env := newCLIEnv(t, true)
	env.api.QueueViewer(testutil.Response{Status: 503})

	res := env.run("login", "--token", "tok")
	require.Error(t, res.err)
	assert.Equal(t, ExitFailure, GetExitCode(res.err))
	assert.Contains(t, res.err.Error(), "--no-verify")

	var got LoginResult
	require.NoError(t, env.runJSON(&got, "login", "--token", "tok", "--no-verify").err)
	assert.Equal(t, "valid", got.Auth)
	assert.Empty(t, got.User)
	assert.Equal(t, 1, env.api.ViewerCalls())
}

func TestLogin_MissingToken(t *testing.T) {
	env := newCLIEnv(t, false)
	res := env.run("login")
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "token")
}

func TestLogout(t *testing.T) {
	env := newCLIEnv(t, true)
	require.NoError(t, env.run("login", "--token", "tok").err)

	res := env.run("logout")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "Logged out")

	var got StatusResult
	require.NoError(t, env.runJSON(&got, "status").err)
	assert.Equal(t, "no_credential", got.Auth)
}

func TestPrune(t *testing.T) {
	env := newCLIEnv(t, true)
	require.NoError(t, env.run("login", "--token", "tok").err)
	require.NoError(t, env.run("scrobble", "show-42", "1").err)
	require.NoError(t, env.run("scrobble", "show-42", "2", "--local-only").err)

	var got PruneResult
	require.NoError(t, env.runJSON(&got, "prune").err)
	assert.Zero(t, got.Removed)

	env.clock.Advance(31 * 24 * time.Hour)
	require.NoError(t, env.runJSON(&got, "prune").err)
	assert.Equal(t, int64(1), got.Removed)
	assert.Equal(t, 720*time.Hour, got.Retention)

	var status StatusResult
	require.NoError(t, env.runJSON(&status, "status").err)
	assert.Equal(t, 1, status.Counts.Pending)
	assert.Zero(t, status.Counts.Confirmed)
}

func TestDaemon_RunsCycles(t *testing.T) {
	env := newCLIEnv(t, true)
	require.NoError(t, env.run("login", "--token", "tok").err)
	require.NoError(t, env.run("scrobble", "show-42", "1", "--local-only").err)
	env.api.QueueScrobble(testutil.Response{Status: 503, Header: map[string]string{"Retry-After": "0"}})

	res := env.run("--format", "json", "daemon", "--interval", "1ms", "--cycles", "2")
	require.NoError(t, res.err, res.stderr)

	lines := strings.Split(strings.TrimSpace(res.stdout), "\n")
	require.Len(t, lines, 2)

	var cycles []CycleResult
	for _, line := range lines {
		var resp response
		require.NoError(t, json.Unmarshal([]byte(line), &resp))
		var c CycleResult
		require.NoError(t, json.Unmarshal(resp.Data, &c))
		cycles = append(cycles, c)
	}
	assert.Equal(t, 1, cycles[0].Cycle)
	assert.Equal(t, 1, cycles[0].Report.Retried)
	assert.Equal(t, 2, cycles[1].Cycle)
}

func TestDaemon_KeepsRunningWhenLoginRequired(t *testing.T) {
	env := newCLIEnv(t, true)
	require.NoError(t, env.run("scrobble", "show-42", "1", "--local-only").err)

	res := env.run("--format", "json", "daemon", "--interval", "1ms", "--cycles", "2")
	require.NoError(t, res.err, res.stderr)

	lines := strings.Split(strings.TrimSpace(res.stdout), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		var resp response
		require.NoError(t, json.Unmarshal([]byte(line), &resp))
		var c CycleResult
		require.NoError(t, json.Unmarshal(resp.Data, &c))
		assert.True(t, c.Report.AuthRequired)
		assert.NotEmpty(t, c.Error)
	}
}

func TestDaemon_RequiresRemote(t *testing.T) {
	env := newCLIEnv(t, false)
	res := env.run("daemon", "--cycles", "1")
	require.Error(t, res.err)
	assert.Equal(t, ErrCodeNoRemote, ErrorCode(res.err))
}
