package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/aniscrobble/internal/model"
)

// Paths served by FakeAPI.
const (
	FakeScrobblePath = "/v1/scrobbles"
	FakeTokenPath    = "/oauth/token"
	FakeViewerPath   = "/v1/viewer"

	// FakeViewerName is the account name the viewer endpoint reports.
	FakeViewerName = "tester"
)

// Response is a scripted HTTP answer.
type Response struct {
	Status int
	Body   string
	Header map[string]string
}

// RecordedRequest is one scrobble request as the fake received it.
type RecordedRequest struct {
	IdempotencyKey string
	Authorization  string
	Payload        model.WirePayload
}

// Grant is what the token endpoint issues for a known refresh token.
type Grant struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
}

// FakeAPI is an in-process tracking service for tests.
//
// Default scrobble behaviour mirrors the real service: the first request for
// an idempotency key is accepted with a sequential receipt (rcpt-0001, ...),
// later requests for the same key get 409 with the original receipt.
// Scripted responses queued with QueueScrobble are served first, in order,
// and do not record an acceptance.
//
// When AcceptTokens has been called, requests carrying any other bearer
// token get 401. Tokens issued by the token endpoint are accepted
// automatically.
type FakeAPI struct {
	server *httptest.Server

	mu          sync.Mutex
	script      []Response
	checkAuth   bool
	tokens      map[string]bool
	grants      map[string]Grant
	tokenQueue  []Response
	tokenCalls  int
	viewerQueue []Response
	viewerCalls int
	counts      map[string]int
	receipts    map[string]string
	requests    []RecordedRequest
	onScrobble  func(RecordedRequest)
}

// NewFakeAPI starts a fake service closed at test cleanup.
func NewFakeAPI(t testing.TB) *FakeAPI {
	t.Helper()
	f := &FakeAPI{
		tokens:   map[string]bool{},
		grants:   map[string]Grant{},
		counts:   map[string]int{},
		receipts: map[string]string{},
	}

	r := chi.NewRouter()
	r.Post(FakeScrobblePath, f.handleScrobble)
	r.Post(FakeTokenPath, f.handleToken)
	r.Get(FakeViewerPath, f.handleViewer)
	f.server = httptest.NewServer(r)
	t.Cleanup(f.server.Close)
	return f
}

// URL is the API base URL.
func (f *FakeAPI) URL() string {
	return f.server.URL
}

// TokenURL is the OAuth2 token endpoint.
func (f *FakeAPI) TokenURL() string {
	return f.server.URL + FakeTokenPath
}

// Close shuts the server down; later requests fail at the network level.
func (f *FakeAPI) Close() {
	f.server.CloseClientConnections()
	f.server.Close()
}

// QueueScrobble scripts the next scrobble responses.
func (f *FakeAPI) QueueScrobble(responses ...Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, responses...)
}

// AcceptTokens enables access token checking and allows the given tokens.
func (f *FakeAPI) AcceptTokens(tokens ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkAuth = true
	for _, tok := range tokens {
		f.tokens[tok] = true
	}
}

// RevokeToken makes an access token fail with 401.
func (f *FakeAPI) RevokeToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkAuth = true
	delete(f.tokens, token)
}

// AddGrant makes the token endpoint answer refreshToken with g.
func (f *FakeAPI) AddGrant(refreshToken string, g Grant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grants[refreshToken] = g
}

// QueueToken scripts the next token endpoint responses.
func (f *FakeAPI) QueueToken(responses ...Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenQueue = append(f.tokenQueue, responses...)
}

// QueueViewer scripts the next viewer endpoint responses.
func (f *FakeAPI) QueueViewer(responses ...Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.viewerQueue = append(f.viewerQueue, responses...)
}

// OnScrobble registers a hook run for every scrobble request before it is
// answered. Tests use it to block or to observe ordering.
func (f *FakeAPI) OnScrobble(hook func(RecordedRequest)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onScrobble = hook
}

// SubmissionCount returns how many requests carried idempotency key key.
func (f *FakeAPI) SubmissionCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[key]
}

// AcceptedCount returns the number of distinct keys the service recorded.
// This is the number of scrobbles a user would see.
func (f *FakeAPI) AcceptedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.receipts)
}

// Receipt returns the receipt recorded for key, if any.
func (f *FakeAPI) Receipt(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[key]
	return r, ok
}

// Requests returns every scrobble request received, in order.
func (f *FakeAPI) Requests() []RecordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RecordedRequest(nil), f.requests...)
}

// TokenCalls returns how many times the token endpoint was hit.
func (f *FakeAPI) TokenCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenCalls
}

// ViewerCalls returns how many times the viewer endpoint was hit.
func (f *FakeAPI) ViewerCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.viewerCalls
}

func (f *FakeAPI) handleViewer(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.viewerCalls++

	if len(f.viewerQueue) > 0 {
		resp := f.viewerQueue[0]
		f.viewerQueue = f.viewerQueue[1:]
		writeJSON(w, resp.Status, resp.Body, resp.Header)
		return
	}
	if f.checkAuth && !f.tokens[strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")] {
		writeJSON(w, http.StatusUnauthorized, `{"error":{"code":"unauthorized","message":"invalid token"}}`, nil)
		return
	}
	writeJSON(w, http.StatusOK, fmt.Sprintf(`{"id":"user-1","name":%q}`, FakeViewerName), nil)
}

func (f *FakeAPI) handleScrobble(w http.ResponseWriter, r *http.Request) {
	rec := RecordedRequest{
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		Authorization:  r.Header.Get("Authorization"),
	}
	if err := json.NewDecoder(r.Body).Decode(&rec.Payload); err != nil {
		writeJSON(w, http.StatusBadRequest, `{"error":{"code":"bad_request","message":"invalid json"}}`, nil)
		return
	}

	f.mu.Lock()
	f.counts[rec.IdempotencyKey]++
	f.requests = append(f.requests, rec)
	hook := f.onScrobble
	f.mu.Unlock()

	if hook != nil {
		hook(rec)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.script) > 0 {
		resp := f.script[0]
		f.script = f.script[1:]
		writeJSON(w, resp.Status, resp.Body, resp.Header)
		return
	}

	if f.checkAuth {
		token := strings.TrimPrefix(rec.Authorization, "Bearer ")
		if !f.tokens[token] {
			writeJSON(w, http.StatusUnauthorized, `{"error":{"code":"unauthorized","message":"invalid token"}}`, nil)
			return
		}
	}

	if receipt, ok := f.receipts[rec.IdempotencyKey]; ok {
		writeJSON(w, http.StatusConflict, fmt.Sprintf(`{"error":{"code":"duplicate"},"receipt":%q}`, receipt), nil)
		return
	}
	receipt := fmt.Sprintf("rcpt-%04d", len(f.receipts)+1)
	f.receipts[rec.IdempotencyKey] = receipt
	writeJSON(w, http.StatusCreated, fmt.Sprintf(`{"receipt":%q}`, receipt), nil)
}

func (f *FakeAPI) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, `{"error":"invalid_request"}`, nil)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenCalls++

	if len(f.tokenQueue) > 0 {
		resp := f.tokenQueue[0]
		f.tokenQueue = f.tokenQueue[1:]
		writeJSON(w, resp.Status, resp.Body, resp.Header)
		return
	}

	if r.PostForm.Get("grant_type") != "refresh_token" {
		writeJSON(w, http.StatusBadRequest, `{"error":"unsupported_grant_type"}`, nil)
		return
	}
	g, ok := f.grants[r.PostForm.Get("refresh_token")]
	if !ok {
		writeJSON(w, http.StatusBadRequest, `{"error":"invalid_grant"}`, nil)
		return
	}
	f.tokens[g.AccessToken] = true

	body := map[string]any{
		"access_token": g.AccessToken,
		"token_type":   "Bearer",
	}
	if g.RefreshToken != "" {
		body["refresh_token"] = g.RefreshToken
	}
	if g.ExpiresIn > 0 {
		body["expires_in"] = g.ExpiresIn
	}
	data, _ := json.Marshal(body)
	writeJSON(w, http.StatusOK, string(data), nil)
}

func writeJSON(w http.ResponseWriter, status int, body string, header map[string]string) {
	for k, v := range header {
		w.Header().Set(k, v)
	}
	if body != "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	if body != "" {
		_, _ = w.Write([]byte(body))
	}
}
