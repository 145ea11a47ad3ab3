package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ViewerPath is appended to Config.BaseURL to look up the token owner.
const ViewerPath = "/v1/viewer"

// ErrTokenRejected means the remote refused an access token outright.
var ErrTokenRejected = errors.New("access token rejected")

// Viewer is the account an access token belongs to.
type Viewer struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Viewer asks the remote which account authorization belongs to.
//
// A 401 or 403 wraps both ErrTokenRejected and ErrPermanent. Network
// failures, throttling and 5xx wrap ErrTransient.
func (c *Client) Viewer(ctx context.Context, authorization string) (Viewer, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Viewer{}, fmt.Errorf("viewer: %w: rate limiter: %v", ErrTransient, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.String()+ViewerPath, nil)
	if err != nil {
		return Viewer{}, fmt.Errorf("viewer: %w: build request: %v", ErrPermanent, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Authorization", authorization)

	resp, err := c.http.Do(req)
	if err != nil {
		return Viewer{}, fmt.Errorf("viewer: %w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Viewer{}, fmt.Errorf("viewer: %w: read response: %v", ErrTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Viewer{}, fmt.Errorf("viewer: %w: %w: %d", ErrTokenRejected, ErrPermanent, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Viewer{}, fmt.Errorf("viewer: %w: %d %s", ErrTransient, resp.StatusCode, http.StatusText(resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return Viewer{}, fmt.Errorf("viewer: %w: %d %s", ErrPermanent, resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	var v Viewer
	if err := json.Unmarshal(data, &v); err != nil {
		return Viewer{}, fmt.Errorf("viewer: %w: decode response: %v", ErrTransient, err)
	}
	c.logger.Debug("token owner resolved", "viewer", v.Name)
	return v, nil
}
