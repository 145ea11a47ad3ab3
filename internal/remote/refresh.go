package remote

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/roach88/aniscrobble/internal/model"
)

// Refresh exchanges a refresh token for a new credential at Config.TokenURL.
//
// A 4xx answer from the token endpoint (revoked or unknown refresh token,
// bad client) wraps ErrPermanent; anything else, including 5xx and network
// failures, wraps ErrTransient. When the endpoint does not rotate the refresh
// token the old one is carried over.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (model.Credential, error) {
	if c.cfg.TokenURL == "" {
		return model.Credential{}, fmt.Errorf("refresh: %w: no token url configured", ErrPermanent)
	}
	if refreshToken == "" {
		return model.Credential{}, fmt.Errorf("refresh: %w: no refresh token", ErrPermanent)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return model.Credential{}, fmt.Errorf("refresh: %w: %v", ErrTransient, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)

	conf := &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  c.cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil &&
			re.Response.StatusCode >= 400 && re.Response.StatusCode < 500 {
			return model.Credential{}, fmt.Errorf("refresh: %w: %v", ErrPermanent, err)
		}
		return model.Credential{}, fmt.Errorf("refresh: %w: %v", ErrTransient, err)
	}

	cred := model.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.Type(),
		ExpiresAt:    tok.Expiry.UTC(),
		UpdatedAt:    c.clock.Now(),
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		cred.Scope = scope
	}
	if cred.RefreshToken == "" {
		cred.RefreshToken = refreshToken
	}
	c.logger.Debug("credential refreshed", "expires_at", cred.ExpiresAt)
	return cred, nil
}
