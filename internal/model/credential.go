package model

import "time"

// Credential is the remote session material. Exactly one is stored.
type Credential struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string

	// ExpiresAt is zero when the remote did not say.
	ExpiresAt time.Time

	// InvalidatedAt is set once the remote rejected the credential for good.
	// An invalidated credential is kept only so the user can see why sync
	// stopped; it is never used to sign requests.
	InvalidatedAt time.Time

	UpdatedAt time.Time
}

// Invalidated reports whether the credential must be replaced by a new login.
func (c Credential) Invalidated() bool {
	return !c.InvalidatedAt.IsZero()
}

// CanRefresh reports whether a refresh grant can be attempted.
func (c Credential) CanRefresh() bool {
	return c.RefreshToken != ""
}

// AuthorizationType returns the scheme for the Authorization header.
func (c Credential) AuthorizationType() string {
	if c.TokenType == "" {
		return "Bearer"
	}
	return c.TokenType
}
