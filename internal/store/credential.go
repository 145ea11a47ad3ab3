package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/aniscrobble/internal/model"
)

const credentialColumns = `access_token, refresh_token, token_type, scope, expires_at, invalidated_at, updated_at`

// GetCredential returns the stored credential, or ErrNoCredential.
func (s *Store) GetCredential(ctx context.Context) (model.Credential, error) {
	c, err := scanCredential(s.db.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credential WHERE id = 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Credential{}, fmt.Errorf("get credential: %w", ErrNoCredential)
	}
	if err != nil {
		return model.Credential{}, wrapErr("get credential", err)
	}
	return c, nil
}

// PutCredential stores c, replacing any existing credential.
func (s *Store) PutCredential(ctx context.Context, c model.Credential) error {
	if c.AccessToken == "" {
		return fmt.Errorf("put credential: empty access token")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credential (id, `+credentialColumns+`)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_type = excluded.token_type,
			scope = excluded.scope,
			expires_at = excluded.expires_at,
			invalidated_at = excluded.invalidated_at,
			updated_at = excluded.updated_at
	`, credentialArgs(c)...)
	return wrapErr("put credential", err)
}

// SwapCredential replaces the stored credential with c only if its access
// token is still previousAccessToken. A refresh that raced with another
// refresh or a new login gets ErrConflict and must re-read the credential.
func (s *Store) SwapCredential(ctx context.Context, previousAccessToken string, c model.Credential) error {
	if c.AccessToken == "" {
		return fmt.Errorf("swap credential: empty access token")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("swap credential", err)
	}
	defer tx.Rollback()

	current, err := currentAccessToken(ctx, tx)
	if err != nil {
		return wrapErr("swap credential", err)
	}
	if current != previousAccessToken {
		return fmt.Errorf("swap credential: %w", ErrConflict)
	}

	args := append(credentialArgs(c), previousAccessToken)
	_, err = tx.ExecContext(ctx, `
		UPDATE credential
		SET access_token = ?, refresh_token = ?, token_type = ?, scope = ?,
			expires_at = ?, invalidated_at = ?, updated_at = ?
		WHERE id = 1 AND access_token = ?
	`, args...)
	if err != nil {
		return wrapErr("swap credential", err)
	}
	return wrapErr("swap credential", tx.Commit())
}

// InvalidateCredential marks the credential holding accessToken as rejected
// by the remote. Invalidating an already invalidated credential is a no-op;
// a credential that was replaced in the meantime yields ErrConflict.
func (s *Store) InvalidateCredential(ctx context.Context, accessToken string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("invalidate credential", err)
	}
	defer tx.Rollback()

	current, err := currentAccessToken(ctx, tx)
	if err != nil {
		return wrapErr("invalidate credential", err)
	}
	if current != accessToken {
		return fmt.Errorf("invalidate credential: %w", ErrConflict)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE credential SET invalidated_at = ?, updated_at = ?
		WHERE id = 1 AND invalidated_at = 0
	`, at.UnixNano(), at.UnixNano())
	if err != nil {
		return wrapErr("invalidate credential", err)
	}
	return wrapErr("invalidate credential", tx.Commit())
}

// DeleteCredential removes the stored credential. Deleting when none is
// stored is not an error.
func (s *Store) DeleteCredential(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM credential WHERE id = 1`)
	return wrapErr("delete credential", err)
}

func currentAccessToken(ctx context.Context, tx *sql.Tx) (string, error) {
	var token string
	err := tx.QueryRowContext(ctx, `SELECT access_token FROM credential WHERE id = 1`).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoCredential
	}
	return token, err
}

func credentialArgs(c model.Credential) []any {
	return []any{
		c.AccessToken,
		c.RefreshToken,
		c.TokenType,
		c.Scope,
		toNanos(c.ExpiresAt),
		toNanos(c.InvalidatedAt),
		toNanos(c.UpdatedAt),
	}
}

func scanCredential(row rowScanner) (model.Credential, error) {
	var (
		c                             model.Credential
		expires, invalidated, updated int64
	)
	if err := row.Scan(&c.AccessToken, &c.RefreshToken, &c.TokenType, &c.Scope, &expires, &invalidated, &updated); err != nil {
		return model.Credential{}, err
	}
	c.ExpiresAt = fromNanos(expires)
	c.InvalidatedAt = fromNanos(invalidated)
	c.UpdatedAt = fromNanos(updated)
	return c, nil
}
