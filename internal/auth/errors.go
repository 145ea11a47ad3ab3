package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated means no credential is stored: the user never
	// logged in, or logged out.
	ErrUnauthenticated = errors.New("not logged in")

	// ErrAuthRequired means the stored credential is unusable and only a
	// new login can fix it.
	ErrAuthRequired = errors.New("re-authentication required")

	// ErrRefreshFailed means a refresh grant was permanently rejected.
	ErrRefreshFailed = errors.New("credential refresh failed")
)

// RefreshError reports a permanently failed refresh. The credential has
// been invalidated by the time it is returned.
//
// errors.Is matches both ErrRefreshFailed and ErrAuthRequired.
type RefreshError struct {
	Err error
}

// Error implements the error interface.
func (e *RefreshError) Error() string {
	return fmt.Sprintf("%v: %v", ErrRefreshFailed, e.Err)
}

// Unwrap returns the refresh failure.
func (e *RefreshError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrRefreshFailed or ErrAuthRequired.
func (e *RefreshError) Is(target error) bool {
	return target == ErrRefreshFailed || target == ErrAuthRequired
}

// IsAuthRequired reports whether err can only be resolved by the user
// logging in again. Uses errors.Is to handle wrapped errors.
func IsAuthRequired(err error) bool {
	return errors.Is(err, ErrAuthRequired) || errors.Is(err, ErrUnauthenticated)
}
