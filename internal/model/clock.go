package model

import "time"

// Clock supplies wall time to everything that stamps statuses, schedules
// retries or checks token expiry. Tests substitute testutil.Clock so every
// timestamp is reproducible.
//
// Implementations must be safe for concurrent use.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock. Times are returned in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
