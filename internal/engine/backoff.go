package engine

import (
	"time"

	"github.com/sethvargo/go-retry"
)

// Backoff policy defaults.
const (
	DefaultBackoffBase   = 30 * time.Second
	DefaultBackoffCap    = 5 * time.Minute
	DefaultBackoffJitter = 20
)

// Backoff computes the delay before retry attempt n.
//
// The delay doubles from Base on every attempt, is jittered by
// JitterPercent in both directions and never exceeds Cap.
type Backoff struct {
	Base          time.Duration
	Cap           time.Duration
	JitterPercent uint64
}

// DefaultBackoff returns the default policy: 30s doubling, capped at 5m,
// 20% jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:          DefaultBackoffBase,
		Cap:           DefaultBackoffCap,
		JitterPercent: DefaultBackoffJitter,
	}
}

// Delay returns the wait before attempt n (1-based). n < 1 is treated as 1.
// Without a cap the growth stops after 16 doublings.
func (b Backoff) Delay(n int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if n < 1 {
		n = 1
	}
	if b.Cap <= 0 {
		n = min(n, 16)
	}

	next := retry.NewExponential(b.Base)
	if b.JitterPercent > 0 {
		next = retry.WithJitterPercent(b.JitterPercent, next)
	}
	if b.Cap > 0 {
		next = retry.WithCappedDuration(b.Cap, next)
	}

	var d time.Duration
	for i := 0; i < n; i++ {
		d, _ = next.Next()
		// Stop at the cap before the shift overflows.
		if b.Cap > 0 && d >= b.Cap {
			break
		}
	}
	return d
}
