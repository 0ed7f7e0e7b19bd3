// Package limiter provides in-process, per-key advisory limiters. The
// shared store is the enforcement mechanism; these are cheap enough to
// sit in front of it as a flood guard.
package limiter

import "time"

// Limiter is the interface that abstracts the limiting functionality.
type Limiter interface {
	Allow(key string, now time.Time) bool
}

// NewLimiterFunc constructs a Limiter from a size and window.
type NewLimiterFunc func(size int, window time.Duration) Limiter
