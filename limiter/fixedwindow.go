package limiter

import (
	"sync"
	"time"
)

type entry struct {
	count     int
	resetTime time.Time
}

// FixedWindow is a per-key fixed-window limiter: the counter resets
// entirely at fixed intervals rather than sliding.
type FixedWindow struct {
	size   int
	window time.Duration
	mutex  sync.Mutex
	items  map[string]entry
}

// NewFixedWindowConstructorFunc returns a function that creates a new FixedWindow.
func NewFixedWindowConstructorFunc() NewLimiterFunc {
	return func(size int, window time.Duration) Limiter {
		return NewFixedWindow(size, window)
	}
}

// NewFixedWindow returns a new FixedWindow limiter.
func NewFixedWindow(size int, window time.Duration) *FixedWindow {
	return &FixedWindow{
		size:   size,
		window: window,
		items:  make(map[string]entry),
	}
}

// Allow checks the key against its current window and counts the request
// if it is within limits.
func (fw *FixedWindow) Allow(key string, now time.Time) bool {
	fw.mutex.Lock()
	defer fw.mutex.Unlock()

	item := fw.items[key]
	if item.resetTime.IsZero() || now.After(item.resetTime) {
		item = entry{count: 0, resetTime: now.Add(fw.window)}
	}
	if item.count >= fw.size {
		fw.items[key] = item
		return false
	}
	item.count++
	fw.items[key] = item
	return true
}

// LimitDetails returns the size and window of the limiter.
func (fw *FixedWindow) LimitDetails() (int, time.Duration) {
	return fw.size, fw.window
}
