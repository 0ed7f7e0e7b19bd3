package admitbroker

import (
	"context"
	"sync"
	"time"

	"github.com/beevik/ntp"
	"golang.org/x/exp/slog"
)

// Clock abstracts the time source feeding window timestamps, so tests
// can drive it and deployments can correct for host clock drift.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the host wall clock.
func SystemClock() Clock { return systemClock{} }

// NTPClock is a wall clock corrected by a periodically refreshed NTP
// offset. Window boundaries only need coarse accuracy, so a stale
// offset is fine; a sync failure just keeps the previous one.
type NTPClock struct {
	host     string
	interval time.Duration

	mu     sync.RWMutex
	offset time.Duration
}

// NewNTPClock creates a clock synced against the given NTP host.
func NewNTPClock(host string, opts ...func(*NTPClock)) *NTPClock {
	c := &NTPClock{
		host:     host,
		interval: 15 * time.Minute,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithSyncInterval sets how often the offset is refreshed.
func WithSyncInterval(d time.Duration) func(*NTPClock) {
	return func(c *NTPClock) {
		c.interval = d
	}
}

// Now returns the offset-corrected wall time.
func (c *NTPClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Now().Add(c.offset)
}

// Sync queries the NTP host once and updates the offset.
func (c *NTPClock) Sync() error {
	resp, err := ntp.Query(c.host)
	if err != nil {
		return err
	}
	if err := resp.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	c.offset = resp.ClockOffset
	c.mu.Unlock()
	return nil
}

// Start syncs once and keeps refreshing in the background until ctx is
// cancelled.
func (c *NTPClock) Start(ctx context.Context) {
	if err := c.Sync(); err != nil {
		slog.Warn("initial NTP sync failed", slog.String("host", c.host), slog.Any("error", err))
	}

	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Sync(); err != nil {
					slog.Warn("NTP sync failed", slog.String("host", c.host), slog.Any("error", err))
				}
			}
		}
	}()
}
