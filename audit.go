package admitbroker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"

	"github.com/parkerroan/admitbroker/store"
)

// AuditLogger appends one immutable event per attempted operation. It is
// strictly best-effort: a failure is logged and swallowed, never raised,
// so it is safe to call on any admission outcome including DegradedAdmit.
type AuditLogger struct {
	pool      *store.Pool
	opTimeout time.Duration
	clock     Clock
}

// AuditOption configures an AuditLogger.
type AuditOption func(*AuditLogger)

// WithAuditTimeout sets the per-insert store timeout.
func WithAuditTimeout(d time.Duration) AuditOption {
	return func(a *AuditLogger) {
		a.opTimeout = d
	}
}

// WithAuditClock sets the time source for event timestamps.
func WithAuditClock(c Clock) AuditOption {
	return func(a *AuditLogger) {
		a.clock = c
	}
}

// NewAuditLogger creates a logger over the given pool.
func NewAuditLogger(pool *store.Pool, opts ...AuditOption) *AuditLogger {
	a := &AuditLogger{
		pool:      pool,
		opTimeout: DefaultOpTimeout,
		clock:     SystemClock(),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Record appends the event and reports whether the write succeeded.
// Missing ID and Timestamp fields are filled in.
func (a *AuditLogger) Record(ctx context.Context, ev store.AuditEvent) bool {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = a.clock.Now()
	}

	err := a.pool.With(ctx, func(s store.Store) error {
		opCtx, cancel := context.WithTimeout(ctx, a.opTimeout)
		defer cancel()
		return s.InsertEvent(opCtx, ev)
	})
	if err != nil {
		slog.Error("failed to record audit event",
			slog.String("event_id", ev.ID), slog.Any("error", err))
		return false
	}
	return true
}
