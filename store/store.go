package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPoolExhausted is returned when a handle could not be acquired
	// from the pool within the configured wait.
	ErrPoolExhausted = errors.New("store: pool exhausted")

	// ErrUnavailable is returned when the backing store cannot be reached.
	ErrUnavailable = errors.New("store: unavailable")

	// ErrConflict is returned when an atomic update lost a write race and
	// the internal retry did not resolve it.
	ErrConflict = errors.New("store: write conflict")
)

// UsageRecord is the per-identity usage row. One record per identity,
// mutated in place by CheckAndIncrement and never deleted.
type UsageRecord struct {
	Identity        string
	HourlyCount     int64
	DailyCount      int64
	HourWindowStart time.Time
	DayWindowStart  time.Time
}

// AuditEvent is one immutable row per attempted operation. The identity
// hash is one-way derived; the raw identity token is never stored here.
type AuditEvent struct {
	ID           string
	Timestamp    time.Time
	IdentityHash string
	Category     string
	Status       string
	Success      bool
	ErrorClass   string
	LatencyMS    int64 // 0 means not recorded
}

// Store is the persistence capability shared by the admission controller
// and the audit logger. Implementations must make CheckAndIncrement
// atomic with respect to concurrent callers on the same identity; that is
// the only correctness requirement the rest of the system leans on.
type Store interface {
	// Init creates schema objects idempotently and verifies reachability.
	Init(ctx context.Context) error

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error

	// CheckAndIncrement applies the dual fixed-window algorithm for one
	// identity: reset expired windows, check hourly then daily limits,
	// and increment both counters only if the request is admitted. The
	// returned record reflects the row after the call.
	CheckAndIncrement(ctx context.Context, identity string, hourlyLimit, dailyLimit int64, now time.Time) (bool, UsageRecord, error)

	// InsertEvent appends one audit event.
	InsertEvent(ctx context.Context, ev AuditEvent) error

	Close() error
}

// DailyStat is one day of aggregated audit activity.
type DailyStat struct {
	Day              string
	Total            int64
	Succeeded        int64
	Failed           int64
	UniqueIdentities int64
	AvgLatencyMS     float64
}

// CategoryStat aggregates audit activity for one caller-supplied category.
type CategoryStat struct {
	Category         string
	Requests         int64
	UniqueIdentities int64
	Succeeded        int64
	SuccessRate      float64
}

// ErrorStat aggregates failed events by error class.
type ErrorStat struct {
	ErrorClass string
	Count      int64
	LastSeen   time.Time
}

// UsageSnapshot is a point-in-time view over all usage records.
type UsageSnapshot struct {
	TotalIdentities int64
	NearHourlyLimit int64
	NearDailyLimit  int64
	AvgHourly       float64
	AvgDaily        float64
	MaxDaily        int64
	TopDaily        []UsageRecord
}

// ReportingStore is the read-only aggregation surface. It is not on the
// admission hot path and implementations may use heavier queries.
type ReportingStore interface {
	DailyStats(ctx context.Context, days int) ([]DailyStat, error)
	TopCategories(ctx context.Context, days, limit int) ([]CategoryStat, error)
	RecentEvents(ctx context.Context, limit int) ([]AuditEvent, error)
	UsageSnapshot(ctx context.Context, hourlyLimit, dailyLimit int64) (UsageSnapshot, error)
	ErrorBreakdown(ctx context.Context, days, limit int) ([]ErrorStat, error)
}
