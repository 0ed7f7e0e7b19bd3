// Package report is the read-only aggregation layer over the audit log
// and usage records. It is not on the admission hot path: queries may be
// heavy, results are cached briefly, and an unreachable store yields
// zero-valued results marked Unavailable instead of an error.
package report

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/exp/slog"

	"github.com/parkerroan/admitbroker/store"
)

// DefaultCacheTTL is how long an aggregate result is reused.
const DefaultCacheTTL = 30 * time.Second

// DailyReport is per-day activity for a trailing window.
type DailyReport struct {
	Days        []store.DailyStat
	Unavailable bool
}

// CategoryReport ranks caller-supplied categories.
type CategoryReport struct {
	Categories  []store.CategoryStat
	Unavailable bool
}

// RecentReport is the newest audit events.
type RecentReport struct {
	Events      []store.AuditEvent
	Unavailable bool
}

// RatesReport is a live snapshot of usage records against the limits.
type RatesReport struct {
	Snapshot    store.UsageSnapshot
	HourlyLimit int64
	DailyLimit  int64
	Unavailable bool
}

// ErrorsReport groups failures by error class.
type ErrorsReport struct {
	Errors      []store.ErrorStat
	Unavailable bool
}

// Reporter runs the aggregation queries. Results are cached with a
// short TTL; the dashboard contract is eventual consistency, so a
// slightly stale answer is fine.
type Reporter struct {
	store       store.ReportingStore
	cache       *ristretto.Cache
	ttl         time.Duration
	hourlyLimit int64
	dailyLimit  int64
}

// ReporterOption configures a Reporter.
type ReporterOption func(*Reporter)

// WithCacheTTL sets the result cache TTL. Zero disables caching.
func WithCacheTTL(ttl time.Duration) ReporterOption {
	return func(r *Reporter) {
		r.ttl = ttl
	}
}

// WithLimits sets the limits the rates snapshot is measured against.
func WithLimits(hourly, daily int64) ReporterOption {
	return func(r *Reporter) {
		r.hourlyLimit = hourly
		r.dailyLimit = daily
	}
}

// NewReporter creates a reporter over the given reporting store.
func NewReporter(s store.ReportingStore, opts ...ReporterOption) (*Reporter, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1000,
		MaxCost:     100,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create report cache: %w", err)
	}

	r := &Reporter{
		store:       s,
		cache:       cache,
		ttl:         DefaultCacheTTL,
		hourlyLimit: 10,
		dailyLimit:  50,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// cached runs fetch under a cache key, reusing a fresh prior result.
// Only successful results are cached; failures fall through so a
// recovering store is observed immediately.
func (r *Reporter) cached(key string, fetch func() (any, error)) (any, bool) {
	if r.ttl > 0 {
		if v, ok := r.cache.Get(key); ok {
			return v, true
		}
	}

	v, err := fetch()
	if err != nil {
		slog.Warn("reporting query failed, returning unavailable",
			slog.String("query", key), slog.Any("error", err))
		return nil, false
	}

	if r.ttl > 0 {
		r.cache.SetWithTTL(key, v, 1, r.ttl)
	}
	return v, true
}

// Daily aggregates activity per day over the trailing number of days.
func (r *Reporter) Daily(ctx context.Context, days int) DailyReport {
	v, ok := r.cached(fmt.Sprintf("daily:%d", days), func() (any, error) {
		return r.store.DailyStats(ctx, days)
	})
	if !ok {
		return DailyReport{Unavailable: true}
	}
	return DailyReport{Days: v.([]store.DailyStat)}
}

// Categories ranks categories by request volume over the trailing days.
func (r *Reporter) Categories(ctx context.Context, days, limit int) CategoryReport {
	v, ok := r.cached(fmt.Sprintf("categories:%d:%d", days, limit), func() (any, error) {
		return r.store.TopCategories(ctx, days, limit)
	})
	if !ok {
		return CategoryReport{Unavailable: true}
	}
	return CategoryReport{Categories: v.([]store.CategoryStat)}
}

// Recent returns the newest audit events.
func (r *Reporter) Recent(ctx context.Context, limit int) RecentReport {
	v, ok := r.cached(fmt.Sprintf("recent:%d", limit), func() (any, error) {
		return r.store.RecentEvents(ctx, limit)
	})
	if !ok {
		return RecentReport{Unavailable: true}
	}
	return RecentReport{Events: v.([]store.AuditEvent)}
}

// Rates snapshots current usage records against the configured limits.
func (r *Reporter) Rates(ctx context.Context) RatesReport {
	v, ok := r.cached("rates", func() (any, error) {
		snap, err := r.store.UsageSnapshot(ctx, r.hourlyLimit, r.dailyLimit)
		if err != nil {
			return nil, err
		}
		return snap, nil
	})
	if !ok {
		return RatesReport{HourlyLimit: r.hourlyLimit, DailyLimit: r.dailyLimit, Unavailable: true}
	}
	return RatesReport{
		Snapshot:    v.(store.UsageSnapshot),
		HourlyLimit: r.hourlyLimit,
		DailyLimit:  r.dailyLimit,
	}
}

// Errors groups failed events by error class over the trailing days.
func (r *Reporter) Errors(ctx context.Context, days, limit int) ErrorsReport {
	v, ok := r.cached(fmt.Sprintf("errors:%d:%d", days, limit), func() (any, error) {
		return r.store.ErrorBreakdown(ctx, days, limit)
	})
	if !ok {
		return ErrorsReport{Unavailable: true}
	}
	return ErrorsReport{Errors: v.([]store.ErrorStat)}
}
