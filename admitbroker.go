package admitbroker

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/exp/slog"

	"github.com/parkerroan/admitbroker/store"
)

// Outcome is the result of an admission check.
type Outcome int

const (
	// Admit means the request is within its limits and was counted.
	Admit Outcome = iota
	// Deny means a limit was breached; Reason says which one.
	Deny
	// DegradedAdmit means the request is allowed because the usage
	// store could not be consulted, not because it passed a check.
	DegradedAdmit
)

func (o Outcome) String() string {
	switch o {
	case Admit:
		return "admit"
	case Deny:
		return "deny"
	case DegradedAdmit:
		return "degraded_admit"
	default:
		return "unknown"
	}
}

// Decision is what the caller acts on before attempting the downstream
// operation. Remaining counts and RetryAfter are advisory; the store's
// atomic update is the enforcement.
type Decision struct {
	Outcome         Outcome
	Reason          string
	HourlyRemaining int64
	DailyRemaining  int64
	RetryAfter      time.Duration

	// DeniedLimit and DeniedWindow describe the breached window when
	// Outcome is Deny, e.g. for RateLimit response headers.
	DeniedLimit  int64
	DeniedWindow time.Duration
}

// Allowed reports whether the caller may proceed downstream.
func (d Decision) Allowed() bool {
	return d.Outcome != Deny
}

const (
	// DefaultHourlyLimit and DefaultDailyLimit are the stock quota.
	DefaultHourlyLimit = 10
	DefaultDailyLimit  = 50

	// DefaultOpTimeout bounds one store round-trip on the admission path.
	DefaultOpTimeout = 3 * time.Second
)

// AdmitBroker decides, per identity, whether a request may proceed,
// using two fixed windows (one hour, 24 hours) counted in the shared
// store. It holds no shared mutable state of its own; correctness under
// concurrency reduces to the store's atomic check-and-increment.
type AdmitBroker struct {
	pool        *store.Pool
	hourlyLimit int64
	dailyLimit  int64
	opTimeout   time.Duration
	clock       Clock
}

// Option configures an AdmitBroker.
type Option func(*AdmitBroker)

// WithHourlyLimit sets the per-identity hourly admission limit.
func WithHourlyLimit(n int) Option {
	return func(b *AdmitBroker) {
		b.hourlyLimit = int64(n)
	}
}

// WithDailyLimit sets the per-identity daily admission limit.
func WithDailyLimit(n int) Option {
	return func(b *AdmitBroker) {
		b.dailyLimit = int64(n)
	}
}

// WithOpTimeout sets the per-operation store timeout.
func WithOpTimeout(d time.Duration) Option {
	return func(b *AdmitBroker) {
		b.opTimeout = d
	}
}

// WithClock sets the time source for window arithmetic.
func WithClock(c Clock) Option {
	return func(b *AdmitBroker) {
		b.clock = c
	}
}

// NewAdmitBroker creates a broker over the given pool.
func NewAdmitBroker(pool *store.Pool, opts ...Option) *AdmitBroker {
	b := &AdmitBroker{
		pool:        pool,
		hourlyLimit: DefaultHourlyLimit,
		dailyLimit:  DefaultDailyLimit,
		opTimeout:   DefaultOpTimeout,
		clock:       SystemClock(),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Limits returns the configured hourly and daily limits.
func (b *AdmitBroker) Limits() (int64, int64) {
	return b.hourlyLimit, b.dailyLimit
}

// Check runs the admission algorithm for one identity token. It never
// returns an error: a store failure is retried once and then degrades
// to a fail-open DegradedAdmit, so accounting problems cannot make the
// caller-visible operation unavailable.
func (b *AdmitBroker) Check(ctx context.Context, identityToken string) Decision {
	now := b.clock.Now()

	var admitted bool
	var rec store.UsageRecord

	attempt := func() error {
		return b.pool.With(ctx, func(s store.Store) error {
			opCtx, cancel := context.WithTimeout(ctx, b.opTimeout)
			defer cancel()

			var err error
			admitted, rec, err = s.CheckAndIncrement(opCtx, identityToken, b.hourlyLimit, b.dailyLimit, now)
			return err
		})
	}

	err := attempt()
	if err != nil && ctx.Err() == nil {
		bo := backoff.Backoff{
			Min:    50 * time.Millisecond,
			Max:    250 * time.Millisecond,
			Factor: 2,
			Jitter: true,
		}
		time.Sleep(bo.Duration())
		err = attempt()
	}
	if err != nil {
		slog.Warn("usage store unavailable, admitting degraded", slog.Any("error", err))
		return Decision{
			Outcome:         DegradedAdmit,
			Reason:          "usage accounting unavailable",
			HourlyRemaining: b.hourlyLimit,
			DailyRemaining:  b.dailyLimit,
		}
	}

	if admitted {
		return Decision{
			Outcome:         Admit,
			HourlyRemaining: nonNegative(b.hourlyLimit - rec.HourlyCount),
			DailyRemaining:  nonNegative(b.dailyLimit - rec.DailyCount),
		}
	}

	return b.deny(rec, now)
}

// deny builds the user-displayable denial. Hourly is checked before
// daily; the first breached limit names the reason. The SQL backend
// returns the stored row as-is on a deny, so a counter whose window has
// already expired must count as reset here, or a daily breach behind an
// expired hourly window would be blamed on the wrong limit.
func (b *AdmitBroker) deny(rec store.UsageRecord, now time.Time) Decision {
	hourlyCount := rec.HourlyCount
	if now.Sub(rec.HourWindowStart) > time.Hour {
		hourlyCount = 0
	}
	dailyCount := rec.DailyCount
	if now.Sub(rec.DayWindowStart) > 24*time.Hour {
		dailyCount = 0
	}

	if hourlyCount >= b.hourlyLimit {
		retryAfter := rec.HourWindowStart.Add(time.Hour).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		minutes := int(retryAfter / time.Minute)
		if minutes < 1 {
			minutes = 1
		}
		return Decision{
			Outcome:        Deny,
			Reason:         fmt.Sprintf("Hourly limit exceeded (%d/hour). Try again in %d minutes.", b.hourlyLimit, minutes),
			DailyRemaining: nonNegative(b.dailyLimit - dailyCount),
			RetryAfter:     retryAfter,
			DeniedLimit:    b.hourlyLimit,
			DeniedWindow:   time.Hour,
		}
	}

	retryAfter := rec.DayWindowStart.Add(24 * time.Hour).Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return Decision{
		Outcome:         Deny,
		Reason:          fmt.Sprintf("Daily limit exceeded (%d/day). Try again tomorrow.", b.dailyLimit),
		HourlyRemaining: nonNegative(b.hourlyLimit - hourlyCount),
		RetryAfter:      retryAfter,
		DeniedLimit:     b.dailyLimit,
		DeniedWindow:    24 * time.Hour,
	}
}

func nonNegative(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}
