package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/exp/slog"
)

// Timestamps are stored as unix seconds so the window arithmetic stays
// inside a single portable statement across dialects.
const createTablesSQL = `
CREATE TABLE IF NOT EXISTS usage_records (
    identity          TEXT PRIMARY KEY,
    hourly_count      BIGINT NOT NULL DEFAULT 0,
    daily_count       BIGINT NOT NULL DEFAULT 0,
    hour_window_start BIGINT NOT NULL,
    day_window_start  BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_events (
    id            TEXT PRIMARY KEY,
    ts            BIGINT NOT NULL,
    identity_hash TEXT NOT NULL,
    category      TEXT,
    status        TEXT,
    success       BOOLEAN NOT NULL,
    error_class   TEXT,
    latency_ms    BIGINT
);

CREATE INDEX IF NOT EXISTS idx_audit_events_ts ON audit_events(ts);
CREATE INDEX IF NOT EXISTS idx_audit_events_identity_hash ON audit_events(identity_hash);
`

// admitUpdateSQL is the whole check-and-increment expressed as one
// conditional UPDATE: expired windows reset to 1, live windows increment,
// and the WHERE clause admits only when every unexpired counter is still
// under its limit. Zero rows affected means "no record" or "denied".
const admitUpdateSQL = `
UPDATE usage_records SET
    hourly_count      = CASE WHEN ? - hour_window_start > 3600 THEN 1 ELSE hourly_count + 1 END,
    hour_window_start = CASE WHEN ? - hour_window_start > 3600 THEN ? ELSE hour_window_start END,
    daily_count       = CASE WHEN ? - day_window_start > 86400 THEN 1 ELSE daily_count + 1 END,
    day_window_start  = CASE WHEN ? - day_window_start > 86400 THEN ? ELSE day_window_start END
WHERE identity = ?
  AND (? - hour_window_start > 3600 OR hourly_count < ?)
  AND (? - day_window_start > 86400 OR daily_count < ?)
`

// SQLStore is a database/sql implementation of Store and ReportingStore.
// Supported dialects: "sqlite" (the embedded file backend) and
// "postgres" (the networked backend). Both run the same schema.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// OpenSQL opens a SQL store without touching the database; call Init to
// create the schema and verify reachability.
func OpenSQL(dialect, dsn string) (*SQLStore, error) {
	driver := dialect
	switch dialect {
	case "sqlite":
		// The go-sqlite3 driver registers as "sqlite3".
		driver = "sqlite3"
	case "postgres":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: sqlite, postgres)", dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dialect == "sqlite" {
		// SQLite allows one writer at a time. A single connection
		// serializes access and prevents "database is locked" errors.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetConnMaxLifetime(time.Hour)
	}

	return &SQLStore{db: db, dialect: dialect}, nil
}

// NewSQLStore wraps an existing connection, e.g. one shared with other
// components. The dialect must match the driver the caller opened.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	switch dialect {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: sqlite, postgres)", dialect)
	}
	return &SQLStore{db: db, dialect: dialect}, nil
}

// Init creates the tables idempotently and pings the database.
func (s *SQLStore) Init(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if s.dialect == "sqlite" {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			slog.Warn("failed to enable WAL mode", slog.Any("error", err))
		}
		if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout=10000"); err != nil {
			slog.Warn("failed to set busy timeout", slog.Any("error", err))
		}
	}

	for _, stmt := range strings.Split(createTablesSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	return nil
}

// Ping reports database reachability.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Dialect returns the configured SQL dialect.
func (s *SQLStore) Dialect() string {
	return s.dialect
}

// q rewrites ? placeholders to $n for postgres.
func (s *SQLStore) q(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CheckAndIncrement implements the admission write. The limit check and
// the increment happen in one UPDATE so concurrent callers on the same
// identity cannot both pass a check only one should pass.
func (s *SQLStore) CheckAndIncrement(ctx context.Context, identity string, hourlyLimit, dailyLimit int64, now time.Time) (bool, UsageRecord, error) {
	ts := now.Unix()

	for attempt := 0; attempt < 2; attempt++ {
		res, err := s.db.ExecContext(ctx, s.q(admitUpdateSQL),
			ts, ts, ts, ts, ts, ts,
			identity,
			ts, hourlyLimit,
			ts, dailyLimit,
		)
		if err != nil {
			return false, UsageRecord{}, fmt.Errorf("failed to update usage record: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return false, UsageRecord{}, fmt.Errorf("failed to get rows affected: %w", err)
		}

		if affected > 0 {
			rec, err := s.getRecord(ctx, identity)
			if err != nil {
				// The admit is already persisted; the record is
				// only advisory at this point.
				slog.Warn("admitted but failed to read usage record back",
					slog.String("identity", identity), slog.Any("error", err))
				return true, UsageRecord{Identity: identity}, nil
			}
			return true, rec, nil
		}

		rec, err := s.getRecord(ctx, identity)
		if err == nil {
			// The row exists and the UPDATE skipped it, so a live
			// window is at its limit: denied.
			return false, rec, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return false, UsageRecord{}, err
		}

		// First request from this identity.
		created, err := s.insertRecord(ctx, identity, ts)
		if err == nil {
			return true, created, nil
		}
		if !isDuplicateKey(err) {
			return false, UsageRecord{}, fmt.Errorf("failed to insert usage record: %w", err)
		}
		// Lost an insert race with a concurrent first request;
		// loop once more through the UPDATE path.
	}

	return false, UsageRecord{}, ErrConflict
}

func (s *SQLStore) getRecord(ctx context.Context, identity string) (UsageRecord, error) {
	query := s.q(`SELECT identity, hourly_count, daily_count, hour_window_start, day_window_start
FROM usage_records WHERE identity = ?`)

	var rec UsageRecord
	var hws, dws int64
	err := s.db.QueryRowContext(ctx, query, identity).
		Scan(&rec.Identity, &rec.HourlyCount, &rec.DailyCount, &hws, &dws)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UsageRecord{}, err
		}
		return UsageRecord{}, fmt.Errorf("failed to query usage record: %w", err)
	}

	rec.HourWindowStart = time.Unix(hws, 0)
	rec.DayWindowStart = time.Unix(dws, 0)
	return rec, nil
}

func (s *SQLStore) insertRecord(ctx context.Context, identity string, ts int64) (UsageRecord, error) {
	query := s.q(`INSERT INTO usage_records (identity, hourly_count, daily_count, hour_window_start, day_window_start)
VALUES (?, 1, 1, ?, ?)`)

	if _, err := s.db.ExecContext(ctx, query, identity, ts, ts); err != nil {
		return UsageRecord{}, err
	}

	return UsageRecord{
		Identity:        identity,
		HourlyCount:     1,
		DailyCount:      1,
		HourWindowStart: time.Unix(ts, 0),
		DayWindowStart:  time.Unix(ts, 0),
	}, nil
}

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

// InsertEvent appends one audit event row. Empty optional fields are
// stored as NULL so aggregates skip them.
func (s *SQLStore) InsertEvent(ctx context.Context, ev AuditEvent) error {
	query := s.q(`INSERT INTO audit_events (id, ts, identity_hash, category, status, success, error_class, latency_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	var errClass any
	if ev.ErrorClass != "" {
		errClass = ev.ErrorClass
	}
	var latency any
	if ev.LatencyMS > 0 {
		latency = ev.LatencyMS
	}

	_, err := s.db.ExecContext(ctx, query,
		ev.ID, ev.Timestamp.Unix(), ev.IdentityHash, ev.Category, ev.Status, ev.Success, errClass, latency)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

func (s *SQLStore) dayExpr() string {
	if s.dialect == "postgres" {
		return "to_char(to_timestamp(ts), 'YYYY-MM-DD')"
	}
	return "date(ts, 'unixepoch')"
}

// DailyStats aggregates audit activity per day for the trailing window.
func (s *SQLStore) DailyStats(ctx context.Context, days int) ([]DailyStat, error) {
	day := s.dayExpr()
	query := s.q(fmt.Sprintf(`SELECT %s AS day,
    COUNT(*),
    SUM(CASE WHEN success THEN 1 ELSE 0 END),
    SUM(CASE WHEN success THEN 0 ELSE 1 END),
    COUNT(DISTINCT identity_hash),
    AVG(latency_ms)
FROM audit_events
WHERE ts >= ?
GROUP BY %s
ORDER BY day DESC`, day, day))

	since := time.Now().AddDate(0, 0, -days).Unix()
	rows, err := s.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily stats: %w", err)
	}
	defer rows.Close()

	var stats []DailyStat
	for rows.Next() {
		var st DailyStat
		var avg sql.NullFloat64
		if err := rows.Scan(&st.Day, &st.Total, &st.Succeeded, &st.Failed, &st.UniqueIdentities, &avg); err != nil {
			return nil, fmt.Errorf("failed to scan daily stats: %w", err)
		}
		st.AvgLatencyMS = avg.Float64
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// TopCategories ranks caller-supplied categories by request volume.
func (s *SQLStore) TopCategories(ctx context.Context, days, limit int) ([]CategoryStat, error) {
	query := s.q(`SELECT category,
    COUNT(*),
    COUNT(DISTINCT identity_hash),
    SUM(CASE WHEN success THEN 1 ELSE 0 END)
FROM audit_events
WHERE ts >= ? AND category IS NOT NULL AND category <> ''
GROUP BY category
ORDER BY COUNT(*) DESC
LIMIT ?`)

	since := time.Now().AddDate(0, 0, -days).Unix()
	rows, err := s.db.QueryContext(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query categories: %w", err)
	}
	defer rows.Close()

	var stats []CategoryStat
	for rows.Next() {
		var st CategoryStat
		if err := rows.Scan(&st.Category, &st.Requests, &st.UniqueIdentities, &st.Succeeded); err != nil {
			return nil, fmt.Errorf("failed to scan categories: %w", err)
		}
		if st.Requests > 0 {
			st.SuccessRate = float64(st.Succeeded) / float64(st.Requests) * 100
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// RecentEvents returns the newest audit events, newest first.
func (s *SQLStore) RecentEvents(ctx context.Context, limit int) ([]AuditEvent, error) {
	query := s.q(`SELECT id, ts, identity_hash, category, status, success, error_class, latency_ms
FROM audit_events
ORDER BY ts DESC
LIMIT ?`)

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var ev AuditEvent
		var ts int64
		var errClass sql.NullString
		var latency sql.NullInt64
		if err := rows.Scan(&ev.ID, &ts, &ev.IdentityHash, &ev.Category, &ev.Status, &ev.Success, &errClass, &latency); err != nil {
			return nil, fmt.Errorf("failed to scan recent events: %w", err)
		}
		ev.Timestamp = time.Unix(ts, 0)
		ev.ErrorClass = errClass.String
		ev.LatencyMS = latency.Int64
		events = append(events, ev)
	}
	return events, rows.Err()
}

// UsageSnapshot summarizes current usage records, including identities
// close to their limits (within 80%).
func (s *SQLStore) UsageSnapshot(ctx context.Context, hourlyLimit, dailyLimit int64) (UsageSnapshot, error) {
	nearHourly := hourlyLimit * 8 / 10
	nearDaily := dailyLimit * 8 / 10

	query := s.q(`SELECT COUNT(*),
    SUM(CASE WHEN hourly_count >= ? THEN 1 ELSE 0 END),
    SUM(CASE WHEN daily_count >= ? THEN 1 ELSE 0 END),
    AVG(hourly_count),
    AVG(daily_count),
    MAX(daily_count)
FROM usage_records`)

	var snap UsageSnapshot
	var nearH, nearD, maxD sql.NullInt64
	var avgH, avgD sql.NullFloat64
	err := s.db.QueryRowContext(ctx, query, nearHourly, nearDaily).
		Scan(&snap.TotalIdentities, &nearH, &nearD, &avgH, &avgD, &maxD)
	if err != nil {
		return UsageSnapshot{}, fmt.Errorf("failed to query usage snapshot: %w", err)
	}
	snap.NearHourlyLimit = nearH.Int64
	snap.NearDailyLimit = nearD.Int64
	snap.AvgHourly = avgH.Float64
	snap.AvgDaily = avgD.Float64
	snap.MaxDaily = maxD.Int64

	topQuery := s.q(`SELECT identity, hourly_count, daily_count, hour_window_start, day_window_start
FROM usage_records
ORDER BY daily_count DESC
LIMIT 5`)

	rows, err := s.db.QueryContext(ctx, topQuery)
	if err != nil {
		return UsageSnapshot{}, fmt.Errorf("failed to query top usage: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec UsageRecord
		var hws, dws int64
		if err := rows.Scan(&rec.Identity, &rec.HourlyCount, &rec.DailyCount, &hws, &dws); err != nil {
			return UsageSnapshot{}, fmt.Errorf("failed to scan top usage: %w", err)
		}
		rec.HourWindowStart = time.Unix(hws, 0)
		rec.DayWindowStart = time.Unix(dws, 0)
		snap.TopDaily = append(snap.TopDaily, rec)
	}
	return snap, rows.Err()
}

// ErrorBreakdown groups failed events by error class.
func (s *SQLStore) ErrorBreakdown(ctx context.Context, days, limit int) ([]ErrorStat, error) {
	query := s.q(`SELECT error_class, COUNT(*), MAX(ts)
FROM audit_events
WHERE success = FALSE AND error_class IS NOT NULL AND ts >= ?
GROUP BY error_class
ORDER BY COUNT(*) DESC
LIMIT ?`)

	since := time.Now().AddDate(0, 0, -days).Unix()
	rows, err := s.db.QueryContext(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query error breakdown: %w", err)
	}
	defer rows.Close()

	var stats []ErrorStat
	for rows.Next() {
		var st ErrorStat
		var last int64
		if err := rows.Scan(&st.ErrorClass, &st.Count, &last); err != nil {
			return nil, fmt.Errorf("failed to scan error breakdown: %w", err)
		}
		st.LastSeen = time.Unix(last, 0)
		stats = append(stats, st)
	}
	return stats, rows.Err()
}
