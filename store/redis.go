package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// admitScript is the whole check-and-increment in one Lua script, so the
// read-reset-check-increment sequence is atomic on the Redis server.
// Returns {admitted, hourly_count, daily_count, hour_window_start, day_window_start}.
var admitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local hourlyLimit = tonumber(ARGV[2])
local dailyLimit = tonumber(ARGV[3])

local rec = redis.call('HMGET', key, 'hc', 'dc', 'hws', 'dws')
if not rec[1] then
    redis.call('HMSET', key, 'hc', 1, 'dc', 1, 'hws', now, 'dws', now)
    return {1, 1, 1, now, now}
end

local hc = tonumber(rec[1])
local dc = tonumber(rec[2])
local hws = tonumber(rec[3])
local dws = tonumber(rec[4])

if now - hws > 3600 then
    hc = 0
    hws = now
end
if now - dws > 86400 then
    dc = 0
    dws = now
end

if hc >= hourlyLimit or dc >= dailyLimit then
    redis.call('HMSET', key, 'hc', hc, 'dc', dc, 'hws', hws, 'dws', dws)
    return {0, hc, dc, hws, dws}
end

hc = hc + 1
dc = dc + 1
redis.call('HMSET', key, 'hc', hc, 'dc', dc, 'hws', hws, 'dws', dws)
return {1, hc, dc, hws, dws}
`)

// RedisStore is a Redis implementation of Store and ReportingStore.
// Usage records live in one hash per identity; audit events are appended
// to a capped stream. Reporting scans the stream, which is acceptable
// off the hot path.
type RedisStore struct {
	client       *redis.Client
	keyPrefix    string
	stream       string
	maxStreamLen int64
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(rdb *redis.Client, opts ...func(*RedisStore)) *RedisStore {
	rs := &RedisStore{
		client:       rdb,
		keyPrefix:    "admitbroker:usage:",
		stream:       "admitbroker:audit",
		maxStreamLen: 100000,
	}

	for _, opt := range opts {
		opt(rs)
	}

	return rs
}

// WithStream sets the audit stream name, a good value would be the name
// of your application.
func WithStream(stream string) func(*RedisStore) {
	return func(rs *RedisStore) {
		rs.stream = stream
	}
}

// WithKeyPrefix sets the usage record key prefix.
func WithKeyPrefix(prefix string) func(*RedisStore) {
	return func(rs *RedisStore) {
		rs.keyPrefix = prefix
	}
}

// WithCappedStream caps the audit stream length.
func WithCappedStream(maxLen int64) func(*RedisStore) {
	return func(rs *RedisStore) {
		rs.maxStreamLen = maxLen
	}
}

// Init verifies reachability; Redis needs no schema.
func (r *RedisStore) Init(ctx context.Context) error {
	return r.Ping(ctx)
}

// Ping reports server reachability.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close closes the client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// CheckAndIncrement runs the admission script for one identity.
func (r *RedisStore) CheckAndIncrement(ctx context.Context, identity string, hourlyLimit, dailyLimit int64, now time.Time) (bool, UsageRecord, error) {
	res, err := admitScript.Run(ctx, r.client, []string{r.keyPrefix + identity},
		now.Unix(), hourlyLimit, dailyLimit).Result()
	if err != nil {
		return false, UsageRecord{}, fmt.Errorf("failed to run admit script: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 5 {
		return false, UsageRecord{}, fmt.Errorf("unexpected admit script reply: %v", res)
	}

	nums := make([]int64, 5)
	for i, v := range vals {
		n, ok := v.(int64)
		if !ok {
			return false, UsageRecord{}, fmt.Errorf("unexpected admit script reply: %v", res)
		}
		nums[i] = n
	}

	rec := UsageRecord{
		Identity:        identity,
		HourlyCount:     nums[1],
		DailyCount:      nums[2],
		HourWindowStart: time.Unix(nums[3], 0),
		DayWindowStart:  time.Unix(nums[4], 0),
	}
	return nums[0] == 1, rec, nil
}

// InsertEvent appends the event to the audit stream.
func (r *RedisStore) InsertEvent(ctx context.Context, ev AuditEvent) error {
	success := "0"
	if ev.Success {
		success = "1"
	}

	values := map[string]interface{}{
		"id":            ev.ID,
		"ts":            ev.Timestamp.Unix(),
		"identity_hash": ev.IdentityHash,
		"category":      ev.Category,
		"status":        ev.Status,
		"success":       success,
		"error_class":   ev.ErrorClass,
		"latency_ms":    ev.LatencyMS,
	}

	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		Values: values,
		MaxLen: r.maxStreamLen,
		Approx: true,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

func eventFromStream(m redis.XMessage) AuditEvent {
	get := func(field string) string {
		if v, ok := m.Values[field].(string); ok {
			return v
		}
		return ""
	}

	ts, _ := strconv.ParseInt(get("ts"), 10, 64)
	latency, _ := strconv.ParseInt(get("latency_ms"), 10, 64)

	return AuditEvent{
		ID:           get("id"),
		Timestamp:    time.Unix(ts, 0),
		IdentityHash: get("identity_hash"),
		Category:     get("category"),
		Status:       get("status"),
		Success:      get("success") == "1",
		ErrorClass:   get("error_class"),
		LatencyMS:    latency,
	}
}

// eventsSince reads the stream from the given time forward.
func (r *RedisStore) eventsSince(ctx context.Context, since time.Time) ([]AuditEvent, error) {
	start := strconv.FormatInt(since.UnixMilli(), 10)
	msgs, err := r.client.XRange(ctx, r.stream, start, "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read audit stream: %w", err)
	}

	events := make([]AuditEvent, 0, len(msgs))
	for _, m := range msgs {
		events = append(events, eventFromStream(m))
	}
	return events, nil
}

// DailyStats aggregates the stream per day in memory.
func (r *RedisStore) DailyStats(ctx context.Context, days int) ([]DailyStat, error) {
	events, err := r.eventsSince(ctx, time.Now().AddDate(0, 0, -days))
	if err != nil {
		return nil, err
	}

	byDay := map[string]*DailyStat{}
	identities := map[string]map[string]struct{}{}
	latencySum := map[string]int64{}
	latencyN := map[string]int64{}
	var order []string

	for _, ev := range events {
		day := ev.Timestamp.UTC().Format("2006-01-02")
		st, ok := byDay[day]
		if !ok {
			st = &DailyStat{Day: day}
			byDay[day] = st
			identities[day] = map[string]struct{}{}
			order = append(order, day)
		}
		st.Total++
		if ev.Success {
			st.Succeeded++
		} else {
			st.Failed++
		}
		identities[day][ev.IdentityHash] = struct{}{}
		if ev.LatencyMS > 0 {
			latencySum[day] += ev.LatencyMS
			latencyN[day]++
		}
	}

	stats := make([]DailyStat, 0, len(order))
	// Newest day first, matching the SQL backend.
	for i := len(order) - 1; i >= 0; i-- {
		day := order[i]
		st := byDay[day]
		st.UniqueIdentities = int64(len(identities[day]))
		if latencyN[day] > 0 {
			st.AvgLatencyMS = float64(latencySum[day]) / float64(latencyN[day])
		}
		stats = append(stats, *st)
	}
	return stats, nil
}

// TopCategories aggregates the stream per category in memory.
func (r *RedisStore) TopCategories(ctx context.Context, days, limit int) ([]CategoryStat, error) {
	events, err := r.eventsSince(ctx, time.Now().AddDate(0, 0, -days))
	if err != nil {
		return nil, err
	}

	byCat := map[string]*CategoryStat{}
	identities := map[string]map[string]struct{}{}
	for _, ev := range events {
		if ev.Category == "" {
			continue
		}
		st, ok := byCat[ev.Category]
		if !ok {
			st = &CategoryStat{Category: ev.Category}
			byCat[ev.Category] = st
			identities[ev.Category] = map[string]struct{}{}
		}
		st.Requests++
		if ev.Success {
			st.Succeeded++
		}
		identities[ev.Category][ev.IdentityHash] = struct{}{}
	}

	stats := make([]CategoryStat, 0, len(byCat))
	for cat, st := range byCat {
		st.UniqueIdentities = int64(len(identities[cat]))
		if st.Requests > 0 {
			st.SuccessRate = float64(st.Succeeded) / float64(st.Requests) * 100
		}
		stats = append(stats, *st)
	}

	sort.Slice(stats, func(i, j int) bool { return stats[i].Requests > stats[j].Requests })
	if limit > 0 && len(stats) > limit {
		stats = stats[:limit]
	}
	return stats, nil
}

// RecentEvents returns the newest events from the stream.
func (r *RedisStore) RecentEvents(ctx context.Context, limit int) ([]AuditEvent, error) {
	msgs, err := r.client.XRevRangeN(ctx, r.stream, "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read audit stream: %w", err)
	}

	events := make([]AuditEvent, 0, len(msgs))
	for _, m := range msgs {
		events = append(events, eventFromStream(m))
	}
	return events, nil
}

// UsageSnapshot scans usage hashes. SCAN-based, so point-in-time only in
// the eventually-consistent sense the reporting layer promises.
func (r *RedisStore) UsageSnapshot(ctx context.Context, hourlyLimit, dailyLimit int64) (UsageSnapshot, error) {
	nearHourly := hourlyLimit * 8 / 10
	nearDaily := dailyLimit * 8 / 10

	var snap UsageSnapshot
	var sumHourly, sumDaily int64
	var records []UsageRecord

	iter := r.client.Scan(ctx, 0, r.keyPrefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		vals, err := r.client.HGetAll(ctx, key).Result()
		if err != nil {
			return UsageSnapshot{}, fmt.Errorf("failed to read usage record: %w", err)
		}
		if len(vals) == 0 {
			continue
		}

		hc, _ := strconv.ParseInt(vals["hc"], 10, 64)
		dc, _ := strconv.ParseInt(vals["dc"], 10, 64)
		hws, _ := strconv.ParseInt(vals["hws"], 10, 64)
		dws, _ := strconv.ParseInt(vals["dws"], 10, 64)

		rec := UsageRecord{
			Identity:        key[len(r.keyPrefix):],
			HourlyCount:     hc,
			DailyCount:      dc,
			HourWindowStart: time.Unix(hws, 0),
			DayWindowStart:  time.Unix(dws, 0),
		}
		records = append(records, rec)

		snap.TotalIdentities++
		sumHourly += hc
		sumDaily += dc
		if hc >= nearHourly {
			snap.NearHourlyLimit++
		}
		if dc >= nearDaily {
			snap.NearDailyLimit++
		}
		if dc > snap.MaxDaily {
			snap.MaxDaily = dc
		}
	}
	if err := iter.Err(); err != nil {
		return UsageSnapshot{}, fmt.Errorf("failed to scan usage records: %w", err)
	}

	if snap.TotalIdentities > 0 {
		snap.AvgHourly = float64(sumHourly) / float64(snap.TotalIdentities)
		snap.AvgDaily = float64(sumDaily) / float64(snap.TotalIdentities)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].DailyCount > records[j].DailyCount })
	if len(records) > 5 {
		records = records[:5]
	}
	snap.TopDaily = records

	return snap, nil
}

// ErrorBreakdown groups failed stream events by error class.
func (r *RedisStore) ErrorBreakdown(ctx context.Context, days, limit int) ([]ErrorStat, error) {
	events, err := r.eventsSince(ctx, time.Now().AddDate(0, 0, -days))
	if err != nil {
		return nil, err
	}

	byClass := map[string]*ErrorStat{}
	for _, ev := range events {
		if ev.Success || ev.ErrorClass == "" {
			continue
		}
		st, ok := byClass[ev.ErrorClass]
		if !ok {
			st = &ErrorStat{ErrorClass: ev.ErrorClass}
			byClass[ev.ErrorClass] = st
		}
		st.Count++
		if ev.Timestamp.After(st.LastSeen) {
			st.LastSeen = ev.Timestamp
		}
	}

	stats := make([]ErrorStat, 0, len(byClass))
	for _, st := range byClass {
		stats = append(stats, *st)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Count > stats[j].Count })
	if limit > 0 && len(stats) > limit {
		stats = stats[:limit]
	}
	return stats, nil
}
