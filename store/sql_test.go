package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemStore(t *testing.T) *SQLStore {
	t.Helper()

	s, err := OpenSQL("sqlite", ":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenSQLUnsupportedDialect(t *testing.T) {
	_, err := OpenSQL("mysql", "dsn")
	assert.Error(t, err)
}

func TestNewSQLStoreRequiresDB(t *testing.T) {
	_, err := NewSQLStore(nil, "sqlite")
	assert.Error(t, err)
}

func TestPlaceholderRewrite(t *testing.T) {
	pg := &SQLStore{dialect: "postgres"}
	assert.Equal(t, "SELECT $1, $2", pg.q("SELECT ?, ?"))

	lite := &SQLStore{dialect: "sqlite"}
	assert.Equal(t, "SELECT ?, ?", lite.q("SELECT ?, ?"))
}

func TestSQLFirstRequestCreatesRecord(t *testing.T) {
	s := newMemStore(t)
	now := time.Now()

	admitted, rec, err := s.CheckAndIncrement(context.Background(), "token-a", 10, 50, now)
	require.NoError(t, err)
	assert.True(t, admitted)
	assert.Equal(t, "token-a", rec.Identity)
	assert.Equal(t, int64(1), rec.HourlyCount)
	assert.Equal(t, int64(1), rec.DailyCount)
}

func TestSQLHourlyLimitDenies(t *testing.T) {
	s := newMemStore(t)
	now := time.Now()

	for i := 0; i < 3; i++ {
		admitted, _, err := s.CheckAndIncrement(context.Background(), "token-b", 3, 50, now)
		require.NoError(t, err)
		assert.True(t, admitted)
	}

	admitted, rec, err := s.CheckAndIncrement(context.Background(), "token-b", 3, 50, now)
	require.NoError(t, err)
	assert.False(t, admitted)
	assert.Equal(t, int64(3), rec.HourlyCount, "a denied request is not counted")
}

func TestSQLDailyLimitDenies(t *testing.T) {
	s := newMemStore(t)
	now := time.Now()

	for i := 0; i < 2; i++ {
		admitted, _, err := s.CheckAndIncrement(context.Background(), "token-c", 100, 2, now)
		require.NoError(t, err)
		assert.True(t, admitted)
	}

	admitted, rec, err := s.CheckAndIncrement(context.Background(), "token-c", 100, 2, now)
	require.NoError(t, err)
	assert.False(t, admitted)
	assert.Equal(t, int64(2), rec.DailyCount)
}

func TestSQLHourlyWindowRollover(t *testing.T) {
	s := newMemStore(t)
	now := time.Now()

	for i := 0; i < 3; i++ {
		_, _, err := s.CheckAndIncrement(context.Background(), "token-d", 3, 50, now)
		require.NoError(t, err)
	}

	// Same instant, limit reached.
	admitted, _, err := s.CheckAndIncrement(context.Background(), "token-d", 3, 50, now)
	require.NoError(t, err)
	assert.False(t, admitted)

	// 61 minutes later the hourly window has expired but the daily one
	// has not.
	later := now.Add(61 * time.Minute)
	admitted, rec, err := s.CheckAndIncrement(context.Background(), "token-d", 3, 50, later)
	require.NoError(t, err)
	assert.True(t, admitted)
	assert.Equal(t, int64(1), rec.HourlyCount)
	assert.Equal(t, int64(4), rec.DailyCount)
	assert.Equal(t, later.Unix(), rec.HourWindowStart.Unix())
	assert.Equal(t, now.Unix(), rec.DayWindowStart.Unix())
}

func TestSQLDailyWindowRollover(t *testing.T) {
	s := newMemStore(t)
	now := time.Now()

	for i := 0; i < 2; i++ {
		_, _, err := s.CheckAndIncrement(context.Background(), "token-e", 100, 2, now)
		require.NoError(t, err)
	}

	later := now.Add(25 * time.Hour)
	admitted, rec, err := s.CheckAndIncrement(context.Background(), "token-e", 100, 2, later)
	require.NoError(t, err)
	assert.True(t, admitted)
	assert.Equal(t, int64(1), rec.DailyCount)
	assert.Equal(t, later.Unix(), rec.DayWindowStart.Unix())
}

func TestSQLConcurrentAdmissions(t *testing.T) {
	s := newMemStore(t)
	now := time.Now()

	const callers = 25
	results := make(chan bool, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			admitted, _, err := s.CheckAndIncrement(context.Background(), "token-hot", 10, 100, now)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			results <- admitted
		}()
	}
	wg.Wait()
	close(results)

	admitted := 0
	for ok := range results {
		if ok {
			admitted++
		}
	}
	assert.Equal(t, 10, admitted, "the single UPDATE keeps concurrent callers at the limit")
}

func insertTestEvent(t *testing.T, s *SQLStore, ev AuditEvent) {
	t.Helper()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	require.NoError(t, s.InsertEvent(context.Background(), ev))
}

func TestSQLAuditAndReporting(t *testing.T) {
	s := newMemStore(t)

	insertTestEvent(t, s, AuditEvent{IdentityHash: "h1", Category: "data science", Status: "student", Success: true, LatencyMS: 120})
	insertTestEvent(t, s, AuditEvent{IdentityHash: "h1", Category: "data science", Status: "student", Success: true, LatencyMS: 80})
	insertTestEvent(t, s, AuditEvent{IdentityHash: "h2", Category: "nursing", Success: false, ErrorClass: "http_502"})
	insertTestEvent(t, s, AuditEvent{IdentityHash: "h3", Success: false, ErrorClass: "rate_limited"})

	daily, err := s.DailyStats(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, daily, 1)
	assert.Equal(t, int64(4), daily[0].Total)
	assert.Equal(t, int64(2), daily[0].Succeeded)
	assert.Equal(t, int64(2), daily[0].Failed)
	assert.Equal(t, int64(3), daily[0].UniqueIdentities)
	assert.Equal(t, 100.0, daily[0].AvgLatencyMS, "NULL latencies are excluded from the average")

	cats, err := s.TopCategories(context.Background(), 30, 10)
	require.NoError(t, err)
	require.Len(t, cats, 2, "events without a category are skipped")
	assert.Equal(t, "data science", cats[0].Category)
	assert.Equal(t, int64(2), cats[0].Requests)
	assert.Equal(t, 100.0, cats[0].SuccessRate)
	assert.Equal(t, "nursing", cats[1].Category)
	assert.Equal(t, 0.0, cats[1].SuccessRate)

	recent, err := s.RecentEvents(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	errs, err := s.ErrorBreakdown(context.Background(), 7, 10)
	require.NoError(t, err)
	require.Len(t, errs, 2)
	assert.False(t, errs[0].LastSeen.IsZero())
}

func TestSQLUsageSnapshot(t *testing.T) {
	s := newMemStore(t)
	now := time.Now()

	// token-busy ends at 9/10 hourly, token-idle at 1.
	for i := 0; i < 9; i++ {
		_, _, err := s.CheckAndIncrement(context.Background(), "token-busy", 10, 50, now)
		require.NoError(t, err)
	}
	_, _, err := s.CheckAndIncrement(context.Background(), "token-idle", 10, 50, now)
	require.NoError(t, err)

	snap, err := s.UsageSnapshot(context.Background(), 10, 50)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.TotalIdentities)
	assert.Equal(t, int64(1), snap.NearHourlyLimit)
	assert.Equal(t, int64(9), snap.MaxDaily)
	assert.Equal(t, 5.0, snap.AvgHourly)
	require.NotEmpty(t, snap.TopDaily)
	assert.Equal(t, "token-busy", snap.TopDaily[0].Identity)
}

func TestSQLInitIdempotent(t *testing.T) {
	s := newMemStore(t)
	require.NoError(t, s.Init(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
}

func TestSQLManyIdentitiesIndependent(t *testing.T) {
	s := newMemStore(t)
	now := time.Now()

	for i := 0; i < 5; i++ {
		token := fmt.Sprintf("token-%d", i)
		admitted, rec, err := s.CheckAndIncrement(context.Background(), token, 1, 50, now)
		require.NoError(t, err)
		assert.True(t, admitted)
		assert.Equal(t, int64(1), rec.HourlyCount)
	}
}
