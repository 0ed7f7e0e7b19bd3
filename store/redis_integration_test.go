//go:build integration

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests require a local Redis:
//
//	docker run --rm -p 6379:6379 redis

func newRedisTestStore(t *testing.T) *RedisStore {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	run := uuid.NewString()
	rs := NewRedisStore(rdb,
		WithKeyPrefix(fmt.Sprintf("admitbroker:test:%s:usage:", run)),
		WithStream(fmt.Sprintf("admitbroker:test:%s:audit", run)),
	)
	require.NoError(t, rs.Init(context.Background()))

	t.Cleanup(func() {
		ctx := context.Background()
		iter := rdb.Scan(ctx, 0, rs.keyPrefix+"*", 500).Iterator()
		for iter.Next(ctx) {
			rdb.Del(ctx, iter.Val())
		}
		rdb.Del(ctx, rs.stream)
		rs.Close()
	})
	return rs
}

func TestRedisCheckAndIncrement(t *testing.T) {
	rs := newRedisTestStore(t)
	now := time.Now()

	for i := 1; i <= 3; i++ {
		admitted, rec, err := rs.CheckAndIncrement(context.Background(), "token-a", 3, 50, now)
		require.NoError(t, err)
		assert.True(t, admitted)
		assert.Equal(t, int64(i), rec.HourlyCount)
		assert.Equal(t, int64(i), rec.DailyCount)
	}

	admitted, rec, err := rs.CheckAndIncrement(context.Background(), "token-a", 3, 50, now)
	require.NoError(t, err)
	assert.False(t, admitted)
	assert.Equal(t, int64(3), rec.HourlyCount, "a denied request is not counted")
}

func TestRedisHourlyWindowRollover(t *testing.T) {
	rs := newRedisTestStore(t)
	now := time.Now()

	for i := 0; i < 2; i++ {
		_, _, err := rs.CheckAndIncrement(context.Background(), "token-b", 2, 50, now)
		require.NoError(t, err)
	}
	admitted, _, err := rs.CheckAndIncrement(context.Background(), "token-b", 2, 50, now)
	require.NoError(t, err)
	assert.False(t, admitted)

	later := now.Add(61 * time.Minute)
	admitted, rec, err := rs.CheckAndIncrement(context.Background(), "token-b", 2, 50, later)
	require.NoError(t, err)
	assert.True(t, admitted)
	assert.Equal(t, int64(1), rec.HourlyCount)
	assert.Equal(t, int64(3), rec.DailyCount)
}

func TestRedisAuditStream(t *testing.T) {
	rs := newRedisTestStore(t)

	events := []AuditEvent{
		{ID: uuid.NewString(), Timestamp: time.Now(), IdentityHash: "h1", Category: "data science", Success: true, LatencyMS: 50},
		{ID: uuid.NewString(), Timestamp: time.Now(), IdentityHash: "h2", Category: "nursing", Success: false, ErrorClass: "http_502"},
	}
	for _, ev := range events {
		require.NoError(t, rs.InsertEvent(context.Background(), ev))
	}

	recent, err := rs.RecentEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, events[1].ID, recent[0].ID, "newest first")

	daily, err := rs.DailyStats(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, daily, 1)
	assert.Equal(t, int64(2), daily[0].Total)
	assert.Equal(t, int64(1), daily[0].Succeeded)

	cats, err := rs.TopCategories(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Len(t, cats, 2)

	errs, err := rs.ErrorBreakdown(context.Background(), 1, 10)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "http_502", errs[0].ErrorClass)
}

func TestRedisUsageSnapshot(t *testing.T) {
	rs := newRedisTestStore(t)
	now := time.Now()

	for i := 0; i < 9; i++ {
		_, _, err := rs.CheckAndIncrement(context.Background(), "token-busy", 10, 50, now)
		require.NoError(t, err)
	}
	_, _, err := rs.CheckAndIncrement(context.Background(), "token-idle", 10, 50, now)
	require.NoError(t, err)

	snap, err := rs.UsageSnapshot(context.Background(), 10, 50)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.TotalIdentities)
	assert.Equal(t, int64(1), snap.NearHourlyLimit)
	assert.Equal(t, int64(9), snap.MaxDaily)
	require.NotEmpty(t, snap.TopDaily)
	assert.Equal(t, "token-busy", snap.TopDaily[0].Identity)
}
