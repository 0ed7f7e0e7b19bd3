package admitbroker

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parkerroan/admitbroker/identity"
	"github.com/parkerroan/admitbroker/store"
)

func headerInfoGetter(r *http.Request) (RequestInfo, error) {
	token, err := identity.Derive(r.Header.Get("X-User-ID"), time.Now())
	if err != nil {
		return RequestInfo{}, err
	}
	return RequestInfo{
		Identity: token,
		Category: r.Header.Get("X-Category"),
		Status:   r.Header.Get("X-Status"),
	}, nil
}

func newTestHandler(fs *fakeStore, clock Clock, opts ...Option) http.Handler {
	pool := store.NewPool(fs)
	broker := NewAdmitBroker(pool, append([]Option{WithClock(clock)}, opts...)...)
	audit := NewAuditLogger(pool, WithAuditClock(clock))

	mw := HTTPMiddleware(broker, audit, headerInfoGetter)
	return mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
}

func doRequest(h http.Handler, user string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/generate", nil)
	req.Header.Set("X-User-ID", user)
	req.Header.Set("X-Category", "data science")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestMiddlewareDenyHeaders(t *testing.T) {
	fs := newFakeStore()
	clock := newFakeClock()
	h := newTestHandler(fs, clock, WithHourlyLimit(2), WithDailyLimit(50))

	for i := 0; i < 2; i++ {
		rr := doRequest(h, "alice@example.com")
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "ok", rr.Body.String())
	}

	rr := doRequest(h, "alice@example.com")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Contains(t, rr.Body.String(), "Hourly limit exceeded (2/hour)")
	assert.Equal(t, "2", rr.Header().Get("RateLimit-Limit"))
	assert.Equal(t, "0", rr.Header().Get("RateLimit-Remaining"))
	assert.Equal(t, "2;w=3600", rr.Header().Get("RateLimit-Policy"))
	assert.NotEmpty(t, rr.Header().Get("RateLimit-Reset"))
}

func TestMiddlewareDailyDenyHeaders(t *testing.T) {
	fs := newFakeStore()
	clock := newFakeClock()
	h := newTestHandler(fs, clock, WithHourlyLimit(10), WithDailyLimit(1))

	rr := doRequest(h, "carol@example.com")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = doRequest(h, "carol@example.com")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Contains(t, rr.Body.String(), "Daily limit exceeded (1/day)")
	assert.Equal(t, "1", rr.Header().Get("RateLimit-Limit"))
	assert.Equal(t, "1;w=86400", rr.Header().Get("RateLimit-Policy"))
	assert.Equal(t, "86400", rr.Header().Get("RateLimit-Reset"))
}

func TestMiddlewareAuditCompleteness(t *testing.T) {
	fs := newFakeStore()
	clock := newFakeClock()
	h := newTestHandler(fs, clock, WithHourlyLimit(1), WithDailyLimit(50))

	doRequest(h, "alice@example.com")
	doRequest(h, "alice@example.com")

	// One event per request, admitted or denied.
	require.Equal(t, 2, fs.eventCount())
	assert.True(t, fs.events[0].Success)
	assert.Equal(t, "data science", fs.events[0].Category)
	assert.False(t, fs.events[1].Success)
	assert.Equal(t, "rate_limited", fs.events[1].ErrorClass)

	// The audit log never sees the raw token, only its hash.
	token, err := identity.Derive("alice@example.com", time.Now())
	require.NoError(t, err)
	assert.NotEqual(t, token, fs.events[0].IdentityHash)
	assert.Equal(t, identity.Hash(token), fs.events[0].IdentityHash)
}

func TestMiddlewareDegradedHeader(t *testing.T) {
	fs := newFakeStore()
	fs.fail = true
	clock := newFakeClock()
	h := newTestHandler(fs, clock)

	rr := doRequest(h, "alice@example.com")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "true", rr.Header().Get("X-Admission-Degraded"))
}

func TestMiddlewareInvalidIdentity(t *testing.T) {
	fs := newFakeStore()
	clock := newFakeClock()
	h := newTestHandler(fs, clock)

	rr := doRequest(h, "   ")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, 0, fs.eventCount(), "rejected requests never reach the store")
}

func TestMiddlewareFailedDownstreamErrorClass(t *testing.T) {
	fs := newFakeStore()
	clock := newFakeClock()
	pool := store.NewPool(fs)
	broker := NewAdmitBroker(pool, WithClock(clock))
	audit := NewAuditLogger(pool, WithAuditClock(clock))

	mw := HTTPMiddleware(broker, audit, headerInfoGetter)
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))

	rr := doRequest(h, "bob@example.com")
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	require.Equal(t, 1, fs.eventCount())
	assert.False(t, fs.events[0].Success)
	assert.Equal(t, "http_502", fs.events[0].ErrorClass)
}
