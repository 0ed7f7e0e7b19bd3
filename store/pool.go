package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	// DefaultPoolSize caps concurrent in-flight store operations.
	DefaultPoolSize = 20

	// DefaultAcquireTimeout bounds the wait for a free handle.
	DefaultAcquireTimeout = 2 * time.Second
)

// Pool arbitrates concurrent access to a Store with a bounded number of
// in-flight handles. A handle is never shared between two operations;
// every Acquire must be paired with exactly one Release.
//
// Constructing a pool never touches the store, so startup succeeds even
// when the store is down and callers degrade per their own policy.
type Pool struct {
	store          Store
	sem            *semaphore.Weighted
	acquireTimeout time.Duration
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolSize sets the maximum number of concurrently held handles.
// Values below 1 are clamped to 1.
func WithPoolSize(n int) PoolOption {
	return func(p *Pool) {
		if n < 1 {
			n = 1
		}
		p.sem = semaphore.NewWeighted(int64(n))
	}
}

// WithAcquireTimeout sets how long Acquire waits for a free handle
// before failing with ErrPoolExhausted.
func WithAcquireTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		p.acquireTimeout = d
	}
}

// NewPool creates a bounded pool over the given store.
func NewPool(s Store, opts ...PoolOption) *Pool {
	p := &Pool{
		store:          s,
		sem:            semaphore.NewWeighted(int64(DefaultPoolSize)),
		acquireTimeout: DefaultAcquireTimeout,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Handle is a leased reference to the pooled store. Release returns it;
// releasing twice is a no-op.
type Handle struct {
	Store

	pool *Pool
	once sync.Once
}

// Release returns the handle to the pool.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.pool.sem.Release(1)
	})
}

// Acquire leases a handle, waiting up to the acquire timeout when the
// pool is exhausted.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()

	if err := p.sem.Acquire(acquireCtx, 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrPoolExhausted
		}
		return nil, err
	}

	return &Handle{Store: p.store, pool: p}, nil
}

// With runs fn against an acquired handle and guarantees release on all
// exit paths, including a panic inside fn.
func (p *Pool) With(ctx context.Context, fn func(Store) error) error {
	h, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer h.Release()

	return fn(h)
}

// Close closes the underlying store.
func (p *Pool) Close() error {
	return p.store.Close()
}
