/*
Package admitbroker provides admission control and usage accounting in
front of a costly, quota-limited downstream operation. Each identity
gets two fixed-window counters (hourly and daily) kept in a shared
persistent store; the limit check and the increment happen in a single
atomic store operation, so many processes can share one store without
any in-process coordination.

Example:

	import (
		"github.com/parkerroan/admitbroker"
		"github.com/parkerroan/admitbroker/store"
	)

	s, _ := store.OpenSQL("sqlite", "user_data.db")
	pool := store.NewPool(s)
	broker := admitbroker.NewAdmitBroker(pool,
		admitbroker.WithHourlyLimit(10),
		admitbroker.WithDailyLimit(50),
	)

	decision := broker.Check(ctx, token)
	if !decision.Allowed() {
		// decision.Reason is end-user displayable
	}

When the store cannot be consulted the broker fails open: the request is
allowed, but as a distinct DegradedAdmit outcome so callers and tests
can tell "admitted" from "admitted because we couldn't check".

Fixed windows reset entirely at the window boundary, so up to twice the
limit can cross a boundary (a burst at the end of one window plus a
burst at the start of the next). That is a known property of the
algorithm, not a defect.

The repo provides 2 store backends behind one interface:
  - SQL (sqlite or postgres) in store.SQLStore
  - Redis in store.RedisStore
*/
package admitbroker
