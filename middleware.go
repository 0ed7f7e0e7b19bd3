package admitbroker

import (
	"fmt"
	"net/http"
	"time"

	"github.com/parkerroan/admitbroker/identity"
	"github.com/parkerroan/admitbroker/store"
)

// RequestInfo is what the middleware needs from a request: the derived
// identity token and the free-text classification fields carried into
// the audit log.
type RequestInfo struct {
	Identity string
	Category string
	Status   string
}

// InfoGetter extracts RequestInfo from a request. Returning an error
// (e.g. identity.ErrInvalidIdentity) rejects the request with 400
// before the store is touched.
type InfoGetter func(r *http.Request) (RequestInfo, error)

// HTTPMiddleware creates a middleware function for store-backed
// admission control. Compatible with both standard net/http and mux
// handlers. A nil audit logger disables event recording; otherwise
// every request, admitted or not, results in exactly one event attempt.
func HTTPMiddleware(ab *AdmitBroker, audit *AuditLogger, getInfo InfoGetter) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info, err := getInfo(r)
			if err != nil {
				http.Error(w, "invalid request identity", http.StatusBadRequest)
				return
			}

			ctx := r.Context()
			decision := ab.Check(ctx, info.Identity)

			if decision.Outcome == Deny {
				// Headers describe the window that denied, which may be
				// the daily one.
				w.Header().Add("RateLimit-Limit", fmt.Sprintf("%v", decision.DeniedLimit))
				w.Header().Add("RateLimit-Remaining", "0")
				w.Header().Add("RateLimit-Reset", fmt.Sprintf("%v", int(decision.RetryAfter.Seconds())))
				w.Header().Add("RateLimit-Policy", fmt.Sprintf("%v;w=%d", decision.DeniedLimit, int(decision.DeniedWindow.Seconds())))
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(decision.Reason))

				if audit != nil {
					audit.Record(ctx, store.AuditEvent{
						IdentityHash: identity.Hash(info.Identity),
						Category:     info.Category,
						Status:       info.Status,
						Success:      false,
						ErrorClass:   "rate_limited",
					})
				}
				return
			}

			if decision.Outcome == DegradedAdmit {
				w.Header().Add("X-Admission-Degraded", "true")
			}

			recorder := &statusRecorder{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			start := time.Now()
			next.ServeHTTP(recorder, r)

			if audit != nil {
				ev := store.AuditEvent{
					IdentityHash: identity.Hash(info.Identity),
					Category:     info.Category,
					Status:       info.Status,
					Success:      recorder.statusCode < http.StatusInternalServerError,
					LatencyMS:    time.Since(start).Milliseconds(),
				}
				if !ev.Success {
					ev.ErrorClass = fmt.Sprintf("http_%d", recorder.statusCode)
				}
				audit.Record(ctx, ev)
			}
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code and writes it to the response.
func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}
