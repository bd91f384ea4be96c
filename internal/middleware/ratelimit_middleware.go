package middleware

import (
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/vaultsync/vaultsync/internal/config"
	"github.com/vaultsync/vaultsync/internal/identity"
	"github.com/vaultsync/vaultsync/internal/ratelimit"
)

// SetRateLimitHeaders writes the rate-limit response headers the client
// needs on allowed and blocked responses alike.
func SetRateLimitHeaders(w http.ResponseWriter, res ratelimit.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	if !res.Allowed {
		retryAfter := int(res.RetryAfter.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
}

type RateLimitMiddleware struct {
	store  ratelimit.Store
	logger *logrus.Logger
}

func NewRateLimitMiddleware(store ratelimit.Store, logger *logrus.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		store:  store,
		logger: logger,
	}
}

// Limit consumes one point per request for the given operation, keyed by the
// authenticated user when present and the client address otherwise. A
// limiter backend outage fails open with a logged warning: losing rate
// limiting degrades abuse protection, losing the whole API is worse.
func (m *RateLimitMiddleware) Limit(op ratelimit.LimitType, cfg config.LimitConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := identity.FromRequest(r, UserIDFromContext(r.Context()))

			res, err := m.store.Consume(r.Context(), op, cfg, key)
			if err != nil {
				m.logger.WithError(err).WithField("op", op).Warn("Rate limit backend error; failing open")
				next.ServeHTTP(w, r)
				return
			}

			SetRateLimitHeaders(w, res)

			if !res.Allowed {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":{"code":"RATE_LIMITED","message":"Too many requests"}}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
