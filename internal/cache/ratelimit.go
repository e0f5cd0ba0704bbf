package cache

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/codesense/codesense/internal/logging"
	"github.com/codesense/codesense/internal/metrics"
)

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed    bool
	Current    int64
	Limit      int
	ResetAfter time.Duration
}

// RateLimiter is a fixed-window counter per identifier.
type RateLimiter struct {
	client redis.Cmdable
	scope  string
	log    *logging.Logger
}

// NewRateLimiter returns a limiter; scope only labels metrics.
func NewRateLimiter(client redis.Cmdable, scope string, log *logging.Logger) *RateLimiter {
	if log == nil {
		log = logging.New("codesense")
	}
	return &RateLimiter{client: client, scope: scope, log: log}
}

func RateLimitKey(identifier string) string { return "ratelimit:" + identifier }

// Allow counts one hit. The window starts at the first hit and the key
// expires with it; a counter found without a TTL gets one, so a lost
// EXPIRE cannot lock an identifier out. If the cache is unreachable the
// request is allowed.
func (l *RateLimiter) Allow(ctx context.Context, identifier string, limit int, window time.Duration) Decision {
	key := RateLimitKey(identifier)
	d := Decision{Limit: limit, ResetAfter: window}

	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		ttl = pipe.TTL(ctx, key)
		return nil
	})
	current := incr.Val()
	if err == nil && ttl.Val() < 0 {
		err = l.client.Expire(ctx, key, window).Err()
	}
	if err != nil {
		l.log.WithContext(ctx).
			WithField("identifier", identifier).
			WithError(err).
			Warn("rate limit check failed, allowing request")
		metrics.RecordRateLimit(l.scope, "fail_open")
		d.Allowed = true
		return d
	}

	d.Current = current
	d.Allowed = current <= int64(limit)
	if d.Allowed {
		metrics.RecordRateLimit(l.scope, "allowed")
	} else {
		metrics.RecordRateLimit(l.scope, "denied")
	}
	return d
}

// KeyFunc derives the limiter identifier from a request. Returning false
// skips limiting for that request.
type KeyFunc func(r *http.Request) (string, bool)

// RateLimit rejects requests over limit per window with 429.
func RateLimit(l *RateLimiter, key KeyFunc, limit int, window time.Duration, message string) func(http.Handler) http.Handler {
	if message == "" {
		message = "Too many requests. Please try again later."
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := key(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			d := l.Allow(r.Context(), id, limit, window)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			if !d.Allowed {
				WriteLimited(w, d, message)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteLimited writes the 429 body used by every rate limited route.
func WriteLimited(w http.ResponseWriter, d Decision, message string) {
	secs := int(d.ResetAfter / time.Second)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":     message,
		"resetTime": secs,
	})
}
