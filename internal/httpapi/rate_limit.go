package httpapi

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"loyalty-session/internal/observability"
)

// LoginRateLimiter throttles the local login route per client IP. It sits in
// front of the controller's lockout and never touches the lockout record.
type LoginRateLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	limiters  map[string]*rate.Limiter
	maxMemory int
	now       func() time.Time
}

func NewLoginRateLimiter(maxHits int, window time.Duration) *LoginRateLimiter {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}

	return &LoginRateLimiter{
		limit:     rate.Every(window / time.Duration(maxHits)),
		burst:     maxHits,
		limiters:  make(map[string]*rate.Limiter),
		maxMemory: 5000,
		now:       time.Now,
	}
}

func (l *LoginRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter := l.allow(observability.ClientIP(r), l.now())
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "too many login attempts")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (l *LoginRateLimiter) allow(ip string, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[ip]
	if !ok {
		l.evictIdle(now)
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[ip] = limiter
	}

	reservation := limiter.ReserveN(now, 1)
	delay := reservation.DelayFrom(now)
	if delay == 0 {
		return true, 0
	}
	reservation.CancelAt(now)
	if delay < time.Second {
		delay = time.Second
	}
	return false, delay
}

// evictIdle drops limiters that have refilled completely once the map grows
// past maxMemory.
func (l *LoginRateLimiter) evictIdle(now time.Time) {
	if len(l.limiters) < l.maxMemory {
		return
	}
	for key, limiter := range l.limiters {
		if limiter.TokensAt(now) >= float64(l.burst) {
			delete(l.limiters, key)
		}
	}
}
