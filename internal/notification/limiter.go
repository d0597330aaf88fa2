package notification

import (
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// AlertLimiter stores a token bucket per (event type, machine). Idle buckets expire
// from the cache, which is equivalent to a full bucket.
type AlertLimiter struct {
	limiters *cache.Cache
	r        rate.Limit
	b        int
}

// NewAlertLimiter allows perHour events per key per hour, one at a time.
func NewAlertLimiter(perHour int) *AlertLimiter {
	if perHour <= 0 {
		perHour = 1
	}
	return &AlertLimiter{
		limiters: cache.New(2*time.Hour, 10*time.Minute),
		r:        rate.Every(time.Hour / time.Duration(perHour)),
		b:        1,
	}
}

func limiterKey(eventType string, machineID int64) string {
	return fmt.Sprintf("%s:%d", eventType, machineID)
}

// GetLimiter returns the limiter for a key, creating it if needed.
func (l *AlertLimiter) GetLimiter(eventType string, machineID int64) *rate.Limiter {
	key := limiterKey(eventType, machineID)
	if v, found := l.limiters.Get(key); found {
		l.limiters.SetDefault(key, v)
		return v.(*rate.Limiter)
	}
	limiter := rate.NewLimiter(l.r, l.b)
	if err := l.limiters.Add(key, limiter, cache.DefaultExpiration); err != nil {
		// Lost the race to another caller; use theirs.
		if v, found := l.limiters.Get(key); found {
			return v.(*rate.Limiter)
		}
	}
	return limiter
}

// Allow reports whether an event may be sent at now.
func (l *AlertLimiter) Allow(eventType string, machineID int64, now time.Time) bool {
	return l.GetLimiter(eventType, machineID).AllowN(now, 1)
}
