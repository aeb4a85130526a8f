package middleware

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jellydator/ttlcache/v3"
	"github.com/moonpointer/xschat/apperr"
	"golang.org/x/time/rate"
)

const limiterIdle = 10 * time.Minute

// RateLimit provides token-bucket rate limiting keyed by the authenticated
// user when Auth ran first, else by client IP. r = requests per second,
// b = burst size. Idle buckets expire after ten minutes.
func RateLimit(r rate.Limit, b int) gin.HandlerFunc {
	limiters := ttlcache.New(
		ttlcache.WithTTL[string, *rate.Limiter](limiterIdle),
	)
	go limiters.Start()

	var mu sync.Mutex
	getLimiter := func(key string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		if item := limiters.Get(key); item != nil {
			return item.Value()
		}
		l := rate.NewLimiter(r, b)
		limiters.Set(key, l, ttlcache.DefaultTTL)
		return l
	}

	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if uid := GetUserID(c); uid != 0 {
			key = "user:" + strconv.FormatInt(uid, 10)
		}
		if !getLimiter(key).Allow() {
			c.Header("Retry-After", "1")
			apperr.Write(c, nil, apperr.TooManyRequests("rate limit exceeded"))
			return
		}
		c.Next()
	}
}
