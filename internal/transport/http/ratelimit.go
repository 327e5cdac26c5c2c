package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const sweepThreshold = 1024

// OfferRateLimiter is a sliding-window limit of offers per client address.
type OfferRateLimiter struct {
	mu       sync.Mutex
	history  map[string][]time.Time
	limit    int
	interval time.Duration
}

func NewOfferRateLimiter(limit int, interval time.Duration) *OfferRateLimiter {
	return &OfferRateLimiter{
		history:  make(map[string][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *OfferRateLimiter) Allow(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.interval)

	if len(rl.history) >= sweepThreshold {
		rl.sweep(windowStart)
	}

	attempts := rl.history[client]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[client] = fresh
		return false
	}
	rl.history[client] = append(fresh, now)
	return true
}

// sweep forgets clients without attempts in the current window.
func (rl *OfferRateLimiter) sweep(windowStart time.Time) {
	for client, attempts := range rl.history {
		if len(attempts) == 0 || !attempts[len(attempts)-1].After(windowStart) {
			delete(rl.history, client)
		}
	}
}

// Middleware rejects requests over the limit with 429.
func (rl *OfferRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		client := c.ClientIP()
		if !rl.Allow(client) {
			log.Warn().Str("module", "transport.http").Str("client", client).Msg("offer rate limited")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{Error: "too many offers"})
			return
		}
		c.Next()
	}
}
