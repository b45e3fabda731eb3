// Package ratelimit blunts connect storms before they reach the session
// collision resolver: one limit per source IP, one per display name.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"github.com/wrightline/meshsignal/internal/v1/logging"
	"github.com/wrightline/meshsignal/internal/v1/metrics"
	"go.uber.org/zap"
)

// RateLimiter guards WebSocket connection attempts.
type RateLimiter struct {
	wsIP        *limiter.Limiter
	wsUser      *limiter.Limiter
	redisClient *redis.Client
}

// NewRateLimiter builds a RateLimiter. When redisClient is nil, limits are
// tracked in an in-process memory store (fine for a single pod or tests).
func NewRateLimiter(ipRate, userRate string, redisClient *redis.Client) (*RateLimiter, error) {
	ipRateSpec, err := limiter.NewRateFromFormatted(ipRate)
	if err != nil {
		return nil, fmt.Errorf("invalid ws ip rate: %w", err)
	}
	userRateSpec, err := limiter.NewRateFromFormatted(userRate)
	if err != nil {
		return nil, fmt.Errorf("invalid ws user rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: "meshsignal:limiter:"})
		if err != nil {
			return nil, fmt.Errorf("create redis limiter store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using in-memory store")
	}

	return &RateLimiter{
		wsIP:        limiter.New(store, ipRateSpec),
		wsUser:      limiter.New(store, userRateSpec),
		redisClient: redisClient,
	}, nil
}

// CheckIP returns false (and has written the 429 response) if addr has
// exceeded the connect-attempt rate.
func (rl *RateLimiter) CheckIP(c *gin.Context, addr string) bool {
	ctx := c.Request.Context()
	lc, err := rl.wsIP.Get(ctx, addr)
	if err != nil {
		logging.Error(ctx, "ws rate limiter store failed (ip)", zap.Error(err))
		return true
	}
	if lc.Reached {
		metrics.RateLimitExceededTotal.WithLabelValues("ip").Inc()
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts from this address"})
		return false
	}
	return true
}

// CheckUser returns an error if displayName has exceeded the connect-attempt
// rate, independent of source IP. A nil receiver (tests that construct a Hub
// without a rate limiter) always allows the attempt through.
func (rl *RateLimiter) CheckUser(ctx context.Context, displayName string) error {
	if rl == nil {
		return nil
	}
	lc, err := rl.wsUser.Get(ctx, displayName)
	if err != nil {
		logging.Error(ctx, "ws rate limiter store failed (user)", zap.Error(err))
		return nil
	}
	if lc.Reached {
		metrics.RateLimitExceededTotal.WithLabelValues("user").Inc()
		return fmt.Errorf("rate limit exceeded for %q", displayName)
	}
	return nil
}
