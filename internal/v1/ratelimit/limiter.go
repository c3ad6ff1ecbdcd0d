// Package ratelimit implements rate limiting backed by Redis or local memory.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/RoseWrightdev/roomcall/internal/v1/config"
	"github.com/RoseWrightdev/roomcall/internal/v1/logging"
	"github.com/RoseWrightdev/roomcall/internal/v1/metrics"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

const (
	scopeAPI       = "api"
	scopeWSConnect = "websocket_connect"
	scopeWSMessage = "websocket_message"
)

// RateLimiter holds the limiter instances of the signaling server.
type RateLimiter struct {
	api        *limiter.Limiter
	wsIP       *limiter.Limiter
	wsMessages *limiter.Limiter
	redis      bool
}

// NewRateLimiter parses the configured rates. Counters live in Redis when a
// client is given so limits hold across instances, in memory otherwise.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	apiRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPI)
	if err != nil {
		return nil, fmt.Errorf("invalid API rate: %w", err)
	}
	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}
	wsMessageRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsMessages)
	if err != nil {
		return nil, fmt.Errorf("invalid WS message rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{Prefix: "roomcall:limiter:"})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "Rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "Rate limiter using memory store (Redis disabled)")
	}

	return &RateLimiter{
		api:        limiter.New(store, apiRate),
		wsIP:       limiter.New(store, wsIPRate),
		wsMessages: limiter.New(store, wsMessageRate),
		redis:      redisClient != nil,
	}, nil
}

// Middleware limits HTTP API requests per client IP.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return mgin.NewMiddleware(rl.api,
		mgin.WithLimitReachedHandler(func(c *gin.Context) {
			metrics.RateLimitExceeded.WithLabelValues(scopeAPI).Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests"})
		}),
		mgin.WithErrorHandler(func(c *gin.Context, err error) {
			logging.Error(c.Request.Context(), "Rate limiter store failed", zap.Error(err))
			c.Next()
		}),
	)
}

// CheckWebSocket reports whether a connection attempt from the request's IP
// is allowed, writing a 429 when it is not. Store failures fail open.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()
	metrics.RateLimitRequests.WithLabelValues(scopeWSConnect).Inc()

	res, err := rl.wsIP.Get(ctx, c.ClientIP())
	if err != nil {
		logging.Error(ctx, "WS rate limiter store failed", zap.Error(err))
		return true
	}
	if res.Reached {
		metrics.RateLimitExceeded.WithLabelValues(scopeWSConnect).Inc()
		c.Header("X-RateLimit-Reset", strconv.FormatInt(res.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connections from this IP"})
		return false
	}
	return true
}

// AllowMessage reports whether one more inbound frame from the connection
// identified by key is allowed. Store failures fail open.
func (rl *RateLimiter) AllowMessage(ctx context.Context, key string) bool {
	metrics.RateLimitRequests.WithLabelValues(scopeWSMessage).Inc()

	res, err := rl.wsMessages.Get(ctx, key)
	if err != nil {
		logging.Error(ctx, "WS message rate limiter store failed", zap.Error(err))
		return true
	}
	if res.Reached {
		metrics.RateLimitExceeded.WithLabelValues(scopeWSMessage).Inc()
		return false
	}
	return true
}
