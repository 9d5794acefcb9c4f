// Package ratelimit provides rate limiting middleware for the marketplace API.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/mbd888/agentbazaar/internal/logging"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the max requests per caller per minute
	RequestsPerMinute int
	// Redis shares counters across replicas. Nil keeps them in process.
	Redis *redis.Client
	// Prefix namespaces keys in a shared store.
	Prefix string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		Prefix:            "agentbazaar:ratelimit",
	}
}

// Limiter tracks request counts by caller.
type Limiter struct {
	instance *limiter.Limiter
}

// New creates a limiter backed by Redis when configured, memory otherwise.
func New(cfg Config) (*Limiter, error) {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultConfig().RequestsPerMinute
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultConfig().Prefix
	}
	rate := limiter.Rate{Period: time.Minute, Limit: int64(cfg.RequestsPerMinute)}

	var store limiter.Store
	if cfg.Redis != nil {
		s, err := sredis.NewStoreWithOptions(cfg.Redis, limiter.StoreOptions{Prefix: cfg.Prefix, MaxRetry: 3})
		if err != nil {
			return nil, fmt.Errorf("ratelimit: redis store: %w", err)
		}
		store = s
	} else {
		store = memory.NewStoreWithOptions(limiter.StoreOptions{Prefix: cfg.Prefix, CleanUpInterval: time.Minute})
	}
	return &Limiter{instance: limiter.New(store, rate)}, nil
}

// Allow consumes one request for key and reports whether it is within the
// limit.
func (l *Limiter) Allow(ctx context.Context, key string) (limiter.Context, error) {
	return l.instance.Get(ctx, key)
}

// Key identifies the caller: a fingerprint of its API key when one is
// sent, its IP otherwise. The limiter runs before authentication, so the
// key is not validated here.
func Key(c *gin.Context) string {
	raw := c.GetHeader("Authorization")
	if raw == "" {
		raw = c.GetHeader("X-API-Key")
	}
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw != "" {
		sum := sha256.Sum256([]byte(raw))
		return "key:" + hex.EncodeToString(sum[:8])
	}
	return "ip:" + c.ClientIP()
}

// Middleware returns a gin middleware that rejects callers over the limit
// with 429.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		lc, err := l.Allow(ctx, Key(c))
		if err != nil {
			// Fail open: an unavailable counter store must not block orders.
			logging.L(ctx).Warn("rate limiter unavailable", "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lc.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lc.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lc.Reset, 10))

		if lc.Reached {
			retryAfter := time.Until(time.Unix(lc.Reset, 0))
			if retryAfter < time.Second {
				retryAfter = time.Second
			}
			c.Header("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": int(retryAfter.Seconds()),
			})
			return
		}
		c.Next()
	}
}
