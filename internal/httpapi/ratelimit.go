/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package httpapi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/scribeworks/codex/internal/apperr"
)

// RateLimiter counts requests per caller in fixed windows.
type RateLimiter interface {
	// Allow reports whether the caller identified by key may proceed.
	Allow(ctx context.Context, key string) (bool, error)
}

// RedisRateLimiter implements fixed-window limiting with a Redis
// counter per caller and window.
type RedisRateLimiter struct {
	client *redis.Client
	window time.Duration
	limit  int
}

// NewRedisRateLimiter creates a limiter over an existing client.
func NewRedisRateLimiter(client *redis.Client, window time.Duration, limit int) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, window: window, limit: limit}
}

// Allow increments the caller's counter for the current window.
func (l *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	bucket := time.Now().UnixMilli() / l.window.Milliseconds()
	redisKey := fmt.Sprintf("ratelimit:%s:%d", key, bucket)

	pipe := l.client.TxPipeline()
	count := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("httpapi: rate limit counter: %w", err)
	}
	return count.Val() <= int64(l.limit), nil
}

// MemoryRateLimiter is the in-process fallback used when no Redis is
// configured.
type MemoryRateLimiter struct {
	window time.Duration
	limit  int

	mu     sync.Mutex
	bucket int64
	counts map[string]int
}

// NewMemoryRateLimiter creates an in-process fixed-window limiter.
func NewMemoryRateLimiter(window time.Duration, limit int) *MemoryRateLimiter {
	return &MemoryRateLimiter{window: window, limit: limit, counts: make(map[string]int)}
}

// Allow increments the caller's counter for the current window.
func (l *MemoryRateLimiter) Allow(_ context.Context, key string) (bool, error) {
	bucket := time.Now().UnixMilli() / l.window.Milliseconds()
	l.mu.Lock()
	defer l.mu.Unlock()
	if bucket != l.bucket {
		l.bucket = bucket
		l.counts = make(map[string]int)
	}
	l.counts[key]++
	return l.counts[key] <= l.limit, nil
}

// rateLimitMiddleware rejects callers over their window budget.
// Limiter failures fail open: an unreachable Redis must not take the
// API down with it.
func rateLimitMiddleware(limiter RateLimiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			allowed, err := limiter.Allow(c.Request().Context(), c.RealIP())
			if err != nil {
				return next(c)
			}
			if !allowed {
				return respondError(c, apperr.New(apperr.KindRateLimitExceeded, "rate limit exceeded"))
			}
			return next(c)
		}
	}
}
