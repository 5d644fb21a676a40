package api

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/jefftrojan/twigane/internal/apperrors"
)

// Counter counts hits on key within a fixed window that starts at the
// first hit.
type Counter interface {
	Hit(ctx context.Context, key string, window time.Duration) (int64, error)
}

type RedisCounter struct {
	Redis *redis.Client
}

// Hit increments key and starts its window in one MULTI/EXEC, so a crash
// between the two commands cannot leave a counter without a TTL.
func (r RedisCounter) Hit(ctx context.Context, key string, window time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := r.Redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		p.ExpireNX(ctx, key, window)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

type RateLimiter struct {
	Counter Counter
	Prefix  string
	Limit   int
	Window  time.Duration
}

func NewRateLimiter(c Counter, prefix string, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{Counter: c, Prefix: prefix, Limit: limit, Window: window}
}

// MiddlewareByKey limits requests per keyFunc(c). Counter errors let the
// request through.
func (r *RateLimiter) MiddlewareByKey(keyFunc func(c *fiber.Ctx) string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := fmt.Sprintf("%s:ratelimit:%s", r.Prefix, keyFunc(c))
		count, err := r.Counter.Hit(c.UserContext(), key, r.Window)
		if err != nil {
			return c.Next()
		}
		if count > int64(r.Limit) {
			return apperrors.ErrRateLimited
		}
		return c.Next()
	}
}
