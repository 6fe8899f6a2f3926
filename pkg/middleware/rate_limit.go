package middleware

import (
	"math"
	"strconv"

	"github.com/NeuralTrust/RateGate/pkg/domain"
	"github.com/NeuralTrust/RateGate/pkg/limiter"
	"github.com/NeuralTrust/RateGate/pkg/types"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// rateLimitMiddleware translates the engine's decision into protocol-level
// signals: X-RateLimit-* headers, 429 with Retry-After on denial, 503 when
// the storage is down and the limiter is configured fail-closed.
type rateLimitMiddleware struct {
	logger  *logrus.Logger
	limiter *limiter.Limiter
}

func NewRateLimitMiddleware(logger *logrus.Logger, l *limiter.Limiter) Middleware {
	return &rateLimitMiddleware{
		logger:  logger,
		limiter: l,
	}
}

func (m *rateLimitMiddleware) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		req := &limiter.Request{
			RemoteAddr: c.Context().RemoteAddr().String(),
			Headers:    c.GetReqHeaders(),
		}

		result, err := m.limiter.Allow(c.Context(), req)
		setRateLimitHeaders(c, result)

		if err != nil {
			switch {
			case domain.IsStorageUnavailable(err):
				if result.Allowed {
					m.logger.WithError(err).Warn("rate limit storage unavailable, failing open")
					return c.Next()
				}
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
					"error": "rate limit storage unavailable",
				})
			default:
				m.logger.WithError(err).Error("rate limit check failed")
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "could not identify request",
				})
			}
		}

		if !result.Allowed {
			seconds := retryAfterSeconds(result)
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(seconds))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "rate limit exceeded",
				"retry_after": seconds,
			})
		}

		return c.Next()
	}
}

func setRateLimitHeaders(c *fiber.Ctx, result types.RateLimitResult) {
	c.Set("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
	c.Set("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
	if !result.ResetAt.IsZero() {
		c.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
	}
}

func retryAfterSeconds(result types.RateLimitResult) int {
	seconds := int(math.Ceil(result.RetryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}
