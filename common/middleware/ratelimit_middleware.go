package middleware

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/waypointhq/waypoint/common/ratelimit"
)

// RateLimit throttles a route group per caller address so one noisy client
// cannot starve the rest. Scope separates counters between groups sharing a
// limiter backend. Fails open when the backend is unavailable.
func RateLimit(limiter ratelimit.Limiter, scope string, perMinute int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if perMinute <= 0 || limiter == nil {
				return next(c)
			}

			key := fmt.Sprintf("rate_limit:%s:%s", scope, c.RealIP())
			result, err := limiter.Check(c.Request().Context(), key, perMinute, 60)
			if err != nil {
				return next(c)
			}

			if !result.Allowed {
				c.Response().Header().Set("Retry-After", fmt.Sprintf("%d", result.RetryAfterSeconds))
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":   "rate_limit_exceeded",
					"message": "Too many requests. Please slow down.",
					"details": map[string]interface{}{
						"limit":               result.Limit,
						"window":              "60 seconds",
						"retry_after_seconds": result.RetryAfterSeconds,
					},
				})
			}

			return next(c)
		}
	}
}
