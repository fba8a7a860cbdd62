package server

import (
	"math"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/minipass/internal/observability/logger"
	"github.com/smallbiznis/minipass/internal/ratelimit"
	"go.uber.org/zap"
)

// RateLimit throttles a route per client IP. A nil limiter disables it.
func RateLimit(limiter ratelimit.Limiter, scope string, policy ratelimit.Policy) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		res, err := limiter.Allow(ctx, scope+":"+c.ClientIP(), policy)
		if err != nil {
			logger.FromContext(ctx).Warn("rate limit check failed", zap.String("scope", scope), zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !res.Allowed {
			retryAfter := int(math.Ceil(res.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			logger.FromContext(ctx).Warn("rate limit exceeded", zap.String("scope", scope))
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}
