package server

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/craftlabs/craft/internal/ratelimit"
)

const (
	headerAdminKey   = "X-Admin-Key"
	headerCronSecret = "X-Cron-Secret"
)

func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http")
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(started)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("error", c.Errors.Last().Error()))
		}

		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			log.Error("request", fields...)
		case c.Writer.Status() >= http.StatusBadRequest:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}

// secretEqual is constant-time so header checks leak nothing about the
// configured secret.
func secretEqual(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// AdminAuth guards queue inspection and manual grants with a static API key.
func (s *Server) AdminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !secretEqual(strings.TrimSpace(c.GetHeader(headerAdminKey)), s.cfg.AdminAPIKey) {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

// CronAuth accepts the shared cron secret as a bearer token, a header, or a
// query parameter, the shapes hosted cron services can send.
func (s *Server) CronAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := strings.TrimSpace(c.GetHeader(headerCronSecret))
		if secret == "" {
			auth := strings.TrimSpace(c.GetHeader("Authorization"))
			secret = strings.TrimPrefix(auth, "Bearer ")
		}
		if secret == "" {
			secret = strings.TrimSpace(c.Query("secret"))
		}
		if !secretEqual(secret, s.cfg.CronSecret) {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

// RateLimit applies a sliding window keyed by identify(c). Redis failures
// admit the request; limiting is protection, not correctness.
func (s *Server) RateLimit(window *ratelimit.SlidingWindow, identify func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.cfg.RateLimitEnabled || window == nil {
			c.Next()
			return
		}

		result, err := window.Allow(c.Request.Context(), identify(c))
		if err != nil {
			s.log.Warn("rate limit check failed",
				zap.String("limiter", window.Name),
				zap.Error(err),
			)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		if !result.Allowed {
			c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			if result.RetryAfter > 0 {
				c.Header("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds()+1)))
			}
			s.metrics.RecordRateLimitDenied(window.Name)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{Error: errorPayload{
				Type:    "rate_limited",
				Message: "too many requests",
			}})
			return
		}
		c.Next()
	}
}
