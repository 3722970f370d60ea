package middleware

import (
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/suPer8Hu/chat-platform/internal/auth"
	"github.com/suPer8Hu/chat-platform/internal/common"
	"github.com/suPer8Hu/chat-platform/internal/metrics"
	"go.uber.org/zap"
)

const (
	UserIDKey    = "user_id"
	TenantIDKey  = "tenant_id"
	RequestIDKey = "request_id"

	requestIDHeader = "X-Request-Id"
)

// Recovery turns a panic into a 500 envelope.
func Recovery(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered",
					zap.Any("panic", r),
					zap.String("path", c.Request.URL.Path),
					zap.String("request_id", c.GetString(RequestIDKey)),
					zap.ByteString("stack", debug.Stack()),
				)
				common.AbortFail(c, http.StatusInternalServerError, 50000, "internal error")
			}
		}()
		c.Next()
	}
}

func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Writer.Header().Set(requestIDHeader, id)
		c.Set(RequestIDKey, id)
		c.Next()
	}
}

// Logger writes one line per request; level follows the status code.
func Logger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("request_id", c.GetString(RequestIDKey)),
		}
		if uid := c.GetString(UserIDKey); uid != "" {
			fields = append(fields, zap.String("user_id", uid))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}

func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			// keep label cardinality bounded for unmatched paths
			route = "unmatched"
		}
		metrics.RequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.RequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

// AuthRequired validates the bearer token and stores the user and tenant ids in the context.
func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok, ok := auth.BearerToken(c.GetHeader("Authorization"))
		if !ok {
			common.AbortFail(c, http.StatusUnauthorized, 40100, "missing bearer token")
			return
		}
		claims, err := auth.ParseJWT(tok, secret)
		if err != nil {
			common.AbortFail(c, http.StatusUnauthorized, 40101, "invalid token")
			return
		}
		c.Set(UserIDKey, claims.Subject)
		c.Set(TenantIDKey, claims.TenantID)
		c.Next()
	}
}
