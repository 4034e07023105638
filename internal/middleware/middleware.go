// Package middleware holds the Gin middleware shared by every route.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/maplearner/internal/logging"
	"github.com/example/maplearner/internal/observability"
)

// RequestIDHeader carries the request identifier in both directions.
const RequestIDHeader = "X-Request-ID"

const requestIDKey = "request_id"

// RequestID tags each request with an identifier. A caller supplied id is
// kept when it is short enough to log safely.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" || len(requestID) > 64 {
			requestID = uuid.NewString()
		}
		c.Set(requestIDKey, requestID)
		c.Request = c.Request.WithContext(logging.ContextWithRequestID(c.Request.Context(), requestID))
		c.Header(RequestIDHeader, requestID)
		c.Next()
	}
}

// GetRequestID returns the id assigned by RequestID, or "" outside it.
func GetRequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// AccessLog writes one structured line per request and records HTTP metrics.
func AccessLog(logger *zap.Logger) gin.HandlerFunc {
	observability.RegisterMetrics()
	logger = logger.Named("http")

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		observability.HTTPRequests().WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		observability.HTTPLatency().WithLabelValues(c.Request.Method, route).Observe(duration.Seconds())

		fields := []zap.Field{
			zap.String("request_id", GetRequestID(c)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", duration),
			zap.Int("size_bytes", c.Writer.Size()),
		}
		switch {
		case status >= 500:
			logger.Error("http server error", fields...)
		case status >= 400:
			logger.Warn("http client error", fields...)
		default:
			logger.Info("http request", fields...)
		}
	}
}

// CORS allows the configured browser origins to call the API. With no
// origins configured cross-origin requests get no CORS headers at all.
func CORS(origins []string) gin.HandlerFunc {
	if len(origins) == 0 {
		return func(c *gin.Context) { c.Next() }
	}
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", RequestIDHeader},
		ExposeHeaders:    []string{RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}
