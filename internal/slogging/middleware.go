package slogging

import (
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
)

// LoggerMiddleware returns a Gin middleware that logs each request with its outcome
func LoggerMiddleware(base *Logger) gin.HandlerFunc {
	if base == nil {
		base = Get()
	}
	return func(c *gin.Context) {
		start := time.Now()
		logger := base.WithContext(c)
		c.Set("logger", logger)

		logger.DebugCtx("Request started",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.String("user_agent", c.GetHeader("User-Agent")),
		)

		c.Next()

		// the rate limiter resolves the user after this logger was created
		if userID, ok := c.Get("user_id"); ok {
			logger = &ContextLogger{
				logger:    logger.logger,
				slogger:   logger.slogger.With(slog.Any("resolved_user_id", userID)),
				ctx:       logger.ctx,
				requestID: logger.requestID,
			}
		}

		status := c.Writer.Status()
		attrs := []slog.Attr{
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status_code", status),
			slog.Duration("duration", time.Since(start)),
			slog.Int("response_size", c.Writer.Size()),
		}

		switch {
		case status >= http.StatusInternalServerError:
			logger.ErrorCtx("Request completed with server error", attrs...)
		case status == http.StatusTooManyRequests:
			logger.InfoCtx("Request throttled", attrs...)
		case status >= http.StatusBadRequest:
			logger.WarnCtx("Request completed with client error", attrs...)
		default:
			logger.InfoCtx("Request completed successfully", attrs...)
		}
	}
}

// Recoverer turns handler panics into 500 responses and logs the stack
func Recoverer() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)

				GetContextLogger(c).ErrorCtx("Panic recovered",
					slog.Any("panic_value", err),
					slog.String("stack_trace", string(buf[:n])),
					slog.String("method", c.Request.Method),
					slog.String("path", c.Request.URL.Path),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"detail": "Internal server error"})
			}
		}()
		c.Next()
	}
}
