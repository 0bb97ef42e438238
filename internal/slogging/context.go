package slogging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// GinContextLike defines a minimal interface for contexts that can be used with the logger
type GinContextLike interface {
	Get(key any) (any, bool)
	GetHeader(key string) string
	ClientIP() string
}

// ContextLogger adds request identity to every record
type ContextLogger struct {
	logger    *Logger
	slogger   *slog.Logger
	ctx       context.Context
	requestID string
}

var _ SimpleLogger = (*ContextLogger)(nil)

// WithContext returns a logger carrying the request id, client ip and resolved user id
func (l *Logger) WithContext(c GinContextLike) *ContextLogger {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
		if setter, ok := c.(interface{ Header(string, string) }); ok {
			setter.Header("X-Request-ID", requestID)
		}
	}

	userID := ""
	if v, ok := c.Get("user_id"); ok && v != nil {
		userID = fmt.Sprintf("%v", v)
	}

	ctx := context.Background()
	if gc, ok := c.(*gin.Context); ok && gc.Request != nil {
		ctx = gc.Request.Context()
	}

	return &ContextLogger{
		logger: l,
		slogger: l.slogger.With(
			slog.String("request_id", requestID),
			slog.String("client_ip", c.ClientIP()),
			slog.String("user_id", userID),
		),
		ctx:       ctx,
		requestID: requestID,
	}
}

// GetContextLogger returns the request logger stored by LoggerMiddleware, or a fresh one
func GetContextLogger(c *gin.Context) *ContextLogger {
	if v, ok := c.Get("logger"); ok {
		if logger, ok := v.(*ContextLogger); ok {
			return logger
		}
	}
	return Get().WithContext(c)
}

// RequestID returns the request id attached to this logger
func (cl *ContextLogger) RequestID() string {
	return cl.requestID
}

func (cl *ContextLogger) logf(level LogLevel, format string, args []any) {
	if cl.logger.level > level {
		return
	}
	message := format
	if len(args) > 0 {
		message = fmt.Sprintf(format, args...)
	}
	cl.slogger.Log(cl.ctx, level.toSlogLevel(), SanitizeLogMessage(message))
}

// Debug logs a debug-level message with request context
func (cl *ContextLogger) Debug(format string, args ...any) { cl.logf(LogLevelDebug, format, args) }

// Info logs an info-level message with request context
func (cl *ContextLogger) Info(format string, args ...any) { cl.logf(LogLevelInfo, format, args) }

// Warn logs a warning-level message with request context
func (cl *ContextLogger) Warn(format string, args ...any) { cl.logf(LogLevelWarn, format, args) }

// Error logs an error-level message with request context
func (cl *ContextLogger) Error(format string, args ...any) { cl.logf(LogLevelError, format, args) }

// DebugCtx logs a debug message with additional structured attributes
func (cl *ContextLogger) DebugCtx(msg string, attrs ...slog.Attr) {
	cl.slogger.LogAttrs(cl.ctx, slog.LevelDebug, SanitizeLogMessage(msg), attrs...)
}

// InfoCtx logs an info message with additional structured attributes
func (cl *ContextLogger) InfoCtx(msg string, attrs ...slog.Attr) {
	cl.slogger.LogAttrs(cl.ctx, slog.LevelInfo, SanitizeLogMessage(msg), attrs...)
}

// WarnCtx logs a warning message with additional structured attributes
func (cl *ContextLogger) WarnCtx(msg string, attrs ...slog.Attr) {
	cl.slogger.LogAttrs(cl.ctx, slog.LevelWarn, SanitizeLogMessage(msg), attrs...)
}

// ErrorCtx logs an error message with additional structured attributes
func (cl *ContextLogger) ErrorCtx(msg string, attrs ...slog.Attr) {
	cl.slogger.LogAttrs(cl.ctx, slog.LevelError, SanitizeLogMessage(msg), attrs...)
}
