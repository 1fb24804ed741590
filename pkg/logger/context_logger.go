package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey string

// Context keys read by ContextLogger.
const (
	TraceIDKey      ctxKey = "trace_id"
	UserIDKey       ctxKey = "user_id"
	RequestIDKey    ctxKey = "request_id"
	ConnectionIDKey ctxKey = "connection_id"
	RoomIDKey       ctxKey = "room_id"
)

var contextKeys = []ctxKey{TraceIDKey, UserIDKey, RequestIDKey, ConnectionIDKey, RoomIDKey}

// WithValue stores a string under one of the logger keys.
func WithValue(ctx context.Context, key ctxKey, value string) context.Context {
	return context.WithValue(ctx, key, value)
}

// ContextLogger provides context-aware logging
type ContextLogger struct {
	logger *zap.Logger
}

func NewContextLogger(logger *zap.Logger) *ContextLogger {
	return &ContextLogger{
		logger: logger,
	}
}

// WithContext adds the known context fields to the logger
func (cl *ContextLogger) WithContext(ctx context.Context) *zap.Logger {
	fields := []zapcore.Field{}
	for _, key := range contextKeys {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			fields = append(fields, zap.String(string(key), v))
		}
	}

	if len(fields) == 0 {
		return cl.logger
	}

	return cl.logger.With(fields...)
}

// Sugar returns a sugared logger carrying the context fields.
func (cl *ContextLogger) Sugar(ctx context.Context) *zap.SugaredLogger {
	return cl.WithContext(ctx).Sugar()
}

func (cl *ContextLogger) WithFields(fields ...zapcore.Field) *zap.Logger {
	return cl.logger.With(fields...)
}

// LogRequest logs an HTTP request with context
func (cl *ContextLogger) LogRequest(ctx context.Context, method, path string, statusCode int, duration int64) {
	cl.WithContext(ctx).Info("http_request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status_code", statusCode),
		zap.Int64("duration_ms", duration),
	)
}

// LogSignal logs one signaling request/response turn.
func (cl *ContextLogger) LogSignal(ctx context.Context, op string, ok bool, duration int64) {
	cl.WithContext(ctx).Debug("signal_request",
		zap.String("op", op),
		zap.Bool("ok", ok),
		zap.Int64("duration_ms", duration),
	)
}

func (cl *ContextLogger) LogError(ctx context.Context, err error, message string, fields ...zapcore.Field) {
	cl.WithContext(ctx).With(zap.Error(err)).Error(message, fields...)
}

func (cl *ContextLogger) LogInfo(ctx context.Context, message string, fields ...zapcore.Field) {
	cl.WithContext(ctx).Info(message, fields...)
}

func (cl *ContextLogger) LogWarn(ctx context.Context, message string, fields ...zapcore.Field) {
	cl.WithContext(ctx).Warn(message, fields...)
}
