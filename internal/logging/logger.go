package logging

import (
	"context"

	"go.uber.org/zap"
)

// NewLogger builds a production ready structured logger. Debug mode switches
// to the human readable development encoder.
func NewLogger(debug bool) (*zap.Logger, error) {
	if debug {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	return cfg.Build()
}

// WithOperation enriches the logger with operation and request identifiers.
func WithOperation(logger *zap.Logger, operation, requestID string) *zap.Logger {
	fields := []zap.Field{zap.String("operation", operation)}
	if requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}
	return logger.With(fields...)
}

// FromContext is WithOperation for code that only has the request context.
func FromContext(ctx context.Context, logger *zap.Logger, operation string) *zap.Logger {
	return WithOperation(logger, operation, RequestIDFromContext(ctx))
}
