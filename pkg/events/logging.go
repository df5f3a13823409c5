package events

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wehubfusion/Hydra/pkg/splitjoin"
)

// LoggingHandler writes every event to a zap logger.
// Failed invocations are logged at Error, everything else at the configured level.
type LoggingHandler struct {
	logger *zap.Logger
	level  zapcore.Level
}

// NewLoggingHandler creates a handler logging at Info
func NewLoggingHandler(logger *zap.Logger) *LoggingHandler {
	return NewLoggingHandlerAt(logger, zapcore.InfoLevel)
}

// NewLoggingHandlerAt creates a handler logging at level
func NewLoggingHandlerAt(logger *zap.Logger, level zapcore.Level) *LoggingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingHandler{logger: logger.Named("events"), level: level}
}

// HandleEvent implements splitjoin.EventHandler
func (h *LoggingHandler) HandleEvent(ctx context.Context, event splitjoin.Event) error {
	level := h.level
	if event.Type == splitjoin.EventInvocationFailed {
		level = zapcore.ErrorLevel
	}

	ce := h.logger.Check(level, "Split-join event")
	if ce == nil {
		return nil
	}

	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.Time("timestamp", event.Timestamp),
	}
	if event.InvocationID != "" {
		fields = append(fields, zap.String("invocation_id", event.InvocationID))
	}
	if event.MessageID != "" {
		fields = append(fields, zap.String("message_id", event.MessageID))
	}
	if len(event.Data) > 0 {
		fields = append(fields, zap.Any("data", event.Data))
	}
	ce.Write(fields...)
	return nil
}

var _ splitjoin.EventHandler = (*LoggingHandler)(nil)
