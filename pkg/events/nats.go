package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	internalnats "github.com/wehubfusion/Hydra/internal/nats"
	"github.com/wehubfusion/Hydra/pkg/concurrency"
	"github.com/wehubfusion/Hydra/pkg/splitjoin"
)

// Headers set on every published event
const (
	HeaderEventType    = "Hydra-Event-Type"
	HeaderInvocationID = "Hydra-Invocation-Id"
)

// Publisher is the part of *nats.Conn the handler needs
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
}

// NATSConfig holds configuration for the NATS event handler
type NATSConfig struct {
	SubjectPrefix string        // Events go to <prefix>.<event type> (default: "hydra.events")
	MaxRetries    int           // Maximum number of retry attempts (default: 3)
	RetryDelay    time.Duration // Delay between retries (default: 100ms)
}

// DefaultNATSConfig returns a default configuration
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		SubjectPrefix: "hydra.events",
		MaxRetries:    3,
		RetryDelay:    100 * time.Millisecond,
	}
}

// NATSHandler publishes engine events as JSON to NATS
type NATSHandler struct {
	publisher Publisher
	config    NATSConfig
	logger    *zap.Logger
	conn      *nats.Conn
	breaker   *concurrency.CircuitBreaker
}

// NewNATSHandler creates a handler publishing through publisher
func NewNATSHandler(publisher Publisher, config NATSConfig, logger *zap.Logger) *NATSHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = DefaultNATSConfig().SubjectPrefix
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	return &NATSHandler{
		publisher: publisher,
		config:    config,
		logger:    logger.Named("events.nats"),
	}
}

// ConnectNATS dials NATS and returns a handler owning the connection.
// Close drains it.
func ConnectNATS(ctx context.Context, conn *internalnats.ConnectionConfig, config NATSConfig, logger *zap.Logger) (*NATSHandler, error) {
	nc, err := internalnats.Connect(ctx, conn, logger)
	if err != nil {
		return nil, err
	}
	h := NewNATSHandler(nc, config, logger)
	h.conn = nc
	return h, nil
}

// WithCircuitBreaker skips publishing while cb is open.
// Every publish outcome, retries included, counts as one call.
func (h *NATSHandler) WithCircuitBreaker(cb *concurrency.CircuitBreaker) *NATSHandler {
	h.breaker = cb
	return h
}

// Subject returns the subject an event type is published on
func (h *NATSHandler) Subject(eventType splitjoin.EventType) string {
	return strings.TrimSuffix(h.config.SubjectPrefix, ".") + "." + string(eventType)
}

// HandleEvent implements splitjoin.EventHandler
func (h *NATSHandler) HandleEvent(ctx context.Context, event splitjoin.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	msg := nats.NewMsg(h.Subject(event.Type))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, event.ID)
	msg.Header.Set(HeaderEventType, string(event.Type))
	if event.InvocationID != "" {
		msg.Header.Set(HeaderInvocationID, event.InvocationID)
	}

	if h.breaker == nil {
		return h.publishWithRetry(ctx, msg)
	}
	if err := h.breaker.Allow(); err != nil {
		return fmt.Errorf("event %s not published: %w", event.Type, err)
	}
	err = h.publishWithRetry(ctx, msg)
	h.breaker.Record(err)
	return err
}

func (h *NATSHandler) publishWithRetry(ctx context.Context, msg *nats.Msg) error {
	var lastErr error

	for attempt := 0; attempt <= h.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("publish cancelled during retry: %w", ctx.Err())
			case <-time.After(h.config.RetryDelay):
			}
		}

		err := h.publisher.PublishMsg(msg)
		if err == nil {
			return nil
		}

		lastErr = err
		h.logger.Warn("Publish attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", h.config.MaxRetries+1),
			zap.String("subject", msg.Subject),
			zap.Error(err),
		)
	}

	return fmt.Errorf("publish failed after %d attempts: %w", h.config.MaxRetries+1, lastErr)
}

// Close drains the connection if the handler owns one
func (h *NATSHandler) Close() error {
	if h.conn == nil {
		return nil
	}
	return internalnats.Close(h.conn)
}

var _ splitjoin.EventHandler = (*NATSHandler)(nil)
