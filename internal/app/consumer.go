package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/transfa/payout-service/internal/domain"
	"github.com/transfa/payout-service/internal/store"
	"github.com/transfa/payout-service/pkg/idempotency"
	"github.com/transfa/payout-service/pkg/metrics"
)

const (
	RoutingSaleCompleted = "sale.completed"
	RoutingSaleRefunded  = "sale.refunded"

	// WebhookDedupTTL is how long a processed webhook id stays claimed.
	WebhookDedupTTL = 72 * time.Hour

	handlerTimeout = 15 * time.Second
)

// WebhookConsumer handles verified sale webhooks delivered over RabbitMQ. Each
// event id is claimed with the idempotency guard before any handler runs.
type WebhookConsumer struct {
	guard    Locker
	recorder *EarningsRecorder
	metrics  *metrics.Registry
	logger   *slog.Logger
}

// NewWebhookConsumer creates a consumer.
func NewWebhookConsumer(guard Locker, recorder *EarningsRecorder, registry *metrics.Registry, logger *slog.Logger) *WebhookConsumer {
	return &WebhookConsumer{
		guard:    guard,
		recorder: recorder,
		metrics:  registry,
		logger:   logger,
	}
}

// Bindings maps routing keys to handlers for rabbitmq.Consumer.
func (c *WebhookConsumer) Bindings() map[string]func([]byte) bool {
	return map[string]func([]byte) bool{
		RoutingSaleCompleted: c.HandleSaleCompleted,
		RoutingSaleRefunded:  c.HandleSaleRefunded,
	}
}

// HandleSaleCompleted records the earning for a sale. The return value follows
// the consumer contract: true acknowledges, false requeues.
func (c *WebhookConsumer) HandleSaleCompleted(body []byte) bool {
	var evt domain.SaleCompletedEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		c.logger.Error("dropping malformed sale.completed event", "component", "webhook_consumer", "error", err)
		c.metrics.Inc("webhook_events", RoutingSaleCompleted, "malformed")
		return true
	}

	return c.handle(RoutingSaleCompleted, evt.Source, evt.EventID, func(ctx context.Context) error {
		_, _, err := c.recorder.RecordSale(ctx, evt)
		return err
	})
}

// HandleSaleRefunded reverses the earning for a refunded sale.
func (c *WebhookConsumer) HandleSaleRefunded(body []byte) bool {
	var evt domain.SaleRefundedEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		c.logger.Error("dropping malformed sale.refunded event", "component", "webhook_consumer", "error", err)
		c.metrics.Inc("webhook_events", RoutingSaleRefunded, "malformed")
		return true
	}

	return c.handle(RoutingSaleRefunded, evt.Source, evt.EventID, func(ctx context.Context) error {
		err := c.recorder.RefundSale(ctx, evt)
		if errors.Is(err, store.ErrEarningNotFound) || errors.Is(err, store.ErrEarningNotRefundable) {
			c.logger.Warn("refund not applied", "component", "webhook_consumer", "sale_id", evt.SaleID, "error", err)
			return nil
		}
		return err
	})
}

func (c *WebhookConsumer) handle(routingKey, source, eventID string, fn func(ctx context.Context) error) bool {
	log := c.logger.With("component", "webhook_consumer", "routing_key", routingKey, "source", source, "event_id", eventID)
	if source == "" || eventID == "" {
		log.Error("dropping event without source or event id")
		c.metrics.Inc("webhook_events", routingKey, "malformed")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	key := idempotency.WebhookKey(source, eventID)
	acquired, err := c.guard.Acquire(ctx, key, WebhookDedupTTL, idempotency.FailClosed)
	if err != nil {
		log.Warn("idempotency store unavailable; requeueing event", "error", err)
		c.metrics.Inc("webhook_events", routingKey, "requeued")
		return false
	}
	if !acquired {
		log.Info("duplicate event; acknowledging")
		c.metrics.Inc("webhook_events", routingKey, "duplicate")
		return true
	}

	if err := fn(ctx); err != nil {
		if errors.Is(err, ErrInvalidSaleEvent) {
			log.Error("dropping invalid event", "error", err)
			c.metrics.Inc("webhook_events", routingKey, "invalid")
			return true
		}
		log.Error("event handler failed; releasing claim and requeueing", "error", err)
		if releaseErr := c.guard.Release(ctx, key); releaseErr != nil {
			log.Error("failed to release webhook claim", "error", releaseErr)
		}
		c.metrics.Inc("webhook_events", routingKey, "failed")
		return false
	}

	c.metrics.Inc("webhook_events", routingKey, "processed")
	return true
}
