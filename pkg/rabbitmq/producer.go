/**
 * @description
 * This package provides the RabbitMQ publisher and consumer used by the payout
 * service. The publisher emits payout lifecycle events after their outcome is
 * committed; the consumer delivers inbound sale events to handlers that return
 * true to acknowledge and false to requeue.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// PayoutEventsExchange is the topic exchange payout lifecycle events are published to.
const PayoutEventsExchange = "payout_events"

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	Close()
}

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
	logger  *slog.Logger
}

// FallbackPublisher is a no-op publisher used when RabbitMQ is unavailable at startup.
type FallbackPublisher struct {
	Logger *slog.Logger
}

// Publish logs and drops the event.
func (p *FallbackPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	if p.Logger != nil {
		p.Logger.Warn("publish skipped", "component", "rabbitmq_producer", "mode", "fallback", "exchange", exchange, "routing_key", routingKey)
	}
	return nil
}

// Close implements Publisher.
func (p *FallbackPublisher) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

func dial(raw string) (*amqp091.Connection, error) {
	cleanURL, err := sanitizeAMQPURL(raw)
	if err != nil {
		return nil, err
	}
	// Bounded dial timeout so startup does not hang indefinitely
	return amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
}

// NewEventProducer connects to RabbitMQ and opens a publishing channel.
func NewEventProducer(amqpURL string, logger *slog.Logger) (*EventProducer, error) {
	conn, err := dial(amqpURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch, logger: logger}, nil
}

// Publish sends body as JSON to a durable topic exchange. A failed publish reopens
// the channel once and retries.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		p.logger.Error("json marshal failed", "component", "rabbitmq_producer", "exchange", exchange, "routing_key", routingKey, "error", err)
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.publishLocked(ctx, exchange, routingKey, jsonBody)
	if err == nil {
		return nil
	}

	p.logger.Warn("publish failed; reopening channel", "component", "rabbitmq_producer", "exchange", exchange, "routing_key", routingKey, "error", err)
	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return errors.Join(err, chErr)
	}
	p.channel = ch
	return p.publishLocked(ctx, exchange, routingKey, jsonBody)
}

func (p *EventProducer) publishLocked(ctx context.Context, exchange, routingKey string, body []byte) error {
	if err := p.channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // autoDelete
		false,    // internal
		false,    // noWait
		nil,      // args
	); err != nil {
		return err
	}

	return p.channel.PublishWithContext(ctx,
		exchange,   // exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
