package rabbitmq

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer delivers messages from a queue bound to a topic exchange.
type Consumer struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	logger  *slog.Logger
	done    chan struct{}
	closing atomic.Bool
}

// NewConsumer connects to RabbitMQ and opens a consuming channel.
func NewConsumer(amqpURL string, logger *slog.Logger) (*Consumer, error) {
	conn, err := dial(amqpURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	// Prefetch one message per consumer.
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch, logger: logger, done: make(chan struct{})}, nil
}

// ConsumeWithBindings binds queueName to exchange for each routing key and dispatches
// deliveries to the matching handler. true acknowledges; false requeues.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]func([]byte) bool) error {
	if len(bindings) == 0 {
		return fmt.Errorf("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	handlers := make(map[string]func([]byte) bool)
	for routingKey, handler := range bindings {
		if handler == nil {
			continue
		}
		handlers[routingKey] = handler
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go c.dispatch(queueName, msgs, handlers)
	return nil
}

// Done is closed once the delivery channel ends, either through Close or because
// the broker dropped the channel. No reconnect is attempted; callers shut down so
// the process supervisor restarts them against a healthy broker.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

func (c *Consumer) dispatch(queueName string, msgs <-chan amqp.Delivery, handlers map[string]func([]byte) bool) {
	defer close(c.done)
	for d := range msgs {
		handler, ok := handlers[d.RoutingKey]
		if !ok {
			c.logger.Warn("no handler for routing key; acknowledging to drop", "component", "rabbitmq_consumer", "routing_key", d.RoutingKey)
			_ = d.Ack(false)
			continue
		}
		if handler(d.Body) {
			_ = d.Ack(false)
		} else {
			c.logger.Warn("handler failed; re-queuing", "component", "rabbitmq_consumer", "routing_key", d.RoutingKey)
			_ = d.Nack(false, true)
		}
	}

	if c.closing.Load() {
		c.logger.Info("consumer stopped", "component", "rabbitmq_consumer", "queue", queueName)
		return
	}
	c.logger.Error("delivery channel closed by broker; consumer stopped", "component", "rabbitmq_consumer", "queue", queueName)
}

// Close closes the channel and connection.
func (c *Consumer) Close() {
	c.closing.Store(true)
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
