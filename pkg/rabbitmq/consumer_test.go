package rabbitmq

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type recordingAcknowledger struct {
	mu     sync.Mutex
	acked  []uint64
	nacked []uint64
}

func (a *recordingAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *recordingAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = append(a.nacked, tag)
	return nil
}

func (a *recordingAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func newTestConsumer(logs *bytes.Buffer) *Consumer {
	return &Consumer{
		logger: slog.New(slog.NewTextHandler(logs, nil)),
		done:   make(chan struct{}),
	}
}

func waitDone(t *testing.T, c *Consumer) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected consumer to stop")
	}
}

func TestConsumer_DispatchAcksAndRequeues(t *testing.T) {
	var logs bytes.Buffer
	c := newTestConsumer(&logs)
	ack := &recordingAcknowledger{}
	handlers := map[string]func([]byte) bool{
		"sale.completed": func([]byte) bool { return true },
		"sale.refunded":  func([]byte) bool { return false },
	}

	msgs := make(chan amqp.Delivery, 3)
	msgs <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, RoutingKey: "sale.completed"}
	msgs <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, RoutingKey: "sale.refunded"}
	msgs <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 3, RoutingKey: "sale.unknown"}
	close(msgs)

	go c.dispatch("payout_sale_events", msgs, handlers)
	waitDone(t, c)

	if len(ack.acked) != 2 || ack.acked[0] != 1 || ack.acked[1] != 3 {
		t.Fatalf("expected deliveries 1 and 3 acked, got %v", ack.acked)
	}
	if len(ack.nacked) != 1 || ack.nacked[0] != 2 {
		t.Fatalf("expected delivery 2 requeued, got %v", ack.nacked)
	}
}

func TestConsumer_BrokerClosingChannelIsLogged(t *testing.T) {
	tests := []struct {
		name    string
		closing bool
		want    string
	}{
		{name: "broker dropped channel", want: "delivery channel closed by broker"},
		{name: "closed by caller", closing: true, want: "consumer stopped"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			c := newTestConsumer(&logs)
			if tt.closing {
				c.Close()
			}

			msgs := make(chan amqp.Delivery)
			close(msgs)
			go c.dispatch("payout_sale_events", msgs, nil)
			waitDone(t, c)

			if !strings.Contains(logs.String(), tt.want) {
				t.Fatalf("expected log %q, got %q", tt.want, logs.String())
			}
			if !tt.closing && !strings.Contains(logs.String(), "level=ERROR") {
				t.Fatalf("expected an error-level log, got %q", logs.String())
			}
		})
	}
}
