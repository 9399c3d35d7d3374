// Package broker publishes accepted notifications to RabbitMQ. It owns the
// exchange/queue topology and nothing else: retries, redelivery, and
// consumer-side acking live with the downstream workers.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/haneefojay/api-gateway-service/internal/gateway"
)

const (
	exchangeName = "notifications.direct"
	dlxName      = "notifications.dlx"
	failedQueue  = "failed.queue"
)

// queueFor maps notification types to their queues; the routing key is
// "notification.<type>".
var queueFor = map[string]string{
	"email": "email.queue",
	"push":  "push.queue",
}

// Compile-time interface check.
var _ gateway.Publisher = (*RabbitMQPublisher)(nil)

// RabbitMQPublisher is the gateway's broker binding. A single channel is
// shared under a mutex; publish volume here is bounded by the rate limiter
// well below the point where channel contention matters.
type RabbitMQPublisher struct {
	mu   sync.Mutex
	url  string
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Connect dials the broker and declares the topology. Fails fast when the
// broker is unreachable, matching the boot behavior of the store.
func Connect(url string) (*RabbitMQPublisher, error) {
	p := &RabbitMQPublisher{url: url}
	if err := p.dial(); err != nil {
		return nil, err
	}
	return p, nil
}

// dial (re)establishes the connection, channel, and topology.
// Caller must hold the mutex except during Connect.
func (p *RabbitMQPublisher) dial() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("broker: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("broker: channel: %w", err)
	}
	if err := declareTopology(ch); err != nil {
		conn.Close()
		return err
	}
	p.conn = conn
	p.ch = ch
	return nil
}

// declareTopology sets up the direct exchange, the per-type queues, and a
// fan-out dead-letter exchange feeding failed.queue. Declarations are
// idempotent, so every instance can run them at boot.
func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(exchangeName, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare exchange: %w", err)
	}
	if err := ch.ExchangeDeclare(dlxName, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare dlx: %w", err)
	}

	if _, err := ch.QueueDeclare(failedQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare %s: %w", failedQueue, err)
	}
	if err := ch.QueueBind(failedQueue, "", dlxName, false, nil); err != nil {
		return fmt.Errorf("broker: bind %s: %w", failedQueue, err)
	}

	for typ, queue := range queueFor {
		args := amqp.Table{"x-dead-letter-exchange": dlxName}
		if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
			return fmt.Errorf("broker: declare %s: %w", queue, err)
		}
		if err := ch.QueueBind(queue, "notification."+typ, exchangeName, false, nil); err != nil {
			return fmt.Errorf("broker: bind %s: %w", queue, err)
		}
	}
	return nil
}

// Publish sends one persistent JSON message. The context bounds the whole
// attempt; a timeout or connection error returns to the caller, which
// records it against the circuit breaker.
func (p *RabbitMQPublisher) Publish(ctx context.Context, msg gateway.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("broker: marshal: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// One reconnect attempt when the channel died since the last publish.
	if p.ch == nil || p.ch.IsClosed() {
		if err := p.dial(); err != nil {
			return err
		}
	}

	err = p.ch.PublishWithContext(ctx,
		exchangeName,
		"notification."+msg.NotificationType,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Headers: amqp.Table{
				"correlation_id":  msg.CorrelationID,
				"notification_id": msg.NotificationID,
			},
		})
	if err != nil {
		return fmt.Errorf("broker: publish: %w", err)
	}
	return nil
}

// Healthy reports whether the broker connection is up. Used by /health.
func (p *RabbitMQPublisher) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil && !p.conn.IsClosed()
}

// Close shuts the connection down.
func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil || p.conn.IsClosed() {
		return nil
	}
	return p.conn.Close()
}
