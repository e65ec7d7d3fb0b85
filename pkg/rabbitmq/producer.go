/**
 * @description
 * This package wraps amqp091-go for the transfer service: a confirming producer used
 * by the outbox dispatcher, and a consumer that turns handler outcomes into ack,
 * requeue or dead-letter decisions.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 * - go.uber.org/zap: structured logging.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ErrPublisherUnavailable is returned by the fallback publisher.
var ErrPublisherUnavailable = errors.New("message broker is not connected")

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	Close()
}

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	kinds   map[string]string
	logger  *zap.Logger
}

// EventProducerFallback is used when RabbitMQ is unavailable at startup. It fails
// every publish so outbox rows stay pending until a broker is reachable.
type EventProducerFallback struct {
	Logger *zap.Logger
}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	if p.Logger != nil {
		p.Logger.Warn("publish skipped, broker unavailable",
			zap.String("exchange", exchange),
			zap.String("routing_key", routingKey))
	}
	return ErrPublisherUnavailable
}

func (p *EventProducerFallback) Close() {}

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

func dial(amqpURL string) (*amqp.Connection, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	// Use a bounded dial timeout so startup does not hang indefinitely
	return amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
}

// NewEventProducer connects and puts the channel in confirm mode. exchangeKinds maps
// exchange names to their type; unlisted exchanges are declared as topic.
func NewEventProducer(amqpURL string, exchangeKinds map[string]string, logger *zap.Logger) (*EventProducer, error) {
	conn, err := dial(amqpURL)
	if err != nil {
		return nil, err
	}

	p := &EventProducer{conn: conn, kinds: exchangeKinds, logger: logger.Named("rabbitmq_producer")}
	if err := p.reopen(); err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

func (p *EventProducer) reopen() error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	p.channel = ch
	return nil
}

func (p *EventProducer) kind(exchange string) string {
	if k, ok := p.kinds[exchange]; ok && k != "" {
		return k
	}
	return amqp.ExchangeTopic
}

// Publish sends body as JSON and waits for the broker to confirm it. A failure on
// the current channel is retried once on a fresh channel.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal event for %s/%s: %w", exchange, routingKey, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.publishOnce(ctx, exchange, routingKey, jsonBody)
	if err == nil {
		return nil
	}
	p.logger.Warn("publish failed, reopening channel",
		zap.String("exchange", exchange),
		zap.String("routing_key", routingKey),
		zap.Error(err))

	if p.conn == nil || p.conn.IsClosed() {
		return err
	}
	if reopenErr := p.reopen(); reopenErr != nil {
		return reopenErr
	}
	return p.publishOnce(ctx, exchange, routingKey, jsonBody)
}

func (p *EventProducer) publishOnce(ctx context.Context, exchange, routingKey string, body []byte) error {
	if err := p.channel.ExchangeDeclare(exchange, p.kind(exchange), true, false, false, false, nil); err != nil {
		return err
	}

	confirm, err := p.channel.PublishWithDeferredConfirmWithContext(ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return err
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return fmt.Errorf("broker nacked message for %s/%s", exchange, routingKey)
	}
	return nil
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
