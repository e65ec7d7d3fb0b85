package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Outcome is what a handler wants done with a delivery.
type Outcome int

const (
	// Ack removes the message.
	Ack Outcome = iota
	// Requeue puts the message back for another attempt.
	Requeue
	// DeadLetter rejects the message without requeue, routing it to the DLX.
	DeadLetter
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case DeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Delivery is the part of an AMQP delivery handlers care about.
type Delivery struct {
	Body          []byte
	RoutingKey    string
	Redelivered   bool
	DeliveryCount int64
	Timestamp     time.Time
}

type Handler func(ctx context.Context, d Delivery) Outcome

// acknowledger is implemented by amqp.Delivery.
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

type Consumer struct {
	conn   *amqp.Connection
	logger *zap.Logger

	mu       sync.Mutex
	channels []*amqp.Channel
	wg       sync.WaitGroup
}

func NewConsumer(amqpURL string, logger *zap.Logger) (*Consumer, error) {
	conn, err := dial(amqpURL)
	if err != nil {
		return nil, err
	}
	return &Consumer{conn: conn, logger: logger.Named("rabbitmq_consumer")}, nil
}

// Consume declares spec and starts spec.Workers goroutines feeding deliveries to
// handler. It returns once consumption has started; workers stop when ctx is done
// or the channel closes.
func (c *Consumer) Consume(ctx context.Context, spec QueueSpec, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("no handler provided for queue %s", spec.Queue)
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.channels = append(c.channels, ch)
	c.mu.Unlock()

	if err := DeclareQueue(ch, spec); err != nil {
		return err
	}

	prefetch := spec.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return err
	}

	msgs, err := ch.Consume(spec.Queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	workers := spec.Workers
	if workers <= 0 {
		workers = 1
	}
	logger := c.logger.With(zap.String("queue", spec.Queue))
	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-msgs:
					if !ok {
						logger.Warn("delivery channel closed")
						return
					}
					dispatch(ctx, &d, toDelivery(d), handler, logger)
				}
			}
		}()
	}

	logger.Info("consumer started", zap.Int("workers", workers), zap.Int("prefetch", prefetch))
	return nil
}

func toDelivery(d amqp.Delivery) Delivery {
	return Delivery{
		Body:          d.Body,
		RoutingKey:    d.RoutingKey,
		Redelivered:   d.Redelivered,
		DeliveryCount: deliveryCount(d.Headers),
		Timestamp:     d.Timestamp,
	}
}

func deliveryCount(headers amqp.Table) int64 {
	switch v := headers["x-delivery-count"].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	default:
		return 0
	}
}

func dispatch(ctx context.Context, ack acknowledger, d Delivery, handler Handler, logger *zap.Logger) Outcome {
	outcome := safeHandle(ctx, d, handler, logger)

	var err error
	switch outcome {
	case Ack:
		err = ack.Ack(false)
	case DeadLetter:
		logger.Warn("dead-lettering message", zap.String("routing_key", d.RoutingKey))
		err = ack.Nack(false, false)
	default:
		logger.Info("requeueing message",
			zap.String("routing_key", d.RoutingKey),
			zap.Int64("delivery_count", d.DeliveryCount))
		err = ack.Nack(false, true)
	}
	if err != nil {
		logger.Error("failed to settle delivery", zap.String("outcome", outcome.String()), zap.Error(err))
	}
	return outcome
}

// safeHandle turns a handler panic into a requeue.
func safeHandle(ctx context.Context, d Delivery, handler Handler, logger *zap.Logger) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panicked", zap.Any("panic", r), zap.String("routing_key", d.RoutingKey))
			outcome = Requeue
		}
	}()
	return handler(ctx, d)
}

// Close stops consumption and waits for in-flight handlers.
func (c *Consumer) Close() {
	c.mu.Lock()
	for _, ch := range c.channels {
		ch.Close()
	}
	c.channels = nil
	c.mu.Unlock()

	c.wg.Wait()
	if c.conn != nil {
		c.conn.Close()
	}
}
