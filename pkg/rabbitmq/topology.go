package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPChannel is the subset of *amqp.Channel needed to declare topology.
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// QueueSpec describes a durable queue, the exchange feeding it and, optionally, where
// rejected deliveries are dead-lettered.
type QueueSpec struct {
	Exchange     string
	ExchangeKind string
	Queue        string
	Bindings     []string

	// DeadLetterExchange and DeadLetterQueue enable dead-lettering when both are set.
	DeadLetterExchange string
	DeadLetterQueue    string
	// DeliveryLimit makes the queue a quorum queue that dead-letters a message after
	// it has been requeued this many times.
	DeliveryLimit int

	Prefetch int
	Workers  int
}

func (s QueueSpec) exchangeKind() string {
	if s.ExchangeKind == "" {
		return amqp.ExchangeTopic
	}
	return s.ExchangeKind
}

func (s QueueSpec) queueArgs() amqp.Table {
	args := amqp.Table{}
	if s.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = s.DeadLetterExchange
	}
	if s.DeliveryLimit > 0 {
		args["x-queue-type"] = "quorum"
		args["x-delivery-limit"] = int64(s.DeliveryLimit)
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

// DeclareQueue declares the exchange, the dead-letter topology if configured, the
// queue and its bindings. Declarations are idempotent.
func DeclareQueue(ch AMQPChannel, spec QueueSpec) error {
	if err := ch.ExchangeDeclare(spec.Exchange, spec.exchangeKind(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", spec.Exchange, err)
	}

	if spec.DeadLetterExchange != "" && spec.DeadLetterQueue != "" {
		if err := DeclareDeadLetterTopology(ch, spec.DeadLetterExchange, spec.DeadLetterQueue); err != nil {
			return err
		}
	}

	if _, err := ch.QueueDeclare(spec.Queue, true, false, false, false, spec.queueArgs()); err != nil {
		return fmt.Errorf("declare queue %s: %w", spec.Queue, err)
	}

	bindings := spec.Bindings
	if len(bindings) == 0 {
		// Fanout exchanges ignore the key.
		bindings = []string{""}
	}
	for _, key := range bindings {
		if err := ch.QueueBind(spec.Queue, key, spec.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s with %q: %w", spec.Queue, spec.Exchange, key, err)
		}
	}
	return nil
}

// DeclareDeadLetterTopology declares a topic DLX and a queue catching everything routed to it.
func DeclareDeadLetterTopology(ch AMQPChannel, exchange, queue string) error {
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlq queue: %w", err)
	}
	if err := ch.QueueBind(queue, "#", exchange, false, nil); err != nil {
		return fmt.Errorf("bind dlq to dlx: %w", err)
	}
	return nil
}
