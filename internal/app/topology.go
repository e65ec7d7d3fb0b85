package app

import (
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/transfa/transfer-service/pkg/rabbitmq"
)

// Broker names shared by the producer side (outbox) and the consumers.
const (
	ExchangeTransfers    = "transfers"
	ExchangeTransfersDLX = "transfers.dlx"
	ExchangeAccounts     = "accounts"

	RoutingKeyTransferRequested = "transfer.requested"

	QueueTransferSettlement    = "transfer.settlement"
	QueueTransferSettlementDLQ = "transfer.settlement.dlq"
	QueueAccountProjection     = "account.projection"
)

// ExchangeKinds tells the producer how to declare each exchange it publishes to.
func ExchangeKinds() map[string]string {
	return map[string]string{
		ExchangeTransfers:    amqp.ExchangeTopic,
		ExchangeTransfersDLX: amqp.ExchangeTopic,
		ExchangeAccounts:     amqp.ExchangeFanout,
	}
}

func SettlementQueueSpec(prefetch, workers, deliveryLimit int) rabbitmq.QueueSpec {
	return rabbitmq.QueueSpec{
		Exchange:           ExchangeTransfers,
		ExchangeKind:       amqp.ExchangeTopic,
		Queue:              QueueTransferSettlement,
		Bindings:           []string{RoutingKeyTransferRequested},
		DeadLetterExchange: ExchangeTransfersDLX,
		DeadLetterQueue:    QueueTransferSettlementDLQ,
		DeliveryLimit:      deliveryLimit,
		Prefetch:           prefetch,
		Workers:            workers,
	}
}

func ProjectionQueueSpec(prefetch int) rabbitmq.QueueSpec {
	return rabbitmq.QueueSpec{
		Exchange:     ExchangeAccounts,
		ExchangeKind: amqp.ExchangeFanout,
		Queue:        QueueAccountProjection,
		Prefetch:     prefetch,
		Workers:      1,
	}
}
