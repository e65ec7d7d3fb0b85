package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/pkg/rabbitmq"
)

type settlerFunc func(ctx context.Context, transferID uuid.UUID) (domain.Transfer, error)

func (f settlerFunc) Settle(ctx context.Context, transferID uuid.UUID) (domain.Transfer, error) {
	return f(ctx, transferID)
}

func requestedDelivery(t *testing.T, transferID uuid.UUID, deliveryCount int64) rabbitmq.Delivery {
	t.Helper()
	body, err := json.Marshal(domain.TransferRequestedEvent{
		TransferID:    transferID,
		RequestID:     uuid.New(),
		CreatedAt:     time.Now().UTC(),
		OriginatorID:  1,
		BeneficiaryID: 2,
		Amount:        decimal.RequireFromString("10"),
	})
	require.NoError(t, err)
	return rabbitmq.Delivery{Body: body, RoutingKey: RoutingKeyTransferRequested, DeliveryCount: deliveryCount}
}

func TestSettlementConsumerOutcomes(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		deliveryCount int64
		want          rabbitmq.Outcome
	}{
		{name: "settled", want: rabbitmq.Ack},
		{name: "domain failure", err: domain.NewError(domain.ErrCodeInsufficientBalance, "no funds"), want: rabbitmq.DeadLetter},
		{name: "wrapped domain failure", err: errorsJoin(domain.ErrTransferNotFound), want: rabbitmq.DeadLetter},
		{name: "infrastructure error", err: errors.New("db down"), deliveryCount: 1, want: rabbitmq.Requeue},
		{name: "retries exhausted", err: errors.New("db down"), deliveryCount: 5, want: rabbitmq.DeadLetter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transferID := uuid.New()
			var seen uuid.UUID
			consumer := NewSettlementConsumer(settlerFunc(func(ctx context.Context, id uuid.UUID) (domain.Transfer, error) {
				seen = id
				return domain.Transfer{ID: id}, tt.err
			}), 5, zap.NewNop(), nil)

			got := consumer.Handle(context.Background(), requestedDelivery(t, transferID, tt.deliveryCount))
			if got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
			if seen != transferID {
				t.Fatalf("expected settle of %s, got %s", transferID, seen)
			}
		})
	}
}

func errorsJoin(err error) error {
	return errors.Join(errors.New("lookup"), err)
}

func TestSettlementConsumerDeadLettersMalformedPayload(t *testing.T) {
	called := false
	consumer := NewSettlementConsumer(settlerFunc(func(ctx context.Context, id uuid.UUID) (domain.Transfer, error) {
		called = true
		return domain.Transfer{}, nil
	}), 5, zap.NewNop(), nil)

	for _, body := range []string{`{not json`, `{"transferId":"00000000-0000-0000-0000-000000000000"}`} {
		got := consumer.Handle(context.Background(), rabbitmq.Delivery{Body: []byte(body)})
		assert.Equal(t, rabbitmq.DeadLetter, got)
	}
	assert.False(t, called, "malformed payloads must not reach settlement")
}

func TestSettlementConsumerRequeuesOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	consumer := NewSettlementConsumer(settlerFunc(func(ctx context.Context, id uuid.UUID) (domain.Transfer, error) {
		return domain.Transfer{}, ctx.Err()
	}), 1, zap.NewNop(), nil)

	got := consumer.Handle(ctx, requestedDelivery(t, uuid.New(), 7))
	assert.Equal(t, rabbitmq.Requeue, got)
}

// Redelivering the same event settles once and acks every time.
func TestSettlementConsumerIsIdempotent(t *testing.T) {
	h := newHarness(t, true, account(1, domain.USD, "100"), account(2, domain.USD, "0"))
	accepted, err := h.service.Submit(context.Background(), uuid.New(), request(1, 2, "25"))
	require.NoError(t, err)

	consumer := NewSettlementConsumer(h.engine, 5, zap.NewNop(), nil)
	rows := h.repo.outboxRows()
	require.Len(t, rows, 1)
	delivery := rabbitmq.Delivery{Body: rows[0].Payload, RoutingKey: rows[0].RoutingKey}

	for i := 0; i < 3; i++ {
		assert.Equal(t, rabbitmq.Ack, consumer.Handle(context.Background(), delivery))
	}
	assert.Equal(t, 1, h.repo.settlementAttempts)
	assert.Equal(t, "75", h.repo.balance(1).String())
	assert.Equal(t, "25", h.repo.balance(2).String())
	assert.Equal(t, domain.TransferSuccessful, h.repo.transfer(accepted.ID).Status)
}

func TestSettlementConsumerCommitsFailureBeforeDeadLetter(t *testing.T) {
	h := newHarness(t, true, account(1, domain.USD, "1"), account(2, domain.USD, "0"))
	accepted, err := h.service.Submit(context.Background(), uuid.New(), request(1, 2, "25"))
	require.NoError(t, err)

	consumer := NewSettlementConsumer(h.engine, 5, zap.NewNop(), nil)
	got := consumer.Handle(context.Background(), requestedDelivery(t, accepted.ID, 0))

	assert.Equal(t, rabbitmq.DeadLetter, got)
	stored := h.repo.transfer(accepted.ID)
	assert.Equal(t, domain.TransferFailed, stored.Status)
	assert.Equal(t, domain.ErrCodeInsufficientBalance, stored.Failure.ErrorCode)
}

func TestProjectionConsumer(t *testing.T) {
	repo := newMemRepo(account(7, domain.CHF, "0"))
	consumer := NewProjectionConsumer(repo, zap.NewNop(), nil)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	deliver := func(body string, at time.Time) rabbitmq.Outcome {
		return consumer.Handle(context.Background(), rabbitmq.Delivery{Body: []byte(body), Timestamp: at})
	}

	assert.Equal(t, rabbitmq.Ack, deliver(`{"ownerId":7,"balance":"12.5","version":4}`, base))
	// A lower version loses even when it was published later.
	assert.Equal(t, rabbitmq.Ack, deliver(`{"ownerId":7,"balance":"3","version":3}`, base.Add(time.Minute)))
	// Same version redelivered.
	assert.Equal(t, rabbitmq.Ack, deliver(`{"ownerId":7,"balance":"99","version":4}`, base))

	got, err := repo.GetAccountProjection(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "12.5", got.Balance.String(), "older event must not overwrite newer balance")
	assert.Equal(t, domain.CHF, got.Currency)

	assert.Equal(t, rabbitmq.Ack, deliver(`{"ownerId":7,"balance":"8","version":5}`, base.Add(-time.Hour)))
	got, err = repo.GetAccountProjection(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "8", got.Balance.String())

	assert.Equal(t, rabbitmq.Ack, deliver(`garbage`, base))
	assert.Equal(t, rabbitmq.Ack, deliver(`{"ownerId":7,"balance":"-1","version":6}`, base))
	assert.Equal(t, rabbitmq.Ack, deliver(`{"ownerId":7,"balance":"1"}`, base))

	repo.errProjection = errors.New("db down")
	assert.Equal(t, rabbitmq.Requeue, deliver(`{"ownerId":7,"balance":"1","version":7}`, base.Add(time.Minute)))
}
