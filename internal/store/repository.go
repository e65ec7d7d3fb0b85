/**
 * @description
 * Storage contracts for the transfer service. The settlement pipeline only talks to
 * these interfaces, so tests can swap in stubs and the Postgres implementation can
 * stay focused on SQL.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/transfer-service/internal/domain"
)

// AccountStore reads and writes the account ledger.
type AccountStore interface {
	GetAccount(ctx context.Context, ownerID int64) (*domain.Account, error)
	// LockAccount takes a row lock held until the surrounding transaction ends.
	// It must be called inside TxManager.WithTransaction.
	LockAccount(ctx context.Context, ownerID int64) (*domain.Account, error)
	// SaveAccountBalance stores a Debit or Credit result; the row must be at
	// account.Version-1.
	SaveAccountBalance(ctx context.Context, account domain.Account) error
	ListAccounts(ctx context.Context, page PageRequest) (Page[domain.Account], error)
}

// TransferStore persists the transfer saga records.
type TransferStore interface {
	// CreateTransfer returns ErrDuplicateRequest when the request id was seen before.
	CreateTransfer(ctx context.Context, transfer domain.Transfer) error
	GetTransfer(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error)
	LockTransfer(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error)
	FindTransferIDByRequestID(ctx context.Context, requestID uuid.UUID) (uuid.UUID, error)
	SaveSettlement(ctx context.Context, transfer domain.Transfer) error
	// SaveFailure only moves PENDING rows; it reports false if the row was already terminal.
	SaveFailure(ctx context.Context, transfer domain.Transfer) (bool, error)
	ListStalePendingTransfers(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transfer, error)
	MarkTransferRequeued(ctx context.Context, transferID uuid.UUID, at time.Time) error
}

// OutboxMessage is an event waiting to be published to the broker.
type OutboxMessage struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}

// OutboxStore backs the transactional outbox.
type OutboxStore interface {
	EnqueueOutbox(ctx context.Context, exchange, routingKey string, payload interface{}) error
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfter time.Duration) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfter time.Duration, reason string) error
}

// ProjectionStore is the eventually consistent account read model fed by
// account-balance-changed events.
type ProjectionStore interface {
	UpsertAccountProjection(ctx context.Context, ownerID int64, balance decimal.Decimal, version int64, at time.Time) error
	GetAccountProjection(ctx context.Context, ownerID int64) (*domain.Account, error)
	ListAccountProjections(ctx context.Context, page PageRequest) (Page[domain.Account], error)
}

// Repository defines the full set of persistence operations.
type Repository interface {
	AccountStore
	TransferStore
	OutboxStore
	ProjectionStore
}

// TxManager runs fn inside a database transaction carried on the context.
type TxManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type PageRequest struct {
	Page int
	Size int
}

func (p PageRequest) Normalize() PageRequest {
	if p.Page < 0 {
		p.Page = 0
	}
	if p.Size <= 0 {
		p.Size = 10
	}
	if p.Size > 100 {
		p.Size = 100
	}
	return p
}

func (p PageRequest) Offset() int {
	return p.Page * p.Size
}

type Page[T any] struct {
	Content       []T   `json:"content"`
	TotalElements int64 `json:"totalElements"`
	Page          int   `json:"page"`
	Size          int   `json:"size"`
}
