package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransferRequestedEvent asks the settlement consumer to process an accepted transfer.
type TransferRequestedEvent struct {
	TransferID    uuid.UUID       `json:"transferId"`
	RequestID     uuid.UUID       `json:"requestId"`
	CreatedAt     time.Time       `json:"createdAt"`
	OriginatorID  int64           `json:"originatorId"`
	BeneficiaryID int64           `json:"beneficiaryId"`
	Amount        decimal.Decimal `json:"amount"`
}

func NewTransferRequestedEvent(t Transfer) TransferRequestedEvent {
	return TransferRequestedEvent{
		TransferID:    t.ID,
		RequestID:     t.RequestID,
		CreatedAt:     t.CreatedAt,
		OriginatorID:  t.Request.OriginatorID,
		BeneficiaryID: t.Request.BeneficiaryID,
		Amount:        t.Request.Amount,
	}
}

// AccountBalanceChangedEvent is emitted once per account touched by a settlement.
// Version is the account version the balance belongs to; consumers keep the highest.
type AccountBalanceChangedEvent struct {
	OwnerID int64           `json:"ownerId"`
	Balance decimal.Decimal `json:"balance"`
	Version int64           `json:"version"`
}

func NewAccountBalanceChangedEvent(a Account) AccountBalanceChangedEvent {
	return AccountBalanceChangedEvent{OwnerID: a.OwnerID, Balance: a.Balance, Version: a.Version}
}
