/**
 * @description
 * Transfer is the record that anchors the settlement saga. It starts PENDING when a
 * request is accepted and moves exactly once to SUCCESS or FAILED.
 *
 * The variants are modelled as a tagged union: Status is the tag, and exactly one of
 * Settlement (SUCCESS) or Failure (FAILED) is set on a terminal transfer. Request holds
 * what the caller asked for and is kept on every variant for auditing; the money that
 * actually moved only ever lives on Settlement.
 *
 * @dependencies
 * - github.com/google/uuid: transfer and request identifiers.
 * - github.com/shopspring/decimal: fixed-point amounts and rates.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransferStatus string

const (
	TransferPending    TransferStatus = "PENDING"
	TransferSuccessful TransferStatus = "SUCCESS"
	TransferFailed     TransferStatus = "FAILED"
)

func (s TransferStatus) Terminal() bool {
	return s == TransferSuccessful || s == TransferFailed
}

// TransferRequest is the accepted, not yet validated, instruction.
type TransferRequest struct {
	OriginatorID  int64           `json:"originatorId"`
	BeneficiaryID int64           `json:"beneficiaryId"`
	Amount        decimal.Decimal `json:"amount"`
}

// Settlement is the outcome of a successful transfer. Account snapshots are taken
// after the debit and credit were applied.
type Settlement struct {
	TransferAmount decimal.Decimal `json:"transferAmount"`
	Originator     Account         `json:"originator"`
	Beneficiary    Account         `json:"beneficiary"`
	ProcessedAt    time.Time       `json:"processedAt"`
	ExchangeRate   decimal.Decimal `json:"exchangeRate"`
	Debit          decimal.Decimal `json:"debit"`
	Credit         decimal.Decimal `json:"credit"`
}

type Failure struct {
	ProcessedAt time.Time `json:"processedAt"`
	ErrorCode   ErrorCode `json:"errorCode"`
}

type Transfer struct {
	ID         uuid.UUID
	RequestID  uuid.UUID
	CreatedAt  time.Time
	Status     TransferStatus
	Request    TransferRequest
	Settlement *Settlement
	Failure    *Failure
}

// NewPendingTransfer builds the record created by the acceptance gate.
func NewPendingTransfer(requestID uuid.UUID, req TransferRequest, now time.Time) (Transfer, error) {
	if requestID == uuid.Nil {
		return Transfer{}, NewError(ErrCodeInvalidTransfer, "request id is required")
	}
	return Transfer{
		ID:        uuid.New(),
		RequestID: requestID,
		CreatedAt: now.UTC(),
		Status:    TransferPending,
		Request: TransferRequest{
			OriginatorID:  req.OriginatorID,
			BeneficiaryID: req.BeneficiaryID,
			Amount:        req.Amount.Round(AmountScale),
		},
	}, nil
}

// ValidateRequest runs the checks that need no account data. They run first so an
// invalid request never touches a lock.
func ValidateRequest(req TransferRequest) error {
	if !req.Amount.IsPositive() {
		return Errorf(ErrCodeNegativeAmount, "amount must be greater than zero, got %s", req.Amount.String())
	}
	if req.OriginatorID == req.BeneficiaryID {
		return NewError(ErrCodeInvalidBeneficiary, "originator and beneficiary must be different accounts")
	}
	return nil
}

// ValidateRate rejects rates that cannot produce a valid debit.
func ValidateRate(rate decimal.Decimal) error {
	if rate.IsNegative() {
		return Errorf(ErrCodeExchangeRateNegative, "exchange rate %s is negative", rate.String())
	}
	return nil
}

// Settle applies the transfer to originator and beneficiary at rate. The accounts
// must have been read under lock. It returns the SUCCESS transfer together with the
// updated accounts, or a domain error and no changes.
func (t Transfer) Settle(originator, beneficiary Account, rate decimal.Decimal, now time.Time) (Transfer, error) {
	if t.Status != TransferPending {
		return Transfer{}, Errorf(ErrCodeInvalidTransfer, "transfer %s is already %s", t.ID, t.Status)
	}
	if err := ValidateRequest(t.Request); err != nil {
		return Transfer{}, err
	}
	if originator.OwnerID != t.Request.OriginatorID || beneficiary.OwnerID != t.Request.BeneficiaryID {
		return Transfer{}, NewError(ErrCodeInvalidTransfer, "accounts do not match the transfer request")
	}
	if err := ValidateRate(rate); err != nil {
		return Transfer{}, err
	}

	rate = rate.Round(RateScale)
	credit := t.Request.Amount
	debit := credit.Mul(rate).Round(AmountScale)
	if !debit.IsPositive() {
		return Transfer{}, Errorf(ErrCodeInvalidExchangeRate, "exchange rate %s yields no debit", rate.String())
	}

	debited, err := originator.Debit(debit)
	if err != nil {
		return Transfer{}, err
	}
	credited := beneficiary.Credit(credit)

	settled := t
	settled.Status = TransferSuccessful
	settled.Settlement = &Settlement{
		TransferAmount: credit,
		Originator:     debited,
		Beneficiary:    credited,
		ProcessedAt:    now.UTC(),
		ExchangeRate:   rate,
		Debit:          debit,
		Credit:         credit,
	}
	settled.Failure = nil
	return settled, nil
}

// Fail moves a pending transfer to FAILED. No money fields are carried over.
func (t Transfer) Fail(code ErrorCode, now time.Time) (Transfer, error) {
	if t.Status != TransferPending {
		return Transfer{}, Errorf(ErrCodeInvalidTransfer, "transfer %s is already %s", t.ID, t.Status)
	}
	failed := t
	failed.Status = TransferFailed
	failed.Settlement = nil
	failed.Failure = &Failure{ProcessedAt: now.UTC(), ErrorCode: code}
	return failed, nil
}
