package domain

import "github.com/shopspring/decimal"

// Fractional digits kept for money and for exchange rates. They match the
// NUMERIC(19,4) and NUMERIC(19,10) columns in the schema.
const (
	AmountScale int32 = 4
	RateScale   int32 = 10
)

// Account is an immutable snapshot of a ledger account. Debit and Credit return
// new values; persisting them is up to the caller.
//
// Version counts balance changes. Every Debit or Credit yields Version+1, which
// orders balance events for the same account.
type Account struct {
	OwnerID  int64           `json:"ownerId"`
	Currency Currency        `json:"currency"`
	Balance  decimal.Decimal `json:"balance"`
	Version  int64           `json:"-"`
}

func (a Account) HasFund(amount decimal.Decimal) bool {
	return a.Balance.GreaterThanOrEqual(amount)
}

// Debit fails with INSUFFICIENT_BALANCE rather than let the balance go negative.
func (a Account) Debit(amount decimal.Decimal) (Account, error) {
	if !a.HasFund(amount) {
		return Account{}, Errorf(ErrCodeInsufficientBalance,
			"account %d cannot cover a debit of %s", a.OwnerID, amount.StringFixed(AmountScale))
	}
	return Account{OwnerID: a.OwnerID, Currency: a.Currency, Balance: a.Balance.Sub(amount), Version: a.Version + 1}, nil
}

func (a Account) Credit(amount decimal.Decimal) Account {
	return Account{OwnerID: a.OwnerID, Currency: a.Currency, Balance: a.Balance.Add(amount), Version: a.Version + 1}
}
