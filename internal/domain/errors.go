package domain

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a business failure. Codes are persisted on failed transfers
// and returned to API callers, so existing values must never change.
type ErrorCode string

const (
	ErrCodeDuplicatedRequest    ErrorCode = "DUPLICATED_REQUEST"
	ErrCodeAccountNotFound      ErrorCode = "ACCOUNT_NOT_FOUND"
	ErrCodeTransferNotFound     ErrorCode = "TRANSFER_NOT_FOUND"
	ErrCodeExchangeRateNotFound ErrorCode = "EXCHANGE_RATE_NOT_FOUND"
	ErrCodeNegativeAmount       ErrorCode = "NEGATIVE_AMOUNT"
	ErrCodeInvalidBeneficiary   ErrorCode = "INVALID_BENEFICIARY"
	ErrCodeInvalidCurrency      ErrorCode = "INVALID_CURRENCY"
	ErrCodeInvalidTransfer      ErrorCode = "INVALID_TRANSFER"
	ErrCodeInvalidExchangeRate  ErrorCode = "INVALID_EXCHANGE_RATE"
	ErrCodeInsufficientBalance  ErrorCode = "INSUFFICIENT_BALANCE"
	ErrCodeExchangeRateNegative ErrorCode = "EXCHANGE_RATE_NEGATIVE"
	ErrCodeUnexpected           ErrorCode = "UNEXPECTED_ERROR"
)

// StatusClass groups error codes by how a synchronous caller should see them.
type StatusClass int

const (
	ClassInternal StatusClass = iota
	ClassBadRequest
	ClassNotFound
	ClassConflict
)

func (c ErrorCode) Class() StatusClass {
	switch c {
	case ErrCodeDuplicatedRequest:
		return ClassConflict
	case ErrCodeAccountNotFound, ErrCodeTransferNotFound, ErrCodeExchangeRateNotFound:
		return ClassNotFound
	case ErrCodeNegativeAmount, ErrCodeInsufficientBalance, ErrCodeInvalidBeneficiary,
		ErrCodeInvalidCurrency, ErrCodeInvalidTransfer, ErrCodeInvalidExchangeRate:
		return ClassBadRequest
	default:
		return ClassInternal
	}
}

// Error is a domain failure. Anything that is not an *Error is treated as an
// infrastructure fault by the settlement pipeline.
type Error struct {
	Code    ErrorCode
	Message string
}

func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches on code so callers can compare against the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is checks.
var (
	ErrDuplicatedRequest    = NewError(ErrCodeDuplicatedRequest, "")
	ErrAccountNotFound      = NewError(ErrCodeAccountNotFound, "")
	ErrTransferNotFound     = NewError(ErrCodeTransferNotFound, "")
	ErrExchangeRateNotFound = NewError(ErrCodeExchangeRateNotFound, "")
	ErrNegativeAmount       = NewError(ErrCodeNegativeAmount, "")
	ErrInvalidBeneficiary   = NewError(ErrCodeInvalidBeneficiary, "")
	ErrInvalidCurrency      = NewError(ErrCodeInvalidCurrency, "")
	ErrInvalidTransfer      = NewError(ErrCodeInvalidTransfer, "")
	ErrInvalidExchangeRate  = NewError(ErrCodeInvalidExchangeRate, "")
	ErrInsufficientBalance  = NewError(ErrCodeInsufficientBalance, "")
	ErrExchangeRateNegative = NewError(ErrCodeExchangeRateNegative, "")
)

// AsError unwraps err to a domain error if there is one in the chain.
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// IsDomainError reports whether err should be settled as a failed transfer.
func IsDomainError(err error) bool {
	_, ok := AsError(err)
	return ok
}
