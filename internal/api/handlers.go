/**
 * @description
 * This file contains the HTTP handlers for the transfer-service's API endpoints.
 * Handlers parse incoming requests, call the application service and map domain
 * errors onto HTTP status codes.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - go.uber.org/zap: request level logging.
 * - internal/app, internal/domain, internal/store: service logic, models and paging.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/transfa/transfer-service/internal/app"
	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/internal/store"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"

	// codeInvalidRequest is reported for malformed HTTP input that never reaches
	// the domain.
	codeInvalidRequest domain.ErrorCode = "INVALID_REQUEST"
)

// TransferService is what the handlers need from app.Service.
type TransferService interface {
	Submit(ctx context.Context, requestID uuid.UUID, req domain.TransferRequest) (domain.Transfer, error)
	SettlesInline() bool
	GetTransfer(ctx context.Context, transferID uuid.UUID) (domain.Transfer, error)
	GetAccount(ctx context.Context, ownerID int64) (domain.Account, error)
	ListAccounts(ctx context.Context, page store.PageRequest) (store.Page[domain.Account], error)
}

// RateLimiter is satisfied by app.RedisRateLimiter.
type RateLimiter interface {
	Allow(ctx context.Context, scope, subject string) (bool, time.Duration, error)
}

// TransferHandlers holds the application service that handlers will use.
type TransferHandlers struct {
	service TransferService
	limiter RateLimiter
	logger  *zap.Logger
}

func NewTransferHandlers(service TransferService, limiter RateLimiter, logger *zap.Logger) *TransferHandlers {
	return &TransferHandlers{service: service, limiter: limiter, logger: logger.Named("api")}
}

type submitTransferRequest struct {
	OriginatorID  int64           `json:"originatorId"`
	BeneficiaryID int64           `json:"beneficiaryId"`
	Amount        decimal.Decimal `json:"amount"`
}

// transferResponse is flat: request fields appear while PENDING, settlement fields
// on SUCCESS and processedAt plus errorCode on FAILED.
type transferResponse struct {
	TransferID     uuid.UUID             `json:"transferId"`
	RequestID      uuid.UUID             `json:"requestId"`
	CreatedAt      time.Time             `json:"createdAt"`
	Status         domain.TransferStatus `json:"status"`
	OriginatorID   *int64                `json:"originatorId,omitempty"`
	BeneficiaryID  *int64                `json:"beneficiaryId,omitempty"`
	Amount         *decimal.Decimal      `json:"amount,omitempty"`
	TransferAmount *decimal.Decimal      `json:"transferAmount,omitempty"`
	Originator     *domain.Account       `json:"originator,omitempty"`
	Beneficiary    *domain.Account       `json:"beneficiary,omitempty"`
	ProcessedAt    *time.Time            `json:"processedAt,omitempty"`
	ExchangeRate   *decimal.Decimal      `json:"exchangeRate,omitempty"`
	Debit          *decimal.Decimal      `json:"debit,omitempty"`
	Credit         *decimal.Decimal      `json:"credit,omitempty"`
	ErrorCode      domain.ErrorCode      `json:"errorCode,omitempty"`
}

func buildTransferResponse(t domain.Transfer) transferResponse {
	resp := transferResponse{
		TransferID: t.ID,
		RequestID:  t.RequestID,
		CreatedAt:  t.CreatedAt,
		Status:     t.Status,
	}
	switch {
	case t.Settlement != nil:
		s := t.Settlement
		resp.TransferAmount = &s.TransferAmount
		resp.Originator = &s.Originator
		resp.Beneficiary = &s.Beneficiary
		resp.ProcessedAt = &s.ProcessedAt
		resp.ExchangeRate = &s.ExchangeRate
		resp.Debit = &s.Debit
		resp.Credit = &s.Credit
	case t.Failure != nil:
		// A failed transfer never moved money, so no amounts are rendered.
		resp.ProcessedAt = &t.Failure.ProcessedAt
		resp.ErrorCode = t.Failure.ErrorCode
	default:
		req := t.Request
		resp.OriginatorID = &req.OriginatorID
		resp.BeneficiaryID = &req.BeneficiaryID
		resp.Amount = &req.Amount
	}
	return resp
}

type errorResponse struct {
	Code       domain.ErrorCode `json:"code"`
	Message    string           `json:"message"`
	TransferID *uuid.UUID       `json:"transferId,omitempty"`
	RequestID  *uuid.UUID       `json:"requestId,omitempty"`
}

// SubmitTransferHandler accepts a transfer. The Idempotency-Key header carries the
// request id; repeating it returns 409 with the original transfer id.
func (h *TransferHandlers) SubmitTransferHandler(w http.ResponseWriter, r *http.Request) {
	requestID, err := uuid.Parse(strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader)))
	if err != nil || requestID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, codeInvalidRequest, "Idempotency-Key header must be a UUID")
		return
	}

	var body submitTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, codeInvalidRequest, "Invalid request body")
		return
	}

	if allowed, retryAfter := h.allow(r.Context(), body.OriginatorID); !allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
		h.writeError(w, http.StatusTooManyRequests, codeInvalidRequest, "Too many transfer requests, slow down")
		return
	}

	transfer, err := h.service.Submit(r.Context(), requestID, domain.TransferRequest{
		OriginatorID:  body.OriginatorID,
		BeneficiaryID: body.BeneficiaryID,
		Amount:        body.Amount,
	})
	if err != nil {
		var dup *app.DuplicateRequestError
		if errors.As(err, &dup) {
			h.writeJSON(w, http.StatusConflict, errorResponse{
				Code:       domain.ErrCodeDuplicatedRequest,
				Message:    "request was already accepted",
				TransferID: &dup.TransferID,
				RequestID:  &dup.RequestID,
			})
			return
		}
		if !isFailed(transfer) {
			h.respondError(w, r, err)
			return
		}
	}
	if isFailed(transfer) {
		// Settled inline and failed, now or on an earlier attempt: the Failed
		// transfer is the body, sent with the status class of its error code.
		h.writeJSON(w, statusFor(transfer.Failure.ErrorCode), buildTransferResponse(transfer))
		return
	}

	status := http.StatusAccepted
	if h.service.SettlesInline() {
		status = http.StatusOK
	}
	h.writeJSON(w, status, buildTransferResponse(transfer))
}

func isFailed(t domain.Transfer) bool {
	return t.Status == domain.TransferFailed && t.Failure != nil
}

func (h *TransferHandlers) allow(ctx context.Context, originatorID int64) (bool, time.Duration) {
	if h.limiter == nil {
		return true, 0
	}
	allowed, retryAfter, err := h.limiter.Allow(ctx, "transfers", strconv.FormatInt(originatorID, 10))
	if err != nil {
		h.logger.Warn("rate limiter unavailable, allowing request", zap.Error(err))
		return true, 0
	}
	return allowed, retryAfter
}

func (h *TransferHandlers) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	transferID, err := uuid.Parse(chi.URLParam(r, "transferId"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, codeInvalidRequest, "Invalid transfer ID format")
		return
	}

	transfer, err := h.service.GetTransfer(r.Context(), transferID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildTransferResponse(transfer))
}

func (h *TransferHandlers) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, err := strconv.ParseInt(chi.URLParam(r, "ownerId"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, codeInvalidRequest, "Invalid owner ID")
		return
	}

	account, err := h.service.GetAccount(r.Context(), ownerID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, account)
}

func (h *TransferHandlers) ListAccountsHandler(w http.ResponseWriter, r *http.Request) {
	page, err := parseOptionalNonNegativeInt(r.URL.Query().Get("page"), 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, codeInvalidRequest, "Invalid page")
		return
	}
	size, err := parseOptionalNonNegativeInt(r.URL.Query().Get("size"), 10)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, codeInvalidRequest, "Invalid size")
		return
	}

	accounts, err := h.service.ListAccounts(r.Context(), store.PageRequest{Page: page, Size: size})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, accounts)
}

func parseOptionalNonNegativeInt(raw string, defaultValue int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if value < 0 {
		return 0, errors.New("must be >= 0")
	}
	return value, nil
}

func statusFor(code domain.ErrorCode) int {
	switch code.Class() {
	case domain.ClassConflict:
		return http.StatusConflict
	case domain.ClassNotFound:
		return http.StatusNotFound
	case domain.ClassBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func errorPayload(err error) (int, errorResponse) {
	if domainErr, ok := domain.AsError(err); ok {
		return statusFor(domainErr.Code), errorResponse{Code: domainErr.Code, Message: domainErr.Message}
	}
	return http.StatusInternalServerError, errorResponse{Code: domain.ErrCodeUnexpected, Message: "Internal server error"}
}

func (h *TransferHandlers) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := errorPayload(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	h.writeJSON(w, status, resp)
}

// writeJSON is a helper for writing JSON responses.
func (h *TransferHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *TransferHandlers) writeError(w http.ResponseWriter, status int, code domain.ErrorCode, message string) {
	h.writeJSON(w, status, errorResponse{Code: code, Message: message})
}
