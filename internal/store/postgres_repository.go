/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Queries run on the transaction carried by the context when there is one, and on
 * the pool otherwise.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: NUMERIC columns are scanned into decimals.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/transfa/transfer-service/internal/domain"
)

var (
	ErrAccountNotFound  = errors.New("account not found")
	ErrAccountVersion   = errors.New("account version moved while locked")
	ErrTransferNotFound = errors.New("transfer not found")
	ErrDuplicateRequest = errors.New("duplicate request id")
	ErrNoTransaction    = errors.New("row lock requested outside a transaction")
)

const requestIDConstraint = "transfers_request_id_key"

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) conn(ctx context.Context) querier {
	if tx := getTx(ctx); tx != nil {
		return tx
	}
	return r.db
}

// --- accounts ---

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var (
		acc      domain.Account
		currency string
	)
	if err := row.Scan(&acc.OwnerID, &currency, &acc.Balance, &acc.Version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	acc.Currency = domain.Currency(strings.TrimSpace(currency))
	return &acc, nil
}

func (r *PostgresRepository) GetAccount(ctx context.Context, ownerID int64) (*domain.Account, error) {
	return scanAccount(r.conn(ctx).QueryRow(ctx,
		`SELECT owner_id, currency, balance, version FROM accounts WHERE owner_id = $1`, ownerID))
}

// LockAccount uses FOR UPDATE so concurrent settlements touching the same account
// serialise on the row.
func (r *PostgresRepository) LockAccount(ctx context.Context, ownerID int64) (*domain.Account, error) {
	tx := getTx(ctx)
	if tx == nil {
		return nil, ErrNoTransaction
	}
	return scanAccount(tx.QueryRow(ctx,
		`SELECT owner_id, currency, balance, version FROM accounts WHERE owner_id = $1 FOR UPDATE`, ownerID))
}

// SaveAccountBalance writes account.Balance at account.Version. The stored row must
// still be at the previous version.
func (r *PostgresRepository) SaveAccountBalance(ctx context.Context, account domain.Account) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE accounts SET balance = $1, version = $3, updated_at = NOW() WHERE owner_id = $2 AND version = $3 - 1`,
		account.Balance, account.OwnerID, account.Version)
	if err != nil {
		return fmt.Errorf("failed to update balance of account %d: %w", account.OwnerID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE owner_id = $1)`, account.OwnerID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check account %d: %w", account.OwnerID, err)
		}
		if !exists {
			return ErrAccountNotFound
		}
		return fmt.Errorf("account %d at version %d: %w", account.OwnerID, account.Version, ErrAccountVersion)
	}
	return nil
}

func (r *PostgresRepository) ListAccounts(ctx context.Context, page PageRequest) (Page[domain.Account], error) {
	return r.listAccounts(ctx, "accounts", page)
}

func (r *PostgresRepository) listAccounts(ctx context.Context, table string, page PageRequest) (Page[domain.Account], error) {
	page = page.Normalize()
	result := Page[domain.Account]{Content: []domain.Account{}, Page: page.Page, Size: page.Size}

	db := r.conn(ctx)
	if err := db.QueryRow(ctx, `SELECT COUNT(*) FROM `+table).Scan(&result.TotalElements); err != nil {
		return result, fmt.Errorf("failed to count %s: %w", table, err)
	}

	rows, err := db.Query(ctx,
		`SELECT owner_id, COALESCE(currency, ''), balance, version FROM `+table+` ORDER BY owner_id LIMIT $1 OFFSET $2`,
		page.Size, page.Offset())
	if err != nil {
		return result, fmt.Errorf("failed to list %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return result, err
		}
		result.Content = append(result.Content, *acc)
	}
	return result, rows.Err()
}

// --- transfers ---

const transferColumns = `
	transfer_id, request_id, status, created_at,
	requested_originator_id, requested_beneficiary_id, requested_amount,
	processed_at, error_code,
	transfer_amount, originator_id, originator_currency, originator_balance,
	beneficiary_id, beneficiary_currency, beneficiary_balance,
	exchange_rate, debit, credit`

func scanTransfer(row pgx.Row) (*domain.Transfer, error) {
	var (
		t                   domain.Transfer
		status              string
		processedAt         *time.Time
		errorCode           *string
		transferAmount      decimal.NullDecimal
		originatorID        *int64
		originatorCurrency  *string
		originatorBalance   decimal.NullDecimal
		beneficiaryID       *int64
		beneficiaryCurrency *string
		beneficiaryBalance  decimal.NullDecimal
		exchangeRate        decimal.NullDecimal
		debit               decimal.NullDecimal
		credit              decimal.NullDecimal
	)
	err := row.Scan(
		&t.ID, &t.RequestID, &status, &t.CreatedAt,
		&t.Request.OriginatorID, &t.Request.BeneficiaryID, &t.Request.Amount,
		&processedAt, &errorCode,
		&transferAmount, &originatorID, &originatorCurrency, &originatorBalance,
		&beneficiaryID, &beneficiaryCurrency, &beneficiaryBalance,
		&exchangeRate, &debit, &credit,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	t.Status = domain.TransferStatus(status)

	switch t.Status {
	case domain.TransferSuccessful:
		if processedAt == nil || originatorID == nil || beneficiaryID == nil ||
			originatorCurrency == nil || beneficiaryCurrency == nil {
			return nil, fmt.Errorf("transfer %s is SUCCESS but has incomplete settlement columns", t.ID)
		}
		t.Settlement = &domain.Settlement{
			TransferAmount: transferAmount.Decimal,
			Originator: domain.Account{
				OwnerID:  *originatorID,
				Currency: domain.Currency(strings.TrimSpace(*originatorCurrency)),
				Balance:  originatorBalance.Decimal,
			},
			Beneficiary: domain.Account{
				OwnerID:  *beneficiaryID,
				Currency: domain.Currency(strings.TrimSpace(*beneficiaryCurrency)),
				Balance:  beneficiaryBalance.Decimal,
			},
			ProcessedAt:  processedAt.UTC(),
			ExchangeRate: exchangeRate.Decimal,
			Debit:        debit.Decimal,
			Credit:       credit.Decimal,
		}
	case domain.TransferFailed:
		if processedAt == nil || errorCode == nil {
			return nil, fmt.Errorf("transfer %s is FAILED but has no error code", t.ID)
		}
		t.Failure = &domain.Failure{ProcessedAt: processedAt.UTC(), ErrorCode: domain.ErrorCode(*errorCode)}
	}
	return &t, nil
}

func (r *PostgresRepository) CreateTransfer(ctx context.Context, transfer domain.Transfer) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO transfers (
			transfer_id, request_id, status, created_at,
			requested_originator_id, requested_beneficiary_id, requested_amount
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		transfer.ID, transfer.RequestID, string(transfer.Status), transfer.CreatedAt,
		transfer.Request.OriginatorID, transfer.Request.BeneficiaryID, transfer.Request.Amount,
	)
	if err != nil {
		if isUniqueViolation(err, requestIDConstraint) {
			return ErrDuplicateRequest
		}
		return fmt.Errorf("failed to insert transfer: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetTransfer(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	return scanTransfer(r.conn(ctx).QueryRow(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE transfer_id = $1`, transferID))
}

func (r *PostgresRepository) LockTransfer(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	tx := getTx(ctx)
	if tx == nil {
		return nil, ErrNoTransaction
	}
	return scanTransfer(tx.QueryRow(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE transfer_id = $1 FOR UPDATE`, transferID))
}

func (r *PostgresRepository) FindTransferIDByRequestID(ctx context.Context, requestID uuid.UUID) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.conn(ctx).QueryRow(ctx, `SELECT transfer_id FROM transfers WHERE request_id = $1`, requestID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrTransferNotFound
		}
		return uuid.Nil, err
	}
	return id, nil
}

func (r *PostgresRepository) SaveSettlement(ctx context.Context, transfer domain.Transfer) error {
	s := transfer.Settlement
	if transfer.Status != domain.TransferSuccessful || s == nil {
		return fmt.Errorf("transfer %s is not successful", transfer.ID)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE transfers
		SET status = $2,
			processed_at = $3,
			transfer_amount = $4,
			originator_id = $5,
			originator_currency = $6,
			originator_balance = $7,
			beneficiary_id = $8,
			beneficiary_currency = $9,
			beneficiary_balance = $10,
			exchange_rate = $11,
			debit = $12,
			credit = $13
		WHERE transfer_id = $1 AND status = 'PENDING'
	`,
		transfer.ID, string(transfer.Status), s.ProcessedAt,
		s.TransferAmount,
		s.Originator.OwnerID, string(s.Originator.Currency), s.Originator.Balance,
		s.Beneficiary.OwnerID, string(s.Beneficiary.Currency), s.Beneficiary.Balance,
		s.ExchangeRate, s.Debit, s.Credit,
	)
	if err != nil {
		return fmt.Errorf("failed to save settlement of transfer %s: %w", transfer.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transfer %s is no longer pending", transfer.ID)
	}
	return nil
}

func (r *PostgresRepository) SaveFailure(ctx context.Context, transfer domain.Transfer) (bool, error) {
	if transfer.Status != domain.TransferFailed || transfer.Failure == nil {
		return false, fmt.Errorf("transfer %s is not failed", transfer.ID)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE transfers
		SET status = 'FAILED', processed_at = $2, error_code = $3
		WHERE transfer_id = $1 AND status = 'PENDING'
	`, transfer.ID, transfer.Failure.ProcessedAt, string(transfer.Failure.ErrorCode))
	if err != nil {
		return false, fmt.Errorf("failed to record failure of transfer %s: %w", transfer.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) ListStalePendingTransfers(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transfer, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+transferColumns+`
		FROM transfers
		WHERE status = 'PENDING'
			AND created_at < $1
			AND (requeued_at IS NULL OR requeued_at < $1)
		ORDER BY created_at
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale transfers: %w", err)
	}
	defer rows.Close()

	transfers := make([]domain.Transfer, 0, limit)
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, *t)
	}
	return transfers, rows.Err()
}

func (r *PostgresRepository) MarkTransferRequeued(ctx context.Context, transferID uuid.UUID, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE transfers SET requeued_at = $2 WHERE transfer_id = $1`, transferID, at)
	return err
}

// --- outbox ---

func (r *PostgresRepository) EnqueueOutbox(ctx context.Context, exchange, routingKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO event_outbox (exchange, routing_key, payload)
		VALUES ($1, $2, $3::jsonb)
	`, strings.TrimSpace(exchange), strings.TrimSpace(routingKey), string(blob))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}

// ClaimOutboxMessages moves a batch to 'processing'. Rows stuck in processing longer
// than staleAfter are reclaimed, which covers a dispatcher that died mid-batch.
func (r *PostgresRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfter time.Duration) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	staleAfterSeconds := int(staleAfter.Seconds())
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	rows, err := r.conn(ctx).Query(ctx, `
		WITH candidates AS (
			SELECT id
			FROM event_outbox
			WHERE (
				(status = 'pending' AND next_attempt_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE event_outbox AS o
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = o.attempts + 1
		FROM candidates
		WHERE o.id = candidates.id
		RETURNING o.id, o.exchange, o.routing_key, o.payload::text, o.attempts
	`, limit, staleAfterSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]OutboxMessage, 0, limit)
	for rows.Next() {
		var (
			msg     OutboxMessage
			payload string
		)
		if err := rows.Scan(&msg.ID, &msg.Exchange, &msg.RoutingKey, &payload, &msg.Attempts); err != nil {
			return nil, err
		}
		msg.Payload = []byte(payload)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE event_outbox
		SET status = 'published',
			published_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = $1
	`, id)
	return err
}

func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfter time.Duration, reason string) error {
	retryAfterSeconds := int(retryAfter.Seconds())
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	if len(reason) > 2000 {
		reason = reason[:2000]
	}
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE event_outbox
		SET status = 'pending',
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1
	`, id, retryAfterSeconds, reason)
	return err
}

// --- account read model ---

// UpsertAccountProjection ignores events whose version is not newer than the stored row.
func (r *PostgresRepository) UpsertAccountProjection(ctx context.Context, ownerID int64, balance decimal.Decimal, version int64, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO account_projections (owner_id, currency, balance, version, updated_at)
		VALUES ($1, (SELECT currency FROM accounts WHERE owner_id = $1), $2, $3, $4)
		ON CONFLICT (owner_id) DO UPDATE
		SET balance = EXCLUDED.balance,
			currency = COALESCE(account_projections.currency, EXCLUDED.currency),
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at
		WHERE account_projections.version < EXCLUDED.version
	`, ownerID, balance, version, at)
	if err != nil {
		return fmt.Errorf("failed to upsert projection for account %d: %w", ownerID, err)
	}
	return nil
}

func (r *PostgresRepository) GetAccountProjection(ctx context.Context, ownerID int64) (*domain.Account, error) {
	return scanAccount(r.conn(ctx).QueryRow(ctx,
		`SELECT owner_id, COALESCE(currency, ''), balance, version FROM account_projections WHERE owner_id = $1`, ownerID))
}

func (r *PostgresRepository) ListAccountProjections(ctx context.Context, page PageRequest) (Page[domain.Account], error) {
	return r.listAccounts(ctx, "account_projections", page)
}
