package app

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/internal/store"
	"github.com/transfa/transfer-service/pkg/rabbitmq"
)

type inTxKey struct{}

type memOutbox struct {
	store.OutboxMessage
	status     string
	retryAfter time.Duration
	lastError  string
}

type memProjection struct {
	balance decimal.Decimal
	version int64
}

type memState struct {
	accounts    map[int64]domain.Account
	transfers   map[uuid.UUID]domain.Transfer
	requeued    map[uuid.UUID]time.Time
	outbox      []memOutbox
	projections map[int64]memProjection
}

func (s memState) clone() memState {
	c := memState{
		accounts:    make(map[int64]domain.Account, len(s.accounts)),
		transfers:   make(map[uuid.UUID]domain.Transfer, len(s.transfers)),
		requeued:    make(map[uuid.UUID]time.Time, len(s.requeued)),
		outbox:      append([]memOutbox(nil), s.outbox...),
		projections: make(map[int64]memProjection, len(s.projections)),
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.transfers {
		c.transfers[k] = v
	}
	for k, v := range s.requeued {
		c.requeued[k] = v
	}
	for k, v := range s.projections {
		c.projections[k] = v
	}
	return c
}

// memRepo is an in-memory store.Repository. memTx serialises transactions and
// restores a snapshot when fn fails, which is enough to observe rollbacks.
type memRepo struct {
	mu    sync.Mutex
	state memState

	lockedAccounts []int64
	nextOutboxID   int64

	errGetTransfer     error
	errSaveSettlement  error
	errProjection      error
	errClaim           error
	settlementAttempts int
}

func newMemRepo(accounts ...domain.Account) *memRepo {
	r := &memRepo{state: memState{
		accounts:    map[int64]domain.Account{},
		transfers:   map[uuid.UUID]domain.Transfer{},
		requeued:    map[uuid.UUID]time.Time{},
		projections: map[int64]memProjection{},
	}}
	for _, a := range accounts {
		r.state.accounts[a.OwnerID] = a
	}
	return r
}

func account(ownerID int64, currency domain.Currency, balance string) domain.Account {
	return domain.Account{OwnerID: ownerID, Currency: currency, Balance: decimal.RequireFromString(balance)}
}

func inTx(ctx context.Context) bool {
	v, _ := ctx.Value(inTxKey{}).(bool)
	return v
}

func (r *memRepo) balance(ownerID int64) decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.accounts[ownerID].Balance
}

func (r *memRepo) transfer(id uuid.UUID) domain.Transfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.transfers[id]
}

func (r *memRepo) outboxRows() []memOutbox {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]memOutbox(nil), r.state.outbox...)
}

func (r *memRepo) GetAccount(ctx context.Context, ownerID int64) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.state.accounts[ownerID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	return &a, nil
}

func (r *memRepo) LockAccount(ctx context.Context, ownerID int64) (*domain.Account, error) {
	if !inTx(ctx) {
		return nil, store.ErrNoTransaction
	}
	r.mu.Lock()
	r.lockedAccounts = append(r.lockedAccounts, ownerID)
	r.mu.Unlock()
	return r.GetAccount(ctx, ownerID)
}

func (r *memRepo) SaveAccountBalance(ctx context.Context, a domain.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.state.accounts[a.OwnerID]
	if !ok {
		return store.ErrAccountNotFound
	}
	if a.Version != current.Version+1 {
		return store.ErrAccountVersion
	}
	if a.Balance.IsNegative() {
		return errors.New("accounts_balance_non_negative")
	}
	r.state.accounts[a.OwnerID] = a
	return nil
}

func (r *memRepo) ListAccounts(ctx context.Context, page store.PageRequest) (store.Page[domain.Account], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]domain.Account, 0, len(r.state.accounts))
	for _, a := range r.state.accounts {
		all = append(all, a)
	}
	return paginate(all, page), nil
}

func paginate(all []domain.Account, page store.PageRequest) store.Page[domain.Account] {
	sort.Slice(all, func(i, j int) bool { return all[i].OwnerID < all[j].OwnerID })
	page = page.Normalize()
	start := page.Offset()
	if start > len(all) {
		start = len(all)
	}
	end := start + page.Size
	if end > len(all) {
		end = len(all)
	}
	return store.Page[domain.Account]{Content: all[start:end], TotalElements: int64(len(all)), Page: page.Page, Size: page.Size}
}

func (r *memRepo) CreateTransfer(ctx context.Context, t domain.Transfer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.state.transfers {
		if existing.RequestID == t.RequestID {
			return store.ErrDuplicateRequest
		}
	}
	r.state.transfers[t.ID] = t
	return nil
}

func (r *memRepo) GetTransfer(ctx context.Context, id uuid.UUID) (*domain.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.errGetTransfer != nil {
		return nil, r.errGetTransfer
	}
	t, ok := r.state.transfers[id]
	if !ok {
		return nil, store.ErrTransferNotFound
	}
	return &t, nil
}

func (r *memRepo) LockTransfer(ctx context.Context, id uuid.UUID) (*domain.Transfer, error) {
	if !inTx(ctx) {
		return nil, store.ErrNoTransaction
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.state.transfers[id]
	if !ok {
		return nil, store.ErrTransferNotFound
	}
	return &t, nil
}

func (r *memRepo) FindTransferIDByRequestID(ctx context.Context, requestID uuid.UUID) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.state.transfers {
		if t.RequestID == requestID {
			return t.ID, nil
		}
	}
	return uuid.Nil, store.ErrTransferNotFound
}

func (r *memRepo) SaveSettlement(ctx context.Context, t domain.Transfer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settlementAttempts++
	if r.errSaveSettlement != nil {
		return r.errSaveSettlement
	}
	if r.state.transfers[t.ID].Status != domain.TransferPending {
		return errors.New("transfer is no longer pending")
	}
	r.state.transfers[t.ID] = t
	return nil
}

func (r *memRepo) SaveFailure(ctx context.Context, t domain.Transfer) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.transfers[t.ID].Status != domain.TransferPending {
		return false, nil
	}
	r.state.transfers[t.ID] = t
	return true, nil
}

func (r *memRepo) ListStalePendingTransfers(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Transfer
	for _, t := range r.state.transfers {
		if t.Status != domain.TransferPending || !t.CreatedAt.Before(olderThan) {
			continue
		}
		if at, ok := r.state.requeued[t.ID]; ok && !at.Before(olderThan) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) MarkTransferRequeued(ctx context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.requeued[id] = at
	return nil
}

func (r *memRepo) EnqueueOutbox(ctx context.Context, exchange, routingKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextOutboxID++
	r.state.outbox = append(r.state.outbox, memOutbox{
		OutboxMessage: store.OutboxMessage{ID: r.nextOutboxID, Exchange: exchange, RoutingKey: routingKey, Payload: blob},
		status:        "pending",
	})
	return nil
}

func (r *memRepo) ClaimOutboxMessages(ctx context.Context, limit int, staleAfter time.Duration) ([]store.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.errClaim != nil {
		return nil, r.errClaim
	}
	var claimed []store.OutboxMessage
	for i := range r.state.outbox {
		row := &r.state.outbox[i]
		if row.status != "pending" || len(claimed) >= limit {
			continue
		}
		row.status = "processing"
		row.Attempts++
		claimed = append(claimed, row.OutboxMessage)
	}
	return claimed, nil
}

func (r *memRepo) MarkOutboxPublished(ctx context.Context, id int64) error {
	return r.updateOutbox(id, func(row *memOutbox) { row.status = "published" })
}

func (r *memRepo) MarkOutboxFailed(ctx context.Context, id int64, retryAfter time.Duration, reason string) error {
	return r.updateOutbox(id, func(row *memOutbox) {
		row.status = "pending"
		row.retryAfter = retryAfter
		row.lastError = reason
	})
}

func (r *memRepo) updateOutbox(id int64, fn func(*memOutbox)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.state.outbox {
		if r.state.outbox[i].ID == id {
			fn(&r.state.outbox[i])
			return nil
		}
	}
	return errors.New("outbox row not found")
}

func (r *memRepo) UpsertAccountProjection(ctx context.Context, ownerID int64, balance decimal.Decimal, version int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.errProjection != nil {
		return r.errProjection
	}
	if current, ok := r.state.projections[ownerID]; ok && current.version >= version {
		return nil
	}
	r.state.projections[ownerID] = memProjection{balance: balance, version: version}
	return nil
}

func (r *memRepo) GetAccountProjection(ctx context.Context, ownerID int64) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.state.projections[ownerID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	return &domain.Account{OwnerID: ownerID, Currency: r.state.accounts[ownerID].Currency, Balance: p.balance}, nil
}

func (r *memRepo) ListAccountProjections(ctx context.Context, page store.PageRequest) (store.Page[domain.Account], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := make([]domain.Account, 0, len(r.state.projections))
	for id, p := range r.state.projections {
		all = append(all, domain.Account{OwnerID: id, Currency: r.state.accounts[id].Currency, Balance: p.balance})
	}
	return paginate(all, page), nil
}

type memTx struct {
	mu    sync.Mutex
	repo  *memRepo
	calls int
}

func (m *memTx) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	m.repo.mu.Lock()
	snapshot := m.repo.state.clone()
	m.repo.mu.Unlock()

	if err := fn(context.WithValue(ctx, inTxKey{}, true)); err != nil {
		m.repo.mu.Lock()
		m.repo.state = snapshot
		m.repo.mu.Unlock()
		return err
	}
	return nil
}

type rateKey struct{ source, destination domain.Currency }

type stubRates struct {
	mu    sync.Mutex
	rates map[rateKey]decimal.Decimal
	err   error
	calls int
}

func (s *stubRates) GetRate(ctx context.Context, source, destination domain.Currency) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return decimal.Decimal{}, s.err
	}
	if source == destination {
		return decimal.NewFromInt(1), nil
	}
	rate, ok := s.rates[rateKey{source, destination}]
	if !ok {
		return decimal.Decimal{}, domain.Errorf(domain.ErrCodeExchangeRateNotFound, "no rate %s/%s", source, destination)
	}
	return rate, nil
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []publishedEvent
	err       error
	closed    int
}

type publishedEvent struct {
	exchange   string
	routingKey string
	body       []byte
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	blob, err := json.Marshal(body)
	if err != nil {
		return err
	}
	p.published = append(p.published, publishedEvent{exchange: exchange, routingKey: routingKey, body: blob})
	return nil
}

func (p *recordingPublisher) Close() {
	p.mu.Lock()
	p.closed++
	p.mu.Unlock()
}

var _ rabbitmq.Publisher = (*recordingPublisher)(nil)
var _ store.Repository = (*memRepo)(nil)
