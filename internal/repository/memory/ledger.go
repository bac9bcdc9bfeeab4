// Package memory is an in-process ledger with the same conditional-update
// semantics as the Postgres store. It backs dev mode and service tests.
package memory

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"payment-orchestrator/internal/domain"
	"payment-orchestrator/internal/errors"
)

type Order struct {
	ID                   string
	PaymentStatus        string
	FulfillmentStatus    string
	PaymentTransactionID string
	PaidAt               *time.Time
}

type state struct {
	transactions map[string]*domain.Transaction
	orders       map[string]*Order
}

func (s *state) clone() *state {
	cp := &state{
		transactions: make(map[string]*domain.Transaction, len(s.transactions)),
		orders:       make(map[string]*Order, len(s.orders)),
	}
	for id, tx := range s.transactions {
		cp.transactions[id] = cloneTransaction(tx)
	}
	for id, o := range s.orders {
		oc := *o
		cp.orders[id] = &oc
	}
	return cp
}

// Ledger implements domain.Ledger. A single mutex serialises writers, and
// WithTransaction holds it for the whole callback.
type Ledger struct {
	mu    *sync.Mutex
	state *state
	inTx  bool
	now   func() time.Time
}

var _ domain.Ledger = (*Ledger)(nil)

func NewLedger() *Ledger {
	return &Ledger{
		mu: &sync.Mutex{},
		state: &state{
			transactions: make(map[string]*domain.Transaction),
			orders:       make(map[string]*Order),
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// AddOrder seeds an unpaid order.
func (l *Ledger) AddOrder(id string) {
	l.lock()
	defer l.unlock()
	l.state.orders[id] = &Order{ID: id, PaymentStatus: "unpaid", FulfillmentStatus: "awaiting_payment"}
}

// Order returns a copy of the stored order.
func (l *Ledger) Order(id string) (Order, bool) {
	l.lock()
	defer l.unlock()
	o, ok := l.state.orders[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

func (l *Ledger) Transactions() domain.TransactionRepository {
	return &transactionRepository{l: l}
}

func (l *Ledger) Orders() domain.OrderRepository {
	return &orderRepository{l: l}
}

func (l *Ledger) WithTransaction(ctx context.Context, fn func(domain.Ledger) error) error {
	if l.inTx {
		return errors.ErrCannotBeginTransaction
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	snapshot := l.state.clone()
	txLedger := &Ledger{mu: l.mu, state: l.state, inTx: true, now: l.now}
	if err := fn(txLedger); err != nil {
		*l.state = *snapshot
		return err
	}
	return nil
}

func (l *Ledger) lock() {
	if !l.inTx {
		l.mu.Lock()
	}
}

func (l *Ledger) unlock() {
	if !l.inTx {
		l.mu.Unlock()
	}
}

type transactionRepository struct {
	l *Ledger
}

func (r *transactionRepository) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	r.l.lock()
	defer r.l.unlock()

	if _, exists := r.l.state.transactions[tx.ID]; exists {
		return errors.ErrDuplicateTransaction.WithDetails(tx.ID)
	}
	now := r.l.now()
	tx.CreatedAt = now
	tx.UpdatedAt = now
	r.l.state.transactions[tx.ID] = cloneTransaction(tx)
	return nil
}

func (r *transactionRepository) GetTransactionByID(ctx context.Context, id string) (*domain.Transaction, error) {
	r.l.lock()
	defer r.l.unlock()

	tx, ok := r.l.state.transactions[id]
	if !ok {
		return nil, errors.ErrTransactionNotFound
	}
	return cloneTransaction(tx), nil
}

func (r *transactionRepository) GetTransactionByReference(ctx context.Context, provider domain.Provider, referenceID string) (*domain.Transaction, error) {
	r.l.lock()
	defer r.l.unlock()

	var found *domain.Transaction
	for _, tx := range r.l.state.transactions {
		if tx.Provider != provider || tx.ReferenceID == nil || *tx.ReferenceID != referenceID {
			continue
		}
		if found == nil || tx.CreatedAt.After(found.CreatedAt) {
			found = tx
		}
	}
	if found == nil {
		return nil, errors.ErrTransactionNotFound
	}
	return cloneTransaction(found), nil
}

func (r *transactionRepository) UpdateTransactionStatus(ctx context.Context, update domain.StatusUpdate) (*domain.Transaction, bool, error) {
	r.l.lock()
	defer r.l.unlock()

	tx, ok := r.l.state.transactions[update.TransactionID]
	if !ok {
		return nil, false, errors.ErrTransactionNotFound
	}
	if tx.Status != domain.StatusPending {
		return cloneTransaction(tx), false, nil
	}

	tx.Status = update.Status
	if update.ReferenceID != nil {
		ref := *update.ReferenceID
		tx.ReferenceID = &ref
	}
	if len(update.Metadata) > 0 {
		if tx.Metadata == nil {
			tx.Metadata = domain.Metadata{}
		}
		maps.Copy(tx.Metadata, update.Metadata)
	}
	tx.UpdatedAt = r.l.now()
	return cloneTransaction(tx), true, nil
}

func (r *transactionRepository) MarkReconciled(ctx context.Context, id string) error {
	r.l.lock()
	defer r.l.unlock()

	tx, ok := r.l.state.transactions[id]
	if !ok {
		return errors.ErrTransactionNotFound
	}
	if tx.ReconciledAt == nil {
		now := r.l.now()
		tx.ReconciledAt = &now
	}
	return nil
}

func (r *transactionRepository) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Transaction, error) {
	return r.list(limit, func(tx *domain.Transaction) bool {
		return tx.Status == domain.StatusPending && tx.CreatedAt.Before(olderThan)
	}), nil
}

func (r *transactionRepository) ListUnreconciled(ctx context.Context, limit int) ([]*domain.Transaction, error) {
	return r.list(limit, (*domain.Transaction).NeedsReconciliation), nil
}

func (r *transactionRepository) list(limit int, match func(*domain.Transaction) bool) []*domain.Transaction {
	r.l.lock()
	defer r.l.unlock()

	var result []*domain.Transaction
	for _, tx := range r.l.state.transactions {
		if match(tx) {
			result = append(result, cloneTransaction(tx))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

type orderRepository struct {
	l *Ledger
}

func (r *orderRepository) MarkOrderPaid(ctx context.Context, orderID, transactionID string) error {
	r.l.lock()
	defer r.l.unlock()

	o, ok := r.l.state.orders[orderID]
	if !ok {
		return errors.ErrOrderNotFound.WithDetails(orderID)
	}
	now := r.l.now()
	o.PaymentStatus = domain.OrderPaymentPaid
	o.FulfillmentStatus = domain.OrderFulfillmentProcessing
	o.PaymentTransactionID = transactionID
	o.PaidAt = &now
	return nil
}

func cloneTransaction(tx *domain.Transaction) *domain.Transaction {
	cp := *tx
	cp.OrderID = cloneString(tx.OrderID)
	cp.ReferenceID = cloneString(tx.ReferenceID)
	cp.RedirectURL = cloneString(tx.RedirectURL)
	cp.Description = cloneString(tx.Description)
	if tx.ReconciledAt != nil {
		t := *tx.ReconciledAt
		cp.ReconciledAt = &t
	}
	if tx.Metadata != nil {
		cp.Metadata = maps.Clone(tx.Metadata)
	}
	return &cp
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
