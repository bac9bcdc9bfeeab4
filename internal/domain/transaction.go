package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

type Provider string

const (
	ProviderMpesa       Provider = "mpesa"
	ProviderFlutterwave Provider = "flutterwave"
	ProviderPaystack    Provider = "paystack"
	ProviderStripe      Provider = "stripe"
)

// Metadata is provider diagnostic data. It is stored and returned but never
// drives control flow.
type Metadata map[string]any

type Transaction struct {
	ID           string          `json:"transaction_id"`
	UserID       string          `json:"user_id"`
	OrderID      *string         `json:"order_id,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Provider     Provider        `json:"provider"`
	Status       Status          `json:"status"`
	ReferenceID  *string         `json:"reference_id,omitempty"`
	RedirectURL  *string         `json:"redirect_url,omitempty"`
	Description  *string         `json:"description,omitempty"`
	Metadata     Metadata        `json:"metadata,omitempty"`
	ReconciledAt *time.Time      `json:"-"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// NeedsReconciliation reports whether a settled payment still has to be
// propagated to its order.
func (t *Transaction) NeedsReconciliation() bool {
	return t.Status == StatusSuccess && t.OrderID != nil && t.ReconciledAt == nil
}

// StatusUpdate is the single mutation the ledger accepts after insert.
type StatusUpdate struct {
	TransactionID string
	Status        Status
	ReferenceID   *string
	Metadata      Metadata
}

type TransactionRepository interface {
	CreateTransaction(ctx context.Context, tx *Transaction) error
	GetTransactionByID(ctx context.Context, id string) (*Transaction, error)
	GetTransactionByReference(ctx context.Context, provider Provider, referenceID string) (*Transaction, error)
	// UpdateTransactionStatus applies update only while the stored status is
	// still pending. applied is false when the row was already terminal.
	UpdateTransactionStatus(ctx context.Context, update StatusUpdate) (tx *Transaction, applied bool, err error)
	MarkReconciled(ctx context.Context, id string) error
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*Transaction, error)
	ListUnreconciled(ctx context.Context, limit int) ([]*Transaction, error)
}
