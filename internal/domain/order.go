package domain

import "context"

const (
	OrderPaymentPaid           = "paid"
	OrderFulfillmentProcessing = "processing"
)

// OrderRepository is the slice of the order-management store this service
// is allowed to touch.
type OrderRepository interface {
	// MarkOrderPaid returns errors.ErrOrderNotFound when no order row matches.
	MarkOrderPaid(ctx context.Context, orderID, transactionID string) error
}

// Ledger groups the repositories that must change together when a payment
// settles. WithTransaction runs fn atomically.
type Ledger interface {
	Transactions() TransactionRepository
	Orders() OrderRepository
	WithTransaction(ctx context.Context, fn func(Ledger) error) error
}
