package memory

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-orchestrator/internal/domain"
	"payment-orchestrator/internal/errors"
)

func pendingTx(id string) *domain.Transaction {
	order := "order-1"
	return &domain.Transaction{
		ID:       id,
		UserID:   "user-1",
		OrderID:  &order,
		Amount:   decimal.NewFromInt(100),
		Currency: "KES",
		Provider: domain.ProviderMpesa,
		Status:   domain.StatusPending,
	}
}

func TestLedger_ConditionalUpdate(t *testing.T) {
	l := NewLedger()
	ctx := context.Background()
	repo := l.Transactions()

	require.NoError(t, repo.CreateTransaction(ctx, pendingTx("tx-1")))
	require.ErrorIs(t, repo.CreateTransaction(ctx, pendingTx("tx-1")), errors.ErrDuplicateTransaction)

	ref := "R1"
	tx, applied, err := repo.UpdateTransactionStatus(ctx, domain.StatusUpdate{
		TransactionID: "tx-1", Status: domain.StatusFailed, ReferenceID: &ref,
		Metadata: domain.Metadata{"reason": "cancelled"},
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, domain.StatusFailed, tx.Status)

	other := "R2"
	tx, applied, err = repo.UpdateTransactionStatus(ctx, domain.StatusUpdate{
		TransactionID: "tx-1", Status: domain.StatusSuccess, ReferenceID: &other,
	})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, domain.StatusFailed, tx.Status)
	assert.Equal(t, "R1", *tx.ReferenceID)
	assert.Equal(t, "cancelled", tx.Metadata["reason"])

	_, _, err = repo.UpdateTransactionStatus(ctx, domain.StatusUpdate{TransactionID: "nope", Status: domain.StatusSuccess})
	require.ErrorIs(t, err, errors.ErrTransactionNotFound)
}

func TestLedger_ReadsAreCopies(t *testing.T) {
	l := NewLedger()
	ctx := context.Background()
	require.NoError(t, l.Transactions().CreateTransaction(ctx, pendingTx("tx-1")))

	got, err := l.Transactions().GetTransactionByID(ctx, "tx-1")
	require.NoError(t, err)
	got.Status = domain.StatusSuccess

	again, err := l.Transactions().GetTransactionByID(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, again.Status)
}

func TestLedger_WithTransactionRollsBack(t *testing.T) {
	l := NewLedger()
	ctx := context.Background()
	require.NoError(t, l.Transactions().CreateTransaction(ctx, pendingTx("tx-1")))

	boom := stderrors.New("boom")
	err := l.WithTransaction(ctx, func(tl domain.Ledger) error {
		if _, _, err := tl.Transactions().UpdateTransactionStatus(ctx, domain.StatusUpdate{
			TransactionID: "tx-1", Status: domain.StatusSuccess,
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	tx, err := l.Transactions().GetTransactionByID(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, tx.Status)

	err = l.WithTransaction(ctx, func(tl domain.Ledger) error {
		return tl.WithTransaction(ctx, func(domain.Ledger) error { return nil })
	})
	require.ErrorIs(t, err, errors.ErrCannotBeginTransaction)
}

func TestLedger_Orders(t *testing.T) {
	l := NewLedger()
	ctx := context.Background()
	l.AddOrder("order-1")

	require.NoError(t, l.Orders().MarkOrderPaid(ctx, "order-1", "tx-1"))
	require.ErrorIs(t, l.Orders().MarkOrderPaid(ctx, "order-2", "tx-1"), errors.ErrOrderNotFound)

	o, ok := l.Order("order-1")
	require.True(t, ok)
	assert.Equal(t, domain.OrderPaymentPaid, o.PaymentStatus)
	assert.Equal(t, domain.OrderFulfillmentProcessing, o.FulfillmentStatus)
	assert.NotNil(t, o.PaidAt)
}

func TestLedger_Listings(t *testing.T) {
	l := NewLedger()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	l.now = func() time.Time { return clock }

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, l.Transactions().CreateTransaction(ctx, pendingTx(id)))
		clock = clock.Add(time.Minute)
	}
	_, _, err := l.Transactions().UpdateTransactionStatus(ctx, domain.StatusUpdate{TransactionID: "b", Status: domain.StatusSuccess})
	require.NoError(t, err)

	pending, err := l.Transactions().ListPending(ctx, base.Add(90*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "a", pending[0].ID)

	unreconciled, err := l.Transactions().ListUnreconciled(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unreconciled, 1)
	assert.Equal(t, "b", unreconciled[0].ID)

	require.NoError(t, l.Transactions().MarkReconciled(ctx, "b"))
	unreconciled, err = l.Transactions().ListUnreconciled(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, unreconciled)
}
