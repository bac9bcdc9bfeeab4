package repository

import (
	"context"
	"log/slog"
	"time"

	"payment-orchestrator/internal/domain"
	"payment-orchestrator/internal/errors"
)

type orderRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewOrderRepository(db SQLExecutor, logger *slog.Logger) domain.OrderRepository {
	return &orderRepository{
		db:     db,
		logger: logger,
	}
}

func (r *orderRepository) MarkOrderPaid(ctx context.Context, orderID, transactionID string) error {
	query := `
		UPDATE orders
		SET payment_status = $1,
			fulfillment_status = $2,
			payment_transaction_id = $3,
			paid_at = $4,
			updated_at = $4
		WHERE id = $5
	`

	result, err := r.db.ExecContext(ctx, query,
		domain.OrderPaymentPaid,
		domain.OrderFulfillmentProcessing,
		transactionID,
		time.Now().UTC(),
		orderID,
	)
	if err != nil {
		r.logger.Error("Failed to mark order paid", "order_id", orderID, "transaction_id", transactionID, "error", err)
		return errors.NewAppError(errors.InternalError, "failed to update order").WithDetails(err.Error())
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.NewAppError(errors.InternalError, "failed to get rows affected").WithDetails(err.Error())
	}

	if rowsAffected == 0 {
		r.logger.Warn("No order found to mark paid", "order_id", orderID, "transaction_id", transactionID)
		return errors.ErrOrderNotFound.WithDetails(orderID)
	}

	r.logger.Info("Order marked paid", "order_id", orderID, "transaction_id", transactionID)
	return nil
}
