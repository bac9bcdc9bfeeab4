package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"payment-orchestrator/internal/domain"
	"payment-orchestrator/internal/errors"
)

const transactionColumns = `id, user_id, order_id, amount, currency, provider, status,
		reference_id, redirect_url, description, metadata, reconciled_at, created_at, updated_at`

type transactionRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewTransactionRepository(db SQLExecutor, logger *slog.Logger) domain.TransactionRepository {
	return &transactionRepository{
		db:     db,
		logger: logger,
	}
}

func (r *transactionRepository) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	query := `
		INSERT INTO transactions
		(id, user_id, order_id, amount, currency, provider, status, reference_id, redirect_url,
		 description, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	metadata, err := marshalMetadata(tx.Metadata)
	if err != nil {
		return errors.NewAppError(errors.InternalError, "failed to encode metadata").WithDetails(err.Error())
	}

	now := time.Now().UTC()
	_, err = r.db.ExecContext(ctx,
		query,
		tx.ID,
		tx.UserID,
		tx.OrderID,
		tx.Amount.String(),
		tx.Currency,
		string(tx.Provider),
		string(tx.Status),
		tx.ReferenceID,
		tx.RedirectURL,
		tx.Description,
		metadata,
		now,
		now,
	)

	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok {
			if pqErr.Code == "23505" { // unique_violation
				r.logger.Error("Duplicate transaction id", "transaction_id", tx.ID)
				return errors.ErrDuplicateTransaction.WithDetails(tx.ID)
			}
		}
		r.logger.Error("Failed to create transaction",
			"transaction_id", tx.ID,
			"provider", tx.Provider,
			"amount", tx.Amount,
			"error", err)
		return errors.NewAppError(errors.InternalError, "failed to create transaction").WithDetails(err.Error())
	}

	tx.CreatedAt = now
	tx.UpdatedAt = now
	r.logger.Info("Transaction created", "transaction_id", tx.ID, "provider", tx.Provider)
	return nil
}

func (r *transactionRepository) GetTransactionByID(ctx context.Context, id string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`

	return r.getOne(ctx, query, id)
}

func (r *transactionRepository) GetTransactionByReference(ctx context.Context, provider domain.Provider, referenceID string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions WHERE provider = $1 AND reference_id = $2
		ORDER BY created_at DESC LIMIT 1`

	return r.getOne(ctx, query, string(provider), referenceID)
}

func (r *transactionRepository) getOne(ctx context.Context, query string, args ...interface{}) (*domain.Transaction, error) {
	tx, err := scanTransaction(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrTransactionNotFound
		}
		r.logger.Error("Failed to get transaction", "args", args, "error", err)
		return nil, errors.NewAppError(errors.InternalError, "failed to get transaction").WithDetails(err.Error())
	}
	return tx, nil
}

// UpdateTransactionStatus is a compare-and-swap on status: the row only
// changes while it is still pending.
func (r *transactionRepository) UpdateTransactionStatus(ctx context.Context, update domain.StatusUpdate) (*domain.Transaction, bool, error) {
	query := `
		UPDATE transactions
		SET status = $2,
			reference_id = COALESCE($3, reference_id),
			metadata = metadata || $4::jsonb,
			updated_at = $5
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + transactionColumns

	metadata, err := marshalMetadata(update.Metadata)
	if err != nil {
		return nil, false, errors.NewAppError(errors.InternalError, "failed to encode metadata").WithDetails(err.Error())
	}

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, query,
		update.TransactionID,
		string(update.Status),
		update.ReferenceID,
		metadata,
		time.Now().UTC(),
	))
	if err == nil {
		r.logger.Info("Transaction status updated", "transaction_id", tx.ID, "status", tx.Status)
		return tx, true, nil
	}
	if err != sql.ErrNoRows {
		r.logger.Error("Failed to update transaction status",
			"transaction_id", update.TransactionID, "status", update.Status, "error", err)
		return nil, false, errors.NewAppError(errors.InternalError, "failed to update transaction status").WithDetails(err.Error())
	}

	// Either the id is unknown or the row is already terminal.
	current, err := r.GetTransactionByID(ctx, update.TransactionID)
	if err != nil {
		return nil, false, err
	}
	r.logger.Info("Ignoring status update for settled transaction",
		"transaction_id", current.ID, "current_status", current.Status, "requested_status", update.Status)
	return current, false, nil
}

func (r *transactionRepository) MarkReconciled(ctx context.Context, id string) error {
	query := `UPDATE transactions SET reconciled_at = $1 WHERE id = $2 AND reconciled_at IS NULL`

	if _, err := r.db.ExecContext(ctx, query, time.Now().UTC(), id); err != nil {
		r.logger.Error("Failed to mark transaction reconciled", "transaction_id", id, "error", err)
		return errors.NewAppError(errors.InternalError, "failed to mark transaction reconciled").WithDetails(err.Error())
	}
	return nil
}

func (r *transactionRepository) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at LIMIT $2`

	return r.list(ctx, query, olderThan, limit)
}

func (r *transactionRepository) ListUnreconciled(ctx context.Context, limit int) ([]*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE status = 'success' AND order_id IS NOT NULL AND reconciled_at IS NULL
		ORDER BY updated_at LIMIT $1`

	return r.list(ctx, query, limit)
}

func (r *transactionRepository) list(ctx context.Context, query string, args ...interface{}) ([]*domain.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to list transactions", "error", err)
		return nil, errors.NewAppError(errors.InternalError, "failed to list transactions").WithDetails(err.Error())
	}
	defer rows.Close()

	var result []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, errors.NewAppError(errors.InternalError, "failed to scan transaction").WithDetails(err.Error())
		}
		result = append(result, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewAppError(errors.InternalError, "failed to list transactions").WithDetails(err.Error())
	}
	return result, nil
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var transaction domain.Transaction
	var (
		amountStr    string
		provider     string
		status       string
		orderID      sql.NullString
		referenceID  sql.NullString
		redirectURL  sql.NullString
		description  sql.NullString
		metadata     []byte
		reconciledAt sql.NullTime
	)

	err := row.Scan(
		&transaction.ID,
		&transaction.UserID,
		&orderID,
		&amountStr,
		&transaction.Currency,
		&provider,
		&status,
		&referenceID,
		&redirectURL,
		&description,
		&metadata,
		&reconciledAt,
		&transaction.CreatedAt,
		&transaction.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return nil, err
	}
	transaction.Amount = amount
	transaction.Provider = domain.Provider(provider)
	transaction.Status = domain.Status(status)
	transaction.OrderID = nullString(orderID)
	transaction.ReferenceID = nullString(referenceID)
	transaction.RedirectURL = nullString(redirectURL)
	transaction.Description = nullString(description)
	if reconciledAt.Valid {
		t := reconciledAt.Time
		transaction.ReconciledAt = &t
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &transaction.Metadata); err != nil {
			return nil, err
		}
	}

	return &transaction, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// marshalMetadata returns a string because lib/pq sends []byte as bytea,
// which does not cast to jsonb.
func marshalMetadata(m domain.Metadata) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
