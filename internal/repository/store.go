package repository

import (
	"context"
	"database/sql"
	"log/slog"

	"payment-orchestrator/internal/domain"
	"payment-orchestrator/internal/errors"
)

// Store provides a unified interface for all repository operations with transaction support
type Store struct {
	executor SQLExecutor
	logger   *slog.Logger
}

var _ domain.Ledger = (*Store)(nil)

// NewStore creates a new Store instance
func NewStore(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{
		executor: db,
		logger:   logger,
	}
}

// Transactions returns a TransactionRepository using the current executor
func (s *Store) Transactions() domain.TransactionRepository {
	return NewTransactionRepository(s.executor, s.logger)
}

// Orders returns an OrderRepository using the current executor
func (s *Store) Orders() domain.OrderRepository {
	return NewOrderRepository(s.executor, s.logger)
}

// WithTransaction executes a function within a database transaction
func (s *Store) WithTransaction(ctx context.Context, fn func(domain.Ledger) error) error {
	// Only sql.DB can begin transactions
	db, ok := s.executor.(DB)
	if !ok {
		return errors.ErrCannotBeginTransaction
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewAppError(errors.InternalError, "failed to begin transaction").WithDetails(err.Error())
	}

	txStore := &Store{
		executor: tx,
		logger:   s.logger,
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Failed to roll back transaction", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.NewAppError(errors.InternalError, "failed to commit transaction").WithDetails(err.Error())
	}
	return nil
}
