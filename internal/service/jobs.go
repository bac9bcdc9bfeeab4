package service

import (
	"context"
	"log/slog"
	"time"
)

// Job runs step on every tick until ctx is cancelled. The first run happens
// immediately.
type Job struct {
	name     string
	interval time.Duration
	step     func(ctx context.Context) (int, error)
	logger   *slog.Logger
}

func (j *Job) Start(ctx context.Context) error {
	j.logger.Info("Starting background job", "job", j.name, "interval", j.interval)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.run(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("Background job stopped", "job", j.name)
			return nil
		case <-ticker.C:
			j.run(ctx)
		}
	}
}

func (j *Job) run(ctx context.Context) {
	n, err := j.step(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		j.logger.Error("Background job failed", "job", j.name, "error", err)
		return
	}
	if n > 0 {
		j.logger.Info("Background job processed batch", "job", j.name, "count", n)
	}
}

// NewReconciler retries order updates for settled, unreconciled payments.
func NewReconciler(s *PaymentService, interval time.Duration, batchSize int, logger *slog.Logger) *Job {
	return &Job{
		name:     "order_reconciler",
		interval: interval,
		logger:   logger,
		step: func(ctx context.Context) (int, error) {
			return s.ReconcileOrders(ctx, batchSize)
		},
	}
}

// NewStatusPoller settles payments whose webhook never arrived.
func NewStatusPoller(s *PaymentService, interval, pendingAfter time.Duration, batchSize int, logger *slog.Logger) *Job {
	return &Job{
		name:     "status_poller",
		interval: interval,
		logger:   logger,
		step: func(ctx context.Context) (int, error) {
			return s.PollPending(ctx, s.now().Add(-pendingAfter), batchSize)
		},
	}
}
