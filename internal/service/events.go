package service

import (
	"context"
	"time"

	"payment-orchestrator/internal/domain"
)

// Sources of a ledger transition.
const (
	SourceWebhook = "webhook"
	SourcePoll    = "poll"
)

type StatusChangedEvent struct {
	Transaction *domain.Transaction
	Source      string
	OccurredAt  time.Time
}

// EventPublisher announces committed ledger transitions. Publishing is best
// effort: the ledger stays the source of truth.
type EventPublisher interface {
	PublishStatusChanged(ctx context.Context, event StatusChangedEvent) error
}

type NopPublisher struct{}

func (NopPublisher) PublishStatusChanged(context.Context, StatusChangedEvent) error { return nil }
