package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"payment-orchestrator/internal/service"
)

const eventType = "payment.status_changed"

// StatusEventPublisher writes ledger transitions to Kafka, keyed by
// transaction id so events for one payment stay on one partition.
type StatusEventPublisher struct {
	logger *slog.Logger
	writer *kafka.Writer
	topic  string
}

var _ service.EventPublisher = (*StatusEventPublisher)(nil)

func NewStatusEventPublisher(logger *slog.Logger, brokers []string, topic string) *StatusEventPublisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		WriteTimeout:           5 * time.Second,
	}

	return &StatusEventPublisher{
		logger: logger,
		writer: writer,
		topic:  topic,
	}
}

type statusChangedPayload struct {
	EventID       string  `json:"event_id"`
	EventType     string  `json:"event_type"`
	EventVersion  int     `json:"event_version"`
	OccurredAt    string  `json:"occurred_at"`
	TransactionID string  `json:"transaction_id"`
	UserID        string  `json:"user_id"`
	OrderID       *string `json:"order_id,omitempty"`
	Provider      string  `json:"provider"`
	Status        string  `json:"status"`
	Amount        string  `json:"amount"`
	Currency      string  `json:"currency"`
	ReferenceID   *string `json:"reference_id,omitempty"`
	Source        string  `json:"source"`
}

func encodeStatusChanged(event service.StatusChangedEvent) ([]byte, error) {
	tx := event.Transaction
	return json.Marshal(statusChangedPayload{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    event.OccurredAt.UTC().Format(time.RFC3339),
		TransactionID: tx.ID,
		UserID:        tx.UserID,
		OrderID:       tx.OrderID,
		Provider:      string(tx.Provider),
		Status:        string(tx.Status),
		Amount:        tx.Amount.String(),
		Currency:      tx.Currency,
		ReferenceID:   tx.ReferenceID,
		Source:        event.Source,
	})
}

func (p *StatusEventPublisher) PublishStatusChanged(ctx context.Context, event service.StatusChangedEvent) error {
	value, err := encodeStatusChanged(event)
	if err != nil {
		p.logger.Error("Failed to marshal status event", "transaction_id", event.Transaction.ID, "error", err)
		return err
	}

	msg := kafka.Message{
		Key:   []byte(event.Transaction.ID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(eventType)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("Failed to publish status event",
			"topic", p.topic,
			"transaction_id", event.Transaction.ID,
			"error", err)
		return err
	}

	p.logger.Debug("Status event published",
		"topic", p.topic,
		"transaction_id", event.Transaction.ID,
		"status", event.Transaction.Status)
	return nil
}

func (p *StatusEventPublisher) Close() error {
	return p.writer.Close()
}
