package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"payment-orchestrator/internal/domain"
	"payment-orchestrator/internal/errors"
	"payment-orchestrator/internal/metrics"
	"payment-orchestrator/internal/provider"
)

type PaymentService struct {
	ledger          domain.Ledger
	providers       *provider.Registry
	publisher       EventPublisher
	metrics         *metrics.Metrics
	validate        *validator.Validate
	providerTimeout time.Duration
	logger          *slog.Logger
	now             func() time.Time
}

func NewPaymentService(
	ledger domain.Ledger,
	providers *provider.Registry,
	publisher EventPublisher,
	m *metrics.Metrics,
	providerTimeout time.Duration,
	logger *slog.Logger,
) *PaymentService {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	return &PaymentService{
		ledger:          ledger,
		providers:       providers,
		publisher:       publisher,
		metrics:         m,
		validate:        validator.New(validator.WithRequiredStructEnabled()),
		providerTimeout: providerTimeout,
		logger:          logger,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

type InitiateRequest struct {
	UserID      string          `json:"user_id" validate:"required,max=128"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency" validate:"required,iso4217"`
	Method      string          `json:"method" validate:"required"`
	OrderID     *string         `json:"order_id,omitempty" validate:"omitempty,min=1,max=128"`
	Description string          `json:"description,omitempty" validate:"max=255"`
	PhoneNumber string          `json:"phone_number,omitempty" validate:"omitempty,max=20"`
	Email       string          `json:"email,omitempty" validate:"omitempty,email"`
}

type WebhookResult struct {
	OK            bool          `json:"ok"`
	Status        domain.Status `json:"status"`
	TransactionID string        `json:"transaction_id"`
	Duplicate     bool          `json:"duplicate,omitempty"`
}

// Initiate calls the provider once and records the attempt as pending. An
// upstream failure is kept as metadata on the pending row and is not
// returned to the caller.
func (s *PaymentService) Initiate(ctx context.Context, req *InitiateRequest) (*domain.Transaction, error) {
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}
	if err := provider.CheckAmount(req.Amount, req.Currency); err != nil {
		return nil, err
	}

	adapter, err := s.providers.Get(req.Method)
	if err != nil {
		return nil, err
	}

	providerReq := provider.InitiateRequest{
		UserID:      req.UserID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		OrderID:     req.OrderID,
		Description: req.Description,
		PhoneNumber: req.PhoneNumber,
		Email:       req.Email,
	}
	if err := adapter.Validate(providerReq); err != nil {
		return nil, err
	}

	s.logger.Info("Initiating payment",
		"provider", adapter.Name(),
		"user_id", req.UserID,
		"amount", req.Amount,
		"currency", req.Currency)

	callCtx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	result := adapter.Initiate(callCtx, providerReq)
	cancel()

	outcome := "accepted"
	if result.UpstreamErr != nil {
		outcome = "upstream_error"
		s.logger.Warn("Provider call failed, recording payment as pending",
			"provider", adapter.Name(),
			"transaction_id", result.TransactionID,
			"error", result.UpstreamErr)
	}

	tx := &domain.Transaction{
		ID:          result.TransactionID,
		UserID:      req.UserID,
		OrderID:     req.OrderID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Provider:    adapter.Name(),
		Status:      domain.StatusPending,
		ReferenceID: result.ReferenceID,
		RedirectURL: result.RedirectURL,
		Metadata:    result.Metadata,
	}
	if req.Description != "" {
		tx.Description = &req.Description
	}

	if err := s.ledger.Transactions().CreateTransaction(ctx, tx); err != nil {
		s.logger.Error("Failed to record payment",
			"provider", adapter.Name(),
			"transaction_id", tx.ID,
			"reference_id", result.ReferenceID,
			"error", err)
		return nil, err
	}
	s.metrics.ObserveInitiate(string(adapter.Name()), outcome)

	s.logger.Info("Payment initiated",
		"transaction_id", tx.ID,
		"provider", tx.Provider,
		"outcome", outcome)
	return tx, nil
}

func (s *PaymentService) validateRequest(req *InitiateRequest) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return errors.NewAppError(errors.InvalidInput, "invalid request").WithDetails(err.Error())
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed %s", jsonName(fe.Field()), fe.Tag()))
	}
	return errors.NewAppError(errors.InvalidInput, "invalid request").WithDetails(strings.Join(fields, "; "))
}

func jsonName(field string) string {
	switch field {
	case "UserID":
		return "user_id"
	case "OrderID":
		return "order_id"
	case "PhoneNumber":
		return "phone_number"
	}
	return strings.ToLower(field)
}

// GetStatus returns the stored transaction as is.
func (s *PaymentService) GetStatus(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	return s.ledger.Transactions().GetTransactionByID(ctx, transactionID)
}

// HandleWebhook authenticates the raw body before parsing it, then applies
// the reported status through the conditional ledger update. A blank
// providerName is resolved from the stored transaction the body refers to.
func (s *PaymentService) HandleWebhook(ctx context.Context, providerName string, header http.Header, body []byte) (*WebhookResult, error) {
	if strings.TrimSpace(providerName) == "" {
		owner, err := s.webhookOwner(ctx, body)
		if err != nil {
			s.metrics.ObserveWebhook("unknown", metrics.WebhookInvalid)
			return nil, err
		}
		providerName = owner
	}

	adapter, err := s.providers.Get(providerName)
	if err != nil {
		s.metrics.ObserveWebhook(providerName, metrics.WebhookInvalid)
		return nil, err
	}
	name := string(adapter.Name())

	if err := adapter.Verifier().Verify(header, body); err != nil {
		s.metrics.ObserveWebhook(name, metrics.WebhookUnauthorized)
		s.logger.Warn("Webhook rejected", "provider", name, "error", err)
		if !stderrors.Is(err, errors.ErrInvalidSignature) {
			return nil, errors.ErrInvalidSignature.WithDetails(err.Error())
		}
		return nil, err
	}

	result, err := adapter.ParseWebhook(body)
	if err != nil {
		s.metrics.ObserveWebhook(name, metrics.WebhookInvalid)
		s.logger.Warn("Webhook payload not understood", "provider", name, "error", err)
		return nil, err
	}

	tx, applied, err := s.ApplyResult(ctx, adapter.Name(), result, SourceWebhook)
	if err != nil {
		if errors.AsAppError(err).Code == errors.InternalError {
			s.metrics.ObserveWebhook(name, metrics.WebhookError)
		} else {
			s.metrics.ObserveWebhook(name, metrics.WebhookInvalid)
		}
		return nil, err
	}

	if applied {
		s.metrics.ObserveWebhook(name, metrics.WebhookApplied)
	} else {
		s.metrics.ObserveWebhook(name, metrics.WebhookDuplicate)
	}
	return &WebhookResult{
		OK:            true,
		Status:        tx.Status,
		TransactionID: tx.ID,
		Duplicate:     !applied && tx.Status.IsTerminal(),
	}, nil
}

// webhookIDPaths are where the supported providers echo the ledger id;
// webhookReferencePaths carry their own payment reference.
var webhookIDPaths = []string{
	"transaction_id",
	"data.tx_ref",
	"data.object.client_reference_id",
	"data.object.metadata.transaction_id",
}

var webhookReferencePaths = []string{
	"reference_id",
	"checkout_request_id",
	"Body.stkCallback.CheckoutRequestID",
	"data.reference",
	"data.object.id",
}

// webhookOwner finds the provider of the transaction an unrouted webhook
// names. The body is not trusted yet: the owner's verifier still runs on it
// before any state changes.
func (s *PaymentService) webhookOwner(ctx context.Context, body []byte) (string, error) {
	if !gjson.ValidBytes(body) {
		return "", errors.NewAppError(errors.InvalidInput, "webhook body is not valid JSON")
	}
	repo := s.ledger.Transactions()
	correlated := false

	for _, id := range gjson.GetManyBytes(body, webhookIDPaths...) {
		if id.String() == "" {
			continue
		}
		correlated = true
		tx, err := repo.GetTransactionByID(ctx, id.String())
		if err == nil {
			return string(tx.Provider), nil
		}
		if !stderrors.Is(err, errors.ErrTransactionNotFound) {
			return "", err
		}
	}

	for _, ref := range gjson.GetManyBytes(body, webhookReferencePaths...) {
		if ref.String() == "" {
			continue
		}
		correlated = true
		for _, name := range s.providers.Names() {
			tx, err := repo.GetTransactionByReference(ctx, domain.Provider(name), ref.String())
			if err == nil {
				return string(tx.Provider), nil
			}
			if !stderrors.Is(err, errors.ErrTransactionNotFound) {
				return "", err
			}
		}
	}

	if !correlated {
		return "", errors.ErrMissingCorrelationID
	}
	return "", errors.ErrTransactionNotFound
}

// ApplyResult moves a pending transaction to the reported terminal status.
// The status update and the order update share one ledger transaction; a
// missing order does not roll back the status and is left for the
// Reconciler. applied is false when nothing changed.
func (s *PaymentService) ApplyResult(ctx context.Context, name domain.Provider, result *provider.VerifyResult, source string) (*domain.Transaction, bool, error) {
	var (
		updated *domain.Transaction
		applied bool
	)

	err := s.ledger.WithTransaction(ctx, func(l domain.Ledger) error {
		current, err := s.resolve(ctx, l.Transactions(), name, result)
		if err != nil {
			return err
		}

		if !result.Status.IsTerminal() || current.Status.IsTerminal() {
			if current.Status.IsTerminal() {
				s.logger.Info("Ignoring notification for settled transaction",
					"transaction_id", current.ID,
					"stored_status", current.Status,
					"reported_status", result.Status,
					"source", source)
			}
			updated = current
			return nil
		}

		update := domain.StatusUpdate{
			TransactionID: current.ID,
			Status:        result.Status,
			Metadata:      result.Metadata,
		}
		if result.ReferenceID != "" {
			update.ReferenceID = &result.ReferenceID
		}

		updated, applied, err = l.Transactions().UpdateTransactionStatus(ctx, update)
		if err != nil {
			return err
		}
		if !applied {
			return nil
		}

		if updated.NeedsReconciliation() {
			if err := s.reconcileOrder(ctx, l, updated); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to apply payment status",
			"provider", name,
			"transaction_id", result.TransactionID,
			"reference_id", result.ReferenceID,
			"status", result.Status,
			"source", source,
			"error", err)
		return nil, false, err
	}

	if applied {
		s.metrics.ObserveTransition(string(name), string(updated.Status), source)
		s.logger.Info("Payment status updated",
			"transaction_id", updated.ID,
			"provider", name,
			"status", updated.Status,
			"source", source)
		s.publish(ctx, updated, source)
	}
	return updated, applied, nil
}

func (s *PaymentService) resolve(ctx context.Context, repo domain.TransactionRepository, name domain.Provider, result *provider.VerifyResult) (*domain.Transaction, error) {
	var (
		tx  *domain.Transaction
		err error
	)
	switch {
	case result.TransactionID != "":
		tx, err = repo.GetTransactionByID(ctx, result.TransactionID)
		if stderrors.Is(err, errors.ErrTransactionNotFound) && result.ReferenceID != "" {
			tx, err = repo.GetTransactionByReference(ctx, name, result.ReferenceID)
		}
	case result.ReferenceID != "":
		tx, err = repo.GetTransactionByReference(ctx, name, result.ReferenceID)
	default:
		return nil, errors.ErrMissingCorrelationID
	}
	if err != nil {
		return nil, err
	}
	if tx.Provider != name {
		return nil, errors.ErrTransactionNotFound.WithDetails(fmt.Sprintf("%s does not own transaction %s", name, tx.ID))
	}
	return tx, nil
}

// reconcileOrder marks the linked order paid. Only ErrOrderNotFound is
// swallowed; any other error aborts the surrounding ledger transaction.
func (s *PaymentService) reconcileOrder(ctx context.Context, l domain.Ledger, tx *domain.Transaction) error {
	err := l.Orders().MarkOrderPaid(ctx, *tx.OrderID, tx.ID)
	if stderrors.Is(err, errors.ErrOrderNotFound) {
		s.metrics.ReconciliationFailed()
		s.logger.Error("Order not found for settled payment, leaving for reconciliation",
			"transaction_id", tx.ID,
			"order_id", *tx.OrderID)
		return nil
	}
	if err != nil {
		return err
	}
	if err := l.Transactions().MarkReconciled(ctx, tx.ID); err != nil {
		return err
	}
	now := s.now()
	tx.ReconciledAt = &now
	return nil
}

func (s *PaymentService) publish(ctx context.Context, tx *domain.Transaction, source string) {
	event := StatusChangedEvent{Transaction: tx, Source: source, OccurredAt: s.now()}
	if err := s.publisher.PublishStatusChanged(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Warn("Status event not published",
			"transaction_id", tx.ID,
			"error", err)
	}
}

// ReconcileOrders retries the order update for settled payments the webhook
// path could not reconcile. It returns how many orders were marked paid.
func (s *PaymentService) ReconcileOrders(ctx context.Context, limit int) (int, error) {
	pending, err := s.ledger.Transactions().ListUnreconciled(ctx, limit)
	if err != nil {
		return 0, err
	}

	reconciled := 0
	for _, tx := range pending {
		if ctx.Err() != nil {
			return reconciled, ctx.Err()
		}
		err := s.ledger.WithTransaction(ctx, func(l domain.Ledger) error {
			if err := l.Orders().MarkOrderPaid(ctx, *tx.OrderID, tx.ID); err != nil {
				return err
			}
			return l.Transactions().MarkReconciled(ctx, tx.ID)
		})
		if err != nil {
			s.logger.Warn("Order reconciliation retry failed",
				"transaction_id", tx.ID,
				"order_id", *tx.OrderID,
				"error", err)
			continue
		}
		reconciled++
		s.logger.Info("Order reconciled", "transaction_id", tx.ID, "order_id", *tx.OrderID)
	}
	return reconciled, nil
}

// PollPending asks providers that support status queries about payments
// still pending after olderThan, applying any terminal answer.
func (s *PaymentService) PollPending(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	pending, err := s.ledger.Transactions().ListPending(ctx, olderThan, limit)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, tx := range pending {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}
		adapter, err := s.providers.Get(string(tx.Provider))
		if err != nil {
			continue
		}
		querier, ok := adapter.(provider.StatusQuerier)
		if !ok {
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, s.providerTimeout)
		result, err := querier.QueryStatus(callCtx, tx)
		cancel()
		if err != nil {
			s.logger.Warn("Status query failed", "transaction_id", tx.ID, "provider", tx.Provider, "error", err)
			continue
		}
		if !result.Status.IsTerminal() {
			continue
		}
		result.TransactionID = tx.ID

		if _, applied, err := s.ApplyResult(ctx, tx.Provider, result, SourcePoll); err == nil && applied {
			settled++
		}
	}
	return settled, nil
}
