package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
	"github.com/tidwall/gjson"

	"payment-orchestrator/internal/config"
	"payment-orchestrator/internal/domain"
	"payment-orchestrator/internal/errors"
	"payment-orchestrator/internal/webhook"
)

const StripeSignatureHeader = "Stripe-Signature"

var stripeEvents = map[string]domain.Status{
	"checkout.session.async_payment_succeeded": domain.StatusSuccess,
	"checkout.session.async_payment_failed":    domain.StatusFailed,
	"checkout.session.expired":                 domain.StatusFailed,
	"payment_intent.succeeded":                 domain.StatusSuccess,
	"payment_intent.payment_failed":            domain.StatusFailed,
	"payment_intent.canceled":                  domain.StatusFailed,
}

// MapStripeEvent maps an event type plus the checkout session payment_status.
// checkout.session.completed is only final once the session is paid.
func MapStripeEvent(eventType, paymentStatus string) domain.Status {
	if eventType == "checkout.session.completed" {
		switch stripe.CheckoutSessionPaymentStatus(paymentStatus) {
		case stripe.CheckoutSessionPaymentStatusPaid, stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
			return domain.StatusSuccess
		default:
			return domain.StatusPending
		}
	}
	if s, ok := stripeEvents[eventType]; ok {
		return s
	}
	return domain.StatusPending
}

// StripeAdapter creates Checkout Sessions. The session id is the reference
// id and client_reference_id carries our transaction id.
type StripeAdapter struct {
	cfg      config.ProviderConfig
	sessions *session.Client
	verifier webhook.Verifier
}

func NewStripeAdapter(cfg config.ProviderConfig, client *http.Client, logger *slog.Logger) *StripeAdapter {
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        defaultClient(client),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripe.String(cfg.BaseURL)
	}

	secret := cfg.WebhookSecret
	return &StripeAdapter{
		cfg: cfg,
		sessions: &session.Client{
			B:   stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
			Key: cfg.SecretKey,
		},
		verifier: webhook.VerifierFunc(func(header http.Header, body []byte) error {
			if secret == "" {
				logger.Warn("Webhook secret not configured, skipping signature verification", "provider", domain.ProviderStripe)
				return nil
			}
			sig := header.Get(StripeSignatureHeader)
			if sig == "" {
				return errors.ErrMissingSignature
			}
			if err := stripewebhook.ValidatePayload(body, sig, secret); err != nil {
				return errors.ErrInvalidSignature.WithDetails(err.Error())
			}
			return nil
		}),
	}
}

func (a *StripeAdapter) Name() domain.Provider { return domain.ProviderStripe }

func (a *StripeAdapter) Verifier() webhook.Verifier { return a.verifier }

func (a *StripeAdapter) Validate(req InitiateRequest) error {
	return nil
}

func (a *StripeAdapter) Initiate(ctx context.Context, req InitiateRequest) InitiateResult {
	txID := NewTransactionID()

	name := req.Description
	if name == "" {
		name = "Order payment"
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(a.cfg.RedirectURL),
		CancelURL:         stripe.String(a.cfg.RedirectURL),
		ClientReferenceID: stripe.String(txID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(req.Currency)),
				UnitAmount: stripe.Int64(MinorUnits(req.Amount, req.Currency)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(name),
				},
			},
			Quantity: stripe.Int64(1),
		}},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{"transaction_id": txID},
		},
	}
	if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}
	params.Context = ctx
	params.AddMetadata("transaction_id", txID)
	params.AddMetadata("user_id", req.UserID)
	if req.OrderID != nil {
		params.AddMetadata("order_id", *req.OrderID)
	}

	s, err := a.sessions.New(params)
	if err != nil {
		return pendingOnError(txID, fmt.Errorf("stripe checkout session: %w", err))
	}

	return pending(txID, strPtr(s.ID), strPtr(s.URL), domain.Metadata{"session_status": string(s.Status)})
}

func (a *StripeAdapter) ParseWebhook(body []byte) (*VerifyResult, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.NewAppError(errors.InvalidInput, "webhook body is not valid JSON")
	}

	eventType := gjson.GetBytes(body, "type").String()
	obj := gjson.GetBytes(body, "data.object")

	result := &VerifyResult{
		TransactionID: obj.Get("client_reference_id").String(),
		Status:        MapStripeEvent(eventType, obj.Get("payment_status").String()),
		Metadata: domain.Metadata{
			"event_id":   gjson.GetBytes(body, "id").String(),
			"event_type": eventType,
		},
	}
	if result.TransactionID == "" {
		result.TransactionID = obj.Get("metadata.transaction_id").String()
	}
	if obj.Get("object").String() == "checkout.session" {
		result.ReferenceID = obj.Get("id").String()
	} else if pi := obj.Get("id").String(); pi != "" {
		result.Metadata["payment_intent"] = pi
	}
	if msg := obj.Get("last_payment_error.message"); msg.Exists() {
		result.Metadata["failure_message"] = msg.String()
	}
	return result, nil
}

func (a *StripeAdapter) QueryStatus(ctx context.Context, tx *domain.Transaction) (*VerifyResult, error) {
	if tx.ReferenceID == nil {
		return nil, fmt.Errorf("stripe transaction %s has no checkout session", tx.ID)
	}
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	s, err := a.sessions.Get(*tx.ReferenceID, params)
	if err != nil {
		return nil, fmt.Errorf("stripe session lookup: %w", err)
	}

	status := domain.StatusPending
	switch {
	case s.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
		status = domain.StatusSuccess
	case s.Status == stripe.CheckoutSessionStatusExpired:
		status = domain.StatusFailed
	}
	return &VerifyResult{
		TransactionID: tx.ID,
		ReferenceID:   s.ID,
		Status:        status,
		Metadata:      domain.Metadata{"session_status": string(s.Status)},
	}, nil
}
