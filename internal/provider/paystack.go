package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"payment-orchestrator/internal/config"
	"payment-orchestrator/internal/domain"
	"payment-orchestrator/internal/errors"
	"payment-orchestrator/internal/webhook"
)

const (
	PaystackSignatureHeader = "X-Paystack-Signature"
	paystackDefaultBaseURL  = "https://api.paystack.co"
)

var paystackStatuses = map[string]domain.Status{
	"success":    domain.StatusSuccess,
	"failed":     domain.StatusFailed,
	"abandoned":  domain.StatusFailed,
	"reversed":   domain.StatusFailed,
	"pending":    domain.StatusPending,
	"ongoing":    domain.StatusPending,
	"processing": domain.StatusPending,
	"queued":     domain.StatusPending,
}

// paystackEvents maps webhook event names when data.status is absent.
var paystackEvents = map[string]domain.Status{
	"charge.success": domain.StatusSuccess,
	"charge.failed":  domain.StatusFailed,
}

func MapPaystackStatus(status string) domain.Status {
	if s, ok := paystackStatuses[strings.ToLower(strings.TrimSpace(status))]; ok {
		return s
	}
	return domain.StatusPending
}

type PaystackAdapter struct {
	cfg      config.ProviderConfig
	client   *http.Client
	verifier webhook.Verifier
}

func NewPaystackAdapter(cfg config.ProviderConfig, client *http.Client, logger *slog.Logger) *PaystackAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = paystackDefaultBaseURL
	}
	secret := cfg.SigningSecret(string(domain.ProviderPaystack))
	return &PaystackAdapter{
		cfg:      cfg,
		client:   defaultClient(client),
		verifier: webhook.NewHMACSHA512Verifier(string(domain.ProviderPaystack), PaystackSignatureHeader, secret, logger),
	}
}

func (a *PaystackAdapter) Name() domain.Provider { return domain.ProviderPaystack }

func (a *PaystackAdapter) Verifier() webhook.Verifier { return a.verifier }

func (a *PaystackAdapter) Validate(req InitiateRequest) error {
	return nil
}

func (a *PaystackAdapter) Initiate(ctx context.Context, req InitiateRequest) InitiateResult {
	txID := NewTransactionID()
	if req.Email == "" {
		return pendingOnError(txID, fmt.Errorf("paystack initialize: customer email is required"))
	}

	metadata := map[string]string{"user_id": req.UserID}
	if req.OrderID != nil {
		metadata["order_id"] = *req.OrderID
	}
	payload := map[string]any{
		"email":        req.Email,
		"amount":       strconv.FormatInt(MinorUnits(req.Amount, req.Currency), 10),
		"currency":     strings.ToUpper(req.Currency),
		"reference":    txID,
		"callback_url": a.cfg.RedirectURL,
		"metadata":     metadata,
	}

	var resp struct {
		Status  bool   `json:"status"`
		Message string `json:"message"`
		Data    struct {
			AuthorizationURL string `json:"authorization_url"`
			AccessCode       string `json:"access_code"`
			Reference        string `json:"reference"`
		} `json:"data"`
	}
	_, err := doJSON(ctx, a.client, http.MethodPost, a.cfg.BaseURL+"/transaction/initialize", a.auth(), payload, &resp)
	if err != nil {
		return pendingOnError(txID, fmt.Errorf("paystack initialize: %w", err))
	}
	if !resp.Status {
		return pendingOnError(txID, fmt.Errorf("paystack initialize: %s", resp.Message))
	}

	return pending(txID, strPtr(resp.Data.Reference), strPtr(resp.Data.AuthorizationURL),
		domain.Metadata{"access_code": resp.Data.AccessCode})
}

func (a *PaystackAdapter) ParseWebhook(body []byte) (*VerifyResult, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.NewAppError(errors.InvalidInput, "webhook body is not valid JSON")
	}

	event := gjson.GetBytes(body, "event").String()
	data := gjson.GetBytes(body, "data")

	status := domain.StatusPending
	if s := data.Get("status"); s.Exists() {
		status = MapPaystackStatus(s.String())
	} else if s, ok := paystackEvents[event]; ok {
		status = s
	}

	// reference is our transaction id, set at initialize time
	ref := data.Get("reference").String()
	return &VerifyResult{
		TransactionID: ref,
		ReferenceID:   ref,
		Status:        status,
		Metadata: domain.Metadata{
			"event":            event,
			"paystack_id":      data.Get("id").String(),
			"gateway_response": data.Get("gateway_response").String(),
		},
	}, nil
}

func (a *PaystackAdapter) QueryStatus(ctx context.Context, tx *domain.Transaction) (*VerifyResult, error) {
	ref := tx.ID
	if tx.ReferenceID != nil {
		ref = *tx.ReferenceID
	}
	body, err := doJSON(ctx, a.client, http.MethodGet, a.cfg.BaseURL+"/transaction/verify/"+url.PathEscape(ref), a.auth(), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("paystack verify: %w", err)
	}

	data := gjson.GetBytes(body, "data")
	return &VerifyResult{
		TransactionID: tx.ID,
		ReferenceID:   ref,
		Status:        MapPaystackStatus(data.Get("status").String()),
		Metadata:      domain.Metadata{"gateway_response": data.Get("gateway_response").String()},
	}, nil
}

func (a *PaystackAdapter) auth() map[string]string {
	return map[string]string{"Authorization": "Bearer " + a.cfg.SecretKey}
}
