package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"payment-orchestrator/internal/config"
	"payment-orchestrator/internal/domain"
	"payment-orchestrator/internal/errors"
	"payment-orchestrator/internal/webhook"
)

const (
	FlutterwaveSignatureHeader = "verif-hash"
	flutterwaveDefaultBaseURL  = "https://api.flutterwave.com"
)

var flutterwaveStatuses = map[string]domain.Status{
	"successful": domain.StatusSuccess,
	"success":    domain.StatusSuccess,
	"completed":  domain.StatusSuccess,
	"failed":     domain.StatusFailed,
	"cancelled":  domain.StatusFailed,
	"error":      domain.StatusFailed,
	"pending":    domain.StatusPending,
	"processing": domain.StatusPending,
	"new":        domain.StatusPending,
}

func MapFlutterwaveStatus(status string) domain.Status {
	if s, ok := flutterwaveStatuses[strings.ToLower(strings.TrimSpace(status))]; ok {
		return s
	}
	return domain.StatusPending
}

// FlutterwaveAdapter uses hosted payment links. tx_ref carries our
// transaction id end to end.
type FlutterwaveAdapter struct {
	cfg      config.ProviderConfig
	client   *http.Client
	verifier webhook.Verifier
}

func NewFlutterwaveAdapter(cfg config.ProviderConfig, client *http.Client, logger *slog.Logger) *FlutterwaveAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = flutterwaveDefaultBaseURL
	}
	return &FlutterwaveAdapter{
		cfg:    cfg,
		client: defaultClient(client),
		verifier: &webhook.SharedSecretVerifier{
			Provider: string(domain.ProviderFlutterwave),
			Header:   FlutterwaveSignatureHeader,
			Secret:   cfg.WebhookSecret,
			Logger:   logger,
		},
	}
}

func (a *FlutterwaveAdapter) Name() domain.Provider { return domain.ProviderFlutterwave }

func (a *FlutterwaveAdapter) Verifier() webhook.Verifier { return a.verifier }

func (a *FlutterwaveAdapter) Validate(req InitiateRequest) error {
	return nil
}

func (a *FlutterwaveAdapter) Initiate(ctx context.Context, req InitiateRequest) InitiateResult {
	txID := NewTransactionID()
	if req.Email == "" && req.PhoneNumber == "" {
		return pendingOnError(txID, fmt.Errorf("flutterwave payments: customer email or phone_number is required"))
	}

	meta := map[string]string{"user_id": req.UserID}
	if req.OrderID != nil {
		meta["order_id"] = *req.OrderID
	}
	payload := map[string]any{
		"tx_ref":       txID,
		"amount":       req.Amount.String(),
		"currency":     strings.ToUpper(req.Currency),
		"redirect_url": a.cfg.RedirectURL,
		"customer": map[string]string{
			"email":       req.Email,
			"phonenumber": req.PhoneNumber,
		},
		"customizations": map[string]string{"description": req.Description},
		"meta":           meta,
	}

	var resp struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Data    struct {
			Link string `json:"link"`
		} `json:"data"`
	}
	_, err := doJSON(ctx, a.client, http.MethodPost, a.cfg.BaseURL+"/v3/payments", a.auth(), payload, &resp)
	if err != nil {
		return pendingOnError(txID, fmt.Errorf("flutterwave payment link: %w", err))
	}
	if resp.Status != "success" || resp.Data.Link == "" {
		return pendingOnError(txID, fmt.Errorf("flutterwave payment link: %s", resp.Message))
	}

	return pending(txID, nil, strPtr(resp.Data.Link), domain.Metadata{"message": resp.Message})
}

func (a *FlutterwaveAdapter) ParseWebhook(body []byte) (*VerifyResult, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.NewAppError(errors.InvalidInput, "webhook body is not valid JSON")
	}

	// v3 wraps the charge in "data"; legacy hooks send it flat.
	data := gjson.GetBytes(body, "data")
	if !data.Exists() {
		data = gjson.ParseBytes(body)
	}
	txRef := data.Get("tx_ref").String()
	if txRef == "" {
		txRef = data.Get("txRef").String()
	}

	return &VerifyResult{
		TransactionID: txRef,
		ReferenceID:   data.Get("id").String(),
		Status:        MapFlutterwaveStatus(data.Get("status").String()),
		Metadata: domain.Metadata{
			"event":              gjson.GetBytes(body, "event").String(),
			"flw_ref":            data.Get("flw_ref").String(),
			"processor_response": data.Get("processor_response").String(),
		},
	}, nil
}

func (a *FlutterwaveAdapter) QueryStatus(ctx context.Context, tx *domain.Transaction) (*VerifyResult, error) {
	endpoint := a.cfg.BaseURL + "/v3/transactions/verify_by_reference?tx_ref=" + url.QueryEscape(tx.ID)
	body, err := doJSON(ctx, a.client, http.MethodGet, endpoint, a.auth(), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("flutterwave verify: %w", err)
	}

	data := gjson.GetBytes(body, "data")
	return &VerifyResult{
		TransactionID: tx.ID,
		ReferenceID:   data.Get("id").String(),
		Status:        MapFlutterwaveStatus(data.Get("status").String()),
		Metadata:      domain.Metadata{"processor_response": data.Get("processor_response").String()},
	}, nil
}

func (a *FlutterwaveAdapter) auth() map[string]string {
	return map[string]string{"Authorization": "Bearer " + a.cfg.SecretKey}
}
