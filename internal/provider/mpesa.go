package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"payment-orchestrator/internal/config"
	"payment-orchestrator/internal/domain"
	"payment-orchestrator/internal/errors"
	"payment-orchestrator/internal/webhook"
)

const (
	MpesaSignatureHeader = "X-Mpesa-Signature"
	mpesaDefaultBaseURL  = "https://sandbox.safaricom.co.ke"
	mpesaTimestampLayout = "20060102150405"
)

// mpesaStatuses covers the documented Daraja STK result codes.
var mpesaStatuses = map[string]domain.Status{
	"0":            domain.StatusSuccess,
	"1":            domain.StatusFailed, // insufficient balance
	"1001":         domain.StatusFailed, // subscriber busy
	"1019":         domain.StatusFailed, // transaction expired
	"1025":         domain.StatusFailed, // push request error
	"1032":         domain.StatusFailed, // cancelled by user
	"1037":         domain.StatusFailed, // phone unreachable
	"2001":         domain.StatusFailed, // wrong PIN
	"2028":         domain.StatusFailed, // request not permitted
	"9999":         domain.StatusFailed,
	"4999":         domain.StatusPending,
	"500.001.1001": domain.StatusPending, // still under processing
}

// MapMpesaResultCode maps a Daraja result code. Unknown codes stay pending.
func MapMpesaResultCode(code string) domain.Status {
	if status, ok := mpesaStatuses[strings.TrimSpace(code)]; ok {
		return status
	}
	return domain.StatusPending
}

type MpesaAdapter struct {
	cfg      config.ProviderConfig
	client   *http.Client
	verifier webhook.Verifier
	logger   *slog.Logger
	now      func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewMpesaAdapter(cfg config.ProviderConfig, client *http.Client, logger *slog.Logger) *MpesaAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = mpesaDefaultBaseURL
	}
	return &MpesaAdapter{
		cfg:      cfg,
		client:   defaultClient(client),
		verifier: webhook.NewHMACSHA256Verifier(string(domain.ProviderMpesa), MpesaSignatureHeader, cfg.WebhookSecret, logger),
		logger:   logger,
		now:      time.Now,
	}
}

func (a *MpesaAdapter) Name() domain.Provider { return domain.ProviderMpesa }

func (a *MpesaAdapter) Verifier() webhook.Verifier { return a.verifier }

func (a *MpesaAdapter) Validate(req InitiateRequest) error {
	if !strings.EqualFold(req.Currency, "KES") {
		return errors.NewAppErrorf(errors.InvalidInput, "mpesa only accepts KES, got %s", req.Currency)
	}
	if !req.Amount.Equal(req.Amount.Truncate(0)) {
		return errors.NewAppError(errors.InvalidAmount, "mpesa charges whole shillings")
	}
	return nil
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

func (a *MpesaAdapter) Initiate(ctx context.Context, req InitiateRequest) InitiateResult {
	txID := NewTransactionID()

	// Daraja rejects an STK push without a valid MSISDN; record that
	// rejection without calling it.
	phone := normalizeMsisdn(req.PhoneNumber)
	if phone == "" {
		return pendingOnError(txID, fmt.Errorf("mpesa stk push: no valid phone_number %q", req.PhoneNumber))
	}

	token, err := a.accessToken(ctx)
	if err != nil {
		return pendingOnError(txID, fmt.Errorf("mpesa auth: %w", err))
	}

	timestamp := a.now().Format(mpesaTimestampLayout)
	desc := req.Description
	if desc == "" {
		desc = "Payment"
	}
	payload := stkPushRequest{
		BusinessShortCode: a.cfg.ShortCode,
		Password:          a.password(timestamp),
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            req.Amount.IntPart(),
		PartyA:            phone,
		PartyB:            a.cfg.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       a.cfg.CallbackURL,
		AccountReference:  accountReference(txID),
		TransactionDesc:   truncate(desc, 13),
	}

	var resp stkPushResponse
	_, err = doJSON(ctx, a.client, http.MethodPost, a.cfg.BaseURL+"/mpesa/stkpush/v1/processrequest",
		map[string]string{"Authorization": "Bearer " + token}, payload, &resp)
	if err != nil {
		return pendingOnError(txID, fmt.Errorf("mpesa stk push: %w", err))
	}

	metadata := domain.Metadata{
		"merchant_request_id": resp.MerchantRequestID,
		"response_code":       resp.ResponseCode,
		"customer_message":    resp.CustomerMessage,
	}
	if resp.ResponseCode != "0" {
		metadata["upstream_error"] = resp.ResponseDescription
	}
	return pending(txID, strPtr(resp.CheckoutRequestID), nil, metadata)
}

// ParseWebhook accepts both the Daraja stkCallback envelope and the flat
// {transaction_id, result_code} form used by relays.
func (a *MpesaAdapter) ParseWebhook(body []byte) (*VerifyResult, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.NewAppError(errors.InvalidInput, "webhook body is not valid JSON")
	}

	if cb := gjson.GetBytes(body, "Body.stkCallback"); cb.Exists() {
		result := &VerifyResult{
			ReferenceID: cb.Get("CheckoutRequestID").String(),
			Status:      MapMpesaResultCode(cb.Get("ResultCode").String()),
			Metadata: domain.Metadata{
				"result_code": cb.Get("ResultCode").String(),
				"result_desc": cb.Get("ResultDesc").String(),
			},
		}
		cb.Get("CallbackMetadata.Item").ForEach(func(_, item gjson.Result) bool {
			if item.Get("Name").String() == "MpesaReceiptNumber" {
				result.Metadata["receipt_number"] = item.Get("Value").String()
			}
			return true
		})
		return result, nil
	}

	code := gjson.GetBytes(body, "result_code")
	if !code.Exists() {
		code = gjson.GetBytes(body, "ResultCode")
	}
	ref := gjson.GetBytes(body, "reference_id").String()
	if ref == "" {
		ref = gjson.GetBytes(body, "checkout_request_id").String()
	}
	result := &VerifyResult{
		TransactionID: gjson.GetBytes(body, "transaction_id").String(),
		ReferenceID:   ref,
		Status:        MapMpesaResultCode(code.String()),
		Metadata:      domain.Metadata{"result_code": code.String()},
	}
	if desc := gjson.GetBytes(body, "result_desc"); desc.Exists() {
		result.Metadata["result_desc"] = desc.String()
	}
	return result, nil
}

func (a *MpesaAdapter) QueryStatus(ctx context.Context, tx *domain.Transaction) (*VerifyResult, error) {
	if tx.ReferenceID == nil {
		return nil, fmt.Errorf("mpesa transaction %s has no checkout request id", tx.ID)
	}
	token, err := a.accessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("mpesa auth: %w", err)
	}

	timestamp := a.now().Format(mpesaTimestampLayout)
	payload := map[string]string{
		"BusinessShortCode": a.cfg.ShortCode,
		"Password":          a.password(timestamp),
		"Timestamp":         timestamp,
		"CheckoutRequestID": *tx.ReferenceID,
	}
	body, err := doJSON(ctx, a.client, http.MethodPost, a.cfg.BaseURL+"/mpesa/stkpushquery/v1/query",
		map[string]string{"Authorization": "Bearer " + token}, payload, nil)

	// Daraja answers "still processing" with a 500 and an errorCode.
	if code := gjson.GetBytes(body, "errorCode"); code.Exists() {
		return &VerifyResult{
			TransactionID: tx.ID,
			ReferenceID:   *tx.ReferenceID,
			Status:        MapMpesaResultCode(code.String()),
			Metadata:      domain.Metadata{"query_error": gjson.GetBytes(body, "errorMessage").String()},
		}, nil
	}
	if err != nil {
		return nil, err
	}

	code := gjson.GetBytes(body, "ResultCode").String()
	return &VerifyResult{
		TransactionID: tx.ID,
		ReferenceID:   *tx.ReferenceID,
		Status:        MapMpesaResultCode(code),
		Metadata: domain.Metadata{
			"result_code": code,
			"result_desc": gjson.GetBytes(body, "ResultDesc").String(),
		},
	}, nil
}

func (a *MpesaAdapter) accessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" && a.now().Before(a.tokenExpiry) {
		return a.token, nil
	}

	basic := base64.StdEncoding.EncodeToString([]byte(a.cfg.PublicKey + ":" + a.cfg.SecretKey))
	var resp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	_, err := doJSON(ctx, a.client, http.MethodGet, a.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials",
		map[string]string{"Authorization": "Basic " + basic}, nil, &resp)
	if err != nil {
		return "", err
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("empty access token")
	}

	ttl, err := strconv.Atoi(resp.ExpiresIn)
	if err != nil || ttl <= 60 {
		ttl = 120
	}
	a.token = resp.AccessToken
	a.tokenExpiry = a.now().Add(time.Duration(ttl-60) * time.Second)
	return a.token, nil
}

func (a *MpesaAdapter) password(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(a.cfg.ShortCode + a.cfg.Passkey + timestamp))
}

// normalizeMsisdn turns 07XXXXXXXX / +2547XXXXXXXX into 2547XXXXXXXX.
func normalizeMsisdn(phone string) string {
	p := strings.TrimSpace(phone)
	p = strings.TrimPrefix(p, "+")
	p = strings.ReplaceAll(p, " ", "")
	if strings.HasPrefix(p, "0") && len(p) == 10 {
		p = "254" + p[1:]
	}
	if len(p) != 12 || !strings.HasPrefix(p, "254") {
		return ""
	}
	if _, err := strconv.ParseUint(p, 10, 64); err != nil {
		return ""
	}
	return p
}

func accountReference(txID string) string {
	return strings.ToUpper(truncate(strings.ReplaceAll(txID, "-", ""), 12))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
