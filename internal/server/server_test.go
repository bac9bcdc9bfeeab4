package server

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-orchestrator/internal/config"
	"payment-orchestrator/internal/provider"
	"payment-orchestrator/internal/webhook"
)

const webhookSecret = "router-test-secret"

type envelope struct {
	Data  map[string]any `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func fakeDaraja(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"access_token": "tok", "expires_in": "3599"})
	})
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"CheckoutRequestID": "ws_CO_1", "ResponseCode": "0"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(daraja string, limit int) *config.Config {
	return &config.Config{
		AppEnv:             config.EnvDevelopment,
		StorageBackend:     "memory",
		RateLimitRequests:  limit,
		RateLimitWindow:    time.Minute,
		RateLimitBackend:   "memory",
		ProviderTimeout:    2 * time.Second,
		ReconcileInterval:  time.Minute,
		PollInterval:       time.Minute,
		PollPendingAfter:   5 * time.Minute,
		BackgroundBatch:    10,
		KafkaPaymentsTopic: "payment.status_changed",
		Mpesa: config.ProviderConfig{
			Enabled:       true,
			BaseURL:       daraja,
			PublicKey:     "consumer",
			SecretKey:     "secret",
			ShortCode:     "174379",
			Passkey:       "passkey",
			WebhookSecret: webhookSecret,
		},
	}
}

func newTestServer(t *testing.T, limit int) *Server {
	t.Helper()
	s, err := NewServer(testConfig(fakeDaraja(t).URL, limit), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return s
}

func do(t *testing.T, s *Server, method, path string, body []byte, header http.Header) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.RemoteAddr = "198.51.100.20:40000"
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.GetRouter().ServeHTTP(rec, req)

	var env envelope
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec, env
}

const initiateBody = `{"user_id":"user-1","amount":1000,"currency":"KES","method":"mpesa","phone_number":"0712345678"}`

func signed(body []byte) http.Header {
	h := http.Header{}
	h.Set(provider.MpesaSignatureHeader, webhook.Sign(sha256.New, webhookSecret, body, webhook.Hex))
	return h
}

func TestPaymentFlow(t *testing.T) {
	s := newTestServer(t, 10)

	rec, env := do(t, s, http.MethodPost, "/pay/initiate", []byte(initiateBody), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "pending", env.Data["status"])
	txID, _ := env.Data["transaction_id"].(string)
	require.NotEmpty(t, txID)
	assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))

	// invalid signature leaves the ledger untouched
	body := []byte(fmt.Sprintf(`{"transaction_id":%q,"result_code":0}`, txID))
	rec, env = do(t, s, http.MethodPost, "/pay/webhook/mpesa", body, signed([]byte("forged")))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", env.Error.Code)

	rec, env = do(t, s, http.MethodGet, "/pay/status/"+txID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pending", env.Data["status"])

	for i := 0; i < 2; i++ {
		rec, env = do(t, s, http.MethodPost, "/pay/webhook?provider=mpesa", body, signed(body))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, true, env.Data["ok"])
		assert.Equal(t, "success", env.Data["status"])
	}

	rec, env = do(t, s, http.MethodGet, "/pay/status/"+txID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", env.Data["status"])
	assert.Equal(t, "mpesa", env.Data["provider"])
	assert.NotContains(t, env.Data, "reconciled_at")
}

func TestInitiate_BadRequests(t *testing.T) {
	s := newTestServer(t, 10)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"malformed json", `{"user_id":`, "invalid_input"},
		{"missing fields", `{"amount":10}`, "invalid_input"},
		{"zero amount", `{"user_id":"u","amount":0,"currency":"KES","method":"mpesa","phone_number":"0712345678"}`, "invalid_amount"},
		{"unknown method", `{"user_id":"u","amount":5,"currency":"KES","method":"cash"}`, "unsupported_provider"},
		{"sub-cent amount", `{"user_id":"u","amount":"0.00001","currency":"KES","method":"mpesa"}`, "invalid_amount"},
		{"amount too large", `{"user_id":"u","amount":"100000000000000000000","currency":"USD","method":"mpesa"}`, "invalid_amount"},
		{"oversized body", `{"user_id":"` + strings.Repeat("a", maxTestBody) + `"}`, "invalid_input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := do(t, s, http.MethodPost, "/pay/initiate", []byte(tt.body), nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}

const maxTestBody = 128 << 10

func TestPaymentFlow_UnroutedWebhook(t *testing.T) {
	s := newTestServer(t, 10)

	rec, env := do(t, s, http.MethodPost, "/pay/initiate", []byte(`{"user_id":"user-1","amount":1000,"currency":"KES","method":"mpesa"}`), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "pending", env.Data["status"])
	txID, _ := env.Data["transaction_id"].(string)
	require.NotEmpty(t, txID)

	body := []byte(fmt.Sprintf(`{"transaction_id":%q,"result_code":0}`, txID))
	rec, env = do(t, s, http.MethodPost, "/pay/webhook", body, signed([]byte("forged")))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", env.Error.Code)

	rec, env = do(t, s, http.MethodPost, "/pay/webhook", body, signed(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, env.Data["ok"])
	assert.Equal(t, "success", env.Data["status"])
	assert.Equal(t, txID, env.Data["transaction_id"])

	unknown := []byte(`{"transaction_id":"x","result_code":0}`)
	rec, env = do(t, s, http.MethodPost, "/pay/webhook", unknown, signed(unknown))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "transaction_not_found", env.Error.Code)
}

func TestInitiate_RateLimited(t *testing.T) {
	s := newTestServer(t, 2)

	var created []string
	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		rec, env := do(t, s, http.MethodPost, "/pay/initiate", []byte(initiateBody), nil)
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusCreated {
			created = append(created, env.Data["transaction_id"].(string))
		} else {
			assert.Equal(t, "rate_limited", env.Error.Code)
			assert.NotEmpty(t, rec.Header().Get("Retry-After"))
		}
	}
	assert.Equal(t, []int{201, 201, 429, 429}, codes)
	assert.Len(t, created, 2)

	// status and webhook routes are not limited
	rec, _ := do(t, s, http.MethodGet, "/pay/status/"+created[0], nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouting(t *testing.T) {
	s := newTestServer(t, 10)

	rec, env := do(t, s, http.MethodGet, "/pay/status/unknown", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "transaction_not_found", env.Error.Code)

	rec, env = do(t, s, http.MethodGet, "/pay/refund", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", env.Error.Code)

	rec, env = do(t, s, http.MethodGet, "/pay/initiate", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "method_not_allowed", env.Error.Code)

	rec, env = do(t, s, http.MethodPost, "/pay/webhook/paypal", []byte(`{}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unsupported_provider", env.Error.Code)

	rec, env = do(t, s, http.MethodPost, "/pay/webhook", []byte(`{}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", env.Error.Code)

	body := []byte(`{"result_code":0}`)
	rec, env = do(t, s, http.MethodPost, "/pay/webhook/mpesa", body, signed(body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", env.Error.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, 10)

	rec, _ := do(t, s, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")

	do(t, s, http.MethodPost, "/pay/initiate", []byte(initiateBody), nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	mrec := httptest.NewRecorder()
	s.GetRouter().ServeHTTP(mrec, req)
	assert.Equal(t, http.StatusOK, mrec.Code)
	assert.Contains(t, mrec.Body.String(), `payments_initiated_total{outcome="accepted",provider="mpesa"} 1`)
	assert.Contains(t, mrec.Body.String(), `payments_http_request_duration_seconds`)
}
