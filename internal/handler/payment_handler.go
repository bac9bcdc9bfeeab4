package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"payment-orchestrator/internal/domain"
	"payment-orchestrator/internal/errors"
	"payment-orchestrator/internal/service"
)

const (
	maxInitiateBody = 64 << 10
	maxWebhookBody  = 1 << 20
)

type PaymentHandler struct {
	paymentService *service.PaymentService
	logger         *slog.Logger
}

func NewPaymentHandler(paymentService *service.PaymentService, logger *slog.Logger) *PaymentHandler {
	return &PaymentHandler{
		paymentService: paymentService,
		logger:         logger,
	}
}

type InitiateResponse struct {
	TransactionID string        `json:"transaction_id"`
	Status        domain.Status `json:"status"`
	RedirectURL   *string       `json:"redirect_url,omitempty"`
	ReferenceID   *string       `json:"reference_id,omitempty"`
}

func (h *PaymentHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	var req service.InitiateRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxInitiateBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.NewAppError(errors.InvalidInput, "invalid request body").WithDetails(err.Error()))
		return
	}

	tx, err := h.paymentService.Initiate(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, InitiateResponse{
		TransactionID: tx.ID,
		Status:        tx.Status,
		RedirectURL:   tx.RedirectURL,
		ReferenceID:   tx.ReferenceID,
	})
}

func (h *PaymentHandler) Status(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["transaction_id"]

	tx, err := h.paymentService.GetStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tx)
}

// Webhook reads the raw body untouched: signatures are computed over the
// exact bytes the provider sent.
func (h *PaymentHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["provider"]
	if name == "" {
		name = strings.TrimSpace(r.URL.Query().Get("provider"))
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, errors.NewAppError(errors.InvalidInput, "cannot read webhook body").WithDetails(err.Error()))
		return
	}

	result, err := h.paymentService.HandleWebhook(r.Context(), name, r.Header, body)
	if err != nil {
		if errors.AsAppError(err).Code == errors.InternalError {
			h.logger.Error("Webhook processing failed, provider should retry", "provider", name, "error", err)
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}
