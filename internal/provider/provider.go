// Package provider adapts external payment networks to one contract:
// initiate a payment, authenticate and parse its webhook, and optionally
// poll its status. Adapters never touch the ledger.
package provider

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"payment-orchestrator/internal/domain"
	"payment-orchestrator/internal/errors"
	"payment-orchestrator/internal/webhook"
)

type InitiateRequest struct {
	UserID      string
	Amount      decimal.Decimal
	Currency    string
	OrderID     *string
	Description string
	PhoneNumber string
	Email       string
}

// InitiateResult is always pending. UpstreamErr is set when the provider
// call failed; the attempt is still recorded because the provider may have
// accepted it.
type InitiateResult struct {
	TransactionID string
	Status        domain.Status
	RedirectURL   *string
	ReferenceID   *string
	Metadata      domain.Metadata
	UpstreamErr   error
}

// VerifyResult is a webhook or status poll mapped to the canonical status.
// At least one of TransactionID and ReferenceID identifies the payment.
type VerifyResult struct {
	TransactionID string
	ReferenceID   string
	Status        domain.Status
	Metadata      domain.Metadata
}

type Adapter interface {
	Name() domain.Provider
	// Validate rejects requests missing provider-specific fields.
	Validate(req InitiateRequest) error
	Initiate(ctx context.Context, req InitiateRequest) InitiateResult
	Verifier() webhook.Verifier
	// ParseWebhook runs only on a body the Verifier accepted.
	ParseWebhook(body []byte) (*VerifyResult, error)
}

// StatusQuerier is implemented by adapters whose provider exposes a status
// lookup, used when webhooks do not arrive.
type StatusQuerier interface {
	QueryStatus(ctx context.Context, tx *domain.Transaction) (*VerifyResult, error)
}

// NewTransactionID generates the ledger id. Adapters call it themselves so
// a caller-supplied id can never reach the ledger.
func NewTransactionID() string {
	return uuid.NewString()
}

func pending(txID string, ref, redirect *string, metadata domain.Metadata) InitiateResult {
	return InitiateResult{
		TransactionID: txID,
		Status:        domain.StatusPending,
		RedirectURL:   redirect,
		ReferenceID:   ref,
		Metadata:      metadata,
	}
}

// pendingOnError records the upstream failure as diagnostic metadata.
func pendingOnError(txID string, err error) InitiateResult {
	res := pending(txID, nil, nil, domain.Metadata{"upstream_error": err.Error()})
	res.UpstreamErr = errors.NewAppError(errors.UpstreamError, "payment provider request failed").WithDetails(err.Error())
	return res
}

type Registry struct {
	adapters map[domain.Provider]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[domain.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[domain.Provider(strings.ToLower(strings.TrimSpace(name)))]
	if !ok {
		return nil, errors.ErrUnsupportedProvider.WithDetails(name)
	}
	return a, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, string(name))
	}
	sort.Strings(names)
	return names
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func defaultClient(c *http.Client) *http.Client {
	if c == nil {
		return http.DefaultClient
	}
	return c
}
