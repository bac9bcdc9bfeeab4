package provider

import (
	"log/slog"
	"net/http"

	"payment-orchestrator/internal/config"
)

// NewRegistryFromConfig registers every enabled provider.
func NewRegistryFromConfig(cfg *config.Config, client *http.Client, logger *slog.Logger) *Registry {
	var adapters []Adapter
	if cfg.Mpesa.Enabled {
		adapters = append(adapters, NewMpesaAdapter(cfg.Mpesa, client, logger))
	}
	if cfg.Flutterwave.Enabled {
		adapters = append(adapters, NewFlutterwaveAdapter(cfg.Flutterwave, client, logger))
	}
	if cfg.Paystack.Enabled {
		adapters = append(adapters, NewPaystackAdapter(cfg.Paystack, client, logger))
	}
	if cfg.Stripe.Enabled {
		adapters = append(adapters, NewStripeAdapter(cfg.Stripe, client, logger))
	}
	for _, a := range adapters {
		logger.Info("Payment provider enabled", "provider", a.Name())
	}
	return NewRegistry(adapters...)
}
