// Package provider implements the payment back-ends known to the dispatcher.
package provider

import (
	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/kart-commerce/internal/domain/payment"
)

// Config selects and configures payment providers.
type Config struct {
	Stripe         StripeConfig
	BOG            BOGConfig
	TBC            TBCConfig
	CashOnDelivery bool
}

// NewRegistry registers every provider with its enabled flag. Enabled
// providers without webhook credentials are logged, since their callbacks
// will be rejected.
func NewRegistry(cfg Config, lg *zap.Logger) (*payment.Registry, error) {
	if lg == nil {
		lg = zap.NewNop()
	}
	reg := payment.NewRegistry()

	reg.Register(NewStripe(cfg.Stripe), cfg.Stripe.Enabled)
	if cfg.Stripe.Enabled && cfg.Stripe.WebhookSecret == "" {
		lg.Warn("Stripe webhook secret not set, callbacks will be rejected")
	}

	bog, err := NewBOG(cfg.BOG)
	if err != nil {
		return nil, errors.Wrap(err, "bog")
	}
	reg.Register(bog, cfg.BOG.Enabled)
	if cfg.BOG.Enabled && bog.key == nil {
		lg.Warn("BOG public key not set, callbacks will be rejected")
	}

	tbc := NewTBC(cfg.TBC)
	reg.Register(tbc, cfg.TBC.Enabled)
	if cfg.TBC.Enabled && !tbc.configured() {
		lg.Warn("TBC API credentials not set, payments and callbacks will fail")
	}

	reg.Register(CashOnDelivery{}, cfg.CashOnDelivery)

	lg.Info("Payment providers registered", zap.Strings("enabled", reg.Enabled()))
	return reg, nil
}
