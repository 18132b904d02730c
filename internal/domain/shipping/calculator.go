package shipping

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Window is an estimated delivery window in days.
type Window struct {
	MinDays int
	MaxDays int
}

// FlatRateConfig configures the zone-based flat rate.
type FlatRateConfig struct {
	Enabled     bool
	DefaultRate decimal.Decimal
	Window      Window
}

// WeightConfig configures the per-kilogram rate.
type WeightConfig struct {
	Enabled   bool
	RatePerKg decimal.Decimal
	Window    Window
}

// FreeShippingConfig configures the threshold-based free option.
type FreeShippingConfig struct {
	Enabled   bool
	Threshold decimal.Decimal
	Window    Window
}

// Config selects which providers contribute rates.
type Config struct {
	FlatRate     FlatRateConfig
	WeightBased  WeightConfig
	FreeShipping FreeShippingConfig
}

// DefaultConfig enables the flat rate only.
func DefaultConfig() Config {
	return Config{
		FlatRate: FlatRateConfig{
			Enabled:     true,
			DefaultRate: decimal.NewFromInt(10),
			Window:      Window{MinDays: 3, MaxDays: 7},
		},
		WeightBased: WeightConfig{
			RatePerKg: decimal.NewFromInt(2),
			Window:    Window{MinDays: 3, MaxDays: 7},
		},
		FreeShipping: FreeShippingConfig{
			Threshold: decimal.NewFromInt(100),
			Window:    Window{MinDays: 5, MaxDays: 10},
		},
	}
}

// provider contributes at most one rate.
type provider interface {
	rate(ctx context.Context, req Request) (*Rate, error)
}

// Calculator computes candidate shipping options. It never picks one.
type Calculator struct {
	providers []provider
}

// NewCalculator builds a Calculator from the enabled providers in cfg.
func NewCalculator(zones ZoneRepository, cfg Config) *Calculator {
	var providers []provider
	if cfg.FlatRate.Enabled {
		providers = append(providers, &flatRate{zones: zones, cfg: cfg.FlatRate})
	}
	if cfg.WeightBased.Enabled {
		providers = append(providers, &weightBased{cfg: cfg.WeightBased})
	}
	if cfg.FreeShipping.Enabled {
		providers = append(providers, &freeShipping{cfg: cfg.FreeShipping})
	}
	return &Calculator{providers: providers}
}

// Rates returns every rate the enabled providers offer for req.
func (c *Calculator) Rates(ctx context.Context, req Request) ([]Rate, error) {
	rates := make([]Rate, 0, len(c.providers))
	for _, p := range c.providers {
		r, err := p.rate(ctx, req)
		if err != nil {
			return nil, err
		}
		if r != nil {
			rates = append(rates, *r)
		}
	}
	return rates, nil
}

type flatRate struct {
	zones ZoneRepository
	cfg   FlatRateConfig
}

func (p *flatRate) rate(ctx context.Context, req Request) (*Rate, error) {
	r := &Rate{
		ID:          RateFlat,
		Name:        "Standard Shipping",
		Description: "Flat rate delivery",
		Price:       p.cfg.DefaultRate,
		MinDays:     p.cfg.Window.MinDays,
		MaxDays:     p.cfg.Window.MaxDays,
	}
	if p.zones == nil {
		return r, nil
	}

	zones, err := p.zones.ActiveZones(ctx)
	if err != nil {
		return nil, fmt.Errorf("list shipping zones: %w", err)
	}
	z, ok := matchZone(zones, req.Address)
	if !ok {
		return r, nil
	}

	r.Price = z.FlatRate
	r.Description = fmt.Sprintf("Flat rate to %s", z.Name)
	if z.FreeShippingThreshold != nil && req.Subtotal.GreaterThanOrEqual(*z.FreeShippingThreshold) {
		r.Price = decimal.Zero
		r.Description = fmt.Sprintf("Free delivery to %s", z.Name)
	}
	return r, nil
}

type weightBased struct {
	cfg WeightConfig
}

func (p *weightBased) rate(_ context.Context, req Request) (*Rate, error) {
	weight := req.TotalWeight()
	if !weight.IsPositive() {
		return nil, nil
	}
	return &Rate{
		ID:          RateWeight,
		Name:        "Weight-based Shipping",
		Description: fmt.Sprintf("%s kg at %s per kg", weight.String(), p.cfg.RatePerKg.StringFixed(2)),
		Price:       p.cfg.RatePerKg.Mul(weight).Round(2),
		MinDays:     p.cfg.Window.MinDays,
		MaxDays:     p.cfg.Window.MaxDays,
	}, nil
}

type freeShipping struct {
	cfg FreeShippingConfig
}

func (p *freeShipping) rate(_ context.Context, req Request) (*Rate, error) {
	if req.Subtotal.LessThan(p.cfg.Threshold) {
		return nil, nil
	}
	return &Rate{
		ID:          RateFree,
		Name:        "Free Shipping",
		Description: fmt.Sprintf("Free on orders over %s", p.cfg.Threshold.StringFixed(2)),
		Price:       decimal.Zero,
		MinDays:     p.cfg.Window.MinDays,
		MaxDays:     p.cfg.Window.MaxDays,
	}, nil
}
