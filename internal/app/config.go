package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-commerce/internal/domain/shipping"
	"github.com/xenking/kart-commerce/internal/payment/provider"
)

// Sequence backends.
const (
	SequencePostgres = "postgres"
	SequenceRedis    = "redis"
)

// Config holds the complete application configuration, loadable from
// environment variables (KART_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (KART_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	Database    DatabaseConfig
	Sequence    SequenceConfig
	Orders      OrdersConfig
	Notify      NotifyConfig
	Mail        MailConfig
	Payments    PaymentsConfig
	Shipping    ShippingConfig
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Graceful    GracefulConfig
}

// DatabaseConfig tunes the connection pool.
type DatabaseConfig struct {
	MaxConns         int           `default:"10" usage:"Maximum pool connections"`
	StatementTimeout time.Duration `default:"5s" usage:"Per-statement timeout"`
}

// SequenceConfig selects where order numbers come from.
type SequenceConfig struct {
	Backend   string `default:"postgres" usage:"Order number sequence backend: postgres or redis"`
	RedisAddr string `usage:"Redis address for the redis backend" flag:"redis-addr"`
	RedisKey  string `default:"kart:order_number_seq" usage:"Redis counter key"`
}

// OrdersConfig controls the order service.
type OrdersConfig struct {
	Currency          string        `default:"USD" usage:"Default order currency"`
	SideEffectTimeout time.Duration `default:"30s" usage:"Timeout of post-commit emails and notifications"`
}

// NotifyConfig lists the event sinks besides the in-process admin feed.
type NotifyConfig struct {
	KafkaBrokers []string `usage:"Kafka brokers for order events; empty disables Kafka"`
	KafkaTopic   string   `default:"kart.orders" usage:"Kafka topic for order events"`
	AMQPURL      string   `usage:"RabbitMQ URL for order events; empty disables RabbitMQ" flag:"amqp-url"`
	AMQPExchange string   `default:"kart.orders" usage:"RabbitMQ fanout exchange"`
}

// MailConfig configures confirmation emails. An empty Addr disables them.
type MailConfig struct {
	Addr     string        `usage:"SMTP relay host:port"`
	Username string        `usage:"SMTP username"`
	Password string        `usage:"SMTP password"`
	From     string        `default:"orders@kart.local" usage:"Sender address"`
	ShopName string        `default:"Kart" usage:"Shop name used in emails"`
	Timeout  time.Duration `default:"10s" usage:"Timeout of one SMTP delivery"`
}

// PaymentsConfig enables and configures payment providers.
type PaymentsConfig struct {
	Stripe         StripeConfig
	BOG            BOGConfig
	TBC            TBCConfig
	CashOnDelivery bool `default:"true" usage:"Enable cash on delivery"`
}

// StripeConfig configures Stripe Checkout.
type StripeConfig struct {
	Enabled       bool   `default:"false"`
	APIKey        string `usage:"Stripe secret key"`
	WebhookSecret string `usage:"Stripe webhook signing secret"`
	SuccessURL    string `usage:"Redirect after payment; {order_id} and {order_number} are expanded"`
	CancelURL     string `usage:"Redirect after cancelled payment"`
}

// BOGConfig configures Bank of Georgia online payments.
type BOGConfig struct {
	Enabled      bool   `default:"false"`
	ClientID     string `usage:"BOG OAuth client id"`
	ClientSecret string `usage:"BOG OAuth client secret"`
	PublicKey    string `usage:"PEM public key verifying BOG callbacks"`
	AuthURL      string `usage:"OAuth token endpoint override"`
	APIURL       string `usage:"Payments API override"`
	CallbackURL  string `usage:"Public URL of the BOG webhook"`
	SuccessURL   string
	FailURL      string
	Timeout      time.Duration `default:"15s"`
}

// TBCConfig configures TBC Pay.
type TBCConfig struct {
	Enabled      bool   `default:"false"`
	APIKey       string `usage:"TBC developer app key"`
	ClientID     string `usage:"TBC client id"`
	ClientSecret string `usage:"TBC client secret"`
	APIURL       string `usage:"TBC Pay API override"`
	CallbackURL  string `usage:"Public URL of the TBC webhook"`
	ReturnURL    string
	Timeout      time.Duration `default:"15s"`
}

// ShippingConfig enables the shipping rate providers. Amounts are decimal
// strings.
type ShippingConfig struct {
	FlatRate     FlatRateConfig
	WeightBased  WeightBasedConfig
	FreeShipping FreeShippingConfig
}

// FlatRateConfig configures zone-based flat rates.
type FlatRateConfig struct {
	Enabled     bool   `default:"true"`
	DefaultRate string `default:"10" usage:"Rate used when no zone matches"`
	MinDays     int    `default:"3"`
	MaxDays     int    `default:"7"`
}

// WeightBasedConfig configures per-kilogram rates.
type WeightBasedConfig struct {
	Enabled   bool   `default:"false"`
	RatePerKg string `default:"2"`
	MinDays   int    `default:"3"`
	MaxDays   int    `default:"7"`
}

// FreeShippingConfig configures threshold-based free shipping.
type FreeShippingConfig struct {
	Enabled   bool   `default:"false"`
	Threshold string `default:"100"`
	MinDays   int    `default:"5"`
	MaxDays   int    `default:"10"`
}

// RateLimitConfig controls the per-client token bucket rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers. The origins
// also gate the admin websocket feed.
type CORSConfig struct {
	Origins          []string      `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool          `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
	MaxAge           time.Duration `default:"24h" usage:"Preflight cache duration"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "KART",
		Files:     []string{"config.yaml", "/etc/kart/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set KART_DATABASE_URL or DATABASE_URL")
	}
	switch c.Sequence.Backend {
	case SequencePostgres:
	case SequenceRedis:
		if c.Sequence.RedisAddr == "" {
			return errors.New("redis sequence backend requires KART_SEQUENCE_REDISADDR")
		}
	default:
		return errors.Errorf("unknown sequence backend %q", c.Sequence.Backend)
	}
	if len(c.Notify.KafkaBrokers) > 0 && c.Notify.KafkaTopic == "" {
		return errors.New("kafka topic is required when brokers are set")
	}
	if _, err := c.Shipping.calculatorConfig(); err != nil {
		return err
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's KART_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if c.Sequence.RedisAddr == "" {
		c.Sequence.RedisAddr = os.Getenv("REDIS_ADDR")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}

func (c PaymentsConfig) providerConfig() provider.Config {
	return provider.Config{
		Stripe: provider.StripeConfig{
			Enabled:       c.Stripe.Enabled,
			APIKey:        c.Stripe.APIKey,
			WebhookSecret: c.Stripe.WebhookSecret,
			SuccessURL:    c.Stripe.SuccessURL,
			CancelURL:     c.Stripe.CancelURL,
		},
		BOG: provider.BOGConfig{
			Enabled:      c.BOG.Enabled,
			ClientID:     c.BOG.ClientID,
			ClientSecret: c.BOG.ClientSecret,
			PublicKey:    c.BOG.PublicKey,
			AuthURL:      c.BOG.AuthURL,
			APIURL:       c.BOG.APIURL,
			CallbackURL:  c.BOG.CallbackURL,
			SuccessURL:   c.BOG.SuccessURL,
			FailURL:      c.BOG.FailURL,
			Timeout:      c.BOG.Timeout,
		},
		TBC: provider.TBCConfig{
			Enabled:      c.TBC.Enabled,
			APIKey:       c.TBC.APIKey,
			ClientID:     c.TBC.ClientID,
			ClientSecret: c.TBC.ClientSecret,
			APIURL:       c.TBC.APIURL,
			CallbackURL:  c.TBC.CallbackURL,
			ReturnURL:    c.TBC.ReturnURL,
			Timeout:      c.TBC.Timeout,
		},
		CashOnDelivery: c.CashOnDelivery,
	}
}

func (c ShippingConfig) calculatorConfig() (shipping.Config, error) {
	flat, err := parseAmount("shipping flat rate", c.FlatRate.DefaultRate)
	if err != nil {
		return shipping.Config{}, err
	}
	perKg, err := parseAmount("shipping rate per kg", c.WeightBased.RatePerKg)
	if err != nil {
		return shipping.Config{}, err
	}
	threshold, err := parseAmount("free shipping threshold", c.FreeShipping.Threshold)
	if err != nil {
		return shipping.Config{}, err
	}
	return shipping.Config{
		FlatRate: shipping.FlatRateConfig{
			Enabled:     c.FlatRate.Enabled,
			DefaultRate: flat,
			Window:      shipping.Window{MinDays: c.FlatRate.MinDays, MaxDays: c.FlatRate.MaxDays},
		},
		WeightBased: shipping.WeightConfig{
			Enabled:   c.WeightBased.Enabled,
			RatePerKg: perKg,
			Window:    shipping.Window{MinDays: c.WeightBased.MinDays, MaxDays: c.WeightBased.MaxDays},
		},
		FreeShipping: shipping.FreeShippingConfig{
			Enabled:   c.FreeShipping.Enabled,
			Threshold: threshold,
			Window:    shipping.Window{MinDays: c.FreeShipping.MinDays, MaxDays: c.FreeShipping.MaxDays},
		},
	}, nil
}

func parseAmount(name, raw string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "parse %s %q", name, raw)
	}
	if v.IsNegative() {
		return decimal.Zero, errors.Errorf("%s must not be negative", name)
	}
	return v, nil
}
