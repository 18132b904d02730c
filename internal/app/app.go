package app

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xenking/kart-commerce/internal/domain/discount"
	"github.com/xenking/kart-commerce/internal/domain/order"
	"github.com/xenking/kart-commerce/internal/domain/payment"
	"github.com/xenking/kart-commerce/internal/domain/shipping"
	"github.com/xenking/kart-commerce/internal/handler"
	"github.com/xenking/kart-commerce/internal/notify"
	"github.com/xenking/kart-commerce/internal/notify/mail"
	"github.com/xenking/kart-commerce/internal/payment/provider"
	"github.com/xenking/kart-commerce/internal/repository"
	"github.com/xenking/kart-commerce/pkg/health"
	"github.com/xenking/kart-commerce/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := repository.NewPool(ctx, repository.PoolConfig{
		URL:              cfg.DatabaseURL,
		MaxConns:         int32(cfg.Database.MaxConns),
		StatementTimeout: cfg.Database.StatementTimeout,
	})
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck("postgres", pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.AddLivenessCheck("gc", time.Second, health.GCMaxPauseCheck(time.Second))

	// Order number sequence.
	var sequence order.NumberSequence = repository.NewPostgresSequence(pool)
	if cfg.Sequence.Backend == SequenceRedis {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Sequence.RedisAddr})
		defer func() {
			if err := rdb.Close(); err != nil {
				lg.Warn("Close redis", zap.Error(err))
			}
		}()
		healthSvc.AddReadinessCheck("redis", 2*time.Second, health.PingCheck("redis", redisPinger{rdb}))
		sequence = repository.NewRedisSequence(rdb, cfg.Sequence.RedisKey)
	}

	// Event sinks: the admin feed always, brokers when configured.
	hub := notify.NewHub(lg.Named("feed"))
	events, closeEvents, err := newPublisher(cfg.Notify, hub)
	if err != nil {
		return errors.Wrap(err, "create event publisher")
	}
	defer func() {
		if err := closeEvents(); err != nil {
			lg.Warn("Close event publishers", zap.Error(err))
		}
	}()

	// Repositories.
	orderRepo := repository.NewOrderRepository(pool)
	discountRepo := repository.NewDiscountRepository(pool)
	zoneRepo := repository.NewZoneRepository(pool)

	// Domain services.
	discountSvc := discount.NewService(discountRepo,
		discount.WithLogger(lg.Named("discount")),
		discount.WithUsageCounter(orderRepo),
	)
	shippingCfg, err := cfg.Shipping.calculatorConfig()
	if err != nil {
		return errors.Wrap(err, "shipping config")
	}
	calculator := shipping.NewCalculator(zoneRepo, shippingCfg)

	var mailer order.Mailer
	if cfg.Mail.Addr != "" {
		mailer = mail.New(mail.Config{
			Addr:     cfg.Mail.Addr,
			Username: cfg.Mail.Username,
			Password: cfg.Mail.Password,
			From:     cfg.Mail.From,
			ShopName: cfg.Mail.ShopName,
			Timeout:  cfg.Mail.Timeout,
		})
	} else {
		lg.Info("SMTP relay not configured, confirmation emails disabled")
	}

	orderTelemetry, err := order.NewTelemetry(m.TracerProvider(), m.MeterProvider())
	if err != nil {
		return errors.Wrap(err, "order telemetry")
	}
	orderLg := lg.Named("order")
	orderSvc := order.NewService(order.Deps{
		Orders:            orderRepo,
		Sequence:          sequence,
		Coupons:           discountSvc,
		Shipping:          calculator,
		Mailer:            mailer,
		Events:            events,
		Logger:            orderLg,
		Currency:          cfg.Orders.Currency,
		SideEffectTimeout: cfg.Orders.SideEffectTimeout,
	},
		order.WithCreateMiddleware(orderTelemetry.Create(), order.LogCreate(orderLg)),
		order.WithUpdateStatusMiddleware(orderTelemetry.UpdateStatus(), order.LogUpdateStatus(orderLg)),
	)

	registry, err := provider.NewRegistry(cfg.Payments.providerConfig(), lg.Named("payment"))
	if err != nil {
		return errors.Wrap(err, "create payment providers")
	}
	dispatcher := payment.NewDispatcher(registry, orderRepo, orderSvc,
		payment.WithLogger(lg.Named("payment")),
		payment.WithTracerProvider(m.TracerProvider()),
		payment.WithEvents(events),
	)
	lg.Info("Payment providers enabled", zap.Strings("providers", dispatcher.Providers()))

	// HTTP handlers.
	h := handler.NewHandler(
		handler.Config{FeedOrigins: cfg.CORS.Origins},
		handler.Deps{
			Orders:    orderSvc,
			Payments:  dispatcher,
			Discounts: discountSvc,
			Shipping:  calculator,
			Feed:      hub,
			Logger:    lg,
		},
	)
	router := h.Router(httpmiddleware.Labeler(), httpmiddleware.LogRequests())
	router.Get("/livez", healthSvc.LiveEndpoint)
	router.Get("/readyz", healthSvc.ReadyEndpoint)

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		// Requests outlive ctx during the drain; Shutdown bounds them.
		BaseContext: func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
		Handler: httpmiddleware.Wrap(router,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				Origins:          cfg.CORS.Origins,
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           cfg.CORS.MaxAge,
			}),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
				Skip:   isWebhook,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Instrument("kart-api", m),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// newPublisher fans events out to the hub and to every configured broker.
// The returned close func releases the broker connections.
func newPublisher(cfg NotifyConfig, hub *notify.Hub) (notify.Publisher, func() error, error) {
	sinks := notify.Multi{hub}
	var closers []func() error

	if len(cfg.KafkaBrokers) > 0 {
		kp := notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		sinks = append(sinks, kp)
		closers = append(closers, kp.Close)
	}
	if cfg.AMQPURL != "" {
		ap, err := notify.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			for _, c := range closers {
				_ = c()
			}
			return nil, nil, errors.Wrap(err, "dial amqp")
		}
		sinks = append(sinks, ap)
		closers = append(closers, ap.Close)
	}

	closeAll := func() error {
		var errs error
		for _, c := range closers {
			errs = multierr.Append(errs, c())
		}
		return errs
	}
	return sinks, closeAll, nil
}

// isWebhook matches payment provider callbacks. Providers retry from shared
// egress addresses, so they are not rate limited.
func isWebhook(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, "/api/payments/") && strings.HasSuffix(r.URL.Path, "/webhook")
}
