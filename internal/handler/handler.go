// Package handler exposes the order, payment, coupon and shipping services
// over a JSON HTTP API.
package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xenking/kart-commerce/internal/domain/discount"
	"github.com/xenking/kart-commerce/internal/domain/order"
	"github.com/xenking/kart-commerce/internal/domain/payment"
	"github.com/xenking/kart-commerce/internal/domain/shipping"
	"github.com/xenking/kart-commerce/internal/notify"
)

// OrderService is the order workflow consumed by the handler.
type OrderService interface {
	Create(ctx context.Context, d order.Draft) (*order.Order, error)
	UpdateStatus(ctx context.Context, u order.StatusUpdate) (*order.Order, error)
	Archive(ctx context.Context, id string) (*order.Order, error)
	Unarchive(ctx context.Context, id string) (*order.Order, error)
	Get(ctx context.Context, id string) (*order.Order, error)
	History(ctx context.Context, id string) ([]order.HistoryEntry, error)
	List(ctx context.Context, filter order.ListFilter) ([]order.Order, error)
	Stats(ctx context.Context) (*order.Stats, error)
}

// PaymentService starts payments and consumes provider callbacks.
type PaymentService interface {
	Checkout(ctx context.Context, orderID, provider string) (*payment.CheckoutResult, error)
	Webhook(ctx context.Context, provider string, payload []byte, signature string) payment.Ack
	SignatureHeader(provider string) string
}

// DiscountService evaluates and manages coupons.
type DiscountService interface {
	Apply(ctx context.Context, req discount.Request) (*discount.Result, error)
	Get(ctx context.Context, code string) (*discount.Discount, error)
	Create(ctx context.Context, d *discount.Discount) (*discount.Discount, error)
}

// RateCalculator quotes shipping options.
type RateCalculator interface {
	Rates(ctx context.Context, req shipping.Request) ([]shipping.Rate, error)
}

// Feed is the source of live order events.
type Feed interface {
	Subscribe(buffer int) (<-chan notify.Event, func())
}

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// FeedOrigins lists origins allowed to open the admin feed. Empty allows
	// any origin.
	FeedOrigins []string
}

// Deps holds the services behind the API. Feed may be nil, which disables
// the admin feed endpoint.
type Deps struct {
	Orders    OrderService
	Payments  PaymentService
	Discounts DiscountService
	Shipping  RateCalculator
	Feed      Feed
	Logger    *zap.Logger
}

// Handler serves the HTTP API.
type Handler struct {
	orders    OrderService
	payments  PaymentService
	discounts DiscountService
	shipping  RateCalculator
	feed      Feed
	upgrader  websocket.Upgrader
	lg        *zap.Logger
}

// NewHandler constructs a Handler.
func NewHandler(cfg Config, deps Deps) *Handler {
	lg := deps.Logger
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Handler{
		orders:    deps.Orders,
		payments:  deps.Payments,
		discounts: deps.Discounts,
		shipping:  deps.Shipping,
		feed:      deps.Feed,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.FeedOrigins),
		},
		lg: lg,
	}
}

// Routes registers the API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Route("/orders", func(r chi.Router) {
			r.Post("/", h.createOrder)
			r.Get("/", h.listOrders)
			r.Get("/stats", h.orderStats)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.getOrder)
				r.Get("/history", h.orderHistory)
				r.Patch("/status", h.updateStatus)
				r.Post("/archive", h.archiveOrder)
				r.Delete("/archive", h.unarchiveOrder)
				r.Post("/checkout", h.checkout)
			})
		})
		r.Post("/payments/{provider}/webhook", h.webhook)
		r.Route("/coupons", func(r chi.Router) {
			r.Post("/", h.createCoupon)
			r.Post("/apply", h.applyCoupon)
			r.Get("/{code}", h.getCoupon)
		})
		r.Post("/shipping/rates", h.shippingRates)
		if h.feed != nil {
			r.Get("/admin/feed", h.adminFeed)
		}
	})
}

// Router returns a chi router serving the API. The middlewares run inside
// the router, after route matching, so they can read chi.RouteContext.
func (h *Handler) Router(mws ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(mws...)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	h.Routes(r)
	return r
}

func originChecker(origins []string) func(r *http.Request) bool {
	if len(origins) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[strings.ToLower(origin)]
		return ok
	}
}
