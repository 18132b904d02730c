package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-commerce/internal/domain/discount"
	"github.com/xenking/kart-commerce/internal/domain/order"
	"github.com/xenking/kart-commerce/internal/domain/payment"
	"github.com/xenking/kart-commerce/internal/domain/shipping"
	"github.com/xenking/kart-commerce/internal/notify"
)

// --- Mock implementations ---

type mockOrders struct {
	draft   order.Draft
	update  order.StatusUpdate
	filter  order.ListFilter
	order   *order.Order
	history []order.HistoryEntry
	stats   *order.Stats
	err     error
}

func (m *mockOrders) Create(_ context.Context, d order.Draft) (*order.Order, error) {
	m.draft = d
	return m.order, m.err
}

func (m *mockOrders) UpdateStatus(_ context.Context, u order.StatusUpdate) (*order.Order, error) {
	m.update = u
	return m.order, m.err
}

func (m *mockOrders) Archive(context.Context, string) (*order.Order, error) {
	return m.order, m.err
}

func (m *mockOrders) Unarchive(context.Context, string) (*order.Order, error) {
	return m.order, m.err
}

func (m *mockOrders) Get(_ context.Context, id string) (*order.Order, error) {
	if m.order == nil || m.order.ID != id {
		return nil, errors.Wrap(order.ErrNotFound, "get order")
	}
	return m.order, m.err
}

func (m *mockOrders) History(context.Context, string) ([]order.HistoryEntry, error) {
	return m.history, m.err
}

func (m *mockOrders) List(_ context.Context, f order.ListFilter) ([]order.Order, error) {
	m.filter = f
	if m.order == nil {
		return nil, m.err
	}
	return []order.Order{*m.order}, m.err
}

func (m *mockOrders) Stats(context.Context) (*order.Stats, error) {
	return m.stats, m.err
}

type mockPayments struct {
	orderID   string
	provider  string
	payload   string
	signature string
	result    *payment.CheckoutResult
	ack       payment.Ack
	err       error
}

func (m *mockPayments) Checkout(_ context.Context, orderID, provider string) (*payment.CheckoutResult, error) {
	m.orderID, m.provider = orderID, provider
	return m.result, m.err
}

func (m *mockPayments) Webhook(_ context.Context, provider string, payload []byte, signature string) payment.Ack {
	m.provider, m.payload, m.signature = provider, string(payload), signature
	return m.ack
}

func (m *mockPayments) SignatureHeader(provider string) string {
	if provider == payment.ProviderStripe {
		return "Stripe-Signature"
	}
	return "Callback-Signature"
}

type mockDiscounts struct {
	req     discount.Request
	created *discount.Discount
	result  *discount.Result
	found   *discount.Discount
	err     error
}

func (m *mockDiscounts) Apply(_ context.Context, req discount.Request) (*discount.Result, error) {
	m.req = req
	return m.result, m.err
}

func (m *mockDiscounts) Get(_ context.Context, code string) (*discount.Discount, error) {
	if m.found == nil || *m.found.Code != discount.NormalizeCode(code) {
		return nil, discount.ErrNotFound
	}
	return m.found, nil
}

func (m *mockDiscounts) Create(_ context.Context, d *discount.Discount) (*discount.Discount, error) {
	m.created = d
	if m.err != nil {
		return nil, m.err
	}
	d.ID = "d-1"
	return d, nil
}

type mockRates struct {
	req   shipping.Request
	rates []shipping.Rate
	err   error
}

func (m *mockRates) Rates(_ context.Context, req shipping.Request) ([]shipping.Rate, error) {
	m.req = req
	return m.rates, m.err
}

// --- Helpers ---

type fixture struct {
	orders    *mockOrders
	payments  *mockPayments
	discounts *mockDiscounts
	rates     *mockRates
	hub       *notify.Hub
	router    http.Handler
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		orders:    &mockOrders{},
		payments:  &mockPayments{},
		discounts: &mockDiscounts{},
		rates:     &mockRates{},
		hub:       notify.NewHub(nil),
	}
	f.router = NewHandler(cfg, Deps{
		Orders:    f.orders,
		Payments:  f.payments,
		Discounts: f.discounts,
		Shipping:  f.rates,
		Feed:      f.hub,
	}).Router()
	return f
}

func (f *fixture) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func strp(s string) *string { return &s }

func sampleOrder() *order.Order {
	created := time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)
	return &order.Order{
		ID:             "o-1",
		Number:         "ORD-240615-00042",
		Email:          "buyer@example.com",
		Status:         order.StatusPending,
		Subtotal:       decimal.NewFromInt(25),
		ShippingAmount: decimal.NewFromInt(5),
		DiscountAmount: decimal.RequireFromString("2.5"),
		Total:          decimal.RequireFromString("27.5"),
		Currency:       "USD",
		PaymentStatus:  order.PaymentPending,
		CouponCode:     strp("SAVE10"),
		Items: []order.Item{{
			ID:        "i-1",
			ProductID: strp("p1"),
			Name:      "Widget",
			Price:     decimal.RequireFromString("12.5"),
			Quantity:  2,
			LineTotal: decimal.NewFromInt(25),
		}},
		ShippingAddress: &order.Address{Line1: "1 Main St", City: "Tbilisi", Country: "GE"},
		CreatedAt:       created,
		UpdatedAt:       created,
	}
}

// --- Tests ---

func TestCreateOrder(t *testing.T) {
	f := newFixture(t, Config{})
	f.orders.order = sampleOrder()

	rec := f.do(http.MethodPost, "/api/orders", `{
		"email": "buyer@example.com",
		"customer_id": "c-1",
		"items": [
			{"product_id": "p1", "name": "Widget", "price": 12.5, "quantity": 2, "weight": "0.5"},
			{"name": "Gift wrap", "price": "3", "quantity": 1, "extra": {"ignored": [1, 2]}}
		],
		"shipping_address": {"line1": "1 Main St", "city": "Tbilisi", "country": "GE"},
		"billing_address": null,
		"tax_amount": null,
		"shipping_amount": "4.00",
		"coupon_code": "SAVE10",
		"shipping_method": "flat_rate"
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	d := f.orders.draft
	assert.Equal(t, "buyer@example.com", d.Email)
	assert.Equal(t, "c-1", *d.CustomerID)
	require.Len(t, d.Items, 2)
	assert.Equal(t, "p1", *d.Items[0].ProductID)
	assert.True(t, d.Items[0].Price.Equal(decimal.RequireFromString("12.5")))
	assert.True(t, d.Items[0].Weight.Equal(decimal.RequireFromString("0.5")))
	assert.Nil(t, d.Items[1].ProductID)
	assert.True(t, d.Items[1].Price.Equal(decimal.NewFromInt(3)))
	require.NotNil(t, d.ShippingAddress)
	assert.Equal(t, "GE", d.ShippingAddress.Country)
	assert.Nil(t, d.BillingAddress)
	assert.Nil(t, d.TaxAmount)
	assert.True(t, d.ShippingAmount.Equal(decimal.NewFromInt(4)))
	assert.Equal(t, "SAVE10", d.CouponCode)
	assert.Equal(t, "flat_rate", d.ShippingMethod)

	body := decodeBody(t, rec)
	assert.Equal(t, "ORD-240615-00042", body["order_number"])
	assert.Equal(t, "27.50", body["total"])
	assert.Equal(t, "2.50", body["discount_amount"])
	assert.Equal(t, "SAVE10", body["coupon_code"])
	assert.Nil(t, body["transaction_id"])
	assert.Nil(t, body["billing_address"])
	assert.Equal(t, "2024-06-15T10:00:00Z", body["created_at"])
	items := body["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "25.00", items[0].(map[string]any)["line_total"])
}

func TestCreateOrder_MalformedBody(t *testing.T) {
	f := newFixture(t, Config{})

	for name, body := range map[string]string{
		"empty":       ``,
		"not object":  `[1, 2]`,
		"bad decimal": `{"items": [{"price": "ten"}]}`,
		"bad type":    `{"email": 42}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := f.do(http.MethodPost, "/api/orders", body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.EqualValues(t, 400, decodeBody(t, rec)["code"])
		})
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"order not found", errors.Wrap(order.ErrNotFound, "get order"), http.StatusNotFound},
		{"discount not found", discount.ErrNotFound, http.StatusNotFound},
		{"invalid transition", &order.InvalidTransitionError{From: order.StatusDelivered, To: order.StatusPending}, http.StatusBadRequest},
		{"insufficient stock", errors.Wrap(&order.InsufficientStockError{ProductID: "p1", Requested: 3}, "create"), http.StatusBadRequest},
		{"coupon rejected", errors.Wrap(discount.ErrUsageLimitReached, "apply"), http.StatusBadRequest},
		{"minimum not met", &discount.MinimumNotMetError{Minimum: decimal.NewFromInt(50)}, http.StatusBadRequest},
		{"archived", order.ErrArchived, http.StatusBadRequest},
		{"invalid draft", errors.Wrap(order.ErrInvalidDraft, "create"), http.StatusBadRequest},
		{"provider unavailable", payment.ErrProviderUnavailable, http.StatusBadRequest},
		{"already paid", payment.ErrAlreadyPaid, http.StatusBadRequest},
		{"code conflict", errors.Wrap(discount.ErrCodeConflict, "create"), http.StatusConflict},
		{"concurrent update", order.ErrConcurrentUpdate, http.StatusConflict},
		{"provider error", &payment.ProviderError{Provider: "stripe", Op: "initiate", Err: errors.New("boom")}, http.StatusBadGateway},
		{"unknown", errors.New("database is down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errorStatus(tt.err))
		})
	}
}

func TestGetOrder(t *testing.T) {
	f := newFixture(t, Config{})
	f.orders.order = sampleOrder()

	rec := f.do(http.MethodGet, "/api/orders/o-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "o-1", decodeBody(t, rec)["id"])

	rec = f.do(http.MethodGet, "/api/orders/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeBody(t, rec)
	assert.EqualValues(t, 404, body["code"])
	assert.Contains(t, body["message"], "order not found")
}

func TestInternalErrorHidesDetails(t *testing.T) {
	f := newFixture(t, Config{})
	f.orders.err = errors.New("pq: connection reset")

	rec := f.do(http.MethodGet, "/api/orders/stats", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal Server Error", decodeBody(t, rec)["message"])
}

func TestListOrders(t *testing.T) {
	f := newFixture(t, Config{})
	f.orders.order = sampleOrder()

	rec := f.do(http.MethodGet, "/api/orders?status=pending&archived=true&limit=10&offset=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, order.ListFilter{Status: order.StatusPending, Archived: true, Limit: 10, Offset: 5}, f.orders.filter)
	assert.Len(t, decodeBody(t, rec)["orders"], 1)

	for _, q := range []string{"limit=ten", "offset=x", "archived=maybe"} {
		rec := f.do(http.MethodGet, "/api/orders?"+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestOrderStats(t *testing.T) {
	f := newFixture(t, Config{})
	f.orders.stats = &order.Stats{
		TotalOrders:  3,
		TodayOrders:  1,
		Revenue:      decimal.RequireFromString("99.9"),
		TodayRevenue: decimal.NewFromInt(10),
		ByStatus:     map[order.Status]int{order.StatusPending: 2, order.StatusShipped: 1},
	}

	rec := f.do(http.MethodGet, "/api/orders/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.EqualValues(t, 3, body["total_orders"])
	assert.Equal(t, "99.90", body["revenue"])
	byStatus := body["by_status"].(map[string]any)
	assert.Len(t, byStatus, len(order.Statuses))
	assert.EqualValues(t, 2, byStatus["pending"])
	assert.EqualValues(t, 0, byStatus["cancelled"])
}

func TestOrderHistory(t *testing.T) {
	f := newFixture(t, Config{})
	f.orders.history = []order.HistoryEntry{
		{Status: order.StatusPending, CreatedAt: time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)},
		{Status: order.StatusConfirmed, Note: strp("paid"), ActorID: strp("admin"), CreatedAt: time.Date(2024, 6, 15, 11, 0, 0, 0, time.UTC)},
	}

	rec := f.do(http.MethodGet, "/api/orders/o-1/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeBody(t, rec)["history"].([]any)
	require.Len(t, history, 2)
	assert.Nil(t, history[0].(map[string]any)["note"])
	assert.Equal(t, "paid", history[1].(map[string]any)["note"])
}

func TestUpdateStatus(t *testing.T) {
	f := newFixture(t, Config{})
	f.orders.order = sampleOrder()

	rec := f.do(http.MethodPatch, "/api/orders/o-1/status", `{"status":"confirmed","note":"paid","actor_id":"admin-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, order.StatusUpdate{
		OrderID: "o-1",
		Status:  order.StatusConfirmed,
		Note:    "paid",
		ActorID: "admin-1",
	}, f.orders.update)

	rec = f.do(http.MethodPatch, "/api/orders/o-1/status", `{"note":"no status"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.orders.err = &order.InvalidTransitionError{From: order.StatusDelivered, To: order.StatusPending}
	rec = f.do(http.MethodPatch, "/api/orders/o-1/status", `{"status":"pending"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["message"], "cannot transition order from delivered to pending")
}

func TestArchive(t *testing.T) {
	f := newFixture(t, Config{})
	o := sampleOrder()
	o.Archived = true
	f.orders.order = o

	rec := f.do(http.MethodPost, "/api/orders/o-1/archive", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["archived"])

	o.Archived = false
	rec = f.do(http.MethodDelete, "/api/orders/o-1/archive", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["archived"])
}

func TestCheckout(t *testing.T) {
	f := newFixture(t, Config{})
	f.payments.result = &payment.CheckoutResult{PaymentURL: "https://pay.example/cs_1", TransactionID: "cs_1"}

	rec := f.do(http.MethodPost, "/api/orders/o-1/checkout", `{"provider":"stripe"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "o-1", f.payments.orderID)
	assert.Equal(t, "stripe", f.payments.provider)
	body := decodeBody(t, rec)
	assert.Equal(t, "https://pay.example/cs_1", body["payment_url"])
	assert.Equal(t, "cs_1", body["transaction_id"])

	rec = f.do(http.MethodPost, "/api/orders/o-1/checkout", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.payments.err = &payment.ProviderError{Provider: "stripe", Op: "initiate", Err: errors.New("card network down")}
	rec = f.do(http.MethodPost, "/api/orders/o-1/checkout", `{"provider":"stripe"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	f.payments.err = payment.ErrProviderUnavailable
	rec = f.do(http.MethodPost, "/api/orders/o-1/checkout", `{"provider":"paypal"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhook(t *testing.T) {
	f := newFixture(t, Config{})
	f.payments.ack = payment.Ack{Received: true, OrderID: "o-1", Status: order.PaymentCompleted}

	rec := f.do(http.MethodPost, "/api/payments/stripe/webhook", `{"id":"evt_1"}`, "Stripe-Signature", "t=1,v1=abc")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "stripe", f.payments.provider)
	assert.Equal(t, `{"id":"evt_1"}`, f.payments.payload)
	assert.Equal(t, "t=1,v1=abc", f.payments.signature)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["received"])
	assert.Equal(t, "completed", body["status"])

	f.payments.ack = payment.Ack{Received: true}
	rec = f.do(http.MethodPost, "/api/payments/bog/webhook", `garbage`, "Callback-Signature", "sig")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sig", f.payments.signature)
	body = decodeBody(t, rec)
	assert.Equal(t, true, body["received"])
	assert.NotContains(t, body, "order_id")
}

func TestApplyCoupon(t *testing.T) {
	f := newFixture(t, Config{})
	f.discounts.result = &discount.Result{
		Discount: &discount.Discount{ID: "d-1", Type: discount.TypePercentage},
		Amount:   decimal.RequireFromString("2.5"),
	}

	rec := f.do(http.MethodPost, "/api/coupons/apply", `{
		"code": " save10 ",
		"subtotal": 25,
		"customer_id": "c-1",
		"items": [{"product_id": "p1", "category_id": "cat", "price": "12.5", "quantity": 2}]
	}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.discounts.req.Subtotal.Equal(decimal.NewFromInt(25)))
	assert.Equal(t, "c-1", *f.discounts.req.CustomerID)
	require.Len(t, f.discounts.req.Items, 1)
	assert.Equal(t, "cat", f.discounts.req.Items[0].CategoryID)
	body := decodeBody(t, rec)
	assert.Equal(t, "SAVE10", body["code"])
	assert.Equal(t, "2.50", body["amount"])
	assert.Equal(t, false, body["free_shipping"])

	f.discounts.err = &discount.MinimumNotMetError{Minimum: decimal.NewFromInt(50)}
	rec = f.do(http.MethodPost, "/api/coupons/apply", `{"code":"SAVE10","subtotal":"10"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "minimum order amount of 50.00 not met", decodeBody(t, rec)["message"])

	rec = f.do(http.MethodPost, "/api/coupons/apply", `{"subtotal":"10"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateAndGetCoupon(t *testing.T) {
	f := newFixture(t, Config{})

	rec := f.do(http.MethodPost, "/api/coupons", `{
		"name": "Summer",
		"code": "summer",
		"type": "fixed",
		"value": "5",
		"minimum_order_amount": 20,
		"maximum_discount_amount": null,
		"usage_limit": 100,
		"applies_to": "specific_products",
		"applicable_ids": ["p1", "p2"],
		"starts_at": "2024-06-01T00:00:00Z",
		"ends_at": "2024-09-01T00:00:00Z"
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	d := f.discounts.created
	assert.Equal(t, "summer", *d.Code)
	assert.Equal(t, discount.TypeFixed, d.Type)
	assert.True(t, d.Active)
	assert.Equal(t, 100, *d.UsageLimit)
	assert.Nil(t, d.PerCustomerLimit)
	assert.Equal(t, []string{"p1", "p2"}, d.ApplicableIDs)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), d.StartsAt)
	require.NotNil(t, d.EndsAt)
	body := decodeBody(t, rec)
	assert.Equal(t, "d-1", body["id"])
	assert.Equal(t, "20.00", body["minimum_order_amount"])
	assert.Nil(t, body["maximum_discount_amount"])

	f.discounts.found = &discount.Discount{ID: "d-1", Code: strp("SUMMER"), Type: discount.TypeFixed, Value: decimal.NewFromInt(5)}
	rec = f.do(http.MethodGet, "/api/coupons/summer", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "SUMMER", decodeBody(t, rec)["code"])

	rec = f.do(http.MethodGet, "/api/coupons/NOPE", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.discounts.err = errors.Wrap(discount.ErrCodeConflict, "create discount")
	rec = f.do(http.MethodPost, "/api/coupons", `{"name":"Dup","code":"SUMMER","type":"fixed","value":1}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestShippingRates(t *testing.T) {
	f := newFixture(t, Config{})
	f.rates.rates = []shipping.Rate{
		{ID: shipping.RateFlat, Name: "Standard", Price: decimal.NewFromInt(5), MinDays: 3, MaxDays: 5},
		{ID: shipping.RateFree, Name: "Free", Price: decimal.Zero, MinDays: 5, MaxDays: 10},
	}

	rec := f.do(http.MethodPost, "/api/shipping/rates", `{
		"items": [{"weight": "1.5", "quantity": 2}],
		"address": {"country": "GE", "region": "Tbilisi"},
		"subtotal": "60"
	}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "GE", f.rates.req.Address.Country)
	assert.True(t, f.rates.req.TotalWeight().Equal(decimal.NewFromInt(3)))
	rates := decodeBody(t, rec)["rates"].([]any)
	require.Len(t, rates, 2)
	assert.Equal(t, "5.00", rates[0].(map[string]any)["price"])
	assert.Equal(t, "0.00", rates[1].(map[string]any)["price"])

	rec = f.do(http.MethodPost, "/api/shipping/rates", `{"items":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouterFallbacks(t *testing.T) {
	f := newFixture(t, Config{})

	rec := f.do(http.MethodGet, "/api/unknown", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.EqualValues(t, 404, decodeBody(t, rec)["code"])

	rec = f.do(http.MethodPut, "/api/orders/o-1/status", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAdminFeed(t *testing.T) {
	f := newFixture(t, Config{})
	srv := httptest.NewServer(f.router)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/admin/feed", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return f.hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, f.hub.Publish(context.Background(), notify.Event{
		Type:        notify.EventNewOrder,
		OrderID:     "o-1",
		OrderNumber: "ORD-240615-00042",
		OccurredAt:  time.Now(),
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var got notify.Event
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, notify.EventNewOrder, got.Type)
	assert.Equal(t, "ORD-240615-00042", got.OrderNumber)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return f.hub.Subscribers() == 0 }, time.Second, 10*time.Millisecond)
}

func TestAdminFeed_OriginRejected(t *testing.T) {
	f := newFixture(t, Config{FeedOrigins: []string{"https://admin.example.com/"}})
	srv := httptest.NewServer(f.router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/admin/feed"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, f.hub.Subscribers())

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://admin.example.com"}})
	require.NoError(t, err)
	_ = conn.Close()
}
