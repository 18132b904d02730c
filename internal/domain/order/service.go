package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/kart-commerce/internal/domain/discount"
	"github.com/xenking/kart-commerce/internal/domain/shipping"
	"github.com/xenking/kart-commerce/internal/notify"
)

const (
	// maxNumberAttempts bounds order number regeneration on collisions.
	maxNumberAttempts = 5
	// DefaultCurrency is used when neither the draft nor the config set one.
	DefaultCurrency = "USD"
)

// CouponEvaluator validates coupons and records their use.
type CouponEvaluator interface {
	Apply(ctx context.Context, req discount.Request) (*discount.Result, error)
	IncrementUsage(ctx context.Context, code string) error
}

// ShippingQuoter returns candidate shipping rates.
type ShippingQuoter interface {
	Rates(ctx context.Context, req shipping.Request) ([]shipping.Rate, error)
}

// Mailer sends the order confirmation email.
type Mailer interface {
	SendOrderConfirmation(ctx context.Context, o *Order) error
}

// DraftItem is a requested order line.
type DraftItem struct {
	ProductID  *string
	VariantID  *string
	Name       string `validate:"required,max=255"`
	SKU        string `validate:"max=100"`
	Price      decimal.Decimal
	CostPrice  *decimal.Decimal
	Quantity   int `validate:"gte=1"`
	Weight     decimal.Decimal
	CategoryID string
}

// Draft holds the input for creating an order. Nil amount overrides are
// computed by the service.
type Draft struct {
	CustomerID      *string
	Email           string      `validate:"required,email,max=255"`
	Name            string      `validate:"max=200"`
	Items           []DraftItem `validate:"required,min=1,dive"`
	ShippingAddress *Address
	BillingAddress  *Address
	PaymentMethod   string `validate:"max=50"`
	CouponCode      string `validate:"max=50"`
	TaxAmount       *decimal.Decimal
	ShippingAmount  *decimal.Decimal
	DiscountAmount  *decimal.Decimal
	ShippingMethod  string
	Currency        string `validate:"omitempty,len=3,alpha"`
	Notes           string `validate:"max=2000"`
}

// StatusUpdate is a requested status transition.
type StatusUpdate struct {
	OrderID string
	Status  Status
	Note    string
	ActorID string
}

// Deps holds the collaborators of a Service. Orders is required.
type Deps struct {
	Orders   Repository
	Sequence NumberSequence
	Coupons  CouponEvaluator
	Shipping ShippingQuoter
	Mailer   Mailer
	Events   notify.Publisher
	Logger   *zap.Logger
	Clock    func() time.Time
	Currency string
	// SideEffectTimeout bounds the detached email and notification work.
	SideEffectTimeout time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithCreateMiddleware appends middlewares around Create. The first one
// runs outermost.
func WithCreateMiddleware(mws ...CreateMiddleware) Option {
	return func(s *Service) { s.createMWs = append(s.createMWs, mws...) }
}

// WithUpdateStatusMiddleware appends middlewares around UpdateStatus.
func WithUpdateStatusMiddleware(mws ...UpdateStatusMiddleware) Option {
	return func(s *Service) { s.updateMWs = append(s.updateMWs, mws...) }
}

// WithAsync replaces the goroutine launcher used for side effects.
func WithAsync(run func(func())) Option {
	return func(s *Service) { s.async = run }
}

// Service owns the order state machine and its side effects.
type Service struct {
	orders   Repository
	sequence NumberSequence
	coupons  CouponEvaluator
	shipping ShippingQuoter
	mailer   Mailer
	events   notify.Publisher
	lg       *zap.Logger
	now      func() time.Time
	currency string
	timeout  time.Duration

	validate *validator.Validate
	policy   *bluemonday.Policy
	async    func(func())

	createMWs []CreateMiddleware
	updateMWs []UpdateStatusMiddleware
	create    CreateFunc
	update    UpdateStatusFunc
}

// NewService creates an order Service and composes its middleware chains.
func NewService(deps Deps, opts ...Option) *Service {
	s := &Service{
		orders:   deps.Orders,
		sequence: deps.Sequence,
		coupons:  deps.Coupons,
		shipping: deps.Shipping,
		mailer:   deps.Mailer,
		events:   deps.Events,
		lg:       deps.Logger,
		now:      deps.Clock,
		currency: strings.ToUpper(deps.Currency),
		timeout:  deps.SideEffectTimeout,
		validate: validator.New(),
		policy:   bluemonday.StrictPolicy(),
		async:    func(f func()) { go f() },
	}
	if s.events == nil {
		s.events = notify.Nop{}
	}
	if s.lg == nil {
		s.lg = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.currency == "" {
		s.currency = DefaultCurrency
	}
	if s.timeout <= 0 {
		s.timeout = 30 * time.Second
	}
	for _, o := range opts {
		o(s)
	}
	s.create = chainCreate(s.createOrder, s.createMWs)
	s.update = chainUpdateStatus(s.updateStatus, s.updateMWs)
	return s
}

// Create validates the draft, prices it and persists the order with its
// stock decrements in one transaction. Side effects run after commit and
// never fail the call.
func (s *Service) Create(ctx context.Context, d Draft) (*Order, error) {
	return s.create(ctx, d)
}

// UpdateStatus moves an order along the transition table.
func (s *Service) UpdateStatus(ctx context.Context, u StatusUpdate) (*Order, error) {
	return s.update(ctx, u)
}

func (s *Service) createOrder(ctx context.Context, d Draft) (*Order, error) {
	if err := s.checkDraft(d); err != nil {
		return nil, err
	}

	now := s.now()
	o := &Order{
		ID:              uuid.New().String(),
		CustomerID:      d.CustomerID,
		Email:           strings.TrimSpace(d.Email),
		Name:            strings.TrimSpace(d.Name),
		Status:          StatusPending,
		Currency:        s.currency,
		PaymentMethod:   d.PaymentMethod,
		PaymentStatus:   PaymentPending,
		Notes:           s.policy.Sanitize(d.Notes),
		ShippingAddress: d.ShippingAddress,
		BillingAddress:  d.BillingAddress,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if d.Currency != "" {
		o.Currency = strings.ToUpper(d.Currency)
	}

	subtotal := decimal.Zero
	o.Items = make([]Item, len(d.Items))
	for i, it := range d.Items {
		price := it.Price.Round(2)
		line := price.Mul(decimal.NewFromInt(int64(it.Quantity)))
		o.Items[i] = Item{
			ID:        uuid.New().String(),
			ProductID: it.ProductID,
			VariantID: it.VariantID,
			Name:      it.Name,
			SKU:       it.SKU,
			Price:     price,
			CostPrice: it.CostPrice,
			Quantity:  it.Quantity,
			LineTotal: line,
		}
		subtotal = subtotal.Add(line)
	}
	o.Subtotal = subtotal.Round(2)

	tax := decimal.Zero
	if d.TaxAmount != nil {
		tax = d.TaxAmount.Round(2)
	}

	discountAmount := decimal.Zero
	freeShipping := false
	if code := discount.NormalizeCode(d.CouponCode); code != "" {
		o.CouponCode = &code
		// An explicit discount amount replaces the computed one, but the
		// coupon must still be valid and under its limits.
		if s.coupons != nil {
			res, err := s.coupons.Apply(ctx, discount.Request{
				Code:       code,
				Subtotal:   o.Subtotal,
				CustomerID: d.CustomerID,
				Items:      couponItems(d.Items),
			})
			if err != nil {
				return nil, fmt.Errorf("apply coupon: %w", err)
			}
			discountAmount = res.Amount
			freeShipping = res.FreeShipping
		}
	}
	if d.DiscountAmount != nil {
		discountAmount = d.DiscountAmount.Round(2)
	}

	shippingAmount, err := s.shippingAmount(ctx, d, o.Subtotal)
	if err != nil {
		return nil, err
	}
	if freeShipping {
		shippingAmount = decimal.Zero
	}

	gross := o.Subtotal.Add(tax).Add(shippingAmount)
	if discountAmount.GreaterThan(gross) {
		discountAmount = gross
	}
	o.TaxAmount = tax
	o.ShippingAmount = shippingAmount
	o.DiscountAmount = discountAmount
	o.Total = gross.Sub(discountAmount)

	initial := HistoryEntry{Status: StatusPending, CreatedAt: now}
	for attempt := 0; ; attempt++ {
		o.Number = s.nextNumber(ctx, now, attempt)
		err = s.orders.Create(ctx, o, initial)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrNumberTaken) || attempt+1 >= maxNumberAttempts {
			return nil, fmt.Errorf("create order: %w", err)
		}
		s.lg.Warn("Order number collision, regenerating",
			zap.String("number", o.Number),
			zap.Int("attempt", attempt),
		)
	}

	s.afterCreate(ctx, o)
	return o, nil
}

func (s *Service) checkDraft(d Draft) error {
	if err := s.validate.Struct(d); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidDraft, err.Error())
	}
	for i, it := range d.Items {
		if it.Price.IsNegative() {
			return fmt.Errorf("%w: items[%d].price must not be negative", ErrInvalidDraft, i)
		}
		if it.CostPrice != nil && it.CostPrice.IsNegative() {
			return fmt.Errorf("%w: items[%d].cost_price must not be negative", ErrInvalidDraft, i)
		}
		if it.Weight.IsNegative() {
			return fmt.Errorf("%w: items[%d].weight must not be negative", ErrInvalidDraft, i)
		}
	}
	for name, v := range map[string]*decimal.Decimal{
		"tax_amount":      d.TaxAmount,
		"shipping_amount": d.ShippingAmount,
		"discount_amount": d.DiscountAmount,
	} {
		if v != nil && v.IsNegative() {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidDraft, name)
		}
	}
	return nil
}

// shippingAmount resolves the shipping price: an explicit override wins,
// then the rate named by ShippingMethod, else zero.
func (s *Service) shippingAmount(ctx context.Context, d Draft, subtotal decimal.Decimal) (decimal.Decimal, error) {
	if d.ShippingAmount != nil {
		return d.ShippingAmount.Round(2), nil
	}
	if d.ShippingMethod == "" || s.shipping == nil {
		return decimal.Zero, nil
	}

	req := shipping.Request{Subtotal: subtotal}
	if a := d.ShippingAddress; a != nil {
		req.Address = shipping.Address{
			Country:    a.Country,
			Region:     a.Region,
			City:       a.City,
			PostalCode: a.PostalCode,
		}
	}
	for _, it := range d.Items {
		req.Items = append(req.Items, shipping.Item{Weight: it.Weight, Quantity: it.Quantity})
	}

	rates, err := s.shipping.Rates(ctx, req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("calculate shipping: %w", err)
	}
	for _, r := range rates {
		if r.ID == d.ShippingMethod {
			return r.Price.Round(2), nil
		}
	}
	return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownShippingMethod, d.ShippingMethod)
}

func couponItems(items []DraftItem) []discount.Item {
	out := make([]discount.Item, 0, len(items))
	for _, it := range items {
		var productID string
		if it.ProductID != nil {
			productID = *it.ProductID
		}
		out = append(out, discount.Item{
			ProductID:  productID,
			CategoryID: it.CategoryID,
			Price:      it.Price,
			Quantity:   it.Quantity,
		})
	}
	return out
}

// afterCreate runs the post-commit side effects. Coupon usage is recorded
// inline; email and notification are detached from the request.
func (s *Service) afterCreate(ctx context.Context, o *Order) {
	if o.CouponCode != nil && s.coupons != nil {
		err := s.coupons.IncrementUsage(ctx, *o.CouponCode)
		switch {
		case errors.Is(err, discount.ErrUsageLimitReached):
			s.lg.Warn("Coupon usage limit reached after commit",
				zap.String("order_id", o.ID),
				zap.String("coupon", *o.CouponCode),
			)
		case err != nil:
			s.lg.Error("Failed to increment coupon usage",
				zap.String("order_id", o.ID),
				zap.String("coupon", *o.CouponCode),
				zap.Error(err),
			)
		}
	}

	snapshot := *o
	snapshot.Items = append([]Item(nil), o.Items...)
	s.detached(ctx, func(ctx context.Context) {
		if s.mailer != nil {
			if err := s.mailer.SendOrderConfirmation(ctx, &snapshot); err != nil {
				s.lg.Error("Failed to send order confirmation",
					zap.String("order_id", snapshot.ID),
					zap.Error(err),
				)
			}
		}
		s.publish(ctx, eventFor(notify.EventNewOrder, &snapshot, s.now()))
	})
}

// detached runs f through the async launcher with a context that survives
// the caller's cancellation but is bounded by the side-effect timeout.
func (s *Service) detached(parent context.Context, f func(ctx context.Context)) {
	base := context.WithoutCancel(parent)
	s.async(func() {
		ctx, cancel := context.WithTimeout(base, s.timeout)
		defer cancel()
		f(ctx)
	})
}

func (s *Service) publish(ctx context.Context, e notify.Event) {
	if err := s.events.Publish(ctx, e); err != nil {
		s.lg.Error("Failed to publish order event",
			zap.String("type", string(e.Type)),
			zap.String("order_id", e.OrderID),
			zap.Error(err),
		)
	}
}

func eventFor(typ notify.EventType, o *Order, at time.Time) notify.Event {
	return notify.Event{
		Type:        typ,
		OrderID:     o.ID,
		OrderNumber: o.Number,
		Status:      string(o.Status),
		Total:       o.Total.StringFixed(2),
		Currency:    o.Currency,
		OccurredAt:  at,
	}
}

func (s *Service) updateStatus(ctx context.Context, u StatusUpdate) (*Order, error) {
	if !u.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatus, u.Status)
	}

	current, err := s.orders.Get(ctx, u.OrderID)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(current, u.Status); err != nil {
		return nil, err
	}

	now := s.now()
	entry := HistoryEntry{Status: u.Status, CreatedAt: now}
	if note := strings.TrimSpace(u.Note); note != "" {
		entry.Note = &note
	}
	if u.ActorID != "" {
		actor := u.ActorID
		entry.ActorID = &actor
	}

	updated, err := s.orders.TransitionStatus(ctx, StatusChange{
		OrderID: u.OrderID,
		From:    current.Status,
		To:      u.Status,
		Entry:   entry,
	})
	if errors.Is(err, ErrStatusChanged) {
		return nil, s.explainLostRace(ctx, u)
	}
	if err != nil {
		return nil, fmt.Errorf("transition order status: %w", err)
	}

	if u.Status == StatusCancelled {
		if err := s.orders.RestoreStock(ctx, updated.Items); err != nil {
			s.lg.Error("Failed to restore stock for cancelled order",
				zap.String("order_id", updated.ID),
				zap.Error(err),
			)
		}
	}

	snapshot := eventFor(notify.EventStatusChanged, updated, now)
	s.detached(ctx, func(ctx context.Context) { s.publish(ctx, snapshot) })
	return updated, nil
}

func checkTransition(o *Order, target Status) error {
	if o.Archived {
		return ErrArchived
	}
	if !o.Status.CanTransitionTo(target) {
		return &InvalidTransitionError{From: o.Status, To: target, Allowed: o.Status.AllowedNext()}
	}
	return nil
}

// explainLostRace reloads the order after a conditional update matched no
// row and reports why.
func (s *Service) explainLostRace(ctx context.Context, u StatusUpdate) error {
	latest, err := s.orders.Get(ctx, u.OrderID)
	if err != nil {
		return err
	}
	if err := checkTransition(latest, u.Status); err != nil {
		return err
	}
	return ErrConcurrentUpdate
}

// Archive freezes the order's status.
func (s *Service) Archive(ctx context.Context, id string) (*Order, error) {
	return s.setArchived(ctx, id, true)
}

// Unarchive lifts the freeze set by Archive.
func (s *Service) Unarchive(ctx context.Context, id string) (*Order, error) {
	return s.setArchived(ctx, id, false)
}

func (s *Service) setArchived(ctx context.Context, id string, archived bool) (*Order, error) {
	o, err := s.orders.SetArchived(ctx, id, archived)
	if err != nil {
		return nil, errors.Wrap(err, "set archived")
	}
	return o, nil
}

// Get returns an order with its items and addresses.
func (s *Service) Get(ctx context.Context, id string) (*Order, error) {
	o, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	return o, nil
}

// History returns the status audit trail, oldest first.
func (s *Service) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	if _, err := s.orders.Get(ctx, id); err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	h, err := s.orders.History(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "get history")
	}
	return h, nil
}

// List returns orders matching filter, newest first.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Order, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatus, filter.Status)
	}
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 50
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	orders, err := s.orders.List(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	return orders, nil
}

// Stats aggregates non-archived orders. "Today" is the UTC calendar day of
// the service clock. Every status appears in ByStatus.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	now := s.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	st, err := s.orders.Stats(ctx, dayStart)
	if err != nil {
		return nil, errors.Wrap(err, "order stats")
	}
	byStatus := make(map[Status]int, len(Statuses))
	for _, status := range Statuses {
		byStatus[status] = st.ByStatus[status]
	}
	st.ByStatus = byStatus
	return st, nil
}
