package discount

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var hundred = decimal.NewFromInt(100)

// Service validates coupons and computes discount amounts.
type Service struct {
	repo     Repository
	usage    UsageCounter
	validate *validator.Validate
	lg       *zap.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source used for validity windows.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the service logger.
func WithLogger(lg *zap.Logger) Option {
	return func(s *Service) { s.lg = lg }
}

// WithUsageCounter enables per-customer limits. Without a counter those
// limits are not enforced.
func WithUsageCounter(c UsageCounter) Option {
	return func(s *Service) { s.usage = c }
}

// NewService creates a discount Service backed by repo.
func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		validate: validator.New(),
		lg:       zap.NewNop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply validates the coupon for the request and computes the discount.
// It never changes the usage counter.
func (s *Service) Apply(ctx context.Context, req Request) (*Result, error) {
	code := NormalizeCode(req.Code)
	if code == "" {
		return nil, ErrInvalidCoupon
	}

	d, err := s.repo.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCoupon
		}
		return nil, errors.Wrap(err, "lookup discount")
	}
	if !d.Active {
		return nil, ErrInvalidCoupon
	}
	if !d.ValidAt(s.now()) {
		return nil, ErrCouponExpired
	}
	if d.LimitReached() {
		return nil, ErrUsageLimitReached
	}
	if d.PerCustomerLimit != nil && req.CustomerID != nil && s.usage != nil {
		used, err := s.usage.CountCustomerUsage(ctx, *req.CustomerID, code)
		if err != nil {
			return nil, errors.Wrap(err, "count customer usage")
		}
		if used >= *d.PerCustomerLimit {
			return nil, ErrCustomerLimitReached
		}
	}
	if req.Subtotal.LessThan(d.MinimumOrderAmount) {
		return nil, &MinimumNotMetError{Minimum: d.MinimumOrderAmount}
	}

	base, err := eligibleBase(d, req)
	if err != nil {
		return nil, err
	}

	return &Result{
		Discount:     d,
		Amount:       Amount(d, base),
		FreeShipping: d.Type == TypeFreeShipping,
	}, nil
}

// eligibleBase returns the amount a scoped discount applies to. Without cart
// items the whole subtotal is eligible.
func eligibleBase(d *Discount, req Request) (decimal.Decimal, error) {
	if d.AppliesTo == ScopeAll || d.AppliesTo == "" || len(req.Items) == 0 {
		return req.Subtotal, nil
	}

	ids := make(map[string]struct{}, len(d.ApplicableIDs))
	for _, id := range d.ApplicableIDs {
		ids[id] = struct{}{}
	}

	base := decimal.Zero
	matched := false
	for _, it := range req.Items {
		key := it.ProductID
		if d.AppliesTo == ScopeSpecificCategories {
			key = it.CategoryID
		}
		if _, ok := ids[key]; !ok {
			continue
		}
		matched = true
		base = base.Add(it.Price.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	if !matched {
		return decimal.Zero, ErrNotApplicable
	}
	return base, nil
}

// Amount computes the discount d grants on base, rounded to two decimal
// places half away from zero. Free-shipping discounts yield zero.
func Amount(d *Discount, base decimal.Decimal) decimal.Decimal {
	var amount decimal.Decimal
	switch d.Type {
	case TypePercentage:
		amount = base.Mul(d.Value).Div(hundred).Round(2)
		if d.MaximumDiscountAmount != nil && amount.GreaterThan(*d.MaximumDiscountAmount) {
			amount = *d.MaximumDiscountAmount
		}
	case TypeFixed:
		amount = decimal.Min(d.Value, base)
	default:
		return decimal.Zero
	}
	if amount.IsNegative() {
		return decimal.Zero
	}
	return amount.Round(2)
}

// IncrementUsage records one use of the code.
func (s *Service) IncrementUsage(ctx context.Context, code string) error {
	if err := s.repo.IncrementUsage(ctx, NormalizeCode(code)); err != nil {
		return errors.Wrap(err, "increment discount usage")
	}
	return nil
}

// Get returns the discount carrying code.
func (s *Service) Get(ctx context.Context, code string) (*Discount, error) {
	d, err := s.repo.GetByCode(ctx, NormalizeCode(code))
	if err != nil {
		return nil, errors.Wrap(err, "get discount")
	}
	return d, nil
}

// Create validates and stores a new discount.
func (s *Service) Create(ctx context.Context, d *Discount) (*Discount, error) {
	if d.Code != nil {
		code := NormalizeCode(*d.Code)
		d.Code = &code
	}
	if d.AppliesTo == "" {
		d.AppliesTo = ScopeAll
	}
	if err := s.check(d); err != nil {
		return nil, err
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	now := s.now()
	if d.StartsAt.IsZero() {
		d.StartsAt = now
	}
	d.CreatedAt = now
	d.UsageCount = 0

	if err := s.repo.Create(ctx, d); err != nil {
		return nil, errors.Wrap(err, "create discount")
	}
	s.lg.Info("Discount created",
		zap.String("discount_id", d.ID),
		zap.String("type", string(d.Type)),
	)
	return d, nil
}

func (s *Service) check(d *Discount) error {
	if err := s.validate.Struct(d); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidDiscount, err.Error())
	}
	switch {
	case d.Value.IsNegative():
		return fmt.Errorf("%w: value must not be negative", ErrInvalidDiscount)
	case d.Type == TypePercentage && d.Value.GreaterThan(hundred):
		return fmt.Errorf("%w: percentage must not exceed 100", ErrInvalidDiscount)
	case d.MinimumOrderAmount.IsNegative():
		return fmt.Errorf("%w: minimum order amount must not be negative", ErrInvalidDiscount)
	case d.MaximumDiscountAmount != nil && d.MaximumDiscountAmount.IsNegative():
		return fmt.Errorf("%w: maximum discount amount must not be negative", ErrInvalidDiscount)
	case d.UsageLimit != nil && *d.UsageLimit < 1:
		return fmt.Errorf("%w: usage limit must be positive", ErrInvalidDiscount)
	case d.PerCustomerLimit != nil && *d.PerCustomerLimit < 1:
		return fmt.Errorf("%w: per-customer limit must be positive", ErrInvalidDiscount)
	case d.EndsAt != nil && !d.StartsAt.IsZero() && d.EndsAt.Before(d.StartsAt):
		return fmt.Errorf("%w: ends_at precedes starts_at", ErrInvalidDiscount)
	case d.AppliesTo != ScopeAll && len(d.ApplicableIDs) == 0:
		return fmt.Errorf("%w: scoped discount needs applicable ids", ErrInvalidDiscount)
	}
	return nil
}
