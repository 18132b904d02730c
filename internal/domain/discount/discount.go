package discount

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Type enumerates the supported discount strategies.
type Type string

const (
	// TypePercentage takes a percentage of the base amount.
	TypePercentage Type = "percentage"
	// TypeFixed takes a fixed amount, never more than the base.
	TypeFixed Type = "fixed"
	// TypeFreeShipping contributes nothing to the order discount; the caller
	// zeroes the shipping cost.
	TypeFreeShipping Type = "free_shipping"
)

// Valid reports whether t is a known discount type.
func (t Type) Valid() bool {
	switch t {
	case TypePercentage, TypeFixed, TypeFreeShipping:
		return true
	}
	return false
}

// Scope selects which cart lines a discount applies to.
type Scope string

const (
	ScopeAll                Scope = "all"
	ScopeSpecificProducts   Scope = "specific_products"
	ScopeSpecificCategories Scope = "specific_categories"
)

var (
	// ErrNotFound is returned when no discount has the requested code.
	ErrNotFound = errors.New("discount not found")
	// ErrCodeConflict is returned when creating a discount whose code exists.
	ErrCodeConflict = errors.New("discount code already exists")
	// ErrInvalidDiscount is returned when a discount definition is malformed.
	ErrInvalidDiscount = errors.New("invalid discount")

	// ErrRejected is the parent of every coupon rejection.
	ErrRejected = errors.New("coupon rejected")

	ErrInvalidCoupon        = &RejectionError{Reason: "invalid coupon code"}
	ErrCouponExpired        = &RejectionError{Reason: "coupon expired"}
	ErrUsageLimitReached    = &RejectionError{Reason: "coupon usage limit reached"}
	ErrCustomerLimitReached = &RejectionError{Reason: "coupon usage limit reached for customer"}
	ErrNotApplicable        = &RejectionError{Reason: "coupon does not apply to any item in the cart"}
)

// RejectionError is a coupon validation failure. Every rejection matches
// ErrRejected with errors.Is.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string { return e.Reason }

// Is matches ErrRejected.
func (e *RejectionError) Is(target error) bool { return target == ErrRejected }

// MinimumNotMetError is returned when the subtotal is below the discount's
// minimum order amount.
type MinimumNotMetError struct {
	Minimum decimal.Decimal
}

func (e *MinimumNotMetError) Error() string {
	return fmt.Sprintf("minimum order amount of %s not met", e.Minimum.StringFixed(2))
}

// Is matches ErrRejected.
func (e *MinimumNotMetError) Is(target error) bool { return target == ErrRejected }

// Discount is a reusable promotional rule. A nil Code marks an automatic
// discount that is never applied by code.
type Discount struct {
	ID                    string
	Name                  string  `validate:"required,max=255"`
	Code                  *string `validate:"omitempty,min=3,max=50"`
	Type                  Type    `validate:"oneof=percentage fixed free_shipping"`
	Value                 decimal.Decimal
	MinimumOrderAmount    decimal.Decimal
	MaximumDiscountAmount *decimal.Decimal
	UsageLimit            *int
	UsageCount            int
	PerCustomerLimit      *int
	AppliesTo             Scope `validate:"oneof=all specific_products specific_categories"`
	ApplicableIDs         []string
	Active                bool
	StartsAt              time.Time
	EndsAt                *time.Time
	CreatedAt             time.Time
}

// ValidAt reports whether d is active and inside its validity window at now.
func (d *Discount) ValidAt(now time.Time) bool {
	if !d.Active || now.Before(d.StartsAt) {
		return false
	}
	return d.EndsAt == nil || !now.After(*d.EndsAt)
}

// LimitReached reports whether the global usage limit is exhausted.
func (d *Discount) LimitReached() bool {
	return d.UsageLimit != nil && d.UsageCount >= *d.UsageLimit
}

// Item is a cart line as seen by the evaluator.
type Item struct {
	ProductID  string
	CategoryID string
	Price      decimal.Decimal
	Quantity   int
}

// Request holds the inputs of a coupon evaluation.
type Request struct {
	Code       string
	Subtotal   decimal.Decimal
	CustomerID *string
	Items      []Item
}

// Result is a successful evaluation.
type Result struct {
	Discount     *Discount
	Amount       decimal.Decimal
	FreeShipping bool
}

// NormalizeCode returns the canonical stored form of a coupon code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Repository persists discounts.
type Repository interface {
	// GetByCode returns ErrNotFound when no discount carries code.
	GetByCode(ctx context.Context, code string) (*Discount, error)
	// Create returns ErrCodeConflict on a duplicate code.
	Create(ctx context.Context, d *Discount) error
	// IncrementUsage atomically adds one to the usage counter.
	IncrementUsage(ctx context.Context, code string) error
}

// UsageCounter counts a customer's non-cancelled orders carrying a code.
type UsageCounter interface {
	CountCustomerUsage(ctx context.Context, customerID, code string) (int, error)
}
