package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an order.
type Status string

// Order statuses.
const (
	StatusPending         Status = "pending"
	StatusConfirmed       Status = "confirmed"
	StatusProcessing      Status = "processing"
	StatusShipped         Status = "shipped"
	StatusDelivered       Status = "delivered"
	StatusCompleted       Status = "completed"
	StatusCancelled       Status = "cancelled"
	StatusRefundRequested Status = "refund_requested"
	StatusRefunded        Status = "refunded"
)

// Statuses lists every order status in lifecycle order.
var Statuses = []Status{
	StatusPending,
	StatusConfirmed,
	StatusProcessing,
	StatusShipped,
	StatusDelivered,
	StatusCompleted,
	StatusCancelled,
	StatusRefundRequested,
	StatusRefunded,
}

var transitions = map[Status][]Status{
	StatusPending:         {StatusConfirmed, StatusCancelled},
	StatusConfirmed:       {StatusProcessing, StatusCancelled},
	StatusProcessing:      {StatusShipped, StatusCancelled},
	StatusShipped:         {StatusDelivered},
	StatusDelivered:       {StatusCompleted, StatusRefundRequested},
	StatusCompleted:       {},
	StatusCancelled:       {},
	StatusRefundRequested: {StatusRefunded, StatusDelivered},
	StatusRefunded:        {},
}

// revenueStatuses are the statuses whose totals count as revenue.
var revenueStatuses = []Status{
	StatusConfirmed,
	StatusProcessing,
	StatusShipped,
	StatusDelivered,
	StatusCompleted,
}

// RevenueStatuses returns the statuses whose order totals count as revenue.
func RevenueStatuses() []Status {
	out := make([]Status, len(revenueStatuses))
	copy(out, revenueStatuses)
	return out
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// AllowedNext returns the statuses reachable from s in one transition.
func (s Status) AllowedNext() []Status {
	next := transitions[s]
	out := make([]Status, len(next))
	copy(out, next)
	return out
}

// CanTransitionTo reports whether the transition s → target is permitted.
func (s Status) CanTransitionTo(target Status) bool {
	for _, next := range transitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// Terminal reports whether no transitions leave s.
func (s Status) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// PaymentStatus tracks payment progress independently of the order status.
type PaymentStatus string

// Payment statuses.
const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRefunded   PaymentStatus = "refunded"
)

// Order is the transactional record of a purchase.
type Order struct {
	ID              string
	Number          string
	CustomerID      *string
	Email           string
	Name            string
	Status          Status
	Subtotal        decimal.Decimal
	TaxAmount       decimal.Decimal
	ShippingAmount  decimal.Decimal
	DiscountAmount  decimal.Decimal
	Total           decimal.Decimal
	Currency        string
	PaymentMethod   string
	PaymentStatus   PaymentStatus
	TransactionID   *string
	CouponCode      *string
	Notes           string
	Archived        bool
	Items           []Item
	ShippingAddress *Address
	BillingAddress  *Address
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Item is an immutable snapshot of a purchased line.
type Item struct {
	ID        string
	ProductID *string
	VariantID *string
	Name      string
	SKU       string
	Price     decimal.Decimal
	CostPrice *decimal.Decimal
	Quantity  int
	LineTotal decimal.Decimal
}

// AddressKind distinguishes shipping and billing addresses.
type AddressKind string

// Address kinds.
const (
	AddressShipping AddressKind = "shipping"
	AddressBilling  AddressKind = "billing"
)

// Address is a postal address attached to an order.
type Address struct {
	FirstName  string `validate:"max=100"`
	LastName   string `validate:"max=100"`
	Company    string `validate:"max=200"`
	Line1      string `validate:"required,max=255"`
	Line2      string `validate:"max=255"`
	City       string `validate:"required,max=100"`
	Region     string `validate:"max=100"`
	PostalCode string `validate:"max=20"`
	Country    string `validate:"required,len=2"`
	Phone      string `validate:"max=40"`
}

// HistoryEntry is one row of the append-only status audit trail.
type HistoryEntry struct {
	Status    Status
	Note      *string
	ActorID   *string
	CreatedAt time.Time
}

// Stats is an aggregate over non-archived orders.
type Stats struct {
	TotalOrders  int
	TodayOrders  int
	Revenue      decimal.Decimal
	TodayRevenue decimal.Decimal
	ByStatus     map[Status]int
}

// ListFilter narrows List results.
type ListFilter struct {
	Status   Status
	Archived bool
	Limit    int
	Offset   int
}

// StatusChange describes a conditional status write.
type StatusChange struct {
	OrderID string
	From    Status
	To      Status
	Entry   HistoryEntry
}

// Repository persists orders. Create and TransitionStatus must each run in
// a single database transaction.
type Repository interface {
	// Create inserts the order with its items, addresses and initial history
	// entry and decrements stock for every line.
	Create(ctx context.Context, o *Order, initial HistoryEntry) error
	// Get returns the order with its items and addresses.
	Get(ctx context.Context, id string) (*Order, error)
	List(ctx context.Context, filter ListFilter) ([]Order, error)
	History(ctx context.Context, id string) ([]HistoryEntry, error)
	// TransitionStatus applies the change only if the order is still in
	// change.From and not archived. It returns ErrStatusChanged otherwise.
	TransitionStatus(ctx context.Context, change StatusChange) (*Order, error)
	// RestoreStock adds every line quantity back to its product or variant.
	RestoreStock(ctx context.Context, items []Item) error
	SetArchived(ctx context.Context, id string, archived bool) (*Order, error)
	SetPayment(ctx context.Context, id string, status PaymentStatus, method string, transactionID *string) (*Order, error)
	Stats(ctx context.Context, dayStart time.Time) (*Stats, error)
}

// NumberSequence yields monotonically increasing values for order numbers.
type NumberSequence interface {
	Next(ctx context.Context) (int64, error)
}
