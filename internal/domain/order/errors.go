package order

import (
	"fmt"
	"strings"

	"github.com/go-faster/errors"
)

var (
	// ErrNotFound is returned when the order does not exist.
	ErrNotFound = errors.New("order not found")
	// ErrArchived is returned when a status change targets an archived order.
	ErrArchived = errors.New("order is archived")
	// ErrUnknownStatus is returned for a status outside the lifecycle.
	ErrUnknownStatus = errors.New("unknown order status")
	// ErrInvalidDraft is returned when a creation draft fails validation.
	ErrInvalidDraft = errors.New("invalid order")
	// ErrUnknownShippingMethod is returned when the draft names a rate the
	// calculator did not offer.
	ErrUnknownShippingMethod = errors.New("unknown shipping method")
	// ErrConcurrentUpdate is returned when another writer changed the order
	// between the read and the conditional write.
	ErrConcurrentUpdate = errors.New("order was modified concurrently")

	// ErrStatusChanged is returned by Repository.TransitionStatus when the
	// conditional update matched no row.
	ErrStatusChanged = errors.New("order status changed")
	// ErrNumberTaken is returned by Repository.Create when the order number
	// collides with an existing order.
	ErrNumberTaken = errors.New("order number taken")
)

// InvalidTransitionError is returned when the target status is not reachable
// from the current one.
type InvalidTransitionError struct {
	From    Status
	To      Status
	Allowed []Status
}

func (e *InvalidTransitionError) Error() string {
	names := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		names[i] = string(s)
	}
	return fmt.Sprintf("cannot transition order from %s to %s: allowed [%s]",
		e.From, e.To, strings.Join(names, ", "))
}

// InsufficientStockError reports a line whose stock could not cover the
// requested quantity.
type InsufficientStockError struct {
	ProductID string
	VariantID string
	Requested int
}

func (e *InsufficientStockError) Error() string {
	if e.VariantID != "" {
		return fmt.Sprintf("insufficient stock for variant %s (requested %d)", e.VariantID, e.Requested)
	}
	return fmt.Sprintf("insufficient stock for product %s (requested %d)", e.ProductID, e.Requested)
}
