package handler

import (
	"context"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-commerce/internal/domain/discount"
	"github.com/xenking/kart-commerce/internal/domain/order"
	"github.com/xenking/kart-commerce/internal/domain/payment"
)

// errorStatus maps a domain error to an HTTP status code.
func errorStatus(err error) int {
	var (
		transitionErr *order.InvalidTransitionError
		stockErr      *order.InsufficientStockError
		providerErr   *payment.ProviderError
	)
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, order.ErrNotFound), errors.Is(err, discount.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &transitionErr), errors.As(err, &stockErr):
		return http.StatusBadRequest
	case errors.Is(err, discount.ErrRejected),
		errors.Is(err, discount.ErrInvalidDiscount),
		errors.Is(err, order.ErrInvalidDraft),
		errors.Is(err, order.ErrUnknownStatus),
		errors.Is(err, order.ErrUnknownShippingMethod),
		errors.Is(err, order.ErrArchived),
		errors.Is(err, payment.ErrProviderUnavailable),
		errors.Is(err, payment.ErrAlreadyPaid):
		return http.StatusBadRequest
	case errors.Is(err, discount.ErrCodeConflict), errors.Is(err, order.ErrConcurrentUpdate):
		return http.StatusConflict
	case errors.As(err, &providerErr):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError writes err as a JSON error. Server-side failures are
// logged and their details withheld from the client.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status < http.StatusInternalServerError {
		writeError(w, status, err.Error())
		return
	}
	zctx.From(r.Context()).Error("Request failed",
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Error(err),
	)
	writeError(w, status, http.StatusText(status))
}
