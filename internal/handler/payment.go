package handler

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

func (h *Handler) checkout(w http.ResponseWriter, r *http.Request) {
	var provider string
	if err := decodeObject(w, r, func(d *jx.Decoder, key string) error {
		if key == "provider" {
			var err error
			provider, err = d.Str()
			return err
		}
		return d.Skip()
	}); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if provider == "" {
		h.writeDomainError(w, r, badRequest("provider is required"))
		return
	}

	res, err := h.payments.Checkout(r.Context(), chi.URLParam(r, "id"), provider)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("payment_url")
		e.Str(res.PaymentURL)
		e.FieldStart("transaction_id")
		e.Str(res.TransactionID)
		e.ObjEnd()
	})
}

// webhook always answers 200 so that providers do not retry callbacks the
// dispatcher already rejected.
func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		zctx.From(r.Context()).Warn("Read webhook body",
			zap.String("provider", provider),
			zap.Error(err),
		)
	}
	signature := r.Header.Get(h.payments.SignatureHeader(provider))

	ack := h.payments.Webhook(r.Context(), provider, payload, signature)
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("received")
		e.Bool(ack.Received)
		if ack.OrderID != "" {
			e.FieldStart("order_id")
			e.Str(ack.OrderID)
		}
		if ack.Status != "" {
			e.FieldStart("status")
			e.Str(string(ack.Status))
		}
		e.ObjEnd()
	})
}
