package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/kart-commerce/internal/domain/discount"
)

func (h *Handler) applyCoupon(w http.ResponseWriter, r *http.Request) {
	var req discount.Request
	if err := decodeObject(w, r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "code":
			req.Code, err = d.Str()
		case "subtotal":
			req.Subtotal, err = decodeDecimal(d)
		case "customer_id":
			req.CustomerID, err = decodeOptString(d)
		case "items":
			err = d.Arr(func(d *jx.Decoder) error {
				it, err := decodeCouponItem(d)
				if err != nil {
					return err
				}
				req.Items = append(req.Items, it)
				return nil
			})
		default:
			err = d.Skip()
		}
		return err
	}); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if req.Code == "" {
		h.writeDomainError(w, r, badRequest("code is required"))
		return
	}

	res, err := h.discounts.Apply(r.Context(), req)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("code")
		e.Str(discount.NormalizeCode(req.Code))
		e.FieldStart("discount_id")
		e.Str(res.Discount.ID)
		e.FieldStart("type")
		e.Str(string(res.Discount.Type))
		encodeMoney(e, "amount", res.Amount)
		e.FieldStart("free_shipping")
		e.Bool(res.FreeShipping)
		e.ObjEnd()
	})
}

func decodeCouponItem(d *jx.Decoder) (discount.Item, error) {
	var it discount.Item
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "product_id":
			it.ProductID, err = d.Str()
		case "category_id":
			it.CategoryID, err = d.Str()
		case "price":
			it.Price, err = decodeDecimal(d)
		case "quantity":
			it.Quantity, err = d.Int()
		default:
			err = d.Skip()
		}
		return err
	})
	return it, err
}

func (h *Handler) createCoupon(w http.ResponseWriter, r *http.Request) {
	d := discount.Discount{Active: true}
	if err := decodeObject(w, r, func(dec *jx.Decoder, key string) error {
		return decodeDiscountField(dec, key, &d)
	}); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	created, err := h.discounts.Create(r.Context(), &d)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeDiscount(e, created) })
}

func (h *Handler) getCoupon(w http.ResponseWriter, r *http.Request) {
	d, err := h.discounts.Get(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeDiscount(e, d) })
}

func decodeDiscountField(d *jx.Decoder, key string, out *discount.Discount) error {
	var err error
	switch key {
	case "name":
		out.Name, err = d.Str()
	case "code":
		out.Code, err = decodeOptString(d)
	case "type":
		var s string
		s, err = d.Str()
		out.Type = discount.Type(s)
	case "value":
		out.Value, err = decodeDecimal(d)
	case "minimum_order_amount":
		out.MinimumOrderAmount, err = decodeDecimal(d)
	case "maximum_discount_amount":
		out.MaximumDiscountAmount, err = decodeOptDecimal(d)
	case "usage_limit":
		out.UsageLimit, err = decodeOptInt(d)
	case "per_customer_limit":
		out.PerCustomerLimit, err = decodeOptInt(d)
	case "applies_to":
		var s string
		s, err = d.Str()
		out.AppliesTo = discount.Scope(s)
	case "applicable_ids":
		out.ApplicableIDs, err = decodeStrings(d)
	case "active":
		out.Active, err = d.Bool()
	case "starts_at":
		var t *time.Time
		if t, err = decodeOptTime(d); t != nil {
			out.StartsAt = *t
		}
	case "ends_at":
		out.EndsAt, err = decodeOptTime(d)
	default:
		err = d.Skip()
	}
	return err
}

func encodeDiscount(e *jx.Encoder, d *discount.Discount) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(d.ID)
	e.FieldStart("name")
	e.Str(d.Name)
	encodeOptString(e, "code", d.Code)
	e.FieldStart("type")
	e.Str(string(d.Type))
	e.FieldStart("value")
	e.Str(d.Value.String())
	encodeMoney(e, "minimum_order_amount", d.MinimumOrderAmount)
	encodeOptMoney(e, "maximum_discount_amount", d.MaximumDiscountAmount)
	encodeOptInt(e, "usage_limit", d.UsageLimit)
	e.FieldStart("usage_count")
	e.Int(d.UsageCount)
	encodeOptInt(e, "per_customer_limit", d.PerCustomerLimit)
	e.FieldStart("applies_to")
	e.Str(string(d.AppliesTo))
	encodeStrings(e, "applicable_ids", d.ApplicableIDs)
	e.FieldStart("active")
	e.Bool(d.Active)
	encodeTime(e, "starts_at", d.StartsAt)
	e.FieldStart("ends_at")
	if d.EndsAt == nil {
		e.Null()
	} else {
		e.Str(d.EndsAt.UTC().Format(time.RFC3339))
	}
	e.ObjEnd()
}
