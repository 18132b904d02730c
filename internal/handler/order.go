package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/kart-commerce/internal/domain/order"
)

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var d order.Draft
	if err := decodeObject(w, r, func(dec *jx.Decoder, key string) error {
		return decodeDraftField(dec, key, &d)
	}); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	o, err := h.orders.Create(r.Context(), d)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeOrder(e, o) })
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	filter := order.ListFilter{Status: order.Status(r.URL.Query().Get("status"))}
	if raw := r.URL.Query().Get("archived"); raw != "" {
		archived, err := strconv.ParseBool(raw)
		if err != nil {
			h.writeDomainError(w, r, badRequest("invalid archived %q", raw))
			return
		}
		filter.Archived = archived
	}
	var err error
	if filter.Limit, err = queryInt(r, "limit"); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if filter.Offset, err = queryInt(r, "offset"); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	orders, err := h.orders.List(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("orders")
		e.ArrStart()
		for i := range orders {
			encodeOrder(e, &orders[i])
		}
		e.ArrEnd()
		e.ObjEnd()
	})
}

func (h *Handler) orderStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.orders.Stats(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("total_orders")
		e.Int(st.TotalOrders)
		e.FieldStart("today_orders")
		e.Int(st.TodayOrders)
		encodeMoney(e, "revenue", st.Revenue)
		encodeMoney(e, "today_revenue", st.TodayRevenue)
		e.FieldStart("by_status")
		e.ObjStart()
		for _, s := range order.Statuses {
			e.FieldStart(string(s))
			e.Int(st.ByStatus[s])
		}
		e.ObjEnd()
		e.ObjEnd()
	})
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrder(e, o) })
}

func (h *Handler) orderHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.orders.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("history")
		e.ArrStart()
		for _, entry := range history {
			e.ObjStart()
			e.FieldStart("status")
			e.Str(string(entry.Status))
			encodeOptString(e, "note", entry.Note)
			encodeOptString(e, "actor_id", entry.ActorID)
			encodeTime(e, "created_at", entry.CreatedAt)
			e.ObjEnd()
		}
		e.ArrEnd()
		e.ObjEnd()
	})
}

func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	u := order.StatusUpdate{OrderID: chi.URLParam(r, "id")}
	if err := decodeObject(w, r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "status":
			var s string
			s, err = d.Str()
			u.Status = order.Status(s)
		case "note":
			u.Note, err = d.Str()
		case "actor_id":
			u.ActorID, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	}); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if u.Status == "" {
		h.writeDomainError(w, r, badRequest("status is required"))
		return
	}
	o, err := h.orders.UpdateStatus(r.Context(), u)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrder(e, o) })
}

func (h *Handler) archiveOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Archive(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrder(e, o) })
}

func (h *Handler) unarchiveOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Unarchive(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeOrder(e, o) })
}

func decodeDraftField(d *jx.Decoder, key string, draft *order.Draft) error {
	var err error
	switch key {
	case "customer_id":
		draft.CustomerID, err = decodeOptString(d)
	case "email":
		draft.Email, err = d.Str()
	case "name":
		draft.Name, err = d.Str()
	case "items":
		err = d.Arr(func(d *jx.Decoder) error {
			var it order.DraftItem
			if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
				return decodeDraftItemField(d, string(key), &it)
			}); err != nil {
				return err
			}
			draft.Items = append(draft.Items, it)
			return nil
		})
	case "shipping_address":
		draft.ShippingAddress, err = decodeAddress(d)
	case "billing_address":
		draft.BillingAddress, err = decodeAddress(d)
	case "payment_method":
		draft.PaymentMethod, err = d.Str()
	case "coupon_code":
		draft.CouponCode, err = d.Str()
	case "tax_amount":
		draft.TaxAmount, err = decodeOptDecimal(d)
	case "shipping_amount":
		draft.ShippingAmount, err = decodeOptDecimal(d)
	case "discount_amount":
		draft.DiscountAmount, err = decodeOptDecimal(d)
	case "shipping_method":
		draft.ShippingMethod, err = d.Str()
	case "currency":
		draft.Currency, err = d.Str()
	case "notes":
		draft.Notes, err = d.Str()
	default:
		err = d.Skip()
	}
	return err
}

func decodeDraftItemField(d *jx.Decoder, key string, it *order.DraftItem) error {
	var err error
	switch key {
	case "product_id":
		it.ProductID, err = decodeOptString(d)
	case "variant_id":
		it.VariantID, err = decodeOptString(d)
	case "name":
		it.Name, err = d.Str()
	case "sku":
		it.SKU, err = d.Str()
	case "price":
		it.Price, err = decodeDecimal(d)
	case "cost_price":
		it.CostPrice, err = decodeOptDecimal(d)
	case "quantity":
		it.Quantity, err = d.Int()
	case "weight":
		it.Weight, err = decodeDecimal(d)
	case "category_id":
		it.CategoryID, err = d.Str()
	default:
		err = d.Skip()
	}
	return err
}

func decodeAddress(d *jx.Decoder) (*order.Address, error) {
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	var a order.Address
	err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "first_name":
			a.FirstName, err = d.Str()
		case "last_name":
			a.LastName, err = d.Str()
		case "company":
			a.Company, err = d.Str()
		case "line1":
			a.Line1, err = d.Str()
		case "line2":
			a.Line2, err = d.Str()
		case "city":
			a.City, err = d.Str()
		case "region":
			a.Region, err = d.Str()
		case "postal_code":
			a.PostalCode, err = d.Str()
		case "country":
			a.Country, err = d.Str()
		case "phone":
			a.Phone, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(o.ID)
	e.FieldStart("order_number")
	e.Str(o.Number)
	encodeOptString(e, "customer_id", o.CustomerID)
	e.FieldStart("email")
	e.Str(o.Email)
	e.FieldStart("name")
	e.Str(o.Name)
	e.FieldStart("status")
	e.Str(string(o.Status))
	encodeMoney(e, "subtotal", o.Subtotal)
	encodeMoney(e, "tax_amount", o.TaxAmount)
	encodeMoney(e, "shipping_amount", o.ShippingAmount)
	encodeMoney(e, "discount_amount", o.DiscountAmount)
	encodeMoney(e, "total", o.Total)
	e.FieldStart("currency")
	e.Str(o.Currency)
	e.FieldStart("payment_method")
	e.Str(o.PaymentMethod)
	e.FieldStart("payment_status")
	e.Str(string(o.PaymentStatus))
	encodeOptString(e, "transaction_id", o.TransactionID)
	encodeOptString(e, "coupon_code", o.CouponCode)
	e.FieldStart("notes")
	e.Str(o.Notes)
	e.FieldStart("archived")
	e.Bool(o.Archived)

	e.FieldStart("items")
	e.ArrStart()
	for _, it := range o.Items {
		e.ObjStart()
		e.FieldStart("id")
		e.Str(it.ID)
		encodeOptString(e, "product_id", it.ProductID)
		encodeOptString(e, "variant_id", it.VariantID)
		e.FieldStart("name")
		e.Str(it.Name)
		e.FieldStart("sku")
		e.Str(it.SKU)
		encodeMoney(e, "price", it.Price)
		e.FieldStart("quantity")
		e.Int(it.Quantity)
		encodeMoney(e, "line_total", it.LineTotal)
		e.ObjEnd()
	}
	e.ArrEnd()

	encodeAddress(e, "shipping_address", o.ShippingAddress)
	encodeAddress(e, "billing_address", o.BillingAddress)
	encodeTime(e, "created_at", o.CreatedAt)
	encodeTime(e, "updated_at", o.UpdatedAt)
	e.ObjEnd()
}

func encodeAddress(e *jx.Encoder, name string, a *order.Address) {
	e.FieldStart(name)
	if a == nil {
		e.Null()
		return
	}
	fields := [...]struct{ k, v string }{
		{"first_name", a.FirstName},
		{"last_name", a.LastName},
		{"company", a.Company},
		{"line1", a.Line1},
		{"line2", a.Line2},
		{"city", a.City},
		{"region", a.Region},
		{"postal_code", a.PostalCode},
		{"country", a.Country},
		{"phone", a.Phone},
	}
	e.ObjStart()
	for _, f := range fields {
		e.FieldStart(f.k)
		e.Str(f.v)
	}
	e.ObjEnd()
}
