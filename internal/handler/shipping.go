package handler

import (
	"net/http"

	"github.com/go-faster/jx"

	"github.com/xenking/kart-commerce/internal/domain/shipping"
)

func (h *Handler) shippingRates(w http.ResponseWriter, r *http.Request) {
	var req shipping.Request
	if err := decodeObject(w, r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "items":
			err = d.Arr(func(d *jx.Decoder) error {
				var it shipping.Item
				if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
					var err error
					switch string(key) {
					case "weight":
						it.Weight, err = decodeDecimal(d)
					case "quantity":
						it.Quantity, err = d.Int()
					default:
						err = d.Skip()
					}
					return err
				}); err != nil {
					return err
				}
				req.Items = append(req.Items, it)
				return nil
			})
		case "address":
			err = d.ObjBytes(func(d *jx.Decoder, key []byte) error {
				var err error
				switch string(key) {
				case "country":
					req.Address.Country, err = d.Str()
				case "region":
					req.Address.Region, err = d.Str()
				case "city":
					req.Address.City, err = d.Str()
				case "postal_code":
					req.Address.PostalCode, err = d.Str()
				default:
					err = d.Skip()
				}
				return err
			})
		case "subtotal":
			req.Subtotal, err = decodeDecimal(d)
		default:
			err = d.Skip()
		}
		return err
	}); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if req.Address.Country == "" {
		h.writeDomainError(w, r, badRequest("address.country is required"))
		return
	}

	rates, err := h.shipping.Rates(r.Context(), req)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("rates")
		e.ArrStart()
		for _, rate := range rates {
			e.ObjStart()
			e.FieldStart("id")
			e.Str(rate.ID)
			e.FieldStart("name")
			e.Str(rate.Name)
			e.FieldStart("description")
			e.Str(rate.Description)
			encodeMoney(e, "price", rate.Price)
			e.FieldStart("min_days")
			e.Int(rate.MinDays)
			e.FieldStart("max_days")
			e.Int(rate.MaxDays)
			e.ObjEnd()
		}
		e.ArrEnd()
		e.ObjEnd()
	})
}
