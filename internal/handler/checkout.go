package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/promotion-engine/internal/domain/checkout"
	"github.com/xenking/promotion-engine/internal/domain/promotion"
)

func (h *Handler) validate(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCart(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	if req.Code == "" {
		fail(w, r, badInput("code is required"))
		return
	}

	res, err := h.checkout.Validate(r.Context(), checkout.ValidateRequest{
		Code:         req.Code,
		CartSubtotal: req.Subtotal,
		Customer:     req.Customer,
		Items:        req.Items,
		Facts:        req.Facts,
	})
	if err != nil {
		fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("valid", func(e *jx.Encoder) { e.Bool(res.Valid) })
			if res.Promotion != nil {
				e.Field("promotionId", func(e *jx.Encoder) { e.Str(res.Promotion.ID) })
				e.Field("code", func(e *jx.Encoder) { e.Str(res.Promotion.Code) })
			}
			if !res.Valid {
				e.Field("reasonCode", func(e *jx.Encoder) { e.Str(string(res.Reason)) })
				e.Field("message", func(e *jx.Encoder) { e.Str(res.Reason.Message()) })
				return
			}
			e.Field("discountPreview", func(e *jx.Encoder) {
				e.Obj(func(e *jx.Encoder) {
					e.Field("discountAmount", func(e *jx.Encoder) { promotion.EncodeDecimal(e, res.Discount.Amount) })
					e.Field("discountPercentage", func(e *jx.Encoder) { promotion.EncodeDecimal(e, res.Percentage) })
					e.Field("discountType", func(e *jx.Encoder) { e.Str(string(res.Promotion.Type)) })
					e.Field("shippingWaived", func(e *jx.Encoder) { e.Bool(res.Discount.ShippingWaived) })
					e.Field("applicableItemIds", func(e *jx.Encoder) { encodeIDs(e, res.Discount.ProductIDs()) })
				})
			})
		})
	})
}

func (h *Handler) apply(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCart(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	if req.Code == "" {
		fail(w, r, badInput("code is required"))
		return
	}

	res, err := h.checkout.Apply(r.Context(), checkout.ApplyRequest{
		Code:           req.Code,
		Items:          req.Items,
		Subtotal:       req.Subtotal,
		Customer:       req.Customer,
		Facts:          req.Facts,
		IdempotencyKey: req.IdempotencyKey,
		Actor:          actor(r.Context()),
	})
	if err != nil {
		fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("valid", func(e *jx.Encoder) { e.Bool(res.Valid) })
			e.Field("promotionId", func(e *jx.Encoder) { strOrNull(e, res.PromotionID) })
			e.Field("code", func(e *jx.Encoder) { e.Str(res.Code) })
			e.Field("message", func(e *jx.Encoder) { e.Str(res.Message) })
			if !res.Valid {
				e.Field("reasonCode", func(e *jx.Encoder) { e.Str(string(res.Reason)) })
			}
			e.Field("discountAmount", func(e *jx.Encoder) { promotion.EncodeDecimal(e, res.DiscountAmount) })
			e.Field("discountPercentage", func(e *jx.Encoder) { promotion.EncodeDecimal(e, res.DiscountPercentage) })
			e.Field("applicableItemIds", func(e *jx.Encoder) { encodeIDs(e, res.ApplicableItemIDs) })
			e.Field("shippingWaived", func(e *jx.Encoder) { e.Bool(res.ShippingWaived) })
			e.Field("finalAmount", func(e *jx.Encoder) {
				promotion.EncodeDecimal(e, checkout.Totals(cartTotal(req), res))
			})
			if !res.Valid {
				return
			}
			e.Field("breakdown", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					for _, l := range res.Breakdown {
						e.Obj(func(e *jx.Encoder) {
							e.Field("productId", func(e *jx.Encoder) { e.Str(l.ProductID) })
							e.Field("quantity", func(e *jx.Encoder) { e.Int(l.Quantity) })
							e.Field("amount", func(e *jx.Encoder) { promotion.EncodeDecimal(e, l.Amount) })
						})
					}
				})
			})
			e.Field("reservationId", func(e *jx.Encoder) { e.Str(res.ReservationID) })
			e.Field("expiresAt", func(e *jx.Encoder) { encodeTime(e, res.ExpiresAt) })
		})
	})
}

// cartTotal prefers the sum of priced lines over the declared subtotal.
func cartTotal(req *cartRequest) decimal.Decimal {
	sum := decimal.Zero
	for _, it := range req.Items {
		sum = sum.Add(it.Total())
	}
	if sum.IsPositive() {
		return sum
	}
	return req.Subtotal
}

func (h *Handler) applicable(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCart(r)
	if err != nil {
		fail(w, r, err)
		return
	}

	found, err := h.checkout.Applicable(r.Context(), checkout.ApplicableRequest{
		Items:    req.Items,
		Subtotal: req.Subtotal,
		Customer: req.Customer,
		Facts:    req.Facts,
	})
	if err != nil {
		fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("promotions", func(e *jx.Encoder) {
				e.Arr(func(e *jx.Encoder) {
					for _, c := range found {
						e.Obj(func(e *jx.Encoder) {
							e.Field("promotionId", func(e *jx.Encoder) { e.Str(c.Promotion.ID) })
							e.Field("code", func(e *jx.Encoder) { e.Str(c.Promotion.Code) })
							e.Field("name", func(e *jx.Encoder) { e.Str(c.Promotion.Name) })
							e.Field("discountType", func(e *jx.Encoder) { e.Str(string(c.Promotion.Type)) })
							e.Field("discountAmount", func(e *jx.Encoder) { promotion.EncodeDecimal(e, c.Discount.Amount) })
							e.Field("shippingWaived", func(e *jx.Encoder) { e.Bool(c.Discount.ShippingWaived) })
							e.Field("applicableItemIds", func(e *jx.Encoder) { encodeIDs(e, c.Discount.ProductIDs()) })
						})
					}
				})
			})
		})
	})
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request) {
	var orderID string
	err := decodeObject(r, false, func(d *jx.Decoder, key string) error {
		if key == "orderId" {
			var err error
			orderID, err = d.Str()
			return err
		}
		return d.Skip()
	})
	if err == nil && orderID == "" {
		err = badInput("orderId is required")
	}
	if err != nil {
		fail(w, r, err)
		return
	}

	res, err := h.checkout.Confirm(r.Context(), chi.URLParam(r, "id"), orderID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeReservation(e, res) })
}

func (h *Handler) release(w http.ResponseWriter, r *http.Request) {
	res, err := h.checkout.Release(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeReservation(e, res) })
}

func encodeIDs(e *jx.Encoder, ids []string) {
	e.Arr(func(e *jx.Encoder) {
		for _, id := range ids {
			e.Str(id)
		}
	})
}
