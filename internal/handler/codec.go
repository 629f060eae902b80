package handler

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/promotion-engine/internal/domain/analytics"
	"github.com/xenking/promotion-engine/internal/domain/audit"
	"github.com/xenking/promotion-engine/internal/domain/ledger"
	"github.com/xenking/promotion-engine/internal/domain/promotion"
)

const maxBodyBytes = 1 << 20

// inputError is a malformed request; it maps to 400.
type inputError struct{ msg string }

func (e *inputError) Error() string { return e.msg }

func badInput(format string, args ...any) error {
	return &inputError{msg: errors.Errorf(format, args...).Error()}
}

func readBody(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err != nil {
		return nil, badInput("read body: %v", err)
	}
	return bytes.TrimSpace(data), nil
}

// decodeObject reads a JSON object body. An empty body is an empty object
// when optional is set.
func decodeObject(r *http.Request, optional bool, fn func(d *jx.Decoder, key string) error) error {
	data, err := readBody(r)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		if optional {
			return nil
		}
		return badInput("request body is required")
	}
	if err := jx.DecodeBytes(data).Obj(fn); err != nil {
		var in *inputError
		if errors.As(err, &in) {
			return err
		}
		return badInput("malformed JSON: %v", err)
	}
	return nil
}

// cartRequest is the shared body of the checkout endpoints.
type cartRequest struct {
	Code           string
	Items          []promotion.Item
	Subtotal       decimal.Decimal
	Customer       promotion.Customer
	Facts          promotion.Facts
	IdempotencyKey string
}

func decodeCart(r *http.Request) (*cartRequest, error) {
	req := &cartRequest{Subtotal: decimal.Zero}
	err := decodeObject(r, false, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "code":
			req.Code, err = d.Str()
		case "cartSubtotal", "subtotal":
			req.Subtotal, err = promotion.DecodeDecimal(d)
		case "customerId":
			req.Customer.ID, err = optStr(d)
		case "customer":
			err = decodeCustomer(d, &req.Customer)
		case "cartItems", "items":
			err = d.Arr(func(d *jx.Decoder) error {
				it, err := decodeItem(d)
				if err != nil {
					return err
				}
				req.Items = append(req.Items, it)
				return nil
			})
		case "productIds":
			var ids []string
			if ids, err = promotion.DecodeStrings(d); err == nil {
				for _, id := range ids {
					req.Items = append(req.Items, promotion.Item{ProductID: id, Quantity: 1, Price: decimal.Zero})
				}
			}
		case "facts":
			req.Facts = promotion.Facts{}
			err = d.Obj(func(d *jx.Decoder, name string) error {
				var v promotion.Value
				if err := v.Decode(d); err != nil {
					return badInput("fact %q: %v", name, err)
				}
				req.Facts[name] = v
				return nil
			})
		case "idempotencyKey", "cartId":
			req.IdempotencyKey, err = optStr(d)
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if req.Subtotal.IsNegative() {
		return nil, badInput("subtotal must not be negative")
	}
	return req, nil
}

func decodeItem(d *jx.Decoder) (promotion.Item, error) {
	it := promotion.Item{Price: decimal.Zero}
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "productId":
			it.ProductID, err = d.Str()
		case "categoryId", "category":
			it.CategoryID, err = optStr(d)
		case "quantity":
			it.Quantity, err = d.Int()
		case "price":
			it.Price, err = promotion.DecodeDecimal(d)
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return it, err
	}
	switch {
	case it.ProductID == "":
		return it, badInput("cart item without productId")
	case it.Quantity < 1:
		return it, badInput("item %s: quantity must be positive", it.ProductID)
	case it.Price.IsNegative():
		return it, badInput("item %s: price must not be negative", it.ProductID)
	}
	return it, nil
}

func decodeCustomer(d *jx.Decoder, c *promotion.Customer) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			c.ID, err = optStr(d)
		case "segments":
			c.Segments, err = promotion.DecodeStrings(d)
		case "tier":
			c.Tier, err = optStr(d)
		case "confirmedOrders":
			c.ConfirmedOrders, err = d.Int()
		default:
			err = d.Skip()
		}
		return err
	})
}

func optStr(d *jx.Decoder) (string, error) {
	if d.Next() == jx.Null {
		return "", d.Null()
	}
	return d.Str()
}

func writeJSON(w http.ResponseWriter, status int, fn func(e *jx.Encoder)) {
	var e jx.Encoder
	fn(&e)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("error", func(e *jx.Encoder) { e.Str(code) })
			e.Field("message", func(e *jx.Encoder) { e.Str(message) })
		})
	})
}

// fail maps a service error to its HTTP response.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		in    *inputError
		valid *promotion.ValidationError
	)
	switch {
	case errors.As(err, &in):
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", in.msg)
	case errors.As(err, &valid):
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", valid.Error())
	case errors.Is(err, promotion.ErrUnknownDiscountType):
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
	case errors.Is(err, promotion.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "promotion not found")
	case errors.Is(err, ledger.ErrReservationNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "reservation not found")
	case errors.Is(err, promotion.ErrCodeTaken):
		writeError(w, http.StatusConflict, "CODE_TAKEN", err.Error())
	case errors.Is(err, ledger.ErrServiceBusy):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, string(promotion.ReasonServiceBusy), promotion.ReasonServiceBusy.Message())
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful can be written.
	default:
		zctx.From(r.Context()).Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func encodeTime(e *jx.Encoder, t time.Time) {
	e.Str(t.UTC().Format(time.RFC3339Nano))
}

func encodeReservation(e *jx.Encoder, r *ledger.Reservation) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(r.ID) })
		e.Field("promotionId", func(e *jx.Encoder) { e.Str(r.PromotionID) })
		e.Field("customerId", func(e *jx.Encoder) { strOrNull(e, r.CustomerID) })
		e.Field("orderId", func(e *jx.Encoder) { strOrNull(e, r.OrderID) })
		e.Field("discountApplied", func(e *jx.Encoder) { promotion.EncodeDecimal(e, r.Discount) })
		e.Field("status", func(e *jx.Encoder) { e.Str(string(r.Status)) })
		e.Field("reservedAt", func(e *jx.Encoder) { encodeTime(e, r.ReservedAt) })
		e.Field("expiresAt", func(e *jx.Encoder) { encodeTime(e, r.ExpiresAt) })
		if r.ConfirmedAt != nil {
			e.Field("confirmedAt", func(e *jx.Encoder) { encodeTime(e, *r.ConfirmedAt) })
		}
		if r.ReleasedAt != nil {
			e.Field("releasedAt", func(e *jx.Encoder) { encodeTime(e, *r.ReleasedAt) })
		}
	})
}

func strOrNull(e *jx.Encoder, s string) {
	if s == "" {
		e.Null()
		return
	}
	e.Str(s)
}

func encodeDay(e *jx.Encoder, d analytics.Day) {
	e.Obj(func(e *jx.Encoder) {
		if d.PromotionID != "" {
			e.Field("promotionId", func(e *jx.Encoder) { e.Str(d.PromotionID) })
		}
		if !d.Date.IsZero() {
			e.Field("date", func(e *jx.Encoder) { e.Str(d.Date.Format(time.DateOnly)) })
		}
		e.Field("impressions", func(e *jx.Encoder) { e.Int(d.Impressions) })
		e.Field("rejections", func(e *jx.Encoder) { e.Int(d.Rejections) })
		e.Field("reservations", func(e *jx.Encoder) { e.Int(d.Reservations) })
		e.Field("conversions", func(e *jx.Encoder) { e.Int(d.Conversions) })
		e.Field("releases", func(e *jx.Encoder) { e.Int(d.Releases) })
		e.Field("revenueImpact", func(e *jx.Encoder) { promotion.EncodeDecimal(e, d.RevenueImpact) })
	})
}

func encodeAudit(e *jx.Encoder, entries []audit.Entry) {
	e.Arr(func(e *jx.Encoder) {
		for _, entry := range entries {
			entry.Encode(e)
		}
	})
}

// dateRange parses ?from=&to= as inclusive YYYY-MM-DD days. Missing bounds
// default to the trailing days ending today.
func dateRange(r *http.Request, now time.Time, days int) (from, to time.Time, err error) {
	to = analytics.Truncate(now)
	from = to.AddDate(0, 0, -(days - 1))
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		if from, err = time.Parse(time.DateOnly, v); err != nil {
			return from, to, badInput("from: expected YYYY-MM-DD")
		}
	}
	if v := q.Get("to"); v != "" {
		if to, err = time.Parse(time.DateOnly, v); err != nil {
			return from, to, badInput("to: expected YYYY-MM-DD")
		}
	}
	if to.Before(from) {
		return from, to, badInput("from must not be after to")
	}
	if to.Sub(from) > 366*24*time.Hour {
		return from, to, badInput("range must not exceed 366 days")
	}
	return from, to, nil
}

func intQuery(r *http.Request, name string, def, lo, hi int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < lo || n > hi {
		return 0, badInput("%s must be an integer in [%d, %d]", name, lo, hi)
	}
	return n, nil
}
