// Package audit keeps the append-only history of promotion mutations and
// redemption attempts.
package audit

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

// Action identifies what an entry records.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionApply  Action = "APPLY"
	ActionReject Action = "REJECT"
)

// Entry is one immutable audit record. OldValues and NewValues hold JSON
// objects (or nil) describing the changed fields.
type Entry struct {
	ID            string
	PromotionID   string
	Code          string
	Action        Action
	OldValues     []byte
	NewValues     []byte
	Reason        string
	Actor         string
	CustomerID    string
	ReservationID string
	CreatedAt     time.Time
}

// Store persists audit entries. Implementations never update or delete.
type Store interface {
	Append(ctx context.Context, e Entry) error
	List(ctx context.Context, promotionID string, limit int) ([]Entry, error)
}

// DeadLetter holds entries the recorder could not persist. Pop returns
// (nil, nil) when the letter box is empty.
type DeadLetter interface {
	Push(ctx context.Context, e Entry) error
	Pop(ctx context.Context) (*Entry, error)
}

// Encode writes e as a JSON object.
func (e Entry) Encode(enc *jx.Encoder) {
	enc.Obj(func(enc *jx.Encoder) {
		enc.Field("id", func(enc *jx.Encoder) { enc.Str(e.ID) })
		enc.Field("promotionId", func(enc *jx.Encoder) { enc.Str(e.PromotionID) })
		enc.Field("code", func(enc *jx.Encoder) { enc.Str(e.Code) })
		enc.Field("action", func(enc *jx.Encoder) { enc.Str(string(e.Action)) })
		encodeRaw(enc, "oldValues", e.OldValues)
		encodeRaw(enc, "newValues", e.NewValues)
		if e.Reason != "" {
			enc.Field("reason", func(enc *jx.Encoder) { enc.Str(e.Reason) })
		}
		enc.Field("actor", func(enc *jx.Encoder) { enc.Str(e.Actor) })
		if e.CustomerID != "" {
			enc.Field("customerId", func(enc *jx.Encoder) { enc.Str(e.CustomerID) })
		}
		if e.ReservationID != "" {
			enc.Field("reservationId", func(enc *jx.Encoder) { enc.Str(e.ReservationID) })
		}
		enc.Field("createdAt", func(enc *jx.Encoder) { enc.Str(e.CreatedAt.UTC().Format(time.RFC3339Nano)) })
	})
}

func encodeRaw(enc *jx.Encoder, name string, raw []byte) {
	if len(raw) == 0 {
		return
	}
	enc.Field(name, func(enc *jx.Encoder) { enc.Raw(raw) })
}

// Decode reads an entry written by Encode.
func (e *Entry) Decode(d *jx.Decoder) error {
	return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "id":
			e.ID, err = d.Str()
		case "promotionId":
			e.PromotionID, err = d.Str()
		case "code":
			e.Code, err = d.Str()
		case "action":
			var s string
			s, err = d.Str()
			e.Action = Action(s)
		case "oldValues":
			e.OldValues, err = rawCopy(d)
		case "newValues":
			e.NewValues, err = rawCopy(d)
		case "reason":
			e.Reason, err = d.Str()
		case "actor":
			e.Actor, err = d.Str()
		case "customerId":
			e.CustomerID, err = d.Str()
		case "reservationId":
			e.ReservationID, err = d.Str()
		case "createdAt":
			var s string
			if s, err = d.Str(); err == nil {
				e.CreatedAt, err = time.Parse(time.RFC3339Nano, s)
			}
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrapf(err, "decode %q", key)
		}
		return nil
	})
}

func rawCopy(d *jx.Decoder) ([]byte, error) {
	raw, err := d.Raw()
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), raw...), nil
}
