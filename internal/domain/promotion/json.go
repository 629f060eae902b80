package promotion

import (
	"bytes"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
)

type field struct {
	name    string
	audited bool
	enc     func(e *jx.Encoder, p *Promotion)
}

// fields is the wire layout of a Promotion; audited fields take part in
// audit diffs.
var fields = []field{
	{"id", false, func(e *jx.Encoder, p *Promotion) { e.Str(p.ID) }},
	{"code", true, func(e *jx.Encoder, p *Promotion) { e.Str(p.Code) }},
	{"name", true, func(e *jx.Encoder, p *Promotion) { e.Str(p.Name) }},
	{"description", true, func(e *jx.Encoder, p *Promotion) { e.Str(p.Description) }},
	{"discountType", true, func(e *jx.Encoder, p *Promotion) { e.Str(string(p.Type)) }},
	{"value", true, func(e *jx.Encoder, p *Promotion) { EncodeDecimal(e, p.Value) }},
	{"minOrderAmount", true, func(e *jx.Encoder, p *Promotion) { encodeOptDecimal(e, p.MinOrderAmount) }},
	{"maxDiscount", true, func(e *jx.Encoder, p *Promotion) { encodeOptDecimal(e, p.MaxDiscount) }},
	{"usageLimit", true, func(e *jx.Encoder, p *Promotion) { encodeOptInt(e, p.UsageLimit) }},
	{"perCustomerLimit", true, func(e *jx.Encoder, p *Promotion) { encodeOptInt(e, p.PerCustomerLimit) }},
	{"usageCount", false, func(e *jx.Encoder, p *Promotion) { e.Int(p.UsageCount) }},
	{"reservedCount", false, func(e *jx.Encoder, p *Promotion) { e.Int(p.ReservedCount) }},
	{"isActive", true, func(e *jx.Encoder, p *Promotion) { e.Bool(p.IsActive) }},
	{"startsAt", true, func(e *jx.Encoder, p *Promotion) { encodeOptTime(e, p.StartsAt) }},
	{"expiresAt", true, func(e *jx.Encoder, p *Promotion) { encodeOptTime(e, p.ExpiresAt) }},
	{"scopeCategories", true, func(e *jx.Encoder, p *Promotion) { encodeStrings(e, p.ScopeCategories) }},
	{"scopeProducts", true, func(e *jx.Encoder, p *Promotion) { encodeStrings(e, p.ScopeProducts) }},
	{"customerSegment", true, func(e *jx.Encoder, p *Promotion) { e.Str(p.CustomerSegment) }},
	{"isFirstPurchaseOnly", true, func(e *jx.Encoder, p *Promotion) { e.Bool(p.IsFirstPurchaseOnly) }},
	{"tierBased", true, func(e *jx.Encoder, p *Promotion) { e.Bool(p.TierBased) }},
	{"tiers", true, func(e *jx.Encoder, p *Promotion) { encodeStrings(e, p.Tiers) }},
	{"conditions", true, func(e *jx.Encoder, p *Promotion) { p.Conditions.Encode(e) }},
	{"createdBy", false, func(e *jx.Encoder, p *Promotion) { e.Str(p.CreatedBy) }},
	{"createdAt", false, func(e *jx.Encoder, p *Promotion) { encodeTime(e, p.CreatedAt) }},
	{"updatedAt", false, func(e *jx.Encoder, p *Promotion) { encodeTime(e, p.UpdatedAt) }},
}

// Encode writes p as a JSON object.
func (p *Promotion) Encode(e *jx.Encoder) {
	e.ObjStart()
	for _, f := range fields {
		e.FieldStart(f.name)
		f.enc(e, p)
	}
	e.ObjEnd()
}

// MarshalJSON implements json.Marshaler.
func (p *Promotion) MarshalJSON() ([]byte, error) {
	var e jx.Encoder
	p.Encode(&e)
	return e.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Promotion) UnmarshalJSON(data []byte) error {
	return p.Decode(jx.DecodeBytes(data))
}

// Snapshot returns the audited fields of p as a JSON object.
func (p *Promotion) Snapshot() []byte {
	var e jx.Encoder
	e.ObjStart()
	for _, f := range fields {
		if !f.audited {
			continue
		}
		e.FieldStart(f.name)
		f.enc(&e, p)
	}
	e.ObjEnd()
	return e.Bytes()
}

// Diff returns JSON objects holding the old and new values of every audited
// field that differs between before and after. Both are nil when nothing
// changed.
func Diff(before, after *Promotion) (oldValues, newValues []byte) {
	var oldEnc, newEnc jx.Encoder
	oldEnc.ObjStart()
	newEnc.ObjStart()
	changed := 0
	for _, f := range fields {
		if !f.audited {
			continue
		}
		var a, b jx.Encoder
		f.enc(&a, before)
		f.enc(&b, after)
		if bytes.Equal(a.Bytes(), b.Bytes()) {
			continue
		}
		changed++
		oldEnc.FieldStart(f.name)
		oldEnc.Raw(a.Bytes())
		newEnc.FieldStart(f.name)
		newEnc.Raw(b.Bytes())
	}
	oldEnc.ObjEnd()
	newEnc.ObjEnd()
	if changed == 0 {
		return nil, nil
	}
	return oldEnc.Bytes(), newEnc.Bytes()
}

// Decode reads a promotion object. Unknown fields are skipped.
func (p *Promotion) Decode(d *jx.Decoder) error {
	return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "id":
			p.ID, err = d.Str()
		case "code":
			p.Code, err = d.Str()
		case "name":
			p.Name, err = d.Str()
		case "description":
			p.Description, err = d.Str()
		case "discountType", "type":
			var s string
			s, err = d.Str()
			p.Type = DiscountType(s)
		case "value":
			p.Value, err = DecodeDecimal(d)
		case "minOrderAmount":
			p.MinOrderAmount, err = decodeOptDecimal(d)
		case "maxDiscount":
			p.MaxDiscount, err = decodeOptDecimal(d)
		case "usageLimit":
			p.UsageLimit, err = decodeOptInt(d)
		case "perCustomerLimit":
			p.PerCustomerLimit, err = decodeOptInt(d)
		case "usageCount":
			p.UsageCount, err = d.Int()
		case "reservedCount":
			p.ReservedCount, err = d.Int()
		case "isActive":
			p.IsActive, err = d.Bool()
		case "startsAt":
			p.StartsAt, err = decodeOptTime(d)
		case "expiresAt":
			p.ExpiresAt, err = decodeOptTime(d)
		case "scopeCategories", "categories":
			p.ScopeCategories, err = DecodeStrings(d)
		case "scopeProducts", "products":
			p.ScopeProducts, err = DecodeStrings(d)
		case "customerSegment":
			p.CustomerSegment, err = decodeOptStr(d)
		case "isFirstPurchaseOnly":
			p.IsFirstPurchaseOnly, err = d.Bool()
		case "tierBased":
			p.TierBased, err = d.Bool()
		case "tiers":
			p.Tiers, err = DecodeStrings(d)
		case "conditions":
			err = p.Conditions.Decode(d)
		case "createdBy":
			p.CreatedBy, err = decodeOptStr(d)
		case "createdAt":
			var t *time.Time
			if t, err = decodeOptTime(d); err == nil && t != nil {
				p.CreatedAt = *t
			}
		case "updatedAt":
			var t *time.Time
			if t, err = decodeOptTime(d); err == nil && t != nil {
				p.UpdatedAt = *t
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

// Encode writes the conditions object.
func (c Conditions) Encode(e *jx.Encoder) {
	e.ObjStart()
	if c.BuyQuantity != 0 {
		e.FieldStart("x")
		e.Int(c.BuyQuantity)
	}
	if c.GetQuantity != 0 {
		e.FieldStart("y")
		e.Int(c.GetQuantity)
	}
	if c.Rule != nil {
		e.FieldStart("rule")
		c.Rule.Encode(e)
	}
	e.ObjEnd()
}

// Decode reads a conditions object; null leaves c empty.
func (c *Conditions) Decode(d *jx.Decoder) error {
	if d.Next() == jx.Null {
		return d.Null()
	}
	return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		var err error
		switch string(key) {
		case "x":
			c.BuyQuantity, err = d.Int()
		case "y":
			c.GetQuantity, err = d.Int()
		case "rule":
			if d.Next() == jx.Null {
				return d.Null()
			}
			var n Node
			if err = n.Decode(d); err == nil {
				c.Rule = &n
			}
		default:
			err = d.Skip()
		}
		return err
	})
}

// Encode writes the node as {"all":[..]}, {"any":[..]}, {"not":..} or a
// {"fact","op","value"} leaf.
func (n Node) Encode(e *jx.Encoder) {
	e.ObjStart()
	switch n.Kind {
	case NodeAll, NodeAny:
		if n.Kind == NodeAll {
			e.FieldStart("all")
		} else {
			e.FieldStart("any")
		}
		e.ArrStart()
		for _, c := range n.Children {
			c.Encode(e)
		}
		e.ArrEnd()
	case NodeNot:
		e.FieldStart("not")
		if len(n.Children) == 1 {
			n.Children[0].Encode(e)
		} else {
			e.Null()
		}
	default:
		e.FieldStart("fact")
		e.Str(n.Fact)
		e.FieldStart("op")
		e.Str(string(n.Op))
		e.FieldStart("value")
		n.Value.Encode(e)
	}
	e.ObjEnd()
}

// Decode reads a node written by Encode.
func (n *Node) Decode(d *jx.Decoder) error {
	n.Kind = NodeLeaf
	return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "all", "any":
			n.Kind = NodeAll
			if string(key) == "any" {
				n.Kind = NodeAny
			}
			return d.Arr(func(d *jx.Decoder) error {
				var c Node
				if err := c.Decode(d); err != nil {
					return err
				}
				n.Children = append(n.Children, c)
				return nil
			})
		case "not":
			n.Kind = NodeNot
			var c Node
			if err := c.Decode(d); err != nil {
				return err
			}
			n.Children = []Node{c}
			return nil
		case "fact":
			s, err := d.Str()
			n.Fact = s
			return err
		case "op":
			s, err := d.Str()
			n.Op = Op(s)
			return err
		case "value":
			return n.Value.Decode(d)
		default:
			return d.Skip()
		}
	})
}

// Encode writes the value in its natural JSON form.
func (v Value) Encode(e *jx.Encoder) {
	switch v.Kind {
	case KindNumber:
		EncodeDecimal(e, v.Num)
	case KindString:
		e.Str(v.Str)
	case KindBool:
		e.Bool(v.Bool)
	case KindList:
		encodeStrings(e, v.List)
	default:
		e.Null()
	}
}

// Decode reads a number, string, bool or string array.
func (v *Value) Decode(d *jx.Decoder) error {
	switch d.Next() {
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return err
		}
		num, err := decimal.NewFromString(n.String())
		if err != nil {
			return errors.Wrap(err, "parse number")
		}
		*v = Number(num)
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return err
		}
		*v = String(s)
	case jx.Bool:
		b, err := d.Bool()
		if err != nil {
			return err
		}
		*v = Bool(b)
	case jx.Array:
		items, err := DecodeStrings(d)
		if err != nil {
			return err
		}
		*v = List(items...)
	default:
		return errors.Errorf("unsupported value type %s", d.Next())
	}
	return nil
}

// EncodeDecimal writes d as a bare JSON number.
func EncodeDecimal(e *jx.Encoder, d decimal.Decimal) {
	e.Raw([]byte(d.String()))
}

// DecodeDecimal reads a JSON number or numeric string.
func DecodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	var s string
	switch d.Next() {
	case jx.String:
		v, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		s = v
	default:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		s = n.String()
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "parse decimal %q", s)
	}
	return v, nil
}

// DecodeStrings reads a string array; null yields nil.
func DecodeStrings(d *jx.Decoder) ([]string, error) {
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	var out []string
	err := d.Arr(func(d *jx.Decoder) error {
		s, err := d.Str()
		if err != nil {
			return err
		}
		out = append(out, s)
		return nil
	})
	return out, err
}

func encodeStrings(e *jx.Encoder, items []string) {
	e.ArrStart()
	for _, s := range items {
		e.Str(s)
	}
	e.ArrEnd()
}

func encodeOptDecimal(e *jx.Encoder, d *decimal.Decimal) {
	if d == nil {
		e.Null()
		return
	}
	EncodeDecimal(e, *d)
}

func decodeOptDecimal(d *jx.Decoder) (*decimal.Decimal, error) {
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	v, err := DecodeDecimal(d)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func encodeOptInt(e *jx.Encoder, v *int) {
	if v == nil {
		e.Null()
		return
	}
	e.Int(*v)
}

func decodeOptInt(d *jx.Decoder) (*int, error) {
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	v, err := d.Int()
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func decodeOptStr(d *jx.Decoder) (string, error) {
	if d.Next() == jx.Null {
		return "", d.Null()
	}
	return d.Str()
}

func encodeTime(e *jx.Encoder, t time.Time) {
	e.Str(t.UTC().Format(time.RFC3339Nano))
}

func encodeOptTime(e *jx.Encoder, t *time.Time) {
	if t == nil {
		e.Null()
		return
	}
	encodeTime(e, *t)
}

func decodeOptTime(d *jx.Decoder) (*time.Time, error) {
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	s, err := d.Str()
	if err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, errors.Wrapf(err, "parse time %q", s)
	}
	return &t, nil
}
