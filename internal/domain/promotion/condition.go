package promotion

import (
	"slices"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ValueKind tags the variant held by a Value.
type ValueKind uint8

const (
	KindInvalid ValueKind = iota
	KindNumber
	KindString
	KindBool
	KindList
)

func (k ValueKind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	default:
		return "invalid"
	}
}

// Value is a typed fact or comparison operand.
type Value struct {
	Kind ValueKind
	Num  decimal.Decimal
	Str  string
	Bool bool
	List []string
}

// Number returns a numeric Value.
func Number(d decimal.Decimal) Value { return Value{Kind: KindNumber, Num: d} }

// Int returns a numeric Value from an integer.
func Int(v int64) Value { return Number(decimal.NewFromInt(v)) }

// String returns a string Value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// List returns a string list Value.
func List(items ...string) Value { return Value{Kind: KindList, List: items} }

func (v Value) equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNumber:
		return v.Num.Equal(o.Num)
	case KindString:
		return v.Str == o.Str
	case KindBool:
		return v.Bool == o.Bool
	case KindList:
		return slices.Equal(v.List, o.List)
	default:
		return false
	}
}

// Facts is the typed fact map a rule tree is evaluated against.
type Facts map[string]Value

// Op is a comparison operator of a leaf node.
type Op string

const (
	OpEq       Op = "eq"
	OpNe       Op = "ne"
	OpGt       Op = "gt"
	OpGte      Op = "gte"
	OpLt       Op = "lt"
	OpLte      Op = "lte"
	OpIn       Op = "in"
	OpContains Op = "contains"
)

// NodeKind tags the variant held by a Node.
type NodeKind uint8

const (
	NodeLeaf NodeKind = iota
	NodeAll
	NodeAny
	NodeNot
)

// Node is one element of a rule tree: a conjunction, a disjunction, a
// negation or a comparison leaf.
type Node struct {
	Kind     NodeKind
	Children []Node

	Fact  string
	Op    Op
	Value Value
}

// All returns a conjunction node.
func All(children ...Node) Node { return Node{Kind: NodeAll, Children: children} }

// Any returns a disjunction node.
func Any(children ...Node) Node { return Node{Kind: NodeAny, Children: children} }

// Not returns a negation node.
func Not(child Node) Node { return Node{Kind: NodeNot, Children: []Node{child}} }

// Compare returns a leaf node.
func Compare(fact string, op Op, v Value) Node {
	return Node{Kind: NodeLeaf, Fact: fact, Op: op, Value: v}
}

// Eval evaluates the tree against facts. A leaf whose fact is missing or
// whose operand types do not fit the operator is false.
func (n Node) Eval(facts Facts) bool {
	switch n.Kind {
	case NodeAll:
		for _, c := range n.Children {
			if !c.Eval(facts) {
				return false
			}
		}
		return true
	case NodeAny:
		for _, c := range n.Children {
			if c.Eval(facts) {
				return true
			}
		}
		return false
	case NodeNot:
		return len(n.Children) == 1 && !n.Children[0].Eval(facts)
	default:
		fact, ok := facts[n.Fact]
		if !ok {
			return false
		}
		return compare(fact, n.Op, n.Value)
	}
}

func compare(fact Value, op Op, operand Value) bool {
	switch op {
	case OpEq:
		return fact.equal(operand)
	case OpNe:
		return fact.Kind == operand.Kind && !fact.equal(operand)
	case OpGt, OpGte, OpLt, OpLte:
		if fact.Kind != KindNumber || operand.Kind != KindNumber {
			return false
		}
		c := fact.Num.Cmp(operand.Num)
		switch op {
		case OpGt:
			return c > 0
		case OpGte:
			return c >= 0
		case OpLt:
			return c < 0
		default:
			return c <= 0
		}
	case OpIn:
		if operand.Kind != KindList {
			return false
		}
		switch fact.Kind {
		case KindString:
			return slices.Contains(operand.List, fact.Str)
		case KindNumber:
			return slices.Contains(operand.List, fact.Num.String())
		default:
			return false
		}
	case OpContains:
		if fact.Kind != KindList || operand.Kind != KindString {
			return false
		}
		return slices.Contains(fact.List, operand.Str)
	default:
		return false
	}
}

// Validate checks the structural well-formedness of the tree.
func (n Node) Validate() error {
	switch n.Kind {
	case NodeAll, NodeAny:
		if len(n.Children) == 0 {
			return errors.New("all/any node requires at least one child")
		}
		for i, c := range n.Children {
			if err := c.Validate(); err != nil {
				return errors.Wrapf(err, "child %d", i)
			}
		}
		return nil
	case NodeNot:
		if len(n.Children) != 1 {
			return errors.New("not node requires exactly one child")
		}
		return n.Children[0].Validate()
	case NodeLeaf:
		if n.Fact == "" {
			return errors.New("leaf requires a fact name")
		}
		switch n.Op {
		case OpEq, OpNe:
			if n.Value.Kind == KindInvalid {
				return errors.Errorf("fact %q: missing value", n.Fact)
			}
		case OpGt, OpGte, OpLt, OpLte:
			if n.Value.Kind != KindNumber {
				return errors.Errorf("fact %q: %s requires a number", n.Fact, n.Op)
			}
		case OpIn:
			if n.Value.Kind != KindList {
				return errors.Errorf("fact %q: in requires a list", n.Fact)
			}
		case OpContains:
			if n.Value.Kind != KindString {
				return errors.Errorf("fact %q: contains requires a string", n.Fact)
			}
		default:
			return errors.Errorf("fact %q: unknown operator %q", n.Fact, n.Op)
		}
		return nil
	default:
		return errors.Errorf("unknown node kind %d", n.Kind)
	}
}

func (n Node) clone() Node {
	c := n
	if n.Children != nil {
		c.Children = make([]Node, len(n.Children))
		for i, ch := range n.Children {
			c.Children[i] = ch.clone()
		}
	}
	c.Value.List = append([]string(nil), n.Value.List...)
	return c
}

// Conditions carries the structured parameters of a promotion: the
// BUY_X_GET_Y quantities and the generic rule tree.
type Conditions struct {
	// BuyQuantity is "x": units that must be bought per group.
	BuyQuantity int
	// GetQuantity is "y": units made free per group.
	GetQuantity int
	// Rule is evaluated against the request facts; nil always holds.
	Rule *Node
}

// Empty reports whether no condition parameter is set.
func (c Conditions) Empty() bool {
	return c.BuyQuantity == 0 && c.GetQuantity == 0 && c.Rule == nil
}

func (c Conditions) clone() Conditions {
	out := c
	if c.Rule != nil {
		r := c.Rule.clone()
		out.Rule = &r
	}
	return out
}
