package promotion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNode_Eval(t *testing.T) {
	facts := Facts{
		"cart.subtotal":   Int(1200),
		"customer.tier":   String("gold"),
		"customer.guest":  Bool(false),
		"cart.categories": List("shoes", "socks"),
	}

	tests := []struct {
		name string
		node Node
		want bool
	}{
		{"eq number", Compare("cart.subtotal", OpEq, Int(1200)), true},
		{"ne string", Compare("customer.tier", OpNe, String("silver")), true},
		{"ne on kind mismatch is false", Compare("customer.tier", OpNe, Int(1)), false},
		{"gt", Compare("cart.subtotal", OpGt, Int(1000)), true},
		{"gte boundary", Compare("cart.subtotal", OpGte, Int(1200)), true},
		{"lt", Compare("cart.subtotal", OpLt, Int(1200)), false},
		{"lte boundary", Compare("cart.subtotal", OpLte, Int(1200)), true},
		{"gt on string is false", Compare("customer.tier", OpGt, Int(1)), false},
		{"in", Compare("customer.tier", OpIn, List("gold", "platinum")), true},
		{"in number", Compare("cart.subtotal", OpIn, List("1200")), true},
		{"contains", Compare("cart.categories", OpContains, String("socks")), true},
		{"contains missing", Compare("cart.categories", OpContains, String("hats")), false},
		{"missing fact", Compare("channel", OpEq, String("web")), false},
		{"eq bool", Compare("customer.guest", OpEq, Bool(false)), true},
		{"unknown op", Compare("cart.subtotal", Op("between"), Int(1)), false},
		{
			"all",
			All(Compare("cart.subtotal", OpGt, Int(1000)), Compare("customer.tier", OpEq, String("gold"))),
			true,
		},
		{
			"all short",
			All(Compare("cart.subtotal", OpGt, Int(1000)), Compare("customer.tier", OpEq, String("bronze"))),
			false,
		},
		{
			"any",
			Any(Compare("channel", OpEq, String("web")), Compare("customer.tier", OpEq, String("gold"))),
			true,
		},
		{"not", Not(Compare("channel", OpEq, String("web"))), true},
		{"empty any", Any(), false},
		{"empty all", All(), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.node.Eval(facts))
		})
	}
}

func TestNode_Validate(t *testing.T) {
	valid := All(
		Compare("cart.subtotal", OpGte, Int(1)),
		Not(Compare("customer.tier", OpIn, List("bronze"))),
	)
	require.NoError(t, valid.Validate())

	for name, n := range map[string]Node{
		"empty all":        All(),
		"not arity":        {Kind: NodeNot},
		"missing fact":     Compare("", OpEq, Int(1)),
		"gt needs number":  Compare("x", OpGt, String("a")),
		"in needs list":    Compare("x", OpIn, String("a")),
		"contains needs s": Compare("x", OpContains, Int(1)),
		"unknown op":       Compare("x", Op("like"), String("a")),
		"eq needs value":   Compare("x", OpEq, Value{}),
		"nested defect":    Any(Compare("x", OpEq, Int(1)), All()),
	} {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, n.Validate())
		})
	}
}
