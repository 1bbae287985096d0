package normalizers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNaturalKey(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "plain", input: "Acme", want: "acme"},
		{name: "punctuation stripped", input: "Acme, Inc.", want: "acme inc"},
		{name: "inner whitespace collapsed", input: "  Acme   Global\tServices ", want: "acme global services"},
		{name: "unicode folded", input: "Büro MÜLLER", want: "büro müller"},
		{name: "equivalent forms agree", input: "ACME INC", want: NaturalKey("acme inc.")},
		{name: "empty", input: "", want: ""},
		{name: "only punctuation", input: "...", want: ""},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.want, NaturalKey(test.input))
		})
	}
}

func TestLookupValue(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "trim and fold", input: "  SaaS  ", want: "saas"},
		{name: "inner runs collapse", input: "High \t Risk", want: "high risk"},
		{name: "punctuation kept", input: "Co-Managed", want: "co-managed"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.want, LookupValue(test.input))
		})
	}
}

func TestApplyChain(t *testing.T) {
	got := ApplyChain("  Acme, Inc.  ", "trim", "natural_key")
	assert.Equal(t, "acme inc", got)

	// unknown names pass the value through
	assert.Equal(t, "x", ApplyChain("x", "does_not_exist"))
}
