package fingerprint

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_KeyOrderIndependent(t *testing.T) {
	a := Generate(map[string]any{"name": "Acme", "tier": "gold"})
	b := Generate(map[string]any{"tier": "gold", "name": "Acme"})
	assert.Equal(t, a, b)
}

func TestGenerate_ValueSensitive(t *testing.T) {
	a := Generate(map[string]any{"name": "Acme"})
	b := Generate(map[string]any{"name": "Acme Corp"})
	assert.NotEqual(t, a, b)
}

func TestGenerateFromJSON(t *testing.T) {
	fp1, err := GenerateFromJSON(json.RawMessage(`{"a":1,"b":{"c":true}}`))
	require.NoError(t, err)
	fp2, err := GenerateFromJSON(json.RawMessage(`{"b":{"c":true},"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)

	_, err = GenerateFromJSON(json.RawMessage(`[1,2]`))
	assert.Error(t, err)
}

func TestGenerateFromPairs_Normalized(t *testing.T) {
	norm := func(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

	a := GenerateFromPairs([][2]string{{"name", "  ACME  "}, {"tier", "Gold"}}, norm)
	b := GenerateFromPairs([][2]string{{"tier", "gold"}, {"name", "acme"}}, norm)
	assert.Equal(t, a, b)

	c := GenerateFromPairs([][2]string{{"name", "acme"}, {"tier", "silver"}}, norm)
	assert.NotEqual(t, a, c)
}
