package layoutsig

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayoutKey(t *testing.T) {
	key1, err := LayoutKey("csv", []string{"Vendor Name", "Risk Tier", "Website"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key1, "csv:"))

	// header order and casing never change the layout
	key2, err := LayoutKey("CSV", []string{"website", "vendor name", "RISK TIER"})
	require.NoError(t, err)
	assert.Equal(t, key1, key2)

	// a different column set is a different layout
	key3, err := LayoutKey("csv", []string{"Vendor Name", "Risk Tier"})
	require.NoError(t, err)
	assert.NotEqual(t, key1, key3)

	// format is part of the key
	key4, err := LayoutKey("xlsx", []string{"Vendor Name", "Risk Tier", "Website"})
	require.NoError(t, err)
	assert.NotEqual(t, key1, key4)
}

func TestLayoutKey_Invalid(t *testing.T) {
	_, err := LayoutKey("csv", nil)
	assert.Error(t, err)

	_, err = LayoutKey("", []string{"a"})
	assert.Error(t, err)

	_, err = LayoutKey("csv", []string{"   ", ""})
	assert.Error(t, err)
}
