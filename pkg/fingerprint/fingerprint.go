// Package fingerprint produces deterministic content hashes. The decision
// resolver uses them to tell an exact duplicate row from a revision of the
// same record, and mapping profiles use them for revision conflict checks.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// Generate creates a SHA256 fingerprint of the canonicalized map. Key order
// never affects the result.
func Generate(data map[string]any) string {
	hash := sha256.Sum256([]byte(canonicalize(data)))
	return hex.EncodeToString(hash[:])
}

// GenerateFromJSON creates a fingerprint from raw JSON.
func GenerateFromJSON(data json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return "", err
	}
	return Generate(m), nil
}

// GenerateFromPairs fingerprints an ordered key-value record after value
// normalization, so two rows that differ only in incidental whitespace or
// casing fingerprint the same.
func GenerateFromPairs(pairs [][2]string, normalize func(string) string) string {
	m := make(map[string]any, len(pairs))
	for _, p := range pairs {
		v := p[1]
		if normalize != nil {
			v = normalize(v)
		}
		m[p[0]] = v
	}
	return Generate(m)
}

// canonicalize builds a deterministic string rendering: object keys sorted,
// arrays in place, primitives JSON-encoded.
func canonicalize(data any) string {
	switch v := data.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var sb strings.Builder
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			keyJSON, _ := json.Marshal(k)
			sb.Write(keyJSON)
			sb.WriteByte(':')
			sb.WriteString(canonicalize(v[k]))
		}
		sb.WriteByte('}')
		return sb.String()
	case []any:
		var sb strings.Builder
		sb.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(canonicalize(item))
		}
		sb.WriteByte(']')
		return sb.String()
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}
