// Package layoutsig derives the layout key that ties an uploaded file to its
// mapping profile. Files with the same format and the same header set (after
// normalization, order ignored) share a layout and therefore a profile.
package layoutsig

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/pkg/errors"
)

// HeaderSignature hashes a normalized, sorted header set. Column order and
// header casing do not change the signature; adding or removing a column does.
func HeaderSignature(headers []string) (string, error) {
	if len(headers) == 0 {
		return "", errors.New("layout requires at least one header")
	}

	normalized := make([]string, 0, len(headers))
	for _, h := range headers {
		n := normalizers.LookupValue(h)
		if n == "" {
			continue
		}
		normalized = append(normalized, n)
	}
	if len(normalized) == 0 {
		return "", errors.New("layout headers are all blank")
	}
	sort.Strings(normalized)

	hash := sha256.Sum256([]byte(strings.Join(normalized, "\x1f")))
	return hex.EncodeToString(hash[:]), nil
}

// LayoutKey builds the stable profile lookup key for a file.
func LayoutKey(fileFormat string, headers []string) (string, error) {
	format := normalizers.LookupValue(fileFormat)
	if format == "" {
		return "", errors.New("layout requires a file format")
	}
	sig, err := HeaderSignature(headers)
	if err != nil {
		return "", err
	}
	return format + ":" + sig, nil
}
