// Package normalizers provides the value normalization used for natural keys
// and governed lookup comparison. Matching always compares normalized forms;
// stored payloads keep the original bytes.
package normalizers

import (
	"strings"
	"unicode"
)

// Normalizer is a function that normalizes a string value.
type Normalizer func(string) string

// registry holds all registered normalizers
var registry = make(map[string]Normalizer)

func init() {
	Register("lowercase", Lowercase)
	Register("trim", Trim)
	Register("fold", Fold)
	Register("collapse_whitespace", CollapseWhitespace)
	Register("remove_punctuation", RemovePunctuation)
	Register("lookup", LookupValue)
	Register("natural_key", NaturalKey)
	Register("nemail", NormalizeEmail)
	Register("digits_only", DigitsOnly)
}

// Register adds a normalizer to the registry.
func Register(name string, fn Normalizer) {
	registry[name] = fn
}

// Get retrieves a normalizer by name.
func Get(name string) (Normalizer, bool) {
	fn, ok := registry[name]
	return fn, ok
}

// Apply applies a named normalizer to a value. Unknown names pass the value
// through untouched.
func Apply(value, normalizer string) string {
	fn, ok := registry[normalizer]
	if !ok {
		return value
	}
	return fn(value)
}

// ApplyChain applies multiple normalizers in sequence.
func ApplyChain(value string, normalizers ...string) string {
	result := value
	for _, name := range normalizers {
		result = Apply(result, name)
	}
	return result
}

// Lowercase converts string to lowercase.
func Lowercase(s string) string {
	return strings.ToLower(s)
}

// Trim removes leading and trailing whitespace.
func Trim(s string) string {
	return strings.TrimSpace(s)
}

// Fold case-folds a string so "STRASSE" and "straße" compare equal.
func Fold(s string) string {
	return strings.ToLower(strings.Map(func(r rune) rune {
		return unicode.ToLower(r)
	}, s))
}

// CollapseWhitespace trims the string and squeezes inner whitespace runs
// down to a single space.
func CollapseWhitespace(s string) string {
	var result strings.Builder
	prevSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			if !prevSpace && result.Len() > 0 {
				result.WriteRune(' ')
				prevSpace = true
			}
			continue
		}
		result.WriteRune(r)
		prevSpace = false
	}
	return strings.TrimRight(result.String(), " ")
}

// RemovePunctuation removes punctuation and symbol characters.
func RemovePunctuation(s string) string {
	var result strings.Builder
	for _, r := range s {
		if !unicode.IsPunct(r) && !unicode.IsSymbol(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// LookupValue is the canonical form for governed lookup comparison:
// trim, case-fold, collapse inner whitespace.
func LookupValue(s string) string {
	return CollapseWhitespace(Fold(s))
}

// NaturalKey is the canonical form for natural key matching. On top of the
// lookup form it strips punctuation so "Acme, Inc." keys the same as
// "ACME Inc".
func NaturalKey(s string) string {
	return CollapseWhitespace(RemovePunctuation(Fold(s)))
}

// NormalizeEmail normalizes an email address (lowercase, trim).
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// DigitsOnly keeps only digit characters.
func DigitsOnly(s string) string {
	var result strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}
