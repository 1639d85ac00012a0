// ABOUTME: Session key canonicalization and display-name formatting
// ABOUTME: Bare keys are user-facing; canonical keys carry the agent:main: namespace

package sessions

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// CanonicalPrefix namespaces bare keys on the gateway.
	CanonicalPrefix = "agent:main:"

	// MainKey is the reserved default session.
	MainKey = "main"

	// MainDisplayName is how MainKey is shown.
	MainDisplayName = "General"
)

// Canonicalize returns the namespaced form of a bare key. Keys that are
// already canonical are returned unchanged.
func Canonicalize(key string) string {
	if strings.HasPrefix(key, CanonicalPrefix) {
		return key
	}
	return CanonicalPrefix + key
}

// Normalize strips exactly one leading CanonicalPrefix.
func Normalize(key string) string {
	return strings.TrimPrefix(key, CanonicalPrefix)
}

// FormatName turns a bare key into a display name: "main" becomes
// "General", otherwise dashes and underscores become spaces and each word is
// capitalized.
func FormatName(bareKey string) string {
	if bareKey == MainKey {
		return MainDisplayName
	}
	words := strings.FieldsFunc(bareKey, func(r rune) bool {
		return r == '-' || r == '_' || unicode.IsSpace(r)
	})
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}
