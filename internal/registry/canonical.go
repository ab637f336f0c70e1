package registry

import (
	"regexp"
	"strings"
)

// pathPrefixes are provider catalog prefixes stripped before canonicalization.
var pathPrefixes = []string{
	"models/",
	"publishers/google/models/",
}

var accountPathRe = regexp.MustCompile(`^accounts/[^/]+/models/`)

// versionPRe rewrites Fireworks-style version encodings (v3p1 -> v3.1).
var versionPRe = regexp.MustCompile(`(\d)p(\d)`)

// rewrites maps known native spellings to their canonical form. Checked after
// mechanical normalization so both sides are lowercase.
var rewrites = map[string]string{
	"llama-v3.1-8b-instruct":   "meta-llama/llama-3.1-8b-instruct",
	"llama-v3.1-70b-instruct":  "meta-llama/llama-3.1-70b-instruct",
	"llama-v3.1-405b-instruct": "meta-llama/llama-3.1-405b-instruct",
	"llama-v3.3-70b-instruct":  "meta-llama/llama-3.3-70b-instruct",
	"google/gemini-2.0-flash-001": "gemini-2.0-flash",
	"google/gemini-2.5-pro":       "gemini-2.5-pro",
	"google/gemini-2.5-flash":     "gemini-2.5-flash",
}

// Canonicalize maps a provider-native model ID to the canonical gateway ID.
// Canonical IDs are lowercase, free of provider account paths, and use dotted
// version numbers.
func Canonicalize(nativeID string) string {
	id := strings.ToLower(strings.TrimSpace(nativeID))
	id = accountPathRe.ReplaceAllString(id, "")
	for _, p := range pathPrefixes {
		id = strings.TrimPrefix(id, p)
	}
	id = versionPRe.ReplaceAllString(id, "$1.$2")
	// Variant suffixes that denote the same underlying model.
	id = strings.TrimSuffix(id, ":free")
	id = strings.TrimSuffix(id, ":extended")
	if canonical, ok := rewrites[id]; ok {
		return canonical
	}
	return id
}
