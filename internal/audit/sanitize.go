package audit

import (
	"regexp"
	"strings"
)

// RedactionMarker replaces every value judged secret-bearing.
const RedactionMarker = "[REDACTED]"

// secretFragments flags a key as secret-bearing when its lowercased name
// contains any fragment.
var secretFragments = []string{
	"secret", "token", "password", "key", "auth",
	"cookie", "header", "bearer", "credential",
}

var (
	bearerValue = regexp.MustCompile(`(?i)^bearer\s+\S+`)
	// Long base64-ish strings joined by dots, the shape of JWTs and signed
	// blobs. Matched even under innocuous key names.
	segmentedValue = regexp.MustCompile(`^[A-Za-z0-9_\-+/=]{16,}(\.[A-Za-z0-9_\-+/=]{16,}){1,}$`)
)

func secretKey(name string) bool {
	lower := strings.ToLower(name)
	for _, frag := range secretFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

func secretValue(v string) bool {
	return bearerValue.MatchString(v) || segmentedValue.MatchString(v)
}

// Sanitize returns a deep copy of v with secret material replaced by
// RedactionMarker. Keys matching the denylist are redacted wholesale; string
// values matching token patterns are redacted regardless of key. The input
// is never modified.
func Sanitize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if secretKey(k) {
				out[k] = RedactionMarker
				continue
			}
			out[k] = Sanitize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Sanitize(item)
		}
		return out
	case string:
		if secretValue(val) {
			return RedactionMarker
		}
		return val
	default:
		return v
	}
}
