package policy

import (
	"regexp"
	"strings"
)

var repeatedSlashes = regexp.MustCompile(`/+`)

// NormalizeEndpointPath canonicalizes a request or policy path for matching:
// the query string is stripped, the path is lowercased, underscores become
// hyphens, repeated slashes collapse, and a trailing slash is removed except
// for the root path itself.
func NormalizeEndpointPath(path string) string {
	normalized := strings.TrimSpace(strings.ToLower(path))
	if normalized == "" {
		return ""
	}
	if idx := strings.Index(normalized, "?"); idx >= 0 {
		normalized = normalized[:idx]
	}
	normalized = strings.ReplaceAll(normalized, "_", "-")
	normalized = repeatedSlashes.ReplaceAllString(normalized, "/")
	if normalized != "/" {
		normalized = strings.TrimRight(normalized, "/")
	}
	return normalized
}

func hasGlobMeta(s string) bool {
	return strings.ContainsAny(s, "*?[]")
}

// globToRegexp translates a shell-style glob into an anchored regexp. Unlike
// path.Match, * crosses slash boundaries, which the wildcard policies rely on.
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '[':
			j := i + 1
			if j < len(pattern) && (pattern[j] == '!' || pattern[j] == '^') {
				j++
			}
			if j < len(pattern) && pattern[j] == ']' {
				j++
			}
			for j < len(pattern) && pattern[j] != ']' {
				j++
			}
			if j >= len(pattern) {
				b.WriteString(`\[`)
				continue
			}
			inner := strings.ReplaceAll(pattern[i+1:j], `\`, `\\`)
			if strings.HasPrefix(inner, "!") {
				inner = "^" + inner[1:]
			}
			b.WriteString("[" + inner + "]")
			i = j
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

func matchGlob(pattern, value string) bool {
	re, err := globToRegexp(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(value)
}

func methodMatches(policyMethod, actualMethod string) bool {
	if strings.TrimSpace(policyMethod) == "" {
		return true
	}
	if strings.TrimSpace(actualMethod) == "" {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(policyMethod), strings.TrimSpace(actualMethod))
}

func pathMatches(policyPath, actualPath string) bool {
	if strings.TrimSpace(policyPath) == "" {
		return false
	}
	normalizedPolicy := NormalizeEndpointPath(policyPath)
	normalizedActual := NormalizeEndpointPath(actualPath)
	if normalizedActual == "" {
		return false
	}
	if hasGlobMeta(normalizedPolicy) {
		return matchGlob(normalizedPolicy, normalizedActual)
	}
	return normalizedPolicy == normalizedActual
}

func endpointKeyMatches(pattern, endpointKey string) bool {
	lhs := strings.ToLower(strings.TrimSpace(pattern))
	rhs := strings.ToLower(strings.TrimSpace(endpointKey))
	if lhs == "" || rhs == "" {
		return false
	}
	if lhs == rhs {
		return true
	}
	if hasGlobMeta(lhs) {
		return matchGlob(lhs, rhs)
	}
	return false
}

// MatchPolicy finds the first policy matching the request, in document order.
// Policies declaring a method or path are path-aware: they match only on
// method+path and never fall through to an endpoint-key match, so a GET-only
// policy cannot shadow a later POST variant sharing the same endpoint key.
func (d *DocumentV2) MatchPolicy(endpointKey, httpMethod, endpointPath string) *PolicyV2 {
	for i := range d.EndpointPolicies {
		p := &d.EndpointPolicies[i]
		if !p.IsEnabled() {
			continue
		}

		if p.Method != "" || p.Path != "" {
			if methodMatches(p.Method, httpMethod) && pathMatches(p.Path, endpointPath) {
				return p
			}
			continue
		}

		if endpointKeyMatches(p.Endpoint, endpointKey) {
			return p
		}
	}
	return nil
}

// MatchPolicy finds the first enabled v1 policy whose endpoint pattern
// matches the logical endpoint key. The v1 shape has no method or path
// awareness.
func (d *DocumentV1) MatchPolicy(endpointKey string) *PolicyV1 {
	for i := range d.EndpointPolicies {
		p := &d.EndpointPolicies[i]
		if !p.IsEnabled() {
			continue
		}
		if endpointKeyMatches(p.Endpoint, endpointKey) {
			return p
		}
	}
	return nil
}
