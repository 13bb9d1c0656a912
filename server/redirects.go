package server

import (
	"net/url"
	"strings"
)

// isLocalPath accepts same-origin absolute paths only. Protocol-relative
// ("//host") and backslash forms are rejected because browsers treat them as
// off-site.
func isLocalPath(p string) bool {
	if p == "" || p[0] != '/' {
		return false
	}
	if strings.HasPrefix(p, "//") || strings.ContainsAny(p, "\\\r\n") {
		return false
	}
	u, err := url.Parse(p)
	return err == nil && u.Scheme == "" && u.Host == ""
}

// isSafeUpstreamURL validates a caller-supplied upstream base URL.
func isSafeUpstreamURL(raw string) bool {
	if raw == "" {
		return false
	}

	lower := strings.ToLower(raw)
	for _, scheme := range []string{"javascript:", "data:", "file:", "vbscript:", "about:"} {
		if strings.HasPrefix(lower, scheme) {
			return false
		}
	}
	if strings.HasPrefix(raw, "//") {
		return false
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	// user:pass@host and fragment tricks
	if u.User != nil || strings.Contains(u.Host, "@") || u.Fragment != "" {
		return false
	}
	return true
}
