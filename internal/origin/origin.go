// Package origin normalizes browser Origin headers and decides whether an
// origin may reach the relay's HTTP and signaling routes.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// NormalizeHeader validates and normalizes a browser Origin header.
//
// It returns the normalized origin (scheme://host[:port], default ports
// stripped) and the host[:port] portion for same-host comparisons. The
// special Origin value "null" is allowed and returned as-is.
func NormalizeHeader(originHeader string) (normalizedOrigin string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	// An Origin header is scheme://authority only. Anything beyond a bare
	// trailing slash means the value was not produced by a browser.
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = canonicalHostPort(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// IsAllowed reports whether the normalized origin may access the given
// request host.
//
// With a non-empty allowlist, each entry must be "*" or a normalized origin
// string as produced by NormalizeHeader. With an empty allowlist the policy
// is same-host only: host[:port] must match the incoming request's Host
// header, treating default ports as equivalent.
func IsAllowed(normalizedOrigin, originHost, requestHost string, allowedOrigins []string) bool {
	if len(allowedOrigins) > 0 {
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == normalizedOrigin {
				return true
			}
		}
		return false
	}

	// Same-host comparison deliberately ignores the scheme: behind a
	// TLS-terminating reverse proxy the relay sees HTTP while the browser
	// Origin is HTTPS. The origin's scheme still decides which default port
	// folds away on the request side.
	scheme, _, found := strings.Cut(normalizedOrigin, "://")
	if !found || (scheme != "http" && scheme != "https") {
		// "null" cannot match a host-based request; anything else means the
		// caller skipped NormalizeHeader.
		return false
	}

	normalizedRequestHost, ok := canonicalHostPort(strings.TrimSpace(requestHost), scheme)
	if !ok {
		return false
	}
	return originHost == normalizedRequestHost
}

// canonicalHostPort lowercases the hostname, re-brackets IPv6 literals,
// validates the port and drops it when it is the scheme's default.
func canonicalHostPort(authority, scheme string) (string, bool) {
	rawHostname, rawPort, ok := splitHostPort(authority)
	if !ok {
		return "", false
	}

	hostname := strings.ToLower(rawHostname)
	if hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits an authority host[:port] string. The hostname is
// returned without brackets for IPv6 literals; the port is returned as-is
// and is empty when absent.
func splitHostPort(rawHost string) (hostname, port string, ok bool) {
	if rawHost == "" {
		return "", "", false
	}

	if strings.HasPrefix(rawHost, "[") {
		end := strings.IndexByte(rawHost, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = rawHost[1:end]
		rest := rawHost[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		port, ok = strings.CutPrefix(rest, ":")
		if !ok || port == "" {
			return "", "", false
		}
		return hostname, port, true
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		hostname, port, _ = strings.Cut(rawHost, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		// Unbracketed IPv6 literals are not valid in the authority component.
		return "", "", false
	}
}
