// Package origin implements the Origin checks applied to websocket upgrades
// at the hub.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// NormalizeHeader parses a browser Origin header into a canonical
// scheme://host[:port] form, lowercasing the hostname and dropping default
// ports. The host[:port] part is returned separately so callers can compare
// it against the request's Host header.
//
// An opaque "null" Origin passes through untouched; IsAllowed decides what to
// do with it.
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
	// A serialized origin is scheme and authority only.
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

// IsAllowed reports whether a normalized origin may upgrade against the given
// request host.
//
// With a non-empty allow list the origin must match an entry exactly, or the
// list must contain "*". Entries are expected in NormalizeHeader's canonical
// form.
//
// With no allow list the policy is same-host: originHost must equal the
// request's Host header once both are canonicalized the same way.
func IsAllowed(normalizedOrigin, originHost, requestHost string, allowedOrigins []string) bool {
	if len(allowedOrigins) > 0 {
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == normalizedOrigin {
				return true
			}
		}
		return false
	}

	// Same-host mode compares host:port only, never the scheme. With TLS
	// terminated upstream the hub sees plain HTTP while the browser's Origin
	// says https, and that mismatch must not reject the upgrade.
	scheme := ""
	switch {
	case strings.HasPrefix(normalizedOrigin, "http://"):
		scheme = "http"
	case strings.HasPrefix(normalizedOrigin, "https://"):
		scheme = "https"
	default:
		// "null" has no host to match, and any other prefix means the caller
		// skipped NormalizeHeader.
		return false
	}

	normalizedRequestHost, ok := canonicalHostPort(requestHost, scheme)
	if !ok {
		return false
	}
	return originHost == normalizedRequestHost
}

// canonicalHostPort lowercases the hostname, validates the port, drops the
// port when it is the scheme's default, and re-brackets IPv6 literals.
func canonicalHostPort(hostPort, scheme string) (string, bool) {
	trimmed := strings.TrimSpace(hostPort)
	if trimmed == "" {
		return "", false
	}

	rawHostname, rawPort, ok := splitHostPort(trimmed)
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

// splitHostPort takes an authority host[:port] apart without validating the
// port. IPv6 literals come back unbracketed; port is empty when absent.
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
		if !strings.HasPrefix(rest, ":") {
			return "", "", false
		}
		port = rest[1:]
		if port == "" {
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
		// A bare IPv6 literal must be bracketed in an authority.
		return "", "", false
	}
}
