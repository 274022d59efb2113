package origin

import (
	"net/url"
	"strings"
	"testing"
)

func FuzzNormalizeHeader(f *testing.F) {
	f.Add("HTTPS://Example.COM:443")
	f.Add("http://localhost:5173/")
	f.Add("http://[::1]:8080")
	f.Add("null")
	f.Add("")
	f.Add("   ")
	f.Add("ftp://example.com")
	f.Add("https://example.com/path")
	f.Add("https://example.com?query")
	f.Add("https://example.com#frag")
	f.Add("https://example.com,https://evil.example.com")

	f.Fuzz(func(t *testing.T, originHeader string) {
		normalized1, host1, ok1 := NormalizeHeader(originHeader)
		normalized2, host2, ok2 := NormalizeHeader(originHeader)
		if ok1 != ok2 || normalized1 != normalized2 || host1 != host2 {
			t.Fatalf("non-deterministic result: ok1=%v ok2=%v normalized1=%q normalized2=%q host1=%q host2=%q", ok1, ok2, normalized1, normalized2, host1, host2)
		}

		if !ok1 {
			return
		}

		if strings.ContainsAny(normalized1, " \t\r\n") {
			t.Fatalf("normalized origin contains whitespace: %q", normalized1)
		}

		if normalized1 == "null" {
			if host1 != "" {
				t.Fatalf("null origin must have empty host, got %q", host1)
			}
			n3, h3, ok := NormalizeHeader(normalized1)
			if !ok || n3 != "null" || h3 != "" {
				t.Fatalf("NormalizeHeader(null) unstable: ok=%v normalized=%q host=%q", ok, n3, h3)
			}
			return
		}

		if !(strings.HasPrefix(normalized1, "http://") || strings.HasPrefix(normalized1, "https://")) {
			t.Fatalf("normalized origin missing scheme: %q", normalized1)
		}
		if host1 == "" {
			t.Fatalf("normalized non-null origin must have non-empty host")
		}
		if strings.ContainsAny(normalized1, "?#") || strings.ContainsAny(host1, "/?#") {
			t.Fatalf("normalized origin or host carries extra components: origin=%q host=%q", normalized1, host1)
		}

		// The host return is exactly the normalized origin minus its scheme.
		wantHost := strings.TrimPrefix(normalized1, "http://")
		wantHost = strings.TrimPrefix(wantHost, "https://")
		if host1 != wantHost {
			t.Fatalf("host mismatch: normalized=%q host=%q wantHost=%q", normalized1, host1, wantHost)
		}

		u, err := url.Parse(normalized1)
		if err != nil {
			t.Fatalf("url.Parse(%q): %v", normalized1, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			t.Fatalf("unexpected url scheme: %q", u.Scheme)
		}
		if u.Host != host1 {
			t.Fatalf("url host mismatch: parsed=%q want=%q", u.Host, host1)
		}
		if u.Path != "" || u.RawQuery != "" || u.Fragment != "" || u.User != nil {
			t.Fatalf("normalized origin parsed with unexpected components: %#v", u)
		}

		// Normalizing a normalized origin changes nothing.
		n3, h3, ok := NormalizeHeader(normalized1)
		if !ok || n3 != normalized1 || h3 != host1 {
			t.Fatalf("NormalizeHeader not idempotent: input=%q ok=%v normalized=%q host=%q", normalized1, ok, n3, h3)
		}
	})
}

func FuzzIsAllowed(f *testing.F) {
	f.Add("https://app.example.com", "app.example.com:443", "")
	f.Add("http://localhost:5173", "localhost:5173", "")
	f.Add("http://[::1]:8080", "[::1]:8080", "")
	f.Add("null", "app.example.com", "")
	f.Add("https://good.example.com", "app.example.com", "*")

	f.Fuzz(func(t *testing.T, originHeader, requestHost, allowedList string) {
		allowedOrigins := splitAllowedOriginsForFuzz(allowedList)

		normalized, originHost, ok := NormalizeHeader(originHeader)
		if ok {
			if !IsAllowed(normalized, originHost, requestHost, []string{"*"}) {
				t.Fatalf("wildcard list rejected origin (normalized=%q)", normalized)
			}
			if !IsAllowed(normalized, originHost, requestHost, []string{normalized}) {
				t.Fatalf("exact list entry rejected its own origin (normalized=%q)", normalized)
			}
			if IsAllowed(normalized, originHost, requestHost, []string{normalized + "x"}) {
				t.Fatalf("mismatched list entry allowed origin (normalized=%q)", normalized)
			}

			if normalized == "null" {
				if IsAllowed(normalized, originHost, requestHost, nil) {
					t.Fatalf("null origin allowed under same-host policy")
				}
			} else {
				if !IsAllowed(normalized, originHost, originHost, nil) {
					t.Fatalf("origin host did not match itself (normalized=%q host=%q)", normalized, originHost)
				}

				scheme := ""
				defaultPort := ""
				switch {
				case strings.HasPrefix(normalized, "http://"):
					scheme = "http"
					defaultPort = "80"
				case strings.HasPrefix(normalized, "https://"):
					scheme = "https"
					defaultPort = "443"
				}

				if scheme != "" {
					_, port, ok := splitHostPort(originHost)
					if ok && port == "" {
						if !IsAllowed(normalized, originHost, originHost+":"+defaultPort, nil) {
							t.Fatalf("default port not treated as equivalent (normalized=%q host=%q)", normalized, originHost)
						}
					}
				}
			}
		}

		// Must never panic, even on garbage.
		_ = IsAllowed(normalized, originHost, requestHost, allowedOrigins)
		_ = IsAllowed(originHeader, originHeader, requestHost, allowedOrigins)
	})
}

func splitAllowedOriginsForFuzz(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	if len(parts) > 8 {
		parts = parts[:8]
	}
	return parts
}
