package origin

import "testing"

func TestNormalizeHeader(t *testing.T) {
	t.Run("lowercases and drops default port", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("HTTPS://Example.COM:443")
		if !ok {
			t.Fatalf("expected ok=true")
		}
		if normalized != "https://example.com" {
			t.Fatalf("normalized=%q, want %q", normalized, "https://example.com")
		}
		if host != "example.com" {
			t.Fatalf("host=%q, want %q", host, "example.com")
		}
	})

	t.Run("keeps non-default port", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("http://localhost:5173/")
		if !ok {
			t.Fatalf("expected ok=true")
		}
		if normalized != "http://localhost:5173" {
			t.Fatalf("normalized=%q, want %q", normalized, "http://localhost:5173")
		}
		if host != "localhost:5173" {
			t.Fatalf("host=%q, want %q", host, "localhost:5173")
		}
	})

	t.Run("brackets ipv6 literal", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("http://[::1]:8080")
		if !ok {
			t.Fatalf("expected ok=true")
		}
		if normalized != "http://[::1]:8080" || host != "[::1]:8080" {
			t.Fatalf("normalized=%q host=%q", normalized, host)
		}
	})

	t.Run("null passes through", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("null")
		if !ok {
			t.Fatalf("expected ok=true")
		}
		if normalized != "null" || host != "" {
			t.Fatalf("normalized=%q host=%q, want %q and empty host", normalized, host, "null")
		}
	})

	t.Run("rejects non-web schemes", func(t *testing.T) {
		if _, _, ok := NormalizeHeader("ftp://example.com"); ok {
			t.Fatalf("expected ok=false")
		}
	})

	t.Run("rejects path, query, credentials, fragment", func(t *testing.T) {
		cases := []string{
			"https://example.com/path",
			"https://example.com/?q=1",
			"https://user@example.com",
			"https://example.com/#frag",
		}
		for _, c := range cases {
			if _, _, ok := NormalizeHeader(c); ok {
				t.Fatalf("expected ok=false for %q", c)
			}
		}
	})
}

func TestIsAllowed(t *testing.T) {
	t.Run("same host only by default", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("https://app.example.com")
		if !ok {
			t.Fatalf("NormalizeHeader ok=false")
		}
		if !IsAllowed(normalized, host, "app.example.com", nil) {
			t.Fatalf("expected same-host to be allowed")
		}
		if !IsAllowed(normalized, host, "app.example.com:443", nil) {
			t.Fatalf("expected default port on the request host to be equivalent")
		}
		if IsAllowed(normalized, host, "app.example.com:8443", nil) {
			t.Fatalf("expected differing port to be rejected")
		}
		if IsAllowed(normalized, host, "other.example.com", nil) {
			t.Fatalf("expected different host to be rejected")
		}
	})

	t.Run("null rejected by default", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("null")
		if !ok {
			t.Fatalf("NormalizeHeader ok=false")
		}
		if IsAllowed(normalized, host, "app.example.com", nil) {
			t.Fatalf("expected null origin to be rejected under the default policy")
		}
	})

	t.Run("star allows everything", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("https://app.example.com")
		if !ok {
			t.Fatalf("NormalizeHeader ok=false")
		}
		if !IsAllowed(normalized, host, "whatever:1234", []string{"*"}) {
			t.Fatalf("expected * to allow any origin")
		}
	})

	t.Run("explicit list matches exactly", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("https://app.example.com")
		if !ok {
			t.Fatalf("NormalizeHeader ok=false")
		}
		if !IsAllowed(normalized, host, "hub.example.com", []string{"https://app.example.com"}) {
			t.Fatalf("expected listed origin to be allowed")
		}
		if IsAllowed(normalized, host, "hub.example.com", []string{"https://other.example.com"}) {
			t.Fatalf("expected unlisted origin to be rejected")
		}
	})

	t.Run("null allowed when listed", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("null")
		if !ok {
			t.Fatalf("NormalizeHeader ok=false")
		}
		if !IsAllowed(normalized, host, "hub.example.com", []string{"null"}) {
			t.Fatalf("expected null origin to be allowed when listed")
		}
	})
}
