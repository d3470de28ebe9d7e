package middleware

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeaders(okHandler()).ServeHTTP(w, httptest.NewRequest("GET", "/ping", nil))

	expectedHeaders := map[string]string{
		"X-Frame-Options":         "DENY",
		"X-Content-Type-Options":  "nosniff",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
		"Referrer-Policy":         "no-referrer",
	}
	for header, want := range expectedHeaders {
		if got := w.Header().Get(header); got != want {
			t.Errorf("Header %s = %q, want %q", header, got, want)
		}
	}
	if hsts := w.Header().Get("Strict-Transport-Security"); hsts != "" {
		t.Errorf("HSTS header should not be set without TLS, got: %q", hsts)
	}
}

func TestSecurityHeaders_HSTS_WithTLS(t *testing.T) {
	req := httptest.NewRequest("GET", "/ping", nil)
	req.TLS = &tls.ConnectionState{}
	w := httptest.NewRecorder()
	SecurityHeaders(okHandler()).ServeHTTP(w, req)

	if got := w.Header().Get("Strict-Transport-Security"); got != "max-age=31536000; includeSubDomains" {
		t.Errorf("HSTS = %q", got)
	}
}

func TestRateLimit_BlocksExcessiveTraffic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := RateLimit(ctx, RateLimitConfig{RequestsPerSecond: 0.1, Burst: 3})(okHandler())

	success, blocked := 0, 0
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest("POST", "/invocations", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		switch w.Code {
		case http.StatusOK:
			success++
		case http.StatusTooManyRequests:
			blocked++
			if got := w.Header().Get("Retry-After"); got != "10" {
				t.Errorf("Retry-After = %q, want 10", got)
			}
		}
	}
	if success != 3 || blocked != 7 {
		t.Errorf("success=%d blocked=%d, want 3/7", success, blocked)
	}
}

func TestRateLimit_SeparatesClientsByIP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := RateLimit(ctx, RateLimitConfig{RequestsPerSecond: 0.1, Burst: 1})(okHandler())

	codes := func(addr string, n int) []int {
		var out []int
		for i := 0; i < n; i++ {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = addr
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			out = append(out, w.Code)
		}
		return out
	}

	c1 := codes("10.0.0.1:1000", 2)
	c2 := codes("10.0.0.2:1000", 1)
	if c1[1] != http.StatusTooManyRequests {
		t.Errorf("client 1 second request = %d, want 429", c1[1])
	}
	if c2[0] != http.StatusOK {
		t.Errorf("client 2 first request = %d, want 200", c2[0])
	}
}

func TestRateLimit_KeysByCallerHeader(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	const header = "X-Amzn-Bedrock-AgentCore-Runtime-User-Id"
	handler := RateLimit(ctx, RateLimitConfig{RequestsPerSecond: 0.1, Burst: 1, KeyHeader: header})(okHandler())

	send := func(user string) int {
		req := httptest.NewRequest("POST", "/invocations", nil)
		req.RemoteAddr = "10.0.0.9:1000"
		if user != "" {
			req.Header.Set(header, user)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	if got := send("alice"); got != http.StatusOK {
		t.Fatalf("alice first = %d", got)
	}
	if got := send("alice"); got != http.StatusTooManyRequests {
		t.Errorf("alice second = %d, want 429", got)
	}
	if got := send("bob"); got != http.StatusOK {
		t.Errorf("bob shares the peer IP but has his own bucket, got %d", got)
	}
	if got := send(""); got != http.StatusOK {
		t.Errorf("anonymous request falls back to the IP bucket, got %d", got)
	}
}

func TestRateLimit_TokenRefill(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping time-dependent test in short mode")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handler := RateLimit(ctx, RateLimitConfig{RequestsPerSecond: 10, Burst: 1})(okHandler())

	send := func() int {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}
	if got := send(); got != http.StatusOK {
		t.Fatalf("first = %d", got)
	}
	if got := send(); got != http.StatusTooManyRequests {
		t.Fatalf("immediate second = %d", got)
	}
	time.Sleep(150 * time.Millisecond)
	if got := send(); got != http.StatusOK {
		t.Errorf("after refill = %d", got)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		trusted []string
		want    string
	}{
		{"direct peer", "203.0.113.9:5555", nil, nil, "203.0.113.9"},
		{"ipv6 peer", "[2001:db8::1]:443", nil, nil, "2001:db8::1"},
		{"spoofed xff ignored", "203.0.113.9:5555", map[string]string{"X-Forwarded-For": "1.2.3.4"}, nil, "203.0.113.9"},
		{"untrusted proxy", "10.0.0.5:80", map[string]string{"X-Forwarded-For": "1.2.3.4"}, []string{"10.0.0.1"}, "10.0.0.5"},
		{"trusted xff", "10.0.0.1:80", map[string]string{"X-Forwarded-For": "198.51.100.7, 10.0.0.2"}, []string{"10.0.0.1"}, "198.51.100.7"},
		{"trusted real ip", "10.0.0.1:80", map[string]string{"X-Real-IP": "198.51.100.8"}, []string{"10.0.0.1"}, "198.51.100.8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := clientIP(req, tt.trusted); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
