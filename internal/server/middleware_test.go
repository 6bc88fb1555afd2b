package server

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"go.uber.org/zap"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequestIDMiddleware_Generates(t *testing.T) {
	var captured string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = RequestID(r.Context())
	})

	req := httptest.NewRequest("GET", "/", http.NoBody)
	w := httptest.NewRecorder()
	RequestIDMiddleware(inner).ServeHTTP(w, req)

	if captured == "" {
		t.Error("expected generated request ID in context")
	}
	if got := w.Header().Get("X-Request-ID"); got != captured {
		t.Errorf("header = %q, context = %q, want equal", got, captured)
	}
}

func TestRequestIDMiddleware_Propagates(t *testing.T) {
	req := httptest.NewRequest("GET", "/", http.NoBody)
	req.Header.Set("X-Request-ID", "abc123")
	w := httptest.NewRecorder()
	RequestIDMiddleware(okHandler()).ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "abc123" {
		t.Errorf("X-Request-ID = %q, want abc123", got)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	panicky := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("handler exploded")
	})

	req := httptest.NewRequest("GET", "/boom", http.NoBody)
	w := httptest.NewRecorder()
	RecoveryMiddleware(zap.NewNop())(panicky).ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %q, want application/problem+json", ct)
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	req := httptest.NewRequest("GET", "/", http.NoBody)
	w := httptest.NewRecorder()
	SecurityHeadersMiddleware(okHandler()).ServeHTTP(w, req)

	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q, want DENY", got)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	// 1 rps with burst 2: third immediate request must be rejected.
	handler := RateLimitMiddleware(1, 2, nil)(okHandler())

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("GET", "/api/v1/fleet/devices", http.NoBody)
		req.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, w.Code)
		}
	}

	req := httptest.NewRequest("GET", "/api/v1/fleet/devices", http.NoBody)
	req.RemoteAddr = "10.0.0.1:1234"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
}

func TestRateLimitMiddleware_SkipPaths(t *testing.T) {
	handler := RateLimitMiddleware(0, 0, []string{"/healthz"})(okHandler())

	req := httptest.NewRequest("GET", "/healthz", http.NoBody)
	req.RemoteAddr = "10.0.0.2:1234"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("skipped path status = %d, want 200", w.Code)
	}
}

func TestRateLimitMiddleware_SkipPrefixExemptsIngest(t *testing.T) {
	// Forty devices reporting from one NAT address must not trip the
	// per-IP limiter on the ingest surface.
	handler := RateLimitMiddleware(1, 2, []string{
		"/api/v1/telemetry/health", "/api/v1/telemetry/health/",
	})(okHandler())

	for i := 0; i < 40; i++ {
		path := "/api/v1/telemetry/health"
		if i%2 == 1 {
			path = "/api/v1/telemetry/health/rpi-" + strconv.Itoa(i)
		}
		req := httptest.NewRequest("POST", path, http.NoBody)
		req.RemoteAddr = "198.51.100.9:4000"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("ingest request %d: status = %d, want 200", i, w.Code)
		}
	}

	// The same address is still limited everywhere else.
	var limited bool
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("GET", "/api/v1/fleet/devices", http.NoBody)
		req.RemoteAddr = "198.51.100.9:4000"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code == http.StatusTooManyRequests {
			limited = true
		}
	}
	if !limited {
		t.Fatal("expected fleet API requests from the same IP to be rate limited")
	}
}

func TestMetricsPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/v1/fleet/devices", "/api/v1/fleet/devices"},
		{"/api/v1/fleet/devices/rpi-0042", "/api/v1/fleet/devices/{id}"},
		{"/api/v1/fleet/devices/rpi-0042/network", "/api/v1/fleet/devices/{id}/network"},
		{"/api/v1/fleet/devices/rpi-0042/network/audit", "/api/v1/fleet/devices/{id}/network/audit"},
		{"/api/v1/dispatch/jobs/3f9a", "/api/v1/dispatch/jobs/{id}"},
		{"/api/v1/telemetry/health", "/api/v1/telemetry/health"},
		{"/api/v1/telemetry/health/rpi-7", "/api/v1/telemetry/health/{id}"},
		{"/api/v1/telemetry/stats/rpi-7", "/api/v1/telemetry/stats/{id}"},
		{"/api/v1/liveness/probes/rpi-7", "/api/v1/liveness/probes/{id}"},
		{"/healthz", "/healthz"},
	}

	for _, tc := range tests {
		if got := metricsPath(tc.path); got != tc.want {
			t.Errorf("metricsPath(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{"remote addr", "192.168.1.5:4321", "", "192.168.1.5"},
		{"forwarded for", "10.0.0.1:80", "203.0.113.7", "203.0.113.7"},
		{"forwarded chain", "10.0.0.1:80", "203.0.113.7, 10.0.0.2", "203.0.113.7"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", http.NoBody)
			req.RemoteAddr = tc.remote
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if got := clientIP(req); got != tc.want {
				t.Errorf("clientIP() = %q, want %q", got, tc.want)
			}
		})
	}
}
