package server

import (
	"context"
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

func TestAdminAuthDisabledPassesThrough(t *testing.T) {
	cfg := &authConfig{enabled: false}
	rec := httptest.NewRecorder()
	adminAuth(okHandler(), cfg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/source", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 when auth disabled", rec.Code)
	}
}

func TestAdminAuthToken(t *testing.T) {
	cfg := &authConfig{adminToken: "secret-token", enabled: true}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/source", nil)
	req.Header.Set("X-Admin-Token", "secret-token")
	adminAuth(okHandler(), cfg).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("valid token = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/admin/source", nil)
	req.Header.Set("X-Admin-Token", "wrong")
	adminAuth(okHandler(), cfg).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token = %d, want 401", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Errorf("missing WWW-Authenticate header")
	}
}

func TestAdminAuthBasic(t *testing.T) {
	cfg := &authConfig{adminUsername: "admin", adminPassword: "pw", enabled: true}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/source", nil)
	req.SetBasicAuth("admin", "pw")
	adminAuth(okHandler(), cfg).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("valid basic auth = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/admin/source", nil)
	req.SetBasicAuth("admin", "nope")
	adminAuth(okHandler(), cfg).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad password = %d, want 401", rec.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	limiter := newIPRateLimiter(ctx, &rateLimiterConfig{
		enabled:       true,
		requestsPerIP: 3,
		window:        time.Minute,
	})

	handler := rateLimitMiddleware(okHandler(), limiter)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/admin/source", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d = %d, want 200", i+1, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/source", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("over-limit request = %d, want 429", rec.Code)
	}

	// A different client is unaffected.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/admin/source", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("other client = %d, want 200", rec.Code)
	}
}

func TestRateLimiterHonorsForwardedFor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	limiter := newIPRateLimiter(ctx, &rateLimiterConfig{
		enabled:       true,
		requestsPerIP: 1,
		window:        time.Minute,
	})
	handler := rateLimitMiddleware(okHandler(), limiter)

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/admin/source", nil)
		req.RemoteAddr = "127.0.0.1:1234"
		req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
		handler.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Errorf("forwarded request %d = %d, want %d", i+1, rec.Code, want)
		}
	}
}

func TestCORSPermissive(t *testing.T) {
	cfg := &corsConfig{permissive: true}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/feed", nil)
	req.Header.Set("Origin", "https://anything.example")
	withCORSConfig(okHandler(), cfg).ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q, want *", got)
	}
}

func TestCORSRestricted(t *testing.T) {
	cfg := &corsConfig{allowedOrigins: []string{"https://app.neustream.app", "*.neustream.app"}}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/feed", nil)
	req.Header.Set("Origin", "https://app.neustream.app")
	withCORSConfig(okHandler(), cfg).ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.neustream.app" {
		t.Errorf("allowed origin header = %q", got)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/feed", nil)
	req.Header.Set("Origin", "https://evil.example")
	withCORSConfig(okHandler(), cfg).ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin header = %q, want empty", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	cfg := &corsConfig{permissive: true}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/admin/source", nil)
	req.Header.Set("Origin", "https://app.neustream.app")
	withCORSConfig(okHandler(), cfg).ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight = %d, want 204", rec.Code)
	}
}

func TestIsOriginAllowedWildcard(t *testing.T) {
	allowed := []string{"*.neustream.app"}
	cases := []struct {
		origin string
		want   bool
	}{
		{"https://chat.neustream.app", true},
		{"https://neustream.app", true},
		{"https://notneustream.app", false},
		{"https://neustream.app.evil.example", false},
	}
	for _, c := range cases {
		if got := isOriginAllowed(c.origin, allowed); got != c.want {
			t.Errorf("isOriginAllowed(%q) = %v, want %v", c.origin, got, c.want)
		}
	}
}
