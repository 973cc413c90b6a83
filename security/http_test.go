package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSetSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SetSecurityHeaders(w, "https://issuer.example.com")

	for _, h := range []string{"X-Frame-Options", "X-Content-Type-Options", "Cache-Control", "Strict-Transport-Security"} {
		if w.Header().Get(h) == "" {
			t.Errorf("header %s not set", h)
		}
	}

	w = httptest.NewRecorder()
	SetSecurityHeaders(w, "http://localhost:8080")
	if w.Header().Get("Strict-Transport-Security") != "" {
		t.Error("HSTS must not be sent for http issuers")
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		trustProxy bool
		want       string
	}{
		{"remote addr", "192.0.2.1:1234", "", false, "192.0.2.1"},
		{"xff ignored without trust", "192.0.2.1:1234", "198.51.100.7", false, "192.0.2.1"},
		{"xff with one proxy", "192.0.2.1:1234", "198.51.100.7, 203.0.113.9", true, "198.51.100.7"},
		{"invalid xff falls back", "192.0.2.1:1234", "not-an-ip", true, "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := GetClientIP(r, tt.trustProxy, 1); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(RequestIDHeader, "upstream-id_1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if seen != "upstream-id_1" {
		t.Errorf("request id = %q, want upstream value", seen)
	}

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(RequestIDHeader, "bad\r\nvalue")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if seen == "" || seen == "bad\r\nvalue" {
		t.Errorf("invalid upstream id must be replaced, got %q", seen)
	}
	if w.Header().Get(RequestIDHeader) != seen {
		t.Error("response must echo the request id")
	}
}
