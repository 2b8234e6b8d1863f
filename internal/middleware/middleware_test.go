package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestTokenBucketRefillsEachSecond(t *testing.T) {
	now := time.Unix(1000, 0)
	tb := NewTokenBucket(2)
	tb.now = func() time.Time { return now }
	tb.lastSec = now.Unix()
	if !tb.Allow() || !tb.Allow() {
		t.Fatalf("first two requests should pass")
	}
	if tb.Allow() {
		t.Fatalf("third request within the same second should be rejected")
	}
	now = now.Add(time.Second)
	if !tb.Allow() {
		t.Fatalf("bucket not refilled in the next second")
	}
}

func TestLimitReturns429(t *testing.T) {
	now := time.Unix(2000, 0)
	tb := NewTokenBucket(1)
	tb.now = func() time.Time { return now }
	tb.lastSec = now.Unix()
	h := Limit(tb, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/craftsmen", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("first status=%d", rec.Code)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/craftsmen", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status=%d, want 429", rec.Code)
	}
}

func TestWrapDisabledPassesThrough(t *testing.T) {
	t.Setenv("RATE_LIMIT_ENABLED", "")
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	h := Wrap(inner)
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d", rec.Code)
		}
	}
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestAllowList(t *testing.T) {
	a := NewAllowList(quiet(), []string{"192.0.2.7", "bogus"}, []string{"10.0.0.0/8", "2001:db8::/32"}, "X-Forwarded-For")
	h := a.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }))

	cases := []struct {
		remote, xff string
		want        int
	}{
		{"192.0.2.7:5555", "", http.StatusNoContent},
		{"10.1.2.3:80", "", http.StatusNoContent},
		{"[2001:db8::1]:443", "", http.StatusNoContent},
		{"198.51.100.1:80", "", http.StatusForbidden},
		{"198.51.100.1:80", "10.9.9.9, 198.51.100.1", http.StatusNoContent},
		{"10.1.2.3:80", "not-an-ip", http.StatusNoContent},
	}
	for _, c := range cases {
		req := httptest.NewRequest(http.MethodPatch, "/craftman/1", nil)
		req.RemoteAddr = c.remote
		if c.xff != "" {
			req.Header.Set("X-Forwarded-For", c.xff)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != c.want {
			t.Fatalf("remote=%s xff=%q status=%d, want %d", c.remote, c.xff, rec.Code, c.want)
		}
	}
}

func TestAllowListEmptyIsOpen(t *testing.T) {
	a := NewAllowList(quiet(), []string{""}, nil, "")
	if !a.Open() {
		t.Fatalf("empty allow list should be open")
	}
	h := a.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodPatch, "/craftman/1", nil)
	req.RemoteAddr = "203.0.113.5:1"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
}
