package authserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRoutePatternFallsBackToPath(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/not-routed", nil)
	if got := routePattern(req); got != "/not-routed" {
		t.Fatalf("routePattern = %q, want /not-routed", got)
	}
}

func TestClientOriginPrefersForwardedHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	if got := clientOrigin(req); got != "10.0.0.1:5555" {
		t.Fatalf("clientOrigin = %q, want remote addr", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	if got := clientOrigin(req); got != "203.0.113.9" {
		t.Fatalf("clientOrigin = %q, want forwarded header", got)
	}
}

func TestStatusRecorderCapturesCode(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec, status: http.StatusOK}
	sr.WriteHeader(http.StatusTeapot)
	if sr.status != http.StatusTeapot {
		t.Fatalf("recorded status = %d, want %d", sr.status, http.StatusTeapot)
	}
	if rec.Code != http.StatusTeapot {
		t.Fatalf("underlying status = %d, want %d", rec.Code, http.StatusTeapot)
	}
}

func TestRequestCounterIncrements(t *testing.T) {
	s, h := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got := s.MetricsSnapshot().Requests; got != 2 {
		t.Fatalf("request counter = %d, want 2", got)
	}
}
