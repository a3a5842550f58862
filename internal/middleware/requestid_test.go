package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestIDHonorsCallerHeader(t *testing.T) {
	var seen string
	handler := RequestID()(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			seen = RequestIDFrom(r.Context())
		}))

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	req.Header.Set(HeaderRequestID, "agent-trace-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seen != "agent-trace-42" {
		t.Errorf("Expected caller id in context, got %q", seen)
	}
	if got := rec.Header().Get(HeaderRequestID); got != "agent-trace-42" {
		t.Errorf("Expected caller id echoed, got %q", got)
	}
}

func TestRequestIDGeneratesWhenAbsent(t *testing.T) {
	var seen string
	handler := RequestID()(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			seen = RequestIDFrom(r.Context())
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	if seen == "" {
		t.Fatal("Expected a generated request id")
	}
	if got := rec.Header().Get(HeaderRequestID); got != seen {
		t.Errorf("Expected response header %q to match context id %q", got, seen)
	}
}

func TestRequestIDFromEmptyContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := RequestIDFrom(req.Context()); got != "" {
		t.Errorf("Expected empty id outside the middleware, got %q", got)
	}
}
