package msapiprobe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mailverify/models"
)

func serverReturning(t *testing.T, resp responseBody) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestProbeValid(t *testing.T) {
	srv := serverReturning(t, responseBody{IfExistsResult: 0})
	defer srv.Close()

	p := New(srv.URL, 2*time.Second, 0)
	outcome, backoff := p.Probe(context.Background(), "user@example.com")

	if outcome.Kind != models.DefinitiveValid {
		t.Fatalf("expected definitive_valid, got %v", outcome.Kind)
	}
	if backoff != 0 {
		t.Fatalf("expected no backoff, got %v", backoff)
	}
}

func TestProbeInvalid(t *testing.T) {
	srv := serverReturning(t, responseBody{IfExistsResult: 1})
	defer srv.Close()

	p := New(srv.URL, 2*time.Second, 0)
	outcome, _ := p.Probe(context.Background(), "user@example.com")

	if outcome.Kind != models.DefinitiveInvalid {
		t.Fatalf("expected definitive_invalid, got %v", outcome.Kind)
	}
}

func TestProbeThrottled(t *testing.T) {
	srv := serverReturning(t, responseBody{ThrottleStatus: 1})
	defer srv.Close()

	p := New(srv.URL, 2*time.Second, 0)
	outcome, backoff := p.Probe(context.Background(), "user@example.com")

	if outcome.Kind != models.Ambiguous {
		t.Fatalf("expected ambiguous, got %v", outcome.Kind)
	}
	if backoff != 60*time.Second {
		t.Fatalf("expected 60s backoff, got %v", backoff)
	}
}

func TestProbeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := New(srv.URL, 2*time.Second, 1)
	outcome, _ := p.Probe(context.Background(), "user@example.com")

	if outcome.Kind != models.OutcomeError {
		t.Fatalf("expected error outcome, got %v", outcome.Kind)
	}
}

func TestIsAPICatchAll(t *testing.T) {
	srv := serverReturning(t, responseBody{IfExistsResult: 0})
	defer srv.Close()

	p := New(srv.URL, 2*time.Second, 0)
	if !p.IsAPICatchAll(context.Background(), "example.com") {
		t.Fatalf("expected catch-all domain to be detected")
	}
}
