package backend

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newStubBackend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("POST /add", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			A float64 `json:"a"`
			B float64 `json:"b"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]float64{"a": body.A, "b": body.B, "result": body.A + body.B})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func mustBridge(t *testing.T, baseURL string) *Bridge {
	t.Helper()
	b, err := New(Config{BaseURL: baseURL, Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return b
}

func TestBridge(t *testing.T) {
	t.Run("ping returns the raw backend payload", func(t *testing.T) {
		srv := newStubBackend(t)
		b := mustBridge(t, srv.URL)

		payload, err := b.Ping(t.Context())
		if err != nil {
			t.Fatalf("Ping failed: %v", err)
		}
		var got map[string]string
		if err := json.Unmarshal(payload, &got); err != nil {
			t.Fatalf("payload not JSON: %v", err)
		}
		if got["status"] != "ok" {
			t.Fatalf("unexpected payload: %s", payload)
		}
	})

	t.Run("add returns the backend sum", func(t *testing.T) {
		srv := newStubBackend(t)
		b := mustBridge(t, srv.URL)

		payload, err := b.Add(t.Context(), 1000, 5)
		if err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		var got AddResponse
		if err := json.Unmarshal(payload, &got); err != nil {
			t.Fatalf("payload not JSON: %v", err)
		}
		if got.Result != 1005 {
			t.Fatalf("unexpected sum: want 1005 got %v", got.Result)
		}
	})

	t.Run("non-2xx surfaces as UpstreamError with status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "backend exploded", http.StatusServiceUnavailable)
		}))
		defer srv.Close()
		b := mustBridge(t, srv.URL)

		_, err := b.Ping(t.Context())
		var uerr *UpstreamError
		if !errors.As(err, &uerr) {
			t.Fatalf("expected UpstreamError, got %v", err)
		}
		if uerr.Status != http.StatusServiceUnavailable {
			t.Fatalf("unexpected status: want %d got %d", http.StatusServiceUnavailable, uerr.Status)
		}
	})

	t.Run("transport failure surfaces as UpstreamError without status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close()
		b := mustBridge(t, srv.URL)

		_, err := b.Ping(t.Context())
		var uerr *UpstreamError
		if !errors.As(err, &uerr) {
			t.Fatalf("expected UpstreamError, got %v", err)
		}
		if uerr.Status != 0 {
			t.Fatalf("expected status 0 for transport failure, got %d", uerr.Status)
		}
	})

	t.Run("rejects non-http base URLs", func(t *testing.T) {
		if _, err := New(Config{BaseURL: "ftp://example.com"}); err == nil {
			t.Fatal("expected scheme rejection")
		}
	})

	t.Run("NewFromEnv rejects a malformed environment", func(t *testing.T) {
		t.Setenv("BACKEND_TIMEOUT", "banana")
		if _, err := NewFromEnv(); err == nil {
			t.Fatal("expected config decode failure")
		}
	})
}
