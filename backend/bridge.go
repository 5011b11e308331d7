// Package backend holds the bridge to the external calculator service. The
// bridge performs faithful translation only: every call is a single bounded
// HTTP exchange and every failure surfaces as a typed *UpstreamError. Retry
// policy, if any, belongs to the caller.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// UpstreamError reports a failed backend call. Status is the upstream HTTP
// status, or 0 when the failure happened in transport before any status was
// received.
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("upstream failure: %s", e.Message)
	}
	return fmt.Sprintf("upstream failure (status %d): %s", e.Status, e.Message)
}

// Config for the backend bridge. Defaults can be loaded via envdecode.
type Config struct {
	// BaseURL of the calculator service. ENV: BACKEND_URL
	BaseURL string `env:"BACKEND_URL,default=http://localhost:8000"`
	// Timeout bounds each outbound call. ENV: BACKEND_TIMEOUT
	Timeout time.Duration `env:"BACKEND_TIMEOUT,default=10s"`
}

// Bridge is the side-effect-isolated client used by capability handlers to
// reach the backend collaborator.
type Bridge struct {
	baseURL string
	client  *http.Client
}

// New constructs a Bridge from cfg.
func New(cfg Config) (*Bridge, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL %q: %w", cfg.BaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend URL must use HTTP or HTTPS scheme, got %q", u.Scheme)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Bridge{baseURL: base, client: &http.Client{Timeout: timeout}}, nil
}

// NewFromEnv builds a Bridge using envdecode to populate Config. A malformed
// environment fails construction rather than silently falling back to
// defaults.
func NewFromEnv() (*Bridge, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode backend config: %w", err)
	}
	return New(cfg)
}

// Ping performs the backend health check and returns the raw payload.
func (b *Bridge) Ping(ctx context.Context) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/ping", nil)
	if err != nil {
		return nil, &UpstreamError{Message: err.Error()}
	}
	return b.do(req)
}

// AddResponse is the shape of the backend's add payload.
type AddResponse struct {
	A      float64 `json:"a"`
	B      float64 `json:"b"`
	Result float64 `json:"result"`
}

// Add asks the backend to add two numbers and returns the raw payload.
func (b *Bridge) Add(ctx context.Context, a, bVal float64) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]float64{"a": a, "b": bVal})
	if err != nil {
		return nil, &UpstreamError{Message: err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/add", bytes.NewReader(body))
	if err != nil {
		return nil, &UpstreamError{Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	return b.do(req)
}

// do executes one exchange and translates the outcome. A non-2xx status is a
// failure carrying the upstream status and body, never a silent success.
func (b *Bridge) do(req *http.Request) (json.RawMessage, error) {
	res, err := b.client.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) {
			return nil, &UpstreamError{Message: uerr.Err.Error()}
		}
		return nil, &UpstreamError{Message: err.Error()}
	}
	defer res.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, &UpstreamError{Status: res.StatusCode, Message: err.Error()}
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		msg := strings.TrimSpace(string(payload))
		if msg == "" {
			msg = res.Status
		}
		return nil, &UpstreamError{Status: res.StatusCode, Message: msg}
	}

	if !json.Valid(payload) {
		return nil, &UpstreamError{Status: res.StatusCode, Message: "backend returned invalid JSON"}
	}
	return json.RawMessage(payload), nil
}
