// Package forwarder delivers raw message payloads to an HTTP sink and
// classifies the outcome. It never retries; redelivery is the broker's job.
package forwarder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ContentType is sent with every forwarded payload.
const ContentType = "application/octet-stream"

const (
	// reasonLimit bounds the response body prefix kept for diagnostics.
	reasonLimit = 256
	// drainLimit bounds how much of a response is read so the connection can be reused.
	drainLimit = 64 << 10
)

// ErrUnexpectedStatus is wrapped by Result.Err when the sink answered outside 2xx.
var ErrUnexpectedStatus = errors.New("sink returned non-2xx status")

// Outcome is the two-valued result of a forward.
type Outcome int

const (
	Delivered Outcome = iota + 1
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result describes one forward attempt. StatusCode is zero when no response
// was received.
type Result struct {
	Outcome    Outcome
	StatusCode int
	Err        error
	// Reason is a short prefix of a rejecting response body.
	Reason   string
	Duration time.Duration
}

// Delivered reports whether the sink accepted the payload.
func (r Result) Delivered() bool { return r.Outcome == Delivered }

// Config holds the sink endpoint and the per-forward timeout.
type Config struct {
	URL     string
	Timeout time.Duration
}

// NewConfigDefaults provides a config with a 30 second timeout.
func NewConfigDefaults(sinkURL string) *Config {
	return &Config{URL: sinkURL, Timeout: 30 * time.Second}
}

// Forwarder posts payloads to a single configured endpoint.
type Forwarder struct {
	client  *http.Client
	url     string
	timeout time.Duration
}

// New validates cfg and returns a Forwarder. A nil client gets a dedicated
// http.Client whose Timeout matches cfg.Timeout. A supplied client is copied
// and never follows redirects.
func New(cfg *Config, client *http.Client) (*Forwarder, error) {
	if err := ValidateURL(cfg.URL); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("forward timeout must be positive, got %s", cfg.Timeout)
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Forwarder{client: withoutRedirects(client), url: cfg.URL, timeout: cfg.Timeout}, nil
}

// withoutRedirects returns a copy of client that hands back the first
// response. Following a 301, 302 or 303 would resend the request as a GET
// with no body and could report the payload delivered.
func withoutRedirects(client *http.Client) *http.Client {
	c := *client
	c.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	return &c
}

// ValidateURL accepts absolute http and https URLs only.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid sink url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid sink url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid sink url %q: missing host", raw)
	}
	return nil
}

// URL returns the configured sink endpoint.
func (f *Forwarder) URL() string { return f.url }

// Forward posts payload to the configured endpoint within the forward timeout.
func (f *Forwarder) Forward(ctx context.Context, payload []byte) Result {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	return forward(ctx, f.client, f.url, payload)
}

// Forward posts payload to endpoint and classifies the response. Every failure,
// including transport errors and timeouts, is reported as a Failed result.
// Redirects are not followed whatever client's CheckRedirect says; a 3xx is
// Failed.
func Forward(ctx context.Context, client *http.Client, endpoint string, payload []byte) Result {
	return forward(ctx, withoutRedirects(client), endpoint, payload)
}

func forward(ctx context.Context, client *http.Client, endpoint string, payload []byte) Result {
	start := time.Now()
	failed := func(status int, err error, reason string) Result {
		return Result{Outcome: Failed, StatusCode: status, Err: err, Reason: reason, Duration: time.Since(start)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return failed(0, fmt.Errorf("build request: %w", err), "")
	}
	req.Header.Set("Content-Type", ContentType)

	resp, err := client.Do(req)
	if err != nil {
		return failed(0, err, "")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, drainLimit))
		return Result{Outcome: Delivered, StatusCode: resp.StatusCode, Duration: time.Since(start)}
	}

	prefix, _ := io.ReadAll(io.LimitReader(resp.Body, reasonLimit))
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, drainLimit))
	return failed(resp.StatusCode,
		fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode),
		strings.TrimSpace(string(prefix)))
}
