// Package httpx provides the pooled HTTP JSON client shared by the tiers.
// One client per tier; every call carries an explicit deadline and decodes
// into a typed envelope.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// ErrTransport marks network failures, timeouts and 5xx responses. Callers
// at the provider boundary retry these once against a different instance.
var ErrTransport = errors.New("transport error")

// StatusError is the transport error for a 5xx response; it keeps the
// status code so callers can tell an upstream 503 from a network failure.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("status %d", e.Code) }

func (e *StatusError) Unwrap() error { return ErrTransport }

// Client wraps a pooled http.Client for JSON request/response exchanges.
type Client struct {
	hc *http.Client
}

// New creates a client with connection pooling. maxTimeout is the outer
// client cap; per-call deadlines come from the request context.
func New(maxTimeout time.Duration) *Client {
	return &Client{
		hc: &http.Client{
			Timeout: maxTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   16,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
	}
}

// Response carries the status code and raw body of a completed exchange.
type Response struct {
	StatusCode int
	Body       []byte
}

// PostJSON sends v as a JSON body and returns the response. Network errors,
// context expiry and 5xx responses are wrapped in ErrTransport; 4xx
// responses are returned to the caller with the body intact.
func (c *Client) PostJSON(ctx context.Context, url string, v any) (*Response, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encode request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

// GetJSON issues a GET and returns the response under the same error rules
// as PostJSON.
func (c *Client) GetJSON(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*Response, error) {
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, errors.Wrapf(ErrTransport, "%s %s: %v", req.Method, req.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, errors.Wrapf(ErrTransport, "read body from %s: %v", req.URL, err)
	}
	if resp.StatusCode >= 500 {
		return nil, errors.Wrapf(&StatusError{Code: resp.StatusCode}, "%s %s", req.Method, req.URL)
	}
	return &Response{StatusCode: resp.StatusCode, Body: body}, nil
}

// Decode unmarshals the response body into out.
func (r *Response) Decode(out any) error {
	if err := json.Unmarshal(r.Body, out); err != nil {
		return errors.Wrapf(err, "decode response (status %d)", r.StatusCode)
	}
	return nil
}

// IsTransport reports whether err is a transport-class failure eligible for
// the single provider-boundary retry.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, context.DeadlineExceeded)
}
