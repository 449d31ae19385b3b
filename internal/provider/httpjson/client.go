// Package httpjson is the JSON-over-HTTP client shared by REST providers.
package httpjson

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"jobflow/internal/apperrors"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxBody bounds how much of a response is read.
const maxBody = 4 << 20

// Client sends JSON requests to one base URL.
type Client struct {
	base   string
	token  string
	client *http.Client
}

// New creates a client. token, if set, is sent as a bearer token.
func New(baseURL, token string) *Client {
	return &Client{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		client: &http.Client{
			Transport: otelhttp.NewTransport(&http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			}),
		},
	}
}

// Base returns the base URL without a trailing slash.
func (c *Client) Base() string {
	return c.base
}

// Do sends body (if non-nil) as JSON and decodes the response into out (if
// non-nil). timeout bounds the whole exchange. Network failures, non-2xx
// responses and undecodable bodies are transport errors labelled with op.
func (c *Client) Do(ctx context.Context, op, method, path string, timeout time.Duration, body, out any) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return apperrors.Internal(op, fmt.Errorf("failed to marshal request: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return apperrors.Transport(op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return apperrors.Transport(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return apperrors.Transport(op, fmt.Errorf("failed to read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Err: apperrors.TransportStatus(op, resp.StatusCode), Body: data}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.Transport(op, fmt.Errorf("invalid JSON response: %w", err))
	}
	return nil
}

// StatusError is a non-2xx response. It unwraps to the transport error and
// keeps the body for providers that inspect error codes.
type StatusError struct {
	Err  error
	Body []byte
}

func (e *StatusError) Error() string {
	return e.Err.Error()
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status of err, or 0 if it carries none.
func StatusCode(err error) int {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return 0
}
