// Package httpclient provides the JSON API client shared by the source and
// target system clients.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/fieldline/porter/errors"
)

const maxResponseBytes = 10 << 20 // 10MB cap on API responses

// Client wraps http.Client with JSON encoding, bearer auth, and
// status-to-error mapping shared by both external system clients.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

// New creates a JSON API client for the given base URL.
// apiKey, if non-empty, is sent as a bearer token on every request.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		http: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return errors.Newf("stopped after %d redirects", len(via))
				}
				return nil
			},
		},
		baseURL: baseURL,
		apiKey:  apiKey,
	}
}

// apiError carries the body of a non-2xx response.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return e.Message
}

// StatusCode extracts the HTTP status from an error returned by DoJSON,
// or 0 if the error did not originate from an HTTP response.
func StatusCode(err error) int {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// DoJSON issues a request with a JSON body (may be nil) and decodes the JSON
// response into out (may be nil). Non-2xx statuses are mapped to sentinel
// errors so callers can branch on error class rather than status codes:
// 404 → errors.ErrNotFound, 429 → errors.ErrRateLimited.
func (c *Client) DoJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to encode request body")
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return errors.Wrapf(err, "failed to build %s %s", method, path)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s failed", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return errors.Wrapf(err, "failed to read response from %s %s", method, path)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.mapStatusError(method, path, resp.StatusCode, data)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return errors.Wrapf(err, "failed to decode response from %s %s", method, path)
		}
	}

	return nil
}

func (c *Client) mapStatusError(method, path string, status int, body []byte) error {
	msg := extractMessage(body)

	base := &apiError{Status: status, Message: msg}
	err := errors.WithDetailf(errors.WithStack(base), "%s %s returned %d", method, path, status)

	// Mark preserves the apiError in the chain (for StatusCode) while
	// making errors.Is match the sentinel.
	switch status {
	case http.StatusNotFound:
		return errors.Mark(err, errors.ErrNotFound)
	case http.StatusTooManyRequests:
		return errors.Mark(err, errors.ErrRateLimited)
	default:
		return err
	}
}

// extractMessage pulls a human message out of {"message": ...} or
// {"error": ...} response bodies, falling back to the raw body.
func extractMessage(body []byte) string {
	var envelope struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if envelope.Message != "" {
			return envelope.Message
		}
		if envelope.Error != "" {
			return envelope.Error
		}
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}
