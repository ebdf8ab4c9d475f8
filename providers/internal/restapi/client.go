// Package restapi is the shared HTTP plumbing for the REST-backed
// provider adapters. It standardizes auth headers, JSON decoding and
// status handling so adapters only describe payload shapes.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/terradev/terradev/internal/resilience"
)

// AuthStyle selects how the credential is attached to requests.
type AuthStyle int

const (
	// AuthBearer sends "Authorization: Bearer <token>".
	AuthBearer AuthStyle = iota
	// AuthAPIKey sends "Authorization: Api-Key <token>".
	AuthAPIKey
	// AuthHeader sends the token as a custom header named by HeaderName.
	AuthHeader
	// AuthBasic sends the token as a basic-auth username with empty
	// password.
	AuthBasic
)

// Client is a thin JSON-over-HTTP client bound to one provider API.
type Client struct {
	BaseURL    string
	Token      string
	Style      AuthStyle
	HeaderName string
	HTTPClient *http.Client
}

// New builds a client with the default 30s transport timeout. The
// governor applies its own per-attempt timeout on top.
func New(baseURL, token string, style AuthStyle) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		Style:   style,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) authorize(req *http.Request) {
	switch c.Style {
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+c.Token)
	case AuthAPIKey:
		req.Header.Set("Authorization", "Api-Key "+c.Token)
	case AuthHeader:
		req.Header.Set(c.HeaderName, c.Token)
	case AuthBasic:
		req.SetBasicAuth(c.Token, "")
	}
}

// Do issues a request and decodes the JSON response into out (out may be
// nil). Non-2xx statuses return *resilience.HTTPError so the retry layer
// can classify them.
func (c *Client) Do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.authorize(req)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &resilience.HTTPError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("API error %d: %s", resp.StatusCode, bytes.TrimSpace(raw)),
		}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Get decodes a GET response into out.
func (c *Client) Get(ctx context.Context, path string, out interface{}) error {
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

// Post sends body and decodes the response into out.
func (c *Client) Post(ctx context.Context, path string, body, out interface{}) error {
	return c.Do(ctx, http.MethodPost, path, body, out)
}

// Delete issues a DELETE, discarding any response body.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.Do(ctx, http.MethodDelete, path, nil, nil)
}

// Query builds an encoded query string from pairs, skipping empty
// values.
func Query(pairs map[string]string) string {
	q := url.Values{}
	for k, v := range pairs {
		if v != "" {
			q.Set(k, v)
		}
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// NotFound reports whether err is an HTTP 404 from a provider API.
func NotFound(err error) bool {
	var he *resilience.HTTPError
	return errors.As(err, &he) && he.StatusCode == http.StatusNotFound
}
