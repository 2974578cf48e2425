// Package slack adapts Slack's Web API to the relay's notification and
// installation contracts.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DefaultBaseURL is Slack's production Web API root.
const DefaultBaseURL = "https://slack.com/api"

// apiError is a non-ok Slack API response, carrying the machine-readable
// error code from the body.
type apiError struct {
	code string
}

func (e *apiError) Error() string {
	return "slack api error: " + e.code
}

// statusError is a non-2xx HTTP response from Slack that never reached the
// API envelope.
type statusError struct {
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("slack http status %d", e.status)
}

// transientCodes are Slack error codes worth retrying.
var transientCodes = map[string]bool{
	"ratelimited":         true,
	"internal_error":      true,
	"fatal_error":         true,
	"service_unavailable": true,
	"request_timeout":     true,
}

// revokedCodes are Slack error codes meaning the workspace credential is no
// longer usable.
var revokedCodes = map[string]bool{
	"token_revoked":    true,
	"account_inactive": true,
	"invalid_auth":     true,
	"not_authed":       true,
}

// IsTransient reports whether the failure is a retryable Slack-side fault.
// Server errors and throttling retry; a 4xx is a malformed request that no
// retry will mend.
func IsTransient(err error) bool {
	if ae, ok := asAPIError(err); ok {
		return transientCodes[ae.code]
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.status >= http.StatusInternalServerError ||
			se.status == http.StatusTooManyRequests
	}
	// Network-level failures are retryable by default.
	return true
}

// IsRevoked reports whether the failure means the credential was revoked.
func IsRevoked(err error) bool {
	ae, ok := asAPIError(err)
	return ok && revokedCodes[ae.code]
}

func asAPIError(err error) (*apiError, bool) {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// Client is a minimal Slack Web API client covering the calls the relay
// makes.
type Client struct {
	base string
	http *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a different API root, mainly for tests.
func WithBaseURL(base string) Option {
	return func(c *Client) {
		c.base = strings.TrimRight(base, "/")
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// NewClient constructs a Slack Web API client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		base: DefaultBaseURL,
		http: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// apiResponse is the envelope every Web API method shares.
type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// PostMessage sends a chat.postMessage with the given workspace token. The
// channel may be a channel ID or a user ID; Slack opens a direct message
// conversation for the latter.
func (c *Client) PostMessage(ctx context.Context, token, channel, text string) error {
	payload, err := json.Marshal(map[string]string{
		"channel": channel,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/chat.postMessage", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build message request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("post message: %w", &statusError{status: resp.StatusCode})
	}

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode message response: %w", err)
	}
	if !out.OK {
		return fmt.Errorf("post message to %s: %w", channel, &apiError{code: out.Error})
	}
	return nil
}
