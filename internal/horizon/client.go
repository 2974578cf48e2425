// Package horizon consumes a Horizon-style ledger event feed.
//
// It implements the stream.Source contract: an account-existence probe and a
// cursor-resumable stream of decoded payment records delivered over
// Server-Sent Events. Wire-protocol knowledge stays here; the core only ever
// sees stream.Event values.
package horizon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"lumenrelay/internal/stream"
	"lumenrelay/pkg/platform/sentinel"
)

// reconnectCap bounds consecutive failed reconnect attempts before the
// stream ends with a transient error and the subscription waits for the next
// process start.
const reconnectCap = 5

// Client talks to one Horizon server.
type Client struct {
	base   string
	http   *http.Client
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// New constructs a Horizon client for the given base URL.
func New(base string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		base:   strings.TrimRight(base, "/"),
		logger: logger,
		// No overall timeout: the payments request is a long-lived SSE
		// stream. Dial/TLS limits come from the default transport.
		http: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AccountExists probes the account endpoint. An unknown account yields
// sentinel.ErrNotFound; other failures are reported as reachability errors.
func (c *Client) AccountExists(ctx context.Context, accountID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.base+"/accounts/"+url.PathEscape(accountID), nil)
	if err != nil {
		return fmt.Errorf("build account request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("probe account %s: %w", accountID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("account %s on %s: %w", accountID, c.base, sentinel.ErrNotFound)
	default:
		return fmt.Errorf("probe account %s: unexpected status %d", accountID, resp.StatusCode)
	}
}

// Open starts streaming the account's payments from the given cursor.
func (c *Client) Open(ctx context.Context, accountID, cursor string) (stream.Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	body, err := c.connect(ctx, accountID, cursor)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &horizonStream{
		client:    c,
		accountID: accountID,
		cursor:    cursor,
		events:    make(chan stream.Event),
		cancel:    cancel,
	}
	go s.run(ctx, body)
	return s, nil
}

// connect issues one payments request and hands back the SSE body.
func (c *Client) connect(ctx context.Context, accountID, cursor string) (io.ReadCloser, error) {
	u := fmt.Sprintf("%s/accounts/%s/payments?cursor=%s",
		c.base, url.PathEscape(accountID), url.QueryEscape(cursor))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build payments request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open payments stream for %s: %w", accountID, err)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, nil
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("account %s on %s: %w", accountID, c.base, sentinel.ErrNotFound)
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("open payments stream for %s: unexpected status %d", accountID, resp.StatusCode)
	}
}

// horizonStream is one live SSE connection, reconnecting from the last seen
// cursor when the server ends the response.
type horizonStream struct {
	client    *Client
	accountID string
	cursor    string
	events    chan stream.Event
	cancel    context.CancelFunc

	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func (s *horizonStream) Events() <-chan stream.Event { return s.events }

func (s *horizonStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *horizonStream) Close() {
	s.closeOnce.Do(s.cancel)
}

func (s *horizonStream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *horizonStream) run(ctx context.Context, body io.ReadCloser) {
	defer close(s.events)
	defer s.cancel()

	bo := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Jitter: true}
	failures := 0

	for {
		s.consume(ctx, body)
		body.Close()
		if ctx.Err() != nil {
			return
		}

		// The server ended the response; resume from the last seen cursor.
		var err error
		body, err = s.client.connect(ctx, s.accountID, s.cursor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, sentinel.ErrNotFound) {
				// The account disappeared: terminal.
				s.setErr(err)
				return
			}
			failures++
			if failures >= reconnectCap {
				s.setErr(fmt.Errorf("reconnect payments stream for %s: %w", s.accountID, err))
				return
			}
			s.client.logger.Warn("payments stream reconnect failed",
				"account", s.accountID, "attempt", failures, "error", err)
			select {
			case <-time.After(bo.Duration()):
			case <-ctx.Done():
				return
			}
			// Loop with a closed-equivalent body: consume on a nil body is
			// avoided by continuing to the next connect attempt.
			body = io.NopCloser(strings.NewReader(""))
			continue
		}
		failures = 0
		bo.Reset()
	}
}

// consume reads one SSE response, emitting decoded payment records until the
// body ends or the context is canceled.
func (s *horizonStream) consume(ctx context.Context, body io.Reader) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			s.dispatch(ctx, data.String())
			data.Reset()
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// event:/id:/retry: fields and comments carry nothing we need.
		}
		if ctx.Err() != nil {
			return
		}
	}
	if data.Len() > 0 {
		s.dispatch(ctx, data.String())
	}
}

// paymentRecord is the wire shape of one payment operation.
type paymentRecord struct {
	Type        string    `json:"type"`
	CreatedAt   time.Time `json:"created_at"`
	PagingToken string    `json:"paging_token"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Amount      string    `json:"amount"`
	AssetType   string    `json:"asset_type"`
	AssetCode   string    `json:"asset_code"`
	AssetIssuer string    `json:"asset_issuer"`
}

func (s *horizonStream) dispatch(ctx context.Context, data string) {
	// Horizon frames "hello"/"byebye" markers as bare JSON strings; records
	// are objects.
	if !strings.HasPrefix(strings.TrimSpace(data), "{") {
		return
	}

	var rec paymentRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		s.client.logger.Warn("undecodable stream record",
			"account", s.accountID, "error", err)
		return
	}
	if rec.PagingToken != "" {
		s.cursor = rec.PagingToken
	}

	ev := stream.Event{
		Type:        rec.Type,
		CreatedAt:   rec.CreatedAt,
		Cursor:      rec.PagingToken,
		From:        rec.From,
		To:          rec.To,
		Amount:      rec.Amount,
		AssetType:   rec.AssetType,
		AssetCode:   rec.AssetCode,
		AssetIssuer: rec.AssetIssuer,
	}
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}
