package slack

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jpillora/backoff"

	"lumenrelay/internal/authz/models"
	derrors "lumenrelay/pkg/domain-errors"
	"lumenrelay/pkg/platform/sentinel"
)

const (
	// maxAttempts caps delivery attempts for one notification.
	maxAttempts = 5
	// retryDelay is the fixed pause between attempts.
	retryDelay = 5 * time.Second
)

// CredentialSource resolves the workspace token for a team. It returns an
// error wrapping sentinel.ErrNotFound when the team holds no authorization.
type CredentialSource interface {
	Credential(teamID string) (string, error)
}

// RevocationHandler is invoked when Slack reports a team's credential as
// revoked mid-delivery.
type RevocationHandler func(teamID string)

// Notifier delivers relay notifications over Slack with bounded retries.
type Notifier struct {
	client    *Client
	creds     CredentialSource
	onRevoked RevocationHandler
	logger    *slog.Logger
	attempts  int
	delay     time.Duration
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithRevocationHandler registers the revocation callback.
func WithRevocationHandler(h RevocationHandler) NotifierOption {
	return func(n *Notifier) {
		n.onRevoked = h
	}
}

// WithRetryPolicy overrides the attempt cap and inter-attempt delay.
func WithRetryPolicy(attempts int, delay time.Duration) NotifierOption {
	return func(n *Notifier) {
		n.attempts = attempts
		n.delay = delay
	}
}

// NewNotifier constructs a Notifier on top of a Web API client.
func NewNotifier(client *Client, creds CredentialSource, logger *slog.Logger, opts ...NotifierOption) *Notifier {
	n := &Notifier{
		client:   client,
		creds:    creds,
		logger:   logger,
		attempts: maxAttempts,
		delay:    retryDelay,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// PostToChannel posts into the subscription's channel.
func (n *Notifier) PostToChannel(ctx context.Context, sub *models.Subscription, text string) error {
	return n.post(ctx, sub.TeamID, sub.ChannelID, text)
}

// PostToUser posts a direct message to the user who created the
// subscription. Subscriptions recorded before user tracking fall back to the
// channel.
func (n *Notifier) PostToUser(ctx context.Context, sub *models.Subscription, text string) error {
	target := sub.UserID
	if target == "" {
		target = sub.ChannelID
	}
	return n.post(ctx, sub.TeamID, target, text)
}

func (n *Notifier) post(ctx context.Context, teamID, target, text string) error {
	token, err := n.creds.Credential(teamID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return derrors.Wrap(err, derrors.CodeUnauthorized, "no workspace credential")
		}
		return derrors.Wrap(err, derrors.CodeInternal, "resolve workspace credential")
	}

	bo := &backoff.Backoff{Min: n.delay, Max: n.delay}
	for attempt := 1; ; attempt++ {
		err = n.client.PostMessage(ctx, token, target, text)
		if err == nil {
			return nil
		}

		if IsRevoked(err) {
			n.logger.Warn("workspace credential revoked", "team", teamID)
			if n.onRevoked != nil {
				n.onRevoked(teamID)
			}
			return derrors.Wrap(err, derrors.CodeUnauthorized, "workspace credential revoked")
		}
		if !IsTransient(err) {
			return derrors.Wrap(err, derrors.CodeInternal, "permanent notification failure")
		}
		if attempt == n.attempts {
			return derrors.Wrap(err, derrors.CodeUnavailable, "notification delivery exhausted retries")
		}

		n.logger.Warn("notification attempt failed",
			"team", teamID, "target", target, "attempt", attempt, "error", err)
		select {
		case <-time.After(bo.Duration()):
		case <-ctx.Done():
			return derrors.Wrap(ctx.Err(), derrors.CodeUnavailable, "notification canceled")
		}
	}
}
