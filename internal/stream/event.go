// Package stream runs one live event-stream worker per active subscription.
//
// The supervisor owns every open stream handle; subscriptions themselves stay
// serializable data. Collaborator contracts (event source, notification sink)
// are defined here, on the consumer side, and implemented by the horizon and
// slack packages.
package stream

import (
	"context"
	"time"

	"lumenrelay/internal/authz/models"
)

// Event record types the filter cares about.
const (
	TypePayment = "payment"

	// AssetNative marks the network's native currency.
	AssetNative = "native"

	// CursorNow opens a stream at the present moment, skipping all history.
	CursorNow = "now"
)

// Event is a decoded ledger event delivered by the source. Read-only; only
// the cursor it advances survives processing.
type Event struct {
	Type        string
	CreatedAt   time.Time
	Cursor      string
	From        string
	To          string
	Amount      string
	AssetType   string
	AssetCode   string
	AssetIssuer string
}

// Source is the external event feed.
type Source interface {
	// AccountExists probes the account; an unknown account yields an error
	// wrapping sentinel.ErrNotFound.
	AccountExists(ctx context.Context, accountID string) error

	// Open starts a stream of the account's events from the given cursor
	// (a previously saved token, or CursorNow).
	Open(ctx context.Context, accountID, cursor string) (Stream, error)
}

// Stream is one live connection to the source.
type Stream interface {
	// Events yields records in delivery order. The channel closes when the
	// stream ends for any reason.
	Events() <-chan Event

	// Err reports why the stream ended, once Events has closed. A terminal
	// account-not-found wraps sentinel.ErrNotFound; nil means a clean close.
	Err() error

	// Close tears the connection down. Idempotent.
	Close()
}

// Sink posts notification text to the chat platform. Implementations retry
// transient failures internally; the errors they return are terminal:
// derrors.CodeUnauthorized after a credential revocation (the revocation
// cascade has already been triggered), anything else after retries were
// exhausted.
type Sink interface {
	PostToChannel(ctx context.Context, sub *models.Subscription, text string) error
	PostToUser(ctx context.Context, sub *models.Subscription, text string) error
}
