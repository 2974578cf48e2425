// Package models defines the durable records of the authorization store.
// These shapes serialize into the persisted JSON document and must remain
// forward-readable across restarts, so they carry data only, never handles.
package models

import "fmt"

// Authorization is one workspace's installation of the integration: its
// credential plus the subscriptions it owns. Deleting the authorization
// deletes all of its subscriptions.
type Authorization struct {
	TeamID        string                   `json:"team_id"`
	TeamName      string                   `json:"team_name,omitempty"`
	AccessToken   string                   `json:"access_token"`
	Subscriptions map[string]*Subscription `json:"subscriptions,omitempty"`
}

// Subscription binds a ledger account to a channel within one workspace.
// Identity is the (accountId, channelId) pair; the document keys
// subscriptions by the two concatenated.
type Subscription struct {
	TeamID      string `json:"-"`
	AccountID   string `json:"accountId"`
	ChannelID   string `json:"channelId"`
	ChannelName string `json:"channelName"`
	// UserID is the member who created the subscription; teardown notices go
	// to them rather than the channel.
	UserID string `json:"userId,omitempty"`
	// Cursor is the last-acknowledged resumption token. Empty means the
	// stream starts at "now" and never backfills history.
	Cursor string `json:"cursor,omitempty"`
}

// SubscriptionKey builds the document key for an (account, channel) pair.
func SubscriptionKey(accountID, channelID string) string {
	return accountID + channelID
}

// Key returns the subscription's document key.
func (s *Subscription) Key() string {
	return SubscriptionKey(s.AccountID, s.ChannelID)
}

// ChannelRef renders the channel as a Slack mention, e.g. <#C123|payments>.
func (s *Subscription) ChannelRef() string {
	return fmt.Sprintf("<#%s|%s>", s.ChannelID, s.ChannelName)
}

// Clone returns an independent copy, safe to hand out of the store.
func (s *Subscription) Clone() *Subscription {
	c := *s
	return &c
}
