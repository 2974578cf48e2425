// Package registry indexes active subscriptions in memory.
//
// The registry is a cache over the authorization store: rebuilt from it on
// process start, and the sole subscription writer, so its mutex serializes
// every subscription mutation (a simultaneous unsubscribe and
// revocation-cascade on the same key must not corrupt the persisted
// document). Within a team the index preserves insertion order for listing.
package registry

import (
	"errors"
	"sync"

	"lumenrelay/internal/authz/models"
	derrors "lumenrelay/pkg/domain-errors"
	"lumenrelay/pkg/platform/sentinel"
)

var (
	// ErrAlreadySubscribed is returned when the (account, channel) key is
	// already taken within the workspace.
	ErrAlreadySubscribed = derrors.New(derrors.CodeConflict, "channel already subscribed to this account")
	// ErrNotSubscribed is returned when no such subscription exists.
	ErrNotSubscribed = derrors.New(derrors.CodeNotFound, "not subscribed to this account in this channel")
	// ErrNotAuthorized is returned when the workspace never installed the
	// integration (or its credential was revoked).
	ErrNotAuthorized = derrors.New(derrors.CodeUnauthorized, "no authorization for this workspace")
)

// Store is the durable side of the registry.
type Store interface {
	PutSubscription(sub *models.Subscription) error
	DeleteSubscription(teamID, key string) error
	AdvanceCursor(teamID, key, cursor string) (string, error)
	Revoke(teamID string) error
	Authorized(teamID string) bool
	All() []*models.Subscription
}

type teamIndex struct {
	subs  map[string]*models.Subscription
	order []string
}

// Registry is the in-memory subscription index.
type Registry struct {
	store Store

	mu    sync.Mutex
	teams map[string]*teamIndex
}

// New constructs an empty registry over the given store. Call Rebuild after
// the store has loaded.
func New(store Store) *Registry {
	return &Registry{
		store: store,
		teams: make(map[string]*teamIndex),
	}
}

// Rebuild repopulates the index from the persisted document.
func (r *Registry) Rebuild() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.teams = make(map[string]*teamIndex)
	for _, sub := range r.store.All() {
		r.indexLocked(sub)
	}
}

func (r *Registry) indexLocked(sub *models.Subscription) {
	team, ok := r.teams[sub.TeamID]
	if !ok {
		team = &teamIndex{subs: make(map[string]*models.Subscription)}
		r.teams[sub.TeamID] = team
	}
	team.subs[sub.Key()] = sub
	team.order = append(team.order, sub.Key())
}

func (r *Registry) removeLocked(teamID, key string) *models.Subscription {
	team, ok := r.teams[teamID]
	if !ok {
		return nil
	}
	sub, ok := team.subs[key]
	if !ok {
		return nil
	}
	delete(team.subs, key)
	for i, k := range team.order {
		if k == key {
			team.order = append(team.order[:i], team.order[i+1:]...)
			break
		}
	}
	if len(team.subs) == 0 {
		delete(r.teams, teamID)
	}
	return sub
}

// Subscribe creates a subscription entry with no cursor and no stream handle
// and persists it. Fails with ErrAlreadySubscribed when the key is taken and
// ErrNotAuthorized when the workspace is unknown; neither mutates any state.
func (r *Registry) Subscribe(sub *models.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if team, ok := r.teams[sub.TeamID]; ok {
		if _, exists := team.subs[sub.Key()]; exists {
			return ErrAlreadySubscribed
		}
	}

	if err := r.store.PutSubscription(sub); err != nil {
		switch {
		case errors.Is(err, sentinel.ErrConflict):
			return ErrAlreadySubscribed
		case errors.Is(err, sentinel.ErrNotFound):
			return ErrNotAuthorized
		default:
			return derrors.Wrap(err, derrors.CodeInternal, "persist subscription")
		}
	}

	r.indexLocked(sub.Clone())
	return nil
}

// Unsubscribe removes a subscription and persists the removal, returning the
// removed record. Fails with ErrNotSubscribed, without a flush, when absent.
func (r *Registry) Unsubscribe(teamID, accountID, channelID string) (*models.Subscription, error) {
	return r.remove(teamID, models.SubscriptionKey(accountID, channelID))
}

// Drop is the faulted-teardown removal: same semantics as Unsubscribe but
// addressed by document key, used when the event source reports the account
// gone mid-stream.
func (r *Registry) Drop(teamID, key string) (*models.Subscription, error) {
	return r.remove(teamID, key)
}

func (r *Registry) remove(teamID, key string) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub := r.removeLocked(teamID, key)
	if sub == nil {
		return nil, ErrNotSubscribed
	}
	if err := r.store.DeleteSubscription(teamID, key); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			// Index and store disagree; the store is authoritative.
			return nil, ErrNotSubscribed
		}
		return nil, derrors.Wrap(err, derrors.CodeInternal, "persist unsubscribe")
	}
	return sub, nil
}

// AdvanceCursor records a delivered event's token for an active
// subscription. A subscription removed since the event was read returns
// ErrNotSubscribed so the caller can discard the in-flight advance.
func (r *Registry) AdvanceCursor(teamID, key, cursor string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	team, ok := r.teams[teamID]
	if !ok || team.subs[key] == nil {
		return ErrNotSubscribed
	}
	applied, err := r.store.AdvanceCursor(teamID, key, cursor)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return ErrNotSubscribed
		}
		return derrors.Wrap(err, derrors.CodeInternal, "persist cursor")
	}
	team.subs[key].Cursor = applied
	return nil
}

// RevokeTeam removes a workspace's authorization with all its subscriptions
// and returns the removed subscriptions so the caller can stop their streams.
func (r *Registry) RevokeTeam(teamID string) ([]*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []*models.Subscription
	if team, ok := r.teams[teamID]; ok {
		for _, key := range team.order {
			removed = append(removed, team.subs[key])
		}
		delete(r.teams, teamID)
	}
	if err := r.store.Revoke(teamID); err != nil {
		return removed, derrors.Wrap(err, derrors.CodeInternal, "persist revocation")
	}
	return removed, nil
}

// List returns a workspace's subscriptions in insertion order.
func (r *Registry) List(teamID string) []*models.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	team, ok := r.teams[teamID]
	if !ok {
		return nil
	}
	subs := make([]*models.Subscription, 0, len(team.order))
	for _, key := range team.order {
		subs = append(subs, team.subs[key].Clone())
	}
	return subs
}

// ListAll returns every indexed subscription, for startup resume.
func (r *Registry) ListAll() []*models.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	var subs []*models.Subscription
	for _, team := range r.teams {
		for _, key := range team.order {
			subs = append(subs, team.subs[key].Clone())
		}
	}
	return subs
}

// Authorized reports whether the workspace has a stored authorization.
func (r *Registry) Authorized(teamID string) bool {
	return r.store.Authorized(teamID)
}
