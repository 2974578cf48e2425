package registry

import (
	"fmt"
	"strconv"
	"testing"

	"github.com/stretchr/testify/suite"

	"lumenrelay/internal/authz/models"
	"lumenrelay/pkg/platform/sentinel"
)

// fakeStore implements Store in memory and counts persist calls so tests can
// assert which operations reached the durable layer.
type fakeStore struct {
	authorized map[string]bool
	subs       map[string]map[string]*models.Subscription
	flushes    int
}

func newFakeStore(teams ...string) *fakeStore {
	f := &fakeStore{
		authorized: make(map[string]bool),
		subs:       make(map[string]map[string]*models.Subscription),
	}
	for _, t := range teams {
		f.authorized[t] = true
		f.subs[t] = make(map[string]*models.Subscription)
	}
	return f
}

func (f *fakeStore) PutSubscription(sub *models.Subscription) error {
	if !f.authorized[sub.TeamID] {
		return fmt.Errorf("team %s: %w", sub.TeamID, sentinel.ErrNotFound)
	}
	if _, ok := f.subs[sub.TeamID][sub.Key()]; ok {
		return fmt.Errorf("key %s: %w", sub.Key(), sentinel.ErrConflict)
	}
	f.subs[sub.TeamID][sub.Key()] = sub.Clone()
	f.flushes++
	return nil
}

func (f *fakeStore) DeleteSubscription(teamID, key string) error {
	if f.subs[teamID][key] == nil {
		return fmt.Errorf("key %s: %w", key, sentinel.ErrNotFound)
	}
	delete(f.subs[teamID], key)
	f.flushes++
	return nil
}

func (f *fakeStore) AdvanceCursor(teamID, key, cursor string) (string, error) {
	sub := f.subs[teamID][key]
	if sub == nil {
		return "", fmt.Errorf("key %s: %w", key, sentinel.ErrNotFound)
	}
	if cur, _ := strconv.ParseUint(sub.Cursor, 10, 64); sub.Cursor != "" {
		if next, _ := strconv.ParseUint(cursor, 10, 64); next <= cur {
			return sub.Cursor, nil
		}
	}
	sub.Cursor = cursor
	f.flushes++
	return sub.Cursor, nil
}

func (f *fakeStore) Revoke(teamID string) error {
	delete(f.authorized, teamID)
	delete(f.subs, teamID)
	f.flushes++
	return nil
}

func (f *fakeStore) Authorized(teamID string) bool { return f.authorized[teamID] }

func (f *fakeStore) All() []*models.Subscription {
	var all []*models.Subscription
	for _, team := range f.subs {
		for _, sub := range team {
			all = append(all, sub.Clone())
		}
	}
	return all
}

type RegistrySuite struct {
	suite.Suite
	store    *fakeStore
	registry *Registry
}

func TestRegistrySuite(t *testing.T) {
	suite.Run(t, new(RegistrySuite))
}

func (s *RegistrySuite) SetupTest() {
	s.store = newFakeStore("T1")
	s.registry = New(s.store)
}

func (s *RegistrySuite) newSub(teamID, accountID, channelID string) *models.Subscription {
	return &models.Subscription{
		TeamID:      teamID,
		AccountID:   accountID,
		ChannelID:   channelID,
		ChannelName: "payments",
	}
}

func (s *RegistrySuite) TestSubscribe() {
	s.Run("creates and persists a new subscription", func() {
		s.Require().NoError(s.registry.Subscribe(s.newSub("T1", "GABC", "C1")))
		s.Equal(1, s.store.flushes)
		s.Len(s.registry.List("T1"), 1)
	})

	s.Run("duplicate key fails and leaves the store unchanged", func() {
		flushes := s.store.flushes
		err := s.registry.Subscribe(s.newSub("T1", "GABC", "C1"))
		s.Require().ErrorIs(err, ErrAlreadySubscribed)
		s.Equal(flushes, s.store.flushes)
	})

	s.Run("unknown workspace is rejected", func() {
		err := s.registry.Subscribe(s.newSub("T9", "GABC", "C1"))
		s.Require().ErrorIs(err, ErrNotAuthorized)
	})

	s.Run("same account in a second channel is allowed", func() {
		s.NoError(s.registry.Subscribe(s.newSub("T1", "GABC", "C2")))
	})
}

func (s *RegistrySuite) TestUnsubscribe() {
	s.Run("unknown triple fails without a flush", func() {
		_, err := s.registry.Unsubscribe("T1", "GABC", "C1")
		s.Require().ErrorIs(err, ErrNotSubscribed)
		s.Equal(0, s.store.flushes)
	})

	s.Run("removes and persists", func() {
		s.Require().NoError(s.registry.Subscribe(s.newSub("T1", "GABC", "C1")))

		removed, err := s.registry.Unsubscribe("T1", "GABC", "C1")
		s.Require().NoError(err)
		s.Equal("GABC", removed.AccountID)
		s.Empty(s.registry.List("T1"))
		s.Empty(s.store.subs["T1"])
	})
}

func (s *RegistrySuite) TestListOrder() {
	s.Require().NoError(s.registry.Subscribe(s.newSub("T1", "GZZZ", "C1")))
	s.Require().NoError(s.registry.Subscribe(s.newSub("T1", "GAAA", "C1")))
	s.Require().NoError(s.registry.Subscribe(s.newSub("T1", "GMMM", "C2")))

	subs := s.registry.List("T1")
	s.Require().Len(subs, 3)
	s.Equal("GZZZ", subs[0].AccountID)
	s.Equal("GAAA", subs[1].AccountID)
	s.Equal("GMMM", subs[2].AccountID)
}

func (s *RegistrySuite) TestAdvanceCursor() {
	s.Require().NoError(s.registry.Subscribe(s.newSub("T1", "GABC", "C1")))
	key := models.SubscriptionKey("GABC", "C1")

	s.Run("records the token on the active entry", func() {
		s.Require().NoError(s.registry.AdvanceCursor("T1", key, "5"))
		s.Equal("5", s.registry.List("T1")[0].Cursor)
	})

	s.Run("a stale token leaves the indexed cursor unchanged", func() {
		s.Require().NoError(s.registry.AdvanceCursor("T1", key, "9"))
		s.Require().NoError(s.registry.AdvanceCursor("T1", key, "3"))
		s.Equal("9", s.registry.List("T1")[0].Cursor)
	})

	s.Run("a removed subscription rejects in-flight advances", func() {
		_, err := s.registry.Unsubscribe("T1", "GABC", "C1")
		s.Require().NoError(err)

		err = s.registry.AdvanceCursor("T1", key, "6")
		s.Require().ErrorIs(err, ErrNotSubscribed)
	})
}

func (s *RegistrySuite) TestRevokeTeam() {
	s.Require().NoError(s.registry.Subscribe(s.newSub("T1", "GABC", "C1")))
	s.Require().NoError(s.registry.Subscribe(s.newSub("T1", "GDEF", "C2")))

	removed, err := s.registry.RevokeTeam("T1")
	s.Require().NoError(err)
	s.Len(removed, 2)
	s.Empty(s.registry.ListAll())
	s.False(s.registry.Authorized("T1"))
}

func (s *RegistrySuite) TestRebuild() {
	s.Require().NoError(s.registry.Subscribe(s.newSub("T1", "GABC", "C1")))
	s.Require().NoError(s.registry.Subscribe(s.newSub("T1", "GDEF", "C2")))

	fresh := New(s.store)
	fresh.Rebuild()
	s.Len(fresh.ListAll(), 2)
	s.Len(fresh.List("T1"), 2)
}
