package store

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"

	"lumenrelay/internal/authz/models"
	"lumenrelay/pkg/platform/sentinel"
)

type FileStoreSuite struct {
	suite.Suite
	dir   string
	path  string
	store *FileStore
}

func TestFileStoreSuite(t *testing.T) {
	suite.Run(t, new(FileStoreSuite))
}

func (s *FileStoreSuite) SetupTest() {
	s.dir = s.T().TempDir()
	s.path = filepath.Join(s.dir, "authorizationsStore")
	s.store = NewFile(s.path, slog.New(slog.DiscardHandler))
	s.Require().NoError(s.store.Load())
}

func (s *FileStoreSuite) newAuth(teamID string) *models.Authorization {
	return &models.Authorization{
		TeamID:      teamID,
		TeamName:    "acme",
		AccessToken: "xoxb-" + teamID,
	}
}

func (s *FileStoreSuite) newSub(teamID, accountID, channelID string) *models.Subscription {
	return &models.Subscription{
		TeamID:      teamID,
		AccountID:   accountID,
		ChannelID:   channelID,
		ChannelName: "payments",
		UserID:      "U1",
	}
}

func (s *FileStoreSuite) TestLoad() {
	s.Run("initializes empty when file is absent", func() {
		s.Empty(s.store.All())
	})

	s.Run("second load is an error", func() {
		s.Error(s.store.Load())
	})
}

func (s *FileStoreSuite) TestRoundTrip() {
	s.Require().NoError(s.store.RecordAuthorization(s.newAuth("T1")))
	sub := s.newSub("T1", "GABC", "C1")
	sub.Cursor = "42"
	s.Require().NoError(s.store.PutSubscription(sub))
	s.Require().NoError(s.store.PutSubscription(s.newSub("T1", "GDEF", "C2")))

	reloaded := NewFile(s.path, slog.New(slog.DiscardHandler))
	s.Require().NoError(reloaded.Load())

	subs := reloaded.All()
	s.Require().Len(subs, 2)
	s.Equal("T1", subs[0].TeamID)
	s.Equal("GABC", subs[0].AccountID)
	s.Equal("42", subs[0].Cursor)
	s.Equal("GDEF", subs[1].AccountID)
	s.Empty(subs[1].Cursor)

	token, err := reloaded.Credential("T1")
	s.Require().NoError(err)
	s.Equal("xoxb-T1", token)
}

func (s *FileStoreSuite) TestRecordAuthorization() {
	s.Run("flushes on first install", func() {
		s.Require().NoError(s.store.RecordAuthorization(s.newAuth("T1")))
		_, err := os.Stat(s.path)
		s.NoError(err)
	})

	s.Run("re-install keeps subscriptions and rotates the credential", func() {
		s.Require().NoError(s.store.PutSubscription(s.newSub("T1", "GABC", "C1")))

		again := s.newAuth("T1")
		again.AccessToken = "xoxb-rotated"
		s.Require().NoError(s.store.RecordAuthorization(again))

		token, err := s.store.Credential("T1")
		s.Require().NoError(err)
		s.Equal("xoxb-rotated", token)
		s.Len(s.store.All(), 1)
	})
}

func (s *FileStoreSuite) TestRevoke() {
	s.Require().NoError(s.store.RecordAuthorization(s.newAuth("T1")))
	s.Require().NoError(s.store.PutSubscription(s.newSub("T1", "GABC", "C1")))
	s.Require().NoError(s.store.PutSubscription(s.newSub("T1", "GABC", "C2")))

	s.Run("cascades to all subscriptions", func() {
		s.Require().NoError(s.store.Revoke("T1"))
		s.Empty(s.store.All())
		s.False(s.store.Authorized("T1"))
	})

	s.Run("revoking an unknown team is a no-op without a flush", func() {
		s.Require().NoError(os.Remove(s.path))
		s.Require().NoError(s.store.Revoke("T1"))
		_, err := os.Stat(s.path)
		s.ErrorIs(err, os.ErrNotExist)
	})
}

func (s *FileStoreSuite) TestPutSubscription() {
	s.Require().NoError(s.store.RecordAuthorization(s.newAuth("T1")))

	s.Run("rejects unauthorized team", func() {
		err := s.store.PutSubscription(s.newSub("T9", "GABC", "C1"))
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("rejects duplicate key without a flush", func() {
		s.Require().NoError(s.store.PutSubscription(s.newSub("T1", "GABC", "C1")))

		s.Require().NoError(os.Remove(s.path))
		err := s.store.PutSubscription(s.newSub("T1", "GABC", "C1"))
		s.ErrorIs(err, sentinel.ErrConflict)
		_, statErr := os.Stat(s.path)
		s.ErrorIs(statErr, os.ErrNotExist)
	})

	s.Run("same account in another channel is a distinct key", func() {
		s.NoError(s.store.PutSubscription(s.newSub("T1", "GABC", "C2")))
	})
}

func (s *FileStoreSuite) TestDeleteSubscription() {
	s.Require().NoError(s.store.RecordAuthorization(s.newAuth("T1")))
	s.Require().NoError(s.store.PutSubscription(s.newSub("T1", "GABC", "C1")))

	s.Run("removes an existing subscription", func() {
		s.Require().NoError(s.store.DeleteSubscription("T1", models.SubscriptionKey("GABC", "C1")))
		s.Empty(s.store.All())
	})

	s.Run("unknown key fails without a flush", func() {
		s.Require().NoError(os.Remove(s.path))
		err := s.store.DeleteSubscription("T1", models.SubscriptionKey("GABC", "C1"))
		s.ErrorIs(err, sentinel.ErrNotFound)
		_, statErr := os.Stat(s.path)
		s.ErrorIs(statErr, os.ErrNotExist)
	})
}

func (s *FileStoreSuite) TestAdvanceCursor() {
	s.Require().NoError(s.store.RecordAuthorization(s.newAuth("T1")))
	s.Require().NoError(s.store.PutSubscription(s.newSub("T1", "GABC", "C1")))
	key := models.SubscriptionKey("GABC", "C1")

	s.Run("advances forward", func() {
		applied, err := s.store.AdvanceCursor("T1", key, "5")
		s.Require().NoError(err)
		s.Equal("5", applied)
		applied, err = s.store.AdvanceCursor("T1", key, "12")
		s.Require().NoError(err)
		s.Equal("12", applied)
		s.Equal("12", s.store.All()[0].Cursor)
	})

	s.Run("never moves backward", func() {
		applied, err := s.store.AdvanceCursor("T1", key, "7")
		s.Require().NoError(err)
		s.Equal("12", applied)
		s.Equal("12", s.store.All()[0].Cursor)
	})

	s.Run("missing subscription is reported", func() {
		_, err := s.store.AdvanceCursor("T1", "nope", "99")
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *FileStoreSuite) TestFlushFailureRollsBackMutation() {
	s.Require().NoError(s.store.RecordAuthorization(s.newAuth("T1")))
	sub := s.newSub("T1", "GABC", "C1")
	s.Require().NoError(s.store.PutSubscription(sub))
	key := sub.Key()

	// A directory in the store file's place makes the atomic rename fail.
	breakFlush := func() {
		s.Require().NoError(os.Remove(s.path))
		s.Require().NoError(os.Mkdir(s.path, 0o755))
	}
	repairFlush := func() {
		s.Require().NoError(os.Remove(s.path))
		s.Require().NoError(s.store.Flush())
	}

	s.Run("put keeps the key free for a retry", func() {
		breakFlush()
		s.Error(s.store.PutSubscription(s.newSub("T1", "GDEF", "C2")))
		repairFlush()
		s.NoError(s.store.PutSubscription(s.newSub("T1", "GDEF", "C2")))
		s.Require().NoError(s.store.DeleteSubscription("T1", models.SubscriptionKey("GDEF", "C2")))
	})

	s.Run("delete keeps the entry", func() {
		breakFlush()
		s.Error(s.store.DeleteSubscription("T1", key))
		repairFlush()
		s.Len(s.store.All(), 1)
	})

	s.Run("advance keeps the cursor", func() {
		applied, err := s.store.AdvanceCursor("T1", key, "5")
		s.Require().NoError(err)
		s.Require().Equal("5", applied)
		breakFlush()
		_, err = s.store.AdvanceCursor("T1", key, "6")
		s.Error(err)
		repairFlush()
		s.Equal("5", s.store.All()[0].Cursor)
	})

	s.Run("record keeps the prior credential", func() {
		breakFlush()
		rotated := s.newAuth("T1")
		rotated.AccessToken = "xoxb-rotated"
		s.Error(s.store.RecordAuthorization(rotated))
		repairFlush()
		token, err := s.store.Credential("T1")
		s.Require().NoError(err)
		s.Equal("xoxb-T1", token)
	})

	s.Run("revoke keeps the authorization", func() {
		breakFlush()
		s.Error(s.store.Revoke("T1"))
		repairFlush()
		s.True(s.store.Authorized("T1"))
	})
}

func (s *FileStoreSuite) TestFlushLeavesNoTempFiles() {
	s.Require().NoError(s.store.RecordAuthorization(s.newAuth("T1")))

	entries, err := os.ReadDir(s.dir)
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal("authorizationsStore", entries[0].Name())
}

func TestCursorLess(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"5", "12", true},
		{"12", "5", false},
		{"12", "12", false},
		{"99", "100", true},
		{"abc", "abd", true},
		{"z", "aa", true},
	}
	for _, tc := range cases {
		if got := cursorLess(tc.a, tc.b); got != tc.want {
			t.Errorf("cursorLess(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
