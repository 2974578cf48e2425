// Package store persists workspace authorizations and their subscriptions.
//
// The whole system keeps exactly one durable artifact: a single JSON document
// mapping team IDs to authorizations. The document is held in memory and
// rewritten atomically (write-then-rename) on every mutation, so a crash can
// never leave a truncated store behind. A failed flush is returned to the
// caller and must be treated as fatal: the process must not keep running
// silently diverged from disk.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"lumenrelay/internal/authz/models"
	"lumenrelay/pkg/platform/sentinel"
)

// FileStore is the JSON-file-backed authorization store.
type FileStore struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	loaded bool
	auths  map[string]*models.Authorization
}

// NewFile constructs a store over the given document path. Call Load before
// any other operation.
func NewFile(path string, logger *slog.Logger) *FileStore {
	return &FileStore{
		path:   path,
		logger: logger,
	}
}

// Load reads the persisted document, or initializes an empty mapping if the
// file does not exist yet. Must be called exactly once, before any other
// operation.
func (s *FileStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded {
		return fmt.Errorf("authorization store loaded twice")
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("read authorization store %s: %w", s.path, err)
		}
		s.auths = make(map[string]*models.Authorization)
		s.loaded = true
		s.logger.Info("authorization store initialized empty", "path", s.path)
		return nil
	}

	auths := make(map[string]*models.Authorization)
	if err := json.Unmarshal(raw, &auths); err != nil {
		return fmt.Errorf("parse authorization store %s: %w", s.path, err)
	}

	// Rehydrate fields the document keeps implicit in its keys.
	for teamID, auth := range auths {
		auth.TeamID = teamID
		for _, sub := range auth.Subscriptions {
			sub.TeamID = teamID
		}
	}

	s.auths = auths
	s.loaded = true
	s.logger.Info("authorizations loaded", "path", s.path, "teams", len(auths))
	return nil
}

// Flush serializes the whole mapping and writes it atomically.
func (s *FileStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *FileStore) flushLocked() error {
	raw, err := json.MarshalIndent(s.auths, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal authorization store: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".authorizations-*")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp store file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace store file %s: %w", s.path, err)
	}

	s.logger.Info("authorizations flushed", "path", s.path, "teams", len(s.auths))
	return nil
}

// RecordAuthorization upserts a workspace authorization. A re-install keeps
// the team's existing subscriptions; only the credential and name change.
func (s *FileStore) RecordAuthorization(auth *models.Authorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.auths[auth.TeamID]; ok {
		prevName, prevToken := existing.TeamName, existing.AccessToken
		existing.TeamName = auth.TeamName
		existing.AccessToken = auth.AccessToken
		if err := s.flushLocked(); err != nil {
			existing.TeamName = prevName
			existing.AccessToken = prevToken
			return err
		}
		return nil
	}
	c := *auth
	if c.Subscriptions == nil {
		c.Subscriptions = make(map[string]*models.Subscription)
	}
	s.auths[auth.TeamID] = &c
	if err := s.flushLocked(); err != nil {
		delete(s.auths, auth.TeamID)
		return err
	}
	return nil
}

// Revoke removes a workspace authorization and, by cascade, all of its
// subscriptions. Revoking an unknown team is a no-op (revocation can race an
// explicit teardown) and performs no flush.
func (s *FileStore) Revoke(teamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	auth, ok := s.auths[teamID]
	if !ok {
		return nil
	}
	delete(s.auths, teamID)
	if err := s.flushLocked(); err != nil {
		s.auths[teamID] = auth
		return err
	}
	return nil
}

// Credential returns the access token for a workspace.
func (s *FileStore) Credential(teamID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	auth, ok := s.auths[teamID]
	if !ok {
		return "", fmt.Errorf("authorization for team %s: %w", teamID, sentinel.ErrNotFound)
	}
	return auth.AccessToken, nil
}

// Authorized reports whether a workspace has installed the integration.
func (s *FileStore) Authorized(teamID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.auths[teamID]
	return ok
}

// PutSubscription stores a new subscription under its team. Returns
// sentinel.ErrNotFound when the team is not authorized and
// sentinel.ErrConflict when the (account, channel) key is already taken;
// neither failure flushes.
func (s *FileStore) PutSubscription(sub *models.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	auth, ok := s.auths[sub.TeamID]
	if !ok {
		return fmt.Errorf("authorization for team %s: %w", sub.TeamID, sentinel.ErrNotFound)
	}
	if auth.Subscriptions == nil {
		auth.Subscriptions = make(map[string]*models.Subscription)
	}
	if _, exists := auth.Subscriptions[sub.Key()]; exists {
		return fmt.Errorf("subscription %s: %w", sub.Key(), sentinel.ErrConflict)
	}
	auth.Subscriptions[sub.Key()] = sub.Clone()
	if err := s.flushLocked(); err != nil {
		delete(auth.Subscriptions, sub.Key())
		return err
	}
	return nil
}

// DeleteSubscription removes a subscription. Returns sentinel.ErrNotFound,
// without flushing, when the key is absent.
func (s *FileStore) DeleteSubscription(teamID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	auth, ok := s.auths[teamID]
	if !ok || auth.Subscriptions[key] == nil {
		return fmt.Errorf("subscription %s of team %s: %w", key, teamID, sentinel.ErrNotFound)
	}
	removed := auth.Subscriptions[key]
	delete(auth.Subscriptions, key)
	if err := s.flushLocked(); err != nil {
		auth.Subscriptions[key] = removed
		return err
	}
	return nil
}

// AdvanceCursor records a delivered event's resumption token and returns the
// cursor now in effect. The stored cursor never moves backward; a stale token
// is ignored without a flush and the current cursor comes back unchanged. A
// missing subscription (closed or revoked since the event was read) returns
// sentinel.ErrNotFound.
func (s *FileStore) AdvanceCursor(teamID, key, cursor string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	auth, ok := s.auths[teamID]
	if !ok || auth.Subscriptions[key] == nil {
		return "", fmt.Errorf("subscription %s of team %s: %w", key, teamID, sentinel.ErrNotFound)
	}
	sub := auth.Subscriptions[key]
	if sub.Cursor != "" && !cursorLess(sub.Cursor, cursor) {
		return sub.Cursor, nil
	}
	prev := sub.Cursor
	sub.Cursor = cursor
	if err := s.flushLocked(); err != nil {
		sub.Cursor = prev
		return "", err
	}
	return sub.Cursor, nil
}

// All returns a copy of every persisted subscription, grouped by team and in
// stable key order within a team.
func (s *FileStore) All() []*models.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	teams := make([]string, 0, len(s.auths))
	for teamID := range s.auths {
		teams = append(teams, teamID)
	}
	sort.Strings(teams)

	var subs []*models.Subscription
	for _, teamID := range teams {
		keys := make([]string, 0, len(s.auths[teamID].Subscriptions))
		for key := range s.auths[teamID].Subscriptions {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			subs = append(subs, s.auths[teamID].Subscriptions[key].Clone())
		}
	}
	return subs
}

// cursorLess orders resumption tokens. Horizon paging tokens are decimal
// strings, so numeric comparison applies when both sides parse; otherwise
// shorter-then-lexicographic keeps numeric strings of any length ordered.
func cursorLess(a, b string) bool {
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	if errA == nil && errB == nil {
		return na < nb
	}
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
