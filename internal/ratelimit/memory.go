package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a sliding-window counter held in process memory. It is the
// default when no Redis is configured; counts reset on restart.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	timestamps []time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*window)}
}

// Allow admits the request if fewer than limit requests were seen for the key
// within the window.
func (s *MemoryStore) Allow(ctx context.Context, key string, limit int, dur time.Duration) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	w := s.windows[key]
	if w == nil {
		w = &window{}
		s.windows[key] = w
	}
	w.expire(now.Add(-dur))

	if len(w.timestamps) >= limit {
		return Result{
			Allowed: false,
			ResetAt: w.timestamps[0].Add(dur),
		}, nil
	}

	w.timestamps = append(w.timestamps, now)
	return Result{
		Allowed:   true,
		Remaining: limit - len(w.timestamps),
		ResetAt:   w.timestamps[0].Add(dur),
	}, nil
}

func (w *window) expire(cutoff time.Time) {
	i := 0
	for ; i < len(w.timestamps); i++ {
		if w.timestamps[i].After(cutoff) {
			break
		}
	}
	w.timestamps = w.timestamps[i:]
}
