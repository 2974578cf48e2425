// Package ratelimit throttles slash-command traffic per workspace.
package ratelimit

import (
	"context"
	"time"
)

// Result is the outcome of one admission check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Store counts requests per key within a window.
type Store interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
}
