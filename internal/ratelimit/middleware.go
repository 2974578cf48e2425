package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"lumenrelay/pkg/platform/httputil"
)

// limitedText is shown ephemerally to the user when their workspace is over
// budget. Slash commands surface a 200 body, so the reply stays a 200.
const limitedText = "Easy there! Too many commands at once, please try again in a minute."

// Middleware throttles slash-command requests per workspace team.
type Middleware struct {
	store  Store
	limit  int
	window time.Duration
	logger *slog.Logger
}

// NewMiddleware builds the throttle with the given per-team budget.
func NewMiddleware(store Store, limit int, window time.Duration, logger *slog.Logger) *Middleware {
	return &Middleware{
		store:  store,
		limit:  limit,
		window: window,
		logger: logger,
	}
}

// Throttle wraps a handler with per-team admission control. Requests without
// a team, and requests the store cannot count, pass through.
func (m *Middleware) Throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		teamID := r.FormValue("team_id")
		if teamID == "" {
			next.ServeHTTP(w, r)
			return
		}

		res, err := m.store.Allow(r.Context(), "team:"+teamID, m.limit, m.window)
		if err != nil {
			m.logger.Error("rate limit check failed", "team", teamID, "error", err)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

		if !res.Allowed {
			httputil.WriteText(w, http.StatusOK, limitedText)
			return
		}
		next.ServeHTTP(w, r)
	})
}
