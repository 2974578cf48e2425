// Package httpapi is the HTTP shell: the slash-command endpoint, the OAuth
// install flow and the operational endpoints.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lumenrelay/internal/authz/models"
	"lumenrelay/internal/slack"
	derrors "lumenrelay/pkg/domain-errors"
	"lumenrelay/pkg/platform/httputil"
	"lumenrelay/pkg/requestcontext"
)

// SubscriptionService is the lifecycle surface the HTTP shell drives.
type SubscriptionService interface {
	Subscribe(ctx context.Context, sub *models.Subscription) error
	Unsubscribe(ctx context.Context, teamID, accountID, channelID string) (*models.Subscription, error)
	List(ctx context.Context, teamID string) ([]*models.Subscription, error)
	RecordAuthorization(ctx context.Context, auth *models.Authorization) error
}

// Handler serves the public endpoints.
type Handler struct {
	svc          SubscriptionService
	oauth        *slack.OAuth
	state        *slack.StateSigner
	verification string
	horizonURI   string
	logger       *slog.Logger
	throttle     func(http.Handler) http.Handler
}

// Option configures a Handler.
type Option func(*Handler)

// WithThrottle installs the per-team rate limiter on the command endpoint.
func WithThrottle(throttle func(http.Handler) http.Handler) Option {
	return func(h *Handler) {
		h.throttle = throttle
	}
}

// New constructs the HTTP shell.
func New(svc SubscriptionService, oauth *slack.OAuth, state *slack.StateSigner,
	verification, horizonURI string, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		svc:          svc,
		oauth:        oauth,
		state:        state,
		verification: verification,
		horizonURI:   horizonURI,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router assembles the route tree.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(h.accessLog)

	r.Get("/", h.addToSlack)
	if h.throttle != nil {
		r.With(h.throttle).Post("/", h.command)
	} else {
		r.Post("/", h.command)
	}
	r.Get("/auth", h.authStart)
	r.Get("/auth/redirect", h.authRedirect)
	r.Get("/healthz", h.healthz)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// command dispatches one slash-command invocation.
func (h *Handler) command(w http.ResponseWriter, r *http.Request) {
	if r.FormValue("token") != h.verification {
		h.logger.Error("slash command verification token mismatch")
		httputil.WriteText(w, http.StatusForbidden, textBadVerificationToken)
		return
	}

	teamID := r.FormValue("team_id")
	ctx := requestcontext.WithTeamID(r.Context(), teamID)

	args := strings.Fields(r.FormValue("text"))
	if len(args) == 0 {
		httputil.WriteText(w, http.StatusOK, textHelp)
		return
	}

	switch args[0] {
	case "subscribe":
		if len(args) != 2 {
			httputil.WriteText(w, http.StatusOK, textCmdNotRecognized+textHelp)
			return
		}
		h.subscribe(ctx, w, r, args[1])
	case "unsubscribe":
		if len(args) != 2 {
			httputil.WriteText(w, http.StatusOK, textCmdNotRecognized+textHelp)
			return
		}
		h.unsubscribe(ctx, w, r, args[1])
	case "list":
		h.list(ctx, w, teamID)
	default:
		httputil.WriteText(w, http.StatusOK, textCmdNotRecognized+textHelp)
	}
}

func (h *Handler) subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request, accountID string) {
	sub := &models.Subscription{
		TeamID:      r.FormValue("team_id"),
		AccountID:   accountID,
		ChannelID:   r.FormValue("channel_id"),
		ChannelName: r.FormValue("channel_name"),
		UserID:      r.FormValue("user_id"),
	}

	err := h.svc.Subscribe(ctx, sub)
	switch {
	case err == nil:
		httputil.WriteText(w, http.StatusOK, textSubscribed(accountID))
	case derrors.HasCode(err, derrors.CodeUnauthorized):
		httputil.WriteText(w, http.StatusOK, textNoAuthorization)
	case derrors.HasCode(err, derrors.CodeConflict):
		httputil.WriteText(w, http.StatusOK, textAlreadySubscribed(accountID))
	case derrors.HasCode(err, derrors.CodeNotFound):
		httputil.WriteText(w, http.StatusOK, textAccountNotFound(accountID, h.horizonURI))
	default:
		h.logger.Error("subscribe failed", "account", accountID, "error", err)
		httputil.WriteText(w, http.StatusOK, textSubscribeFailed(accountID, err))
	}
}

func (h *Handler) unsubscribe(ctx context.Context, w http.ResponseWriter, r *http.Request, accountID string) {
	channelRef := fmt.Sprintf("<#%s|%s>", r.FormValue("channel_id"), r.FormValue("channel_name"))

	_, err := h.svc.Unsubscribe(ctx, r.FormValue("team_id"), accountID, r.FormValue("channel_id"))
	switch {
	case err == nil:
		httputil.WriteText(w, http.StatusOK, textUnsubscribed(accountID, channelRef))
	case derrors.HasCode(err, derrors.CodeUnauthorized):
		httputil.WriteText(w, http.StatusOK, textNoAuthorization)
	case derrors.HasCode(err, derrors.CodeNotFound):
		httputil.WriteText(w, http.StatusOK, textNotSubscribed(accountID, channelRef))
	default:
		h.logger.Error("unsubscribe failed", "account", accountID, "error", err)
		httputil.WriteError(w, err)
	}
}

func (h *Handler) list(ctx context.Context, w http.ResponseWriter, teamID string) {
	subs, err := h.svc.List(ctx, teamID)
	switch {
	case derrors.HasCode(err, derrors.CodeUnauthorized):
		httputil.WriteText(w, http.StatusOK, textNoAuthorization)
	case err != nil:
		h.logger.Error("list failed", "team", teamID, "error", err)
		httputil.WriteError(w, err)
	case len(subs) == 0:
		httputil.WriteText(w, http.StatusOK, textNoSubscriptions)
	default:
		httputil.WriteText(w, http.StatusOK, textSubscriptionList(subs))
	}
}

// addToSlack renders the install page.
func (h *Handler) addToSlack(w http.ResponseWriter, r *http.Request) {
	state, err := h.state.Issue()
	if err != nil {
		httputil.WriteError(w, derrors.Wrap(err, derrors.CodeInternal, "issue install state"))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `
    <a href="%s">
      <img
        alt="Add to Slack" height="40" width="139"
        src="https://platform.slack-edge.com/img/add_to_slack.png"
        srcset="https://platform.slack-edge.com/img/add_to_slack.png 1x,
        https://platform.slack-edge.com/img/add_to_slack@2x.png 2x" />
    </a>`, h.oauth.AuthorizeURL(state))
}

// authStart redirects straight to the grant page.
func (h *Handler) authStart(w http.ResponseWriter, r *http.Request) {
	state, err := h.state.Issue()
	if err != nil {
		httputil.WriteError(w, derrors.Wrap(err, derrors.CodeInternal, "issue install state"))
		return
	}
	http.Redirect(w, r, h.oauth.AuthorizeURL(state), http.StatusFound)
}

// authRedirect completes the install: state check, code exchange, persist,
// then send the user back to their workspace.
func (h *Handler) authRedirect(w http.ResponseWriter, r *http.Request) {
	if denied := r.URL.Query().Get("error"); denied != "" {
		httputil.WriteText(w, http.StatusOK, "Error encountered: \n"+denied)
		return
	}
	if err := h.state.Verify(r.URL.Query().Get("state")); err != nil {
		h.logger.Error("oauth state rejected", "error", err)
		httputil.WriteError(w, err)
		return
	}

	grant, err := h.oauth.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		h.logger.Error("oauth exchange failed", "error", err)
		httputil.WriteText(w, http.StatusOK, "Error encountered: \n"+err.Error())
		return
	}

	auth := &models.Authorization{
		TeamID:      grant.TeamID,
		TeamName:    grant.TeamName,
		AccessToken: grant.AccessToken,
	}
	if err := h.svc.RecordAuthorization(r.Context(), auth); err != nil {
		httputil.WriteError(w, err)
		return
	}

	http.Redirect(w, r, "https://"+grant.TeamName+".slack.com/", http.StatusMovedPermanently)
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
