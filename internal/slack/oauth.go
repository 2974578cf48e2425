package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	derrors "lumenrelay/pkg/domain-errors"
)

// authorizeURL is the browser-facing grant page; it is not part of the Web
// API root.
const authorizeURL = "https://slack.com/oauth/authorize"

// oauthScopes are the permissions the relay needs: the slash command and
// posting as the integration.
const oauthScopes = "commands,chat:write:bot"

// OAuthConfig carries the app credentials for the install flow.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// Grant is a completed workspace installation.
type Grant struct {
	AccessToken string `json:"access_token"`
	TeamID      string `json:"team_id"`
	TeamName    string `json:"team_name"`
}

// OAuth drives the workspace install flow.
type OAuth struct {
	client *Client
	cfg    OAuthConfig
}

// NewOAuth constructs the install-flow helper on top of a Web API client.
func NewOAuth(client *Client, cfg OAuthConfig) *OAuth {
	return &OAuth{client: client, cfg: cfg}
}

// AuthorizeURL builds the grant-page URL carrying the signed state.
func (o *OAuth) AuthorizeURL(state string) string {
	q := url.Values{}
	q.Set("scope", oauthScopes)
	q.Set("client_id", o.cfg.ClientID)
	q.Set("state", state)
	if o.cfg.RedirectURI != "" {
		q.Set("redirect_uri", o.cfg.RedirectURI)
	}
	return authorizeURL + "?" + q.Encode()
}

// Exchange trades the temporary code for a workspace grant via oauth.access.
func (o *OAuth) Exchange(ctx context.Context, code string) (Grant, error) {
	q := url.Values{}
	q.Set("code", code)
	q.Set("client_id", o.cfg.ClientID)
	q.Set("client_secret", o.cfg.ClientSecret)
	if o.cfg.RedirectURI != "" {
		q.Set("redirect_uri", o.cfg.RedirectURI)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		o.client.base+"/oauth.access?"+q.Encode(), nil)
	if err != nil {
		return Grant{}, fmt.Errorf("build oauth request: %w", err)
	}

	resp, err := o.client.http.Do(req)
	if err != nil {
		return Grant{}, derrors.Wrap(err, derrors.CodeUnavailable, "exchange oauth code")
	}
	defer resp.Body.Close()

	var out struct {
		apiResponse
		Grant
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Grant{}, derrors.Wrap(err, derrors.CodeUnavailable, "decode oauth response")
	}
	if !out.OK {
		return Grant{}, derrors.Wrap(&apiError{code: out.Error},
			derrors.CodeUnauthorized, "oauth code rejected")
	}
	return out.Grant, nil
}

// stateTTL bounds how long an install handshake may take.
const stateTTL = 10 * time.Minute

// StateSigner issues and verifies the opaque state token carried through the
// OAuth handshake, guarding the redirect endpoint against forged callbacks.
type StateSigner struct {
	key []byte
}

// NewStateSigner constructs a signer from the shared secret.
func NewStateSigner(key []byte) *StateSigner {
	return &StateSigner{key: key}
}

// Issue mints a short-lived signed state token.
func (s *StateSigner) Issue() (string, error) {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(stateTTL)),
	})
	signed, err := tok.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign oauth state: %w", err)
	}
	return signed, nil
}

// Verify checks the state token's signature and expiry.
func (s *StateSigner) Verify(state string) error {
	_, err := jwt.Parse(state, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.key, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return derrors.Wrap(err, derrors.CodeUnauthorized, "invalid oauth state")
	}
	return nil
}
