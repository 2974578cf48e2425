package slack

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/suite"

	derrors "lumenrelay/pkg/domain-errors"
)

type OAuthSuite struct {
	suite.Suite
}

func TestOAuthSuite(t *testing.T) {
	suite.Run(t, new(OAuthSuite))
}

func (s *OAuthSuite) TestAuthorizeURL() {
	o := NewOAuth(NewClient(), OAuthConfig{
		ClientID:    "123.456",
		RedirectURI: "https://relay.example.com/auth/redirect",
	})

	u, err := url.Parse(o.AuthorizeURL("signed-state"))
	s.Require().NoError(err)
	s.Equal("slack.com", u.Host)
	s.Equal("/oauth/authorize", u.Path)
	q := u.Query()
	s.Equal("commands,chat:write:bot", q.Get("scope"))
	s.Equal("123.456", q.Get("client_id"))
	s.Equal("signed-state", q.Get("state"))
	s.Equal("https://relay.example.com/auth/redirect", q.Get("redirect_uri"))
}

func (s *OAuthSuite) TestExchange() {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.Equal("/oauth.access", r.URL.Path)
		q := r.URL.Query()
		s.Equal("the-code", q.Get("code"))
		s.Equal("123.456", q.Get("client_id"))
		s.Equal("sekrit", q.Get("client_secret"))
		w.Write([]byte(`{"ok":true,"access_token":"xoxb-granted","team_id":"T9","team_name":"acme"}`))
	}))
	defer srv.Close()

	o := NewOAuth(NewClient(WithBaseURL(srv.URL), WithHTTPClient(srv.Client())), OAuthConfig{
		ClientID:     "123.456",
		ClientSecret: "sekrit",
	})

	grant, err := o.Exchange(context.Background(), "the-code")
	s.Require().NoError(err)
	s.Equal("xoxb-granted", grant.AccessToken)
	s.Equal("T9", grant.TeamID)
	s.Equal("acme", grant.TeamName)
}

func (s *OAuthSuite) TestExchangeRejectedCode() {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false,"error":"invalid_code"}`))
	}))
	defer srv.Close()

	o := NewOAuth(NewClient(WithBaseURL(srv.URL), WithHTTPClient(srv.Client())), OAuthConfig{})
	_, err := o.Exchange(context.Background(), "bad")
	s.True(derrors.HasCode(err, derrors.CodeUnauthorized))
}

func (s *OAuthSuite) TestStateRoundTrip() {
	signer := NewStateSigner([]byte("installer-secret"))

	state, err := signer.Issue()
	s.Require().NoError(err)
	s.NoError(signer.Verify(state))
}

func (s *OAuthSuite) TestStateWrongKeyRejected() {
	state, err := NewStateSigner([]byte("key-a")).Issue()
	s.Require().NoError(err)

	err = NewStateSigner([]byte("key-b")).Verify(state)
	s.True(derrors.HasCode(err, derrors.CodeUnauthorized))
}

func (s *OAuthSuite) TestStateExpiredRejected() {
	key := []byte("installer-secret")
	past := time.Now().Add(-time.Hour)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(past),
		ExpiresAt: jwt.NewNumericDate(past.Add(time.Minute)),
	})
	state, err := tok.SignedString(key)
	s.Require().NoError(err)

	err = NewStateSigner(key).Verify(state)
	s.True(derrors.HasCode(err, derrors.CodeUnauthorized))
}

func (s *OAuthSuite) TestStateGarbageRejected() {
	err := NewStateSigner([]byte("installer-secret")).Verify("not-a-token")
	s.True(derrors.HasCode(err, derrors.CodeUnauthorized))
}
