package config

import (
	"fmt"
	"os"
	"time"
)

// Config captures everything the process reads from its environment.
type Config struct {
	Addr string

	// StorePath is the JSON document holding all authorizations and
	// subscriptions. It is the sole durable state of the whole system.
	StorePath string

	// HorizonURI is the base URL of the ledger event feed.
	HorizonURI string

	SlackClientID          string
	SlackClientSecret      string
	SlackVerificationToken string

	// SlackRedirectURI is the externally reachable OAuth callback. Optional;
	// when empty the app's default redirect configured at Slack is used.
	SlackRedirectURI string

	// StateSigningKey signs the OAuth state token on the install redirect.
	StateSigningKey string

	// RedisURL enables the redis-backed command rate limiter when set.
	RedisURL string

	CommandRateLimit  int
	CommandRateWindow time.Duration
}

// FromEnv builds a Config from environment variables so main stays lean.
// Required variables missing is an error rather than a silent default: the
// process is useless without Slack credentials or a feed to stream from.
func FromEnv() (Config, error) {
	cfg := Config{
		Addr:              ":" + envOr("PORT", "4343"),
		StorePath:         envOr("AUTHORIZATIONS_STORE", "./authorizationsStore"),
		RedisURL:          os.Getenv("REDIS_URL"),
		SlackRedirectURI:  os.Getenv("SLACK_REDIRECT_URI"),
		CommandRateLimit:  30,
		CommandRateWindow: time.Minute,
	}

	for _, req := range []struct {
		name string
		dst  *string
	}{
		{"HORIZON_URI", &cfg.HorizonURI},
		{"SLACK_CLIENT_ID", &cfg.SlackClientID},
		{"SLACK_CLIENT_SECRET", &cfg.SlackClientSecret},
		{"SLACK_VERIFICATION_TOKEN", &cfg.SlackVerificationToken},
	} {
		v := os.Getenv(req.name)
		if v == "" {
			return Config{}, fmt.Errorf("the environment variable %s is missing", req.name)
		}
		*req.dst = v
	}

	// The state key only guards the OAuth redirect against CSRF; a generated
	// deployment secret is expected but a dev fallback keeps local runs easy.
	cfg.StateSigningKey = envOr("STATE_SIGNING_KEY", "dev-state-key-change-in-production")

	return cfg, nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
