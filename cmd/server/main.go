// Command server runs the payment-notification relay: it restores persisted
// subscriptions, resumes their ledger streams and serves the Slack-facing
// HTTP endpoints.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lumenrelay/internal/authz/store"
	"lumenrelay/internal/horizon"
	"lumenrelay/internal/httpapi"
	"lumenrelay/internal/platform/config"
	"lumenrelay/internal/platform/httpserver"
	"lumenrelay/internal/platform/logger"
	platformredis "lumenrelay/internal/platform/redis"
	"lumenrelay/internal/ratelimit"
	"lumenrelay/internal/slack"
	"lumenrelay/internal/stream"
	"lumenrelay/internal/subscription/metrics"
	"lumenrelay/internal/subscription/registry"
	"lumenrelay/internal/subscription/service"
)

const shutdownTimeout = 10 * time.Second

func main() {
	log := logger.New()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	if err := run(log, cfg); err != nil {
		log.Error("relay exited", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger, cfg config.Config) error {
	fileStore := store.NewFile(cfg.StorePath, log)
	if err := fileStore.Load(); err != nil {
		return err
	}
	log.Info("authorizations loaded", "path", cfg.StorePath)

	reg := registry.New(fileStore)
	reg.Rebuild()

	m := metrics.New()
	source := horizon.New(cfg.HorizonURI, log)
	log.Info("using horizon uri", "uri", cfg.HorizonURI)

	slackClient := slack.NewClient()

	// The revocation callback closes over svc, which is built below.
	var svc *service.Service
	notifier := slack.NewNotifier(slackClient, fileStore, log,
		slack.WithRevocationHandler(func(teamID string) {
			if err := svc.Revoke(context.Background(), teamID); err != nil {
				log.Error("revocation cascade failed", "team", teamID, "error", err)
			}
		}))

	sup := stream.New(source, notifier, reg, log, stream.WithMetrics(m))
	svc = service.New(reg, sup, source, fileStore, log, service.WithMetrics(m))

	var limiter ratelimit.Store = ratelimit.NewMemoryStore()
	rdb, err := platformredis.New(cfg.RedisURL)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
		limiter = ratelimit.NewRedisStore(rdb.Client)
		log.Info("redis-backed rate limiter enabled")
	}
	throttle := ratelimit.NewMiddleware(limiter, cfg.CommandRateLimit, cfg.CommandRateWindow, log)

	oauth := slack.NewOAuth(slackClient, slack.OAuthConfig{
		ClientID:     cfg.SlackClientID,
		ClientSecret: cfg.SlackClientSecret,
		RedirectURI:  cfg.SlackRedirectURI,
	})
	state := slack.NewStateSigner([]byte(cfg.StateSigningKey))

	handler := httpapi.New(svc, oauth, state,
		cfg.SlackVerificationToken, cfg.HorizonURI, log,
		httpapi.WithThrottle(throttle.Throttle))
	server := httpserver.New(cfg.Addr, handler.Router())

	resumeCtx, cancelResume := context.WithCancel(context.Background())
	defer cancelResume()
	go func() {
		if err := svc.ResumeAll(resumeCtx); err != nil {
			log.Error("resume failed", "error", err)
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-stop:
		log.Info("shutting down", "signal", sig.String())
	case err := <-serveErr:
		runErr = err
	case err := <-sup.Fatal():
		// A worker hit a failure it must not paper over (store writes
		// failing, notifications undeliverable). Crash and let the
		// supervisor process restart us from the persisted document.
		runErr = err
	}

	cancelResume()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "error", err)
	}
	sup.StopAll()
	return runErr
}
