// Package service orchestrates the subscription lifecycle: install
// recording, subscribe/unsubscribe, startup resume, and revocation cascades.
package service

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"lumenrelay/internal/authz/models"
	"lumenrelay/internal/stream"
	"lumenrelay/internal/subscription/metrics"
	"lumenrelay/internal/subscription/registry"
	derrors "lumenrelay/pkg/domain-errors"
	"lumenrelay/pkg/platform/sentinel"
	"lumenrelay/pkg/requestcontext"
)

// defaultResumeConcurrency bounds parallel stream opens on startup.
const defaultResumeConcurrency = 8

// Registry is the in-memory subscription index the service drives.
type Registry interface {
	Subscribe(sub *models.Subscription) error
	Unsubscribe(teamID, accountID, channelID string) (*models.Subscription, error)
	RevokeTeam(teamID string) ([]*models.Subscription, error)
	List(teamID string) []*models.Subscription
	ListAll() []*models.Subscription
	Authorized(teamID string) bool
}

// Supervisor owns the live stream workers and the process fatal channel.
type Supervisor interface {
	Start(sub *models.Subscription) error
	Stop(teamID, key string)
	StopTeam(teamID string)
	Teardown(sub *models.Subscription, cause error)
	Escalate(err error)
}

// AuthStore records workspace installations.
type AuthStore interface {
	RecordAuthorization(auth *models.Authorization) error
}

// Service wires the registry, the supervisor and the event source together.
type Service struct {
	registry Registry
	sup      Supervisor
	source   stream.Source
	auths    AuthStore
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *metrics.Metrics

	resumeConcurrency int
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics attaches lifecycle counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithResumeConcurrency overrides the startup-resume parallelism.
func WithResumeConcurrency(n int) Option {
	return func(s *Service) {
		s.resumeConcurrency = n
	}
}

// New constructs the orchestrator.
func New(reg Registry, sup Supervisor, source stream.Source, auths AuthStore, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		registry:          reg,
		sup:               sup,
		source:            source,
		auths:             auths,
		logger:            logger,
		tracer:            otel.Tracer("lumenrelay/subscription"),
		resumeConcurrency: defaultResumeConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe validates the account against the ledger, persists the
// subscription and starts its stream from the present. A failed stream open
// rolls the registration back so the command can simply be retried.
func (s *Service) Subscribe(ctx context.Context, sub *models.Subscription) error {
	ctx, span := s.tracer.Start(ctx, "subscription.subscribe", trace.WithAttributes(
		attribute.String("team.id", sub.TeamID),
		attribute.String("channel.id", sub.ChannelID),
		attribute.String("request.id", requestcontext.RequestID(ctx)),
	))
	defer span.End()

	if !s.registry.Authorized(sub.TeamID) {
		return s.fail(span, registry.ErrNotAuthorized)
	}

	if err := s.source.AccountExists(ctx, sub.AccountID); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return s.fail(span, derrors.Wrap(err, derrors.CodeNotFound, "account does not exist"))
		}
		return s.fail(span, derrors.Wrap(err, derrors.CodeUnavailable, "verify account"))
	}

	if err := s.registry.Subscribe(sub); err != nil {
		return s.fail(span, s.escalate(err))
	}

	if err := s.sup.Start(sub.Clone()); err != nil {
		if _, rbErr := s.registry.Unsubscribe(sub.TeamID, sub.AccountID, sub.ChannelID); rbErr != nil {
			s.logger.Error("subscription rollback failed",
				"team", sub.TeamID, "key", sub.Key(), "error", rbErr)
			s.escalate(rbErr)
		}
		return s.fail(span, err)
	}

	if s.metrics != nil {
		s.metrics.SubscriptionsCreated.Inc()
	}
	s.logger.Info("subscription created",
		"team", sub.TeamID, "account", sub.AccountID, "channel", sub.ChannelID)
	return nil
}

// Unsubscribe removes the subscription and stops its stream.
func (s *Service) Unsubscribe(ctx context.Context, teamID, accountID, channelID string) (*models.Subscription, error) {
	_, span := s.tracer.Start(ctx, "subscription.unsubscribe", trace.WithAttributes(
		attribute.String("team.id", teamID),
	))
	defer span.End()

	removed, err := s.registry.Unsubscribe(teamID, accountID, channelID)
	if err != nil {
		return nil, s.fail(span, s.escalate(err))
	}
	s.sup.Stop(teamID, removed.Key())

	if s.metrics != nil {
		s.metrics.SubscriptionsRemoved.Inc()
	}
	s.logger.Info("subscription removed",
		"team", teamID, "account", accountID, "channel", channelID)
	return removed, nil
}

// List returns the workspace's subscriptions in creation order.
func (s *Service) List(ctx context.Context, teamID string) ([]*models.Subscription, error) {
	_, span := s.tracer.Start(ctx, "subscription.list", trace.WithAttributes(
		attribute.String("team.id", teamID),
	))
	defer span.End()

	if !s.registry.Authorized(teamID) {
		return nil, s.fail(span, registry.ErrNotAuthorized)
	}
	return s.registry.List(teamID), nil
}

// RecordAuthorization stores a completed workspace install. Re-installing
// refreshes the credential and keeps existing subscriptions.
func (s *Service) RecordAuthorization(ctx context.Context, auth *models.Authorization) error {
	_, span := s.tracer.Start(ctx, "subscription.record_authorization", trace.WithAttributes(
		attribute.String("team.id", auth.TeamID),
	))
	defer span.End()

	if err := s.auths.RecordAuthorization(auth); err != nil {
		return s.fail(span, s.escalate(derrors.Wrap(err, derrors.CodeInternal, "record authorization")))
	}
	s.logger.Info("workspace authorized", "team", auth.TeamID, "team_name", auth.TeamName)
	return nil
}

// Revoke tears down a workspace: every stream stopped, the authorization and
// all subscriptions removed. Called when the platform reports the credential
// revoked.
func (s *Service) Revoke(ctx context.Context, teamID string) error {
	_, span := s.tracer.Start(ctx, "subscription.revoke", trace.WithAttributes(
		attribute.String("team.id", teamID),
	))
	defer span.End()

	s.sup.StopTeam(teamID)
	removed, err := s.registry.RevokeTeam(teamID)
	if err != nil {
		return s.fail(span, s.escalate(err))
	}

	if s.metrics != nil {
		s.metrics.RevocationsTotal.Inc()
	}
	s.logger.Info("workspace revoked", "team", teamID, "subscriptions", len(removed))
	return nil
}

// ResumeAll restarts a stream for every persisted subscription, each from its
// saved cursor. A subscription whose account no longer exists goes through
// the faulted teardown; a transiently unreachable ledger leaves the
// subscription in place for the next start.
func (s *Service) ResumeAll(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "subscription.resume_all")
	defer span.End()

	subs := s.registry.ListAll()
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.resumeConcurrency)

	for _, sub := range subs {
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			err := s.sup.Start(sub)
			switch {
			case err == nil:
			case derrors.HasCode(err, derrors.CodeNotFound):
				s.sup.Teardown(sub, err)
			default:
				s.logger.Warn("subscription not resumed",
					"team", sub.TeamID, "key", sub.Key(), "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return s.fail(span, err)
	}

	s.logger.Info("subscriptions resumed", "count", len(subs))
	return nil
}

// escalate forwards a failed persist to the process fatal channel. The store
// rolls the mutation back before returning, but a process that cannot flush
// must not keep answering commands against state it can no longer save.
func (s *Service) escalate(err error) error {
	if derrors.HasCode(err, derrors.CodeInternal) {
		s.sup.Escalate(err)
	}
	return err
}

func (s *Service) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
