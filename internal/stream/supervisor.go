package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lumenrelay/internal/authz/models"
	"lumenrelay/internal/subscription/metrics"
	"lumenrelay/internal/subscription/registry"
	derrors "lumenrelay/pkg/domain-errors"
	"lumenrelay/pkg/platform/sentinel"
)

// Index is the slice of the subscription registry the supervisor mutates.
type Index interface {
	AdvanceCursor(teamID, key, cursor string) error
	Drop(teamID, key string) (*models.Subscription, error)
}

type workerKey struct {
	teamID string
	subKey string
}

// worker is one live stream: Opening/Active until its context is canceled or
// the source ends the stream.
type worker struct {
	cancel context.CancelFunc
	stream Stream
	once   sync.Once
}

func (w *worker) close() {
	w.once.Do(func() {
		w.cancel()
		w.stream.Close()
	})
}

// Supervisor owns one stream worker per active subscription. It is the only
// entity permitted to close a stream handle.
type Supervisor struct {
	source Source
	sink   Sink
	index  Index
	logger *slog.Logger

	mu      sync.Mutex
	workers map[workerKey]*worker
	wg      sync.WaitGroup

	metrics *metrics.Metrics
	fatalc  chan error
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithMetrics attaches subscription metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

// New constructs a stream supervisor.
func New(source Source, sink Sink, index Index, logger *slog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		source:  source,
		sink:    sink,
		index:   index,
		logger:  logger,
		workers: make(map[workerKey]*worker),
		fatalc:  make(chan error, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fatal yields errors the process must not survive: a failed store flush or
// a notification that could not be delivered after all retries. main exits
// on the first one and relies on an external supervisor to restart.
func (s *Supervisor) Fatal() <-chan error {
	return s.fatalc
}

func (s *Supervisor) fatal(err error) {
	select {
	case s.fatalc <- err:
	default:
	}
}

// Escalate reports a failure the process must not survive. The lifecycle
// service routes failed store flushes here so a diverged in-memory state is
// never served past the reply that exposed it.
func (s *Supervisor) Escalate(err error) {
	s.fatal(err)
}

// Start opens the subscription's stream, beginning at the stored cursor or
// at "now" for a fresh subscription, and launches its worker. The stream
// outlives the calling request; its lifetime is bounded by Stop/StopAll. At
// most one stream may exist per subscription key.
func (s *Supervisor) Start(sub *models.Subscription) error {
	key := workerKey{teamID: sub.TeamID, subKey: sub.Key()}

	s.mu.Lock()
	if _, exists := s.workers[key]; exists {
		s.mu.Unlock()
		return derrors.New(derrors.CodeConflict, fmt.Sprintf("stream already open for %s", sub.Key()))
	}
	// Reserve the slot before the blocking open so a concurrent Start for
	// the same key fails fast instead of opening a second stream.
	s.workers[key] = nil
	s.mu.Unlock()

	cursor := sub.Cursor
	if cursor == "" {
		cursor = CursorNow
	}
	s.logger.Info("stream opening",
		"team", sub.TeamID, "account", sub.AccountID, "channel", sub.ChannelID, "cursor", cursor)

	ctx, cancel := context.WithCancel(context.Background())
	st, err := s.source.Open(ctx, sub.AccountID, cursor)
	if err != nil {
		cancel()
		s.mu.Lock()
		delete(s.workers, key)
		s.mu.Unlock()
		return derrors.Wrap(err, openCode(err), "open event stream")
	}

	w := &worker{cancel: cancel, stream: st}
	s.mu.Lock()
	if _, reserved := s.workers[key]; !reserved {
		// Stopped while the open was in flight; never went Active.
		s.mu.Unlock()
		w.close()
		return nil
	}
	s.workers[key] = w
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ActiveStreams.Inc()
	}

	openedAt := time.Now()
	s.wg.Add(1)
	go s.run(ctx, w, key, sub.Clone(), openedAt)
	return nil
}

func openCode(err error) derrors.Code {
	if errors.Is(err, sentinel.ErrNotFound) {
		return derrors.CodeNotFound
	}
	return derrors.CodeUnavailable
}

// run processes one subscription's events strictly in delivery order.
func (s *Supervisor) run(ctx context.Context, w *worker, key workerKey, sub *models.Subscription, openedAt time.Time) {
	defer s.wg.Done()
	defer s.release(w, key)

	s.logger.Info("stream active", "team", sub.TeamID, "account", sub.AccountID, "channel", sub.ChannelID)

	for ev := range w.stream.Events() {
		// A close may race an event already read off the wire; once the
		// context is canceled nothing more is posted or persisted.
		if ctx.Err() != nil {
			return
		}
		if !s.deliver(ctx, sub, ev, openedAt) {
			return
		}
	}

	if ctx.Err() != nil {
		s.logger.Info("stream closed", "team", sub.TeamID, "account", sub.AccountID, "channel", sub.ChannelID)
		return
	}

	err := w.stream.Err()
	switch {
	case err == nil:
		s.logger.Info("stream ended", "team", sub.TeamID, "account", sub.AccountID)
	case errors.Is(err, sentinel.ErrNotFound):
		// The account is no longer resolvable: Faulted.
		s.Teardown(sub, err)
	default:
		// A transient stream failure; the subscription stays persisted and
		// resumes from its cursor on the next process start.
		s.logger.Error("stream error, subscription kept for resume",
			"team", sub.TeamID, "account", sub.AccountID, "error", err)
	}
}

// deliver applies the filter/format policy to one record. Returns false when
// the worker must stop.
//
// The cursor is advanced only after the sink confirms delivery. Two workers
// posting to the same channel can interleave, so a crash between a later
// worker's advance and this one's failed post can skip this event on restart;
// that bounded at-least-once window is the intended contract.
func (s *Supervisor) deliver(ctx context.Context, sub *models.Subscription, ev Event, openedAt time.Time) bool {
	if ev.Type != TypePayment {
		return true
	}
	// The source's cursor granularity can be coarser than one event; drop
	// anything from before this stream was opened rather than trusting the
	// cursor alone.
	if ev.CreatedAt.Before(openedAt) {
		s.logger.Info("skipping replayed event",
			"account", sub.AccountID, "created_at", ev.CreatedAt, "opened_at", openedAt)
		return true
	}
	// Only payments received by the subscribed account are posted.
	if ev.To != sub.AccountID {
		return true
	}

	postStart := time.Now()
	err := s.sink.PostToChannel(ctx, sub, PaymentText(ev))
	if s.metrics != nil {
		s.metrics.ObservePost(postStart)
	}
	if err != nil {
		if derrors.HasCode(err, derrors.CodeUnauthorized) {
			// The sink already ran the revocation cascade; this worker's
			// context is canceled with the rest of the team.
			return false
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			// The worker was stopped while the post was in flight. Not a
			// delivery failure; stop quietly without advancing.
			return false
		}
		s.fatal(fmt.Errorf("deliver payment notification for %s: %w", sub.AccountID, err))
		return false
	}

	if ctx.Err() != nil {
		// Closed while posting; the entry is gone, do not advance.
		return false
	}
	if err := s.index.AdvanceCursor(sub.TeamID, sub.Key(), ev.Cursor); err != nil {
		if errors.Is(err, registry.ErrNotSubscribed) {
			return false
		}
		s.fatal(fmt.Errorf("advance cursor for %s: %w", sub.AccountID, err))
		return false
	}
	if s.metrics != nil {
		s.metrics.PaymentsRelayed.Inc()
	}
	return true
}

// Teardown removes a faulted subscription and tells the subscribing user why.
// Safe to call from the subscription's own worker.
func (s *Supervisor) Teardown(sub *models.Subscription, cause error) {
	s.logger.Error("stream faulted, removing subscription",
		"team", sub.TeamID, "account", sub.AccountID, "channel", sub.ChannelID, "error", cause)

	s.Stop(sub.TeamID, sub.Key())
	if _, err := s.index.Drop(sub.TeamID, sub.Key()); err != nil {
		if errors.Is(err, registry.ErrNotSubscribed) {
			// Lost the race against an unsubscribe or revocation; the other
			// path already notified whoever needed to know.
			return
		}
		s.fatal(fmt.Errorf("remove faulted subscription %s: %w", sub.Key(), err))
		return
	}
	if s.metrics != nil {
		s.metrics.StreamsFaulted.Inc()
		s.metrics.SubscriptionsRemoved.Inc()
	}

	// The worker's own context is canceled by the Stop above; the user
	// still has to learn their subscription is gone.
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := s.sink.PostToUser(ctx, sub, RemovalText(sub, cause)); err != nil {
		if derrors.HasCode(err, derrors.CodeUnauthorized) {
			return
		}
		s.fatal(fmt.Errorf("notify user about removed subscription %s: %w", sub.Key(), err))
	}
}

// Stop closes a subscription's stream. Idempotent; events already in flight
// cannot advance the cursor or post after this returns and the worker drains.
func (s *Supervisor) Stop(teamID, subKey string) {
	key := workerKey{teamID: teamID, subKey: subKey}

	s.mu.Lock()
	w := s.workers[key]
	delete(s.workers, key)
	s.mu.Unlock()

	if w != nil {
		w.close()
	}
}

// StopTeam closes every stream a workspace owns (revocation cascade).
func (s *Supervisor) StopTeam(teamID string) {
	s.mu.Lock()
	var closing []*worker
	for key, w := range s.workers {
		if key.teamID == teamID && w != nil {
			closing = append(closing, w)
			delete(s.workers, key)
		}
	}
	s.mu.Unlock()

	for _, w := range closing {
		w.close()
	}
}

// StopAll closes every stream and waits for the workers to drain. Used on
// process shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	var closing []*worker
	for key, w := range s.workers {
		if w != nil {
			closing = append(closing, w)
		}
		delete(s.workers, key)
	}
	s.mu.Unlock()

	for _, w := range closing {
		w.close()
	}
	s.wg.Wait()
}

// release clears a finished worker's slot, unless Stop already did.
func (s *Supervisor) release(w *worker, key workerKey) {
	s.mu.Lock()
	if s.workers[key] == w {
		delete(s.workers, key)
	}
	s.mu.Unlock()
	w.close()

	if s.metrics != nil {
		s.metrics.ActiveStreams.Dec()
	}
}
