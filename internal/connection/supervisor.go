package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"chatrelay/internal/domain"
)

const groupFetchTimeout = 30 * time.Second

// ErrAttemptsExhausted is wrapped in the error returned by Run when the
// configured number of reconnect attempts has been used up.
var ErrAttemptsExhausted = errors.New("reconnect attempts exhausted")

// Observer is notified of connection lifecycle changes. GroupsFetched is
// called from a background goroutine.
type Observer interface {
	StateChanged(state domain.ConnectionState)
	Reconnecting(reason domain.DisconnectReason, wipe bool)
	GroupsFetched(groups []domain.Group)
}

type nopObserver struct{}

func (nopObserver) StateChanged(domain.ConnectionState)        {}
func (nopObserver) Reconnecting(domain.DisconnectReason, bool) {}
func (nopObserver) GroupsFetched([]domain.Group)               {}

// Supervisor owns the current Session. It initializes the transport,
// consumes connection updates and reinitializes the session when the
// state machine asks for it.
type Supervisor struct {
	transport domain.Transport
	store     domain.SessionStore
	sink      domain.EventSink
	updates   <-chan domain.ConnectionUpdate
	observer  Observer
	logger    zerolog.Logger
	sleep     func(ctx context.Context, d time.Duration) error

	machine *Machine
	backoff *Backoff

	mu      sync.RWMutex // guards session
	session domain.Session

	generation atomic.Uint64
	state      atomic.Int32
	groups     sync.WaitGroup
}

type SupervisorConfig struct {
	Transport domain.Transport
	Store     domain.SessionStore
	// Sink receives events and updates from every session generation.
	Sink domain.EventSink
	// Updates is the channel Sink delivers connection updates on.
	Updates  <-chan domain.ConnectionUpdate
	Backoff  BackoffConfig
	Observer Observer
	Logger   zerolog.Logger
	// Sleep waits between attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	s := &Supervisor{
		transport: cfg.Transport,
		store:     cfg.Store,
		sink:      cfg.Sink,
		updates:   cfg.Updates,
		observer:  cfg.Observer,
		logger:    cfg.Logger.With().Str("component", "supervisor").Str("transport", cfg.Transport.Name()).Logger(),
		sleep:     cfg.Sleep,
		machine:   NewMachine(),
		backoff:   NewBackoff(cfg.Backoff),
	}
	s.state.Store(int32(domain.StateIdle))
	return s
}

// State returns the current connection state. Safe for concurrent use.
func (s *Supervisor) State() domain.ConnectionState {
	return domain.ConnectionState(s.state.Load())
}

// Generation returns the number of sessions initialized so far.
func (s *Supervisor) Generation() uint64 {
	return s.generation.Load()
}

// WithSession runs fn with the current session while holding the session
// read lock, so no reinitialization can happen until fn returns.
func (s *Supervisor) WithSession(fn func(domain.Session) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return domain.ErrSessionUnavailable
	}
	return fn(s.session)
}

// Run initializes the first session and supervises it until ctx is done
// (returns nil) or a close cannot be recovered from (returns a
// *domain.TransportCloseError).
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.shutdown()

	if err := s.start(ctx, false); err != nil {
		return s.stopped(ctx, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case upd, ok := <-s.updates:
			if !ok {
				return nil
			}
			if err := s.handle(ctx, upd); err != nil {
				return s.stopped(ctx, err)
			}
		}
	}
}

func (s *Supervisor) stopped(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Supervisor) handle(ctx context.Context, upd domain.ConnectionUpdate) error {
	current := s.generation.Load()
	if upd.Generation != current {
		s.logger.Debug().
			Uint64("generation", upd.Generation).
			Uint64("current", current).
			Stringer("state", upd.State).
			Msg("ignoring update from replaced session")
		return nil
	}

	decision := s.machine.Observe(upd)
	s.setState(s.machine.State())

	switch decision {
	case DecisionRefreshGroups:
		s.backoff.Reset()
		s.logger.Info().Uint64("generation", current).Msg("connection open")
		s.refreshGroups(ctx)
		return nil
	case DecisionNone:
		return nil
	case DecisionHalt:
		s.logger.Error().
			Stringer("reason", upd.Reason).
			Int("code", upd.Code).
			AnErr("cause", upd.Err).
			Msg("unrecognized disconnect reason, not reconnecting")
		return &domain.TransportCloseError{Reason: upd.Reason, Code: upd.Code, Err: upd.Err}
	}

	s.logger.Warn().
		Stringer("reason", upd.Reason).
		Int("code", upd.Code).
		Stringer("decision", decision).
		Msg("connection closed")
	return s.start(ctx, decision == DecisionWipeAndReinit)
}

// start replaces the current session with a fresh one, retrying with
// backoff until initialization succeeds or the policy gives up.
func (s *Supervisor) start(ctx context.Context, wipe bool) error {
	first := s.generation.Load() == 0
	for {
		if !first {
			delay, ok := s.backoff.Next()
			reason, code := s.machine.LastClose()
			if !ok {
				return &domain.TransportCloseError{Reason: reason, Code: code, Err: ErrAttemptsExhausted}
			}
			s.observer.Reconnecting(reason, wipe)
			if err := s.teardown(ctx, wipe); err != nil {
				s.logger.Error().Err(err).Msg("failed to wipe session material")
			}
			s.logger.Info().
				Dur("delay", delay).
				Int("attempt", s.backoff.Attempts()).
				Bool("wiped", wipe).
				Msg("reconnecting")
			if err := s.sleep(ctx, delay); err != nil {
				return err
			}
		}
		first = false

		err := s.initialize(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		reason, code := domain.ReasonConnectionLost, 0
		var tce *domain.TransportCloseError
		if errors.As(err, &tce) {
			reason, code = tce.Reason, tce.Code
		}
		s.machine.Observe(domain.ConnectionUpdate{State: domain.StateClosed, Reason: reason, Code: code, Err: err})
		s.setState(domain.StateClosed)

		decision := DecisionFor(reason)
		s.logger.Warn().Err(err).Stringer("reason", reason).Stringer("decision", decision).Msg("initialization failed")
		if decision == DecisionHalt {
			return &domain.TransportCloseError{Reason: reason, Code: code, Err: err}
		}
		wipe = decision == DecisionWipeAndReinit
	}
}

// teardown terminates the current session and, if asked, deletes the
// session material. Both run under the write lock.
func (s *Supervisor) teardown(ctx context.Context, wipe bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil {
		if err := s.session.Terminate(); err != nil {
			s.logger.Debug().Err(err).Msg("terminate failed")
		}
		s.session = nil
	}
	if wipe {
		return s.store.Wipe(ctx)
	}
	return nil
}

func (s *Supervisor) initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.machine.Reset()
	s.machine.Begin()
	s.setState(domain.StateConnecting)

	gen := s.generation.Add(1)
	sess, err := s.transport.Initialize(ctx, s.store, &stampedSink{gen: gen, sup: s})
	if err != nil {
		return fmt.Errorf("initialize %s: %w", s.transport.Name(), err)
	}
	s.session = sess
	s.logger.Info().Uint64("generation", gen).Str("self_id", sess.SelfID()).Msg("session initialized")
	return nil
}

// refreshGroups fetches group metadata once per open. Failures are only
// logged.
func (s *Supervisor) refreshGroups(ctx context.Context) {
	s.mu.RLock()
	sess := s.session
	s.mu.RUnlock()
	if sess == nil {
		return
	}

	s.groups.Add(1)
	go func() {
		defer s.groups.Done()
		fctx, cancel := context.WithTimeout(ctx, groupFetchTimeout)
		defer cancel()

		groups, err := sess.FetchGroups(fctx)
		if err != nil {
			if !errors.Is(err, domain.ErrUnsupported) {
				s.logger.Warn().Err(err).Msg("group metadata fetch failed")
			}
			return
		}
		s.logger.Info().Int("groups", len(groups)).Msg("group metadata refreshed")
		s.observer.GroupsFetched(groups)
	}()
}

func (s *Supervisor) shutdown() {
	s.mu.Lock()
	if s.session != nil {
		if err := s.session.Terminate(); err != nil {
			s.logger.Debug().Err(err).Msg("terminate on shutdown failed")
		}
		s.session = nil
	}
	s.mu.Unlock()
	s.groups.Wait()
	s.setState(domain.StateIdle)
}

func (s *Supervisor) setState(state domain.ConnectionState) {
	if domain.ConnectionState(s.state.Swap(int32(state))) != state {
		s.observer.StateChanged(state)
	}
}

// stampedSink tags updates with the generation of the session that
// produced them and drops events from replaced sessions.
type stampedSink struct {
	gen uint64
	sup *Supervisor
}

func (k *stampedSink) PublishEvent(evt domain.InboundEvent) {
	if k.sup.generation.Load() != k.gen {
		k.sup.logger.Debug().Str("event_id", evt.ID).Msg("dropping event from replaced session")
		return
	}
	k.sup.sink.PublishEvent(evt)
}

func (k *stampedSink) PublishUpdate(update domain.ConnectionUpdate) {
	update.Generation = k.gen
	k.sup.sink.PublishUpdate(update)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
