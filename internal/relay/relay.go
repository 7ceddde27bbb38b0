// Package relay ties the supervisor, the inbound event stream and the
// dispatcher together.
package relay

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"chatrelay/internal/classifier"
	"chatrelay/internal/domain"
)

const flushTimeout = 10 * time.Second

// Sessions owns the live session. *connection.Supervisor implements it.
type Sessions interface {
	Run(ctx context.Context) error
	WithSession(fn func(domain.Session) error) error
}

// Handler executes one classified event. *dispatch.Dispatcher implements it.
type Handler interface {
	Dispatch(ctx context.Context, sess domain.Session, intent domain.Intent, evt domain.InboundEvent) (*domain.LogRecord, error)
}

// Service is an auxiliary loop stopped together with the relay.
type Service interface {
	Run(ctx context.Context) error
}

type Observer interface {
	EventReceived(kind domain.IntentKind)
}

type nopObserver struct{}

func (nopObserver) EventReceived(domain.IntentKind) {}

// Flusher is drained once the event loop has stopped.
type Flusher interface {
	Close(ctx context.Context) error
}

type Relay struct {
	sessions Sessions
	events   <-chan domain.InboundEvent
	handler  Handler
	services []Service
	flushers []Flusher
	observer Observer
	logger   zerolog.Logger
}

type Config struct {
	Sessions Sessions
	Events   <-chan domain.InboundEvent
	Handler  Handler
	Services []Service
	Flushers []Flusher
	Observer Observer
	Logger   zerolog.Logger
}

func New(cfg Config) (*Relay, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("relay: sessions are required")
	}
	if cfg.Events == nil {
		return nil, errors.New("relay: event channel is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("relay: handler is required")
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	return &Relay{
		sessions: cfg.Sessions,
		events:   cfg.Events,
		handler:  cfg.Handler,
		services: cfg.Services,
		flushers: cfg.Flushers,
		observer: cfg.Observer,
		logger:   cfg.Logger.With().Str("component", "relay").Logger(),
	}, nil
}

// Run blocks until ctx is done, the supervisor gives up, or the event
// stream ends. Only a supervisor halt is returned as an error.
func (r *Relay) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		if err := r.sessions.Run(gctx); err != nil {
			return fmt.Errorf("supervisor: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		defer cancel()
		r.loop(gctx)
		return nil
	})
	for _, svc := range r.services {
		g.Go(func() error {
			if err := svc.Run(gctx); err != nil {
				r.logger.Error().Err(err).Msg("service stopped")
			}
			return nil
		})
	}

	err := g.Wait()
	r.flush()
	return err
}

func (r *Relay) loop(ctx context.Context) {
	r.logger.Info().Msg("event loop started")
	defer r.logger.Info().Msg("event loop stopped")
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-r.events:
			if !ok {
				return
			}
			r.handle(ctx, evt)
		}
	}
}

// handle processes evt to completion. Panics and errors stay with the event.
func (r *Relay) handle(ctx context.Context, evt domain.InboundEvent) {
	log := r.logger.With().Str("event_id", evt.ID).Str("chat_id", evt.ChatID).Logger()
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Bytes("stack", debug.Stack()).Msg("event handler panicked")
		}
	}()

	err := r.sessions.WithSession(func(sess domain.Session) error {
		intent := classifier.Classify(evt, sess.SelfID())
		r.observer.EventReceived(intent.Kind)
		_, err := r.handler.Dispatch(ctx, sess, intent, evt)
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrSessionUnavailable):
		log.Warn().Msg("no live session, event dropped")
	case ctx.Err() != nil:
		log.Debug().Err(err).Msg("event interrupted by shutdown")
	default:
		log.Error().Err(err).Msg("event handling failed")
	}
}

func (r *Relay) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	for _, f := range r.flushers {
		if err := f.Close(ctx); err != nil {
			r.logger.Error().Err(err).Msg("flush failed")
		}
	}
}
