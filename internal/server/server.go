// Package server exposes the relay's health and metrics over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"chatrelay/internal/domain"
	"chatrelay/internal/metrics"
)

// StateSource reports the current connection state.
type StateSource interface {
	State() domain.ConnectionState
}

type Config struct {
	Host    string
	Port    int
	State   StateSource
	Metrics *metrics.MetricsCollector
	Logger  zerolog.Logger
}

type Server struct {
	addr    string
	state   StateSource
	metrics *metrics.MetricsCollector
	logger  zerolog.Logger
}

func New(cfg Config) *Server {
	return &Server{
		addr:    net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		state:   cfg.State,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.With().Str("component", "server").Logger(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.HandleFunc("GET /metrics", s.metrics.Handler())
	}
	return mux
}

// handleHealth answers 200 only while the session is open.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state := s.state.State()
	w.Header().Set("Content-Type", "application/json")
	if state != domain.StateOpen {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"state": state.String()})
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("status server started")

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown status server: %w", err)
	}
	<-errc
	return nil
}
