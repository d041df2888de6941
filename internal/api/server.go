// Package api exposes the HTTP surface: rate and conversion endpoints,
// health, WebSocket streaming, breaker admin hooks and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/kroma-labs/fxgate/internal/metrics"
	"github.com/kroma-labs/fxgate/internal/ws"
)

// Options wires a Server.
type Options struct {
	Addr    string
	Rates   RateService
	DB      Pinger
	Cache   Pinger
	Hub     *ws.Hub
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

// Server is the HTTP front of the service.
type Server struct {
	addr  string
	rates RateService
	db    Pinger
	cache Pinger
	hub   *ws.Hub
	log   zerolog.Logger

	httpServer *http.Server
}

// New builds the Server and its router.
func New(opts Options) *Server {
	s := &Server{
		addr:  opts.Addr,
		rates: opts.Rates,
		db:    opts.DB,
		cache: opts.Cache,
		hub:   opts.Hub,
		log:   opts.Logger.With().Str("component", "api").Logger(),
	}

	r := chi.NewRouter()
	r.Use(
		RequestID(),
		Recovery(s.log),
		RequestLogger(s.log, opts.Metrics),
	)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/convert", s.handleConvert)
		r.Get("/convert/{from}/{to}/{amount}", s.handleConvertGet)

		r.Post("/rates", s.handleRate)
		r.Get("/rates/all/{base}", s.handleAllRates)
		r.Get("/rates/{from}/{to}", s.handleRateGet)

		r.Get("/health", s.handleHealth)

		if s.hub != nil {
			r.Get("/ws/rates", s.hub.ServeHTTP)
			r.Get("/ws/stats", s.handleWSStats)
		}

		r.Post("/admin/breakers/{provider}", s.handleBreakerAdmin)
	})

	r.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("http server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.log.Info().Msg("http server shutting down")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
