package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/dispatchcore/internal/common/health"
)

// RouterOptions wires the HTTP surface
type RouterOptions struct {
	Health      *health.Checker
	Monitoring  *MonitoringHandler
	Auth        *Authenticator
	CORSOrigins []string
}

// NewRouter builds the chi router. Health and metrics are public; the
// monitoring API sits behind the authenticator.
func NewRouter(opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(Metrics)

	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	if opts.Health != nil {
		r.Get("/q/health", opts.Health.HandleHealth)
		r.Get("/q/health/live", opts.Health.HandleLive)
		r.Get("/q/health/ready", opts.Health.HandleReady)
	}

	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	if opts.Monitoring != nil {
		r.Route("/monitoring", func(r chi.Router) {
			if opts.Auth != nil {
				r.Use(opts.Auth.Middleware)
			}
			opts.Monitoring.Routes(r)
		})
	}

	return r
}

// Server is the router's HTTP server
type Server struct {
	srv *http.Server
}

// NewServer creates a server listening on port
func NewServer(port int, handler http.Handler) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
}

// Start binds the port and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.srv.Addr, err)
	}
	go func() {
		log.Info().Str("addr", s.srv.Addr).Msg("HTTP server started")
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
