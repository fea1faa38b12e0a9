package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"3tcapital/auditharvest/internal/infrastructure/config"
	httperrors "3tcapital/auditharvest/internal/infrastructure/http"
	"3tcapital/auditharvest/internal/infrastructure/http/middleware"
)

// HarvestRoutePrefix is where the harvest status and control routes are mounted.
const HarvestRoutePrefix = "/api/v1/harvest"

// Server is the optional status server of a harvest run.
type Server struct {
	log        *slog.Logger
	httpServer *http.Server
	cfg        config.HTTPSettings
	auth       *middleware.JWTAuthenticator
}

// Options configures the server.
type Options struct {
	Config        config.AppConfig
	Logger        *slog.Logger
	HealthHandler http.Handler
	// HarvestHandler serves the progress and stop routes; nil answers 503.
	HarvestHandler http.Handler
	// Authenticator guards the harvest routes; nil builds one from Config.Auth.
	Authenticator *middleware.JWTAuthenticator
}

// New builds the router and the underlying http.Server.
func New(opts Options) (*Server, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.HealthHandler == nil {
		return nil, errors.New("health handler is required")
	}

	auth := opts.Authenticator
	if auth == nil {
		var err error
		auth, err = middleware.NewJWTAuthenticator(opts.Config.Auth, opts.Logger)
		if err != nil {
			return nil, err
		}
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(opts.Logger))
	r.Use(chimw.Recoverer)

	r.Method(http.MethodGet, "/health", opts.HealthHandler)

	harvest := opts.HarvestHandler
	if harvest == nil {
		harvest = unavailable(opts.Logger)
	}
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)
		r.Mount(HarvestRoutePrefix, harvest)
	})

	cfg := opts.Config.HTTP
	srv := &http.Server{
		Addr:         cfg.Address(),
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return &Server{log: opts.Logger, httpServer: srv, cfg: cfg, auth: auth}, nil
}

func unavailable(log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httperrors.WriteError(w, http.StatusServiceUnavailable, "Harvest not running", nil, log)
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then shuts down within ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Status server started", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.log.Info("Status server stopped")
		return nil
	case err := <-errCh:
		return err
	}
}

// Close releases the authenticator's background refresh.
func (s *Server) Close() {
	s.auth.Close()
}
