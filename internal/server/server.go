package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"agent-relay/internal/config"
)

const drainTimeout = 10 * time.Second

// Server wraps the hub's listener: TLS selection from config and graceful
// drain on shutdown.
type Server struct {
	cfg  config.Config
	http *http.Server
}

func New(cfg config.Config, handler http.Handler) *Server {
	return &Server{
		cfg: cfg,
		http: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
// Serves TLS when both a certificate and key are configured.
func (s *Server) ListenAndServe() error {
	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		return s.http.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Run serves until ctx is cancelled, then drains in-flight requests under a
// bounded shutdown deadline.
func Run(ctx context.Context, cfg config.Config, handler http.Handler) error {
	s := New(cfg, handler)

	errCh := make(chan error, 1)
	go func() { errCh <- s.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := s.Shutdown(drainCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
