package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"pingrelay/pkg/logx"
)

type ServerConfig struct {
	Addr string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server wraps the platform API in an http.Server with a managed lifecycle.
type Server struct {
	srv *http.Server
	log logx.Logger

	errCh chan error
}

func NewServer(cfg ServerConfig, handler http.Handler, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	addr := cfg.Addr
	if addr == "" {
		addr = "127.0.0.1:8080"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 15 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	return &Server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log:   log,
		errCh: make(chan error, 1),
	}
}

// Start begins serving in the background. A listen failure after startup is
// reported on Err().
func (s *Server) Start() {
	go func() {
		s.log.Info("http api listening", logx.String("addr", s.srv.Addr))
		err := s.srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errCh <- err
		}
		close(s.errCh)
	}()
}

// Err reports a fatal serve error. The channel closes on clean shutdown.
func (s *Server) Err() <-chan error { return s.errCh }

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
