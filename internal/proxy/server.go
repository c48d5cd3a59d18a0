package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Server wraps Handler in a stdlib net/http.Server, grounded on the
// teacher's internal/server/server.go -- a plain net/http listener, not a
// framework, since the Proxy's surface is a single route.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	logger     zerolog.Logger
}

// NewServer builds a Server bound to addr (use ":0" or "127.0.0.1:0" for
// an ephemeral port; call Addr() after Start to learn the chosen one).
func NewServer(addr string, handler *Handler, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/", loggingMiddleware(logger, handler))

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

func loggingMiddleware(logger zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("range", r.Header.Get("Range")).
			Dur("elapsed", time.Since(start)).
			Msg("request handled")
	})
}

// Start binds the listener and serves in the background. It returns once
// the listener is bound so Addr() is immediately valid.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("proxy: listen: %w", err)
	}
	s.listener = ln

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("proxy server stopped unexpectedly")
		}
	}()
	return nil
}

// Addr returns the address the listener is bound to, including the
// resolved ephemeral port if one was requested.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.httpServer.Addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts the server down, waiting for in-flight requests
// to complete or ctx to expire.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
