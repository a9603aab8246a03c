// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/edgecache/kvproxy/pkg/metrics"
	"github.com/edgecache/kvproxy/pkg/ratelimit"
	"github.com/edgecache/kvproxy/pkg/session"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// Config holds one listener's configuration.
type Config struct {
	// Address is the listen address (host:port).
	Address string

	// TLSConfig is optional TLS configuration for the listener.
	TLSConfig *tls.Config

	// ShutdownTimeout is the maximum time to wait for active connections
	// to drain during graceful shutdown. After this timeout, remaining
	// connections are forcefully closed.
	ShutdownTimeout time.Duration

	// Session is the template for every accepted connection; the server
	// fills in the per-client limiter.
	Session session.Config

	// RateLimit, when positive, caps each client host at this many
	// commands per second across all of its connections.
	RateLimit int64

	// Metrics is optional instrumentation.
	Metrics *metrics.Metrics

	// Logger for server events.
	Logger *slog.Logger
}

// Server binds one dialect to one port and runs a session per accepted
// connection.
type Server struct {
	config  Config
	limiter *ratelimit.Limiter
	wg      sync.WaitGroup
}

// New creates a listener server with the given configuration.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	s := &Server{config: cfg}
	if cfg.RateLimit > 0 {
		// Connections from the same client share one bucket, so opening
		// more connections buys no extra rate.
		s.limiter = ratelimit.NewLimiter(cfg.RateLimit, cfg.RateLimit, 0)
	}
	return s
}

// Listen starts the server and blocks until the context is cancelled.
// A bind failure is returned immediately; accept failures after a
// successful bind are logged and retried with exponential backoff.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	if s.config.TLSConfig != nil {
		listener = tls.NewListener(listener, s.config.TLSConfig)
		s.config.Logger.Info("TLS enabled", slog.String("address", s.config.Address))
	}

	s.config.Logger.Info("listener started",
		slog.String("address", s.config.Address),
		slog.String("dialect", s.config.Session.Codec.Name()))

	// Sessions get their own context so draining can outlive the accept
	// loop, then be cut off at the shutdown deadline.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()
	if s.limiter != nil {
		defer s.limiter.Close()
	}

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		var delay time.Duration
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					// Expected error during shutdown
					return
				default:
				}
				// Back off so a persistent failure such as running out
				// of file descriptors does not spin the loop.
				delay = nextAcceptDelay(delay)
				s.config.Logger.Error("failed to accept connection",
					slog.String("error", err.Error()),
					slog.Duration("retry_in", delay))
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
				continue
			}
			delay = 0

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleConn(connCtx, conn)
			}()
		}
	}()

	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener",
		slog.String("address", s.config.Address))

	if err := listener.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-acceptDone

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all connections closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing connection closure")
		connCancel()
		select {
		case <-done:
			return ErrShutdownTimeout
		case <-time.After(1 * time.Second):
			return ErrShutdownTimeout
		}
	}
}

// nextAcceptDelay doubles the accept retry delay, starting at 5ms and
// capped at one second.
func nextAcceptDelay(delay time.Duration) time.Duration {
	if delay == 0 {
		return 5 * time.Millisecond
	}
	if delay *= 2; delay > time.Second {
		return time.Second
	}
	return delay
}

// handleConn runs one session to completion.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	dialect := s.config.Session.Codec.Name()

	if s.config.Metrics != nil {
		s.config.Metrics.ObserveConnection(dialect, func() error {
			return s.serveConn(ctx, conn, dialect)
		})
		return
	}
	s.serveConn(ctx, conn, dialect)
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn, dialect string) error {
	if tlsConn, ok := conn.(*tls.Conn); ok {
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			s.config.Logger.Debug("TLS handshake failed",
				slog.String("remote", conn.RemoteAddr().String()),
				slog.String("error", err.Error()))
			conn.Close()
			return err
		}
	}

	cfg := s.config.Session
	if s.limiter != nil {
		host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
		if err != nil {
			host = conn.RemoteAddr().String()
		}
		cfg.Limiter = s.limiter.For(host)
	}

	sess := session.New(conn, cfg)
	s.config.Logger.Debug("connection established",
		slog.String("session", sess.ID()),
		slog.String("remote", conn.RemoteAddr().String()),
		slog.String("dialect", dialect))

	err := sess.Run(ctx)
	if err != nil {
		s.config.Logger.Debug("session ended with error",
			slog.String("session", sess.ID()),
			slog.String("error", err.Error()))
	}

	s.config.Logger.Debug("connection closed", slog.String("session", sess.ID()))
	return err
}
