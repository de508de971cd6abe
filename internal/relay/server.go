// Package relay implements the server side of the Windrift protocol:
// per-connection command dispatch, the authentication gate, TCP relays
// and the UDP association engine.
package relay

import (
	"context"
	"crypto/tls"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/windrift-io/windrift/internal/auth"
	"github.com/windrift-io/windrift/internal/logging"
	"github.com/windrift-io/windrift/internal/metrics"
	"github.com/windrift-io/windrift/internal/transport"
)

// ServerOptions configures a relay server.
type ServerOptions struct {
	// Conn tunes each accepted connection.
	Conn Options

	// Transport tunes the QUIC listener.
	Transport transport.Options

	// AcceptRate caps new connections per second. Zero means no cap.
	AcceptRate int
}

// Server accepts relay connections and serves each one until it closes.
type Server struct {
	listener transport.Listener
	users    auth.Users
	logger   *slog.Logger
	metrics  *metrics.Metrics
	opts     ServerOptions
	limiter  *rate.Limiter

	running   atomic.Bool
	connCount atomic.Int64
	wg        sync.WaitGroup
}

// Stats is a point-in-time snapshot of server activity.
type Stats struct {
	ConnectionsActive int64 `json:"connections_active"`
}

// NewServer listens on addr and prepares to serve the given users.
func NewServer(addr string, tlsConfig *tls.Config, users auth.Users, logger *slog.Logger, m *metrics.Metrics, opts ServerOptions) (*Server, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}

	listener, err := transport.Listen(addr, tlsConfig, opts.Transport)
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if opts.AcceptRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.AcceptRate), opts.AcceptRate)
	}

	return &Server{
		listener: listener,
		users:    users,
		logger:   logger,
		metrics:  m,
		opts:     opts,
		limiter:  limiter,
	}, nil
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Run accepts connections until the context is cancelled or the
// listener closes. It blocks.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("relay server listening",
		logging.KeyAddress, s.Addr(),
		logging.KeyCount, len(s.users))

	s.running.Store(true)
	defer s.running.Store(false)
	defer s.wg.Wait()

	for {
		tc, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if s.limiter != nil && !s.limiter.Allow() {
			s.logger.Warn("connection rejected by accept limiter",
				logging.KeyRemoteAddr, tc.RemoteAddr().String())
			tc.Close(CloseCodeNormal, "overloaded")
			continue
		}

		s.metrics.RecordConnect()
		s.logger.Debug("connection accepted",
			logging.KeyRemoteAddr, tc.RemoteAddr().String())

		conn := NewConn(tc, s.users.Verifier(tc), s.logger, s.metrics, s.opts.Conn)
		s.wg.Add(1)
		s.connCount.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.connCount.Add(-1)
			conn.Run(ctx)
		}()
	}
}

// IsRunning reports whether the accept loop is active.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Stats returns current activity counts.
func (s *Server) Stats() Stats {
	return Stats{ConnectionsActive: s.connCount.Load()}
}

// Close stops the listener. In-flight connections keep running until
// their own lifecycles end.
func (s *Server) Close() error {
	return s.listener.Close()
}
