// Package forward exposes relay targets on local ports: a TCP listener
// or UDP socket on the client machine whose traffic travels through the
// relay connection.
package forward

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/windrift-io/windrift/internal/logging"
	"github.com/windrift-io/windrift/internal/protocol"
	"github.com/windrift-io/windrift/internal/recovery"
	"github.com/windrift-io/windrift/internal/transport"
)

// StreamDialer opens relayed TCP connections. *client.Client satisfies
// it.
type StreamDialer interface {
	OpenTCP(ctx context.Context, target protocol.Address) (transport.Stream, error)
}

// TCPForwarder listens on a local TCP address and relays every accepted
// connection to one remote target.
type TCPForwarder struct {
	listen string
	target protocol.Address
	dialer StreamDialer
	logger *slog.Logger

	listener net.Listener

	mu          sync.Mutex
	connections map[net.Conn]struct{}

	connCount atomic.Int64
	running   atomic.Bool
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewTCP creates a TCP forwarder from listen to target.
func NewTCP(listen string, target protocol.Address, dialer StreamDialer, logger *slog.Logger) *TCPForwarder {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &TCPForwarder{
		listen:      listen,
		target:      target,
		dialer:      dialer,
		logger:      logger,
		connections: make(map[net.Conn]struct{}),
		stopCh:      make(chan struct{}),
	}
}

// Start begins accepting local connections.
func (f *TCPForwarder) Start() error {
	if f.running.Load() {
		return fmt.Errorf("forwarder already running")
	}

	listener, err := net.Listen("tcp", f.listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", f.listen, err)
	}
	f.listener = listener
	f.running.Store(true)

	f.wg.Add(1)
	go f.acceptLoop()

	f.logger.Info("TCP forwarder started",
		logging.KeyAddress, listener.Addr().String(),
		logging.KeyTarget, f.target.String())
	return nil
}

// Stop closes the listener and all active connections.
func (f *TCPForwarder) Stop() error {
	var err error
	f.stopOnce.Do(func() {
		f.running.Store(false)
		close(f.stopCh)

		if f.listener != nil {
			err = f.listener.Close()
		}

		f.mu.Lock()
		for conn := range f.connections {
			conn.Close()
		}
		f.mu.Unlock()

		f.logger.Info("TCP forwarder stopped",
			logging.KeyTarget, f.target.String())
	})

	f.wg.Wait()
	return err
}

// Addr returns the local listen address.
func (f *TCPForwarder) Addr() net.Addr {
	if f.listener == nil {
		return nil
	}
	return f.listener.Addr()
}

// ConnectionCount returns the number of active forwarded connections.
func (f *TCPForwarder) ConnectionCount() int64 {
	return f.connCount.Load()
}

func (f *TCPForwarder) acceptLoop() {
	defer f.wg.Done()
	defer recovery.RecoverWithLog(f.logger, "forward.TCPForwarder.acceptLoop")

	for {
		conn, err := f.listener.Accept()
		if err != nil {
			select {
			case <-f.stopCh:
				return
			default:
				f.logger.Debug("accept error", logging.KeyError, err)
				continue
			}
		}

		f.mu.Lock()
		f.connections[conn] = struct{}{}
		f.mu.Unlock()
		f.connCount.Add(1)

		f.wg.Add(1)
		go f.handleConnection(conn)
	}
}

func (f *TCPForwarder) handleConnection(conn net.Conn) {
	defer f.wg.Done()
	defer recovery.RecoverWithLog(f.logger, "forward.TCPForwarder.handleConnection")
	defer func() {
		conn.Close()
		f.mu.Lock()
		delete(f.connections, conn)
		f.mu.Unlock()
		f.connCount.Add(-1)
	}()

	remoteAddr := conn.RemoteAddr().String()
	f.logger.Debug("new forward connection",
		logging.KeyRemoteAddr, remoteAddr,
		logging.KeyTarget, f.target.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-f.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	stream, err := f.dialer.OpenTCP(ctx, f.target)
	if err != nil {
		f.logger.Debug("relay dial failed",
			logging.KeyTarget, f.target.String(),
			logging.KeyError, err)
		return
	}
	defer stream.Close()

	relay(conn, stream)

	f.logger.Debug("forward connection closed",
		logging.KeyRemoteAddr, remoteAddr)
}

// halfCloser is implemented by connections that support half-close.
type halfCloser interface {
	CloseWrite() error
}

// relay copies data bidirectionally until both directions finish.
func relay(local, remote io.ReadWriter) {
	errCh := make(chan error, 2)

	go func() {
		_, err := io.Copy(remote, local)
		if hc, ok := remote.(halfCloser); ok {
			hc.CloseWrite()
		}
		errCh <- err
	}()

	go func() {
		_, err := io.Copy(local, remote)
		if hc, ok := local.(halfCloser); ok {
			hc.CloseWrite()
		}
		errCh <- err
	}()

	<-errCh
	<-errCh
}
