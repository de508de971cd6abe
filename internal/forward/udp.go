package forward

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/windrift-io/windrift/internal/client"
	"github.com/windrift-io/windrift/internal/logging"
	"github.com/windrift-io/windrift/internal/protocol"
	"github.com/windrift-io/windrift/internal/recovery"
)

const udpBufferSize = 65535

// PacketRelay carries UDP payloads to and from a remote target.
// *client.Association satisfies it.
type PacketRelay interface {
	Send(target protocol.Address, payload []byte) error
	Recv(ctx context.Context) (client.Datagram, error)
	Close() error
}

// UDPForwarder binds a local UDP socket and relays datagrams to one
// remote target. Replies go back to the most recent local sender.
type UDPForwarder struct {
	listen string
	target protocol.Address
	relay  PacketRelay
	logger *slog.Logger

	conn *net.UDPConn

	mu         sync.Mutex
	lastClient *net.UDPAddr

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewUDP creates a UDP forwarder from listen to target.
func NewUDP(listen string, target protocol.Address, relay PacketRelay, logger *slog.Logger) *UDPForwarder {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &UDPForwarder{
		listen: listen,
		target: target,
		relay:  relay,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Start binds the local socket and begins relaying.
func (f *UDPForwarder) Start() error {
	if f.running.Load() {
		return fmt.Errorf("forwarder already running")
	}

	addr, err := net.ResolveUDPAddr("udp", f.listen)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", f.listen, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", f.listen, err)
	}
	f.conn = conn
	f.running.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel

	f.wg.Add(2)
	go f.readLoop()
	go f.returnLoop(ctx)

	f.logger.Info("UDP forwarder started",
		logging.KeyAddress, conn.LocalAddr().String(),
		logging.KeyTarget, f.target.String())
	return nil
}

// Stop closes the socket and the relay association.
func (f *UDPForwarder) Stop() error {
	var err error
	f.stopOnce.Do(func() {
		f.running.Store(false)
		close(f.stopCh)
		if f.cancel != nil {
			f.cancel()
		}
		if f.conn != nil {
			err = f.conn.Close()
		}
		f.relay.Close()

		f.logger.Info("UDP forwarder stopped",
			logging.KeyTarget, f.target.String())
	})

	f.wg.Wait()
	return err
}

// Addr returns the local socket address.
func (f *UDPForwarder) Addr() net.Addr {
	if f.conn == nil {
		return nil
	}
	return f.conn.LocalAddr()
}

func (f *UDPForwarder) readLoop() {
	defer f.wg.Done()
	defer recovery.RecoverWithLog(f.logger, "forward.UDPForwarder.readLoop")

	buf := make([]byte, udpBufferSize)
	for {
		f.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, from, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				select {
				case <-f.stopCh:
					return
				default:
					continue
				}
			}
			select {
			case <-f.stopCh:
			default:
				f.logger.Debug("UDP read error", logging.KeyError, err)
			}
			return
		}

		f.mu.Lock()
		f.lastClient = from
		f.mu.Unlock()

		payload := make([]byte, n)
		copy(payload, buf[:n])
		if err := f.relay.Send(f.target, payload); err != nil {
			f.logger.Debug("relay send failed",
				logging.KeyTarget, f.target.String(),
				logging.KeyError, err)
		}
	}
}

func (f *UDPForwarder) returnLoop(ctx context.Context) {
	defer f.wg.Done()
	defer recovery.RecoverWithLog(f.logger, "forward.UDPForwarder.returnLoop")

	for {
		dgram, err := f.relay.Recv(ctx)
		if err != nil {
			return
		}

		f.mu.Lock()
		dest := f.lastClient
		f.mu.Unlock()
		if dest == nil {
			continue
		}

		if _, err := f.conn.WriteToUDP(dgram.Payload, dest); err != nil {
			f.logger.Debug("UDP write error",
				logging.KeyAddress, dest.String(),
				logging.KeyError, err)
		}
	}
}
