// Package client implements the Windrift client endpoint: it
// authenticates over a QUIC connection, opens TCP relays as
// bidirectional streams and runs UDP associations over datagrams or
// unidirectional streams.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/windrift-io/windrift/internal/auth"
	"github.com/windrift-io/windrift/internal/fragment"
	"github.com/windrift-io/windrift/internal/logging"
	"github.com/windrift-io/windrift/internal/metrics"
	"github.com/windrift-io/windrift/internal/protocol"
	"github.com/windrift-io/windrift/internal/transport"
)

// UDP relay carriage modes.
const (
	ModeDatagram = "datagram"
	ModeStream   = "stream"
)

// heartbeatFailureBudget closes the connection after this many
// consecutive failed heartbeats.
const heartbeatFailureBudget = 3

// ErrClosed is returned when the client connection has shut down.
var ErrClosed = errors.New("client connection closed")

// Options configures a client connection.
type Options struct {
	// ClientID identifies this client to the server.
	ClientID uuid.UUID

	// Password is the shared secret the token derives from.
	Password string

	// Heartbeat is the idle keepalive interval. Zero disables
	// heartbeats.
	Heartbeat time.Duration

	// MaxDatagramSize caps encoded UDP relay messages; larger payloads
	// are fragmented.
	MaxDatagramSize int

	// UDPRelayMode selects how Packet commands travel: ModeDatagram
	// (unreliable, default) or ModeStream (reliable).
	UDPRelayMode string

	// ReassemblyTimeout is the fragment buffer lifetime for return
	// traffic.
	ReassemblyTimeout time.Duration
}

// Client is one authenticated connection to a relay server.
type Client struct {
	tc        transport.Conn
	logger    *slog.Logger
	metrics   *metrics.Metrics
	opts      Options
	assembler *fragment.Assembler

	assocCounter atomic.Uint32

	mu     sync.Mutex
	assocs map[uint16]*Association

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Dial connects, authenticates and starts the client's receive loops.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config, topts transport.Options, opts Options, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	tc, err := transport.Dial(ctx, addr, tlsConfig, topts)
	if err != nil {
		return nil, err
	}

	c, err := New(ctx, tc, opts, logger, m)
	if err != nil {
		tc.Close(0, "auth setup failed")
		return nil, err
	}
	return c, nil
}

// New wraps an established transport connection, sends the
// Authenticate command and starts the receive loops.
func New(ctx context.Context, tc transport.Conn, opts Options, logger *slog.Logger, m *metrics.Metrics) (*Client, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	if opts.MaxDatagramSize <= 0 {
		opts.MaxDatagramSize = 1200
	}
	if opts.UDPRelayMode == "" {
		opts.UDPRelayMode = ModeDatagram
	}

	c := &Client{
		tc:        tc,
		logger:    logger,
		metrics:   m,
		opts:      opts,
		assembler: fragment.NewAssembler(opts.ReassemblyTimeout),
		assocs:    make(map[uint16]*Association),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	if err := c.authenticate(ctx); err != nil {
		c.cancel()
		return nil, err
	}

	c.wg.Add(3)
	go c.datagramLoop()
	go c.uniStreamLoop()
	go c.sweepLoop()

	if opts.Heartbeat > 0 {
		c.wg.Add(1)
		go c.heartbeatLoop()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-c.tc.Context().Done():
			c.shutdown("transport closed")
		case <-c.ctx.Done():
		}
	}()

	return c, nil
}

// authenticate derives the session token and sends the Authenticate
// command on a fresh unidirectional stream.
func (c *Client) authenticate(ctx context.Context) error {
	token, err := auth.DeriveToken(c.tc, c.opts.ClientID, c.opts.Password)
	if err != nil {
		return fmt.Errorf("derive token: %w", err)
	}

	cmd := protocol.Authenticate{ClientID: c.opts.ClientID, Token: token}
	if err := c.sendCommand(ctx, cmd); err != nil {
		return fmt.Errorf("send authenticate: %w", err)
	}

	c.logger.Debug("authenticate sent",
		logging.KeyClientID, c.opts.ClientID.String())
	return nil
}

// sendCommand writes one command on a fresh unidirectional stream.
func (c *Client) sendCommand(ctx context.Context, cmd protocol.Command) error {
	buf, err := protocol.Encode(cmd)
	if err != nil {
		return err
	}

	ss, err := c.tc.OpenUniStream(ctx)
	if err != nil {
		return err
	}
	if _, err := ss.Write(buf); err != nil {
		ss.Close()
		return err
	}
	return ss.Close()
}

// OpenTCP asks the server to relay a TCP connection to target. The
// returned stream is the raw byte pipe; closing it ends the relay.
func (c *Client) OpenTCP(ctx context.Context, target protocol.Address) (transport.Stream, error) {
	select {
	case <-c.ctx.Done():
		return nil, ErrClosed
	default:
	}

	stream, err := c.tc.OpenStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("open relay stream: %w", err)
	}

	buf, err := protocol.Encode(protocol.Connect{Target: target})
	if err != nil {
		stream.Close()
		return nil, err
	}
	if _, err := stream.Write(buf); err != nil {
		stream.Close()
		return nil, fmt.Errorf("send connect: %w", err)
	}

	c.metrics.RecordCommand(protocol.CommandTypeName(protocol.CmdConnect))
	c.logger.Debug("TCP relay opened",
		logging.KeyStreamID, stream.StreamID(),
		logging.KeyTarget, target.String())
	return stream, nil
}

// datagramLoop receives server-to-client packets sent unreliably.
func (c *Client) datagramLoop() {
	defer c.wg.Done()

	for {
		data, err := c.tc.ReceiveDatagram(c.ctx)
		if err != nil {
			return
		}
		cmd, _, err := protocol.Decode(data)
		if err != nil {
			c.metrics.RecordCommandDropped("malformed_datagram")
			continue
		}
		c.handleCommand(cmd)
	}
}

// uniStreamLoop receives server-to-client packets sent reliably.
func (c *Client) uniStreamLoop() {
	defer c.wg.Done()

	for {
		rs, err := c.tc.AcceptUniStream(c.ctx)
		if err != nil {
			return
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for {
				cmd, err := protocol.ReadCommand(rs)
				if err != nil {
					return
				}
				c.handleCommand(cmd)
			}
		}()
	}
}

func (c *Client) handleCommand(cmd protocol.Command) {
	c.metrics.RecordCommand(protocol.CommandTypeName(cmd.CommandType()))

	switch cmd := cmd.(type) {
	case protocol.Packet:
		c.handlePacket(cmd)
	case protocol.Heartbeat:
		c.metrics.RecordHeartbeatRecv()
	default:
		// Servers send nothing else; fail silent.
		c.metrics.RecordCommandDropped("unexpected_type")
	}
}

// handlePacket reassembles return traffic and delivers it to the
// owning association.
func (c *Client) handlePacket(pkt protocol.Packet) {
	data, from, err := c.assembler.Ingest(pkt)
	if err != nil {
		c.metrics.RecordPacketDropped("bad_fragment")
		return
	}
	c.metrics.RecordFragment()
	if data == nil {
		return
	}

	c.mu.Lock()
	assoc := c.assocs[pkt.AssocID]
	c.mu.Unlock()
	if assoc == nil {
		c.metrics.RecordPacketDropped("no_association")
		return
	}

	assoc.deliver(Datagram{Payload: data, From: from})
	c.metrics.RecordPacketRelayed("rx", len(data))
}

// heartbeatLoop keeps the connection alive while idle. A few
// consecutive send failures mean the connection is gone.
func (c *Client) heartbeatLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.Heartbeat)
	defer ticker.Stop()

	buf, _ := protocol.Encode(protocol.Heartbeat{})
	failures := 0

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.tc.SendDatagram(buf); err != nil {
				failures++
				c.logger.Debug("heartbeat failed",
					logging.KeyCount, failures,
					logging.KeyError, err)
				if failures >= heartbeatFailureBudget {
					c.logger.Warn("connection lost, heartbeat budget exhausted")
					c.shutdown("heartbeat_failed")
					return
				}
				continue
			}
			failures = 0
			c.metrics.RecordHeartbeatSent()
		}
	}
}

func (c *Client) sweepLoop() {
	defer c.wg.Done()

	interval := c.opts.ReassemblyTimeout
	if interval <= 0 {
		interval = fragment.DefaultTimeout
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if n := c.assembler.Sweep(time.Now()); n > 0 {
				c.metrics.RecordReassemblyTimeouts(n)
			}
		}
	}
}

// AssociationCount returns the number of open UDP associations.
func (c *Client) AssociationCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.assocs)
}

// Done is closed when the connection shuts down.
func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Close terminates the connection and all associations.
func (c *Client) Close() error {
	c.shutdown("closed")
	c.wg.Wait()
	return nil
}

func (c *Client) shutdown(reason string) {
	c.closeOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		assocs := make([]*Association, 0, len(c.assocs))
		for _, assoc := range c.assocs {
			assocs = append(assocs, assoc)
		}
		c.assocs = make(map[uint16]*Association)
		c.mu.Unlock()

		for _, assoc := range assocs {
			assoc.markClosed()
		}

		c.tc.Close(0, reason)
		c.logger.Debug("client connection closed", "reason", reason)
	})
}

// sendPacket carries one fragment to the server using the configured
// relay mode.
func (c *Client) sendPacket(pkt protocol.Packet) error {
	buf, err := protocol.Encode(pkt)
	if err != nil {
		return err
	}

	if c.opts.UDPRelayMode == ModeStream {
		ss, err := c.tc.OpenUniStream(c.ctx)
		if err != nil {
			return err
		}
		if _, err := ss.Write(buf); err != nil {
			ss.Close()
			return err
		}
		return ss.Close()
	}
	return c.tc.SendDatagram(buf)
}

var _ io.Closer = (*Client)(nil)
