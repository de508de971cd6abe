package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/windrift-io/windrift/internal/auth"
	"github.com/windrift-io/windrift/internal/fragment"
	"github.com/windrift-io/windrift/internal/logging"
	"github.com/windrift-io/windrift/internal/metrics"
	"github.com/windrift-io/windrift/internal/protocol"
	"github.com/windrift-io/windrift/internal/transport"
)

// Application close codes sent with the final QUIC frame. Authentication
// failures use the normal code so probing clients learn nothing from it.
const (
	CloseCodeNormal   = 0x00
	CloseCodeProtocol = 0x01
)

// Default tunables for a connection.
const (
	DefaultAuthTimeout    = 3 * time.Second
	DefaultConnectTimeout = 8 * time.Second
)

// Options tunes one relay connection.
type Options struct {
	// AuthTimeout closes connections that never authenticate. Zero
	// selects DefaultAuthTimeout.
	AuthTimeout time.Duration

	// ConnectTimeout bounds TCP dials to relay targets.
	ConnectTimeout time.Duration

	// ReassemblyTimeout is the fragment buffer lifetime.
	ReassemblyTimeout time.Duration

	// MaxDatagramSize caps encoded return-path messages.
	MaxDatagramSize int

	// MaxPendingBytes bounds held command payloads while auth is
	// pending.
	MaxPendingBytes int

	// AssociationIdleTimeout evicts idle UDP associations.
	AssociationIdleTimeout time.Duration

	// Strict terminates the connection on unknown command types
	// instead of discarding them.
	Strict bool
}

// Conn serves one authenticated client connection: it accepts command
// streams, datagrams and Connect streams, and drives the TCP and UDP
// relays they request.
type Conn struct {
	tc        transport.Conn
	gate      *auth.Gate
	assembler *fragment.Assembler
	table     *Table
	logger    *slog.Logger
	metrics   *metrics.Metrics
	opts      Options

	ctx        context.Context
	cancel     context.CancelFunc
	acceptedAt time.Time

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewConn wraps an accepted transport connection. The verifier is bound
// to this connection's TLS session by the caller.
func NewConn(tc transport.Conn, verifier auth.Verifier, logger *slog.Logger, m *metrics.Metrics, opts Options) *Conn {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = DefaultAuthTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}

	c := &Conn{
		tc:         tc,
		gate:       auth.NewGate(verifier, opts.MaxPendingBytes),
		assembler:  fragment.NewAssembler(opts.ReassemblyTimeout),
		logger:     logger.With(logging.KeyRemoteAddr, tc.RemoteAddr().String()),
		metrics:    m,
		opts:       opts,
		acceptedAt: time.Now(),
	}
	c.table = NewTable(c, c.assembler, c.logger, m, TableOptions{
		MaxDatagramSize: opts.MaxDatagramSize,
		IdleTimeout:     opts.AssociationIdleTimeout,
	})
	return c
}

// Run serves the connection until it closes. It blocks.
func (c *Conn) Run(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	defer c.close(CloseCodeNormal, "done")

	c.startAuthTimer()

	c.wg.Add(3)
	go c.acceptUniLoop()
	go c.acceptBiLoop()
	go c.datagramLoop()

	c.wg.Add(1)
	go c.sweepLoop()

	select {
	case <-c.ctx.Done():
	case <-c.tc.Context().Done():
		c.cancel()
	}
	c.wg.Wait()
}

// startAuthTimer closes the connection if no Authenticate arrives in
// time. A connection that never authenticates must not be held open.
func (c *Conn) startAuthTimer() {
	timer := time.AfterFunc(c.opts.AuthTimeout, func() {
		if c.gate.State() != auth.StatePending {
			return
		}
		c.logger.Debug("authentication timeout")
		c.metrics.RecordAuthFailure("timeout")
		c.gate.Fail()
		c.close(CloseCodeNormal, "auth_timeout")
	})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-c.gate.Done():
		case <-c.ctx.Done():
		}
		timer.Stop()
	}()
}

func (c *Conn) acceptUniLoop() {
	defer c.wg.Done()

	for {
		rs, err := c.tc.AcceptUniStream(c.ctx)
		if err != nil {
			c.cancel()
			return
		}
		c.wg.Add(1)
		go c.handleUniStream(rs)
	}
}

// handleUniStream reads commands off one unidirectional stream until it
// drains. A malformed command poisons only this stream.
func (c *Conn) handleUniStream(rs transport.ReceiveStream) {
	defer c.wg.Done()

	for {
		cmd, err := protocol.ReadCommand(rs)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, protocol.ErrTruncated) {
				c.logger.Debug("command stream aborted",
					logging.KeyStreamID, rs.StreamID(),
					logging.KeyError, err)
				rs.CancelRead(CloseCodeProtocol)
			}
			return
		}
		if !c.dispatch(cmd, true) {
			return
		}
	}
}

func (c *Conn) acceptBiLoop() {
	defer c.wg.Done()

	for {
		stream, err := c.tc.AcceptStream(c.ctx)
		if err != nil {
			c.cancel()
			return
		}
		c.wg.Add(1)
		go c.handleBiStream(stream)
	}
}

// handleBiStream expects exactly one Connect command, then turns the
// stream into a TCP relay.
func (c *Conn) handleBiStream(stream transport.Stream) {
	defer c.wg.Done()

	cmd, err := protocol.ReadCommand(stream)
	if err != nil {
		stream.Close()
		return
	}
	c.metrics.RecordCommand(protocol.CommandTypeName(cmd.CommandType()))

	connect, ok := cmd.(protocol.Connect)
	if !ok {
		c.metrics.RecordCommandDropped("bad_stream_command")
		stream.Close()
		return
	}

	switch c.gate.Admit(connect) {
	case auth.Proceed:
		c.relayTCP(stream, connect.Target)
	case auth.Hold:
		c.metrics.RecordCommandHeld()
		err := c.gate.Hold(0, func() {
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.relayTCP(stream, connect.Target)
			}()
		})
		if err != nil {
			c.metrics.RecordCommandDropped("pending_overflow")
			stream.Close()
		}
	case auth.Reject:
		stream.Close()
	}
}

func (c *Conn) datagramLoop() {
	defer c.wg.Done()

	for {
		data, err := c.tc.ReceiveDatagram(c.ctx)
		if err != nil {
			c.cancel()
			return
		}

		cmd, _, err := protocol.Decode(data)
		if err != nil {
			c.metrics.RecordCommandDropped("malformed_datagram")
			continue
		}
		if !c.dispatch(cmd, false) {
			return
		}
	}
}

// dispatch routes one command. The false return means the connection is
// being torn down and the caller's loop should stop.
func (c *Conn) dispatch(cmd protocol.Command, fromStream bool) bool {
	c.metrics.RecordCommand(protocol.CommandTypeName(cmd.CommandType()))

	switch cmd := cmd.(type) {
	case protocol.Authenticate:
		return c.handleAuthenticate(cmd)

	case protocol.Packet:
		switch c.gate.Admit(cmd) {
		case auth.Proceed:
			c.handlePacket(cmd, fromStream)
		case auth.Hold:
			c.metrics.RecordCommandHeld()
			if err := c.gate.Hold(len(cmd.Payload), func() { c.handlePacket(cmd, fromStream) }); err != nil {
				c.metrics.RecordCommandDropped("pending_overflow")
			}
		case auth.Reject:
			c.metrics.RecordCommandDropped("rejected")
		}

	case protocol.Dissociate:
		switch c.gate.Admit(cmd) {
		case auth.Proceed:
			c.table.Remove(cmd.AssocID)
		case auth.Hold:
			c.metrics.RecordCommandHeld()
			if err := c.gate.Hold(0, func() { c.table.Remove(cmd.AssocID) }); err != nil {
				c.metrics.RecordCommandDropped("pending_overflow")
			}
		case auth.Reject:
			c.metrics.RecordCommandDropped("rejected")
		}

	case protocol.Heartbeat:
		// Liveness only; nothing to do.
		c.metrics.RecordHeartbeatRecv()

	case protocol.Unknown:
		if c.opts.Strict {
			c.logger.Warn("unknown command type, closing",
				logging.KeyComponent, "relay",
				"type", cmd.Tag)
			c.close(CloseCodeProtocol, "unknown_command")
			return false
		}
		c.metrics.RecordCommandDropped("unknown_type")

	case protocol.Connect:
		// Connect belongs on bidirectional streams.
		c.metrics.RecordCommandDropped("connect_on_command_channel")
	}

	return true
}

func (c *Conn) handleAuthenticate(cmd protocol.Authenticate) bool {
	if err := c.gate.Authenticate(cmd.ClientID, cmd.Token); err != nil {
		c.logger.Info("authentication failed",
			logging.KeyClientID, cmd.ClientID.String())
		c.metrics.RecordAuthFailure("bad_token")
		// Same close code as a normal shutdown: probing clients get no
		// distinguishable signal.
		c.close(CloseCodeNormal, "auth_failed")
		return false
	}

	c.logger.Info("client authenticated",
		logging.KeyClientID, cmd.ClientID.String(),
		logging.KeyDuration, time.Since(c.acceptedAt))
	c.metrics.RecordAuthSuccess(time.Since(c.acceptedAt).Seconds())
	return true
}

// handlePacket feeds one fragment to the assembler and relays the
// payload once it completes.
func (c *Conn) handlePacket(pkt protocol.Packet, fromStream bool) {
	data, target, err := c.assembler.Ingest(pkt)
	if err != nil {
		c.metrics.RecordPacketDropped("bad_fragment")
		c.logger.Debug("fragment rejected",
			logging.KeyAssocID, pkt.AssocID,
			logging.KeyPacketID, pkt.PacketID,
			logging.KeyError, err)
		return
	}
	c.metrics.RecordFragment()
	if data == nil {
		return
	}

	assoc, err := c.table.GetOrCreate(pkt.AssocID)
	if err != nil {
		c.metrics.RecordPacketDropped("no_association")
		return
	}
	assoc.SetStreamMode(fromStream)

	if err := assoc.SendTo(target, data); err != nil {
		c.metrics.RecordPacketDropped("send_failed")
		c.logger.Debug("packet relay failed",
			logging.KeyAssocID, pkt.AssocID,
			logging.KeyTarget, target.String(),
			logging.KeyError, err)
		return
	}
	c.metrics.RecordPacketRelayed("tx", len(data))
}

// relayTCP connects to the target and pumps bytes both ways until
// either side finishes. Failures stay local to this stream.
func (c *Conn) relayTCP(stream transport.Stream, target protocol.Address) {
	start := time.Now()
	dialer := net.Dialer{Timeout: c.opts.ConnectTimeout}

	raw, err := dialer.DialContext(c.ctx, "tcp", target.String())
	if err != nil {
		c.metrics.RecordTCPConnectError()
		c.logger.Debug("relay target unreachable",
			logging.KeyTarget, target.String(),
			logging.KeyError, err)
		stream.Close()
		return
	}
	defer raw.Close()

	c.metrics.RecordTCPRelayStart(time.Since(start).Seconds())
	defer c.metrics.RecordTCPRelayEnd()

	c.logger.Debug("TCP relay started",
		logging.KeyStreamID, stream.StreamID(),
		logging.KeyTarget, target.String())

	sent, received, err := pump(stream, raw)
	c.metrics.RecordTCPBytes("tx", sent)
	c.metrics.RecordTCPBytes("rx", received)

	c.logger.Debug("TCP relay finished",
		logging.KeyStreamID, stream.StreamID(),
		logging.KeyTarget, target.String(),
		logging.KeyBytes, sent+received,
		logging.KeyError, err)
}

// SendPacket carries one return-path fragment to the client, over a
// datagram or a fresh unidirectional stream depending on the mode the
// association's own traffic used.
func (c *Conn) SendPacket(pkt protocol.Packet, streamMode bool) error {
	buf, err := protocol.Encode(pkt)
	if err != nil {
		return err
	}

	if streamMode {
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

var _ PacketSender = (*Conn)(nil)

// sweepLoop drops expired reassembly buffers even when no traffic
// arrives.
func (c *Conn) sweepLoop() {
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
				c.logger.Debug("reassembly buffers expired", logging.KeyCount, n)
			}
		}
	}
}

func (c *Conn) close(code uint64, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		c.gate.Fail()
		c.table.Close()
		c.tc.Close(code, reason)
		c.metrics.RecordDisconnect(reason)
		c.logger.Debug("connection closed", "reason", reason)
	})
}
