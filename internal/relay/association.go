package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/windrift-io/windrift/internal/fragment"
	"github.com/windrift-io/windrift/internal/logging"
	"github.com/windrift-io/windrift/internal/metrics"
	"github.com/windrift-io/windrift/internal/protocol"
)

// DefaultAssociationIdleTimeout evicts associations with no traffic in
// either direction for this long.
const DefaultAssociationIdleTimeout = 60 * time.Second

// ErrTableClosed is returned when an association is requested from a
// table that has shut down.
var ErrTableClosed = errors.New("association table closed")

// PacketSender carries reassembled return traffic back to the near
// side, one Packet command per fragment. streamMode selects the
// carriage the association's own traffic arrived on.
type PacketSender interface {
	SendPacket(pkt protocol.Packet, streamMode bool) error
}

// Association is one client-requested UDP session: a local socket that
// relays datagrams to arbitrary targets and accepts replies from any
// source that the socket has reached (full-cone).
type Association struct {
	ID uint16

	mu           sync.Mutex
	conn         *net.UDPConn
	lastActivity time.Time
	closed       bool

	packetID   atomic.Uint32
	streamMode atomic.Bool
}

func newAssociation(id uint16) (*Association, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("create UDP socket: %w", err)
	}
	return &Association{
		ID:           id,
		conn:         conn,
		lastActivity: time.Now(),
	}, nil
}

// nextPacketID allocates the id for the next return-path packet,
// wrapping at the uint16 boundary.
func (a *Association) nextPacketID() uint16 {
	return uint16(a.packetID.Add(1) - 1)
}

// SetStreamMode records the carriage the near side used, so replies
// take the same path.
func (a *Association) SetStreamMode(streamMode bool) {
	a.streamMode.Store(streamMode)
}

// StreamMode reports whether replies should travel over uni streams.
func (a *Association) StreamMode() bool {
	return a.streamMode.Load()
}

func (a *Association) touch() {
	a.mu.Lock()
	a.lastActivity = time.Now()
	a.mu.Unlock()
}

func (a *Association) isExpired(timeout time.Duration) bool {
	if timeout == 0 {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return time.Since(a.lastActivity) > timeout
}

// SendTo relays a reassembled payload to the target host.
func (a *Association) SendTo(target protocol.Address, payload []byte) error {
	addr, err := net.ResolveUDPAddr("udp", target.String())
	if err != nil {
		return fmt.Errorf("resolve %s: %w", target, err)
	}

	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return net.ErrClosed
	}

	if _, err := conn.WriteToUDP(payload, addr); err != nil {
		return fmt.Errorf("send to %s: %w", addr, err)
	}
	a.touch()
	return nil
}

// Close releases the socket. Idempotent.
func (a *Association) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	conn := a.conn
	a.conn = nil
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (a *Association) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// Table owns one connection's UDP associations and their socket read
// loops.
type Table struct {
	sender          PacketSender
	assembler       *fragment.Assembler
	logger          *slog.Logger
	metrics         *metrics.Metrics
	maxDatagramSize int
	idleTimeout     time.Duration

	mu     sync.Mutex
	assocs map[uint16]*Association
	closed bool

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// TableOptions tunes a Table.
type TableOptions struct {
	// MaxDatagramSize caps encoded return-path messages; larger
	// payloads are fragmented.
	MaxDatagramSize int

	// IdleTimeout evicts associations without traffic. Zero selects
	// DefaultAssociationIdleTimeout.
	IdleTimeout time.Duration
}

// NewTable creates an association table. The assembler is shared with
// the connection so Dissociate can drop half-assembled packets.
func NewTable(sender PacketSender, assembler *fragment.Assembler, logger *slog.Logger, m *metrics.Metrics, opts TableOptions) *Table {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	if opts.MaxDatagramSize <= 0 {
		opts.MaxDatagramSize = 1200
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = DefaultAssociationIdleTimeout
	}

	t := &Table{
		sender:          sender,
		assembler:       assembler,
		logger:          logger,
		metrics:         m,
		maxDatagramSize: opts.MaxDatagramSize,
		idleTimeout:     opts.IdleTimeout,
		assocs:          make(map[uint16]*Association),
		stopCh:          make(chan struct{}),
	}

	t.wg.Add(1)
	go t.cleanupLoop()

	return t
}

// GetOrCreate returns the association or allocates a fresh socket and
// read loop for it.
func (t *Table) GetOrCreate(id uint16) (*Association, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTableClosed
	}
	if assoc, ok := t.assocs[id]; ok {
		return assoc, nil
	}

	assoc, err := newAssociation(id)
	if err != nil {
		return nil, err
	}
	t.assocs[id] = assoc

	t.wg.Add(1)
	go t.readLoop(assoc)

	t.metrics.RecordAssociationCreate()
	t.logger.Debug("UDP association created",
		logging.KeyAssocID, id,
		logging.KeyLocalAddr, assoc.conn.LocalAddr().String())

	return assoc, nil
}

// Remove closes the association and drops its reassembly buffers.
// Removing an absent id is a no-op.
func (t *Table) Remove(id uint16) {
	t.mu.Lock()
	assoc, ok := t.assocs[id]
	if ok {
		delete(t.assocs, id)
	}
	t.mu.Unlock()

	if !ok {
		return
	}

	assoc.Close()
	t.assembler.DropAssociation(id)
	t.metrics.RecordAssociationRemove()
	t.logger.Debug("UDP association removed", logging.KeyAssocID, id)
}

// Len returns the number of live associations.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.assocs)
}

// Close tears down every association and stops the cleanup loop.
func (t *Table) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	assocs := make([]*Association, 0, len(t.assocs))
	for _, assoc := range t.assocs {
		assocs = append(assocs, assoc)
	}
	t.assocs = make(map[uint16]*Association)
	t.mu.Unlock()

	close(t.stopCh)
	for _, assoc := range assocs {
		assoc.Close()
		t.metrics.RecordAssociationRemove()
	}
	t.wg.Wait()
}

// readLoop pumps return traffic from the association's socket toward
// the near side, fragmenting payloads that exceed the datagram budget.
func (t *Table) readLoop(assoc *Association) {
	defer t.wg.Done()

	buf := make([]byte, 65535)

	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		assoc.mu.Lock()
		conn := assoc.conn
		assoc.mu.Unlock()
		if conn == nil {
			return
		}

		// Deadline keeps the loop responsive to shutdown.
		conn.SetReadDeadline(time.Now().Add(1 * time.Second))

		n, remoteAddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if assoc.isClosed() {
				return
			}
			continue
		}

		assoc.touch()

		payload := make([]byte, n)
		copy(payload, buf[:n])

		if err := t.sendToNearSide(assoc, remoteAddr, payload); err != nil {
			t.logger.Debug("return packet dropped",
				logging.KeyAssocID, assoc.ID,
				logging.KeyError, err)
		}
	}
}

func (t *Table) sendToNearSide(assoc *Association, from *net.UDPAddr, payload []byte) error {
	frags, err := fragment.Split(assoc.ID, assoc.nextPacketID(),
		protocol.AddrFromUDP(from), payload, t.maxDatagramSize)
	if err != nil {
		t.metrics.RecordPacketDropped("fragment_limit")
		return err
	}

	streamMode := assoc.StreamMode()
	for _, frag := range frags {
		if err := t.sender.SendPacket(frag, streamMode); err != nil {
			t.metrics.RecordPacketDropped("send_failed")
			return err
		}
	}
	t.metrics.RecordPacketRelayed("rx", len(payload))
	return nil
}

func (t *Table) cleanupLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.cleanupExpired()
		}
	}
}

func (t *Table) cleanupExpired() {
	t.mu.Lock()
	var expired []uint16
	for id, assoc := range t.assocs {
		if assoc.isExpired(t.idleTimeout) {
			expired = append(expired, id)
		}
	}
	t.mu.Unlock()

	for _, id := range expired {
		t.logger.Debug("UDP association expired", logging.KeyAssocID, id)
		t.Remove(id)
	}
}
