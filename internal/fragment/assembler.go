package fragment

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/windrift-io/windrift/internal/protocol"
)

// DefaultTimeout is how long a partial reassembly may sit before the sweep
// discards it.
const DefaultTimeout = 30 * time.Second

var (
	// ErrFragTotalMismatch is returned when a later fragment disagrees with
	// the frag_total fixed by the first fragment for its key.
	ErrFragTotalMismatch = errors.New("frag_total mismatch for in-progress packet")

	// ErrMissingAddress is returned when the first fragment of a packet
	// carries the None address.
	ErrMissingAddress = errors.New("first fragment carries no target address")
)

// bufferKey identifies one in-progress packet reassembly.
type bufferKey struct {
	AssocID  uint16
	PacketID uint16
}

// buffer holds the received slots for one packet.
type buffer struct {
	fragTotal uint8
	received  int
	slots     [][]byte
	target    protocol.Address
	createdAt time.Time
}

// Assembler reassembles fragmented Packet commands, keyed by
// (association id, packet id). It is safe for concurrent use and owned by
// exactly one connection; there is no cross-connection state.
type Assembler struct {
	mu      sync.Mutex
	buffers map[bufferKey]*buffer
	timeout time.Duration
	now     func() time.Time
}

// NewAssembler creates an assembler with the given reassembly timeout.
// A zero timeout selects DefaultTimeout.
func NewAssembler(timeout time.Duration) *Assembler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Assembler{
		buffers: make(map[bufferKey]*buffer),
		timeout: timeout,
		now:     time.Now,
	}
}

// SetClock overrides the assembler's clock. Tests use this to expire
// buffers without sleeping.
func (a *Assembler) SetClock(now func() time.Time) {
	a.mu.Lock()
	a.now = now
	a.mu.Unlock()
}

// Ingest stores one fragment. When the fragment completes its packet, the
// payload (concatenated in frag_id order) and the target address from the
// first fragment are returned and the buffer is released; a complete packet
// is delivered exactly once. An incomplete packet returns (nil, _, nil).
// Duplicate fragments overwrite silently, last write wins.
func (a *Assembler) Ingest(pkt protocol.Packet) ([]byte, protocol.Address, error) {
	if pkt.FragTotal == 0 || pkt.FragID >= pkt.FragTotal {
		return nil, protocol.Address{}, fmt.Errorf("%w: frag %d/%d",
			protocol.ErrInvalidFragment, pkt.FragID, pkt.FragTotal)
	}
	if pkt.FragID == 0 && pkt.Target.IsNone() {
		return nil, protocol.Address{}, ErrMissingAddress
	}

	// Unfragmented fast path, no buffer needed.
	if pkt.FragTotal == 1 {
		return pkt.Payload, pkt.Target, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	key := bufferKey{AssocID: pkt.AssocID, PacketID: pkt.PacketID}
	buf := a.buffers[key]
	if buf != nil && a.now().Sub(buf.createdAt) > a.timeout {
		// Expired but not yet swept; later fragments start fresh.
		delete(a.buffers, key)
		buf = nil
	}
	if buf == nil {
		buf = &buffer{
			fragTotal: pkt.FragTotal,
			slots:     make([][]byte, pkt.FragTotal),
			createdAt: a.now(),
		}
		a.buffers[key] = buf
	}

	if pkt.FragTotal != buf.fragTotal {
		delete(a.buffers, key)
		return nil, protocol.Address{}, fmt.Errorf("%w: got %d, buffer has %d",
			ErrFragTotalMismatch, pkt.FragTotal, buf.fragTotal)
	}

	if pkt.FragID == 0 {
		buf.target = pkt.Target
	}
	if buf.slots[pkt.FragID] == nil {
		buf.received++
	}
	buf.slots[pkt.FragID] = pkt.Payload

	if buf.received < int(buf.fragTotal) {
		return nil, protocol.Address{}, nil
	}

	delete(a.buffers, key)

	size := 0
	for _, s := range buf.slots {
		size += len(s)
	}
	payload := make([]byte, 0, size)
	for _, s := range buf.slots {
		payload = append(payload, s...)
	}
	return payload, buf.target, nil
}

// Sweep discards every buffer older than the reassembly timeout and
// returns the number discarded. It must run periodically regardless of
// traffic so half-sent fragments cannot accumulate.
func (a *Assembler) Sweep(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	dropped := 0
	for key, buf := range a.buffers {
		if now.Sub(buf.createdAt) > a.timeout {
			delete(a.buffers, key)
			dropped++
		}
	}
	return dropped
}

// DropAssociation discards all in-progress buffers for one association.
// Called on Dissociate so no pre-dissociate state can leak into a later
// packet with the same ids.
func (a *Assembler) DropAssociation(assocID uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for key := range a.buffers {
		if key.AssocID == assocID {
			delete(a.buffers, key)
		}
	}
}

// Len returns the number of in-progress buffers.
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}
