package client

import (
	"context"
	"sync"

	"github.com/windrift-io/windrift/internal/fragment"
	"github.com/windrift-io/windrift/internal/logging"
	"github.com/windrift-io/windrift/internal/protocol"
)

// recvBuffer is the per-association queue of delivered datagrams.
// Overflow drops the oldest semantics are not needed; new datagrams are
// dropped instead, matching unreliable carriage.
const recvBuffer = 64

// Datagram is one reassembled UDP payload and the far-side address it
// came from.
type Datagram struct {
	Payload []byte
	From    protocol.Address
}

// Association is a client-side UDP session. All packets sent through it
// share one association id on the server, and replies from any target
// the session has reached come back through Recv.
type Association struct {
	client *Client
	id     uint16

	packetID uint32
	pidMu    sync.Mutex

	recv      chan Datagram
	done      chan struct{}
	closeOnce sync.Once
}

// NewAssociation allocates the next association id on this connection.
func (c *Client) NewAssociation() (*Association, error) {
	select {
	case <-c.ctx.Done():
		return nil, ErrClosed
	default:
	}

	id := uint16(c.assocCounter.Add(1) - 1)
	assoc := &Association{
		client: c,
		id:     id,
		recv:   make(chan Datagram, recvBuffer),
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	c.assocs[id] = assoc
	c.mu.Unlock()

	c.metrics.RecordAssociationCreate()
	c.logger.Debug("UDP association opened", logging.KeyAssocID, id)
	return assoc, nil
}

// ID returns the association id.
func (a *Association) ID() uint16 {
	return a.id
}

func (a *Association) nextPacketID() uint16 {
	a.pidMu.Lock()
	defer a.pidMu.Unlock()
	id := uint16(a.packetID)
	a.packetID++
	return id
}

// Send relays one payload to the target, fragmenting when it exceeds
// the datagram budget.
func (a *Association) Send(target protocol.Address, payload []byte) error {
	select {
	case <-a.done:
		return ErrClosed
	default:
	}

	frags, err := fragment.Split(a.id, a.nextPacketID(), target, payload,
		a.client.opts.MaxDatagramSize)
	if err != nil {
		a.client.metrics.RecordPacketDropped("fragment_limit")
		return err
	}

	for _, frag := range frags {
		if err := a.client.sendPacket(frag); err != nil {
			a.client.metrics.RecordPacketDropped("send_failed")
			return err
		}
	}
	a.client.metrics.RecordPacketRelayed("tx", len(payload))
	return nil
}

// Recv blocks until a reply arrives, the association closes, or the
// context ends.
func (a *Association) Recv(ctx context.Context) (Datagram, error) {
	select {
	case d := <-a.recv:
		return d, nil
	case <-a.done:
		// Drain anything delivered before the close.
		select {
		case d := <-a.recv:
			return d, nil
		default:
			return Datagram{}, ErrClosed
		}
	case <-ctx.Done():
		return Datagram{}, ctx.Err()
	}
}

// deliver hands a reassembled datagram to Recv, dropping it when the
// buffer is full.
func (a *Association) deliver(d Datagram) {
	select {
	case <-a.done:
		return
	default:
	}

	select {
	case a.recv <- d:
	default:
		a.client.metrics.RecordPacketDropped("recv_overflow")
	}
}

// Close sends Dissociate and releases the association. The server drops
// its socket and any half-assembled packets for this id.
func (a *Association) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.done)

		c := a.client
		c.mu.Lock()
		if c.assocs[a.id] == a {
			delete(c.assocs, a.id)
		}
		c.mu.Unlock()

		c.assembler.DropAssociation(a.id)
		c.metrics.RecordAssociationRemove()

		// Best effort: the connection may already be gone.
		if c.ctx.Err() == nil {
			err = c.sendCommand(c.ctx, protocol.Dissociate{AssocID: a.id})
		}
		c.logger.Debug("UDP association closed", logging.KeyAssocID, a.id)
	})
	return err
}

// markClosed releases the association without sending Dissociate, used
// when the whole connection is shutting down.
func (a *Association) markClosed() {
	a.closeOnce.Do(func() {
		close(a.done)
	})
}
