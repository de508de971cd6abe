// Package fragment implements splitting of oversized UDP payloads into
// Packet commands and reassembly of received fragments.
package fragment

import (
	"errors"
	"fmt"

	"github.com/windrift-io/windrift/internal/protocol"
)

var (
	// ErrFragmentLimit is returned when a payload would need more than 255
	// fragments at the given capacity. The datagram must be dropped.
	ErrFragmentLimit = errors.New("fragment count exceeds 255")

	// ErrCapacityTooSmall is returned when the per-message capacity cannot
	// fit even one payload byte after the Packet header.
	ErrCapacityTooSmall = errors.New("message capacity too small for fragment header")
)

// Split breaks payload into one or more Packet commands that each fit in
// maxMessageSize bytes once encoded. The first fragment carries the real
// target address; subsequent fragments carry None. frag_total is fixed by
// the resulting count, which must stay within the one-byte wire field.
func Split(assocID, packetID uint16, target protocol.Address, payload []byte, maxMessageSize int) ([]protocol.Packet, error) {
	firstOverhead := protocol.HeaderSize + protocol.PacketFixedSize + target.EncodedLen()
	restOverhead := protocol.HeaderSize + protocol.PacketFixedSize + protocol.NoneAddress().EncodedLen()

	if maxMessageSize <= firstOverhead || maxMessageSize <= restOverhead {
		return nil, fmt.Errorf("%w: %d bytes", ErrCapacityTooSmall, maxMessageSize)
	}

	firstCap := maxMessageSize - firstOverhead
	restCap := maxMessageSize - restOverhead

	if len(payload) <= firstCap {
		return []protocol.Packet{{
			AssocID:   assocID,
			PacketID:  packetID,
			FragTotal: 1,
			FragID:    0,
			Target:    target,
			Payload:   payload,
		}}, nil
	}

	total := 1 + (len(payload)-firstCap+restCap-1)/restCap
	if total > protocol.MaxFragTotal {
		return nil, fmt.Errorf("%w: payload of %d bytes needs %d fragments",
			ErrFragmentLimit, len(payload), total)
	}

	frags := make([]protocol.Packet, 0, total)
	offset := 0
	for i := 0; i < total; i++ {
		addr := protocol.NoneAddress()
		size := restCap
		if i == 0 {
			addr = target
			size = firstCap
		}
		if remaining := len(payload) - offset; size > remaining {
			size = remaining
		}
		frags = append(frags, protocol.Packet{
			AssocID:   assocID,
			PacketID:  packetID,
			FragTotal: uint8(total),
			FragID:    uint8(i),
			Target:    addr,
			Payload:   payload[offset : offset+size],
		})
		offset += size
	}

	return frags, nil
}
