// Package protocol defines the wire protocol for Windrift relay connections.
package protocol

// Version is the only protocol version this endpoint speaks.
// A different version byte is a decode error, never a silent default.
const Version uint8 = 0x05

// Command type constants
const (
	CmdAuthenticate uint8 = 0x00 // Client credential presentation
	CmdConnect      uint8 = 0x01 // Open a TCP relay
	CmdPacket       uint8 = 0x02 // UDP datagram (possibly one fragment)
	CmdDissociate   uint8 = 0x03 // Tear down a UDP association
	CmdHeartbeat    uint8 = 0x04 // Connection liveness
)

// Address type constants
const (
	AddrTypeDomain uint8 = 0x00 // 1-byte length + name + port
	AddrTypeIPv4   uint8 = 0x01 // 4 bytes + port
	AddrTypeIPv6   uint8 = 0x02 // 16 bytes + port
	AddrTypeNone   uint8 = 0xFF // no body; non-first fragments only
)

// Protocol constants
const (
	// HeaderSize is the size of the command header (version + type).
	HeaderSize = 2

	// PacketFixedSize is the size of the fixed Packet fields after the
	// header: assoc id, packet id, frag total, frag id, payload size.
	PacketFixedSize = 8

	// ClientIDSize is the size of the Authenticate client identifier.
	ClientIDSize = 16

	// TokenSize is the size of the Authenticate token.
	TokenSize = 32

	// MaxDomainLen is the maximum domain name length on the wire.
	MaxDomainLen = 255

	// MaxFragTotal is the hard fragment-count bound imposed by the
	// one-byte frag_total field.
	MaxFragTotal = 255
)

// CommandTypeName returns a human-readable name for a command type.
func CommandTypeName(t uint8) string {
	switch t {
	case CmdAuthenticate:
		return "AUTHENTICATE"
	case CmdConnect:
		return "CONNECT"
	case CmdPacket:
		return "PACKET"
	case CmdDissociate:
		return "DISSOCIATE"
	case CmdHeartbeat:
		return "HEARTBEAT"
	default:
		return "UNKNOWN"
	}
}

// AddrTypeName returns a human-readable name for an address type.
func AddrTypeName(t uint8) string {
	switch t {
	case AddrTypeDomain:
		return "DOMAIN"
	case AddrTypeIPv4:
		return "IPV4"
	case AddrTypeIPv6:
		return "IPV6"
	case AddrTypeNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}
