package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

var (
	// ErrUnsupportedVersion is returned when the version byte is not Version.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")

	// ErrInvalidFragment is returned when the Packet fragment fields violate
	// frag_total >= 1 or frag_id < frag_total.
	ErrInvalidFragment = errors.New("invalid fragment fields")

	// ErrPayloadTooLarge is returned when a Packet payload exceeds the
	// 16-bit size field on encode.
	ErrPayloadTooLarge = errors.New("packet payload exceeds 65535 bytes")
)

// Command is one decoded protocol command. The set of implementations is
// closed: Authenticate, Connect, Packet, Dissociate, Heartbeat, Unknown.
type Command interface {
	// CommandType returns the wire type tag.
	CommandType() uint8
}

// Authenticate carries the client identifier and the 32-byte token.
// The token is compared against an externally derived value; this package
// never computes it.
type Authenticate struct {
	ClientID uuid.UUID
	Token    [TokenSize]byte
}

// Connect requests a TCP relay to Target on the stream it arrives on.
type Connect struct {
	Target Address
}

// Packet carries one UDP datagram, or one fragment of one.
type Packet struct {
	AssocID   uint16
	PacketID  uint16
	FragTotal uint8
	FragID    uint8
	Target    Address
	Payload   []byte
}

// Dissociate tears down the UDP association with the given id.
type Dissociate struct {
	AssocID uint16
}

// Heartbeat keeps the connection alive. It has no body.
type Heartbeat struct{}

// Unknown is the decode result for an unrecognized command type tag.
// Whether to discard it or terminate the connection is relay policy,
// not a codec concern.
type Unknown struct {
	Tag uint8
}

func (Authenticate) CommandType() uint8 { return CmdAuthenticate }
func (Connect) CommandType() uint8      { return CmdConnect }
func (Packet) CommandType() uint8       { return CmdPacket }
func (Dissociate) CommandType() uint8   { return CmdDissociate }
func (Heartbeat) CommandType() uint8    { return CmdHeartbeat }
func (u Unknown) CommandType() uint8    { return u.Tag }

// EncodedLen returns the wire length of the command including the header.
func EncodedLen(cmd Command) int {
	switch c := cmd.(type) {
	case Authenticate:
		return HeaderSize + ClientIDSize + TokenSize
	case Connect:
		return HeaderSize + c.Target.EncodedLen()
	case Packet:
		return HeaderSize + PacketFixedSize + c.Target.EncodedLen() + len(c.Payload)
	case Dissociate:
		return HeaderSize + 2
	default:
		return HeaderSize
	}
}

// Encode serializes a command to its wire form, header first, fixed fields
// before variable ones.
func Encode(cmd Command) ([]byte, error) {
	buf := make([]byte, 0, EncodedLen(cmd))
	buf = append(buf, Version, cmd.CommandType())

	switch c := cmd.(type) {
	case Authenticate:
		buf = append(buf, c.ClientID[:]...)
		buf = append(buf, c.Token[:]...)

	case Connect:
		var err error
		if buf, err = c.Target.AppendTo(buf); err != nil {
			return nil, err
		}

	case Packet:
		if c.FragTotal == 0 || c.FragID >= c.FragTotal {
			return nil, fmt.Errorf("%w: frag %d/%d", ErrInvalidFragment, c.FragID, c.FragTotal)
		}
		if len(c.Payload) > 0xFFFF {
			return nil, ErrPayloadTooLarge
		}
		buf = binary.BigEndian.AppendUint16(buf, c.AssocID)
		buf = binary.BigEndian.AppendUint16(buf, c.PacketID)
		buf = append(buf, c.FragTotal, c.FragID)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(c.Payload)))
		var err error
		if buf, err = c.Target.AppendTo(buf); err != nil {
			return nil, err
		}
		buf = append(buf, c.Payload...)

	case Dissociate:
		buf = binary.BigEndian.AppendUint16(buf, c.AssocID)

	case Heartbeat:
		// header only

	default:
		return nil, fmt.Errorf("cannot encode command type 0x%02x", cmd.CommandType())
	}

	return buf, nil
}

// DecodeHeader decodes the two-byte command header.
func DecodeHeader(buf []byte) (version uint8, typeTag uint8, err error) {
	if len(buf) < HeaderSize {
		return 0, 0, fmt.Errorf("%w: command header", ErrTruncated)
	}
	if buf[0] != Version {
		return 0, 0, fmt.Errorf("%w: 0x%02x", ErrUnsupportedVersion, buf[0])
	}
	return buf[0], buf[1], nil
}

// Decode decodes a full command from the front of buf and returns it with
// the number of bytes consumed. Unrecognized type tags return Unknown with
// only the header consumed.
func Decode(buf []byte) (Command, int, error) {
	_, tag, err := DecodeHeader(buf)
	if err != nil {
		return nil, 0, err
	}
	body := buf[HeaderSize:]

	switch tag {
	case CmdAuthenticate:
		if len(body) < ClientIDSize+TokenSize {
			return nil, 0, fmt.Errorf("%w: authenticate body", ErrTruncated)
		}
		var c Authenticate
		copy(c.ClientID[:], body[:ClientIDSize])
		copy(c.Token[:], body[ClientIDSize:ClientIDSize+TokenSize])
		return c, HeaderSize + ClientIDSize + TokenSize, nil

	case CmdConnect:
		target, n, err := DecodeAddress(body)
		if err != nil {
			return nil, 0, err
		}
		return Connect{Target: target}, HeaderSize + n, nil

	case CmdPacket:
		if len(body) < PacketFixedSize {
			return nil, 0, fmt.Errorf("%w: packet fields", ErrTruncated)
		}
		c := Packet{
			AssocID:   binary.BigEndian.Uint16(body[0:2]),
			PacketID:  binary.BigEndian.Uint16(body[2:4]),
			FragTotal: body[4],
			FragID:    body[5],
		}
		size := int(binary.BigEndian.Uint16(body[6:8]))
		if c.FragTotal == 0 || c.FragID >= c.FragTotal {
			return nil, 0, fmt.Errorf("%w: frag %d/%d", ErrInvalidFragment, c.FragID, c.FragTotal)
		}
		target, n, err := DecodeAddress(body[PacketFixedSize:])
		if err != nil {
			return nil, 0, err
		}
		rest := body[PacketFixedSize+n:]
		if len(rest) < size {
			return nil, 0, fmt.Errorf("%w: packet payload", ErrTruncated)
		}
		c.Target = target
		c.Payload = make([]byte, size)
		copy(c.Payload, rest[:size])
		return c, HeaderSize + PacketFixedSize + n + size, nil

	case CmdDissociate:
		if len(body) < 2 {
			return nil, 0, fmt.Errorf("%w: dissociate body", ErrTruncated)
		}
		return Dissociate{AssocID: binary.BigEndian.Uint16(body[0:2])}, HeaderSize + 2, nil

	case CmdHeartbeat:
		return Heartbeat{}, HeaderSize, nil

	default:
		return Unknown{Tag: tag}, HeaderSize, nil
	}
}

// ReadCommand reads one command from r. Short reads map to ErrTruncated.
// For Unknown tags only the header is consumed; the caller decides whether
// to drain or abandon the source.
func ReadCommand(r io.Reader) (Command, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, readErr(err, "command header")
	}
	if _, _, err := DecodeHeader(header[:]); err != nil {
		return nil, err
	}

	switch tag := header[1]; tag {
	case CmdAuthenticate:
		var body [ClientIDSize + TokenSize]byte
		if _, err := io.ReadFull(r, body[:]); err != nil {
			return nil, readErr(err, "authenticate body")
		}
		var c Authenticate
		copy(c.ClientID[:], body[:ClientIDSize])
		copy(c.Token[:], body[ClientIDSize:])
		return c, nil

	case CmdConnect:
		target, err := ReadAddress(r)
		if err != nil {
			return nil, err
		}
		return Connect{Target: target}, nil

	case CmdPacket:
		var fixed [PacketFixedSize]byte
		if _, err := io.ReadFull(r, fixed[:]); err != nil {
			return nil, readErr(err, "packet fields")
		}
		c := Packet{
			AssocID:   binary.BigEndian.Uint16(fixed[0:2]),
			PacketID:  binary.BigEndian.Uint16(fixed[2:4]),
			FragTotal: fixed[4],
			FragID:    fixed[5],
		}
		if c.FragTotal == 0 || c.FragID >= c.FragTotal {
			return nil, fmt.Errorf("%w: frag %d/%d", ErrInvalidFragment, c.FragID, c.FragTotal)
		}
		target, err := ReadAddress(r)
		if err != nil {
			return nil, err
		}
		c.Target = target
		c.Payload = make([]byte, binary.BigEndian.Uint16(fixed[6:8]))
		if _, err := io.ReadFull(r, c.Payload); err != nil {
			return nil, readErr(err, "packet payload")
		}
		return c, nil

	case CmdDissociate:
		var body [2]byte
		if _, err := io.ReadFull(r, body[:]); err != nil {
			return nil, readErr(err, "dissociate body")
		}
		return Dissociate{AssocID: binary.BigEndian.Uint16(body[:])}, nil

	case CmdHeartbeat:
		return Heartbeat{}, nil

	default:
		return Unknown{Tag: tag}, nil
	}
}

// String returns a debug representation of a command.
func String(cmd Command) string {
	switch c := cmd.(type) {
	case Authenticate:
		return fmt.Sprintf("AUTHENTICATE{client=%s}", c.ClientID)
	case Connect:
		return fmt.Sprintf("CONNECT{target=%s}", c.Target)
	case Packet:
		return fmt.Sprintf("PACKET{assoc=%d, pkt=%d, frag=%d/%d, target=%s, len=%d}",
			c.AssocID, c.PacketID, c.FragID, c.FragTotal, c.Target, len(c.Payload))
	case Dissociate:
		return fmt.Sprintf("DISSOCIATE{assoc=%d}", c.AssocID)
	case Heartbeat:
		return "HEARTBEAT"
	default:
		return fmt.Sprintf("UNKNOWN{tag=0x%02x}", cmd.CommandType())
	}
}

// Equal reports whether two commands are identical on the wire.
func Equal(a, b Command) bool {
	ab, errA := Encode(a)
	bb, errB := Encode(b)
	if errA != nil || errB != nil {
		return errA == nil && errB == nil
	}
	return bytes.Equal(ab, bb)
}
