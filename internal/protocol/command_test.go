package protocol

import (
	"bytes"
	"errors"
	"net"
	"testing"

	"github.com/google/uuid"
)

func testCommands(t *testing.T) []Command {
	t.Helper()
	id, err := uuid.Parse("02f09a3f-1624-3b1d-8409-44eff7708208")
	if err != nil {
		t.Fatalf("uuid.Parse() error = %v", err)
	}
	var token [TokenSize]byte
	for i := range token {
		token[i] = byte(i)
	}
	return []Command{
		Authenticate{ClientID: id, Token: token},
		Connect{Target: DomainAddress("example.com", 443)},
		Packet{
			AssocID:   0x0102,
			PacketID:  0x0304,
			FragTotal: 3,
			FragID:    1,
			Target:    NoneAddress(),
			Payload:   []byte("hello"),
		},
		Packet{
			AssocID:   1,
			PacketID:  0x42,
			FragTotal: 1,
			FragID:    0,
			Target:    IPAddress(net.ParseIP("203.0.113.1"), 53),
			Payload:   bytes.Repeat([]byte{0xAA}, 1183),
		},
		Dissociate{AssocID: 23},
		Heartbeat{},
	}
}

func TestCommandRoundTrip(t *testing.T) {
	for _, cmd := range testCommands(t) {
		buf, err := Encode(cmd)
		if err != nil {
			t.Fatalf("Encode(%s) error = %v", String(cmd), err)
		}
		if len(buf) != EncodedLen(cmd) {
			t.Errorf("Encode(%s) produced %d bytes, EncodedLen() = %d",
				String(cmd), len(buf), EncodedLen(cmd))
		}
		if buf[0] != Version {
			t.Errorf("Encode(%s) version byte = 0x%02x, want 0x%02x", String(cmd), buf[0], Version)
		}

		got, n, err := Decode(buf)
		if err != nil {
			t.Fatalf("Decode(%s) error = %v", String(cmd), err)
		}
		if n != len(buf) {
			t.Errorf("Decode(%s) consumed %d bytes, want %d", String(cmd), n, len(buf))
		}
		if !Equal(got, cmd) {
			t.Errorf("Decode(%s) = %s", String(cmd), String(got))
		}

		got2, err := ReadCommand(bytes.NewReader(buf))
		if err != nil {
			t.Fatalf("ReadCommand(%s) error = %v", String(cmd), err)
		}
		if !Equal(got2, cmd) {
			t.Errorf("ReadCommand(%s) = %s", String(cmd), String(got2))
		}
	}
}

func TestDecodeTruncatedCommands(t *testing.T) {
	for _, cmd := range testCommands(t) {
		full, err := Encode(cmd)
		if err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
		for cut := 0; cut < len(full); cut++ {
			_, _, err := Decode(full[:cut])
			if err == nil {
				t.Errorf("Decode(%s cut to %d) succeeded, want error", String(cmd), cut)
				continue
			}
			if !errors.Is(err, ErrTruncated) {
				t.Errorf("Decode(%s cut to %d) error = %v, want ErrTruncated", String(cmd), cut, err)
			}
		}
	}
}

func TestDecodeVersionMismatch(t *testing.T) {
	buf, err := Encode(Heartbeat{})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	buf[0] = 0x04
	if _, _, err := Decode(buf); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("Decode() error = %v, want ErrUnsupportedVersion", err)
	}
	if _, err := ReadCommand(bytes.NewReader(buf)); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("ReadCommand() error = %v, want ErrUnsupportedVersion", err)
	}
}

func TestDecodeUnknownCommandType(t *testing.T) {
	// Unknown type tags are a policy decision for the relay layer, not a
	// codec error. Only the header is consumed.
	buf := []byte{Version, 0x7E, 0xDE, 0xAD, 0xBE, 0xEF}
	cmd, n, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if n != HeaderSize {
		t.Errorf("Decode() consumed %d bytes, want %d", n, HeaderSize)
	}
	unk, ok := cmd.(Unknown)
	if !ok {
		t.Fatalf("Decode() = %T, want Unknown", cmd)
	}
	if unk.Tag != 0x7E {
		t.Errorf("Unknown.Tag = 0x%02x, want 0x7e", unk.Tag)
	}
}

func TestDecodeInvalidFragmentFields(t *testing.T) {
	tests := []struct {
		name      string
		fragTotal uint8
		fragID    uint8
	}{
		{"zero_total", 0, 0},
		{"id_equals_total", 2, 2},
		{"id_beyond_total", 2, 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := []byte{Version, CmdPacket,
				0x00, 0x01, // assoc id
				0x00, 0x01, // packet id
				tt.fragTotal, tt.fragID,
				0x00, 0x00, // size
				AddrTypeNone,
			}
			if _, _, err := Decode(buf); !errors.Is(err, ErrInvalidFragment) {
				t.Errorf("Decode() error = %v, want ErrInvalidFragment", err)
			}
			if _, err := ReadCommand(bytes.NewReader(buf)); !errors.Is(err, ErrInvalidFragment) {
				t.Errorf("ReadCommand() error = %v, want ErrInvalidFragment", err)
			}
		})
	}
}

func TestEncodeInvalidFragmentFields(t *testing.T) {
	pkt := Packet{FragTotal: 0, FragID: 0, Target: NoneAddress()}
	if _, err := Encode(pkt); !errors.Is(err, ErrInvalidFragment) {
		t.Errorf("Encode() error = %v, want ErrInvalidFragment", err)
	}
}

func TestDecodeHeartbeatTrailingBytes(t *testing.T) {
	// Trailing bytes after a Heartbeat header are ignored, not an error.
	// This pins the chosen behavior for datagram-borne heartbeats.
	buf := []byte{Version, CmdHeartbeat, 0x01, 0x02, 0x03}
	cmd, n, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if _, ok := cmd.(Heartbeat); !ok {
		t.Fatalf("Decode() = %T, want Heartbeat", cmd)
	}
	if n != HeaderSize {
		t.Errorf("Decode() consumed %d bytes, want %d", n, HeaderSize)
	}
}

func TestPacketWireLayout(t *testing.T) {
	pkt := Packet{
		AssocID:   1,
		PacketID:  0x42,
		FragTotal: 2,
		FragID:    0,
		Target:    IPAddress(net.IPv4(203, 0, 113, 1), 53),
		Payload:   []byte{0xCA, 0xFE},
	}
	buf, err := Encode(pkt)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	want := []byte{
		0x05, 0x02, // header
		0x00, 0x01, // assoc id
		0x00, 0x42, // packet id
		0x02, 0x00, // frag total, frag id
		0x00, 0x02, // size
		0x01, 203, 0, 113, 1, 0x00, 53, // address
		0xCA, 0xFE, // payload
	}
	if !bytes.Equal(buf, want) {
		t.Errorf("Packet layout = %x, want %x", buf, want)
	}
}

func TestCommandTypeName(t *testing.T) {
	tests := []struct {
		tag  uint8
		want string
	}{
		{CmdAuthenticate, "AUTHENTICATE"},
		{CmdConnect, "CONNECT"},
		{CmdPacket, "PACKET"},
		{CmdDissociate, "DISSOCIATE"},
		{CmdHeartbeat, "HEARTBEAT"},
		{0xFF, "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := CommandTypeName(tt.tag); got != tt.want {
			t.Errorf("CommandTypeName(0x%02x) = %s, want %s", tt.tag, got, tt.want)
		}
	}
}
