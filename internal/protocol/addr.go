package protocol

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
)

var (
	// ErrTruncated is returned when fewer bytes remain than a field requires.
	ErrTruncated = errors.New("truncated input")

	// ErrUnknownAddressType is returned for unrecognized address type tags.
	ErrUnknownAddressType = errors.New("unknown address type")

	// ErrInvalidDomainLength is returned when the domain length byte is zero
	// or a domain name exceeds the one-byte length field on encode.
	ErrInvalidDomainLength = errors.New("invalid domain length")
)

// Address is a relay target in the type-length-value wire representation.
// Exactly one variant is populated, selected by Type. The None variant is
// valid only as the address of a non-first UDP fragment.
type Address struct {
	Type   uint8
	Domain string // AddrTypeDomain
	IP     net.IP // AddrTypeIPv4 (4 bytes) or AddrTypeIPv6 (16 bytes)
	Port   uint16
}

// NoneAddress returns the None address.
func NoneAddress() Address {
	return Address{Type: AddrTypeNone}
}

// DomainAddress returns a domain-name address.
func DomainAddress(name string, port uint16) Address {
	return Address{Type: AddrTypeDomain, Domain: name, Port: port}
}

// IPAddress returns an IPv4 or IPv6 address depending on the IP form.
func IPAddress(ip net.IP, port uint16) Address {
	if ip4 := ip.To4(); ip4 != nil {
		return Address{Type: AddrTypeIPv4, IP: ip4, Port: port}
	}
	return Address{Type: AddrTypeIPv6, IP: ip.To16(), Port: port}
}

// AddrFromUDP converts a socket address to its wire representation.
func AddrFromUDP(a *net.UDPAddr) Address {
	return IPAddress(a.IP, uint16(a.Port))
}

// ParseAddress converts a host:port string into an Address. Literal IPs
// map to the IPv4/IPv6 variants, everything else to Domain.
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("invalid port in %q: %w", s, err)
	}

	if ip := net.ParseIP(host); ip != nil {
		return IPAddress(ip, uint16(port)), nil
	}
	if len(host) == 0 || len(host) > MaxDomainLen {
		return Address{}, fmt.Errorf("%w: %d bytes", ErrInvalidDomainLength, len(host))
	}
	return DomainAddress(host, uint16(port)), nil
}

// IsNone reports whether the address is the None variant.
func (a Address) IsNone() bool {
	return a.Type == AddrTypeNone
}

// String returns the address in host:port form, or "none".
func (a Address) String() string {
	switch a.Type {
	case AddrTypeDomain:
		return net.JoinHostPort(a.Domain, strconv.Itoa(int(a.Port)))
	case AddrTypeIPv4, AddrTypeIPv6:
		return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
	default:
		return "none"
	}
}

// Equal reports whether two addresses are identical on the wire.
func (a Address) Equal(b Address) bool {
	if a.Type != b.Type {
		return false
	}
	switch a.Type {
	case AddrTypeDomain:
		return a.Domain == b.Domain && a.Port == b.Port
	case AddrTypeIPv4, AddrTypeIPv6:
		return a.IP.Equal(b.IP) && a.Port == b.Port
	default:
		return true
	}
}

// EncodedLen returns the wire length of the address.
func (a Address) EncodedLen() int {
	switch a.Type {
	case AddrTypeDomain:
		return 1 + 1 + len(a.Domain) + 2
	case AddrTypeIPv4:
		return 1 + 4 + 2
	case AddrTypeIPv6:
		return 1 + 16 + 2
	default:
		return 1
	}
}

// AppendTo appends the wire encoding of the address to buf.
func (a Address) AppendTo(buf []byte) ([]byte, error) {
	switch a.Type {
	case AddrTypeDomain:
		if len(a.Domain) == 0 || len(a.Domain) > MaxDomainLen {
			return nil, fmt.Errorf("%w: %d bytes", ErrInvalidDomainLength, len(a.Domain))
		}
		buf = append(buf, AddrTypeDomain, uint8(len(a.Domain)))
		buf = append(buf, a.Domain...)
		return append(buf, uint8(a.Port>>8), uint8(a.Port)), nil
	case AddrTypeIPv4:
		ip := a.IP.To4()
		if ip == nil {
			return nil, fmt.Errorf("%w: not an IPv4 address: %s", ErrUnknownAddressType, a.IP)
		}
		buf = append(buf, AddrTypeIPv4)
		buf = append(buf, ip...)
		return append(buf, uint8(a.Port>>8), uint8(a.Port)), nil
	case AddrTypeIPv6:
		ip := a.IP.To16()
		if ip == nil {
			return nil, fmt.Errorf("%w: not an IPv6 address: %s", ErrUnknownAddressType, a.IP)
		}
		buf = append(buf, AddrTypeIPv6)
		buf = append(buf, ip...)
		return append(buf, uint8(a.Port>>8), uint8(a.Port)), nil
	case AddrTypeNone:
		return append(buf, AddrTypeNone), nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownAddressType, a.Type)
	}
}

// DecodeAddress decodes an address from the front of buf and returns it
// together with the number of bytes consumed.
func DecodeAddress(buf []byte) (Address, int, error) {
	if len(buf) < 1 {
		return Address{}, 0, fmt.Errorf("%w: address type", ErrTruncated)
	}

	switch buf[0] {
	case AddrTypeNone:
		return NoneAddress(), 1, nil

	case AddrTypeIPv4:
		if len(buf) < 1+4+2 {
			return Address{}, 0, fmt.Errorf("%w: IPv4 address", ErrTruncated)
		}
		ip := make(net.IP, 4)
		copy(ip, buf[1:5])
		port := uint16(buf[5])<<8 | uint16(buf[6])
		return Address{Type: AddrTypeIPv4, IP: ip, Port: port}, 7, nil

	case AddrTypeIPv6:
		if len(buf) < 1+16+2 {
			return Address{}, 0, fmt.Errorf("%w: IPv6 address", ErrTruncated)
		}
		ip := make(net.IP, 16)
		copy(ip, buf[1:17])
		port := uint16(buf[17])<<8 | uint16(buf[18])
		return Address{Type: AddrTypeIPv6, IP: ip, Port: port}, 19, nil

	case AddrTypeDomain:
		if len(buf) < 2 {
			return Address{}, 0, fmt.Errorf("%w: domain length", ErrTruncated)
		}
		n := int(buf[1])
		if n == 0 {
			return Address{}, 0, ErrInvalidDomainLength
		}
		if len(buf) < 2+n+2 {
			return Address{}, 0, fmt.Errorf("%w: domain name", ErrTruncated)
		}
		name := string(buf[2 : 2+n])
		port := uint16(buf[2+n])<<8 | uint16(buf[2+n+1])
		return Address{Type: AddrTypeDomain, Domain: name, Port: port}, 2 + n + 2, nil

	default:
		return Address{}, 0, fmt.Errorf("%w: 0x%02x", ErrUnknownAddressType, buf[0])
	}
}

// ReadAddress reads an address from r. A short read maps to ErrTruncated.
func ReadAddress(r io.Reader) (Address, error) {
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return Address{}, readErr(err, "address type")
	}

	switch tag[0] {
	case AddrTypeNone:
		return NoneAddress(), nil

	case AddrTypeIPv4:
		var body [4 + 2]byte
		if _, err := io.ReadFull(r, body[:]); err != nil {
			return Address{}, readErr(err, "IPv4 address")
		}
		ip := make(net.IP, 4)
		copy(ip, body[:4])
		return Address{Type: AddrTypeIPv4, IP: ip, Port: uint16(body[4])<<8 | uint16(body[5])}, nil

	case AddrTypeIPv6:
		var body [16 + 2]byte
		if _, err := io.ReadFull(r, body[:]); err != nil {
			return Address{}, readErr(err, "IPv6 address")
		}
		ip := make(net.IP, 16)
		copy(ip, body[:16])
		return Address{Type: AddrTypeIPv6, IP: ip, Port: uint16(body[16])<<8 | uint16(body[17])}, nil

	case AddrTypeDomain:
		var lenByte [1]byte
		if _, err := io.ReadFull(r, lenByte[:]); err != nil {
			return Address{}, readErr(err, "domain length")
		}
		if lenByte[0] == 0 {
			return Address{}, ErrInvalidDomainLength
		}
		body := make([]byte, int(lenByte[0])+2)
		if _, err := io.ReadFull(r, body); err != nil {
			return Address{}, readErr(err, "domain name")
		}
		name := string(body[:len(body)-2])
		port := uint16(body[len(body)-2])<<8 | uint16(body[len(body)-1])
		return Address{Type: AddrTypeDomain, Domain: name, Port: port}, nil

	default:
		return Address{}, fmt.Errorf("%w: 0x%02x", ErrUnknownAddressType, tag[0])
	}
}

// readErr maps short-read errors onto the decode error taxonomy.
func readErr(err error, what string) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("%w: %s", ErrTruncated, what)
	}
	return err
}
