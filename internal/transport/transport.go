// Package transport provides the QUIC transport for Windrift relay
// connections.
package transport

import (
	"context"
	"io"
	"net"
	"time"
)

// Conn is an established relay connection: bidirectional streams for
// TCP relays, unidirectional streams for commands, datagrams for UDP
// packets.
type Conn interface {
	// OpenStream creates a new outgoing bidirectional stream.
	OpenStream(ctx context.Context) (Stream, error)

	// AcceptStream waits for an incoming bidirectional stream.
	AcceptStream(ctx context.Context) (Stream, error)

	// OpenUniStream creates a new outgoing unidirectional stream.
	OpenUniStream(ctx context.Context) (SendStream, error)

	// AcceptUniStream waits for an incoming unidirectional stream.
	AcceptUniStream(ctx context.Context) (ReceiveStream, error)

	// SendDatagram sends an unreliable datagram.
	SendDatagram(payload []byte) error

	// ReceiveDatagram waits for an inbound datagram.
	ReceiveDatagram(ctx context.Context) ([]byte, error)

	// ExportKeyingMaterial derives a secret bound to the TLS session.
	ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error)

	// Context is cancelled when the connection closes.
	Context() context.Context

	// Close terminates the connection with an application error code.
	Close(code uint64, reason string) error

	// LocalAddr returns the local address.
	LocalAddr() net.Addr

	// RemoteAddr returns the remote address.
	RemoteAddr() net.Addr
}

// Listener accepts incoming relay connections.
type Listener interface {
	// Accept waits for and returns the next connection.
	Accept(ctx context.Context) (Conn, error)

	// Addr returns the listener's network address.
	Addr() net.Addr

	// Close stops the listener.
	Close() error
}

// Stream is a bidirectional byte stream with half-close support.
type Stream interface {
	io.Reader
	io.Writer

	// StreamID returns the stream identifier.
	StreamID() uint64

	// CloseWrite sends a half-close (FIN) - signals done sending.
	CloseWrite() error

	// Close closes the stream in both directions.
	Close() error

	// SetDeadline sets read and write deadlines.
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// SendStream is the write half of a unidirectional stream.
type SendStream interface {
	io.WriteCloser

	// StreamID returns the stream identifier.
	StreamID() uint64
}

// ReceiveStream is the read half of a unidirectional stream.
type ReceiveStream interface {
	io.Reader

	// StreamID returns the stream identifier.
	StreamID() uint64

	// CancelRead stops reading and signals the code to the peer.
	CancelRead(code uint64)
}

// Options tunes a QUIC listener or dial.
type Options struct {
	// MaxIdleTimeout closes the connection after this long without
	// traffic. Zero selects the default.
	MaxIdleTimeout time.Duration

	// KeepAlivePeriod sends transport-level keepalives. Zero disables
	// them; the protocol's own heartbeat usually suffices.
	KeepAlivePeriod time.Duration

	// MaxIncomingStreams caps concurrent inbound bidirectional streams.
	MaxIncomingStreams int

	// Allow0RTT accepts or attempts 0-RTT session resumption.
	Allow0RTT bool
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxIdleTimeout:     DefaultMaxIdleTimeout,
		MaxIncomingStreams: DefaultMaxIncomingStreams,
	}
}
