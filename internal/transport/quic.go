package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// Default QUIC configuration values
const (
	DefaultMaxIdleTimeout        = 90 * time.Second
	DefaultMaxIncomingStreams    = 1000
	DefaultMaxIncomingUniStreams = 1000
)

func quicConfig(opts Options) *quic.Config {
	idle := opts.MaxIdleTimeout
	if idle <= 0 {
		idle = DefaultMaxIdleTimeout
	}
	maxStreams := opts.MaxIncomingStreams
	if maxStreams <= 0 {
		maxStreams = DefaultMaxIncomingStreams
	}

	return &quic.Config{
		MaxIdleTimeout:        idle,
		KeepAlivePeriod:       opts.KeepAlivePeriod,
		MaxIncomingStreams:    int64(maxStreams),
		MaxIncomingUniStreams: DefaultMaxIncomingUniStreams,
		EnableDatagrams:       true,
		Allow0RTT:             opts.Allow0RTT,
	}
}

// Listen creates a QUIC listener on the given UDP address.
func Listen(addr string, tlsConfig *tls.Config, opts Options) (Listener, error) {
	if tlsConfig == nil {
		return nil, fmt.Errorf("TLS config required for QUIC listener")
	}
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.NextProtos = []string{ALPNProtocol}
	}

	listener, err := quic.ListenAddrEarly(addr, tlsConfig, quicConfig(opts))
	if err != nil {
		return nil, fmt.Errorf("QUIC listen failed: %w", err)
	}

	return &quicListener{listener: listener}, nil
}

// Dial connects to a QUIC server.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config, opts Options) (Conn, error) {
	if tlsConfig == nil {
		return nil, fmt.Errorf("TLS config required for QUIC dial")
	}
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.NextProtos = []string{ALPNProtocol}
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig(opts))
	if err != nil {
		return nil, fmt.Errorf("QUIC dial failed: %w", err)
	}

	return &quicConn{conn: conn}, nil
}

type quicListener struct {
	listener *quic.EarlyListener
}

func (l *quicListener) Accept(ctx context.Context) (Conn, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return &quicConn{conn: conn}, nil
}

func (l *quicListener) Addr() net.Addr {
	return l.listener.Addr()
}

func (l *quicListener) Close() error {
	return l.listener.Close()
}

type quicConn struct {
	conn quic.Connection
}

var _ Conn = (*quicConn)(nil)

func (c *quicConn) OpenStream(ctx context.Context) (Stream, error) {
	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	return &quicStream{stream: stream}, nil
}

func (c *quicConn) AcceptStream(ctx context.Context) (Stream, error) {
	stream, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &quicStream{stream: stream}, nil
}

func (c *quicConn) OpenUniStream(ctx context.Context) (SendStream, error) {
	stream, err := c.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open uni stream: %w", err)
	}
	return &quicSendStream{stream: stream}, nil
}

func (c *quicConn) AcceptUniStream(ctx context.Context) (ReceiveStream, error) {
	stream, err := c.conn.AcceptUniStream(ctx)
	if err != nil {
		return nil, err
	}
	return &quicReceiveStream{stream: stream}, nil
}

func (c *quicConn) SendDatagram(payload []byte) error {
	return c.conn.SendDatagram(payload)
}

func (c *quicConn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	return c.conn.ReceiveDatagram(ctx)
}

func (c *quicConn) ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error) {
	state := c.conn.ConnectionState().TLS
	return state.ExportKeyingMaterial(label, context, length)
}

func (c *quicConn) Context() context.Context {
	return c.conn.Context()
}

func (c *quicConn) Close(code uint64, reason string) error {
	return c.conn.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

func (c *quicConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *quicConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

type quicStream struct {
	stream quic.Stream
}

func (s *quicStream) StreamID() uint64 {
	return uint64(s.stream.StreamID())
}

func (s *quicStream) Read(p []byte) (int, error) {
	return s.stream.Read(p)
}

func (s *quicStream) Write(p []byte) (int, error) {
	return s.stream.Write(p)
}

// CloseWrite sends a half-close (FIN) on the write side.
func (s *quicStream) CloseWrite() error {
	return s.stream.Close()
}

// Close fully closes the stream.
func (s *quicStream) Close() error {
	s.stream.CancelRead(0)
	return s.stream.Close()
}

func (s *quicStream) SetDeadline(t time.Time) error {
	return s.stream.SetDeadline(t)
}

func (s *quicStream) SetReadDeadline(t time.Time) error {
	return s.stream.SetReadDeadline(t)
}

func (s *quicStream) SetWriteDeadline(t time.Time) error {
	return s.stream.SetWriteDeadline(t)
}

type quicSendStream struct {
	stream quic.SendStream
}

func (s *quicSendStream) StreamID() uint64 {
	return uint64(s.stream.StreamID())
}

func (s *quicSendStream) Write(p []byte) (int, error) {
	return s.stream.Write(p)
}

func (s *quicSendStream) Close() error {
	return s.stream.Close()
}

type quicReceiveStream struct {
	stream quic.ReceiveStream
}

func (s *quicReceiveStream) StreamID() uint64 {
	return uint64(s.stream.StreamID())
}

func (s *quicReceiveStream) Read(p []byte) (int, error) {
	return s.stream.Read(p)
}

func (s *quicReceiveStream) CancelRead(code uint64) {
	s.stream.CancelRead(quic.StreamErrorCode(code))
}
