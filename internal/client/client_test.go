package client

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/windrift-io/windrift/internal/auth"
	"github.com/windrift-io/windrift/internal/logging"
	"github.com/windrift-io/windrift/internal/metrics"
	"github.com/windrift-io/windrift/internal/protocol"
	"github.com/windrift-io/windrift/internal/transport"
)

var testClientID = uuid.MustParse("02f09a3f-1624-3b1d-8409-44eff7708208")

// fakeConn is an in-memory transport.Conn for driving the client
// without a network.
type fakeConn struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	datagrams    [][]byte      // sent datagrams
	uniPayloads  [][]byte      // payloads of closed outbound uni streams
	biStreams    []*fakeStream // opened bidirectional streams
	failDatagram bool

	inDatagrams chan []byte
	inUni       chan transport.ReceiveStream
	secret      string
}

func newFakeConn() *fakeConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakeConn{
		ctx:         ctx,
		cancel:      cancel,
		inDatagrams: make(chan []byte, 16),
		inUni:       make(chan transport.ReceiveStream, 16),
		secret:      "test-session",
	}
}

func (f *fakeConn) OpenStream(ctx context.Context) (transport.Stream, error) {
	f.mu.Lock()
	s := &fakeStream{id: uint64(len(f.biStreams) * 4)}
	f.biStreams = append(f.biStreams, s)
	f.mu.Unlock()
	return s, nil
}

func (f *fakeConn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeConn) OpenUniStream(ctx context.Context) (transport.SendStream, error) {
	return &fakeSendStream{conn: f}, nil
}

func (f *fakeConn) AcceptUniStream(ctx context.Context) (transport.ReceiveStream, error) {
	select {
	case rs := <-f.inUni:
		return rs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.ctx.Done():
		return nil, net.ErrClosed
	}
}

func (f *fakeConn) SendDatagram(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDatagram {
		return errors.New("datagram send failed")
	}
	f.datagrams = append(f.datagrams, append([]byte(nil), payload...))
	return nil
}

func (f *fakeConn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	select {
	case d := <-f.inDatagrams:
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.ctx.Done():
		return nil, net.ErrClosed
	}
}

func (f *fakeConn) ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error) {
	mac := hmac.New(sha256.New, []byte(f.secret))
	mac.Write([]byte(label))
	mac.Write(context)
	return mac.Sum(nil)[:length], nil
}

func (f *fakeConn) Context() context.Context { return f.ctx }

func (f *fakeConn) Close(code uint64, reason string) error {
	f.cancel()
	return nil
}

func (f *fakeConn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}
}

func (f *fakeConn) RemoteAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2}
}

func (f *fakeConn) sentDatagrams() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.datagrams...)
}

func (f *fakeConn) sentUniPayloads() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.uniPayloads...)
}

func (f *fakeConn) setFailDatagram(fail bool) {
	f.mu.Lock()
	f.failDatagram = fail
	f.mu.Unlock()
}

// waitUniPayloads polls until n outbound uni-stream payloads exist.
func (f *fakeConn) waitUniPayloads(t *testing.T, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got := f.sentUniPayloads(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d uni-stream payloads", n)
	return nil
}

type fakeSendStream struct {
	conn *fakeConn
	buf  bytes.Buffer
}

func (s *fakeSendStream) StreamID() uint64 { return 0 }

func (s *fakeSendStream) Write(p []byte) (int, error) {
	return s.buf.Write(p)
}

func (s *fakeSendStream) Close() error {
	s.conn.mu.Lock()
	s.conn.uniPayloads = append(s.conn.uniPayloads, append([]byte(nil), s.buf.Bytes()...))
	s.conn.mu.Unlock()
	return nil
}

type fakeStream struct {
	id uint64

	mu     sync.Mutex
	wbuf   bytes.Buffer
	closed bool
}

func (s *fakeStream) StreamID() uint64 { return s.id }

func (s *fakeStream) Read(p []byte) (int, error) { return 0, io.EOF }

func (s *fakeStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wbuf.Write(p)
}

func (s *fakeStream) CloseWrite() error { return nil }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) SetDeadline(time.Time) error      { return nil }
func (s *fakeStream) SetReadDeadline(time.Time) error  { return nil }
func (s *fakeStream) SetWriteDeadline(time.Time) error { return nil }

func (s *fakeStream) written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.wbuf.Bytes()...)
}

// inboundUni wraps bytes as an inbound unidirectional stream.
type inboundUni struct {
	r *bytes.Reader
}

func (s *inboundUni) StreamID() uint64           { return 3 }
func (s *inboundUni) Read(p []byte) (int, error) { return s.r.Read(p) }
func (s *inboundUni) CancelRead(code uint64)     {}

func newTestClient(t *testing.T, fc *fakeConn, opts Options) *Client {
	t.Helper()
	if opts.ClientID == (uuid.UUID{}) {
		opts.ClientID = testClientID
	}
	if opts.Password == "" {
		opts.Password = "hunter2"
	}
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	c, err := New(context.Background(), fc, opts, logging.NopLogger(), m)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNewSendsAuthenticate(t *testing.T) {
	fc := newFakeConn()
	newTestClient(t, fc, Options{})

	payloads := fc.waitUniPayloads(t, 1)
	cmd, err := protocol.ReadCommand(bytes.NewReader(payloads[0]))
	if err != nil {
		t.Fatalf("decode auth payload: %v", err)
	}
	authCmd, ok := cmd.(protocol.Authenticate)
	if !ok {
		t.Fatalf("first command = %T, want Authenticate", cmd)
	}
	if authCmd.ClientID != testClientID {
		t.Errorf("client id = %s", authCmd.ClientID)
	}

	want, err := auth.DeriveToken(fc, testClientID, "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if authCmd.Token != want {
		t.Error("token does not match the session derivation")
	}
}

func TestOpenTCPWritesConnect(t *testing.T) {
	fc := newFakeConn()
	c := newTestClient(t, fc, Options{})

	target := protocol.DomainAddress("example.com", 443)
	stream, err := c.OpenTCP(context.Background(), target)
	if err != nil {
		t.Fatalf("OpenTCP() error = %v", err)
	}
	defer stream.Close()

	fc.mu.Lock()
	raw := fc.biStreams[0].written()
	fc.mu.Unlock()

	cmd, err := protocol.ReadCommand(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("decode connect: %v", err)
	}
	connect, ok := cmd.(protocol.Connect)
	if !ok {
		t.Fatalf("stream command = %T, want Connect", cmd)
	}
	if !connect.Target.Equal(target) {
		t.Errorf("connect target = %v, want %v", connect.Target, target)
	}
}

func TestAssociationSendDatagramMode(t *testing.T) {
	fc := newFakeConn()
	c := newTestClient(t, fc, Options{MaxDatagramSize: 1200})

	assoc, err := c.NewAssociation()
	if err != nil {
		t.Fatalf("NewAssociation() error = %v", err)
	}

	target := protocol.IPAddress(net.ParseIP("203.0.113.1"), 53)
	if err := assoc.Send(target, []byte("dns query")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	dgrams := fc.sentDatagrams()
	if len(dgrams) != 1 {
		t.Fatalf("sent %d datagrams, want 1", len(dgrams))
	}
	cmd, _, err := protocol.Decode(dgrams[0])
	if err != nil {
		t.Fatalf("decode sent datagram: %v", err)
	}
	pkt, ok := cmd.(protocol.Packet)
	if !ok {
		t.Fatalf("datagram command = %T, want Packet", cmd)
	}
	if pkt.AssocID != assoc.ID() {
		t.Errorf("assoc id = %d, want %d", pkt.AssocID, assoc.ID())
	}
	if string(pkt.Payload) != "dns query" {
		t.Errorf("payload = %q", pkt.Payload)
	}
}

func TestAssociationSendFragments(t *testing.T) {
	fc := newFakeConn()
	c := newTestClient(t, fc, Options{MaxDatagramSize: 500})

	assoc, err := c.NewAssociation()
	if err != nil {
		t.Fatal(err)
	}

	target := protocol.IPAddress(net.ParseIP("203.0.113.1"), 53)
	payload := bytes.Repeat([]byte{0xEE}, 2000)
	if err := assoc.Send(target, payload); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	dgrams := fc.sentDatagrams()
	if len(dgrams) < 2 {
		t.Fatalf("sent %d datagrams, want several fragments", len(dgrams))
	}
	for i, d := range dgrams {
		if len(d) > 500 {
			t.Errorf("datagram %d is %d bytes, exceeds budget", i, len(d))
		}
	}
}

func TestAssociationSendStreamMode(t *testing.T) {
	fc := newFakeConn()
	c := newTestClient(t, fc, Options{UDPRelayMode: ModeStream})

	assoc, err := c.NewAssociation()
	if err != nil {
		t.Fatal(err)
	}

	target := protocol.IPAddress(net.ParseIP("203.0.113.1"), 53)
	if err := assoc.Send(target, []byte("reliable")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	// Payload 1 is the packet; payload 0 was the Authenticate.
	payloads := fc.waitUniPayloads(t, 2)
	cmd, err := protocol.ReadCommand(bytes.NewReader(payloads[1]))
	if err != nil {
		t.Fatalf("decode stream payload: %v", err)
	}
	if _, ok := cmd.(protocol.Packet); !ok {
		t.Errorf("stream command = %T, want Packet", cmd)
	}
	if len(fc.sentDatagrams()) != 0 {
		t.Error("stream mode sent datagrams")
	}
}

func TestClientDeliversIncomingPackets(t *testing.T) {
	fc := newFakeConn()
	c := newTestClient(t, fc, Options{})

	assoc, err := c.NewAssociation()
	if err != nil {
		t.Fatal(err)
	}

	from := protocol.IPAddress(net.ParseIP("203.0.113.1"), 53)
	buf, err := protocol.Encode(protocol.Packet{
		AssocID: assoc.ID(), PacketID: 0, FragTotal: 1, FragID: 0,
		Target: from, Payload: []byte("dns answer"),
	})
	if err != nil {
		t.Fatal(err)
	}
	fc.inDatagrams <- buf

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	d, err := assoc.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if string(d.Payload) != "dns answer" {
		t.Errorf("payload = %q", d.Payload)
	}
	if !d.From.Equal(from) {
		t.Errorf("from = %v, want %v", d.From, from)
	}
}

func TestClientReassemblesIncomingFragments(t *testing.T) {
	fc := newFakeConn()
	c := newTestClient(t, fc, Options{})

	assoc, err := c.NewAssociation()
	if err != nil {
		t.Fatal(err)
	}

	from := protocol.IPAddress(net.ParseIP("203.0.113.1"), 53)
	half1, err := protocol.Encode(protocol.Packet{
		AssocID: assoc.ID(), PacketID: 7, FragTotal: 2, FragID: 0,
		Target: from, Payload: []byte("first-"),
	})
	if err != nil {
		t.Fatal(err)
	}
	half2, err := protocol.Encode(protocol.Packet{
		AssocID: assoc.ID(), PacketID: 7, FragTotal: 2, FragID: 1,
		Target: protocol.NoneAddress(), Payload: []byte("second"),
	})
	if err != nil {
		t.Fatal(err)
	}

	// Second fragment arrives over a uni stream, first as a datagram;
	// carriage does not affect reassembly.
	fc.inUni <- &inboundUni{r: bytes.NewReader(half2)}
	fc.inDatagrams <- half1

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	d, err := assoc.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if string(d.Payload) != "first-second" {
		t.Errorf("payload = %q, want %q", d.Payload, "first-second")
	}
}

func TestAssociationCloseSendsDissociate(t *testing.T) {
	fc := newFakeConn()
	c := newTestClient(t, fc, Options{})

	assoc, err := c.NewAssociation()
	if err != nil {
		t.Fatal(err)
	}
	id := assoc.ID()

	if err := assoc.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	payloads := fc.waitUniPayloads(t, 2)
	cmd, err := protocol.ReadCommand(bytes.NewReader(payloads[1]))
	if err != nil {
		t.Fatalf("decode dissociate: %v", err)
	}
	diss, ok := cmd.(protocol.Dissociate)
	if !ok {
		t.Fatalf("command = %T, want Dissociate", cmd)
	}
	if diss.AssocID != id {
		t.Errorf("dissociate assoc id = %d, want %d", diss.AssocID, id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := assoc.Recv(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Recv() after close error = %v, want ErrClosed", err)
	}

	if err := assoc.Send(protocol.IPAddress(net.ParseIP("203.0.113.1"), 53), []byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() after close error = %v, want ErrClosed", err)
	}
}

func TestAssociationIDsIncrement(t *testing.T) {
	fc := newFakeConn()
	c := newTestClient(t, fc, Options{})

	a0, _ := c.NewAssociation()
	a1, _ := c.NewAssociation()
	if a0.ID() == a1.ID() {
		t.Error("association ids collide")
	}
	if a1.ID() != a0.ID()+1 {
		t.Errorf("ids = %d, %d; want consecutive", a0.ID(), a1.ID())
	}
}

func TestHeartbeatFailureBudgetClosesConnection(t *testing.T) {
	fc := newFakeConn()
	c := newTestClient(t, fc, Options{Heartbeat: 10 * time.Millisecond})
	fc.setFailDatagram(true)

	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("client did not close after exhausting the heartbeat budget")
	}
}

func TestHeartbeatsAreSentWhileIdle(t *testing.T) {
	fc := newFakeConn()
	newTestClient(t, fc, Options{Heartbeat: 10 * time.Millisecond})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, d := range fc.sentDatagrams() {
			cmd, _, err := protocol.Decode(d)
			if err != nil {
				continue
			}
			if _, ok := cmd.(protocol.Heartbeat); ok {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no heartbeat datagram observed")
}
