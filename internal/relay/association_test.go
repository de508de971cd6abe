package relay

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/windrift-io/windrift/internal/fragment"
	"github.com/windrift-io/windrift/internal/logging"
	"github.com/windrift-io/windrift/internal/metrics"
	"github.com/windrift-io/windrift/internal/protocol"
)

// captureSender records return-path packets for inspection.
type captureSender struct {
	mu      sync.Mutex
	packets []protocol.Packet
	stream  []bool
}

func (s *captureSender) SendPacket(pkt protocol.Packet, streamMode bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets = append(s.packets, pkt)
	s.stream = append(s.stream, streamMode)
	return nil
}

func (s *captureSender) snapshot() []protocol.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Packet(nil), s.packets...)
}

func testTable(t *testing.T, sender PacketSender, opts TableOptions) (*Table, *fragment.Assembler) {
	t.Helper()
	asm := fragment.NewAssembler(0)
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	table := NewTable(sender, asm, logging.NopLogger(), m, opts)
	t.Cleanup(table.Close)
	return table, asm
}

func TestTableGetOrCreateIsStable(t *testing.T) {
	table, _ := testTable(t, &captureSender{}, TableOptions{})

	a1, err := table.GetOrCreate(7)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	a2, err := table.GetOrCreate(7)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if a1 != a2 {
		t.Error("GetOrCreate() allocated a second association for the same id")
	}
	if table.Len() != 1 {
		t.Errorf("Len() = %d, want 1", table.Len())
	}
}

func TestTableRemoveIsIdempotent(t *testing.T) {
	table, asm := testTable(t, &captureSender{}, TableOptions{})

	if _, err := table.GetOrCreate(3); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	// Seed a half-assembled packet for the association.
	if _, _, err := asm.Ingest(protocol.Packet{
		AssocID: 3, PacketID: 1, FragTotal: 2, FragID: 0,
		Target:  protocol.IPAddress(net.ParseIP("127.0.0.1"), 1),
		Payload: []byte("x"),
	}); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	table.Remove(3)
	table.Remove(3) // absent id is a no-op
	table.Remove(9) // never existed

	if table.Len() != 0 {
		t.Errorf("Len() = %d after removal, want 0", table.Len())
	}
	if asm.Len() != 0 {
		t.Error("reassembly buffers survived association removal")
	}
}

func TestAssociationRelaysAndReceives(t *testing.T) {
	// Local UDP echo server stands in for the far side.
	echo, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer echo.Close()
	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := echo.ReadFromUDP(buf)
			if err != nil {
				return
			}
			echo.WriteToUDP(buf[:n], addr)
		}
	}()

	sender := &captureSender{}
	table, _ := testTable(t, sender, TableOptions{MaxDatagramSize: 1200})

	assoc, err := table.GetOrCreate(1)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	echoAddr := echo.LocalAddr().(*net.UDPAddr)
	target := protocol.IPAddress(echoAddr.IP, uint16(echoAddr.Port))
	payload := []byte("ping through the relay")

	if err := assoc.SendTo(target, payload); err != nil {
		t.Fatalf("SendTo() error = %v", err)
	}

	// The read loop should pick up the echo and hand it to the sender.
	deadline := time.Now().Add(3 * time.Second)
	var got []protocol.Packet
	for time.Now().Before(deadline) {
		if got = sender.snapshot(); len(got) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(got) != 1 {
		t.Fatalf("received %d return packets, want 1", len(got))
	}

	pkt := got[0]
	if pkt.AssocID != 1 {
		t.Errorf("return packet assoc_id = %d, want 1", pkt.AssocID)
	}
	if pkt.FragTotal != 1 || pkt.FragID != 0 {
		t.Errorf("return packet fragments = %d/%d, want single", pkt.FragID, pkt.FragTotal)
	}
	if !bytes.Equal(pkt.Payload, payload) {
		t.Error("return packet payload differs from echo")
	}
	if pkt.Target.IsNone() {
		t.Error("return packet carries no source address")
	}
	if pkt.Target.Port != uint16(echoAddr.Port) {
		t.Errorf("return packet source port = %d, want %d", pkt.Target.Port, echoAddr.Port)
	}
}

func TestAssociationFragmentsLargeReturns(t *testing.T) {
	echo, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer echo.Close()
	go func() {
		buf := make([]byte, 65535)
		for {
			n, addr, err := echo.ReadFromUDP(buf)
			if err != nil {
				return
			}
			echo.WriteToUDP(buf[:n], addr)
		}
	}()

	sender := &captureSender{}
	table, _ := testTable(t, sender, TableOptions{MaxDatagramSize: 700})

	assoc, err := table.GetOrCreate(2)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	echoAddr := echo.LocalAddr().(*net.UDPAddr)
	target := protocol.IPAddress(echoAddr.IP, uint16(echoAddr.Port))
	payload := bytes.Repeat([]byte{0x5A}, 3000)

	if err := assoc.SendTo(target, payload); err != nil {
		t.Fatalf("SendTo() error = %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	var got []protocol.Packet
	for time.Now().Before(deadline) {
		if got = sender.snapshot(); len(got) >= 2 {
			// All fragments of one packet arrive together from a
			// single sendToNearSide call.
			if int(got[0].FragTotal) == len(got) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(got) < 2 {
		t.Fatalf("received %d return packets, want several fragments", len(got))
	}

	// Reassemble through the real assembler to prove the round trip.
	asm := fragment.NewAssembler(0)
	var complete []byte
	for _, pkt := range got {
		data, _, err := asm.Ingest(pkt)
		if err != nil {
			t.Fatalf("Ingest() error = %v", err)
		}
		if data != nil {
			complete = data
		}
	}
	if !bytes.Equal(complete, payload) {
		t.Error("fragmented return path did not reassemble to the original payload")
	}
}

func TestTableIdleEviction(t *testing.T) {
	table, _ := testTable(t, &captureSender{}, TableOptions{IdleTimeout: 100 * time.Millisecond})

	if _, err := table.GetOrCreate(5); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if table.Len() == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("idle association was not evicted")
}

func TestTableClosedRejectsNewAssociations(t *testing.T) {
	asm := fragment.NewAssembler(0)
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	table := NewTable(&captureSender{}, asm, logging.NopLogger(), m, TableOptions{})
	table.Close()

	if _, err := table.GetOrCreate(1); err != ErrTableClosed {
		t.Errorf("GetOrCreate() after Close error = %v, want ErrTableClosed", err)
	}
}
