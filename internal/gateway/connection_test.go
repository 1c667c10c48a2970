package gateway

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func newLoopbackPair(t *testing.T) (server *net.TCPConn, client *net.TCPConn) {
	t.Helper()

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("error initializing test listener: %v", err)
	}
	defer listener.Close()

	addr := listener.Addr().(*net.TCPAddr)
	client, err = net.DialTCP("tcp", nil, addr)
	if err != nil {
		t.Fatalf("error dialing test listener: %v", err)
	}

	server, err = listener.AcceptTCP()
	if err != nil {
		t.Fatalf("error accepting test connection: %v", err)
	}
	return server, client
}

type recordingProtocol struct {
	connected     chan struct{}
	firstMessage  chan []byte
	receivedBytes chan []byte
	sentMessages  chan []byte
	released      chan struct{}

	pauseAfterFirst bool
}

func newRecordingProtocol() *recordingProtocol {
	return &recordingProtocol{
		connected:     make(chan struct{}, 1),
		firstMessage:  make(chan []byte, 8),
		receivedBytes: make(chan []byte, 8),
		sentMessages:  make(chan []byte, 8),
		released:      make(chan struct{}, 1),
	}
}

func (p *recordingProtocol) OnConnect() { p.connected <- struct{}{} }
func (p *recordingProtocol) OnFirstMessage(msg *InboundMessage) {
	p.firstMessage <- append([]byte{}, msg.Remaining()...)
}
func (p *recordingProtocol) OnReceiveMessage(msg *InboundMessage) bool {
	p.receivedBytes <- append([]byte{}, msg.Remaining()...)
	return p.pauseAfterFirst
}
func (p *recordingProtocol) OnSendMessage(msg *OutboundMessage) {
	p.sentMessages <- append([]byte{}, msg.Buf...)
}
func (p *recordingProtocol) Release() { p.released <- struct{}{} }

type immediateDispatcher struct{}

func (immediateDispatcher) PostAfter(_ int, fn func()) { go fn() }

type stubFactory struct {
	id            byte
	singleSocket  bool
	checksummed   bool
	name          string
	madeProtocols []*recordingProtocol
	protocol      *recordingProtocol
}

func (f *stubFactory) ProtocolIdentifier() byte { return f.id }
func (f *stubFactory) IsSingleSocket() bool     { return f.singleSocket }
func (f *stubFactory) IsChecksummed() bool      { return f.checksummed }
func (f *stubFactory) ProtocolName() string     { return f.name }
func (f *stubFactory) MakeProtocol(_ *Connection) Protocol {
	if f.protocol != nil {
		return f.protocol
	}
	return newRecordingProtocol()
}

func testConnCfg() ConnectionConfig {
	return ConnectionConfig{
		ServerName:          "OT",
		MaxPacketsPerSecond: 10,
		ReadTimeoutSeconds:  5,
		WriteTimeoutSeconds: 5,
	}
}

func newTestHarness(t *testing.T, sp *ServicePort) (*Connection, *net.TCPConn, *Reactor) {
	t.Helper()

	server, client := newLoopbackPair(t)
	t.Cleanup(func() { client.Close() })

	reactor := NewReactor(2)
	t.Cleanup(reactor.Shutdown)

	registry := NewConnectionRegistry()
	c := NewConnection(server, sp, registry, reactor, immediateDispatcher{}, testLogger(), testConnCfg())
	return c, client, reactor
}

// Scenario 1: single-socket proxy preamble accepted.
func TestConnection_SingleSocketProxyPreambleAccepted(t *testing.T) {
	proto := newRecordingProtocol()
	factory := &stubFactory{id: 1, singleSocket: true, name: "OT", protocol: proto}
	sp := &ServicePort{services: []ProtocolFactory{factory}}

	c, client, _ := newTestHarness(t, sp)
	c.Accept(proto)

	if _, err := client.Write([]byte("OT\n")); err != nil {
		t.Fatalf("write preamble: %v", err)
	}

	body := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0x01, 0x99}
	hdr := make([]byte, HeaderLength)
	EncodeHeader(hdr, len(body))
	if _, err := client.Write(append(hdr, body...)); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	select {
	case msg := <-proto.firstMessage:
		if len(msg) != 1 || msg[0] != 0x99 {
			t.Errorf("OnFirstMessage payload = %v, want [0x99]", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnFirstMessage never called")
	}
}

// Scenario 2: single-socket, no preamble sent.
func TestConnection_SingleSocketNoPreamble(t *testing.T) {
	proto := newRecordingProtocol()
	factory := &stubFactory{id: 1, singleSocket: true, name: "OT", protocol: proto}
	sp := &ServicePort{services: []ProtocolFactory{factory}}

	c, client, _ := newTestHarness(t, sp)
	c.Accept(proto)

	body := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	hdr := make([]byte, HeaderLength)
	EncodeHeader(hdr, len(body))
	if _, err := client.Write(append(hdr, body...)); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	select {
	case msg := <-proto.firstMessage:
		if len(msg) != 0 {
			t.Errorf("OnFirstMessage payload = %v, want empty (4 skipped + 1 id byte consumed from a 5-byte body)", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnFirstMessage never called")
	}
}

// Scenario 3: multi-socket checksum match dispatches to the matching service.
func TestConnection_MultiSocketChecksumMatch(t *testing.T) {
	protoA := newRecordingProtocol()
	factoryA := &stubFactory{id: 0x01, checksummed: true, name: "checksummed", protocol: protoA}
	factoryB := &stubFactory{id: 0x02, checksummed: false, name: "plain"}
	sp := &ServicePort{services: []ProtocolFactory{factoryA, factoryB}}

	c, client, _ := newTestHarness(t, sp)
	c.AcceptMultiplexed()

	payload := []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF}
	checksum := Adler32(payload)
	body := make([]byte, 0, ChecksumLength+len(payload))
	checksumBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(checksumBytes, checksum)
	body = append(body, checksumBytes...)
	body = append(body, payload...)

	hdr := make([]byte, HeaderLength)
	EncodeHeader(hdr, len(body))
	if _, err := client.Write(append(hdr, body...)); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	select {
	case msg := <-protoA.firstMessage:
		want := []byte{0xFF, 0xFF, 0xFF, 0xFF}
		if string(msg) != string(want) {
			t.Errorf("OnFirstMessage payload = %v, want %v", msg, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected service 0x01's OnFirstMessage to fire")
	}
}

// Scenario 4: multi-socket checksum mismatch force-closes when no service matches.
func TestConnection_MultiSocketChecksumMismatchForceCloses(t *testing.T) {
	factoryA := &stubFactory{id: 0x01, checksummed: true, name: "checksummed"}
	factoryB := &stubFactory{id: 0x02, checksummed: false, name: "plain"}
	sp := &ServicePort{services: []ProtocolFactory{factoryA, factoryB}}

	c, client, _ := newTestHarness(t, sp)
	c.AcceptMultiplexed()

	// Checksum bytes are garbage (0xAA first byte becomes the "protocol id"
	// after rewind); no service has identifier 0xAA.
	body := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0x01, 0xFF, 0xFF, 0xFF, 0xFF}
	hdr := make([]byte, HeaderLength)
	EncodeHeader(hdr, len(body))
	if _, err := client.Write(append(hdr, body...)); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.IsClosed() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("connection was not force-closed after unmatched protocol id")
}

// Scenario 5: the rate limiter closes a connection that exceeds MAX_PACKETS_PER_SECOND.
func TestConnection_RateLimiterClosesOnExcess(t *testing.T) {
	proto := newRecordingProtocol()
	factory := &stubFactory{id: 1, singleSocket: true, protocol: proto}
	sp := &ServicePort{services: []ProtocolFactory{factory}}

	c, client, _ := newTestHarness(t, sp)
	c.cfg.MaxPacketsPerSecond = 10
	c.Accept(proto)

	// A real handler never blocks the read loop waiting for its caller to
	// drain a result queue; drain receivedBytes the same way so the loop
	// can reach the rate limiter's trip point instead of stalling on a
	// full channel one frame short of it.
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		for {
			select {
			case <-proto.receivedBytes:
			case <-proto.firstMessage:
			case <-done:
				return
			}
		}
	}()

	// Consume the single-socket preamble skip by sending the proxy preamble
	// once, then hammer frames well above the configured limit.
	client.Write([]byte("OT\n"))

	body := []byte{0, 0, 0, 0, 1} // 4 skipped + 1 id byte, no payload
	hdr := make([]byte, HeaderLength)
	EncodeHeader(hdr, len(body))
	frame := append(hdr, body...)

	for i := 0; i < 25; i++ {
		if _, err := client.Write(frame); err != nil {
			break
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.IsClosed() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("connection was not closed after exceeding the packet rate limit")
}

// Scenario 6: an oversize frame force-closes before any body read.
func TestConnection_OversizeFrameForceCloses(t *testing.T) {
	proto := newRecordingProtocol()
	factory := &stubFactory{id: 1, singleSocket: true, protocol: proto}
	sp := &ServicePort{services: []ProtocolFactory{factory}}

	c, client, _ := newTestHarness(t, sp)
	c.Accept(proto)
	client.Write([]byte("OT\n"))

	hdr := make([]byte, HeaderLength)
	EncodeHeader(hdr, MaxFrameBody+1)
	client.Write(hdr)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.IsClosed() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("connection was not force-closed on an oversize frame")
}

// Scenario 7: writes are observed by the peer in submission order, and
// OnSendMessage fires once per message in that same order.
func TestConnection_WriteOrdering(t *testing.T) {
	proto := newRecordingProtocol()
	factory := &stubFactory{id: 1, singleSocket: true, protocol: proto}
	sp := &ServicePort{services: []ProtocolFactory{factory}}

	c, client, _ := newTestHarness(t, sp)
	c.Accept(proto)

	m1 := NewOutboundMessage([]byte("first"))
	m2 := NewOutboundMessage([]byte("second"))
	c.Send(m1)
	c.Send(m2)

	buf := make([]byte, len(m1.Buf)+len(m2.Buf))
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := readFullHelper(client, buf); err != nil {
		t.Fatalf("reading combined writes: %v", err)
	}

	if string(buf[:len(m1.Buf)]) != string(m1.Buf) {
		t.Errorf("first message bytes did not arrive first, got:\n%s", spew.Sdump(buf))
	}
	if string(buf[len(m1.Buf):]) != string(m2.Buf) {
		t.Errorf("second message bytes did not arrive second, got:\n%s", spew.Sdump(buf))
	}

	first := <-proto.sentMessages
	second := <-proto.sentMessages
	if string(first) != string(m1.Buf) || string(second) != string(m2.Buf) {
		t.Errorf("OnSendMessage order mismatch, got:\n%s", spew.Sdump([][]byte{first, second}))
	}
}

func readFullHelper(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestConnection_CloseCallsReleaseExactlyOnce(t *testing.T) {
	proto := newRecordingProtocol()
	factory := &stubFactory{id: 1, singleSocket: true, protocol: proto}
	sp := &ServicePort{services: []ProtocolFactory{factory}}

	c, _, _ := newTestHarness(t, sp)
	c.Accept(proto)

	c.Close(true)
	c.Close(true)
	c.Close(false)

	select {
	case <-proto.released:
	case <-time.After(time.Second):
		t.Fatal("Release was never called")
	}

	select {
	case <-proto.released:
		t.Fatal("Release was called more than once")
	case <-time.After(100 * time.Millisecond):
	}
}
