package gateway

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"
)

type connState int32

const (
	stateIdentifying connState = iota
	stateReadingProxyRemainder
	stateOpen
	stateClosed
)

// ConnectionConfig carries the subset of configuration a Connection needs
// that doesn't belong to the ServicePort or ServiceManager that owns it.
type ConnectionConfig struct {
	ServerName          string
	MaxPacketsPerSecond int
	ReadTimeoutSeconds  int
	WriteTimeoutSeconds int
}

// Connection is the per-socket state machine: identification, proxy
// preamble detection, length-prefixed frame reading, checksum validation,
// rate limiting, and the outbound write queue.
type Connection struct {
	conn     net.Conn
	sp       *ServicePort
	registry *ConnectionRegistry
	reactor  *Reactor
	dispatch Dispatcher
	logger   *logrus.Logger
	cfg      ConnectionConfig

	state atomic.Int32

	mu        sync.Mutex
	protocol  Protocol
	outbound  *queue.Queue
	closeDone bool

	receivedFirst bool
	timeConnected time.Time
	packetsSent   int

	cachedIP atomic.Uint32

	resumeCh chan struct{}
}

// NewConnection wraps conn for the framing state machine. sp is the
// ServicePort that accepted it, used for multi-socket first-frame protocol
// dispatch.
func NewConnection(conn net.Conn, sp *ServicePort, registry *ConnectionRegistry, reactor *Reactor, dispatch Dispatcher, logger *logrus.Logger, cfg ConnectionConfig) *Connection {
	c := &Connection{
		conn:     conn,
		sp:       sp,
		registry: registry,
		reactor:  reactor,
		dispatch: dispatch,
		logger:   logger,
		cfg:      cfg,
		outbound: queue.New(),
		resumeCh: make(chan struct{}, 1),
	}
	c.cachedIP.Store(1) // unresolved
	c.timeConnected = time.Now()
	return c
}

func (c *Connection) loadState() connState {
	return connState(c.state.Load())
}

func (c *Connection) storeState(s connState) {
	c.state.Store(int32(s))
}

// IsClosed reports whether Close has already run.
func (c *Connection) IsClosed() bool {
	return c.loadState() == stateClosed
}

// Accept registers the connection and begins the single-socket read
// pipeline: proxy preamble identification, then the ordinary header/body
// loop. protocol is already known at accept time (the ServicePort's sole
// service is single-socket).
func (c *Connection) Accept(protocol Protocol) {
	c.registry.Insert(c)
	c.mu.Lock()
	c.protocol = protocol
	c.mu.Unlock()
	c.storeState(stateIdentifying)

	c.dispatch.PostAfter(c.cfg.WriteTimeoutSeconds, protocol.OnConnect)

	go c.runIdentify()
}

// AcceptMultiplexed registers the connection and begins the multi-socket
// read pipeline directly in the header phase; the protocol is selected from
// the first frame's identifier once it arrives.
func (c *Connection) AcceptMultiplexed() {
	c.registry.Insert(c)
	c.storeState(stateOpen)

	go c.runReadLoop(nil)
}

func (c *Connection) readFull(buf []byte) error {
	if err := c.conn.SetReadDeadline(time.Now().Add(time.Duration(c.cfg.ReadTimeoutSeconds) * time.Second)); err != nil {
		return err
	}
	_, err := io.ReadFull(c.conn, buf)
	return err
}

func (c *Connection) runIdentify() {
	hdr := make([]byte, HeaderLength)
	if err := c.readFull(hdr); err != nil {
		c.onReadError("parseProxyIdentification", err)
		return
	}

	preamble := []byte(c.cfg.ServerName + "\n")
	if len(preamble) < 2 || hdr[1] == 0 || !bytes.EqualFold(hdr, preamble[:2]) {
		// Probably not a proxy preamble; fall back to standard header parsing
		// using the bytes already read instead of issuing a new read.
		c.storeState(stateOpen)
		c.runReadLoop(hdr)
		return
	}

	remainder := preamble[2:]
	if len(remainder) > 0 {
		c.storeState(stateReadingProxyRemainder)
		rest := make([]byte, len(remainder))
		if err := c.readFull(rest); err != nil {
			c.onReadError("parseProxyIdentification", err)
			return
		}
		if !bytes.EqualFold(rest, remainder) {
			c.logger.Error("gateway: proxy preamble mismatch, server name did not match remainder")
			c.Close(true)
			return
		}
	}

	c.storeState(stateOpen)
	c.runReadLoop(nil)
}

// runReadLoop drives the header/body read cycle until the connection
// closes or the protocol asks it to pause (resumed via Resume). firstHeader,
// if non-nil, is a header already read off the wire (the proxy-preamble
// mismatch case) and is processed before any new read is issued.
func (c *Connection) runReadLoop(firstHeader []byte) {
	hdr := firstHeader
	for {
		if hdr == nil {
			hdr = make([]byte, HeaderLength)
			if err := c.readFull(hdr); err != nil {
				c.onReadError("parseHeader", err)
				return
			}
		}

		body, ok := c.handleHeader(hdr)
		hdr = nil
		if !ok {
			return
		}

		pause := c.handleBody(body)
		if c.IsClosed() {
			return
		}
		if pause {
			<-c.resumeCh
			if c.IsClosed() {
				return
			}
		}
	}
}

// Resume wakes a read loop paused by a true return from OnReceiveMessage.
func (c *Connection) Resume() {
	select {
	case c.resumeCh <- struct{}{}:
	default:
	}
}

// handleHeader validates the frame-size invariant, applies the rate
// limiter, and reads the body. ok is false if the connection was closed as
// a result (rejected size, rate limit exceeded, or a failed body read) and
// the caller must stop driving the loop.
func (c *Connection) handleHeader(hdr []byte) (body []byte, ok bool) {
	size, err := DecodeHeader(hdr)
	if err != nil {
		c.Close(true)
		return nil, false
	}

	now := time.Now()
	elapsed := int(now.Sub(c.timeConnected).Seconds()) + 1
	if elapsed < 1 {
		elapsed = 1
	}
	c.packetsSent++
	if c.packetsSent/elapsed > c.cfg.MaxPacketsPerSecond {
		c.logger.Warnf("gateway: %s disconnected for exceeding packet per second limit", c.IPString())
		c.Close(false)
		return nil, false
	}
	if now.Sub(c.timeConnected) > 2*time.Second {
		c.timeConnected = now
		c.packetsSent = 0
	}

	body = make([]byte, size)
	if err := c.readFull(body); err != nil {
		c.onReadError("parsePacket", err)
		return nil, false
	}
	return body, true
}

// handleBody dispatches a frame body to the protocol, choosing between the
// first-frame checksum/dispatch path and the steady-state OnReceiveMessage
// path. It returns true if the caller should pause the read loop.
func (c *Connection) handleBody(body []byte) bool {
	msg := NewInboundMessage(body)

	c.mu.Lock()
	alreadyReceived := c.receivedFirst
	protocol := c.protocol
	c.receivedFirst = true
	c.mu.Unlock()

	if !alreadyReceived {
		if protocol == nil {
			// Multi-socket path: verify the checksum, then let the
			// ServicePort pick a factory by the first body byte.
			checksumOK := false
			if msg.Len() >= ChecksumLength {
				var computed uint32
				if remainder := msg.Len() - ChecksumLength; remainder > 0 {
					computed = Adler32(body[ChecksumLength:])
				}
				recv := binary.LittleEndian.Uint32(msg.GetBytes(ChecksumLength))
				checksumOK = recv == computed
				if !checksumOK {
					// Not checksummed after all; rewind so the protocol-id
					// byte lines up with what was meant to be read first.
					msg.SkipBytes(-ChecksumLength)
				}
			}

			if msg.Len() == 0 {
				c.Close(true)
				return false
			}

			newProtocol := c.sp.MakeProtocol(checksumOK, msg, c)
			if newProtocol == nil {
				c.Close(true)
				return false
			}
			c.mu.Lock()
			c.protocol = newProtocol
			c.mu.Unlock()
			protocol = newProtocol
		} else {
			// Single-socket path: the leading bytes are a sequence number
			// or checksum the core doesn't distinguish, followed by the
			// protocol-id byte already known from accept time.
			if msg.Len() < ChecksumLength+1 {
				c.Close(true)
				return false
			}
			msg.SkipBytes(ChecksumLength)
			msg.SkipBytes(1)
		}

		protocol.OnFirstMessage(msg)
		return false
	}

	return protocol.OnReceiveMessage(msg)
}

func (c *Connection) onReadError(where string, err error) {
	switch {
	case errors.Is(err, io.EOF), isConnReset(err):
		c.logger.Debugf("gateway: %s read error from %s: %v", where, c.IPString(), err)
	case isTimeout(err):
		c.logger.Debugf("gateway: %s timeout, ip=%s", where, c.IPString())
	default:
		c.logger.Warnf("gateway: %s read error from %s: %v", where, c.IPString(), err)
	}
	c.Close(true)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isConnReset(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF)
}

// Send enqueues msg for delivery. Dropped silently if the connection is
// already closed.
func (c *Connection) Send(msg *OutboundMessage) {
	if c.IsClosed() {
		return
	}

	c.mu.Lock()
	wasEmpty := c.outbound.Length() == 0
	c.outbound.Add(msg)
	c.mu.Unlock()

	if !wasEmpty {
		return
	}

	if c.IsClosed() {
		c.mu.Lock()
		c.outbound = queue.New()
		c.mu.Unlock()
		c.closeSocket()
		return
	}

	c.reactor.Post(c.internalWorker)
}

func (c *Connection) internalWorker() {
	c.mu.Lock()
	if c.outbound.Length() == 0 {
		c.mu.Unlock()
		if c.IsClosed() {
			c.closeSocket()
		}
		return
	}
	head := c.outbound.Peek().(*OutboundMessage)
	protocol := c.protocol
	c.mu.Unlock()

	if protocol != nil {
		protocol.OnSendMessage(head)
	}
	c.internalSend(head)
}

func (c *Connection) internalSend(msg *OutboundMessage) {
	if err := c.conn.SetWriteDeadline(time.Now().Add(time.Duration(c.cfg.WriteTimeoutSeconds) * time.Second)); err != nil {
		c.onWriteOperation(err)
		return
	}
	_, err := c.conn.Write(msg.Buf)
	c.onWriteOperation(err)
}

func (c *Connection) onWriteOperation(err error) {
	c.mu.Lock()
	if c.outbound.Length() > 0 {
		c.outbound.Remove()
	}

	if err != nil {
		c.outbound = queue.New()
		c.mu.Unlock()
		c.logger.Warnf("gateway: write error to %s: %v", c.IPString(), err)
		c.Close(true)
		return
	}

	empty := c.outbound.Length() == 0
	var next *OutboundMessage
	protocol := c.protocol
	if !empty {
		next = c.outbound.Peek().(*OutboundMessage)
	}
	// Held since the pop above: a Send arriving between the pop and this
	// check must not see an empty queue and kick off a second, concurrent
	// chain onto the same socket. The lock is released before the
	// OnSendMessage callback and the socket write that follows it.
	c.mu.Unlock()

	if !empty {
		if protocol != nil {
			protocol.OnSendMessage(next)
		}
		c.internalSend(next)
		return
	}

	if c.IsClosed() {
		c.closeSocket()
	}
}

// IP returns the lazily-resolved remote address as a host-order uint32.
// The sentinel 1 ("unresolved") triggers a resolution attempt; resolution
// failure or a closed connection both collapse to 0.
func (c *Connection) IP() uint32 {
	if c.cachedIP.Load() != 1 {
		return c.cachedIP.Load()
	}

	addr, ok := c.conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		c.cachedIP.Store(0)
		return 0
	}
	ip4 := addr.IP.To4()
	if ip4 == nil {
		c.cachedIP.Store(0)
		return 0
	}
	c.cachedIP.Store(binary.BigEndian.Uint32(ip4))
	return c.cachedIP.Load()
}

// IPString renders IP for logging, falling back to "unknown" for a
// not-yet-connected or already-closed socket.
func (c *Connection) IPString() string {
	ip := c.IP()
	if ip == 0 {
		return "unknown"
	}
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, ip)
	return net.IP(b).String()
}

// Close tears the connection down. force truncates any queued writes;
// without it, the write pipeline is left to drain before the socket closes.
// Close is idempotent and safe to call from multiple goroutines.
func (c *Connection) Close(force bool) {
	c.registry.Erase(c)
	c.cachedIP.Store(0)

	for {
		cur := c.state.Load()
		if connState(cur) == stateClosed {
			return
		}
		if c.state.CompareAndSwap(cur, int32(stateClosed)) {
			break
		}
	}

	c.mu.Lock()
	protocol := c.protocol
	empty := c.outbound.Length() == 0
	c.mu.Unlock()

	if protocol != nil {
		c.dispatch.PostAfter(c.cfg.WriteTimeoutSeconds, protocol.Release)
	}

	if empty || force {
		c.closeSocket()
	}

	// Unblock a read loop parked waiting for Resume so it can observe the
	// closed state and return.
	c.Resume()
}

func (c *Connection) closeSocket() {
	c.mu.Lock()
	if c.closeDone {
		c.mu.Unlock()
		return
	}
	c.closeDone = true
	c.mu.Unlock()

	_ = c.conn.Close()
}
