package gateway

import "context"

// Protocol is the pluggable, per-connection handler the framing core
// delegates parsed messages to. The core owns framing, checksums, rate
// limiting and the write queue; everything about message semantics is the
// Protocol's business.
type Protocol interface {
	// OnConnect fires once after Accept begins. It is scheduled on the
	// Dispatcher with a WriteTimeout delay, not called synchronously.
	OnConnect()
	// OnFirstMessage receives the first inbound frame, after any checksum
	// and protocol-id bytes have been stripped from msg.
	OnFirstMessage(msg *InboundMessage)
	// OnReceiveMessage receives every subsequent frame. Returning true
	// pauses the read loop until the connection's Resume is called.
	OnReceiveMessage(msg *InboundMessage) bool
	// OnSendMessage is the pre-write hook, called with the connection lock
	// released so the handler may call Connection.Send from within it
	// without deadlocking. It may mutate msg's buffer in place (stamping a
	// checksum, encrypting, etc).
	OnSendMessage(msg *OutboundMessage)
	// Release marks the end of the Protocol's association with its
	// connection. It is scheduled on the Dispatcher with a WriteTimeout
	// delay on the connection's first Close, and is called at most once.
	Release()
}

// ProtocolFactory describes one protocol a ServicePort can dispatch to.
type ProtocolFactory interface {
	// ProtocolIdentifier is matched against the first body byte of the
	// first frame on a multi-socket ServicePort.
	ProtocolIdentifier() byte
	// IsSingleSocket reports whether this factory is the sole occupant of
	// its ServicePort, known at accept time without inspecting any frame.
	IsSingleSocket() bool
	// IsChecksummed reports whether this protocol's first frame is
	// prefixed with an Adler-32 checksum over the remaining body.
	IsChecksummed() bool
	// ProtocolName is used only for logging.
	ProtocolName() string
	// MakeProtocol constructs a new Protocol bound to conn.
	MakeProtocol(conn *Connection) Protocol
}

// Dispatcher defers a callback to an executor, used for the two hooks
// (OnConnect, Release) that the core never calls synchronously.
// ServiceManager passes its own Reactor as the Dispatcher.
type Dispatcher interface {
	// PostAfter schedules fn to run after delay elapses. Implementations
	// are not required to run fn on any particular goroutine, only to not
	// run it synchronously from within PostAfter.
	PostAfter(delay int, fn func())
}

// AdmissionService is consulted once per accepted socket, before any
// Protocol is constructed.
type AdmissionService interface {
	// AcceptConnection reports whether a connection from remoteIP (host
	// order IPv4, or 0 if unresolved) may proceed.
	AcceptConnection(ctx context.Context, remoteIP uint32) bool
}
