package gateway

import (
	"encoding/binary"
	"hash/adler32"

	"github.com/pkg/errors"
)

const (
	// HeaderLength is the size in bytes of the little-endian body-length
	// prefix that precedes every frame.
	HeaderLength = 2
	// ChecksumLength is the size in bytes of the Adler-32 checksum
	// prefixing a checksummed service's first frame body.
	ChecksumLength = 4
	// MaxFrameBody bounds body_len. A frame whose declared length exceeds
	// this is rejected before its body is ever read.
	MaxFrameBody = 16384
)

var (
	// ErrFrameEmpty is returned by DecodeHeader for a body_len of 0.
	ErrFrameEmpty = errors.New("gateway: frame body_len is zero")
	// ErrFrameTooLarge is returned by DecodeHeader for a body_len over MaxFrameBody.
	ErrFrameTooLarge = errors.New("gateway: frame body_len exceeds MaxFrameBody")
)

// EncodeHeader writes the 2-byte little-endian length prefix for a body of
// length n into dst, which must be at least HeaderLength bytes.
func EncodeHeader(dst []byte, n int) {
	binary.LittleEndian.PutUint16(dst, uint16(n))
}

// DecodeHeader reads the 2-byte little-endian length prefix from hdr and
// validates it against the frame size invariant: 0 < body_len <= MaxFrameBody.
func DecodeHeader(hdr []byte) (int, error) {
	size := int(binary.LittleEndian.Uint16(hdr))
	if size == 0 {
		return 0, ErrFrameEmpty
	}
	if size > MaxFrameBody {
		return 0, ErrFrameTooLarge
	}
	return size, nil
}

// Adler32 computes the Adler-32 checksum of b, matching the checksum a
// checksummed service's first frame carries over its body (minus the
// checksum itself).
func Adler32(b []byte) uint32 {
	return adler32.Checksum(b)
}

// InboundMessage is a cursor over one fully-read frame body, handed to the
// Protocol's OnFirstMessage/OnReceiveMessage hooks.
type InboundMessage struct {
	buf []byte
	pos int
}

// NewInboundMessage wraps buf for sequential consumption starting at offset 0.
func NewInboundMessage(buf []byte) *InboundMessage {
	return &InboundMessage{buf: buf}
}

// Len returns the number of unread bytes remaining.
func (m *InboundMessage) Len() int {
	return len(m.buf) - m.pos
}

// PeekByte returns the next unread byte without advancing the cursor. It
// panics if the message is exhausted; callers must check Len first.
func (m *InboundMessage) PeekByte() byte {
	return m.buf[m.pos]
}

// GetByte reads and advances past one byte.
func (m *InboundMessage) GetByte() byte {
	b := m.buf[m.pos]
	m.pos++
	return b
}

// GetBytes reads and advances past n bytes.
func (m *InboundMessage) GetBytes(n int) []byte {
	b := m.buf[m.pos : m.pos+n]
	m.pos += n
	return b
}

// SkipBytes advances (or, with a negative n, rewinds) the cursor by n bytes.
// Used for the checksum-mismatch rewind described in the frame format.
func (m *InboundMessage) SkipBytes(n int) {
	m.pos += n
}

// Remaining returns every byte not yet consumed.
func (m *InboundMessage) Remaining() []byte {
	return m.buf[m.pos:]
}

// OutboundMessage is one queued write. Protocol.OnSendMessage may rewrite
// Buf in place (stamping a checksum, encrypting) before it is flushed to
// the socket; Buf's full contents, including any length header the caller
// wrote, are written verbatim.
type OutboundMessage struct {
	Buf []byte
}

// NewOutboundMessage allocates an OutboundMessage with a HeaderLength-byte
// header already written ahead of body.
func NewOutboundMessage(body []byte) *OutboundMessage {
	buf := make([]byte, HeaderLength+len(body))
	EncodeHeader(buf, len(body))
	copy(buf[HeaderLength:], body)
	return &OutboundMessage{Buf: buf}
}
