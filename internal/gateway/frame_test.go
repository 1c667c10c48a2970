package gateway

import (
	"testing"

	"github.com/go-test/deep"
	"github.com/google/go-cmp/cmp"
)

func TestHeaderRoundTrip(t *testing.T) {
	for _, n := range []int{1, 2, 255, 256, MaxFrameBody} {
		hdr := make([]byte, HeaderLength)
		EncodeHeader(hdr, n)

		got, err := DecodeHeader(hdr)
		if err != nil {
			t.Fatalf("DecodeHeader(%d) returned error: %v", n, err)
		}
		if got != n {
			t.Errorf("DecodeHeader round-trip: got %d, want %d", got, n)
		}
	}
}

func TestHeaderRejectsZero(t *testing.T) {
	hdr := make([]byte, HeaderLength)
	EncodeHeader(hdr, 0)

	if _, err := DecodeHeader(hdr); err != ErrFrameEmpty {
		t.Errorf("DecodeHeader(0) = %v, want ErrFrameEmpty", err)
	}
}

func TestHeaderRejectsOversize(t *testing.T) {
	hdr := make([]byte, HeaderLength)
	EncodeHeader(hdr, MaxFrameBody+1)

	if _, err := DecodeHeader(hdr); err != ErrFrameTooLarge {
		t.Errorf("DecodeHeader(MaxFrameBody+1) = %v, want ErrFrameTooLarge", err)
	}
}

func TestAdler32MatchesOnUntamperedBody(t *testing.T) {
	body := []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF}
	sum := Adler32(body)

	if Adler32(body) != sum {
		t.Errorf("Adler32 is not deterministic for the same input")
	}

	tampered := append([]byte{}, body...)
	tampered[0] ^= 0xFF
	if Adler32(tampered) == sum {
		t.Errorf("Adler32 collided on a tampered body, want mismatch")
	}
}

func TestInboundMessageCursor(t *testing.T) {
	msg := NewInboundMessage([]byte{0x01, 0x02, 0x03, 0x04, 0x05})

	if got := msg.GetByte(); got != 0x01 {
		t.Fatalf("GetByte() = %x, want 0x01", got)
	}

	got := msg.GetBytes(2)
	want := []byte{0x02, 0x03}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("GetBytes(2) mismatch (-want +got):\n%s", diff)
	}

	msg.SkipBytes(-2)
	if msg.Len() != 4 {
		t.Errorf("Len() after rewind = %d, want 4", msg.Len())
	}
	if got := msg.PeekByte(); got != 0x02 {
		t.Errorf("PeekByte() after rewind = %x, want 0x02", got)
	}
}

func TestInboundMessageRemainingMatchesSequentialReads(t *testing.T) {
	raw := []byte{0x10, 0x20, 0x30, 0x40, 0x50}

	byGetByte := NewInboundMessage(raw)
	byGetByte.GetByte()

	byGetBytes := NewInboundMessage(raw)
	byGetBytes.GetBytes(1)

	if diff := deep.Equal(byGetByte.Remaining(), byGetBytes.Remaining()); diff != nil {
		t.Errorf("Remaining() disagreed between GetByte and GetBytes(1): %v", diff)
	}
}

func TestOutboundMessageWritesHeader(t *testing.T) {
	body := []byte{0xAA, 0xBB, 0xCC}
	msg := NewOutboundMessage(body)

	size, err := DecodeHeader(msg.Buf[:HeaderLength])
	if err != nil {
		t.Fatalf("DecodeHeader on encoded outbound message: %v", err)
	}
	if size != len(body) {
		t.Errorf("encoded body_len = %d, want %d", size, len(body))
	}
	if diff := cmp.Diff(body, msg.Buf[HeaderLength:]); diff != "" {
		t.Errorf("outbound body mismatch (-want +got):\n%s", diff)
	}
}
