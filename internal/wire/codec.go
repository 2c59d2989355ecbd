package wire

import (
	"encoding/binary"
	"io"
)

// DefaultMaxMessageSize is the ceiling for any non-CopyData message.
const DefaultMaxMessageSize = 1 << 20 // 1 MiB

// DefaultMaxCopyMessageSize is the ceiling for CopyData message bodies.
const DefaultMaxCopyMessageSize = 1 << 30 // 1 GiB

// Incomplete is returned by Reader.Read when fewer than Length bytes are
// currently buffered; the caller should read more from the socket and
// retry without losing already-buffered bytes.
var Incomplete = newProtocolError(InvalidLength, "incomplete: more data required")

// IsIncomplete reports whether err is the Incomplete sentinel.
func IsIncomplete(err error) bool {
	return err == Incomplete
}

// Reader frames messages out of an in-memory buffer. It never performs
// I/O itself — callers own reading bytes from the socket into the
// buffer (see Conn for the socket-attached convenience wrapper). This
// keeps the codec allocation-free on the steady-state path: Read
// returns a Message whose Body aliases the buffer.
type Reader struct {
	expectingUntagged bool
	maxMessageSize     int
	maxCopyMessageSize int
}

// NewReader creates a Reader. untagged controls whether the very first
// Read call expects an untagged message (StartupMessage/SSLRequest/
// CancelRequest) — true for a fresh client connection's frontend side,
// false everywhere else (backend messages always carry a tag, as do
// all frontend messages after startup).
func NewReader(untagged bool) *Reader {
	return &Reader{
		expectingUntagged: untagged,
		maxMessageSize:     DefaultMaxMessageSize,
		maxCopyMessageSize: DefaultMaxCopyMessageSize,
	}
}

// SetLimits overrides the default max message sizes.
func (r *Reader) SetLimits(maxMessage, maxCopyMessage int) {
	if maxMessage > 0 {
		r.maxMessageSize = maxMessage
	}
	if maxCopyMessage > 0 {
		r.maxCopyMessageSize = maxCopyMessage
	}
}

// DoneWithUntagged clears the untagged-first-message flag. Called once
// the startup message (and any SSLRequest/CancelRequest retries) have
// been consumed.
func (r *Reader) DoneWithUntagged() {
	r.expectingUntagged = false
}

// Read attempts to frame one message out of buf. On success it returns
// the message and the number of bytes consumed from the front of buf.
// Returns Incomplete (consumed=0) if buf doesn't yet hold a full
// message. Returns a *ProtocolError for malformed framing.
func (r *Reader) Read(buf []byte) (msg Message, consumed int, err error) {
	if r.expectingUntagged {
		return r.readUntagged(buf)
	}
	return r.readTagged(buf)
}

func (r *Reader) readUntagged(buf []byte) (Message, int, error) {
	if len(buf) < 4 {
		return Message{}, 0, Incomplete
	}
	length := int(binary.BigEndian.Uint32(buf[:4]))
	if length < 4 {
		return Message{}, 0, newProtocolError(InvalidLength, "untagged length %d < 4", length)
	}
	if length > r.maxMessageSize {
		return Message{}, 0, newProtocolError(InvalidLength, "untagged length %d exceeds max %d", length, r.maxMessageSize)
	}
	if len(buf) < length {
		return Message{}, 0, Incomplete
	}
	body := buf[4:length]
	return Message{HasTag: false, Body: body}, length, nil
}

func (r *Reader) readTagged(buf []byte) (Message, int, error) {
	if len(buf) < 1 {
		return Message{}, 0, Incomplete
	}
	tag := buf[0]
	if len(buf) < 5 {
		// Need at least tag + length. Distinguish "need more bytes"
		// from "truncated after tag" only once the peer has actually
		// closed — that's a connection-layer concern, not the codec's;
		// here it's simply Incomplete.
		return Message{}, 0, Incomplete
	}
	length := int(binary.BigEndian.Uint32(buf[1:5]))
	if length < 4 {
		return Message{}, 0, newProtocolError(InvalidLength, "length %d < 4 for tag %q", length, tag)
	}
	max := r.maxMessageSize
	if tag == TagCopyData {
		max = r.maxCopyMessageSize
	}
	if length > max {
		return Message{}, 0, newProtocolError(InvalidLength, "length %d exceeds max %d for tag %q", length, max, tag)
	}
	total := 1 + length
	if len(buf) < total {
		return Message{}, 0, Incomplete
	}
	body := buf[5:total]
	return Message{Tag: tag, HasTag: true, Body: body}, total, nil
}

// Write appends the wire encoding of a message to dst and returns the
// grown slice. Never fails — it only grows the buffer.
func Write(dst []byte, msg Message) []byte {
	bodyLen := len(msg.Body)
	length := bodyLen + 4
	if msg.HasTag {
		dst = append(dst, msg.Tag)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(length))
	dst = append(dst, lenBuf[:]...)
	dst = append(dst, msg.Body...)
	return dst
}

// WriteTagged is a convenience for the common tagged case.
func WriteTagged(dst []byte, tag byte, body []byte) []byte {
	return Write(dst, Message{Tag: tag, HasTag: true, Body: body})
}

// ReadFull is a small helper used by code that still needs to read a
// single message directly off a blocking io.Reader (health probes,
// the backend-auth handshake before a Conn exists). Most of the
// session machinery instead uses Conn.Recv, which avoids the
// per-message allocation this helper necessarily makes.
func ReadFull(r io.Reader, untaggedFirst bool) (Message, error) {
	if untaggedFirst {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return Message{}, err
		}
		length := int(binary.BigEndian.Uint32(lenBuf[:]))
		if length < 4 {
			return Message{}, newProtocolError(InvalidLength, "untagged length %d < 4", length)
		}
		body := make([]byte, length-4)
		if len(body) > 0 {
			if _, err := io.ReadFull(r, body); err != nil {
				return Message{}, err
			}
		}
		return Message{HasTag: false, Body: body}, nil
	}

	var tagBuf [1]byte
	if _, err := io.ReadFull(r, tagBuf[:]); err != nil {
		return Message{}, err
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	length := int(binary.BigEndian.Uint32(lenBuf[:])) - 4
	if length < 0 {
		return Message{}, newProtocolError(InvalidLength, "length %d < 4", length+4)
	}
	body := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return Message{}, err
		}
	}
	return Message{Tag: tagBuf[0], HasTag: true, Body: body}, nil
}
