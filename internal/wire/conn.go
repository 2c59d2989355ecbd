package wire

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// Default write-buffer water marks, reported by AboveHighWaterMark and
// BelowLowWaterMark. The proxy's relay loops do not consult them: a
// peer's write buffer grows until the next Flush regardless of size.
const (
	DefaultHighWaterMark = 4 << 20 // 4 MiB
	DefaultLowWaterMark  = 1 << 20 // 1 MiB
)

// Conn wraps one socket with a read buffer, a write buffer, and
// optional TLS state. It owns the buffer that Reader.Read frames
// messages out of, and is responsible for compacting that buffer only
// when no message view borrows from it (enforced by callers: a
// message must be fully consumed, including plugin dispatch, before
// Recv is called again).
type Conn struct {
	raw  net.Conn
	tls  *tls.Conn
	rdr  *Reader

	readBuf []byte
	start   int // first unconsumed byte
	end     int // first byte not yet filled

	writeBuf []byte

	highWaterMark int
	lowWaterMark  int
}

// NewConn wraps raw in a Conn whose Reader starts in the given
// untagged-first mode.
func NewConn(raw net.Conn, untaggedFirst bool) *Conn {
	return &Conn{
		raw:           raw,
		rdr:           NewReader(untaggedFirst),
		readBuf:       make([]byte, 16*1024),
		highWaterMark: DefaultHighWaterMark,
		lowWaterMark:  DefaultLowWaterMark,
	}
}

// SetLimits forwards to the underlying Reader.
func (c *Conn) SetLimits(maxMessage, maxCopyMessage int) {
	c.rdr.SetLimits(maxMessage, maxCopyMessage)
}

// DoneWithUntagged forwards to the underlying Reader.
func (c *Conn) DoneWithUntagged() {
	c.rdr.DoneWithUntagged()
}

// NetConn returns the current underlying net.Conn (may be a *tls.Conn
// after UpgradeTLS).
func (c *Conn) NetConn() net.Conn {
	if c.tls != nil {
		return c.tls
	}
	return c.raw
}

// UpgradeTLS performs a server-side TLS handshake over the current
// connection and switches subsequent reads/writes to the TLS layer.
func (c *Conn) UpgradeTLS(cfg *tls.Config) error {
	tlsConn := tls.Server(c.raw, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("TLS handshake: %w", err)
	}
	c.tls = tlsConn
	return nil
}

func (c *Conn) netReader() net.Conn {
	if c.tls != nil {
		return c.tls
	}
	return c.raw
}

// Recv returns the next framed message, blocking on socket reads as
// needed. The returned Message.Body aliases Conn's internal buffer and
// is valid only until the next call to Recv.
func (c *Conn) Recv() (Message, error) {
	for {
		msg, consumed, err := c.rdr.Read(c.readBuf[c.start:c.end])
		if err == nil {
			c.start += consumed
			if c.start == c.end {
				c.start, c.end = 0, 0 // fully drained, safe to reset
			}
			return msg, nil
		}
		if !IsIncomplete(err) {
			return Message{}, err
		}
		if err := c.fill(); err != nil {
			return Message{}, err
		}
	}
}

// fill reads more bytes from the socket into readBuf, compacting or
// growing the buffer first if needed.
func (c *Conn) fill() error {
	if c.start > 0 && c.start == c.end {
		c.start, c.end = 0, 0
	} else if c.start > 0 && c.end == len(c.readBuf) {
		// Compact: no message view can be outstanding here because the
		// session loop always finishes dispatch before calling Recv
		// again.
		copy(c.readBuf, c.readBuf[c.start:c.end])
		c.end -= c.start
		c.start = 0
	}
	if c.end == len(c.readBuf) {
		grown := make([]byte, len(c.readBuf)*2)
		copy(grown, c.readBuf[:c.end])
		c.readBuf = grown
	}
	n, err := c.netReader().Read(c.readBuf[c.end:])
	if n > 0 {
		c.end += n
	}
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("wire: zero-byte read from peer")
	}
	return nil
}

// Send appends msg to the write buffer without flushing.
func (c *Conn) Send(msg Message) {
	c.writeBuf = Write(c.writeBuf, msg)
}

// SendTagged is a convenience wrapper around Send.
func (c *Conn) SendTagged(tag byte, body []byte) {
	c.writeBuf = WriteTagged(c.writeBuf, tag, body)
}

// Flush writes the buffered bytes to the socket until drained.
func (c *Conn) Flush() error {
	if len(c.writeBuf) == 0 {
		return nil
	}
	n, err := c.netReader().Write(c.writeBuf)
	c.writeBuf = c.writeBuf[n:]
	if len(c.writeBuf) == 0 {
		c.writeBuf = c.writeBuf[:0]
	}
	return err
}

// WriteBufLen reports the current unflushed write-buffer size, used by
// a peer's read loop to decide whether to pause (back-pressure).
func (c *Conn) WriteBufLen() int {
	return len(c.writeBuf)
}

// AboveHighWaterMark reports whether the write buffer has crossed the
// configured high-water mark.
func (c *Conn) AboveHighWaterMark() bool {
	return len(c.writeBuf) >= c.highWaterMark
}

// BelowLowWaterMark reports whether the write buffer has drained back
// under the configured low-water mark.
func (c *Conn) BelowLowWaterMark() bool {
	return len(c.writeBuf) <= c.lowWaterMark
}

// SetDeadline forwards to the underlying connection.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.netReader().SetDeadline(t)
}

// Close closes the underlying transport.
func (c *Conn) Close() error {
	return c.raw.Close()
}

// SendTerminate writes a client Terminate ('X') message — the
// best-effort graceful close from client to backend.
func (c *Conn) SendTerminate() error {
	c.SendTagged(TagTerminate, nil)
	return c.Flush()
}

// SendErrorAndClose writes a backend-style ErrorResponse and closes —
// the best-effort graceful close from backend to client.
func (c *Conn) SendErrorAndClose(severity, code, message string) error {
	c.SendTagged(TagErrorResponse, EncodeErrorFields(severity, code, message))
	_ = c.Flush()
	return c.Close()
}

// EncodeErrorFields builds the field-coded body of an ErrorResponse or
// NoticeResponse message: a sequence of (fieldType byte, value string,
// NUL) pairs terminated by a final NUL.
func EncodeErrorFields(severity, code, message string) []byte {
	var buf []byte
	buf = append(buf, 'S')
	buf = append(buf, severity...)
	buf = append(buf, 0)
	buf = append(buf, 'C')
	buf = append(buf, code...)
	buf = append(buf, 0)
	buf = append(buf, 'M')
	buf = append(buf, message...)
	buf = append(buf, 0)
	buf = append(buf, 0)
	return buf
}

// ParseErrorMessage extracts the 'M' (message) field from an
// ErrorResponse/NoticeResponse body.
func ParseErrorMessage(body []byte) string {
	for i := 0; i < len(body); {
		fieldType := body[i]
		if fieldType == 0 {
			break
		}
		i++
		end := i
		for end < len(body) && body[end] != 0 {
			end++
		}
		if fieldType == 'M' {
			return string(body[i:end])
		}
		i = end + 1
	}
	return ""
}
