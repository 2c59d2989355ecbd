package wire

import (
	"encoding/binary"
	"fmt"
)

// Protocol version and special request codes, per the PostgreSQL v3
// frontend/backend protocol.
const (
	ProtocolVersion3 = 3<<16 | 0

	sslRequestCode    = 80877103
	gssEncRequestCode = 80877104
	cancelRequestCode = 80877102
)

// StartupKind classifies the first (untagged) message on a new
// connection.
type StartupKind int

const (
	StartupMessageKind StartupKind = iota
	SSLRequestKind
	GSSEncRequestKind
	CancelRequestKind
)

// Startup is the parsed form of the first client message.
type Startup struct {
	Kind   StartupKind
	Params map[string]string // only for StartupMessageKind
	PID    uint32             // only for CancelRequestKind
	Key    uint32             // only for CancelRequestKind
}

// ParseStartup interprets the body of an untagged first message
// (everything after the 4-byte length field).
func ParseStartup(body []byte) (Startup, error) {
	if len(body) < 4 {
		return Startup{}, newProtocolError(TruncatedAfterTag, "startup body too short: %d bytes", len(body))
	}
	code := binary.BigEndian.Uint32(body[:4])

	switch code {
	case sslRequestCode:
		return Startup{Kind: SSLRequestKind}, nil
	case gssEncRequestCode:
		return Startup{Kind: GSSEncRequestKind}, nil
	case cancelRequestCode:
		if len(body) < 12 {
			return Startup{}, newProtocolError(TruncatedAfterTag, "cancel request too short: %d bytes", len(body))
		}
		return Startup{
			Kind: CancelRequestKind,
			PID:  binary.BigEndian.Uint32(body[4:8]),
			Key:  binary.BigEndian.Uint32(body[8:12]),
		}, nil
	default:
		major := code >> 16
		if major != 3 {
			return Startup{}, fmt.Errorf("wire: unsupported protocol version %d.%d", major, code&0xffff)
		}
		params, err := parseParams(body[4:])
		if err != nil {
			return Startup{}, err
		}
		return Startup{Kind: StartupMessageKind, Params: params}, nil
	}
}

func parseParams(data []byte) (map[string]string, error) {
	params := make(map[string]string)
	for len(data) > 1 {
		keyEnd := indexByte(data, 0)
		if keyEnd < 0 {
			return nil, newProtocolError(TruncatedAfterTag, "unterminated startup parameter key")
		}
		key := string(data[:keyEnd])
		data = data[keyEnd+1:]

		valEnd := indexByte(data, 0)
		if valEnd < 0 {
			return nil, newProtocolError(TruncatedAfterTag, "unterminated startup parameter value")
		}
		value := string(data[:valEnd])
		data = data[valEnd+1:]

		if key != "" {
			params[key] = value
		}
	}
	return params, nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// EncodeStartupMessage builds a StartupMessage body (length-prefixed,
// protocol version, key/value parameters, trailing NUL) for forwarding
// to a backend or for the pool's own backend-auth dial.
func EncodeStartupMessage(params map[string]string) []byte {
	var body []byte
	var verBuf [4]byte
	binary.BigEndian.PutUint32(verBuf[:], ProtocolVersion3)
	body = append(body, verBuf[:]...)
	for k, v := range params {
		body = append(body, k...)
		body = append(body, 0)
		body = append(body, v...)
		body = append(body, 0)
	}
	body = append(body, 0)

	msgLen := len(body) + 4
	out := make([]byte, 4, msgLen)
	binary.BigEndian.PutUint32(out, uint32(msgLen))
	out = append(out, body...)
	return out
}

// EncodeCancelRequest builds the 16-byte CancelRequest message used on
// the cancel side channel.
func EncodeCancelRequest(pid, key uint32) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[0:4], 16)
	binary.BigEndian.PutUint32(buf[4:8], cancelRequestCode)
	binary.BigEndian.PutUint32(buf[8:12], pid)
	binary.BigEndian.PutUint32(buf[12:16], key)
	return buf
}
