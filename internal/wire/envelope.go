// Package wire implements the transport codec (spec §4.C): it frames a
// single Envelope per SOCK_SEQPACKET datagram, maps schema-declared is_fd
// message fields to SCM_RIGHTS ancillary data, and enforces the 128 KiB
// body size cap.
package wire

import (
	"encoding/binary"
	"fmt"
)

// MaxMessageSize is the hard cap (spec §3-inv6) on a single envelope body.
const MaxMessageSize = 128 * 1024

// Kind discriminates the envelope's tagged-union variant.
type Kind uint8

const (
	KindCall Kind = iota
	KindReply
	KindError
	KindEvent
	KindMonitorRegister
)

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "Call"
	case KindReply:
		return "Reply"
	case KindError:
		return "Error"
	case KindEvent:
		return "Event"
	case KindMonitorRegister:
		return "MonitorRegister"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// Envelope is one RPC frame. Only the fields relevant to Kind are
// meaningful; the rest are zero.
type Envelope struct {
	Kind Kind

	SerialID    uint64 // Call
	ServiceName string // Call
	MethodName  string // Call

	ReplyID uint64 // Reply, Error
	Reason  string // Error

	EventName string // Event

	Body []byte // Call, Reply, Event
}

// Encode serializes env to a contiguous byte slice suitable as a single
// sendmsg payload. It does not itself enforce MaxMessageSize; callers
// check the size themselves (ipcclient the encoded call, ipcserver the
// reply body) so they can distinguish a
// too-big-to-send call (failed locally) from a too-big-to-send reply
// (replaced with a generic error), per spec §4.C step and §7.
func Encode(env *Envelope) ([]byte, error) {
	buf := make([]byte, 0, 64+len(env.Body))
	buf = append(buf, byte(env.Kind))

	switch env.Kind {
	case KindCall:
		buf = appendU64(buf, env.SerialID)
		buf = appendString(buf, env.ServiceName)
		buf = appendString(buf, env.MethodName)
		buf = appendBytes(buf, env.Body)
	case KindReply:
		buf = appendU64(buf, env.ReplyID)
		buf = appendBytes(buf, env.Body)
	case KindError:
		buf = appendU64(buf, env.ReplyID)
		buf = appendString(buf, env.Reason)
	case KindEvent:
		buf = appendString(buf, env.EventName)
		buf = appendBytes(buf, env.Body)
	case KindMonitorRegister:
		// no payload
	default:
		return nil, fmt.Errorf("wire: unknown envelope kind %d", env.Kind)
	}

	return buf, nil
}

// Decode parses a single envelope out of a complete datagram payload.
func Decode(data []byte) (*Envelope, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("wire: empty datagram")
	}

	env := &Envelope{Kind: Kind(data[0])}
	rest := data[1:]
	var err error

	switch env.Kind {
	case KindCall:
		if env.SerialID, rest, err = readU64(rest); err != nil {
			return nil, err
		}
		if env.ServiceName, rest, err = readString(rest); err != nil {
			return nil, err
		}
		if env.MethodName, rest, err = readString(rest); err != nil {
			return nil, err
		}
		if env.Body, rest, err = readBytes(rest); err != nil {
			return nil, err
		}
	case KindReply:
		if env.ReplyID, rest, err = readU64(rest); err != nil {
			return nil, err
		}
		if env.Body, rest, err = readBytes(rest); err != nil {
			return nil, err
		}
	case KindError:
		if env.ReplyID, rest, err = readU64(rest); err != nil {
			return nil, err
		}
		if env.Reason, rest, err = readString(rest); err != nil {
			return nil, err
		}
	case KindEvent:
		if env.EventName, rest, err = readString(rest); err != nil {
			return nil, err
		}
		if env.Body, rest, err = readBytes(rest); err != nil {
			return nil, err
		}
	case KindMonitorRegister:
		// no payload
	default:
		return nil, fmt.Errorf("wire: unknown envelope kind %d", env.Kind)
	}

	if len(rest) != 0 {
		return nil, fmt.Errorf("wire: %d trailing bytes after decoding %s envelope", len(rest), env.Kind)
	}

	return env, nil
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendString(buf []byte, s string) []byte {
	return appendBytes(buf, []byte(s))
}

func appendBytes(buf []byte, b []byte) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(len(b)))
	buf = append(buf, tmp[:]...)
	return append(buf, b...)
}

func readU64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, fmt.Errorf("wire: truncated u64")
	}
	return binary.BigEndian.Uint64(b[:8]), b[8:], nil
}

func readString(b []byte) (string, []byte, error) {
	raw, rest, err := readBytes(b)
	if err != nil {
		return "", nil, err
	}
	return string(raw), rest, nil
}

func readBytes(b []byte) ([]byte, []byte, error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("wire: truncated length prefix")
	}
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint32(len(b)) < n {
		return nil, nil, fmt.Errorf("wire: truncated field: want %d bytes, have %d", n, len(b))
	}
	return b[:n], b[n:], nil
}
