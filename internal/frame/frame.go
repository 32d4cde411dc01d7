// Package frame implements the wire codec for the multiplexing session:
// a fixed 8-byte little-endian header followed by a payload of at most
// MaxPayload bytes.
package frame

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Type identifies the kind of frame carried by the session.
type Type uint8

const (
	ChannelOpen       Type = 1
	ChannelOpenAck    Type = 2
	ChannelRequest    Type = 3
	ChannelRequestAck Type = 4
	Data              Type = 5
	ChannelClose      Type = 6
	ChannelCloseAck   Type = 7
	Ping              Type = 8
	Pong              Type = 9
	WindowUpdate      Type = 10
)

func (t Type) String() string {
	switch t {
	case ChannelOpen:
		return "CHANNEL_OPEN"
	case ChannelOpenAck:
		return "CHANNEL_OPEN_ACK"
	case ChannelRequest:
		return "CHANNEL_REQUEST"
	case ChannelRequestAck:
		return "CHANNEL_REQUEST_ACK"
	case Data:
		return "DATA"
	case ChannelClose:
		return "CHANNEL_CLOSE"
	case ChannelCloseAck:
		return "CHANNEL_CLOSE_ACK"
	case Ping:
		return "PING"
	case Pong:
		return "PONG"
	case WindowUpdate:
		return "WINDOW_UPDATE"
	default:
		return "UNKNOWN"
	}
}

// Flag bits carried in the frame header.
const (
	FlagFIN uint8 = 1 << 0
	FlagRST uint8 = 1 << 1
)

const (
	// HeaderSize is the size in bytes of the fixed frame header.
	HeaderSize = 8
	// MaxPayload is the largest payload a single frame may carry.
	MaxPayload = 65536
	// SessionChannelID is reserved for session-global frames (PING/PONG).
	SessionChannelID uint16 = 0
)

// Frame is one decoded protocol message.
type Frame struct {
	Type      Type
	Flags     uint8
	ChannelID uint16
	Payload   []byte
}

func (f Frame) HasFlag(bit uint8) bool { return f.Flags&bit != 0 }

// ErrFrameTooLarge is returned by Feed when a header declares a payload
// length beyond MaxPayload. It is a fatal protocol error: the caller must
// discard the Decoder and tear down the session.
var ErrFrameTooLarge = errors.New("frame: payload_length exceeds max frame size")

// Encode serialises a single frame to the wire format described in the
// data model: an 8-byte little-endian header followed by payload.
func Encode(typ Type, flags uint8, channelID uint16, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, errors.Wrapf(ErrFrameTooLarge, "encode type=%s len=%d", typ, len(payload))
	}
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = byte(typ)
	buf[1] = flags
	binary.LittleEndian.PutUint16(buf[2:4], channelID)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// Decoder accumulates bytes fed from the transport and emits complete
// frames in receipt order. It is not safe for concurrent use; the session
// dispatcher owns a single Decoder and is the sole reader of the transport.
type Decoder struct {
	buf    []byte
	broken bool
}

// NewDecoder returns a Decoder with its accumulation buffer pre-sized for
// one maximum-sized frame, avoiding growth on the common case.
func NewDecoder() *Decoder {
	return &Decoder{buf: make([]byte, 0, HeaderSize+MaxPayload)}
}

// Feed appends data to the internal buffer and parses as many complete
// frames as are available, returning them in receipt order. Partial frames
// are retained for the next call. Feed is total: it never blocks and never
// panics on malformed input, except that once ErrFrameTooLarge has been
// returned the Decoder is permanently broken and every subsequent call
// returns that same error with no frames.
func (d *Decoder) Feed(data []byte) ([]Frame, error) {
	if d.broken {
		return nil, ErrFrameTooLarge
	}
	d.buf = append(d.buf, data...)

	var out []Frame
	for {
		if len(d.buf) < HeaderSize {
			break
		}
		payloadLen := binary.LittleEndian.Uint32(d.buf[4:8])
		if payloadLen > MaxPayload {
			d.broken = true
			d.buf = nil
			return out, ErrFrameTooLarge
		}
		total := HeaderSize + int(payloadLen)
		if len(d.buf) < total {
			break
		}

		f := Frame{
			Type:      Type(d.buf[0]),
			Flags:     d.buf[1],
			ChannelID: binary.LittleEndian.Uint16(d.buf[2:4]),
		}
		if payloadLen > 0 {
			f.Payload = append([]byte(nil), d.buf[HeaderSize:total]...)
		}
		out = append(out, f)

		remaining := len(d.buf) - total
		copy(d.buf, d.buf[total:])
		d.buf = d.buf[:remaining]
	}
	return out, nil
}
