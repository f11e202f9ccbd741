package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/peersend/overlay/state"
)

var (
	ErrFrameTooLarge = errors.New("wire: frame too large")
	ErrEmptyFrame    = errors.New("wire: empty frame")
	ErrUnknownType   = errors.New("wire: unknown message type")
	ErrBadDataHeader = errors.New("wire: malformed data frame header")
)

// Encode serializes a message into one tunnel frame:
//
//	1 byte: type
//	N bytes: body (compact binary for data frames, JSON otherwise)
//
// Data frames carry a routing header in front of the raw payload:
//
//	1 byte: ttl
//	1 byte: src length, then src
//	1 byte: dst length, then dst
//	N bytes: payload
//
// Frame boundaries are preserved by the tunnel layer on every transport.
func Encode(m Msg) ([]byte, error) {
	if d, ok := m.(Data); ok {
		src, dst := []byte(d.Src), []byte(d.Dst)
		if len(src) > 255 || len(dst) > 255 {
			return nil, ErrBadDataHeader
		}
		out := make([]byte, 0, 4+len(src)+len(dst)+len(d.Payload))
		out = append(out, byte(TypeData), d.Ttl, byte(len(src)))
		out = append(out, src...)
		out = append(out, byte(len(dst)))
		out = append(out, dst...)
		out = append(out, d.Payload...)
		if len(out) > state.MaxFrameSize {
			return nil, ErrFrameTooLarge
		}
		return out, nil
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(body)+1 > state.MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	out := make([]byte, 1+len(body))
	out[0] = byte(m.Type())
	copy(out[1:], body)
	return out, nil
}

// Decode parses one tunnel frame. A malformed body yields an error; the
// caller drops the frame and keeps its read loop alive.
func Decode(frame []byte) (Msg, error) {
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}
	if len(frame) > state.MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	t := MsgType(frame[0])
	body := frame[1:]
	if t == TypeData {
		return decodeData(body)
	}
	var m Msg
	switch t {
	case TypeHello:
		m = &Hello{}
	case TypePing:
		m = &Ping{}
	case TypePong:
		m = &Pong{}
	case TypeLsa:
		m = &LsaMsg{}
	case TypePunchRequest:
		m = &PunchRequest{}
	case TypePunchResponse:
		m = &PunchResponse{}
	case TypeRelayData:
		m = &RelayData{}
	case TypeAnnounce:
		m = &Announce{}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, t)
	}
	if err := json.Unmarshal(body, m); err != nil {
		return nil, fmt.Errorf("wire: decode %s: %w", t, err)
	}
	return m, nil
}

func decodeData(b []byte) (Data, error) {
	if len(b) < 3 {
		return Data{}, ErrBadDataHeader
	}
	d := Data{Ttl: b[0]}
	b = b[1:]
	n := int(b[0])
	if len(b) < 1+n+1 {
		return Data{}, ErrBadDataHeader
	}
	d.Src = state.PeerId(b[1 : 1+n])
	b = b[1+n:]
	n = int(b[0])
	if len(b) < 1+n {
		return Data{}, ErrBadDataHeader
	}
	d.Dst = state.PeerId(b[1 : 1+n])
	d.Payload = b[1+n:]
	return d, nil
}
