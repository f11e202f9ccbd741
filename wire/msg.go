// Package wire defines the control-plane messages exchanged between peers
// and the codec that maps them onto tunnel frames.
package wire

import (
	"net/netip"

	"github.com/peersend/overlay/state"
)

type MsgType byte

const (
	// TypeData frames carry opaque data-plane payload, not interpreted here.
	TypeData MsgType = iota + 1
	TypeHello
	TypePing
	TypePong
	TypeLsa
	TypePunchRequest
	TypePunchResponse
	TypeRelayData
	TypeAnnounce
)

func (t MsgType) String() string {
	switch t {
	case TypeData:
		return "data"
	case TypeHello:
		return "hello"
	case TypePing:
		return "ping"
	case TypePong:
		return "pong"
	case TypeLsa:
		return "lsa"
	case TypePunchRequest:
		return "punch-request"
	case TypePunchResponse:
		return "punch-response"
	case TypeRelayData:
		return "relay-data"
	case TypeAnnounce:
		return "announce"
	}
	return "unknown"
}

type Msg interface {
	Type() MsgType
}

// Data is a routed data-plane frame. Src and Dst are overlay
// identities; intermediate nodes forward by Dst through their
// forwarding table without touching the payload. Ttl is decremented
// per hop and the frame is dropped at zero, bounding transient loops
// while tables converge.
type Data struct {
	Src     state.PeerId
	Dst     state.PeerId
	Ttl     uint8
	Payload []byte
}

func (Data) Type() MsgType { return TypeData }

// Hello is sent by both ends right after the tunnel handshake. Observed
// tells the receiver what public address it appears as from the sender's
// side, which feeds hole-punch candidate endpoints.
type Hello struct {
	Observed   netip.AddrPort `json:"observed"`
	ListenPort uint16         `json:"listen_port"`
}

func (Hello) Type() MsgType { return TypeHello }

// Ping/Pong probe link liveness and latency. Pong echoes the payload.
type Ping struct {
	Token uint64 `json:"token"`
}

func (Ping) Type() MsgType { return TypePing }

type Pong struct {
	Token uint64 `json:"token"`
}

func (Pong) Type() MsgType { return TypePong }

// LsaMsg floods one link-state advertisement.
type LsaMsg struct {
	Lsa state.Lsa `json:"lsa"`
}

func (LsaMsg) Type() MsgType { return TypeLsa }

// PunchRequest asks Target, via an intermediate neighbour, to start a
// coordinated UDP hole punch towards From's endpoints. The nonce guards
// against stale or duplicate punch attempts.
type PunchRequest struct {
	Target    state.PeerId     `json:"target"`
	From      state.PeerId     `json:"from"`
	Nonce     []byte           `json:"nonce"`
	Endpoints []netip.AddrPort `json:"endpoints"`
}

func (PunchRequest) Type() MsgType { return TypePunchRequest }

// PunchResponse answers a PunchRequest with the responder's endpoints.
type PunchResponse struct {
	Target    state.PeerId     `json:"target"`
	From      state.PeerId     `json:"from"`
	Nonce     []byte           `json:"nonce"`
	Endpoints []netip.AddrPort `json:"endpoints"`
}

func (PunchResponse) Type() MsgType { return TypePunchResponse }

// RelayData wraps one frame of a relayed tunnel. The relay forwards it by
// overlay identity without terminating the traffic; the payload is
// end-to-end encrypted between Src and Dst.
type RelayData struct {
	Src     state.PeerId `json:"src"`
	Dst     state.PeerId `json:"dst"`
	Payload []byte       `json:"payload"`
}

func (RelayData) Type() MsgType { return TypeRelayData }

// Announce is the LAN discovery beacon, sent over UDP multicast.
type Announce struct {
	Name string       `json:"name"`
	Id   state.PeerId `json:"id"`
	Port uint16       `json:"port"`
}

func (Announce) Type() MsgType { return TypeAnnounce }
