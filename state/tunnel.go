package state

import (
	"net/netip"

	"github.com/google/uuid"
)

// TransportKind identifies how a tunnel reaches its remote end.
type TransportKind string

const (
	KindTcp   TransportKind = "direct-tcp"
	KindUdp   TransportKind = "direct-udp"
	KindRelay TransportKind = "relay"
)

// BaseCost returns the reliability-class component of a link cost.
func (k TransportKind) BaseCost() uint32 {
	switch k {
	case KindUdp:
		return CostBaseUdp
	case KindTcp:
		return CostBaseTcp
	case KindRelay:
		return CostBaseRelay
	}
	return INF
}

type ConnState int32

const (
	Connecting ConnState = iota
	Established
	Closing
	Closed
)

func (c ConnState) String() string {
	switch c {
	case Connecting:
		return "connecting"
	case Established:
		return "established"
	case Closing:
		return "closing"
	}
	return "closed"
}

// TunnelStats are cumulative per-link counters, safe to read concurrently.
type TunnelStats struct {
	FramesSent uint64
	FramesRecv uint64
	BytesSent  uint64
	BytesRecv  uint64
}

// Tunnel is a bidirectional framed byte stream to a single remote peer.
// Frames are opaque; message boundaries are preserved on all transports.
// Close is idempotent and terminal.
type Tunnel interface {
	Id() uuid.UUID
	Peer() PeerId
	Kind() TransportKind
	State() ConnState
	// Initiator reports whether the local end dialed this tunnel. Both
	// ends of a simultaneous dial use it to agree on which tunnel to keep.
	Initiator() bool
	LocalAddr() netip.AddrPort
	RemoteAddr() netip.AddrPort
	Send(frame []byte) error
	Recv() ([]byte, error)
	Close() error
	Stats() TunnelStats
}
