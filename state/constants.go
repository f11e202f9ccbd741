package state

import "time"

const (
	// INF marks an unreachable link or route cost.
	INF = ^(uint32)(0)

	// MaxFrameSize bounds one tunnel frame on every transport. Untyped so
	// it compares against both lengths and wire headers.
	MaxFrameSize = 1 << 20
)

var (
	// HopCost is added per hop to prevent loops on ultra-fast networks.
	HopCost = (uint32)(5)

	ProbeDelay        = time.Millisecond * 1000
	LinkDeadThreshold = 5 * ProbeDelay

	// Connector strategy timeouts
	DirectTimeout    = time.Second * 5
	PunchTimeout     = time.Second * 10
	RelayTimeout     = time.Second * 5
	HandshakeTimeout = time.Second * 5
	DialConcurrency  = 4

	// hole punching
	PunchAttempts    = 5
	PunchBaseDelay   = time.Millisecond * 200
	PunchMaxDelay    = time.Second * 2
	PunchNonceTTL    = time.Second * 30
	PunchPacketMagic = [4]byte{'o', 'v', 'p', '1'}

	// routing
	LsaMaxAge         = time.Minute * 3
	LsaRefreshDelay   = time.Second * 30
	RecomputeDelay    = time.Millisecond * 100
	DefaultHysteresis = (uint32)(200) // 20ms in metric units

	// registry
	RetrySweepDelay = time.Second * 1
	RetryBaseDelay  = time.Second * 5
	RetryMaxDelay   = time.Minute * 2
	EvictSweepDelay = time.Second * 5
	DefaultLiveness = time.Minute * 5

	GcDelay = time.Millisecond * 1000

	// metric sampling window
	WindowSamples           = int((time.Second * 60) / ProbeDelay)
	OutlierPercentage       = 0.05
	MinimumConfidenceWindow = int(time.Second * 15 / ProbeDelay)

	// discovery
	AnnounceDelay  = time.Second * 5
	MulticastGroup = "224.0.0.115"
	MulticastPort  = uint16(57821)

	// transport base costs, in 100us units
	CostBaseUdp   = (uint32)(100)
	CostBaseTcp   = (uint32)(300)
	CostBaseRelay = (uint32)(5000)

	// routed data frames die after this many forwarding hops
	MaxForwardHops = uint8(16)

	DefaultPort        = 57820
	DefaultControlPath = "/var/run/overlay.sock"
)
