package state

import (
	"fmt"
	"net/netip"
	"slices"
	"time"
)

// PeerCfg is the central description of one trusted peer.
type PeerCfg struct {
	Name      string
	PubKey    OvPublicKey
	Endpoints []netip.AddrPort `yaml:",omitempty"` // static bootstrap endpoints
}

func (p PeerCfg) Id() PeerId {
	return IdFromKey(p.PubKey)
}

// CentralCfg is shared by the whole network: the set of trusted peers.
// Membership is closed; identities not listed here are rejected at the
// tunnel handshake.
type CentralCfg struct {
	Peers     []PeerCfg
	Timestamp int64 `yaml:",omitempty"`
}

// LocalCfg is node-level configuration.
type LocalCfg struct {
	// node private key; the overlay identity is derived from it
	Key  OvPrivateKey
	Name string

	Port        uint16 `yaml:",omitempty"` // tcp + udp listen port
	ControlPath string `yaml:"control_path,omitempty"`
	LogPath     string `yaml:"log_path,omitempty"`
	NoDiscovery bool   `yaml:"no_discovery,omitempty"`

	// tunables, zero means default
	LivenessTimeout time.Duration `yaml:"liveness_timeout,omitempty"`
	PunchRetries    int           `yaml:"punch_retries,omitempty"`
	CostHysteresis  uint32        `yaml:"cost_hysteresis,omitempty"`
}

func (c *LocalCfg) Id() PeerId {
	return c.Key.Id()
}

func (c *LocalCfg) ListenPort() uint16 {
	if c.Port == 0 {
		return uint16(DefaultPort)
	}
	return c.Port
}

func (c *LocalCfg) Control() string {
	if c.ControlPath == "" {
		return DefaultControlPath
	}
	return c.ControlPath
}

func (c *LocalCfg) Liveness() time.Duration {
	if c.LivenessTimeout == 0 {
		return DefaultLiveness
	}
	return c.LivenessTimeout
}

func (c *LocalCfg) MaxPunchAttempts() int {
	if c.PunchRetries == 0 {
		return PunchAttempts
	}
	return c.PunchRetries
}

func (c *LocalCfg) Hysteresis() uint32 {
	if c.CostHysteresis == 0 {
		return DefaultHysteresis
	}
	return c.CostHysteresis
}

func (c *CentralCfg) GetPeer(id PeerId) (PeerCfg, error) {
	idx := slices.IndexFunc(c.Peers, func(cfg PeerCfg) bool {
		return cfg.Id() == id
	})
	if idx == -1 {
		return PeerCfg{}, fmt.Errorf("peer %s not found", id)
	}
	return c.Peers[idx], nil
}
