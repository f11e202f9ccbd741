package state

import (
	"net/netip"
	"testing"

	"github.com/goccy/go-yaml"
	"github.com/stretchr/testify/assert"
)

func TestSerializeConfigs(t *testing.T) {
	local := LocalCfg{
		Key:  GenerateKey(),
		Name: "router-1",
		Port: 12345,
	}
	x1, err := yaml.Marshal(&local)
	assert.NoError(t, err)
	y1 := LocalCfg{}
	err = yaml.Unmarshal(x1, &y1)
	assert.NoError(t, err)
	assert.EqualValues(t, local, y1)

	central := CentralCfg{
		Peers: []PeerCfg{
			{
				Name:      "router-1",
				PubKey:    local.Key.Pubkey(),
				Endpoints: []netip.AddrPort{netip.MustParseAddrPort("192.0.2.1:57820")},
			},
			{
				Name:   "router-2",
				PubKey: GenerateKey().Pubkey(),
			},
		},
	}
	x2, err := yaml.Marshal(&central)
	assert.NoError(t, err)
	y2 := CentralCfg{}
	err = yaml.Unmarshal(x2, &y2)
	assert.NoError(t, err)
	assert.EqualValues(t, central, y2)
}

func TestDeserializeInvalid(t *testing.T) {
	x1 := `key: 6NJn1youOZPElIzmzzios2JA3bZjiGWg8blU/IGowHc=
name: router-1
port: abcd
`
	y1 := LocalCfg{}
	err := yaml.Unmarshal([]byte(x1), &y1)
	assert.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	cfg := LocalCfg{Key: GenerateKey(), Name: "n"}
	assert.Equal(t, uint16(DefaultPort), cfg.ListenPort())
	assert.Equal(t, DefaultControlPath, cfg.Control())
	assert.Equal(t, DefaultLiveness, cfg.Liveness())
	assert.Equal(t, PunchAttempts, cfg.MaxPunchAttempts())
	assert.Equal(t, DefaultHysteresis, cfg.Hysteresis())

	cfg.Port = 1
	cfg.ControlPath = "/tmp/x.sock"
	cfg.PunchRetries = 9
	assert.Equal(t, uint16(1), cfg.ListenPort())
	assert.Equal(t, "/tmp/x.sock", cfg.Control())
	assert.Equal(t, 9, cfg.MaxPunchAttempts())
}

func TestGetPeer(t *testing.T) {
	key := GenerateKey()
	central := CentralCfg{
		Peers: []PeerCfg{{Name: "a", PubKey: key.Pubkey()}},
	}
	p, err := central.GetPeer(key.Id())
	assert.NoError(t, err)
	assert.Equal(t, "a", p.Name)
	_, err = central.GetPeer("nobody")
	assert.Error(t, err)
}
