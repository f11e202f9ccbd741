package state

import (
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNameValidator_Valid(t *testing.T) {
	assert.NoError(t, NameValidator("1"))
	assert.NoError(t, NameValidator("ab_cd"))
	assert.NoError(t, NameValidator("abcd-a.com"))
}

func TestNameValidator_Invalid(t *testing.T) {
	assert.Error(t, NameValidator("1A"))
	assert.Error(t, NameValidator("node name"))
	assert.Error(t, NameValidator(""))
	assert.Error(t, NameValidator("\t"))
	assert.Error(t, NameValidator("abcd-a.com\\hi"))
	assert.Error(t, NameValidator(strings.Repeat("a", 200)))
}

func TestLocalConfigValidator(t *testing.T) {
	cfg := &LocalCfg{
		Key:  GenerateKey(),
		Name: "node-1",
	}
	assert.NoError(t, LocalConfigValidator(cfg))

	cfg.Key = OvPrivateKey{}
	assert.Error(t, LocalConfigValidator(cfg))

	cfg.Key = GenerateKey()
	cfg.PunchRetries = 100
	assert.Error(t, LocalConfigValidator(cfg))

	cfg.PunchRetries = 0
	cfg.LivenessTimeout = -time.Second
	assert.Error(t, LocalConfigValidator(cfg))
}

func TestCentralConfigValidator(t *testing.T) {
	a := GenerateKey()
	b := GenerateKey()
	cfg := &CentralCfg{
		Peers: []PeerCfg{
			{Name: "alpha", PubKey: a.Pubkey(), Endpoints: []netip.AddrPort{netip.MustParseAddrPort("10.0.0.1:57820")}},
			{Name: "beta", PubKey: b.Pubkey()},
		},
	}
	assert.NoError(t, CentralConfigValidator(cfg))
}

func TestCentralConfigValidator_Empty(t *testing.T) {
	assert.Error(t, CentralConfigValidator(&CentralCfg{}))
}

func TestCentralConfigValidator_DuplicateName(t *testing.T) {
	cfg := &CentralCfg{
		Peers: []PeerCfg{
			{Name: "alpha", PubKey: GenerateKey().Pubkey()},
			{Name: "alpha", PubKey: GenerateKey().Pubkey()},
		},
	}
	assert.Error(t, CentralConfigValidator(cfg))
}

func TestCentralConfigValidator_DuplicateKey(t *testing.T) {
	key := GenerateKey()
	cfg := &CentralCfg{
		Peers: []PeerCfg{
			{Name: "alpha", PubKey: key.Pubkey()},
			{Name: "beta", PubKey: key.Pubkey()},
		},
	}
	assert.Error(t, CentralConfigValidator(cfg))
}

func TestCentralConfigValidator_MissingKey(t *testing.T) {
	cfg := &CentralCfg{
		Peers: []PeerCfg{{Name: "alpha"}},
	}
	assert.Error(t, CentralConfigValidator(cfg))
}
