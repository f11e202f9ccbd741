package state

import (
	"fmt"
	"regexp"
	"time"
)

var namePattern = regexp.MustCompile("^[0-9a-z._-]+$")

func NameValidator(s string) error {
	if !namePattern.MatchString(s) {
		return fmt.Errorf("%s is not a valid name, must match pattern %s", s, namePattern.String())
	}
	if len(s) > 100 {
		return fmt.Errorf("len(%q) = %d > 100 is too long", s, len(s))
	}
	return nil
}

func LocalConfigValidator(cfg *LocalCfg) error {
	err := NameValidator(cfg.Name)
	if err != nil {
		return err
	}
	var zero OvPrivateKey
	if cfg.Key == zero {
		return fmt.Errorf("node private key is not set")
	}
	if cfg.LivenessTimeout < 0 || cfg.LivenessTimeout > time.Hour*24 {
		return fmt.Errorf("liveness_timeout out of range: %s", cfg.LivenessTimeout)
	}
	if cfg.PunchRetries < 0 || cfg.PunchRetries > 64 {
		return fmt.Errorf("punch_retries out of range: %d", cfg.PunchRetries)
	}
	if cfg.CostHysteresis > INF/2 {
		return fmt.Errorf("cost_hysteresis out of range: %d", cfg.CostHysteresis)
	}
	return nil
}

func CentralConfigValidator(cfg *CentralCfg) error {
	if len(cfg.Peers) == 0 {
		return fmt.Errorf("central config lists no peers")
	}
	seenName := make(map[string]struct{})
	seenKey := make(map[OvPublicKey]struct{})
	for _, peer := range cfg.Peers {
		err := NameValidator(peer.Name)
		if err != nil {
			return err
		}
		if _, ok := seenName[peer.Name]; ok {
			return fmt.Errorf("duplicate peer name: %s", peer.Name)
		}
		seenName[peer.Name] = struct{}{}
		var zero OvPublicKey
		if peer.PubKey == zero {
			return fmt.Errorf("peer %s has no public key", peer.Name)
		}
		if _, ok := seenKey[peer.PubKey]; ok {
			return fmt.Errorf("duplicate public key for peer %s", peer.Name)
		}
		seenKey[peer.PubKey] = struct{}{}
		for _, ep := range peer.Endpoints {
			if !ep.IsValid() {
				return fmt.Errorf("peer %s has an invalid endpoint", peer.Name)
			}
		}
	}
	return nil
}
