package state

import (
	"encoding/base64"
	"fmt"
)

func (k OvPrivateKey) MarshalText() ([]byte, error) {
	return []byte(base64.StdEncoding.EncodeToString(k[:])), nil
}
func (k OvPublicKey) MarshalText() ([]byte, error) {
	return []byte(base64.StdEncoding.EncodeToString(k[:])), nil
}
func (k *OvPrivateKey) UnmarshalText(text []byte) error {
	data, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(data) != len(k) {
		return fmt.Errorf("invalid private key length %d", len(data))
	}
	*k = OvPrivateKey(data)
	return nil
}
func (k *OvPublicKey) UnmarshalText(text []byte) error {
	data, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(data) != len(k) {
		return fmt.Errorf("invalid public key length %d", len(data))
	}
	*k = OvPublicKey(data)
	return nil
}
