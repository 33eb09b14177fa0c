package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
)

// KeyPair represents an Ed25519 identity key pair. Private holds the
// 32-byte seed; Public is the corresponding Ed25519 public key.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random identity key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, err
	}
	return FromSecretKey(seed)
}

// FromSecretKey rebuilds a key pair from an existing 32-byte seed.
func FromSecretKey(seed [32]byte) (*KeyPair, error) {
	if isZeroKey(seed) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	priv := ed25519.NewKeyFromSeed(seed[:])

	kp := &KeyPair{Private: seed}
	copy(kp.Public[:], priv.Public().(ed25519.PublicKey))
	return kp, nil
}

// PublicHex returns the identity string for this key pair: the
// lowercase hex encoding of the public key.
func (kp *KeyPair) PublicHex() string {
	return hex.EncodeToString(kp.Public[:])
}

// ParsePublicKey decodes an identity string back into a 32-byte public key.
func ParsePublicKey(s string) ([32]byte, error) {
	var pk [32]byte
	if len(s) != 64 {
		return pk, errors.New("invalid public key length")
	}
	data, err := hex.DecodeString(s)
	if err != nil {
		return pk, err
	}
	copy(pk[:], data)
	return pk, nil
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
