package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"

	"golang.org/x/crypto/nacl/secretbox"
)

// Nonce is a 24-byte value used for encryption.
type Nonce [24]byte

// GenerateNonce creates a cryptographically secure random nonce.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	_, err := rand.Read(nonce[:])
	if err != nil {
		return Nonce{}, err
	}
	return nonce, nil
}

// MaxPlaintextSize caps envelope payloads (64KB, the relay event content ceiling).
const MaxPlaintextSize = 64 * 1024

// Encrypt seals a plaintext under a conversation key using authenticated
// symmetric encryption. The output is base64(nonce || ciphertext), the
// form carried in an event's content field.
func Encrypt(plaintext []byte, key [32]byte) (string, error) {
	if len(plaintext) == 0 {
		return "", errors.New("empty plaintext")
	}

	if len(plaintext) > MaxPlaintextSize {
		return "", errors.New("plaintext too large")
	}

	nonce, err := GenerateNonce()
	if err != nil {
		return "", err
	}

	sealed := secretbox.Seal(nonce[:], plaintext, (*[24]byte)(&nonce), (*[32]byte)(&key))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens base64(nonce || ciphertext) produced by Encrypt. It fails
// if the key is wrong or the ciphertext was tampered with.
func Decrypt(encoded string, key [32]byte) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.New("invalid ciphertext encoding")
	}

	if len(sealed) <= 24 {
		return nil, errors.New("ciphertext too short")
	}

	var nonce [24]byte
	copy(nonce[:], sealed[:24])

	plaintext, ok := secretbox.Open(nil, sealed[24:], &nonce, (*[32]byte)(&key))
	if !ok {
		return nil, errors.New("decryption failed")
	}

	return plaintext, nil
}
