// Package signer defines the signing capability the message engine
// depends on. The engine never inspects how a capability is implemented;
// remote backends (extension, bunker) satisfy the same interface as the
// embedded LocalSigner.
package signer

import (
	"errors"
	"fmt"

	"github.com/opd-ai/privdm/crypto"
	"github.com/opd-ai/privdm/event"
)

// Signer is an opaque capability over one identity key: it can state the
// identity, sign events as it, and encrypt/decrypt against a peer using
// the pairwise conversation key. Implementations backed by remote
// signers are responsible for bounding their own calls with timeouts;
// failures surface as ordinary errors.
type Signer interface {
	// PublicKey returns the identity this capability signs for.
	PublicKey() (string, error)

	// SignEvent finalizes a template into a signed event.
	SignEvent(tmpl event.Template) (*event.Event, error)

	// Encrypt seals plaintext for the peer identified by peerPubKey.
	Encrypt(peerPubKey string, plaintext string) (string, error)

	// Decrypt opens ciphertext produced for this identity by peerPubKey.
	Decrypt(peerPubKey string, ciphertext string) (string, error)
}

// LocalSigner is the embedded-key capability backend.
type LocalSigner struct {
	keys *crypto.KeyPair
}

// NewLocalSigner wraps an identity key pair as a signing capability.
func NewLocalSigner(keys *crypto.KeyPair) (*LocalSigner, error) {
	if keys == nil {
		return nil, errors.New("nil key pair")
	}
	return &LocalSigner{keys: keys}, nil
}

// PublicKey returns the hex identity string.
func (s *LocalSigner) PublicKey() (string, error) {
	return s.keys.PublicHex(), nil
}

// SignEvent finalizes a template under the local identity key.
func (s *LocalSigner) SignEvent(tmpl event.Template) (*event.Event, error) {
	return event.Finalize(tmpl, s.keys)
}

// Encrypt seals plaintext under the conversation key shared with peerPubKey.
func (s *LocalSigner) Encrypt(peerPubKey string, plaintext string) (string, error) {
	key, err := crypto.ConversationKey(s.keys.Private, peerPubKey)
	if err != nil {
		return "", fmt.Errorf("conversation key derivation failed: %w", err)
	}
	return crypto.Encrypt([]byte(plaintext), key)
}

// Decrypt opens ciphertext sealed under the conversation key shared with
// peerPubKey.
func (s *LocalSigner) Decrypt(peerPubKey string, ciphertext string) (string, error) {
	key, err := crypto.ConversationKey(s.keys.Private, peerPubKey)
	if err != nil {
		return "", fmt.Errorf("conversation key derivation failed: %w", err)
	}
	plaintext, err := crypto.Decrypt(ciphertext, key)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
