package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// conversationKeyInfo domain-separates conversation keys from any other
// use of the same X25519 exchange.
const conversationKeyInfo = "privdm-conversation-key-v1"

// ConversationKey derives the pairwise symmetric key shared between the
// holder of privateKey and the peer identified by peerPublicHex. The
// derivation is symmetric: A's key for B equals B's key for A.
func ConversationKey(privateKey [32]byte, peerPublicHex string) ([32]byte, error) {
	var key [32]byte

	peerPub, err := ParsePublicKey(peerPublicHex)
	if err != nil {
		return key, fmt.Errorf("invalid peer public key: %w", err)
	}

	peerCurve, err := montgomeryFromEd(peerPub)
	if err != nil {
		return key, fmt.Errorf("peer key conversion failed: %w", err)
	}

	scalar := scalarFromSeed(privateKey)
	shared, err := curve25519.X25519(scalar[:], peerCurve[:])
	if err != nil {
		return key, fmt.Errorf("key agreement failed: %w", err)
	}

	reader := hkdf.New(sha256.New, shared, nil, []byte(conversationKeyInfo))
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return key, fmt.Errorf("key expansion failed: %w", err)
	}

	return key, nil
}
