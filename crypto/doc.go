// Package crypto implements the cryptographic primitives for private
// direct messaging: identity key pairs, event signing, pairwise
// conversation-key derivation, and authenticated symmetric encryption.
//
// Identities are Ed25519 key pairs. Pairwise encryption converts both
// sides' Ed25519 keys to their Curve25519 equivalents, performs an X25519
// exchange, and expands the shared point through HKDF-SHA256 into a
// symmetric conversation key. Both directions of a pair derive the same
// key, so either party can open ciphertext the other produced.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Public key:", keys.PublicHex())
package crypto
