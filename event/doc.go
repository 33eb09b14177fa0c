// Package event defines the wire event shape exchanged with relays: a
// kind-tagged container with a content-addressed id, an author public
// key, a tag list, opaque string content, and a detached signature.
//
// The id is the SHA-256 hash of the canonical serialization
// [0, pubkey, created_at, kind, tags, content], so any two parties
// computing the id of the same logical event agree byte for byte.
package event
