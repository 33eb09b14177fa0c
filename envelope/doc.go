// Package envelope implements the three-layer message envelope used for
// deniable direct messages: an unsigned rumor, sealed inside a signed
// container, wrapped inside an ephemeral-keyed gift wrap.
//
// The rumor is never signed, so a captured plaintext cannot prove who
// wrote it. The seal is signed by the true sender and carries no tags,
// keeping recipient metadata inside the encryption boundary. The gift
// wrap is signed by a single-use key pair discarded after use, so the
// wire-level author reveals nothing; its timestamp, like the seal's, is
// randomized up to two days into the past.
//
// Encoding produces one wrap per recipient plus one addressed to the
// sender, so sent history is retrievable from the same relays. Decoding
// reverses the layers and enforces that the seal's author matches the
// rumor's stated author, the only cross-layer authorship proof.
package envelope
