package envelope

import (
	"encoding/json"
	"errors"

	"github.com/opd-ai/privdm/event"
	"github.com/opd-ai/privdm/signer"
)

// Unwrapped is a fully decoded message.
type Unwrapped struct {
	Rumor          *Rumor
	SenderPubKey   string
	ConversationID string
}

// SkipReason states which layer rejected a wrap during decode.
type SkipReason string

const (
	SkipWrapDecrypt    SkipReason = "wrap decrypt failed"
	SkipSealParse      SkipReason = "seal parse failed"
	SkipSealSignature  SkipReason = "seal signature verification failed"
	SkipRumorDecrypt   SkipReason = "rumor decrypt failed"
	SkipRumorParse     SkipReason = "rumor parse failed"
	SkipAuthorMismatch SkipReason = "seal author does not match rumor author"
)

// UnwrapResult is the tagged outcome of opening a gift wrap: a decoded
// message, or a skip. On a shared relay "not addressed to this identity"
// is indistinguishable from "corrupted" and both are routine, so a skip
// is not an error; Reason and Err exist for diagnostics only.
type UnwrapResult struct {
	Message *Unwrapped
	Reason  SkipReason
	Err     error
}

// Decoded reports whether the wrap yielded a message.
func (r UnwrapResult) Decoded() bool {
	return r.Message != nil
}

func skip(reason SkipReason, err error) UnwrapResult {
	return UnwrapResult{Reason: reason, Err: err}
}

// UnwrapGiftWrap reverses the three envelope layers with the recipient's
// capability: decrypt the wrap into a seal, verify the seal's signature
// against its stated author, decrypt the seal into a rumor, and enforce
// that seal author and rumor author agree. The last check is the sole
// place the encoding proves consistent authorship across layers, since
// the wrap's author is throwaway and the rumor itself is unsigned.
func UnwrapGiftWrap(sig signer.Signer, wrap *event.Event) UnwrapResult {
	if wrap == nil {
		return skip(SkipWrapDecrypt, errors.New("nil wrap"))
	}

	sealJSON, err := sig.Decrypt(wrap.PubKey, wrap.Content)
	if err != nil {
		return skip(SkipWrapDecrypt, err)
	}

	var seal event.Event
	if err := json.Unmarshal([]byte(sealJSON), &seal); err != nil {
		return skip(SkipSealParse, err)
	}

	if !seal.Verify() {
		return skip(SkipSealSignature, errors.New("invalid seal signature"))
	}

	rumorJSON, err := sig.Decrypt(seal.PubKey, seal.Content)
	if err != nil {
		return skip(SkipRumorDecrypt, err)
	}

	var rumor Rumor
	if err := json.Unmarshal([]byte(rumorJSON), &rumor); err != nil {
		return skip(SkipRumorParse, err)
	}

	if seal.PubKey != rumor.PubKey {
		return skip(SkipAuthorMismatch, errors.New("impersonation attempt rejected"))
	}

	return UnwrapResult{Message: &Unwrapped{
		Rumor:          &rumor,
		SenderPubKey:   rumor.PubKey,
		ConversationID: ConversationID(&rumor),
	}}
}
