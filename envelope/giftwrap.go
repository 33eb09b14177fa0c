package envelope

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opd-ai/privdm/crypto"
	"github.com/opd-ai/privdm/event"
	"github.com/opd-ai/privdm/signer"
)

// WrapSeal encloses a seal for a single recipient using a freshly
// generated key pair that is discarded on return. The wire-level author
// is that throwaway key, so the wrap reveals nothing about the sender.
func WrapSeal(seal *event.Event, recipientPubKey string) (*event.Event, error) {
	if seal == nil {
		return nil, errors.New("nil seal")
	}

	ephemeral, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("ephemeral key generation failed: %w", err)
	}

	key, err := crypto.ConversationKey(ephemeral.Private, recipientPubKey)
	if err != nil {
		return nil, fmt.Errorf("wrap key derivation failed: %w", err)
	}

	serialized, err := json.Marshal(seal)
	if err != nil {
		return nil, fmt.Errorf("seal serialization failed: %w", err)
	}

	encrypted, err := crypto.Encrypt(serialized, key)
	if err != nil {
		return nil, fmt.Errorf("wrap encryption failed: %w", err)
	}

	wrap, err := event.Finalize(event.Template{
		Kind:      event.KindGiftWrap,
		CreatedAt: randomPastTimestamp(),
		Tags:      [][]string{{"p", recipientPubKey}},
		Content:   encrypted,
	}, ephemeral)
	if err != nil {
		return nil, fmt.Errorf("wrap signing failed: %w", err)
	}

	return wrap, nil
}

// WrapSet is the output of encoding one message: one wrap per recipient
// plus the wrap addressed to the sender.
type WrapSet struct {
	// Wraps holds one gift wrap per recipient, in recipient order.
	Wraps []*event.Event
	// SelfWrap is addressed to the sender, so sent messages are
	// independently retrievable from the same relays.
	SelfWrap *event.Event
	// Rumor is the unsigned message all wraps carry.
	Rumor *Rumor
}

// CreateGiftWraps encodes a message for every recipient and for the
// sender. Each recipient gets an independently sealed and wrapped copy
// of the same rumor.
func CreateGiftWraps(sig signer.Signer, recipients []Recipient, message string, opts *Options) (*WrapSet, error) {
	senderPubKey, err := sig.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("signer public key unavailable: %w", err)
	}

	rumor, err := CreateRumor(senderPubKey, recipients, message, opts)
	if err != nil {
		return nil, err
	}

	set := &WrapSet{
		Wraps: make([]*event.Event, 0, len(recipients)),
		Rumor: rumor,
	}

	for _, recipient := range recipients {
		seal, err := CreateSeal(sig, rumor, recipient.PubKey)
		if err != nil {
			return nil, err
		}
		wrap, err := WrapSeal(seal, recipient.PubKey)
		if err != nil {
			return nil, err
		}
		set.Wraps = append(set.Wraps, wrap)
	}

	selfSeal, err := CreateSeal(sig, rumor, senderPubKey)
	if err != nil {
		return nil, err
	}
	set.SelfWrap, err = WrapSeal(selfSeal, senderPubKey)
	if err != nil {
		return nil, err
	}

	return set, nil
}
