package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opd-ai/privdm/crypto"
)

// Event kinds used by the direct-message engine.
const (
	// KindChatMessage is the unsigned rumor carried inside a seal.
	KindChatMessage = 14
	// KindSeal is the sender-signed container around an encrypted rumor.
	KindSeal = 13
	// KindGiftWrap is the ephemeral-keyed outer container seen on the wire.
	KindGiftWrap = 1059
)

// Event is a signed relay event.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Template is the unsigned form handed to a signer capability.
type Template struct {
	Kind      int        `json:"kind"`
	CreatedAt int64      `json:"created_at"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
}

// ComputeID returns the content-addressed id over the canonical form
// [0, pubkey, created_at, kind, tags, content].
func ComputeID(pubkey string, createdAt int64, kind int, tags [][]string, content string) (string, error) {
	if tags == nil {
		tags = [][]string{}
	}
	canonical, err := json.Marshal([]interface{}{0, pubkey, createdAt, kind, tags, content})
	if err != nil {
		return "", fmt.Errorf("canonical serialization failed: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Finalize builds a signed event from a template using the given key pair:
// it fills in the author, computes the id, and signs it.
func Finalize(tmpl Template, keys *crypto.KeyPair) (*Event, error) {
	if keys == nil {
		return nil, errors.New("nil key pair")
	}

	ev := &Event{
		PubKey:    keys.PublicHex(),
		CreatedAt: tmpl.CreatedAt,
		Kind:      tmpl.Kind,
		Tags:      tmpl.Tags,
		Content:   tmpl.Content,
	}
	if ev.Tags == nil {
		ev.Tags = [][]string{}
	}

	id, err := ComputeID(ev.PubKey, ev.CreatedAt, ev.Kind, ev.Tags, ev.Content)
	if err != nil {
		return nil, err
	}
	ev.ID = id

	idBytes, err := hex.DecodeString(id)
	if err != nil {
		return nil, err
	}

	sig, err := crypto.Sign(idBytes, keys.Private)
	if err != nil {
		return nil, fmt.Errorf("signing failed: %w", err)
	}
	ev.Sig = hex.EncodeToString(sig[:])

	return ev, nil
}

// Verify checks the event's id against its canonical form and its
// signature against the stated author.
func (ev *Event) Verify() bool {
	if ev == nil {
		return false
	}

	id, err := ComputeID(ev.PubKey, ev.CreatedAt, ev.Kind, ev.Tags, ev.Content)
	if err != nil || id != ev.ID {
		return false
	}

	pubKey, err := crypto.ParsePublicKey(ev.PubKey)
	if err != nil {
		return false
	}

	idBytes, err := hex.DecodeString(ev.ID)
	if err != nil {
		return false
	}

	sigBytes, err := hex.DecodeString(ev.Sig)
	if err != nil || len(sigBytes) != crypto.SignatureSize {
		return false
	}
	var sig crypto.Signature
	copy(sig[:], sigBytes)

	ok, err := crypto.Verify(idBytes, sig, pubKey)
	return err == nil && ok
}

// TagValues returns the second element of every tag whose first element
// matches name, in tag order.
func (ev *Event) TagValues(name string) []string {
	var values []string
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			values = append(values, tag[1])
		}
	}
	return values
}
