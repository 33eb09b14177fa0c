package envelope

import (
	"errors"

	"github.com/opd-ai/privdm/event"
)

// Rumor is the unsigned core of a direct message. It carries a
// content-addressed id but no signature field at all: deniability is a
// property of the type, not a convention.
type Rumor struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
}

// Recipient identifies one message recipient, optionally with a relay
// the recipient is known to read from.
type Recipient struct {
	PubKey    string
	RelayHint string
}

// ReplyTo references the message being replied to.
type ReplyTo struct {
	EventID   string
	RelayHint string
}

// Options carries the optional rumor fields.
type Options struct {
	ReplyTo *ReplyTo
	Subject string
}

// CreateRumor builds the unsigned message: one p tag per recipient, an
// e tag when replying, a subject tag when set, and the content-addressed
// id over the canonical form.
func CreateRumor(senderPubKey string, recipients []Recipient, message string, opts *Options) (*Rumor, error) {
	if senderPubKey == "" {
		return nil, errors.New("empty sender public key")
	}
	if len(recipients) == 0 {
		return nil, errors.New("no recipients")
	}

	tags := make([][]string, 0, len(recipients)+2)
	for _, r := range recipients {
		if r.PubKey == "" {
			return nil, errors.New("recipient with empty public key")
		}
		if r.RelayHint != "" {
			tags = append(tags, []string{"p", r.PubKey, r.RelayHint})
		} else {
			tags = append(tags, []string{"p", r.PubKey})
		}
	}

	if opts != nil && opts.ReplyTo != nil {
		if opts.ReplyTo.RelayHint != "" {
			tags = append(tags, []string{"e", opts.ReplyTo.EventID, opts.ReplyTo.RelayHint})
		} else {
			tags = append(tags, []string{"e", opts.ReplyTo.EventID})
		}
	}

	if opts != nil && opts.Subject != "" {
		tags = append(tags, []string{"subject", opts.Subject})
	}

	rumor := &Rumor{
		PubKey:    senderPubKey,
		CreatedAt: nowSeconds(),
		Kind:      event.KindChatMessage,
		Tags:      tags,
		Content:   message,
	}

	id, err := event.ComputeID(rumor.PubKey, rumor.CreatedAt, rumor.Kind, rumor.Tags, rumor.Content)
	if err != nil {
		return nil, err
	}
	rumor.ID = id

	return rumor, nil
}
