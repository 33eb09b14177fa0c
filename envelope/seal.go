package envelope

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opd-ai/privdm/event"
	"github.com/opd-ai/privdm/signer"
)

// CreateSeal encrypts a serialized rumor for one recipient and signs the
// result as the true sender. The tag list MUST stay empty: any tag would
// leak recipient metadata outside the encryption boundary.
func CreateSeal(sig signer.Signer, rumor *Rumor, recipientPubKey string) (*event.Event, error) {
	if rumor == nil {
		return nil, errors.New("nil rumor")
	}

	serialized, err := json.Marshal(rumor)
	if err != nil {
		return nil, fmt.Errorf("rumor serialization failed: %w", err)
	}

	encrypted, err := sig.Encrypt(recipientPubKey, string(serialized))
	if err != nil {
		return nil, fmt.Errorf("seal encryption failed: %w", err)
	}

	sealed, err := sig.SignEvent(event.Template{
		Kind:      event.KindSeal,
		CreatedAt: randomPastTimestamp(),
		Tags:      [][]string{},
		Content:   encrypted,
	})
	if err != nil {
		return nil, fmt.Errorf("seal signing failed: %w", err)
	}

	return sealed, nil
}
