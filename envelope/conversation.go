package envelope

import (
	"sort"
	"strings"
)

// ConversationID derives the thread key for a message: the sorted,
// deduplicated union of the sender and every p-tagged participant,
// joined with "+". Every participant computes the same id from their own
// copy, regardless of who sent and of tag order. A self-chat degenerates
// to the single identity string.
func ConversationID(rumor *Rumor) string {
	seen := map[string]struct{}{rumor.PubKey: {}}
	participants := []string{rumor.PubKey}

	for _, tag := range rumor.Tags {
		if len(tag) >= 2 && tag[0] == "p" && tag[1] != "" {
			if _, ok := seen[tag[1]]; !ok {
				seen[tag[1]] = struct{}{}
				participants = append(participants, tag[1])
			}
		}
	}

	sort.Strings(participants)
	return strings.Join(participants, "+")
}
