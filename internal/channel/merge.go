// ABOUTME: Merges inbound and outbound message lists into one conversation
// ABOUTME: De-duplicates by id and orders ascending by createdAt

package channel

import (
	"slices"
	"strings"
)

// Merge combines message lists into a single conversation. A message that
// appears in more than one list is kept once, taking the copy from the later
// list. The result is ordered by createdAt ascending with ties broken by id;
// messages without a creation time sort last.
func Merge(lists ...[]Message) []Message {
	index := make(map[string]int)
	var out []Message
	for _, list := range lists {
		for _, m := range list {
			if i, ok := index[m.ID]; ok {
				out[i] = m
				continue
			}
			index[m.ID] = len(out)
			out = append(out, m)
		}
	}

	slices.SortFunc(out, compareMessages)
	if out == nil {
		out = []Message{}
	}
	return out
}

func compareMessages(a, b Message) int {
	switch {
	case a.CreatedAt == nil && b.CreatedAt == nil:
	case a.CreatedAt == nil:
		return 1
	case b.CreatedAt == nil:
		return -1
	default:
		if c := a.CreatedAt.Compare(*b.CreatedAt); c != 0 {
			return c
		}
	}
	return strings.Compare(a.ID, b.ID)
}
