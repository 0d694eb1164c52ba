// Package thread derives conversation keys from email headers and
// rebuilds linear reply chains from stored messages.
package thread

import (
	"regexp"
	"sort"
	"strings"

	"github.com/tebstrack-io/tebstrack/internal/models"
)

var messageIDPattern = regexp.MustCompile(`<[^<>]+>`)

// Key computes the stable thread identifier for one message.
// Priority: root of the References chain, then In-Reply-To, then the
// message's own Message-ID (a new thread root). Identifiers keep their
// angle brackets so the key matches the header token verbatim.
func Key(messageID, inReplyTo string, references []string) string {
	if len(references) > 0 && references[0] != "" {
		return references[0]
	}
	if id := strings.TrimSpace(inReplyTo); id != "" {
		return id
	}
	return strings.TrimSpace(messageID)
}

// ParseReferences splits a References header value into its identifier
// tokens, root first. Values without angle brackets fall back to
// whitespace splitting so slightly malformed headers still thread.
func ParseReferences(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	ids := messageIDPattern.FindAllString(raw, -1)
	if len(ids) == 0 {
		ids = strings.Fields(raw)
	}
	return ids
}

// Reconstruct orders the messages of one thread into a reply chain for
// display: a forest is built by matching In-Reply-To to Message-ID,
// each root is walked forward, and the concatenated chains are
// presented newest-first. The result is a pure function of the input
// set. Messages without a resolvable parent are chain roots themselves.
func Reconstruct(msgs []*models.EmailMessage) []*models.EmailMessage {
	if len(msgs) == 0 {
		return nil
	}
	byMessageID := make(map[string]*models.EmailMessage, len(msgs))
	for _, m := range msgs {
		if m.MessageID != "" {
			if _, ok := byMessageID[m.MessageID]; !ok {
				byMessageID[m.MessageID] = m
			}
		}
	}

	var ordered []*models.EmailMessage
	seen := make(map[int64]struct{}, len(msgs))
	for _, root := range msgs {
		if root.InReplyTo != "" {
			if _, hasParent := byMessageID[root.InReplyTo]; hasParent {
				continue // not a root, reached by walking its parent
			}
		}
		for current := root; current != nil; current = replyTo(msgs, current) {
			if _, dup := seen[current.ID]; dup {
				break
			}
			seen[current.ID] = struct{}{}
			ordered = append(ordered, current)
		}
	}
	// Anything unreachable from a root (reply cycles) still shows up.
	for _, m := range msgs {
		if _, ok := seen[m.ID]; !ok {
			seen[m.ID] = struct{}{}
			ordered = append(ordered, m)
		}
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].SentAt.Equal(ordered[j].SentAt) {
			return ordered[i].SentAt.After(ordered[j].SentAt)
		}
		return ordered[i].ID > ordered[j].ID
	})
	return ordered
}

func replyTo(msgs []*models.EmailMessage, current *models.EmailMessage) *models.EmailMessage {
	if current.MessageID == "" {
		return nil
	}
	for _, m := range msgs {
		if m != current && m.InReplyTo == current.MessageID {
			return m
		}
	}
	return nil
}
