package inbound

import "strings"

type Intent int

const (
	// IntentNone: unmatched free text gets no state change and no reply.
	IntentNone Intent = iota
	IntentUnsubscribe
	IntentResubscribe
)

func (i Intent) String() string {
	switch i {
	case IntentUnsubscribe:
		return "unsubscribe"
	case IntentResubscribe:
		return "resubscribe"
	default:
		return "none"
	}
}

// keywordSet is a normalized membership set: keys are trimmed and lowercased
// once at construction.
type keywordSet map[string]struct{}

func newKeywordSet(words []string) keywordSet {
	s := make(keywordSet, len(words))
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			s[w] = struct{}{}
		}
	}
	return s
}

func (s keywordSet) has(w string) bool {
	_, ok := s[w]
	return ok
}

// classify normalizes the inbound text (trim, lowercase) and matches it
// against the configured keyword sets by exact membership. The sets are
// snapshotted under the read lock; Apply may swap them at any time.
func (h *Handler) classify(text string) Intent {
	norm := strings.ToLower(strings.TrimSpace(text))

	h.mu.RLock()
	unsub, resub := h.unsub, h.resub
	h.mu.RUnlock()

	switch {
	case unsub.has(norm):
		return IntentUnsubscribe
	case resub.has(norm):
		return IntentResubscribe
	default:
		return IntentNone
	}
}
