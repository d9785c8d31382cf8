package roster

import "strings"

// CanonicalIdentity reduces a channel address to its digits-only canonical
// form ("+1-555-0100" -> "15550100"). All equality checks go through this.
func CanonicalIdentity(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
