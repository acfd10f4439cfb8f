package customer

import (
	"regexp"
	"strings"
)

// Patterns for opportunistic structured-hint extraction from free text.
// These are deliberately loose: a false positive costs a stale metadata
// value, a false negative costs nothing.
var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	orderPattern = regexp.MustCompile(`(?i)(?:\bORD[-_]?\d{4,}\b|#\d{5,}\b)`)
	phonePattern = regexp.MustCompile(`\+?\d[\d\s().\-]{6,14}\d`)
)

// ExtractHints scans free text for recognizable structured values
// (email address, order number, phone number) and returns them keyed
// for metadata storage. Missing hints are simply absent from the map.
func ExtractHints(text string) map[string]string {
	hints := make(map[string]string)
	if m := emailPattern.FindString(text); m != "" {
		hints["email"] = strings.ToLower(m)
	}
	if m := orderPattern.FindString(text); m != "" {
		hints["order_number"] = strings.TrimPrefix(strings.ToUpper(m), "#")
	}
	if m := phonePattern.FindString(text); m != "" {
		hints["phone"] = m
	}
	return hints
}

// MergeHints folds extracted hints into the context metadata. A hint
// overwrites an existing value only when the hint is non-empty, so a
// turn that mentions no email never clears one learned earlier.
func (c *Context) MergeHints(hints map[string]string) {
	if len(hints) == 0 {
		return
	}
	if c.Metadata == nil {
		c.Metadata = make(map[string]any, len(hints))
	}
	for k, v := range hints {
		if v == "" {
			continue
		}
		c.Metadata[k] = v
	}
}
