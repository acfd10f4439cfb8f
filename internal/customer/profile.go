package customer

import (
	"fmt"
	"sort"
	"strings"
)

// ProfileMarker prefixes the synthetic system message built from CRM
// profile metadata. Injection checks for this marker so repeated turns
// never stack a second summary into the history.
const ProfileMarker = "[customer profile]"

// profileKey is the metadata key under which a resolver may deposit an
// external CRM profile (map[string]any or map[string]string).
const profileKey = "profile"

// ProfileSummary renders the CRM profile stored in the context metadata
// as a single system-level line. Returns "" when no profile is present.
func (c *Context) ProfileSummary() string {
	if c == nil || c.Metadata == nil {
		return ""
	}
	fields := make(map[string]string)
	switch p := c.Metadata[profileKey].(type) {
	case map[string]string:
		for k, v := range p {
			fields[k] = v
		}
	case map[string]any:
		for k, v := range p {
			fields[k] = fmt.Sprint(v)
		}
	default:
		return ""
	}
	if len(fields) == 0 {
		return ""
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(ProfileMarker)
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf(" %s=%s;", k, fields[k]))
	}
	return strings.TrimSuffix(sb.String(), ";")
}

// HasProfileSummary reports whether the history already carries an
// injected profile summary.
func HasProfileSummary(messages []Message) bool {
	for _, m := range messages {
		if m.Role == "system" && strings.Contains(m.Content, ProfileMarker) {
			return true
		}
	}
	return false
}
