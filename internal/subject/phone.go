package subject

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
)

// phoneKeys is the priority order for locating a phone number in
// channel metadata. Generic keys first, then channel-specific aliases.
var phoneKeys = []string{
	"phone",
	"phone_number",
	"from",
	"caller",
	"sender",
	"msisdn",
}

// normalizedPhonePattern is the loose shape a normalized number should
// take: "+" followed by 7 to 15 digits (E.164 bounds). Mismatches are
// logged, not rejected — an odd number still identifies the customer
// consistently.
var normalizedPhonePattern = regexp.MustCompile(`^\+\d{7,15}$`)

// PhoneResolver derives subject IDs from phone numbers found in channel
// metadata. It is the default resolver and the fallback for
// CRM-backed resolution.
type PhoneResolver struct {
	logger *slog.Logger
}

// NewPhoneResolver creates a phone-based resolver. A nil logger falls
// back to slog.Default.
func NewPhoneResolver(logger *slog.Logger) *PhoneResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &PhoneResolver{logger: logger}
}

// Resolve scans the metadata priority keys for the first non-empty
// phone value, normalizes it, and returns "phone_<normalized>".
func (r *PhoneResolver) Resolve(_ context.Context, metadata map[string]any) (string, error) {
	raw, ok := firstPhoneValue(metadata)
	if !ok {
		return "", &ResolutionError{Reason: "no phone field in metadata"}
	}

	normalized := NormalizePhone(raw)
	if !normalizedPhonePattern.MatchString(normalized) {
		r.logger.Warn("normalized phone has unexpected shape",
			"raw", raw,
			"normalized", normalized,
		)
	}

	return "phone_" + normalized, nil
}

// firstPhoneValue returns the first non-empty string value among the
// priority keys.
func firstPhoneValue(metadata map[string]any) (string, bool) {
	for _, key := range phoneKeys {
		v, ok := metadata[key]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok || strings.TrimSpace(s) == "" {
			continue
		}
		return strings.TrimSpace(s), true
	}
	return "", false
}

// NormalizePhone reduces a phone number in any supported representation
// to canonical form: all formatting stripped, a single leading "+", US
// country code assumed for bare 10-digit numbers.
func NormalizePhone(raw string) string {
	hasPlus := strings.HasPrefix(strings.TrimSpace(raw), "+")

	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()

	if hasPlus {
		return "+" + d
	}
	switch {
	case len(d) == 10:
		return "+1" + d
	case len(d) == 11 && strings.HasPrefix(d, "1"):
		return "+" + d
	default:
		return "+" + d
	}
}
