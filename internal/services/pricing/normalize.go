package pricing

import "strings"

// NormalizeModel reduces a vendor model identifier to the canonical lookup
// key: lowercased, whitespace trimmed, provider prefixes dropped, "@" date
// separators folded into "-". Idempotent, so keys already normalized pass
// through unchanged.
//
//	openai/gpt-4o@20240501 -> gpt-4o-20240501
func NormalizeModel(model string) string {
	lower := strings.ToLower(model)
	if idx := strings.LastIndex(lower, "/"); idx >= 0 {
		lower = lower[idx+1:]
	}
	lower = strings.ReplaceAll(lower, "@", "-")
	return strings.TrimSpace(lower)
}
