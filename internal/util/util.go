package util

import "strings"

// TruncateString truncates s to maxLen runes and appends an ellipsis marker
// if anything was cut (UTF-8 safe). When preserveWords is true the cut is
// moved back to the last space before the limit when one exists.
func TruncateString(s string, maxLen int, preserveWords bool) string {
	if maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return "..."[:maxLen]
	}
	cut := maxLen - 3
	if preserveWords {
		candidate := string(runes[:cut])
		if idx := strings.LastIndex(candidate, " "); idx > 0 {
			candidate = candidate[:idx]
		}
		return strings.TrimRight(candidate, " ") + "..."
	}
	return string(runes[:cut]) + "..."
}

// JoinNonEmpty joins the non-blank elements of parts with sep.
func JoinNonEmpty(parts []string, sep string) string {
	out := parts[:0:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}
