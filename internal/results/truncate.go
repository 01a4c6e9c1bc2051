package results

import (
	"unicode/utf8"
)

// Ellipsis marks a truncated summary.
const Ellipsis = "..."

// TruncateUTF8 cuts s to at most maxBytes bytes without splitting a multi-byte
// character. It returns the truncated text and the number of bytes removed.
// A non-positive maxBytes leaves s untouched.
func TruncateUTF8(s string, maxBytes int) (string, int) {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s, 0
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], len(s) - cut
}

// TruncateSummary limits s to maxChars characters. When truncation happens the
// last three characters are replaced with an ellipsis, unless the cap is too
// small to hold one.
func TruncateSummary(s string, maxChars int) (string, bool) {
	if maxChars <= 0 || utf8.RuneCountInString(s) <= maxChars {
		return s, false
	}
	keep := maxChars
	suffix := ""
	if maxChars >= len(Ellipsis) {
		keep = maxChars - len(Ellipsis)
		suffix = Ellipsis
	}
	return prefixRunes(s, keep) + suffix, true
}

func prefixRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
