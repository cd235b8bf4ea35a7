package protocol

import (
	"strings"
	"unicode/utf8"
)

// SanitizeString truncates to maxLen bytes, strips HTML-significant
// characters, control characters, and invalid UTF-8, then trims
// surrounding whitespace. The result is a stable fixed point: sanitizing
// already-sanitized output returns it unchanged.
func SanitizeString(s string, maxLen int) string {
	if maxLen > 0 && len(s) > maxLen {
		// Back the cut off to a rune boundary so a multi-byte character
		// is dropped whole instead of leaving orphan bytes.
		cut := maxLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		switch {
		case r == utf8.RuneError && size == 1:
			// Invalid byte: dropped rather than replaced, so output
			// length can only shrink.
		case r == '<' || r == '>' || r == '"' || r == '\'' || r == '&':
			// HTML-significant: dropped, never escaped.
		case r < 0x20 || r == 0x7F:
			// Control characters.
		default:
			b.WriteRune(r)
		}
	}

	return strings.TrimSpace(b.String())
}
