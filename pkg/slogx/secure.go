package slogx

import (
	"log/slog"
	"strings"
)

// Mask shapes how Secure hides a value.
type Mask struct {
	Rune   rune // replacement rune
	Count  int  // replacement length, independent of the hidden length
	Prefix int  // leading runes left visible
	Suffix int  // trailing runes left visible
}

// DefaultMask keeps enough of a token to correlate log lines without
// making it replayable.
var DefaultMask = Mask{Rune: '#', Count: 8, Prefix: 8, Suffix: 4}

// Secure masks raw with DefaultMask.
func Secure(raw string) string {
	return DefaultMask.Apply(raw)
}

// Apply masks raw. Short values are hidden completely so the visible parts
// never add up to the whole secret.
func (m Mask) Apply(raw string) string {
	hidden := strings.Repeat(string(m.Rune), max(m.Count, 1))

	switch n := len(raw); {
	case n > m.Prefix+m.Suffix:
		return raw[:m.Prefix] + hidden + raw[n-m.Suffix:]
	case n > m.Suffix && m.Suffix > 0:
		return hidden + raw[n-m.Suffix:]
	default:
		return hidden
	}
}

// Token returns a log attribute holding a masked token.
func Token(raw string) slog.Attr {
	return slog.String("token", Secure(raw))
}
