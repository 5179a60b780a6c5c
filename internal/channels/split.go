package channels

import (
	"strings"
	"unicode/utf8"
)

// DefaultMaxMessageLength is used when a transport reports no limit.
const DefaultMaxMessageLength = 4000

// SplitMessage breaks text into chunks of at most max runes. It cuts at the
// last newline in the back half of the window, else the last space, else any
// newline, else at max. The newline or space at a cut is dropped.
func SplitMessage(text string, max int) []string {
	if max <= 0 {
		max = DefaultMaxMessageLength
	}
	if utf8.RuneCountInString(text) <= max {
		return []string{text}
	}

	var chunks []string
	rest := text
	for utf8.RuneCountInString(rest) > max {
		window := prefixRunes(rest, max)
		cut, skip := len(window), 0
		nl, sp := strings.LastIndex(window, "\n"), strings.LastIndex(window, " ")
		switch {
		case nl > len(window)/2:
			cut, skip = nl, 1
		case sp > 0:
			cut, skip = sp, 1
		case nl > 0:
			cut, skip = nl, 1
		}
		chunks = append(chunks, rest[:cut])
		rest = rest[cut+skip:]
	}
	if rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

// prefixRunes returns the first n runes of s.
func prefixRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
