package capabilities

import (
	"regexp"
	"strings"
)

var footerPattern = regexp.MustCompile(`^\s*([-–—]{1,3})\s*([^\s\-–—].{0,39}?)\s*$`)

// SplitFooter separates a trailing "-- Label" line from text. A line
// starting with a single hyphen only counts when its label is one of allowed,
// so a closing markdown list item is left alone. Known labels are returned in
// their canonical spelling.
func SplitFooter(text string, allowed []string) (body, label string) {
	trimmed := strings.TrimRight(text, " \t\r\n")
	idx := strings.LastIndex(trimmed, "\n")
	last := trimmed[idx+1:]

	m := footerPattern.FindStringSubmatch(last)
	if m == nil {
		return text, ""
	}
	dashes, candidate := m[1], m[2]
	canonical := ""
	for _, tag := range allowed {
		if strings.EqualFold(tag, candidate) {
			canonical = tag
			break
		}
	}
	if canonical == "" {
		if dashes == "-" {
			return text, ""
		}
		canonical = candidate
	}
	if idx < 0 {
		return "", canonical
	}
	return strings.TrimRight(trimmed[:idx], " \t\r\n"), canonical
}

// AppendFooter renders label as the final line of body.
func AppendFooter(body, label string) string {
	if label == "" {
		return body
	}
	if strings.TrimSpace(body) == "" {
		return "-- " + label
	}
	return body + "\n\n-- " + label
}
