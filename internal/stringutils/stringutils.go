// Package stringutils provides string helpers shared by the terminal
// output parsers.
package stringutils

import (
	"regexp"
	"strings"
	"unicode"
)

// ansiPattern matches CSI escape sequences and bare escape codes
// emitted by interactive CLIs.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07|\x1b[()][0-9A-B]|[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]`)

// StripANSI removes ANSI escape sequences and control bytes from s,
// keeping newlines and tabs.
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// CollapseWhitespace replaces runs of whitespace with a single space
// and trims the result.
func CollapseWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if inSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		inSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

// IsEmpty returns true if the string is empty or contains only whitespace.
func IsEmpty(s string) bool {
	return strings.TrimSpace(s) == ""
}

// LastLines returns at most n trailing lines of s.
func LastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
