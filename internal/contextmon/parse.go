package contextmon

import (
	"regexp"
	"strconv"
)

// Context-usage markers emitted by the hosted CLIs. All matching is
// case-insensitive and whitespace-tolerant:
//
//	"<n>% context", "<n>% of context", "<n>% ctx",
//	"context: <n>%", "context <n>%"
var (
	percentFirstPattern = regexp.MustCompile(`(?i)(\d+)\s*%\s*(?:of\s+)?(?:context|ctx)\b`)
	contextFirstPattern = regexp.MustCompile(`(?i)\bcontext\s*:?\s*(\d+)\s*%`)
)

// ExtractContextPercent scans text for context-usage markers and
// returns the largest valid percentage. Values outside [0,100] are
// ignored entirely; "150% context" matches nothing.
func ExtractContextPercent(text string) (int, bool) {
	best := -1
	for _, pattern := range []*regexp.Regexp{percentFirstPattern, contextFirstPattern} {
		for _, m := range pattern.FindAllStringSubmatch(text, -1) {
			n, err := strconv.Atoi(m[1])
			if err != nil || n < 0 || n > 100 {
				continue
			}
			if n > best {
				best = n
			}
		}
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}
