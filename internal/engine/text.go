package engine

import (
	"strings"
	"unicode"
)

// SplitSentences breaks text into the segments an engine renders as separate
// chunks: lines first, then sentences ending in . ! ? or ; followed by a
// space. Empty segments are dropped.
func SplitSentences(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		runes := []rune(line)
		start := 0
		for i, r := range runes {
			if !isTerminal(r) {
				continue
			}
			if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
				continue
			}
			if seg := strings.TrimSpace(string(runes[start : i+1])); seg != "" {
				out = append(out, seg)
			}
			start = i + 1
		}
		if seg := strings.TrimSpace(string(runes[start:])); seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', ';', '。', '！', '？':
		return true
	}
	return false
}
