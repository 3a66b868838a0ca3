package fleet

import (
	"strings"
	"unicode/utf8"
)

// SplitMessage breaks content into pieces of at most limit runes. It splits
// on line boundaries first, then on spaces for a line that is still too
// long, and cuts mid-word only when a single word exceeds limit.
func SplitMessage(content string, limit int) []string {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	if limit <= 0 || utf8.RuneCountInString(content) <= limit {
		return []string{content}
	}

	var (
		chunks []string
		cur    strings.Builder
		curLen int
	)
	flush := func() {
		if s := strings.Trim(cur.String(), "\n"); strings.TrimSpace(s) != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
		curLen = 0
	}
	add := func(piece, sep string) {
		n := utf8.RuneCountInString(piece)
		sepLen := 0
		if curLen > 0 {
			sepLen = utf8.RuneCountInString(sep)
		}
		if curLen+sepLen+n > limit {
			flush()
			sepLen = 0
		}
		if sepLen > 0 {
			cur.WriteString(sep)
		}
		cur.WriteString(piece)
		curLen += sepLen + n
	}

	for _, line := range strings.Split(content, "\n") {
		if utf8.RuneCountInString(line) <= limit {
			add(line, "\n")
			continue
		}
		flush()
		for _, word := range strings.Fields(line) {
			for _, part := range splitRunes(word, limit) {
				add(part, " ")
			}
		}
		flush()
	}
	flush()
	return chunks
}

func splitRunes(s string, limit int) []string {
	if utf8.RuneCountInString(s) <= limit {
		return []string{s}
	}
	var parts []string
	runes := []rune(s)
	for len(runes) > limit {
		parts = append(parts, string(runes[:limit]))
		runes = runes[limit:]
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
