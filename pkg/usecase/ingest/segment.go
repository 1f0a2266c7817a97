package ingest

import (
	"strings"
)

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// SplitSentences cuts text into sentences ending in '.', '!' or '?'. A run of
// terminal marks ("Really?!") stays with its sentence, and a trailing fragment
// without a terminal mark is kept as the last sentence. Blank sentences are
// dropped and surrounding whitespace is trimmed.
func SplitSentences(text string) []string {
	var (
		sentences []string
		current   strings.Builder
	)

	flush := func() {
		s := strings.TrimSpace(current.String())
		current.Reset()
		if strings.Trim(s, ".!? \t\r\n") == "" {
			return
		}
		sentences = append(sentences, s)
	}

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		current.WriteRune(runes[i])
		if !isTerminal(runes[i]) {
			continue
		}
		for i+1 < len(runes) && isTerminal(runes[i+1]) {
			i++
			current.WriteRune(runes[i])
		}
		flush()
	}
	flush()

	return sentences
}

// Chunk groups consecutive sentences into windows of size sentences joined by
// a single space. The last chunk holds the remainder.
func Chunk(sentences []string, size int) []string {
	if size <= 0 {
		size = 1
	}

	chunks := make([]string, 0, (len(sentences)+size-1)/size)
	for i := 0; i < len(sentences); i += size {
		end := min(i+size, len(sentences))
		chunks = append(chunks, strings.Join(sentences[i:end], " "))
	}
	return chunks
}
