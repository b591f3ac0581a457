// ABOUTME: ChunkEngine splits reply text into paragraphs, sentences, and words
// ABOUTME: Used by the pacer to find part boundaries that never cut a sentence
package core

import (
	"strings"
	"unicode"
)

// splitParagraphs splits text on blank lines, trimming each paragraph and dropping empty ones
func splitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var result []string
	var current []string
	flush := func() {
		if para := strings.TrimSpace(strings.Join(current, "\n")); para != "" {
			result = append(result, para)
		}
		current = current[:0]
	}

	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		current = append(current, line)
	}
	flush()

	return result
}

// splitSentences splits text after ".", "!", "?" or "…" followed by whitespace.
// The terminator stays with its sentence.
func splitSentences(text string) []string {
	runes := []rune(strings.TrimSpace(text))

	var result []string
	start := 0
	for i := 0; i < len(runes); i++ {
		if !isSentenceEnd(runes[i]) {
			continue
		}
		// Absorb runs like "?!" or "..."
		for i+1 < len(runes) && isSentenceEnd(runes[i+1]) {
			i++
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if sent := strings.TrimSpace(string(runes[start : i+1])); sent != "" {
			result = append(result, sent)
		}
		start = i + 1
	}
	if start < len(runes) {
		if sent := strings.TrimSpace(string(runes[start:])); sent != "" {
			result = append(result, sent)
		}
	}

	return result
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?' || r == '…'
}

// splitHalves divides pieces into two non-empty groups of roughly equal rune length
func splitHalves(pieces []string) ([]string, []string) {
	if len(pieces) < 2 {
		return pieces, nil
	}

	total := 0
	for _, p := range pieces {
		total += len([]rune(p))
	}

	acc := 0
	for i, p := range pieces[:len(pieces)-1] {
		acc += len([]rune(p))
		if acc*2 >= total {
			return pieces[:i+1], pieces[i+1:]
		}
	}
	return pieces[:len(pieces)-1], pieces[len(pieces)-1:]
}

// splitRunes cuts text into two halves at the rune midpoint
func splitRunes(text string) (string, string) {
	runes := []rune(text)
	mid := len(runes) / 2
	return string(runes[:mid]), string(runes[mid:])
}
