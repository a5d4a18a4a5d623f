// Package textproc cleans extracted document text and cuts it into
// sentence-aligned chunks sized by word count.
package textproc

import "strings"

// DefaultMaxTokens is the chunk budget, in words, used when callers pass <= 0.
const DefaultMaxTokens = 400

const sentenceDelimiter = ". "

// Normalize collapses every whitespace run to one space and trims the result.
// Only whitespace is touched, so citation markers survive unchanged.
func Normalize(raw string) string {
	text := strings.ReplaceAll(raw, "\x00", " ")
	text = strings.ToValidUTF8(text, " ")
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	return strings.Join(strings.Fields(text), " ")
}

// SplitSentences splits on ". ". Every sentence except the last keeps its
// terminating period, so joining the result with spaces restores the input.
func SplitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	parts := strings.Split(text, sentenceDelimiter)
	out := make([]string, 0, len(parts))
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if i < len(parts)-1 {
			part += "."
		}
		out = append(out, part)
	}
	return out
}

// WordCount returns the number of whitespace separated words.
func WordCount(text string) int {
	return len(strings.Fields(text))
}

// Chunk packs whole sentences into segments of at most maxTokens words.
// A sentence longer than maxTokens is never split; it becomes its own segment.
func Chunk(text string, maxTokens int) []string {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	var (
		chunks  []string
		current []string
		count   int
	)
	for _, sentence := range SplitSentences(text) {
		n := WordCount(sentence)
		if len(current) > 0 && count+n > maxTokens {
			chunks = append(chunks, strings.Join(current, " "))
			current, count = nil, 0
		}
		current = append(current, sentence)
		count += n
	}
	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, " "))
	}
	return chunks
}
