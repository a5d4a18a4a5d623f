// Package extractive produces deterministic summaries and answers straight
// from document sentences. It backs the pipeline whenever the remote
// inference services cannot be reached.
package extractive

import (
	"sort"
	"strings"
	"unicode"

	"talqs/pkg/domain"
	"talqs/pkg/textproc"
)

// NoConfidentAnswer frames answers built when no sentence matched the question.
const NoConfidentAnswer = "I could not find a confident answer to this question in the document, but these passages may help:"

const topSentences = 3

// DefaultQuestions are asked when a caller requests answers to all default
// questions and the bulk endpoint is unavailable.
var DefaultQuestions = []string{
	"What is the case about?",
	"Who are the parties involved?",
	"What are the key legal issues?",
	"What arguments did the parties present?",
	"What was the final judgment?",
	"What is the penalty or relief granted?",
}

var stopwords = func() map[string]struct{} {
	words := []string{
		"what", "which", "when", "where", "whom", "whose", "why", "how", "does", "did", "done",
		"about", "above", "after", "again", "against", "also", "been", "before", "being", "below",
		"between", "both", "could", "during", "each", "from", "further", "have", "having", "into",
		"more", "most", "once", "only", "other", "over", "same", "should", "some", "such", "than",
		"that", "their", "them", "then", "there", "these", "they", "this", "those", "through",
		"under", "until", "very", "were", "will", "with", "would", "your", "tell", "please",
		"explain", "describe", "give", "list", "mention",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}()

// SummarizeChunk keeps the first and the middle sentence of a chunk.
// Chunks with two sentences or fewer come back unchanged.
func SummarizeChunk(chunk string) string {
	sentences := textproc.SplitSentences(chunk)
	if len(sentences) <= 2 {
		return chunk
	}
	first := strings.TrimSuffix(sentences[0], ".")
	middle := strings.TrimSuffix(sentences[len(sentences)/2], ".")
	return first + ". " + middle + "."
}

// Answer returns the three document sentences sharing the most keywords with
// the question. When nothing matches it returns the first, middle and last
// sentence behind the NoConfidentAnswer framing.
func Answer(content, question string) string {
	sentences := textproc.SplitSentences(textproc.Normalize(content))
	if len(sentences) == 0 {
		return NoConfidentAnswer
	}
	keywords := questionKeywords(question)

	type scored struct {
		idx   int
		score int
	}
	ranked := make([]scored, len(sentences))
	best := 0
	for i, sentence := range sentences {
		lower := strings.ToLower(sentence)
		score := 0
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				score++
			}
		}
		ranked[i] = scored{idx: i, score: score}
		if score > best {
			best = score
		}
	}

	if best == 0 {
		picks := []int{0, len(sentences) / 2, len(sentences) - 1}
		out := make([]string, 0, len(picks))
		seen := make(map[int]struct{}, len(picks))
		for _, idx := range picks {
			if _, ok := seen[idx]; ok {
				continue
			}
			seen[idx] = struct{}{}
			out = append(out, sentences[idx])
		}
		return NoConfidentAnswer + " " + strings.Join(out, " ")
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	n := topSentences
	if n > len(ranked) {
		n = len(ranked)
	}
	out := make([]string, 0, n)
	for _, r := range ranked[:n] {
		out = append(out, sentences[r.idx])
	}
	return strings.Join(out, " ")
}

// AnswerDefaults answers every entry of DefaultQuestions from content.
func AnswerDefaults(content string) []domain.QAPair {
	pairs := make([]domain.QAPair, 0, len(DefaultQuestions))
	for _, q := range DefaultQuestions {
		pairs = append(pairs, domain.QAPair{Question: q, Answer: Answer(content, q)})
	}
	return pairs
}

func questionKeywords(question string) []string {
	fields := strings.FieldsFunc(strings.ToLower(question), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, tok := range fields {
		if len(tok) <= 3 {
			continue
		}
		if _, ok := stopwords[tok]; ok {
			continue
		}
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}
