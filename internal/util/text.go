package util

import "strings"

// Sentence is one sentence with its character offsets in the original text.
type Sentence struct {
	Text  string
	Start int
	End   int
}

// Sentence length bounds; fragments shorter than the floor are noise,
// runs longer than the ceiling are usually lists or tables.
const (
	minSentenceLen = 20
	maxSentenceLen = 600
)

// SplitSentences splits plain text into sentences, keeping offsets so
// callers can map extracted content back to its span.
func SplitSentences(text string) []Sentence {
	var sentences []Sentence
	start := 0

	flush := func(end int) {
		raw := text[start:end]
		trimmed := strings.TrimSpace(raw)
		if len(trimmed) >= minSentenceLen && len(trimmed) <= maxSentenceLen {
			lead := strings.Index(raw, trimmed)
			sentences = append(sentences, Sentence{
				Text:  trimmed,
				Start: start + lead,
				End:   start + lead + len(trimmed),
			})
		}
		start = end
	}

	for i := 0; i < len(text); i++ {
		c := text[i]
		if c == '.' || c == '!' || c == '?' {
			// Look ahead to avoid splitting on abbreviations and decimals.
			if i+1 >= len(text) || text[i+1] == ' ' || text[i+1] == '\t' || text[i+1] == '\n' {
				flush(i + 1)
			}
		}
	}
	if start < len(text) {
		flush(len(text))
	}

	return sentences
}

// Tokenize lower-cases and splits text into word tokens, dropping
// stopwords and short fragments.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	})

	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 3 || stopwords[f] {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

// TokenSet returns the unique tokens of text.
func TokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range Tokenize(text) {
		set[t] = true
	}
	return set
}

var stopwords = map[string]bool{
	"the": true, "and": true, "that": true, "this": true, "with": true,
	"for": true, "are": true, "was": true, "were": true, "been": true,
	"has": true, "have": true, "had": true, "from": true, "its": true,
	"but": true, "not": true, "can": true, "may": true, "will": true,
	"which": true, "their": true, "they": true, "than": true, "these": true,
	"those": true, "such": true, "into": true, "also": true, "more": true,
	"between": true, "about": true, "over": true, "under": true,
}
