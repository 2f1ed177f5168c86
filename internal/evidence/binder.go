// Package evidence binds extracted claims to verifiable spans of source
// text, verifies citations semantically, and detects contradictions
// between claims. The binder never fabricates support: a claim with no
// qualifying span gets none.
package evidence

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/probatio/probatio/internal/model"
	"github.com/probatio/probatio/internal/util"
)

// Base strengths per evidence type; scaled by how much of the claim the
// span actually covers.
const (
	strengthDirect      = 0.95
	strengthStatistical = 0.80
	strengthParaphrase  = 0.65
	strengthMention     = 0.35
)

// Binder scans source texts for spans supporting a claim.
type Binder struct {
	relevanceFloor float64
	strengthFloor  float64
	maxSpans       int
	now            func() time.Time
}

// NewBinder builds a binder with the configured floors and span cap.
func NewBinder(cfg model.PipelineConfig) *Binder {
	maxSpans := cfg.MaxSpansPerClaim
	if maxSpans <= 0 {
		maxSpans = 3
	}
	return &Binder{
		relevanceFloor: cfg.RelevanceFloor,
		strengthFloor:  cfg.StrengthFloor,
		maxSpans:       maxSpans,
		now:            time.Now,
	}
}

// Bind returns the qualifying spans for one claim across the given
// sources, best first, at most maxSpans. Sources must be the ones the
// owning run actually consumed; the binder does not check that.
func (b *Binder) Bind(claim model.Claim, sources []model.Source) []model.EvidenceSpan {
	claimTokens := util.TokenSet(claim.Text)
	if len(claimTokens) == 0 {
		return nil
	}

	var candidates []model.EvidenceSpan
	for _, src := range sources {
		text := src.Text()
		if text == "" {
			continue
		}

		sentences := util.SplitSentences(text)
		for i, sentence := range sentences {
			relevance := overlap(claimTokens, util.TokenSet(sentence.Text))
			if relevance < b.relevanceFloor {
				continue
			}

			evType, strength := classify(claim.Text, claimTokens, sentence.Text)
			if strength < b.strengthFloor {
				continue
			}

			candidates = append(candidates, model.EvidenceSpan{
				ID:          uuid.NewString(),
				ClaimID:     claim.ID,
				SourceID:    src.ID,
				Start:       sentence.Start,
				End:         sentence.End,
				MatchedText: sentence.Text,
				Context:     contextWindow(sentences, i),
				Relevance:   relevance,
				Strength:    strength,
				Type:        evType,
				CreatedAt:   b.now().UTC(),
			})
		}
	}

	// Highest-scoring spans win; ties break on source then offset so the
	// result is stable.
	sort.Slice(candidates, func(i, j int) bool {
		si := candidates[i].Relevance * candidates[i].Strength
		sj := candidates[j].Relevance * candidates[j].Strength
		if si != sj {
			return si > sj
		}
		if candidates[i].SourceID != candidates[j].SourceID {
			return candidates[i].SourceID < candidates[j].SourceID
		}
		return candidates[i].Start < candidates[j].Start
	})

	if len(candidates) > b.maxSpans {
		candidates = candidates[:b.maxSpans]
	}
	return candidates
}

// overlap is the cosine similarity of the two token sets.
func overlap(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for t := range a {
		if b[t] {
			shared++
		}
	}
	denom := float64(len(a)) * float64(len(b))
	return float64(shared) / math.Sqrt(denom)
}

// classify decides whether the span states the claim directly, carries
// its numbers, paraphrases it, or merely mentions related terms.
func classify(claimText string, claimTokens map[string]bool, spanText string) (model.EvidenceType, float64) {
	containment := tokenContainment(claimTokens, util.TokenSet(spanText))

	switch {
	case strings.Contains(normalize(spanText), normalize(claimText)):
		return model.EvidenceDirectQuote, strengthDirect
	case containment >= 0.5 && sharesNumber(claimText, spanText):
		return model.EvidenceStatistical, strengthStatistical * scale(containment)
	case containment >= 0.5:
		return model.EvidenceParaphrase, strengthParaphrase * scale(containment)
	default:
		return model.EvidenceMention, strengthMention * containment * 2
	}
}

// tokenContainment is the fraction of claim tokens present in the span.
func tokenContainment(claimTokens, spanTokens map[string]bool) float64 {
	if len(claimTokens) == 0 {
		return 0
	}
	covered := 0
	for t := range claimTokens {
		if spanTokens[t] {
			covered++
		}
	}
	return float64(covered) / float64(len(claimTokens))
}

// sharesNumber reports whether both texts carry at least one common
// numeric token; that is what separates statistical support from a
// paraphrase.
func sharesNumber(a, b string) bool {
	for _, num := range numbers(a) {
		for _, other := range numbers(b) {
			if num == other {
				return true
			}
		}
	}
	return false
}

func numbers(text string) []string {
	var out []string
	start := -1
	for i := 0; i <= len(text); i++ {
		isDigit := i < len(text) && text[i] >= '0' && text[i] <= '9'
		if isDigit && start < 0 {
			start = i
		}
		if !isDigit && start >= 0 {
			out = append(out, text[start:i])
			start = -1
		}
	}
	return out
}

// scale maps containment [0.5,1] onto [0.75,1] so partial matches still
// clear a reasonable strength floor.
func scale(containment float64) float64 {
	return 0.5 + containment/2
}

// contextWindow joins the neighboring sentences around index i.
func contextWindow(sentences []util.Sentence, i int) string {
	var parts []string
	if i > 0 {
		parts = append(parts, sentences[i-1].Text)
	}
	parts = append(parts, sentences[i].Text)
	if i+1 < len(sentences) {
		parts = append(parts, sentences[i+1].Text)
	}
	return strings.Join(parts, " ")
}

func normalize(text string) string {
	return strings.Join(util.Tokenize(text), " ")
}
