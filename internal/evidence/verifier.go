package evidence

import (
	"context"
	"strings"

	"github.com/probatio/probatio/internal/gateway"
	"github.com/probatio/probatio/internal/model"
)

// Verification thresholds on the best span's relevance. Between the two,
// the verdict is borderline and the gateway is consulted when available.
const (
	supportedRelevance  = 0.45
	borderlineRelevance = 0.3
)

// Verifier checks that a claim's citations are semantically supported by
// the sources they point to, not merely syntactically well-formed.
type Verifier struct {
	caller gateway.Caller // nil keeps verification fully deterministic
}

// NewVerifier builds a verifier. caller may be nil.
func NewVerifier(caller gateway.Caller) *Verifier {
	return &Verifier{caller: caller}
}

// Verify returns the verification status for one claim given its bound
// spans and the sources they reference. cited lists the source IDs the
// claim's citation markers resolve to; when non-empty, only spans from
// those sources count. Support that exists only in an uncited source is
// misattribution.
func (v *Verifier) Verify(ctx context.Context, claim model.Claim, spans []model.EvidenceSpan, sources map[string]model.Source, cited []string) model.VerificationStatus {
	if len(spans) == 0 {
		return model.VerificationUnsupported
	}

	candidates := spans
	if len(cited) > 0 {
		citedSet := make(map[string]bool, len(cited))
		for _, id := range cited {
			citedSet[id] = true
		}
		candidates = nil
		for _, s := range spans {
			if citedSet[s.SourceID] {
				candidates = append(candidates, s)
			}
		}
		if len(candidates) == 0 {
			return model.VerificationMisattributed
		}
	}

	best := candidates[0]
	for _, s := range candidates[1:] {
		if s.Relevance > best.Relevance {
			best = s
		}
	}

	switch {
	case best.Relevance >= supportedRelevance:
		return model.VerificationSupported
	case best.Relevance < borderlineRelevance:
		// The span points somewhere, but the source does not say what
		// the claim says.
		return model.VerificationMisattributed
	}

	// Borderline: ask the gateway for a judgment when one is wired in.
	if v.caller == nil {
		return model.VerificationSupported
	}

	src, ok := sources[best.SourceID]
	if !ok {
		return model.VerificationMisattributed
	}

	resp, err := v.caller.Call(ctx, gateway.Request{
		Messages: []gateway.Message{
			{Role: gateway.RoleSystem, Content: "You judge whether a source excerpt supports a claim. Answer with exactly one word: SUPPORTED, UNSUPPORTED, or MISATTRIBUTED."},
			{Role: gateway.RoleUser, Content: verifyPrompt(claim.Text, src.Title, best.Context)},
		},
		Temperature: 0,
		MaxTokens:   10,
	})
	if err != nil {
		// Verification must not fail the run; keep the conservative verdict.
		return model.VerificationSupported
	}

	switch strings.ToUpper(strings.TrimSpace(resp.Text)) {
	case "SUPPORTED":
		return model.VerificationSupported
	case "MISATTRIBUTED":
		return model.VerificationMisattributed
	case "UNSUPPORTED":
		return model.VerificationUnsupported
	default:
		return model.VerificationSupported
	}
}

func verifyPrompt(claimText, sourceTitle, excerpt string) string {
	var b strings.Builder
	b.WriteString("Claim: ")
	b.WriteString(claimText)
	b.WriteString("\n\nSource: ")
	b.WriteString(sourceTitle)
	b.WriteString("\nExcerpt: ")
	b.WriteString(excerpt)
	b.WriteString("\n\nDoes the excerpt semantically support the claim? Flag cherry-picking or misattribution.")
	return b.String()
}

// MarkerSources resolves a sentence's citation markers against the
// numbering the synthesis used: [n] is the nth source in the order
// handed to synthesis. Out-of-range markers are dropped.
func MarkerSources(text string, ordered []model.Source) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, n := range markerIndexes(text) {
		if n < 1 || n > len(ordered) {
			continue
		}
		id := ordered[n-1].ID
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// markerIndexes extracts the numbers of every [n] marker in the text.
func markerIndexes(text string) []int {
	var out []int
	for i := 0; i < len(text); i++ {
		if text[i] != '[' {
			continue
		}
		j := i + 1
		n := 0
		for j < len(text) && text[j] >= '0' && text[j] <= '9' {
			n = n*10 + int(text[j]-'0')
			j++
		}
		if j > i+1 && j < len(text) && text[j] == ']' {
			out = append(out, n)
			i = j
		}
	}
	return out
}
