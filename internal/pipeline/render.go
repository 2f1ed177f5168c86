package pipeline

import (
	"fmt"
	"strings"

	"github.com/probatio/probatio/internal/model"
)

// RenderBrief produces the published markdown: the analysis followed by
// a claim appendix with verification status and evidence excerpts, and
// a numbered source list matching the inline citation markers.
func RenderBrief(run *model.AnalysisRun, sources []model.Source, claims []model.Claim, spans map[string][]model.EvidenceSpan) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", run.Question)
	fmt.Fprintf(&b, "Trust score: %.2f | Sources: %d | Claims: %d\n\n",
		run.TrustScore, len(sources), len(claims))

	b.WriteString(strings.TrimSpace(run.Analysis))
	b.WriteString("\n\n## Claims\n\n")

	for _, c := range claims {
		marker := verificationMarker(c)
		fmt.Fprintf(&b, "- %s **%s** (trust %.2f)\n", marker, strings.TrimSpace(c.Text), c.TrustScore)
		for _, sp := range spans[c.ID] {
			fmt.Fprintf(&b, "  - %s: %q\n", sp.SourceID, truncate(sp.MatchedText, 200))
		}
		if c.HasContradiction {
			fmt.Fprintf(&b, "  - contradicts claim %s\n", c.ContradictsClaim)
		}
	}

	b.WriteString("\n## Sources\n\n")
	for i, src := range sources {
		fmt.Fprintf(&b, "%d. %s", i+1, src.Title)
		if src.Year > 0 {
			fmt.Fprintf(&b, " (%d)", src.Year)
		}
		if src.URL != "" {
			fmt.Fprintf(&b, " <%s>", src.URL)
		}
		b.WriteString("\n")
	}

	return b.String()
}

func verificationMarker(c model.Claim) string {
	switch c.Verification {
	case model.VerificationSupported:
		return "[supported]"
	case model.VerificationUnsupported:
		return "[unsupported]"
	case model.VerificationMisattributed:
		return "[misattributed]"
	default:
		return "[unverified]"
	}
}
