package pipeline

import (
	"fmt"
	"strings"

	"github.com/probatio/probatio/internal/gateway"
	"github.com/probatio/probatio/internal/model"
)

const synthesisSystem = `You are a careful research analyst. Write an evidence-based
analysis answering the question using only the numbered sources provided. Cite sources
inline with bracketed numbers like [1]. Do not invent findings that are not in the
sources. Be explicit about disagreement between sources.`

const adversarialSystem = `You are a skeptical research analyst reviewing a draft
analysis that failed verification. Rewrite it so that every assertion is directly
traceable to one of the numbered sources, citing with bracketed numbers like [1].
Remove or qualify any assertion the sources do not support. Where sources disagree,
present both sides instead of picking one.`

// synthesisRequest builds the gateway request for the SYNTHESIZE stage.
// The adversarial pass includes the failed draft so the model can see
// what to repair.
func synthesisRequest(run *model.AnalysisRun, sources []model.Source, adversarial bool) gateway.Request {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nSources:\n", run.Question)
	for i, src := range sources {
		fmt.Fprintf(&b, "[%d] %s (%d)\n", i+1, src.Title, src.Year)
		if src.Findings != "" {
			fmt.Fprintf(&b, "Findings: %s\n", src.Findings)
		}
		if src.Methods != "" {
			fmt.Fprintf(&b, "Methods: %s\n", src.Methods)
		}
		if src.Findings == "" {
			fmt.Fprintf(&b, "Abstract: %s\n", truncate(src.Abstract, 600))
		}
		b.WriteString("\n")
	}

	system := synthesisSystem
	if adversarial {
		system = adversarialSystem
		fmt.Fprintf(&b, "Draft under review:\n%s\n", run.Analysis)
	}

	switch run.Mode {
	case model.ModeMultiPerspective:
		b.WriteString("Present at least two distinct perspectives on the question, " +
			"each grounded in different sources, then a synthesis of where they agree.\n")
	default:
		b.WriteString("Write a single coherent brief answering the question.\n")
	}

	return gateway.Request{
		Messages: []gateway.Message{
			{Role: gateway.RoleSystem, Content: system},
			{Role: gateway.RoleUser, Content: b.String()},
		},
		Temperature: 0.3,
		MaxTokens:   2000,
	}
}

// localSynthesis is the no-gateway fallback: a mechanical stitch of
// source findings with citation markers. Used in local mode and tests.
func localSynthesis(run *model.AnalysisRun, sources []model.Source) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analysis of: %s\n\n", run.Question)
	for i, src := range sources {
		body := src.Findings
		if body == "" {
			body = truncate(src.Abstract, 300)
		}
		if body == "" {
			continue
		}
		fmt.Fprintf(&b, "%s [%d]. ", strings.TrimRight(strings.TrimSpace(body), "."), i+1)
	}
	return strings.TrimSpace(b.String())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
