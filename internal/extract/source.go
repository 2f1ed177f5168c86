package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/probatio/probatio/internal/gateway"
	"github.com/probatio/probatio/internal/model"
)

// SourceExtraction is the per-source output of the EXTRACT stage.
type SourceExtraction struct {
	Findings   string  `json:"findings"`
	Methods    string  `json:"methods"`
	Confidence float64 `json:"confidence"`
}

// SourceExtractor pulls findings and methods out of a single source text
// through a structured gateway call.
type SourceExtractor struct {
	caller gateway.Caller
}

// NewSourceExtractor builds a source extractor.
func NewSourceExtractor(caller gateway.Caller) *SourceExtractor {
	return &SourceExtractor{caller: caller}
}

// Extract summarizes one source. deep selects the larger token budget for
// full-document re-extraction.
func (e *SourceExtractor) Extract(ctx context.Context, src model.Source, deep bool) (*SourceExtraction, error) {
	text := src.Text()
	if strings.TrimSpace(text) == "" {
		return &SourceExtraction{Confidence: 0}, nil
	}
	if e.caller == nil {
		return heuristicExtraction(text), nil
	}

	maxTokens := 800
	if deep {
		maxTokens = 2500
	}

	resp, err := e.caller.Call(ctx, gateway.Request{
		Messages: []gateway.Message{
			{Role: gateway.RoleSystem, Content: "You extract key findings and methods from academic source text. Respond with JSON only."},
			{Role: gateway.RoleUser, Content: sourcePrompt(src.Title, text)},
		},
		Temperature: 0.1,
		MaxTokens:   maxTokens,
		JSONMode:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("source extraction call: %w", err)
	}

	var parsed SourceExtraction
	if err := json.Unmarshal([]byte(resp.Text), &parsed); err != nil {
		return nil, fmt.Errorf("parse source extraction: %w", err)
	}

	if parsed.Confidence < 0 || parsed.Confidence > 1 {
		parsed.Confidence = 0.5
	}
	return &parsed, nil
}

// heuristicExtraction is the no-gateway fallback: the leading text
// stands in for findings, with confidence tied to how much text exists.
func heuristicExtraction(text string) *SourceExtraction {
	text = strings.TrimSpace(text)
	findings := text
	if len(findings) > 400 {
		findings = findings[:400]
	}
	confidence := 0.6
	if len(text) < 200 {
		confidence = 0.3
	}
	return &SourceExtraction{Findings: findings, Confidence: confidence}
}

func sourcePrompt(title, text string) string {
	return fmt.Sprintf(`Extract the key findings and the methods from this source.

Return JSON: {"findings": "...", "methods": "...", "confidence": 0.0-1.0}

"confidence" is your confidence that the findings are faithfully captured
from the text given (lower it when the text is a thin abstract).

Title: %s

Text:
%s`, title, text)
}
