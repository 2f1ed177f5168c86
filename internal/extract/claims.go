// Package extract turns generated analysis text and source documents into
// structured claims and findings. Deterministic pattern matching runs
// first; a structured LLM call is the fallback when patterns come up
// short.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/probatio/probatio/internal/gateway"
	"github.com/probatio/probatio/internal/model"
	"github.com/probatio/probatio/internal/util"
)

// heuristic is one deterministic extraction rule.
type heuristic struct {
	name       string
	claimType  model.ClaimType
	confidence float64
	markers    []string
}

// Rules are ordered: the first match wins for a sentence, so causal and
// predictive markers take precedence over generic result verbs.
var heuristics = []heuristic{
	{
		name:       "causal",
		claimType:  model.ClaimTypeCausal,
		confidence: 0.7,
		markers: []string{
			"causes", "caused by", "leads to", "led to", "results in",
			"resulted in", "due to", "drives", "driven by", "increases",
			"decreases", "reduces", "because of",
		},
	},
	{
		name:       "predictive",
		claimType:  model.ClaimTypePredictive,
		confidence: 0.6,
		markers: []string{
			"will likely", "is expected to", "are expected to", "projected to",
			"forecast", "is likely to", "are likely to", "anticipated",
			"by 2030", "by 2040", "by 2050",
		},
	},
	{
		name:       "result",
		claimType:  model.ClaimTypeFactual,
		confidence: 0.65,
		markers: []string{
			"found that", "showed that", "shows that", "demonstrated",
			"reported", "observed", "measured", "estimated", "concluded that",
			"evidence suggests", "associated with",
		},
	},
}

// citationConfidence applies when a sentence carries an explicit citation
// marker like [3]; such sentences are claims almost by construction.
const citationConfidence = 0.8

// ClaimExtractor extracts typed claims from analysis text.
type ClaimExtractor struct {
	caller    gateway.Caller // fallback path; nil disables the fallback
	minClaims int
	confFloor float64
	now       func() time.Time
}

// NewClaimExtractor builds an extractor. caller may be nil, in which case
// only the deterministic pass runs.
func NewClaimExtractor(caller gateway.Caller, cfg model.PipelineConfig) *ClaimExtractor {
	return &ClaimExtractor{
		caller:    caller,
		minClaims: cfg.MinClaims,
		confFloor: cfg.ExtractionConfFloor,
		now:       time.Now,
	}
}

// Extract parses the analysis text into discrete claims. The pattern pass
// runs first; the LLM fallback is used only when the pass yields too few
// or too weak claims.
func (e *ClaimExtractor) Extract(ctx context.Context, runID, analysis string) ([]model.Claim, error) {
	claims := e.patternPass(runID, analysis)

	if e.caller != nil && e.needsFallback(claims) {
		llmClaims, err := e.llmPass(ctx, runID, analysis)
		if err != nil {
			// The deterministic result stands if the fallback fails;
			// an empty result is still valid output.
			return claims, nil
		}
		claims = mergeClaims(claims, llmClaims)
	}

	return claims, nil
}

func (e *ClaimExtractor) needsFallback(claims []model.Claim) bool {
	if len(claims) < e.minClaims {
		return true
	}
	var sum float64
	for _, c := range claims {
		sum += c.Confidence
	}
	return sum/float64(len(claims)) < e.confFloor
}

// patternPass applies the deterministic heuristics sentence by sentence.
func (e *ClaimExtractor) patternPass(runID, analysis string) []model.Claim {
	var claims []model.Claim

	for _, sentence := range util.SplitSentences(analysis) {
		lower := strings.ToLower(sentence.Text)

		matched := false
		for _, h := range heuristics {
			for _, marker := range h.markers {
				if strings.Contains(lower, marker) {
					claims = append(claims, e.newClaim(runID, sentence, h.claimType, "keyword:"+marker, h.confidence))
					matched = true
					break
				}
			}
			if matched {
				break
			}
		}

		if !matched && hasCitationMarker(sentence.Text) {
			claims = append(claims, e.newClaim(runID, sentence, model.ClaimTypeFactual, "citation_marker", citationConfidence))
		}
	}

	return dedupeClaims(claims)
}

func (e *ClaimExtractor) newClaim(runID string, s util.Sentence, ct model.ClaimType, heuristic string, confidence float64) model.Claim {
	return model.Claim{
		ID:           uuid.NewString(),
		RunID:        runID,
		Text:         s.Text,
		SpanStart:    s.Start,
		SpanEnd:      s.End,
		Type:         ct,
		Heuristic:    heuristic,
		Confidence:   confidence,
		Verification: model.VerificationPending,
		CreatedAt:    e.now().UTC(),
	}
}

// llmClaim is the wire shape of the structured fallback response.
type llmClaim struct {
	Text       string  `json:"text"`
	Type       string  `json:"type"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

type llmClaimList struct {
	Claims []llmClaim `json:"claims"`
}

// llmPass asks the gateway for a structured claim list and parses it
// defensively: malformed entries are skipped, never fatal.
func (e *ClaimExtractor) llmPass(ctx context.Context, runID, analysis string) ([]model.Claim, error) {
	resp, err := e.caller.Call(ctx, gateway.Request{
		Messages: []gateway.Message{
			{Role: gateway.RoleSystem, Content: "You extract factual, causal, and predictive claims from analysis text. Respond with JSON only."},
			{Role: gateway.RoleUser, Content: claimPrompt(analysis)},
		},
		Temperature: 0.1,
		MaxTokens:   1500,
		JSONMode:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("claim fallback call: %w", err)
	}

	var parsed llmClaimList
	if err := json.Unmarshal([]byte(resp.Text), &parsed); err != nil {
		return nil, fmt.Errorf("parse claim fallback: %w", err)
	}

	var claims []model.Claim
	for _, lc := range parsed.Claims {
		text := strings.TrimSpace(lc.Text)
		if text == "" {
			continue
		}

		ct := model.ClaimType(lc.Type)
		switch ct {
		case model.ClaimTypeFactual, model.ClaimTypeCausal, model.ClaimTypePredictive:
		default:
			ct = model.ClaimTypeFactual
		}

		confidence := lc.Confidence
		if confidence <= 0 || confidence > 1 {
			confidence = 0.5
		}

		start, end := 0, 0
		if idx := strings.Index(analysis, text); idx >= 0 {
			start, end = idx, idx+len(text)
		}

		claims = append(claims, model.Claim{
			ID:           uuid.NewString(),
			RunID:        runID,
			Text:         text,
			SpanStart:    start,
			SpanEnd:      end,
			Type:         ct,
			Category:     strings.TrimSpace(lc.Category),
			Heuristic:    "llm",
			Confidence:   confidence,
			Verification: model.VerificationPending,
			CreatedAt:    e.now().UTC(),
		})
	}

	return claims, nil
}

func claimPrompt(analysis string) string {
	return fmt.Sprintf(`Extract every discrete claim from the analysis below.

Return JSON: {"claims": [{"text": "...", "type": "factual|causal|predictive", "category": "...", "confidence": 0.0-1.0}]}

Rules:
- "text" must be a verbatim sentence or clause from the analysis.
- Classify causal assertions (X causes/increases/reduces Y) as "causal".
- Classify forward-looking assertions as "predictive".
- Everything else is "factual".

Analysis:
%s`, analysis)
}

// hasCitationMarker detects inline citation markers like [3] or (Smith, 2021).
func hasCitationMarker(sentence string) bool {
	for i := 0; i < len(sentence); i++ {
		if sentence[i] != '[' {
			continue
		}
		j := i + 1
		for j < len(sentence) && sentence[j] >= '0' && sentence[j] <= '9' {
			j++
		}
		if j > i+1 && j < len(sentence) && sentence[j] == ']' {
			return true
		}
	}
	// (Author, 2021) style
	if idx := strings.Index(sentence, ", 19"); idx > 0 && strings.Contains(sentence[:idx], "(") {
		return true
	}
	if idx := strings.Index(sentence, ", 20"); idx > 0 && strings.Contains(sentence[:idx], "(") {
		return true
	}
	return false
}

// mergeClaims keeps the pattern claims and adds LLM claims that are not
// near-duplicates of them.
func mergeClaims(pattern, llm []model.Claim) []model.Claim {
	merged := make([]model.Claim, len(pattern))
	copy(merged, pattern)

	for _, lc := range llm {
		dup := false
		for _, pc := range pattern {
			if normalizeClaim(pc.Text) == normalizeClaim(lc.Text) {
				dup = true
				break
			}
		}
		if !dup {
			merged = append(merged, lc)
		}
	}
	return merged
}

func dedupeClaims(claims []model.Claim) []model.Claim {
	seen := make(map[string]bool)
	var unique []model.Claim
	for _, c := range claims {
		key := normalizeClaim(c.Text)
		if !seen[key] {
			seen[key] = true
			unique = append(unique, c)
		}
	}
	return unique
}

func normalizeClaim(text string) string {
	return strings.Join(util.Tokenize(text), " ")
}
