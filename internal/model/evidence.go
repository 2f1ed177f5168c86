package model

import "time"

// EvidenceType classifies how directly a span states the claim it supports.
type EvidenceType string

const (
	EvidenceDirectQuote EvidenceType = "direct_quote"
	EvidenceParaphrase  EvidenceType = "paraphrase"
	EvidenceStatistical EvidenceType = "statistical"
	EvidenceMention     EvidenceType = "mention"
)

// EvidenceSpan is a specific substring of a specific source that supports
// one claim. Immutable once created.
type EvidenceSpan struct {
	ID       string `json:"id"`
	ClaimID  string `json:"claim_id"`
	SourceID string `json:"source_id"`

	Start       int    `json:"start"` // char offsets into the source text
	End         int    `json:"end"`
	MatchedText string `json:"matched_text"`
	Context     string `json:"context,omitempty"` // surrounding sentences

	Relevance float64      `json:"relevance"` // lexical/semantic overlap with the claim, [0,1]
	Strength  float64      `json:"strength"`  // how directly the span states the claim, [0,1]
	Type      EvidenceType `json:"type"`

	CreatedAt time.Time `json:"created_at"`
}
