package model

import "time"

// ClaimType categorizes the nature of an extracted assertion.
type ClaimType string

const (
	ClaimTypeFactual    ClaimType = "factual"
	ClaimTypeCausal     ClaimType = "causal"
	ClaimTypePredictive ClaimType = "predictive"
)

// VerificationStatus records the outcome of citation verification for a claim.
type VerificationStatus string

const (
	VerificationPending       VerificationStatus = "pending"
	VerificationSupported     VerificationStatus = "supported"
	VerificationUnsupported   VerificationStatus = "unsupported"
	VerificationMisattributed VerificationStatus = "misattributed"
)

// Claim is one assertion extracted from generated analysis text.
// Claims are never deleted; a replaced claim is marked superseded.
type Claim struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Text      string    `json:"text"`
	SpanStart int       `json:"span_start"` // char offsets into the analysis text
	SpanEnd   int       `json:"span_end"`
	Type      ClaimType `json:"type"`
	Category  string    `json:"category,omitempty"`
	Heuristic string    `json:"heuristic,omitempty"` // which extraction rule matched, or "llm"

	Confidence    float64 `json:"confidence"`
	TrustScore    float64 `json:"trust_score"`
	EvidenceCount int     `json:"evidence_count"`

	HasContradiction  bool   `json:"has_contradiction"`
	ContradictsClaim  string `json:"contradicts_claim,omitempty"`
	SupersededBy      string `json:"superseded_by,omitempty"`

	Verification VerificationStatus `json:"verification"`
	CreatedAt    time.Time          `json:"created_at"`
}
