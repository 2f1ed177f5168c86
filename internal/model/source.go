package model

import "time"

// Openness describes how accessible the full text of a source is.
type Openness string

const (
	OpennessOpen       Openness = "open"
	OpennessRestricted Openness = "restricted"
	OpennessClosed     Openness = "closed"
	OpennessUnknown    Openness = "unknown"
)

// Source is a discovered document. Immutable once enriched except for
// score recomputation; referenced (never owned) by claims via ID.
type Source struct {
	ID            string   `json:"id"`
	Provider      string   `json:"provider"` // search provider of origin
	ExternalID    string   `json:"external_id,omitempty"`
	Title         string   `json:"title"`
	Abstract      string   `json:"abstract,omitempty"`
	FullText      string   `json:"full_text,omitempty"` // populated only by deep extraction
	URL           string   `json:"url,omitempty"`
	Year          int      `json:"year,omitempty"`
	CitationCount int      `json:"citation_count"`
	Openness      Openness `json:"openness"`

	QualityScore float64 `json:"quality_score"`
	NoveltyScore float64 `json:"novelty_score"`

	// Extraction output for this source within a run.
	Findings             string  `json:"findings,omitempty"`
	Methods              string  `json:"methods,omitempty"`
	ExtractionConfidence float64 `json:"extraction_confidence"`

	RawPayload []byte    `json:"-"` // raw provider response, kept for audit
	CreatedAt  time.Time `json:"created_at"`
}

// Text returns the best available body text for evidence scanning:
// full text when deep extraction fetched it, abstract otherwise.
func (s *Source) Text() string {
	if s.FullText != "" {
		return s.FullText
	}
	return s.Abstract
}
