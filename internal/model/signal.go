package model

import "time"

// Signal is a detected weak or emerging pattern across sources,
// independent of any single run.
type Signal struct {
	ID         string    `json:"id"`
	Term       string    `json:"term"`      // the term or phrase driving the pattern
	Summary    string    `json:"summary"`
	SourceIDs  []string  `json:"source_ids,omitempty"`
	Novelty    float64   `json:"novelty"`    // [0,1]
	Impact     float64   `json:"impact"`     // [0,1]
	Confidence float64   `json:"confidence"` // [0,1]
	Urgency    float64   `json:"urgency"`    // [0,1]
	Priority   float64   `json:"priority"`   // weighted aggregate, [0,1]
	DetectedAt time.Time `json:"detected_at"`
}
