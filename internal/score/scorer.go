// Package score holds the pure scoring functions: claim-level trust,
// source quality and novelty, and run-level aggregation. Nothing here has
// hidden state; every result is a function of its inputs.
package score

import (
	"math"
	"sort"
	"time"

	"github.com/probatio/probatio/internal/model"
)

// Trust weights. Evidence strength dominates, source quality second,
// citation coverage is a binary bonus.
const (
	weightStrength = 0.5
	weightQuality  = 0.3
	weightCoverage = 0.2

	// An unresolved contradiction multiplies the score down sharply
	// rather than subtracting a fixed amount.
	contradictionFactor = 0.35
)

// TrustInputs are the per-claim signals the trust score is computed from.
type TrustInputs struct {
	EvidenceStrength float64 // [0,1], mean strength of bound spans
	SourceQuality    float64 // [0,1], mean quality of supporting sources
	CitationCoverage bool    // claim carries at least one verified citation
	HasContradiction bool    // claim has an unresolved contradiction
}

// Trust computes the claim-level trust score, bounded to [0,1].
// Monotonically non-decreasing in strength and quality; a contradiction
// always reduces the score.
func Trust(in TrustInputs) float64 {
	strength := clamp01(in.EvidenceStrength)
	quality := clamp01(in.SourceQuality)

	coverage := 0.0
	if in.CitationCoverage {
		coverage = 1.0
	}

	trust := weightStrength*strength + weightQuality*quality + weightCoverage*coverage
	if in.HasContradiction {
		trust *= contradictionFactor
	}

	return clamp01(trust)
}

// RunMetrics are the run-level aggregates shown to callers.
type RunMetrics struct {
	TrustScore       float64
	EvidenceStrength float64
	SourceQuality    float64
}

// Aggregate computes run-level metrics as plain means over claims.
func Aggregate(claims []model.Claim, perClaim map[string]TrustInputs) RunMetrics {
	if len(claims) == 0 {
		return RunMetrics{}
	}

	var m RunMetrics
	for _, c := range claims {
		m.TrustScore += c.TrustScore
		in := perClaim[c.ID]
		m.EvidenceStrength += in.EvidenceStrength
		m.SourceQuality += in.SourceQuality
	}

	n := float64(len(claims))
	m.TrustScore /= n
	m.EvidenceStrength /= n
	m.SourceQuality /= n
	return m
}

// ContradictionRate is the fraction of claims with an unresolved
// contradiction.
func ContradictionRate(claims []model.Claim) float64 {
	if len(claims) == 0 {
		return 0
	}
	contradicted := 0
	for _, c := range claims {
		if c.HasContradiction {
			contradicted++
		}
	}
	return float64(contradicted) / float64(len(claims))
}

// SourceQuality scores a source on citation impact, recency, and openness.
func SourceQuality(src model.Source, now time.Time) float64 {
	// Citation impact saturates around a few hundred citations.
	impact := math.Log1p(float64(src.CitationCount)) / math.Log1p(500)
	if impact > 1 {
		impact = 1
	}

	recency := 0.5
	if src.Year > 0 {
		age := float64(now.Year() - src.Year)
		if age < 0 {
			age = 0
		}
		recency = 1 - age/20
		if recency < 0 {
			recency = 0
		}
	}

	openness := 0.3
	switch src.Openness {
	case model.OpennessOpen:
		openness = 1.0
	case model.OpennessRestricted:
		openness = 0.6
	case model.OpennessClosed:
		openness = 0.2
	}

	return clamp01(0.5*impact + 0.3*recency + 0.2*openness)
}

// SourceNovelty scores how emergent a source is: recent publication with
// modest citation counts reads as novel.
func SourceNovelty(src model.Source, now time.Time) float64 {
	recency := 0.0
	if src.Year > 0 {
		age := float64(now.Year() - src.Year)
		if age < 0 {
			age = 0
		}
		recency = 1 - age/5
		if recency < 0 {
			recency = 0
		}
	}

	// Heavily cited work is established, not novel.
	saturation := math.Log1p(float64(src.CitationCount)) / math.Log1p(500)
	if saturation > 1 {
		saturation = 1
	}

	return clamp01(0.7*recency + 0.3*(1-saturation))
}

// SelectTopN ranks sources by quality and returns at most n. Ties on
// quality break to the newer year, then to the smaller ID, so selection
// is deterministic regardless of insertion order.
func SelectTopN(sources []model.Source, n int) []model.Source {
	ranked := make([]model.Source, len(sources))
	copy(ranked, sources)

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].QualityScore != ranked[j].QualityScore {
			return ranked[i].QualityScore > ranked[j].QualityScore
		}
		if ranked[i].Year != ranked[j].Year {
			return ranked[i].Year > ranked[j].Year
		}
		return ranked[i].ID < ranked[j].ID
	})

	if n > 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
