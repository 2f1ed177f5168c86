package search

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/probatio/probatio/internal/model"
	"github.com/probatio/probatio/internal/util"
)

// MemoryProvider serves a fixed corpus, matched by token overlap with
// the query. Deterministic; used in tests and local mode.
type MemoryProvider struct {
	name    string
	corpus  []model.Source
	latency time.Duration // optional simulated delay
}

// NewMemoryProvider builds a provider over the given corpus.
func NewMemoryProvider(name string, corpus []model.Source) *MemoryProvider {
	return &MemoryProvider{name: name, corpus: corpus}
}

// WithLatency makes Search sleep before answering.
func (p *MemoryProvider) WithLatency(d time.Duration) *MemoryProvider {
	p.latency = d
	return p
}

func (p *MemoryProvider) Name() string { return p.name }

// Search returns corpus entries sharing at least one query token with
// the title or abstract, best overlap first, ties by ID.
func (p *MemoryProvider) Search(ctx context.Context, query string, limit int) ([]model.Source, error) {
	if p.latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.latency):
		}
	}

	queryTokens := util.TokenSet(query)
	type scored struct {
		src     model.Source
		overlap int
	}
	var hits []scored
	for _, src := range p.corpus {
		text := strings.ToLower(src.Title + " " + src.Abstract)
		overlap := 0
		for tok := range queryTokens {
			if strings.Contains(text, tok) {
				overlap++
			}
		}
		if overlap > 0 {
			src.Provider = p.name
			hits = append(hits, scored{src, overlap})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].overlap != hits[j].overlap {
			return hits[i].overlap > hits[j].overlap
		}
		return hits[i].src.ID < hits[j].src.ID
	})

	out := make([]model.Source, 0, limit)
	for _, h := range hits {
		out = append(out, h.src)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
