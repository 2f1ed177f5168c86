// Package search discovers candidate sources by fanning a query out
// across pluggable providers under per-provider rate limits.
package search

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/probatio/probatio/internal/model"
)

// Provider answers one search backend.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, limit int) ([]model.Source, error)
}

// Searcher fans a query out across providers and merges the results.
type Searcher struct {
	providers map[string]Provider
	limiter   *Limiter
	timeout   time.Duration
	logger    *zap.Logger
}

// New builds a Searcher over the given providers.
func New(cfg model.SearchConfig, providers []Provider, logger *zap.Logger) *Searcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := time.Duration(cfg.TimeoutS) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Searcher{
		providers: byName,
		limiter:   NewLimiter(cfg.RatePerSecond, cfg.Burst),
		timeout:   timeout,
		logger:    logger,
	}
}

// Providers returns the registered provider names, sorted.
func (s *Searcher) Providers() []string {
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Search queries the named providers concurrently and merges the
// results, deduplicated and trimmed to limit. An empty provider list
// means all registered providers. A provider failure is logged and
// skipped; the call fails only when every provider fails.
func (s *Searcher) Search(ctx context.Context, query string, providerNames []string, limit int) ([]model.Source, error) {
	if limit <= 0 {
		limit = 20
	}
	if len(providerNames) == 0 {
		providerNames = s.Providers()
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var mu sync.Mutex
	var merged []model.Source
	var lastErr error
	succeeded := 0

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range providerNames {
		p, ok := s.providers[name]
		if !ok {
			s.logger.Warn("unknown search provider requested", zap.String("provider", name))
			continue
		}
		g.Go(func() error {
			if err := s.limiter.Wait(gctx, p.Name()); err != nil {
				return err
			}
			results, err := p.Search(gctx, query, limit)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.logger.Warn("provider search failed",
					zap.String("provider", p.Name()), zap.Error(err))
				lastErr = err
				return nil // other providers keep going
			}
			succeeded++
			merged = append(merged, results...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, model.NewError(model.ErrTransient, model.CodeProvidersExhausted,
			"search fan-out canceled", err)
	}
	if succeeded == 0 && lastErr != nil {
		return nil, model.NewError(model.ErrTransient, model.CodeProvidersExhausted,
			"all search providers failed", lastErr)
	}

	return dedup(merged, limit), nil
}

// dedup removes duplicate sources, preferring the first seen, and trims
// to limit. Identity is external ID within a provider, falling back to
// URL, then normalized title.
func dedup(sources []model.Source, limit int) []model.Source {
	seen := make(map[string]bool, len(sources))
	out := make([]model.Source, 0, len(sources))
	for _, src := range sources {
		key := src.Provider + "\x00" + src.ExternalID
		if src.ExternalID == "" {
			key = src.URL
		}
		if key == "" {
			key = strings.ToLower(strings.TrimSpace(src.Title))
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, src)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// narrowingTerms are qualifiers that shrink result sets without
// changing the topic; Broaden drops them first.
var narrowingTerms = map[string]bool{
	"only": true, "specifically": true, "exactly": true, "precisely": true,
	"recent": true, "latest": true, "novel": true, "new": true,
	"randomized": true, "longitudinal": true, "meta-analysis": true,
}

// Broaden rewrites a query for a wider second search: quoted phrases
// lose their quotes and narrowing qualifiers are dropped. Returns the
// input unchanged when nothing can be relaxed.
func Broaden(query string) string {
	relaxed := strings.ReplaceAll(query, `"`, "")
	fields := strings.Fields(relaxed)
	kept := fields[:0]
	for _, f := range fields {
		if narrowingTerms[strings.ToLower(strings.Trim(f, ".,;:"))] {
			continue
		}
		kept = append(kept, f)
	}
	if len(kept) == 0 {
		return query
	}
	return strings.Join(kept, " ")
}
