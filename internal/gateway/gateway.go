// Package gateway is the unified access point to external generative-text
// providers. It adds response caching, retry with backoff, per-provider
// circuit breaking, failover, and cost accounting on top of the raw
// provider clients.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/probatio/probatio/internal/cache"
	"github.com/probatio/probatio/internal/model"
)

// ErrProvidersExhausted is returned when every configured provider has
// failed or is circuit-broken. It is terminal: the gateway never retries
// past it.
var ErrProvidersExhausted = errors.New("all providers exhausted")

// sleepFunc is injectable for tests.
type sleepFunc func(ctx context.Context, d time.Duration) error

func defaultSleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Caller is the single operation consumers depend on; *Gateway satisfies
// it, and tests substitute stubs.
type Caller interface {
	Call(ctx context.Context, req Request) (*Response, error)
}

// Usage accumulates token counts and spend across calls.
type Usage struct {
	Calls            int     `json:"calls"`
	CacheHits        int     `json:"cache_hits"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// Gateway fronts a primary/secondary provider pair.
type Gateway struct {
	providers []Provider // in failover order
	health    map[string]*Health
	cache     cache.Cache // nil means "always call the provider"
	cacheTTL  time.Duration

	maxRetries int
	baseDelay  time.Duration

	logger *zap.Logger
	sleep  sleepFunc

	mu    sync.Mutex
	usage Usage
}

// New builds a gateway. Providers are tried in order; nil entries are
// skipped so a secondary is optional. A nil cache degrades to calling the
// provider every time.
func New(cfg model.GatewayConfig, providers []Provider, c cache.Cache, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}

	active := make([]Provider, 0, len(providers))
	health := make(map[string]*Health)
	for _, p := range providers {
		if p == nil {
			continue
		}
		active = append(active, p)
		health[p.Name()] = NewHealth(cfg.BreakerThreshold, cfg.BreakerCooldown)
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}

	return &Gateway{
		providers:  active,
		health:     health,
		cache:      c,
		cacheTTL:   24 * time.Hour,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		logger:     logger,
		sleep:      defaultSleep,
	}
}

// Call runs one request through cache, primary, and failover.
func (g *Gateway) Call(ctx context.Context, req Request) (*Response, error) {
	key := requestKey(req)

	if g.cache != nil {
		if data, found := g.cache.Get(key); found {
			var resp Response
			if err := json.Unmarshal(data, &resp); err == nil {
				resp.FromCache = true
				g.mu.Lock()
				g.usage.CacheHits++
				g.mu.Unlock()
				return &resp, nil
			}
			// Unreadable entry: drop it and fall through to the provider.
			_ = g.cache.Delete(key)
		}
	}

	var lastErr error
	for _, p := range g.providers {
		h := g.health[p.Name()]
		if !h.Allow() {
			g.logger.Warn("provider circuit open, skipping",
				zap.String("provider", p.Name()))
			continue
		}

		resp, err := g.callWithRetry(ctx, p, req)
		if err != nil {
			h.RecordFailure()
			lastErr = err
			g.logger.Warn("provider failed, trying next",
				zap.String("provider", p.Name()), zap.Error(err))
			continue
		}

		h.RecordSuccess()
		resp.CostUSD = CostUSD(resp.Model, resp.PromptTokens, resp.CompletionTokens)
		g.record(resp)
		g.store(key, resp)
		return resp, nil
	}

	if lastErr != nil {
		return nil, model.NewError(model.ErrTransient, model.CodeProvidersExhausted,
			"all providers exhausted", errors.Join(ErrProvidersExhausted, lastErr))
	}
	return nil, model.NewError(model.ErrTransient, model.CodeProvidersExhausted,
		"all providers exhausted", ErrProvidersExhausted)
}

// Usage returns a snapshot of accumulated token and cost accounting.
func (g *Gateway) Usage() Usage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.usage
}

// callWithRetry attempts one provider with exponential backoff plus jitter.
// Non-retryable errors fail immediately to let failover take over.
func (g *Gateway) callWithRetry(ctx context.Context, p Provider, req Request) (*Response, error) {
	var lastErr error

	for attempt := 0; attempt < g.maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(g.baseDelay, attempt)
			if err := g.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		resp, err := p.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var provErr *ProviderError
		if errors.As(err, &provErr) && !provErr.Retryable {
			return nil, err
		}
	}

	return nil, lastErr
}

// record folds one successful response into the usage ledger.
func (g *Gateway) record(resp *Response) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.usage.Calls++
	g.usage.PromptTokens += resp.PromptTokens
	g.usage.CompletionTokens += resp.CompletionTokens
	g.usage.CostUSD += resp.CostUSD
}

// store caches a response best-effort; a cache write failure never fails
// the call.
func (g *Gateway) store(key string, resp *Response) {
	if g.cache == nil {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	go func() {
		if err := g.cache.Set(key, data, g.cacheTTL); err != nil {
			g.logger.Debug("cache write failed", zap.Error(err))
		}
	}()
}

// requestKey builds the deterministic cache key from the transcript and
// every response-changing parameter.
func requestKey(req Request) string {
	fingerprint, _ := json.Marshal(req)
	return cache.Key(fingerprint)
}

// backoffDelay is exponential in the attempt number with random jitter.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(base)))
	return delay + jitter
}
