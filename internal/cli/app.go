package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/probatio/probatio/internal/cache"
	"github.com/probatio/probatio/internal/fetch"
	"github.com/probatio/probatio/internal/gateway"
	"github.com/probatio/probatio/internal/model"
	"github.com/probatio/probatio/internal/pipeline"
	"github.com/probatio/probatio/internal/queue"
	"github.com/probatio/probatio/internal/search"
	"github.com/probatio/probatio/internal/signal"
	"github.com/probatio/probatio/internal/store"
)

// app holds the assembled service graph shared by the serve and run
// commands.
type app struct {
	cfg      *model.Config
	logger   *zap.Logger
	store    *store.Store
	queue    *queue.Queue
	orch     *pipeline.Orchestrator
	detector *signal.Detector
}

// newApp wires the full dependency graph from configuration. corpusPath
// optionally names a JSON file of sources served by the in-memory search
// provider; without it and without gateway credentials the pipeline still
// runs, it just has nothing to discover.
func newApp(cfg *model.Config, corpusPath string) (*app, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}

	st, err := store.New(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	caller := newCaller(cfg, logger)

	var providers []search.Provider
	if corpusPath != "" {
		corpus, err := loadCorpus(corpusPath)
		if err != nil {
			return nil, err
		}
		providers = append(providers, search.NewMemoryProvider("corpus", corpus))
		logger.Info("loaded local corpus", zap.String("path", corpusPath), zap.Int("sources", len(corpus)))
	}
	if len(providers) == 0 {
		logger.Warn("no search providers configured; runs will find no sources")
	}

	searcher := search.New(cfg.Search, providers, logger)
	fetcher := fetch.New(cfg.Fetch)
	q := queue.New(cfg.Queue, st, logger)
	orch := pipeline.New(cfg.Pipeline, st, q, searcher, fetcher, caller, logger)
	detector := signal.New(st, logger)

	q.RegisterWorker(pipeline.StageQueue, orch.HandleStage, cfg.Queue.Concurrency)
	q.RegisterWorker(signal.ScanQueue, detector.HandleScan, 1)

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		queue:    q,
		orch:     orch,
		detector: detector,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// newCaller builds the generative-text gateway from whichever providers
// have credentials. No credentials means a nil caller; the pipeline then
// degrades to its deterministic local extraction and synthesis.
func newCaller(cfg *model.Config, logger *zap.Logger) gateway.Caller {
	var providers []gateway.Provider
	for _, pc := range []model.ProviderConfig{cfg.Gateway.Primary, cfg.Gateway.Secondary} {
		if pc.APIKey == "" {
			continue
		}
		p, err := gateway.NewProvider(pc)
		if err != nil {
			logger.Warn("skipping provider", zap.String("provider", pc.Name), zap.Error(err))
			continue
		}
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		logger.Info("no gateway credentials; running in local synthesis mode")
		return nil
	}

	var c cache.Cache
	if cfg.Cache.Enabled {
		if cfg.Cache.Dir != "" {
			c = cache.NewLayeredCache(cfg.Cache.MemoryTTL, cfg.Cache.Dir, cfg.Cache.DiskTTL)
		} else {
			c = cache.NewMemoryCache(cfg.Cache.MemoryTTL, 10*time.Minute)
		}
	}
	return gateway.New(cfg.Gateway, providers, c, logger)
}

// loadCorpus reads a JSON array of sources for the in-memory provider.
func loadCorpus(path string) ([]model.Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read corpus: %w", err)
	}
	var sources []model.Source
	if err := json.Unmarshal(data, &sources); err != nil {
		return nil, fmt.Errorf("parse corpus %s: %w", path, err)
	}
	return sources, nil
}
