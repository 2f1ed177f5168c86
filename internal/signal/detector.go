// Package signal detects emerging patterns across recently ingested
// sources, independent of any single run: terms whose frequency jumps
// against the older baseline become prioritized signals.
package signal

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/probatio/probatio/internal/model"
	"github.com/probatio/probatio/internal/util"
)

// ScanQueue is the queue periodic scan jobs run on.
const ScanQueue = "signals"

// Priority weights; they sum to 1 so priority stays in [0,1].
const (
	weightNovelty    = 0.3
	weightImpact     = 0.3
	weightConfidence = 0.2
	weightUrgency    = 0.2
)

const (
	defaultWindow  = 30 * 24 * time.Hour
	minCarriers    = 2  // a term in fewer sources is noise
	maxSignals     = 10 // per scan
	carrierSatural = 8  // carriers at which confidence saturates
)

// Storage is the persistence surface the detector needs.
type Storage interface {
	RecentSources(ctx context.Context, since time.Time, limit int) ([]model.Source, error)
	SaveSignal(ctx context.Context, sig *model.Signal) error
}

// Detector scans the source corpus for frequency shifts.
type Detector struct {
	store  Storage
	window time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// New builds a detector over the given storage.
func New(store Storage, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		store:  store,
		window: defaultWindow,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Scan detects and persists emerging signals. Sources in the newer half
// of the window are compared against the older half; terms that surge
// become signals.
func (d *Detector) Scan(ctx context.Context) ([]model.Signal, error) {
	now := d.now()
	sources, err := d.store.RecentSources(ctx, now.Add(-d.window), 500)
	if err != nil {
		return nil, err
	}
	if len(sources) < minCarriers*2 {
		return nil, nil
	}

	signals := Detect(sources, now.Add(-d.window/2), now)
	for i := range signals {
		if err := d.store.SaveSignal(ctx, &signals[i]); err != nil {
			return nil, err
		}
	}
	if len(signals) > 0 {
		d.logger.Info("signal scan complete",
			zap.Int("sources", len(sources)),
			zap.Int("signals", len(signals)))
	}
	return signals, nil
}

// HandleScan is the queue handler for periodic scan jobs.
func (d *Detector) HandleScan(ctx context.Context, _ *model.Job) error {
	_, err := d.Scan(ctx)
	return err
}

type termStat struct {
	recent   int             // carriers in the recent half
	baseline int             // carriers in the older half
	carriers map[string]bool // source ids
	quality  float64         // summed carrier quality
	latest   time.Time
}

// Detect is the pure core: given sources and the boundary between the
// baseline and recent halves, return prioritized signals, best first.
func Detect(sources []model.Source, recentAfter, now time.Time) []model.Signal {
	stats := make(map[string]*termStat)
	recentTotal := 0

	for _, src := range sources {
		isRecent := src.CreatedAt.After(recentAfter)
		if isRecent {
			recentTotal++
		}
		seen := make(map[string]bool)
		for _, term := range util.Tokenize(src.Title + " " + src.Abstract) {
			if seen[term] {
				continue
			}
			seen[term] = true
			st := stats[term]
			if st == nil {
				st = &termStat{carriers: make(map[string]bool)}
				stats[term] = st
			}
			if isRecent {
				st.recent++
			} else {
				st.baseline++
			}
			if !st.carriers[src.ID] {
				st.carriers[src.ID] = true
				st.quality += src.QualityScore
			}
			if src.CreatedAt.After(st.latest) {
				st.latest = src.CreatedAt
			}
		}
	}
	if recentTotal == 0 {
		return nil
	}

	var out []model.Signal
	for term, st := range stats {
		if st.recent < minCarriers {
			continue
		}
		// Surge test: the term must appear in proportionally more recent
		// sources than baseline ones.
		recentRatio := float64(st.recent) / float64(recentTotal)
		baseRatio := 0.0
		if baseline := len(sources) - recentTotal; baseline > 0 {
			baseRatio = float64(st.baseline) / float64(baseline)
		}
		if recentRatio <= baseRatio*1.5 {
			continue
		}

		novelty := clamp01(1 - baseRatio/recentRatio)
		impact := clamp01(st.quality / float64(len(st.carriers)))
		confidence := clamp01(float64(st.recent) / carrierSatural)
		urgency := recencyScore(st.latest, now)

		ids := make([]string, 0, len(st.carriers))
		for id := range st.carriers {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		out = append(out, model.Signal{
			ID:         uuid.New().String(),
			Term:       term,
			SourceIDs:  ids,
			Novelty:    novelty,
			Impact:     impact,
			Confidence: confidence,
			Urgency:    urgency,
			Priority: weightNovelty*novelty + weightImpact*impact +
				weightConfidence*confidence + weightUrgency*urgency,
			DetectedAt: now,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Term < out[j].Term
	})
	if len(out) > maxSignals {
		out = out[:maxSignals]
	}
	return out
}

// recencyScore decays linearly over a week.
func recencyScore(latest, now time.Time) float64 {
	age := now.Sub(latest)
	week := 7 * 24 * time.Hour
	if age <= 0 {
		return 1
	}
	if age >= week {
		return 0
	}
	return 1 - float64(age)/float64(week)
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
