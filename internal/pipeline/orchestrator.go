// Package pipeline drives an analysis run through its stages: each
// stage does its work, a pure gate decides the transition, and the
// orchestrator enqueues the next stage's job.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/probatio/probatio/internal/evidence"
	"github.com/probatio/probatio/internal/extract"
	"github.com/probatio/probatio/internal/gateway"
	"github.com/probatio/probatio/internal/model"
	"github.com/probatio/probatio/internal/queue"
	"github.com/probatio/probatio/internal/score"
	"github.com/probatio/probatio/internal/search"
	"github.com/probatio/probatio/internal/util"
)

// StageQueue is the queue stage jobs run on.
const StageQueue = "pipeline"

// Store is the persistence surface the orchestrator needs.
type Store interface {
	CreateRun(ctx context.Context, run *model.AnalysisRun) error
	GetRun(ctx context.Context, id string) (*model.AnalysisRun, error)
	FindRunByKey(ctx context.Context, key string) (*model.AnalysisRun, error)
	UpdateRun(ctx context.Context, run *model.AnalysisRun) error
	AppendDecision(ctx context.Context, d model.Decision) error
	UpsertSource(ctx context.Context, src *model.Source) error
	GetSources(ctx context.Context, ids []string) ([]model.Source, error)
	SaveClaims(ctx context.Context, claims []model.Claim) error
	ListClaims(ctx context.Context, runID string) ([]model.Claim, error)
	SaveSpans(ctx context.Context, spans []model.EvidenceSpan) error
	ListSpansForRun(ctx context.Context, runID string) (map[string][]model.EvidenceSpan, error)
}

// Enqueuer submits stage jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, payload []byte, opts queue.Options) (*model.Job, error)
}

// Searcher finds candidate sources.
type Searcher interface {
	Search(ctx context.Context, query string, providers []string, limit int) ([]model.Source, error)
}

// Fetcher retrieves full documents for deep extraction.
type Fetcher interface {
	FetchText(ctx context.Context, rawURL string) (string, error)
}

// Orchestrator wires the stage handlers to their collaborators.
type Orchestrator struct {
	store    Store
	enqueuer Enqueuer
	searcher Searcher
	fetcher  Fetcher
	caller   gateway.Caller

	claims  *extract.ClaimExtractor
	sources *extract.SourceExtractor
	binder  *evidence.Binder
	verify  *evidence.Verifier

	cfg    model.PipelineConfig
	logger *zap.Logger
	now    func() time.Time
}

// New builds an orchestrator. fetcher may be nil; deep extraction then
// falls back to abstract-only re-extraction.
func New(cfg model.PipelineConfig, st Store, enq Enqueuer, searcher Searcher, fetcher Fetcher, caller gateway.Caller, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:    st,
		enqueuer: enq,
		searcher: searcher,
		fetcher:  fetcher,
		caller:   caller,
		claims:   extract.NewClaimExtractor(caller, cfg),
		sources:  extract.NewSourceExtractor(caller),
		binder:   evidence.NewBinder(cfg),
		verify:   evidence.NewVerifier(caller),
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// StartRequest is the validated input for a new run.
type StartRequest struct {
	Question   string
	Mode       model.RunMode
	Providers  []string
	MaxSources int
	// IdempotencyKey dedupes the submission: the same key returns the
	// run it created the first time.
	IdempotencyKey string
}

// StartRun creates a run and enqueues its first stage. Re-submitting
// with the same idempotency key returns the existing run.
func (o *Orchestrator) StartRun(ctx context.Context, req StartRequest) (*model.AnalysisRun, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, model.NewError(model.ErrValidation, model.CodeEmptyQuestion,
			"question must not be empty", nil)
	}
	mode := req.Mode
	if mode == "" {
		mode = model.ModeSingleBrief
	}
	if mode != model.ModeSingleBrief && mode != model.ModeMultiPerspective {
		return nil, model.NewError(model.ErrValidation, model.CodeInvalidMode,
			fmt.Sprintf("unknown mode %q", mode), nil)
	}

	if req.IdempotencyKey != "" {
		existing, err := o.store.FindRunByKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			o.logger.Info("run submission deduplicated",
				zap.String("run_id", existing.ID),
				zap.String("idempotency_key", req.IdempotencyKey))
			return existing, nil
		}
	}

	now := o.now()
	run := &model.AnalysisRun{
		ID:             uuid.New().String(),
		CorrelationID:  uuid.New().String(),
		Question:       question,
		Mode:           mode,
		Providers:      req.Providers,
		MaxSources:     req.MaxSources,
		Status:         model.StatusPending,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		// A concurrent identical submission won the insert race.
		if req.IdempotencyKey != "" {
			if existing, ferr := o.store.FindRunByKey(ctx, req.IdempotencyKey); ferr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}

	if err := o.enqueueStage(ctx, run, model.StatusDiscover, ""); err != nil {
		return nil, err
	}
	run.Status = model.StatusDiscover
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return nil, err
	}

	o.logger.Info("run started",
		zap.String("run_id", run.ID),
		zap.String("correlation_id", run.CorrelationID),
		zap.String("mode", string(mode)))
	return run, nil
}

// enqueueStage submits the job that executes one stage. The default
// idempotency key includes the remediation flags so a remediation
// re-enqueue of the same stage is not swallowed by the dedup window.
func (o *Orchestrator) enqueueStage(ctx context.Context, run *model.AnalysisRun, stage model.RunStatus, key string) error {
	payload, err := queue.Encode(queue.Envelope{
		Kind:  queue.KindStage,
		RunID: run.ID,
		Stage: stage,
	})
	if err != nil {
		return err
	}
	if key == "" {
		key = fmt.Sprintf("%s:%s:b%td%tr%t", run.ID, stage,
			run.DiscoverBroadened, run.DeepExtracted, run.Resynthesized)
	}
	_, err = o.enqueuer.Enqueue(ctx, StageQueue, payload, queue.Options{
		IdempotencyKey: key,
		CorrelationID:  run.CorrelationID,
		Priority:       5,
	})
	return err
}

// HandleStage is the queue handler for stage jobs. A returned transient
// error lets the queue retry; when the job is on its final attempt the
// run is marked FAILED before returning so dead-lettered work is never
// silently stuck.
func (o *Orchestrator) HandleStage(ctx context.Context, job *model.Job) error {
	env, err := queue.Decode(job.Payload)
	if err != nil {
		return err
	}
	run, err := o.store.GetRun(ctx, env.RunID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		o.logger.Info("stage job for terminal run skipped",
			zap.String("run_id", run.ID), zap.String("status", string(run.Status)))
		return nil
	}

	run.Status = env.Stage
	log := o.logger.With(
		zap.String("run_id", run.ID),
		zap.String("correlation_id", run.CorrelationID),
		zap.String("stage", string(env.Stage)))

	gc, err := o.runStage(ctx, run, env.Stage)
	if err != nil {
		run.LastError = err.Error()
		run.RetryCount = job.Attempts
		lastAttempt := !model.IsRetryable(err) || job.Attempts >= job.Retry.MaxAttempts
		if lastAttempt {
			run.Status = model.StatusFailed
			_ = o.store.AppendDecision(ctx, model.Decision{
				RunID:     run.ID,
				Stage:     env.Stage,
				Kind:      model.DecisionFail,
				Reason:    err.Error(),
				NextStage: model.StatusFailed,
				At:        o.now(),
			})
			log.Error("stage failed permanently", zap.Error(err))
		} else {
			log.Warn("stage failed, will retry", zap.Error(err), zap.Int("attempt", job.Attempts))
		}
		if uerr := o.store.UpdateRun(ctx, run); uerr != nil {
			log.Error("run update after failure failed", zap.Error(uerr))
		}
		return err
	}

	return o.applyDecision(ctx, run, Evaluate(gc), log)
}

// applyDecision records the gate outcome, mutates the run, and enqueues
// the follow-up stage when there is one.
func (o *Orchestrator) applyDecision(ctx context.Context, run *model.AnalysisRun, d model.Decision, log *zap.Logger) error {
	if err := o.store.AppendDecision(ctx, d); err != nil {
		return err
	}
	log.Info("gate decision",
		zap.String("kind", string(d.Kind)),
		zap.String("reason", d.Reason),
		zap.String("next", string(d.NextStage)))

	switch d.Kind {
	case model.DecisionRetry:
		// Only DISCOVER retries in place today; the retry broadens.
		if d.Stage == model.StatusDiscover {
			run.DiscoverBroadened = true
		}
	case model.DecisionRemediate:
		switch d.Stage {
		case model.StatusExtract:
			run.DeepExtracted = true
		case model.StatusVerify:
			run.Resynthesized = true
		}
	case model.DecisionReject:
		run.Status = model.StatusRejected
		run.LastError = d.Reason
	case model.DecisionFail:
		run.Status = model.StatusFailed
		run.LastError = d.Reason
	case model.DecisionProceed:
		if d.NextStage.IsTerminal() {
			run.Status = d.NextStage
		}
	}
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return err
	}

	if !d.NextStage.IsTerminal() {
		return o.enqueueStage(ctx, run, d.NextStage, "")
	}
	return nil
}

// runStage executes the stage work and assembles the gate context.
func (o *Orchestrator) runStage(ctx context.Context, run *model.AnalysisRun, stage model.RunStatus) (GateContext, error) {
	gc := GateContext{Stage: stage, Run: run, Cfg: o.cfg, Now: o.now()}

	var err error
	switch stage {
	case model.StatusDiscover:
		err = o.discover(ctx, run, &gc)
	case model.StatusEnrich:
		err = o.enrich(ctx, run, &gc)
	case model.StatusSelect:
		err = o.selectSources(ctx, run, &gc)
	case model.StatusExtract:
		err = o.extract(ctx, run, &gc)
	case model.StatusSynthesize:
		err = o.synthesize(ctx, run, &gc)
	case model.StatusVerify:
		err = o.verifyRun(ctx, run, &gc)
	case model.StatusRender:
		err = o.render(ctx, run, &gc)
	case model.StatusPublish:
		err = o.publish(ctx, run, &gc)
	default:
		err = model.NewError(model.ErrInternal, model.CodeInvalidPayload,
			fmt.Sprintf("no handler for stage %q", stage), nil)
	}
	return gc, err
}

func (o *Orchestrator) discover(ctx context.Context, run *model.AnalysisRun, gc *GateContext) error {
	query := run.Question
	if run.DiscoverBroadened {
		query = search.Broaden(query)
	}
	limit := run.MaxSources
	if limit <= 0 {
		limit = o.cfg.TopN * 2
	}

	found, err := o.searcher.Search(ctx, query, run.Providers, limit)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(run.SourceIDs))
	for _, id := range run.SourceIDs {
		seen[id] = true
	}
	for i := range found {
		src := &found[i]
		if src.ID == "" {
			src.ID = uuid.New().String()
		}
		if src.CreatedAt.IsZero() {
			src.CreatedAt = o.now()
		}
		if err := o.store.UpsertSource(ctx, src); err != nil {
			return err
		}
		if !seen[src.ID] {
			seen[src.ID] = true
			run.SourceIDs = append(run.SourceIDs, src.ID)
		}
	}

	gc.SourceCount = len(run.SourceIDs)
	return nil
}

func (o *Orchestrator) enrich(ctx context.Context, run *model.AnalysisRun, gc *GateContext) error {
	sources, err := o.store.GetSources(ctx, run.SourceIDs)
	if err != nil {
		return err
	}
	now := o.now()
	for i := range sources {
		src := &sources[i]
		src.QualityScore = score.SourceQuality(*src, now)
		src.NoveltyScore = score.SourceNovelty(*src, now)
		if err := o.store.UpsertSource(ctx, src); err != nil {
			return err
		}
	}
	gc.SourceCount = len(sources)
	return nil
}

func (o *Orchestrator) selectSources(ctx context.Context, run *model.AnalysisRun, gc *GateContext) error {
	sources, err := o.store.GetSources(ctx, run.SourceIDs)
	if err != nil {
		return err
	}
	n := o.cfg.TopN
	if run.MaxSources > 0 && run.MaxSources < n {
		n = run.MaxSources
	}
	selected := score.SelectTopN(sources, n)

	run.SourceIDs = run.SourceIDs[:0]
	for _, src := range selected {
		run.SourceIDs = append(run.SourceIDs, src.ID)
	}
	gc.SourceCount = len(run.SourceIDs)
	return nil
}

func (o *Orchestrator) extract(ctx context.Context, run *model.AnalysisRun, gc *GateContext) error {
	sources, err := o.store.GetSources(ctx, run.SourceIDs)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return model.NewError(model.ErrDomain, model.CodeInsufficientSources,
			"no sources to extract from", nil)
	}

	if run.DeepExtracted {
		o.deepExtract(ctx, sources)
	}

	var confSum float64
	for i := range sources {
		src := &sources[i]
		ex, err := o.sources.Extract(ctx, *src, run.DeepExtracted && src.FullText != "")
		if err != nil {
			return err
		}
		src.Findings = ex.Findings
		src.Methods = ex.Methods
		src.ExtractionConfidence = ex.Confidence
		confSum += ex.Confidence
		if err := o.store.UpsertSource(ctx, src); err != nil {
			return err
		}
	}

	gc.SourceCount = len(sources)
	gc.MeanExtractionConf = confSum / float64(len(sources))
	return nil
}

// deepExtract fetches full text for the weakest sources before the
// second extraction pass. Fetch failures are logged and skipped; the
// abstract remains the fallback text.
func (o *Orchestrator) deepExtract(ctx context.Context, sources []model.Source) {
	if o.fetcher == nil {
		return
	}
	worst := weakestSources(sources, o.cfg.DeepExtractWorstK)
	for _, i := range worst {
		src := &sources[i]
		if src.URL == "" || src.FullText != "" {
			continue
		}
		text, err := o.fetcher.FetchText(ctx, src.URL)
		if err != nil {
			o.logger.Warn("deep fetch failed",
				zap.String("source_id", src.ID), zap.Error(err))
			continue
		}
		src.FullText = text
	}
}

// weakestSources returns indexes of the k sources with the lowest
// extraction confidence.
func weakestSources(sources []model.Source, k int) []int {
	if k <= 0 || k > len(sources) {
		k = len(sources)
	}
	idx := make([]int, len(sources))
	for i := range idx {
		idx[i] = i
	}
	for i := 0; i < len(idx); i++ {
		for j := i + 1; j < len(idx); j++ {
			if sources[idx[j]].ExtractionConfidence < sources[idx[i]].ExtractionConfidence {
				idx[i], idx[j] = idx[j], idx[i]
			}
		}
	}
	return idx[:k]
}

func (o *Orchestrator) synthesize(ctx context.Context, run *model.AnalysisRun, gc *GateContext) error {
	sources, err := o.store.GetSources(ctx, run.SourceIDs)
	if err != nil {
		return err
	}
	gc.SourceCount = len(sources)

	if o.caller == nil {
		run.Analysis = localSynthesis(run, sources)
		return nil
	}
	resp, err := o.caller.Call(ctx, synthesisRequest(run, sources, run.Resynthesized))
	if err != nil {
		return err
	}
	run.Analysis = resp.Text
	return nil
}

func (o *Orchestrator) verifyRun(ctx context.Context, run *model.AnalysisRun, gc *GateContext) error {
	sources, err := o.store.GetSources(ctx, run.SourceIDs)
	if err != nil {
		return err
	}
	sourceByID := make(map[string]model.Source, len(sources))
	for _, src := range sources {
		sourceByID[src.ID] = src
	}

	prior, err := o.store.ListClaims(ctx, run.ID)
	if err != nil {
		return err
	}

	claims, err := o.claims.Extract(ctx, run.ID, run.Analysis)
	if err != nil {
		return err
	}

	spansByClaim := make(map[string][]model.EvidenceSpan, len(claims))
	perClaim := make(map[string]score.TrustInputs, len(claims))
	var allSpans []model.EvidenceSpan

	for i := range claims {
		c := &claims[i]
		spans := o.binder.Bind(*c, sources)
		spansByClaim[c.ID] = spans
		allSpans = append(allSpans, spans...)
		c.EvidenceCount = len(spans)
		cited := evidence.MarkerSources(c.Text, sources)
		c.Verification = o.verify.Verify(ctx, *c, spans, sourceByID, cited)
	}

	claims = evidence.DetectContradictions(claims)

	for i := range claims {
		c := &claims[i]
		in := trustInputs(*c, spansByClaim[c.ID], sourceByID)
		perClaim[c.ID] = in
		c.TrustScore = score.Trust(in)
	}

	metrics := score.Aggregate(claims, perClaim)
	run.TrustScore = metrics.TrustScore
	run.EvidenceStrength = metrics.EvidenceStrength
	run.SourceQuality = metrics.SourceQuality
	run.ClaimCount = len(claims)
	run.EvidenceCount = len(allSpans)

	// An earlier verification pass (before a re-synthesis) left its
	// claims behind; mark them superseded so only the current
	// generation renders and publishes. The rows stay for audit.
	if superseded := supersede(prior, claims); len(superseded) > 0 {
		if err := o.store.SaveClaims(ctx, superseded); err != nil {
			return err
		}
	}
	if err := o.store.SaveClaims(ctx, claims); err != nil {
		return err
	}
	if err := o.store.SaveSpans(ctx, allSpans); err != nil {
		return err
	}

	gc.ClaimCount = len(claims)
	gc.TrustScore = run.TrustScore
	gc.ContradictionRate = score.ContradictionRate(claims)
	return nil
}

// supersede points each live prior-generation claim at its closest
// successor by token overlap. Returns the claims that changed.
func supersede(prior, fresh []model.Claim) []model.Claim {
	if len(fresh) == 0 {
		return nil
	}
	var updated []model.Claim
	for _, p := range prior {
		if p.SupersededBy != "" {
			continue
		}
		pTokens := util.TokenSet(p.Text)
		best, bestOverlap := fresh[0].ID, -1
		for _, f := range fresh {
			overlap := 0
			for tok := range util.TokenSet(f.Text) {
				if pTokens[tok] {
					overlap++
				}
			}
			if overlap > bestOverlap {
				best, bestOverlap = f.ID, overlap
			}
		}
		p.SupersededBy = best
		updated = append(updated, p)
	}
	return updated
}

// activeClaims drops superseded generations.
func activeClaims(claims []model.Claim) []model.Claim {
	var out []model.Claim
	for _, c := range claims {
		if c.SupersededBy == "" {
			out = append(out, c)
		}
	}
	return out
}

// trustInputs derives the per-claim scoring signals from its bound
// spans and their sources.
func trustInputs(c model.Claim, spans []model.EvidenceSpan, sources map[string]model.Source) score.TrustInputs {
	var strength, quality float64
	for _, sp := range spans {
		strength += sp.Strength
		quality += sources[sp.SourceID].QualityScore
	}
	if n := float64(len(spans)); n > 0 {
		strength /= n
		quality /= n
	}
	return score.TrustInputs{
		EvidenceStrength: strength,
		SourceQuality:    quality,
		CitationCoverage: c.Verification == model.VerificationSupported,
		HasContradiction: c.HasContradiction,
	}
}

func (o *Orchestrator) render(ctx context.Context, run *model.AnalysisRun, gc *GateContext) error {
	sources, err := o.store.GetSources(ctx, run.SourceIDs)
	if err != nil {
		return err
	}
	claims, err := o.store.ListClaims(ctx, run.ID)
	if err != nil {
		return err
	}
	spans, err := o.store.ListSpansForRun(ctx, run.ID)
	if err != nil {
		return err
	}
	run.Brief = RenderBrief(run, sources, activeClaims(claims), spans)
	gc.SourceCount = len(sources)
	return nil
}

// publish enforces the publication invariant: every supported claim
// must carry at least one span referencing a source the run used.
func (o *Orchestrator) publish(ctx context.Context, run *model.AnalysisRun, gc *GateContext) error {
	stored, err := o.store.ListClaims(ctx, run.ID)
	if err != nil {
		return err
	}
	claims := activeClaims(stored)
	spans, err := o.store.ListSpansForRun(ctx, run.ID)
	if err != nil {
		return err
	}

	used := make(map[string]bool, len(run.SourceIDs))
	for _, id := range run.SourceIDs {
		used[id] = true
	}

	changed := false
	for i := range claims {
		c := &claims[i]
		if c.Verification != model.VerificationSupported {
			continue
		}
		ok := false
		for _, sp := range spans[c.ID] {
			if used[sp.SourceID] {
				ok = true
				break
			}
		}
		if !ok {
			c.Verification = model.VerificationUnsupported
			changed = true
		}
	}
	if changed {
		if err := o.store.SaveClaims(ctx, claims); err != nil {
			return err
		}
	}

	gc.ClaimCount = len(claims)
	return nil
}
