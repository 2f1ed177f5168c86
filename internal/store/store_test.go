package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/probatio/probatio/internal/model"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "probatio.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRunRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	run := &model.AnalysisRun{
		ID:            "run-1",
		CorrelationID: "corr-1",
		Question:      "does X improve Y",
		Mode:          model.ModeSingleBrief,
		Providers:     []string{"openalex"},
		MaxSources:    10,
		Status:        model.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	run.Status = model.StatusVerify
	run.TrustScore = 0.71
	run.SourceIDs = []string{"src-a", "src-b"}
	run.DiscoverBroadened = true
	if err := s.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != model.StatusVerify {
		t.Errorf("status = %q, want VERIFY", got.Status)
	}
	if got.TrustScore != 0.71 {
		t.Errorf("trust = %v, want 0.71", got.TrustScore)
	}
	if len(got.SourceIDs) != 2 || got.SourceIDs[0] != "src-a" {
		t.Errorf("source ids = %v", got.SourceIDs)
	}
	if !got.DiscoverBroadened {
		t.Error("DiscoverBroadened not persisted")
	}
	if got.CorrelationID != "corr-1" {
		t.Errorf("correlation id = %q", got.CorrelationID)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.GetRun(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error for missing run")
	}
	if !IsNotFound(err) {
		t.Errorf("expected not-found error, got %v", err)
	}
}

func TestDecisionLogAppendOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	stages := []model.RunStatus{model.StatusDiscover, model.StatusSelect, model.StatusVerify}
	for _, stage := range stages {
		d := model.Decision{
			RunID:     "run-1",
			Stage:     stage,
			Kind:      model.DecisionProceed,
			Reason:    "gate passed",
			NextStage: model.StatusPublished,
			At:        time.Now().UTC(),
		}
		if err := s.AppendDecision(ctx, d); err != nil {
			t.Fatalf("AppendDecision: %v", err)
		}
	}

	got, err := s.ListDecisions(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListDecisions: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d decisions, want 3", len(got))
	}
	for i, d := range got {
		if d.Seq != i+1 {
			t.Errorf("decision %d seq = %d, want %d", i, d.Seq, i+1)
		}
		if d.Stage != stages[i] {
			t.Errorf("decision %d stage = %q, want %q", i, d.Stage, stages[i])
		}
	}
}

func TestClaimsAndSpans(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	claims := []model.Claim{
		{ID: "c1", RunID: "run-1", Text: "first claim", Type: model.ClaimTypeCausal, Confidence: 0.7, Verification: model.VerificationPending, CreatedAt: now},
		{ID: "c2", RunID: "run-1", Text: "second claim", Type: model.ClaimTypeFactual, Confidence: 0.6, Verification: model.VerificationPending, CreatedAt: now.Add(time.Second)},
	}
	if err := s.SaveClaims(ctx, claims); err != nil {
		t.Fatalf("SaveClaims: %v", err)
	}

	spans := []model.EvidenceSpan{
		{ID: "e1", ClaimID: "c1", SourceID: "src-a", Start: 0, End: 10, MatchedText: "first ten", Relevance: 0.8, Strength: 0.95, Type: model.EvidenceDirectQuote, CreatedAt: now},
		{ID: "e2", ClaimID: "c1", SourceID: "src-b", Start: 5, End: 20, MatchedText: "other text", Relevance: 0.5, Strength: 0.65, Type: model.EvidenceParaphrase, CreatedAt: now},
	}
	if err := s.SaveSpans(ctx, spans); err != nil {
		t.Fatalf("SaveSpans: %v", err)
	}

	gotClaims, err := s.ListClaims(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListClaims: %v", err)
	}
	if len(gotClaims) != 2 || gotClaims[0].ID != "c1" {
		t.Fatalf("claims = %+v", gotClaims)
	}

	gotSpans, err := s.ListSpansForRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListSpansForRun: %v", err)
	}
	if len(gotSpans["c1"]) != 2 {
		t.Fatalf("spans for c1 = %d, want 2", len(gotSpans["c1"]))
	}
	if gotSpans["c1"][0].Relevance < gotSpans["c1"][1].Relevance {
		t.Error("spans not ordered by relevance desc")
	}

	// Claim updates are replacements; spans are immutable.
	claims[0].Verification = model.VerificationSupported
	if err := s.SaveClaims(ctx, claims[:1]); err != nil {
		t.Fatalf("SaveClaims update: %v", err)
	}
	gotClaims, _ = s.ListClaims(ctx, "run-1")
	if gotClaims[0].Verification != model.VerificationSupported {
		t.Errorf("verification = %q after update", gotClaims[0].Verification)
	}
}

func TestSourceRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	src := &model.Source{
		ID:            "src-a",
		Provider:      "openalex",
		Title:         "A study of things",
		Abstract:      "Things were studied.",
		Year:          2023,
		CitationCount: 42,
		Openness:      model.OpennessOpen,
		QualityScore:  0.8,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.UpsertSource(ctx, src); err != nil {
		t.Fatalf("UpsertSource: %v", err)
	}

	got, err := s.GetSources(ctx, []string{"src-a", "src-missing"})
	if err != nil {
		t.Fatalf("GetSources: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d sources, want 1 (missing silently skipped)", len(got))
	}
	if got[0].CitationCount != 42 || got[0].Openness != model.OpennessOpen {
		t.Errorf("source = %+v", got[0])
	}

	src.FullText = "Full text fetched later."
	if err := s.UpsertSource(ctx, src); err != nil {
		t.Fatalf("UpsertSource update: %v", err)
	}
	got, _ = s.GetSources(ctx, []string{"src-a"})
	if got[0].FullText != "Full text fetched later." {
		t.Error("full text not updated on upsert")
	}
}

func TestJobClaimPriorityAndRace(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mk := func(id string, priority int, runAfter time.Time) *model.Job {
		return &model.Job{
			ID: id, Queue: "pipeline", Payload: []byte(`{}`),
			Priority: priority, Status: model.JobWaiting,
			Retry:    model.RetryPolicy{MaxAttempts: 3, Backoff: model.BackoffExponential, BaseDelay: 2 * time.Second},
			RunAfter: runAfter, CreatedAt: now, UpdatedAt: now,
		}
	}
	for _, j := range []*model.Job{
		mk("low", 1, now.Add(-time.Minute)),
		mk("high", 8, now.Add(-time.Minute)),
		mk("future", 10, now.Add(time.Hour)),
	} {
		if err := s.InsertJob(ctx, j); err != nil {
			t.Fatalf("InsertJob: %v", err)
		}
	}

	job, err := s.ClaimNextJob(ctx, "pipeline", now)
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if job == nil || job.ID != "high" {
		t.Fatalf("claimed %+v, want high-priority job (future job must not be due)", job)
	}
	if job.Status != model.JobActive {
		t.Errorf("claimed job status = %q, want active", job.Status)
	}

	job, err = s.ClaimNextJob(ctx, "pipeline", now)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if job == nil || job.ID != "low" {
		t.Fatalf("second claim = %+v, want low", job)
	}

	job, err = s.ClaimNextJob(ctx, "pipeline", now)
	if err != nil {
		t.Fatalf("third claim: %v", err)
	}
	if job != nil {
		t.Errorf("third claim = %+v, want nil (only future job remains)", job)
	}
}

func TestFindJobByKeyWindow(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := &model.Job{
		ID: "j1", Queue: "pipeline", Payload: []byte(`{}`),
		IdempotencyKey: "key-1", Status: model.JobCompleted,
		Retry:    model.RetryPolicy{MaxAttempts: 3, Backoff: model.BackoffExponential, BaseDelay: time.Second},
		RunAfter: now, CreatedAt: now.Add(-time.Hour), UpdatedAt: now,
	}
	if err := s.InsertJob(ctx, job); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	got, err := s.FindJobByKey(ctx, "pipeline", "key-1", now.Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("FindJobByKey: %v", err)
	}
	if got == nil || got.ID != "j1" {
		t.Fatalf("got %+v, want j1", got)
	}
	if got.Retry.BaseDelay != time.Second {
		t.Errorf("base delay = %v", got.Retry.BaseDelay)
	}

	// Outside the dedup window the key no longer matches.
	got, err = s.FindJobByKey(ctx, "pipeline", "key-1", now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("FindJobByKey outside window: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil outside window", got)
	}

	// Empty keys never dedupe.
	got, err = s.FindJobByKey(ctx, "pipeline", "", now.Add(-2*time.Hour))
	if err != nil || got != nil {
		t.Errorf("empty key: got %+v, %v", got, err)
	}
}

func TestInsertJobRejectsDuplicateKey(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mk := func(id, queue, key string) *model.Job {
		return &model.Job{
			ID: id, Queue: queue, Payload: []byte(`{}`),
			IdempotencyKey: key, Status: model.JobWaiting,
			Retry:    model.RetryPolicy{MaxAttempts: 3, Backoff: model.BackoffExponential, BaseDelay: time.Second},
			RunAfter: now, CreatedAt: now, UpdatedAt: now,
		}
	}

	if err := s.InsertJob(ctx, mk("j1", "pipeline", "key-1")); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	err := s.InsertJob(ctx, mk("j2", "pipeline", "key-1"))
	if err == nil {
		t.Fatal("expected duplicate key error for second insert")
	}
	if !IsDuplicateKey(err) {
		t.Errorf("expected duplicate-key error, got %v", err)
	}

	// The index is per queue, and empty keys never collide.
	if err := s.InsertJob(ctx, mk("j3", "signals", "key-1")); err != nil {
		t.Errorf("same key on another queue: %v", err)
	}
	if err := s.InsertJob(ctx, mk("j4", "pipeline", "")); err != nil {
		t.Errorf("first empty key: %v", err)
	}
	if err := s.InsertJob(ctx, mk("j5", "pipeline", "")); err != nil {
		t.Errorf("second empty key: %v", err)
	}
}

func TestRunIdempotencyKeyUniqueAndFindable(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	run := &model.AnalysisRun{
		ID: "run-1", Question: "q", Mode: model.ModeSingleBrief,
		Status: model.StatusPending, IdempotencyKey: "submit-1",
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	dup := *run
	dup.ID = "run-2"
	err := s.CreateRun(ctx, &dup)
	if err == nil {
		t.Fatal("expected duplicate key error for second run")
	}
	if !IsDuplicateKey(err) {
		t.Errorf("expected duplicate-key error, got %v", err)
	}

	got, err := s.FindRunByKey(ctx, "submit-1")
	if err != nil {
		t.Fatalf("FindRunByKey: %v", err)
	}
	if got == nil || got.ID != "run-1" {
		t.Fatalf("FindRunByKey = %+v, want run-1", got)
	}

	// Keyless runs never collide and are never findable by key.
	for _, id := range []string{"run-3", "run-4"} {
		r := &model.AnalysisRun{ID: id, Question: "q", Mode: model.ModeSingleBrief,
			Status: model.StatusPending, CreatedAt: now, UpdatedAt: now}
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun %s: %v", id, err)
		}
	}
	got, err = s.FindRunByKey(ctx, "")
	if err != nil || got != nil {
		t.Errorf("empty key: got %+v, %v", got, err)
	}
}

func TestCountJobsAndDeadLetter(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	job := &model.Job{
		ID: "j1", Queue: "pipeline", Payload: []byte(`{}`),
		Status:   model.JobWaiting,
		Retry:    model.RetryPolicy{MaxAttempts: 3, Backoff: model.BackoffExponential, BaseDelay: time.Second},
		RunAfter: now, CreatedAt: now, UpdatedAt: now,
	}
	if err := s.InsertJob(ctx, job); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	job.Status = model.JobDead
	job.LastError = "retries exhausted"
	if err := s.UpdateJob(ctx, job); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	counts, err := s.CountJobs(ctx, "pipeline")
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if counts[model.JobDead] != 1 {
		t.Errorf("dead count = %d, want 1", counts[model.JobDead])
	}

	dead, err := s.ListDeadJobs(ctx, "pipeline")
	if err != nil {
		t.Fatalf("ListDeadJobs: %v", err)
	}
	if len(dead) != 1 || dead[0].LastError != "retries exhausted" {
		t.Errorf("dead jobs = %+v", dead)
	}
}

func TestSignalsOrderedByPriority(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, sig := range []*model.Signal{
		{ID: "s1", Term: "quiet topic", Priority: 0.2, DetectedAt: now},
		{ID: "s2", Term: "hot topic", Priority: 0.9, DetectedAt: now},
	} {
		if err := s.SaveSignal(ctx, sig); err != nil {
			t.Fatalf("SaveSignal: %v", err)
		}
	}

	got, err := s.ListSignals(ctx, 10)
	if err != nil {
		t.Fatalf("ListSignals: %v", err)
	}
	if len(got) != 2 || got[0].ID != "s2" {
		t.Fatalf("signals = %+v, want hot topic first", got)
	}
}
