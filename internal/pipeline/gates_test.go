package pipeline

import (
	"strings"
	"testing"
	"time"

	"github.com/probatio/probatio/internal/model"
)

func gateCfg() model.PipelineConfig {
	return model.PipelineConfig{
		MinSources:           3,
		TopN:                 12,
		MinClaims:            3,
		ExtractionConfFloor:  0.5,
		TrustFloor:           0.3,
		ContradictionCeiling: 0.4,
		DeepExtractWorstK:    3,
	}
}

func gateCtx(stage model.RunStatus, run *model.AnalysisRun) GateContext {
	return GateContext{
		Stage: stage,
		Run:   run,
		Cfg:   gateCfg(),
		Now:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestNextStageChain(t *testing.T) {
	want := map[model.RunStatus]model.RunStatus{
		model.StatusDiscover:   model.StatusEnrich,
		model.StatusEnrich:     model.StatusSelect,
		model.StatusSelect:     model.StatusExtract,
		model.StatusExtract:    model.StatusSynthesize,
		model.StatusSynthesize: model.StatusVerify,
		model.StatusVerify:     model.StatusRender,
		model.StatusRender:     model.StatusPublish,
		model.StatusPublish:    model.StatusPublished,
	}
	for from, to := range want {
		if got := nextStage(from); got != to {
			t.Errorf("nextStage(%s) = %s, want %s", from, got, to)
		}
	}
}

func TestDiscoverGateBroadensOnce(t *testing.T) {
	run := &model.AnalysisRun{ID: "r"}
	gc := gateCtx(model.StatusDiscover, run)
	gc.SourceCount = 1

	d := Evaluate(gc)
	if d.Kind != model.DecisionRetry || d.NextStage != model.StatusDiscover {
		t.Fatalf("first shortfall: %+v, want retry back to DISCOVER", d)
	}

	run.DiscoverBroadened = true
	d = Evaluate(gc)
	if d.Kind != model.DecisionReject || d.NextStage != model.StatusRejected {
		t.Fatalf("second shortfall: %+v, want reject", d)
	}

	gc.SourceCount = 3
	d = Evaluate(gc)
	if d.Kind != model.DecisionProceed || d.NextStage != model.StatusEnrich {
		t.Fatalf("sufficient sources: %+v, want proceed to ENRICH", d)
	}
}

func TestDiscoverGateFailsWhenBroadeningFindsNothing(t *testing.T) {
	run := &model.AnalysisRun{ID: "r", DiscoverBroadened: true}
	gc := gateCtx(model.StatusDiscover, run)
	gc.SourceCount = 0

	d := Evaluate(gc)
	if d.Kind != model.DecisionFail || d.NextStage != model.StatusFailed {
		t.Fatalf("no sources after broadening: %+v, want fail to FAILED", d)
	}
	if !strings.Contains(d.Reason, "insufficient sources") {
		t.Errorf("reason = %q, want insufficient sources", d.Reason)
	}

	// A thin but non-empty result is a quality verdict, not a failure.
	gc.SourceCount = 1
	d = Evaluate(gc)
	if d.Kind != model.DecisionReject || d.NextStage != model.StatusRejected {
		t.Errorf("one source after broadening: %+v, want reject", d)
	}
}

func TestSelectGateRejectsEmpty(t *testing.T) {
	gc := gateCtx(model.StatusSelect, &model.AnalysisRun{ID: "r"})
	gc.SourceCount = 0
	if d := Evaluate(gc); d.Kind != model.DecisionReject {
		t.Errorf("empty selection: %+v, want reject", d)
	}
	gc.SourceCount = 5
	if d := Evaluate(gc); d.Kind != model.DecisionProceed || d.NextStage != model.StatusExtract {
		t.Errorf("non-empty selection: want proceed to EXTRACT")
	}
}

func TestExtractGateDeepExtractsOnce(t *testing.T) {
	run := &model.AnalysisRun{ID: "r"}
	gc := gateCtx(model.StatusExtract, run)
	gc.MeanExtractionConf = 0.2

	d := Evaluate(gc)
	if d.Kind != model.DecisionRemediate || d.NextStage != model.StatusExtract {
		t.Fatalf("low confidence: %+v, want remediate in place", d)
	}

	run.DeepExtracted = true
	d = Evaluate(gc)
	if d.Kind != model.DecisionProceed || d.NextStage != model.StatusSynthesize {
		t.Fatalf("after deep extraction: %+v, want proceed even if still low", d)
	}
}

func TestVerifyGateResynthesizesOnce(t *testing.T) {
	run := &model.AnalysisRun{ID: "r"}
	gc := gateCtx(model.StatusVerify, run)
	gc.ClaimCount = 5
	gc.TrustScore = 0.1

	d := Evaluate(gc)
	if d.Kind != model.DecisionRemediate || d.NextStage != model.StatusSynthesize {
		t.Fatalf("low trust: %+v, want remediate back to SYNTHESIZE", d)
	}

	run.Resynthesized = true
	d = Evaluate(gc)
	if d.Kind != model.DecisionReject {
		t.Fatalf("low trust after re-synthesis: %+v, want reject", d)
	}

	// Contradiction ceiling triggers the same loop.
	run2 := &model.AnalysisRun{ID: "r2"}
	gc2 := gateCtx(model.StatusVerify, run2)
	gc2.ClaimCount = 5
	gc2.TrustScore = 0.9
	gc2.ContradictionRate = 0.6
	if d := Evaluate(gc2); d.Kind != model.DecisionRemediate {
		t.Errorf("high contradiction rate: %+v, want remediate", d)
	}

	gc2.ContradictionRate = 0.1
	if d := Evaluate(gc2); d.Kind != model.DecisionProceed || d.NextStage != model.StatusRender {
		t.Errorf("healthy metrics: %+v, want proceed to RENDER", d)
	}
}

func TestVerifyGateRejectsTooFewClaims(t *testing.T) {
	gc := gateCtx(model.StatusVerify, &model.AnalysisRun{ID: "r"})
	gc.ClaimCount = 1
	gc.TrustScore = 0.9
	if d := Evaluate(gc); d.Kind != model.DecisionReject {
		t.Errorf("too few claims: %+v, want reject", d)
	}
}

func TestEvaluateIsPure(t *testing.T) {
	run := &model.AnalysisRun{ID: "r"}
	gc := gateCtx(model.StatusDiscover, run)
	gc.SourceCount = 1
	first := Evaluate(gc)
	second := Evaluate(gc)
	if first != second {
		t.Errorf("same context produced different decisions: %+v vs %+v", first, second)
	}
	if run.DiscoverBroadened {
		t.Error("Evaluate must not mutate the run")
	}
}

func TestPublishGateTerminates(t *testing.T) {
	gc := gateCtx(model.StatusPublish, &model.AnalysisRun{ID: "r"})
	d := Evaluate(gc)
	if d.Kind != model.DecisionProceed || d.NextStage != model.StatusPublished {
		t.Errorf("publish: %+v, want proceed to PUBLISHED", d)
	}
	if !d.NextStage.IsTerminal() {
		t.Error("PUBLISHED must be terminal")
	}
}
