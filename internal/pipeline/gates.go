package pipeline

import (
	"fmt"
	"time"

	"github.com/probatio/probatio/internal/model"
)

// stageOrder is the forward path through the pipeline.
var stageOrder = []model.RunStatus{
	model.StatusDiscover,
	model.StatusEnrich,
	model.StatusSelect,
	model.StatusExtract,
	model.StatusSynthesize,
	model.StatusVerify,
	model.StatusRender,
	model.StatusPublish,
}

// nextStage returns the stage after s, or PUBLISHED when s is the last.
func nextStage(s model.RunStatus) model.RunStatus {
	for i, stage := range stageOrder {
		if stage == s {
			if i == len(stageOrder)-1 {
				return model.StatusPublished
			}
			return stageOrder[i+1]
		}
	}
	return model.StatusFailed
}

// GateContext carries everything a stage gate may inspect. Gates are
// pure: same context, same decision.
type GateContext struct {
	Stage model.RunStatus
	Run   *model.AnalysisRun
	Cfg   model.PipelineConfig

	SourceCount        int     // sources available after the stage ran
	MeanExtractionConf float64 // EXTRACT only
	ClaimCount         int     // VERIFY only
	TrustScore         float64 // VERIFY only
	ContradictionRate  float64 // VERIFY only

	Now time.Time
}

func (gc GateContext) decision(kind model.DecisionKind, reason string, next model.RunStatus) model.Decision {
	return model.Decision{
		RunID:     gc.Run.ID,
		Stage:     gc.Stage,
		Kind:      kind,
		Reason:    reason,
		NextStage: next,
		At:        gc.Now,
	}
}

// Evaluate applies the stage's quality gate and returns the transition.
// Remediation loops are bounded by the run's one-shot flags; a gate
// never remediates twice for the same cause.
func Evaluate(gc GateContext) model.Decision {
	switch gc.Stage {
	case model.StatusDiscover:
		if gc.SourceCount < gc.Cfg.MinSources {
			if !gc.Run.DiscoverBroadened {
				return gc.decision(model.DecisionRetry,
					fmt.Sprintf("found %d sources, need %d; retrying with broadened query",
						gc.SourceCount, gc.Cfg.MinSources),
					model.StatusDiscover)
			}
			if gc.SourceCount == 0 {
				// Nothing at all, even broadened: the run cannot do
				// any work, which is a failure, not a quality verdict.
				return gc.decision(model.DecisionFail,
					"insufficient sources: none found after broadened retry",
					model.StatusFailed)
			}
			return gc.decision(model.DecisionReject,
				fmt.Sprintf("insufficient sources: found %d after broadening, need %d",
					gc.SourceCount, gc.Cfg.MinSources),
				model.StatusRejected)
		}
		return gc.decision(model.DecisionProceed, "sufficient sources", model.StatusEnrich)

	case model.StatusEnrich:
		return gc.decision(model.DecisionProceed, "sources scored", model.StatusSelect)

	case model.StatusSelect:
		if gc.SourceCount == 0 {
			return gc.decision(model.DecisionReject, "no sources survived selection",
				model.StatusRejected)
		}
		return gc.decision(model.DecisionProceed,
			fmt.Sprintf("selected %d sources", gc.SourceCount), model.StatusExtract)

	case model.StatusExtract:
		if gc.MeanExtractionConf < gc.Cfg.ExtractionConfFloor && !gc.Run.DeepExtracted {
			return gc.decision(model.DecisionRemediate,
				fmt.Sprintf("mean extraction confidence %.2f below %.2f; deep extraction",
					gc.MeanExtractionConf, gc.Cfg.ExtractionConfFloor),
				model.StatusExtract)
		}
		return gc.decision(model.DecisionProceed, "extraction confident enough",
			model.StatusSynthesize)

	case model.StatusSynthesize:
		return gc.decision(model.DecisionProceed, "analysis synthesized", model.StatusVerify)

	case model.StatusVerify:
		if gc.ClaimCount < gc.Cfg.MinClaims {
			return gc.decision(model.DecisionReject,
				fmt.Sprintf("only %d claims extracted, need %d", gc.ClaimCount, gc.Cfg.MinClaims),
				model.StatusRejected)
		}
		lowTrust := gc.TrustScore < gc.Cfg.TrustFloor
		contradicted := gc.ContradictionRate > gc.Cfg.ContradictionCeiling
		if lowTrust || contradicted {
			reason := fmt.Sprintf("trust %.2f (floor %.2f), contradiction rate %.2f (ceiling %.2f)",
				gc.TrustScore, gc.Cfg.TrustFloor, gc.ContradictionRate, gc.Cfg.ContradictionCeiling)
			if !gc.Run.Resynthesized {
				return gc.decision(model.DecisionRemediate,
					reason+"; adversarial re-synthesis", model.StatusSynthesize)
			}
			return gc.decision(model.DecisionReject,
				reason+"; re-synthesis already attempted", model.StatusRejected)
		}
		return gc.decision(model.DecisionProceed, "verification passed", model.StatusRender)

	case model.StatusRender:
		return gc.decision(model.DecisionProceed, "brief rendered", model.StatusPublish)

	case model.StatusPublish:
		return gc.decision(model.DecisionProceed, "run published", model.StatusPublished)
	}

	return gc.decision(model.DecisionFail,
		fmt.Sprintf("no gate for stage %q", gc.Stage), model.StatusFailed)
}
