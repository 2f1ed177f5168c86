package model

import "time"

// RunStatus tracks where an analysis run sits in the pipeline.
// Non-terminal statuses correspond one-to-one to pipeline stages.
type RunStatus string

const (
	StatusPending    RunStatus = "PENDING"
	StatusDiscover   RunStatus = "DISCOVER"
	StatusEnrich     RunStatus = "ENRICH"
	StatusSelect     RunStatus = "SELECT"
	StatusExtract    RunStatus = "EXTRACT"
	StatusSynthesize RunStatus = "SYNTHESIZE"
	StatusVerify     RunStatus = "VERIFY"
	StatusRender     RunStatus = "RENDER"
	StatusPublish    RunStatus = "PUBLISH"
	StatusPublished  RunStatus = "PUBLISHED"
	StatusRejected   RunStatus = "REJECTED"
	StatusFailed     RunStatus = "FAILED"
)

// IsTerminal reports whether the status allows no further transitions.
func (s RunStatus) IsTerminal() bool {
	return s == StatusPublished || s == StatusRejected || s == StatusFailed
}

// RunMode selects the synthesis strategy.
type RunMode string

const (
	ModeSingleBrief      RunMode = "single_brief"
	ModeMultiPerspective RunMode = "multi_perspective"
)

// AnalysisRun is one end-to-end pipeline execution for a single question.
type AnalysisRun struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id"` // threaded through every job, call, and log line
	Question      string    `json:"question"`
	Mode          RunMode   `json:"mode"`
	Providers     []string  `json:"providers,omitempty"`   // source search providers requested
	MaxSources    int       `json:"max_sources,omitempty"` // cap applied at SELECT
	Status        RunStatus `json:"status"`

	// IdempotencyKey dedupes run submission: re-submitting the same key
	// returns the existing run instead of creating a second one.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	TrustScore       float64 `json:"trust_score"`
	EvidenceStrength float64 `json:"evidence_strength"`
	SourceQuality    float64 `json:"source_quality"`
	ClaimCount       int     `json:"claim_count"`
	EvidenceCount    int     `json:"evidence_count"`

	SourceIDs []string `json:"source_ids,omitempty"` // sources actually consumed by this run

	LastError  string `json:"last_error,omitempty"`
	RetryCount int    `json:"retry_count"`

	// Remediation bookkeeping: each loop-back is allowed at most once.
	DiscoverBroadened bool `json:"discover_broadened,omitempty"`
	DeepExtracted     bool `json:"deep_extracted,omitempty"`
	Resynthesized     bool `json:"resynthesized,omitempty"`

	Analysis string `json:"analysis,omitempty"` // synthesized analysis text
	Brief    string `json:"brief,omitempty"`    // rendered markdown brief

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DecisionKind is the closed set of gate outcomes.
type DecisionKind string

const (
	DecisionProceed   DecisionKind = "proceed"    // advance to the next stage
	DecisionRetry     DecisionKind = "retry"      // re-run the same stage with adjusted parameters
	DecisionRemediate DecisionKind = "remediate"  // run a bounded remediation pass (deep extract, re-synthesis)
	DecisionReject    DecisionKind = "reject"     // quality gate failed with no retries left
	DecisionFail      DecisionKind = "fail"       // unrecoverable error
)

// Decision is one immutable entry in a run's gate decision log.
type Decision struct {
	RunID     string       `json:"run_id"`
	Seq       int          `json:"seq"` // append order within the run
	Stage     RunStatus    `json:"stage"`
	Kind      DecisionKind `json:"kind"`
	Reason    string       `json:"reason"`
	NextStage RunStatus    `json:"next_stage"`
	At        time.Time    `json:"at"`
}
