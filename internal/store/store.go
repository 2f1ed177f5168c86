// Package store is the relational persistence layer: runs, sources,
// claims, evidence spans, jobs, and signals in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/probatio/probatio/internal/model"
)

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// New opens or creates the database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		correlation_id TEXT NOT NULL,
		question TEXT NOT NULL,
		mode TEXT NOT NULL,
		providers TEXT,
		max_sources INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		idempotency_key TEXT,
		trust_score REAL NOT NULL DEFAULT 0,
		evidence_strength REAL NOT NULL DEFAULT 0,
		source_quality REAL NOT NULL DEFAULT 0,
		claim_count INTEGER NOT NULL DEFAULT 0,
		evidence_count INTEGER NOT NULL DEFAULT 0,
		source_ids TEXT,
		last_error TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		discover_broadened INTEGER NOT NULL DEFAULT 0,
		deep_extracted INTEGER NOT NULL DEFAULT 0,
		resynthesized INTEGER NOT NULL DEFAULT 0,
		analysis TEXT,
		brief TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_idem ON runs(idempotency_key)
		WHERE idempotency_key <> '';

	CREATE TABLE IF NOT EXISTS run_decisions (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		stage TEXT NOT NULL,
		kind TEXT NOT NULL,
		reason TEXT NOT NULL,
		next_stage TEXT NOT NULL,
		at TIMESTAMP NOT NULL,
		PRIMARY KEY (run_id, seq)
	);

	CREATE TABLE IF NOT EXISTS sources (
		id TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		external_id TEXT,
		title TEXT NOT NULL,
		abstract TEXT,
		full_text TEXT,
		url TEXT,
		year INTEGER NOT NULL DEFAULT 0,
		citation_count INTEGER NOT NULL DEFAULT 0,
		openness TEXT NOT NULL DEFAULT 'unknown',
		quality_score REAL NOT NULL DEFAULT 0,
		novelty_score REAL NOT NULL DEFAULT 0,
		findings TEXT,
		methods TEXT,
		extraction_confidence REAL NOT NULL DEFAULT 0,
		raw_payload BLOB,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS claims (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		text TEXT NOT NULL,
		span_start INTEGER NOT NULL DEFAULT 0,
		span_end INTEGER NOT NULL DEFAULT 0,
		type TEXT NOT NULL,
		category TEXT,
		heuristic TEXT,
		confidence REAL NOT NULL DEFAULT 0,
		trust_score REAL NOT NULL DEFAULT 0,
		evidence_count INTEGER NOT NULL DEFAULT 0,
		has_contradiction INTEGER NOT NULL DEFAULT 0,
		contradicts_claim TEXT,
		superseded_by TEXT,
		verification TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_claims_run ON claims(run_id);

	CREATE TABLE IF NOT EXISTS evidence_spans (
		id TEXT PRIMARY KEY,
		claim_id TEXT NOT NULL,
		source_id TEXT NOT NULL,
		start INTEGER NOT NULL,
		end INTEGER NOT NULL,
		matched_text TEXT NOT NULL,
		context TEXT,
		relevance REAL NOT NULL,
		strength REAL NOT NULL,
		type TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_spans_claim ON evidence_spans(claim_id);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		queue TEXT NOT NULL,
		payload BLOB NOT NULL,
		idempotency_key TEXT,
		correlation_id TEXT,
		priority INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		backoff TEXT NOT NULL DEFAULT 'exponential',
		base_delay_ms INTEGER NOT NULL DEFAULT 2000,
		last_error TEXT,
		run_after TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_queue_status ON jobs(queue, status, run_after);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_idem ON jobs(queue, idempotency_key)
		WHERE idempotency_key <> '';

	CREATE TABLE IF NOT EXISTS signals (
		id TEXT PRIMARY KEY,
		term TEXT NOT NULL,
		summary TEXT,
		source_ids TEXT,
		novelty REAL NOT NULL DEFAULT 0,
		impact REAL NOT NULL DEFAULT 0,
		confidence REAL NOT NULL DEFAULT 0,
		urgency REAL NOT NULL DEFAULT 0,
		priority REAL NOT NULL DEFAULT 0,
		detected_at TIMESTAMP NOT NULL
	);
	`
	_, err := db.Exec(schema)
	return err
}

// unavailable wraps a database failure so the queue classifies it as
// transient and lets retry/backoff handle recovery.
func unavailable(op string, err error) error {
	return model.NewError(model.ErrTransient, model.CodeStoreUnavailable, op, err)
}

// duplicateKey wraps a unique-index violation on an idempotency key so
// callers can resolve it to the already-inserted row.
func duplicateKey(op string, err error) error {
	return model.NewError(model.ErrDomain, model.CodeDuplicateKey, op, err)
}

// isConstraint reports whether err is a SQLite constraint violation.
func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

// IsDuplicateKey reports whether err is an idempotency-key collision.
func IsDuplicateKey(err error) bool {
	var e *model.Error
	return errors.As(err, &e) && e.Code == model.CodeDuplicateKey
}

func notFound(entity, id string) error {
	return model.NewError(model.ErrDomain, model.CodeNotFound,
		fmt.Sprintf("%s %s not found", entity, id), nil)
}

// IsNotFound reports whether err is a not-found domain error.
func IsNotFound(err error) bool {
	var e *model.Error
	return errors.As(err, &e) && e.Code == model.CodeNotFound
}

// --- runs ---

// CreateRun inserts a new run.
func (s *Store) CreateRun(ctx context.Context, run *model.AnalysisRun) error {
	providers, _ := json.Marshal(run.Providers)
	sourceIDs, _ := json.Marshal(run.SourceIDs)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, correlation_id, question, mode, providers, max_sources,
			status, idempotency_key, trust_score, evidence_strength, source_quality,
			claim_count, evidence_count, source_ids, last_error, retry_count,
			discover_broadened, deep_extracted, resynthesized, analysis, brief,
			created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.CorrelationID, run.Question, run.Mode, string(providers), run.MaxSources,
		run.Status, run.IdempotencyKey, run.TrustScore, run.EvidenceStrength, run.SourceQuality,
		run.ClaimCount, run.EvidenceCount, string(sourceIDs), run.LastError, run.RetryCount,
		run.DiscoverBroadened, run.DeepExtracted, run.Resynthesized, run.Analysis, run.Brief,
		run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		if isConstraint(err) && run.IdempotencyKey != "" {
			return duplicateKey("create run", err)
		}
		return unavailable("create run", err)
	}
	return nil
}

// UpdateRun persists every mutable run field.
func (s *Store) UpdateRun(ctx context.Context, run *model.AnalysisRun) error {
	providers, _ := json.Marshal(run.Providers)
	sourceIDs, _ := json.Marshal(run.SourceIDs)
	run.UpdatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET question=?, mode=?, providers=?, max_sources=?, status=?,
			trust_score=?, evidence_strength=?, source_quality=?, claim_count=?,
			evidence_count=?, source_ids=?, last_error=?, retry_count=?,
			discover_broadened=?, deep_extracted=?, resynthesized=?, analysis=?,
			brief=?, updated_at=?
		 WHERE id=?`,
		run.Question, run.Mode, string(providers), run.MaxSources, run.Status,
		run.TrustScore, run.EvidenceStrength, run.SourceQuality, run.ClaimCount,
		run.EvidenceCount, string(sourceIDs), run.LastError, run.RetryCount,
		run.DiscoverBroadened, run.DeepExtracted, run.Resynthesized, run.Analysis,
		run.Brief, run.UpdatedAt, run.ID,
	)
	if err != nil {
		return unavailable("update run", err)
	}
	return nil
}

const runColumns = `id, correlation_id, question, mode, providers, max_sources, status,
	idempotency_key, trust_score, evidence_strength, source_quality, claim_count,
	evidence_count, source_ids, last_error, retry_count, discover_broadened,
	deep_extracted, resynthesized, analysis, brief, created_at, updated_at`

func scanRun(row *sql.Row) (*model.AnalysisRun, error) {
	var run model.AnalysisRun
	var providers, sourceIDs sql.NullString
	var idemKey, lastError, analysis, brief sql.NullString
	err := row.Scan(&run.ID, &run.CorrelationID, &run.Question, &run.Mode, &providers,
		&run.MaxSources, &run.Status, &idemKey, &run.TrustScore, &run.EvidenceStrength,
		&run.SourceQuality, &run.ClaimCount, &run.EvidenceCount, &sourceIDs, &lastError,
		&run.RetryCount, &run.DiscoverBroadened, &run.DeepExtracted, &run.Resynthesized,
		&analysis, &brief, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if providers.Valid {
		_ = json.Unmarshal([]byte(providers.String), &run.Providers)
	}
	if sourceIDs.Valid {
		_ = json.Unmarshal([]byte(sourceIDs.String), &run.SourceIDs)
	}
	run.IdempotencyKey = idemKey.String
	run.LastError = lastError.String
	run.Analysis = analysis.String
	run.Brief = brief.String
	return &run, nil
}

// GetRun returns one run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*model.AnalysisRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id=?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("run", id)
	}
	if err != nil {
		return nil, unavailable("get run", err)
	}
	return run, nil
}

// FindRunByKey returns the run created with the idempotency key, or nil
// when the key is empty or unused.
func (s *Store) FindRunByKey(ctx context.Context, key string) (*model.AnalysisRun, error) {
	if key == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE idempotency_key=?
		 ORDER BY created_at DESC LIMIT 1`, key)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("find run by key", err)
	}
	return run, nil
}

// AppendDecision appends one decision to the run's immutable log. The
// sequence number is assigned here so concurrent writers cannot collide.
func (s *Store) AppendDecision(ctx context.Context, d model.Decision) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_decisions (run_id, seq, stage, kind, reason, next_stage, at)
		 SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ?
		 FROM run_decisions WHERE run_id = ?`,
		d.RunID, d.Stage, d.Kind, d.Reason, d.NextStage, d.At, d.RunID,
	)
	if err != nil {
		return unavailable("append decision", err)
	}
	return nil
}

// ListDecisions returns the decision log in append order.
func (s *Store) ListDecisions(ctx context.Context, runID string) ([]model.Decision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, seq, stage, kind, reason, next_stage, at
		 FROM run_decisions WHERE run_id=? ORDER BY seq`, runID)
	if err != nil {
		return nil, unavailable("list decisions", err)
	}
	defer rows.Close()

	var out []model.Decision
	for rows.Next() {
		var d model.Decision
		if err := rows.Scan(&d.RunID, &d.Seq, &d.Stage, &d.Kind, &d.Reason, &d.NextStage, &d.At); err != nil {
			return nil, unavailable("scan decision", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- sources ---

// UpsertSource inserts or replaces one source.
func (s *Store) UpsertSource(ctx context.Context, src *model.Source) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sources (id, provider, external_id, title, abstract,
			full_text, url, year, citation_count, openness, quality_score, novelty_score,
			findings, methods, extraction_confidence, raw_payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		src.ID, src.Provider, src.ExternalID, src.Title, src.Abstract, src.FullText,
		src.URL, src.Year, src.CitationCount, src.Openness, src.QualityScore,
		src.NoveltyScore, src.Findings, src.Methods, src.ExtractionConfidence,
		src.RawPayload, src.CreatedAt,
	)
	if err != nil {
		return unavailable("upsert source", err)
	}
	return nil
}

// GetSources returns the sources with the given IDs, in ID order.
func (s *Store) GetSources(ctx context.Context, ids []string) ([]model.Source, error) {
	var out []model.Source
	for _, id := range ids {
		src, err := s.getSource(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, *src)
	}
	return out, nil
}

func (s *Store) getSource(ctx context.Context, id string) (*model.Source, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, provider, external_id, title, abstract, full_text, url, year,
			citation_count, openness, quality_score, novelty_score, findings, methods,
			extraction_confidence, raw_payload, created_at
		 FROM sources WHERE id=?`, id)

	var src model.Source
	var externalID, abstract, fullText, url, findings, methods sql.NullString
	err := row.Scan(&src.ID, &src.Provider, &externalID, &src.Title, &abstract,
		&fullText, &url, &src.Year, &src.CitationCount, &src.Openness,
		&src.QualityScore, &src.NoveltyScore, &findings, &methods,
		&src.ExtractionConfidence, &src.RawPayload, &src.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("source", id)
	}
	if err != nil {
		return nil, unavailable("get source", err)
	}

	src.ExternalID = externalID.String
	src.Abstract = abstract.String
	src.FullText = fullText.String
	src.URL = url.String
	src.Findings = findings.String
	src.Methods = methods.String
	return &src, nil
}

// RecentSources returns sources created within the window, newest first.
// Used by signal detection, which looks across runs.
func (s *Store) RecentSources(ctx context.Context, since time.Time, limit int) ([]model.Source, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM sources WHERE created_at >= ? ORDER BY created_at DESC LIMIT ?`,
		since, limit)
	if err != nil {
		return nil, unavailable("recent sources", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable("scan source id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("recent sources", err)
	}
	return s.GetSources(ctx, ids)
}

// --- claims and spans ---

// SaveClaims replaces the run's claims with the given set.
func (s *Store) SaveClaims(ctx context.Context, claims []model.Claim) error {
	for i := range claims {
		c := &claims[i]
		_, err := s.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO claims (id, run_id, text, span_start, span_end, type,
				category, heuristic, confidence, trust_score, evidence_count,
				has_contradiction, contradicts_claim, superseded_by, verification, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.RunID, c.Text, c.SpanStart, c.SpanEnd, c.Type, c.Category,
			c.Heuristic, c.Confidence, c.TrustScore, c.EvidenceCount,
			c.HasContradiction, c.ContradictsClaim, c.SupersededBy, c.Verification, c.CreatedAt,
		)
		if err != nil {
			return unavailable("save claim", err)
		}
	}
	return nil
}

// ListClaims returns the run's claims in creation order.
func (s *Store) ListClaims(ctx context.Context, runID string) ([]model.Claim, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, text, span_start, span_end, type, category, heuristic,
			confidence, trust_score, evidence_count, has_contradiction,
			contradicts_claim, superseded_by, verification, created_at
		 FROM claims WHERE run_id=? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, unavailable("list claims", err)
	}
	defer rows.Close()

	var out []model.Claim
	for rows.Next() {
		var c model.Claim
		var category, heuristic, contradicts, superseded sql.NullString
		if err := rows.Scan(&c.ID, &c.RunID, &c.Text, &c.SpanStart, &c.SpanEnd, &c.Type,
			&category, &heuristic, &c.Confidence, &c.TrustScore, &c.EvidenceCount,
			&c.HasContradiction, &contradicts, &superseded, &c.Verification, &c.CreatedAt); err != nil {
			return nil, unavailable("scan claim", err)
		}
		c.Category = category.String
		c.Heuristic = heuristic.String
		c.ContradictsClaim = contradicts.String
		c.SupersededBy = superseded.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveSpans inserts evidence spans. Spans are immutable; existing rows
// are never updated.
func (s *Store) SaveSpans(ctx context.Context, spans []model.EvidenceSpan) error {
	for _, sp := range spans {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO evidence_spans (id, claim_id, source_id, start, end,
				matched_text, context, relevance, strength, type, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sp.ID, sp.ClaimID, sp.SourceID, sp.Start, sp.End, sp.MatchedText,
			sp.Context, sp.Relevance, sp.Strength, sp.Type, sp.CreatedAt,
		)
		if err != nil {
			return unavailable("save span", err)
		}
	}
	return nil
}

// ListSpansForRun returns all spans bound to the run's claims, keyed by claim.
func (s *Store) ListSpansForRun(ctx context.Context, runID string) (map[string][]model.EvidenceSpan, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT es.id, es.claim_id, es.source_id, es.start, es.end, es.matched_text,
			es.context, es.relevance, es.strength, es.type, es.created_at
		 FROM evidence_spans es JOIN claims c ON c.id = es.claim_id
		 WHERE c.run_id=? ORDER BY es.claim_id, es.relevance DESC`, runID)
	if err != nil {
		return nil, unavailable("list spans", err)
	}
	defer rows.Close()

	out := make(map[string][]model.EvidenceSpan)
	for rows.Next() {
		var sp model.EvidenceSpan
		var context sql.NullString
		if err := rows.Scan(&sp.ID, &sp.ClaimID, &sp.SourceID, &sp.Start, &sp.End,
			&sp.MatchedText, &context, &sp.Relevance, &sp.Strength, &sp.Type, &sp.CreatedAt); err != nil {
			return nil, unavailable("scan span", err)
		}
		sp.Context = context.String
		out[sp.ClaimID] = append(out[sp.ClaimID], sp)
	}
	return out, rows.Err()
}

// --- jobs ---

// InsertJob persists a new job.
func (s *Store) InsertJob(ctx context.Context, job *model.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, queue, payload, idempotency_key, correlation_id, priority,
			status, attempts, max_attempts, backoff, base_delay_ms, last_error,
			run_after, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Queue, job.Payload, job.IdempotencyKey, job.CorrelationID,
		job.Priority, job.Status, job.Attempts, job.Retry.MaxAttempts, job.Retry.Backoff,
		job.Retry.BaseDelay.Milliseconds(), job.LastError, job.RunAfter,
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		if isConstraint(err) && job.IdempotencyKey != "" {
			return duplicateKey("insert job", err)
		}
		return unavailable("insert job", err)
	}
	return nil
}

// UpdateJob persists job status, attempts, error, and scheduling.
func (s *Store) UpdateJob(ctx context.Context, job *model.Job) error {
	job.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status=?, attempts=?, last_error=?, run_after=?, updated_at=?
		 WHERE id=?`,
		job.Status, job.Attempts, job.LastError, job.RunAfter, job.UpdatedAt, job.ID,
	)
	if err != nil {
		return unavailable("update job", err)
	}
	return nil
}

// FindJobByKey returns the most recent job on queue with the idempotency
// key created at or after since, or nil when none exists.
func (s *Store) FindJobByKey(ctx context.Context, queue, key string, since time.Time) (*model.Job, error) {
	if key == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, queue, payload, idempotency_key, correlation_id, priority, status,
			attempts, max_attempts, backoff, base_delay_ms, last_error, run_after,
			created_at, updated_at
		 FROM jobs
		 WHERE queue=? AND idempotency_key=? AND created_at >= ?
		 ORDER BY created_at DESC LIMIT 1`, queue, key, since)
	return scanJob(row)
}

// ClaimNextJob atomically picks the highest-priority due job on the queue
// and marks it active. Returns nil when nothing is due.
func (s *Store) ClaimNextJob(ctx context.Context, queue string, now time.Time) (*model.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("begin claim", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT id, queue, payload, idempotency_key, correlation_id, priority, status,
			attempts, max_attempts, backoff, base_delay_ms, last_error, run_after,
			created_at, updated_at
		 FROM jobs
		 WHERE queue=? AND status IN (?, ?) AND run_after <= ?
		 ORDER BY priority DESC, created_at
		 LIMIT 1`, queue, model.JobWaiting, model.JobFailed, now)

	job, err := scanJob(row)
	if err != nil || job == nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status=?, updated_at=? WHERE id=? AND status=?`,
		model.JobActive, now, job.ID, job.Status)
	if err != nil {
		return nil, unavailable("claim job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Another worker won the race inside this poll interval.
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable("commit claim", err)
	}

	job.Status = model.JobActive
	return job, nil
}

// CountJobs returns per-status counts for one queue.
func (s *Store) CountJobs(ctx context.Context, queue string) (map[model.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs WHERE queue=? GROUP BY status`, queue)
	if err != nil {
		return nil, unavailable("count jobs", err)
	}
	defer rows.Close()

	out := make(map[model.JobStatus]int)
	for rows.Next() {
		var status model.JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, unavailable("scan job count", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

// ListDeadJobs returns dead-lettered jobs on one queue, oldest first.
func (s *Store) ListDeadJobs(ctx context.Context, queue string) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, queue, payload, idempotency_key, correlation_id, priority, status,
			attempts, max_attempts, backoff, base_delay_ms, last_error, run_after,
			created_at, updated_at
		 FROM jobs WHERE queue=? AND status=? ORDER BY updated_at`, queue, model.JobDead)
	if err != nil {
		return nil, unavailable("list dead jobs", err)
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		job, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row *sql.Row) (*model.Job, error) {
	job, err := scanFrom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

func scanJobRows(rows *sql.Rows) (*model.Job, error) {
	return scanFrom(rows)
}

func scanFrom(sc rowScanner) (*model.Job, error) {
	var job model.Job
	var key, corr, lastErr sql.NullString
	var baseDelayMS int64
	err := sc.Scan(&job.ID, &job.Queue, &job.Payload, &key, &corr, &job.Priority,
		&job.Status, &job.Attempts, &job.Retry.MaxAttempts, &job.Retry.Backoff,
		&baseDelayMS, &lastErr, &job.RunAfter, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, unavailable("scan job", err)
	}
	job.IdempotencyKey = key.String
	job.CorrelationID = corr.String
	job.LastError = lastErr.String
	job.Retry.BaseDelay = time.Duration(baseDelayMS) * time.Millisecond
	return &job, nil
}

// --- signals ---

// SaveSignal inserts or replaces one signal.
func (s *Store) SaveSignal(ctx context.Context, sig *model.Signal) error {
	sourceIDs, _ := json.Marshal(sig.SourceIDs)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO signals (id, term, summary, source_ids, novelty, impact,
			confidence, urgency, priority, detected_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.Term, sig.Summary, string(sourceIDs), sig.Novelty, sig.Impact,
		sig.Confidence, sig.Urgency, sig.Priority, sig.DetectedAt,
	)
	if err != nil {
		return unavailable("save signal", err)
	}
	return nil
}

// ListSignals returns signals ordered by priority, highest first.
func (s *Store) ListSignals(ctx context.Context, limit int) ([]model.Signal, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, term, summary, source_ids, novelty, impact, confidence, urgency,
			priority, detected_at
		 FROM signals ORDER BY priority DESC LIMIT ?`, limit)
	if err != nil {
		return nil, unavailable("list signals", err)
	}
	defer rows.Close()

	var out []model.Signal
	for rows.Next() {
		var sig model.Signal
		var summary, sourceIDs sql.NullString
		if err := rows.Scan(&sig.ID, &sig.Term, &summary, &sourceIDs, &sig.Novelty,
			&sig.Impact, &sig.Confidence, &sig.Urgency, &sig.Priority, &sig.DetectedAt); err != nil {
			return nil, unavailable("scan signal", err)
		}
		sig.Summary = summary.String
		if sourceIDs.Valid {
			_ = json.Unmarshal([]byte(sourceIDs.String), &sig.SourceIDs)
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}
