package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// checkpointInterval is how often the WAL is checkpointed and truncated while
// the store is open. The timer is disarmed on Close; a final checkpoint runs
// immediately before the database closes.
const checkpointInterval = 10 * time.Minute

// migrations are applied in ascending order at startup. The current schema
// version is tracked in PRAGMA user_version; each entry moves the version up
// by one.
var migrations = []string{
	// v1: workflow runs, steps, audit trail.
	`
	CREATE TABLE IF NOT EXISTS workflow_runs (
		id TEXT NOT NULL PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		input TEXT NOT NULL,
		context TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS workflow_steps (
		run_id TEXT NOT NULL,
		step_id TEXT NOT NULL,
		status TEXT NOT NULL,
		result TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (run_id, step_id)
	);
	CREATE INDEX IF NOT EXISTS idx_steps_run_id ON workflow_steps(run_id);
	CREATE TABLE IF NOT EXISTS audit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		type TEXT NOT NULL,
		payload TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_run_id ON audit_events(run_id, id);
	CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_events(created_at);
	`,
	// v2: provider quotas and API usage.
	`
	CREATE TABLE IF NOT EXISTS provider_quotas (
		provider TEXT NOT NULL PRIMARY KEY,
		quota_type TEXT NOT NULL,
		quota_limit INTEGER NOT NULL,
		period TEXT NOT NULL,
		warn_threshold REAL NOT NULL,
		critical_threshold REAL NOT NULL
	);
	CREATE TABLE IF NOT EXISTS api_usage (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		session TEXT NOT NULL,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cost_estimate REAL NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_provider_created ON api_usage(provider, created_at);
	`,
	// v3: routing decision audit.
	`
	CREATE TABLE IF NOT EXISTS routing_decisions (
		decision_id TEXT NOT NULL PRIMARY KEY,
		session TEXT NOT NULL,
		task TEXT NOT NULL,
		requested_category TEXT,
		requested_skills TEXT,
		original_selection TEXT NOT NULL,
		final_selection TEXT NOT NULL,
		quota_factors TEXT,
		fallback_applied INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_session ON routing_decisions(session, created_at);
	`,
}

// SQLiteStore is the SQLite implementation of Store.
//
// It stores all durable platform state in a single-file database:
//   - WAL journal mode for concurrent readers
//   - busy_timeout of 5 seconds for lock contention
//   - checkpoint-and-truncate after schema init, every ten minutes, and
//     before close
//   - an OS lockfile beside the database enforcing single-process ownership
//
// Safe for concurrent use within the owning process; writes serialize through
// the single connection.
type SQLiteStore struct {
	db       *sql.DB
	mu       sync.RWMutex
	closed   bool
	path     string
	lockPath string

	checkpointDone chan struct{}
	checkpointWG   sync.WaitGroup
}

// runner is satisfied by both *sql.DB and *sql.Tx so every statement can run
// either autocommitted or inside a transaction.
type runner interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// NewSQLiteStore opens (creating if needed) the database at path.
//
// Path ":memory:" opens an in-memory database for tests; no lockfile is taken
// and nothing survives Close.
//
// Startup sequence: acquire lockfile, open connection, set pragmas (WAL,
// foreign keys, busy_timeout), apply pending migrations, checkpoint, arm the
// periodic checkpoint timer.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	s := &SQLiteStore{
		path:           path,
		checkpointDone: make(chan struct{}),
	}

	if path != ":memory:" {
		s.lockPath = path + ".lock"
		if err := acquireLock(s.lockPath); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		s.releaseLock()
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time; a single pooled connection also
	// keeps :memory: databases alive across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			s.releaseLock()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s.db = db

	if err := s.applyMigrations(ctx); err != nil {
		_ = db.Close()
		s.releaseLock()
		return nil, err
	}

	// Checkpoint immediately after schema init so the WAL starts empty.
	if err := s.Checkpoint(ctx); err != nil {
		_ = db.Close()
		s.releaseLock()
		return nil, err
	}

	s.armCheckpointTimer()

	return s, nil
}

// acquireLock creates the lockfile exclusively, recording the owning pid.
func acquireLock(lockPath string) error {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("store is locked by another process (remove %s if stale): %w", lockPath, err)
		}
		return fmt.Errorf("failed to create lockfile: %w", err)
	}
	_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("failed to write lockfile: %w", werr)
	}
	return cerr
}

// releaseLock removes the lockfile if one was taken.
func (s *SQLiteStore) releaseLock() {
	if s.lockPath != "" {
		_ = os.Remove(s.lockPath)
	}
}

// applyMigrations brings the schema to the current version, tracked in
// PRAGMA user_version. Each migration runs in its own transaction.
func (s *SQLiteStore) applyMigrations(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to bump schema version to %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", i+1, err)
		}
	}

	return nil
}

// armCheckpointTimer starts the periodic WAL checkpoint goroutine.
func (s *SQLiteStore) armCheckpointTimer() {
	s.checkpointWG.Add(1)
	go func() {
		defer s.checkpointWG.Done()
		ticker := time.NewTicker(checkpointInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = s.Checkpoint(context.Background())
			case <-s.checkpointDone:
				return
			}
		}
	}()
}

// Checkpoint runs PRAGMA wal_checkpoint(TRUNCATE).
func (s *SQLiteStore) Checkpoint(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("wal checkpoint failed: %w", err)
	}
	return nil
}

// Close disarms the checkpoint timer, performs a final checkpoint, closes the
// database, and releases the process lock. Double-close is a no-op.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// Disarm the timer before the final checkpoint so the two cannot race.
	close(s.checkpointDone)
	s.checkpointWG.Wait()

	_, _ = s.db.ExecContext(context.Background(), "PRAGMA wal_checkpoint(TRUNCATE)")
	err := s.db.Close()
	s.releaseLock()
	return err
}

// guard returns an error if the store has been closed.
func (s *SQLiteStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// --- run operations -------------------------------------------------------

// CreateRun inserts a run in status running; an existing id is a no-op.
// The workflow_started audit event is appended only on actual insert, inside
// the same transaction as the run row.
func (s *SQLiteStore) CreateRun(ctx context.Context, runID, name string, input map[string]interface{}) error {
	if err := s.guard(); err != nil {
		return err
	}
	if runID == "" {
		return fmt.Errorf("run id cannot be empty")
	}

	inputJSON, err := encodeJSON(input)
	if err != nil {
		return fmt.Errorf("failed to marshal run input: %w", err)
	}

	return s.Transaction(ctx, func(m Mutator) error {
		sm := m.(*sqliteMutator)
		now := timestamp()
		res, err := sm.r.ExecContext(ctx, `
			INSERT INTO workflow_runs (id, name, status, input, context, created_at, updated_at)
			VALUES (?, ?, ?, ?, '{}', ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, runID, name, string(RunRunning), inputJSON, now, now)
		if err != nil {
			return fmt.Errorf("failed to create run: %w", err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to inspect run insert: %w", err)
		}
		if inserted == 0 {
			return nil // idempotent create
		}
		return sm.LogEvent(ctx, runID, "workflow_started", map[string]interface{}{"name": name})
	})
}

// UpdateRunStatus applies a monotone transition and appends workflow_<status>.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status RunStatus) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.Transaction(ctx, func(m Mutator) error {
		return m.UpdateRunStatus(ctx, runID, status)
	})
}

// UpdateRunContext overwrites the mutable context blob.
func (s *SQLiteStore) UpdateRunContext(ctx context.Context, runID string, runContext map[string]interface{}) error {
	if err := s.guard(); err != nil {
		return err
	}
	return (&sqliteMutator{r: s.db}).UpdateRunContext(ctx, runID, runContext)
}

// UpsertStep inserts or updates a step row keyed by (run_id, step_id).
func (s *SQLiteStore) UpsertStep(ctx context.Context, rec StepRecord) error {
	if err := s.guard(); err != nil {
		return err
	}
	return (&sqliteMutator{r: s.db}).UpsertStep(ctx, rec)
}

// LogEvent appends one audit event.
func (s *SQLiteStore) LogEvent(ctx context.Context, runID, eventType string, payload map[string]interface{}) error {
	if err := s.guard(); err != nil {
		return err
	}
	return (&sqliteMutator{r: s.db}).LogEvent(ctx, runID, eventType, payload)
}

// Savepoint at the store level wraps a full transaction.
func (s *SQLiteStore) Savepoint(ctx context.Context, name string, fn func(Mutator) error) error {
	return s.Transaction(ctx, func(m Mutator) error {
		return m.Savepoint(ctx, name, fn)
	})
}

// GetRunState returns the run and its steps ordered by step_id.
func (s *SQLiteStore) GetRunState(ctx context.Context, runID string) (Run, []StepRecord, error) {
	if err := s.guard(); err != nil {
		return Run{}, nil, err
	}

	var (
		run         Run
		inputJSON   string
		contextJSON string
		createdAt   string
		updatedAt   string
		status      string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, input, context, created_at, updated_at
		FROM workflow_runs WHERE id = ?
	`, runID).Scan(&run.ID, &run.Name, &status, &inputJSON, &contextJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Run{}, nil, ErrNotFound
	}
	if err != nil {
		return Run{}, nil, fmt.Errorf("failed to load run: %w", err)
	}
	run.Status = RunStatus(status)
	if run.Input, err = decodeJSON(inputJSON); err != nil {
		return Run{}, nil, fmt.Errorf("failed to unmarshal run input: %w", err)
	}
	if run.Context, err = decodeJSON(contextJSON); err != nil {
		return Run{}, nil, fmt.Errorf("failed to unmarshal run context: %w", err)
	}
	run.CreatedAt = parseTimestamp(createdAt)
	run.UpdatedAt = parseTimestamp(updatedAt)

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, step_id, status, result, attempts, updated_at
		FROM workflow_steps WHERE run_id = ? ORDER BY step_id
	`, runID)
	if err != nil {
		return Run{}, nil, fmt.Errorf("failed to load steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var steps []StepRecord
	for rows.Next() {
		var (
			rec        StepRecord
			stepStatus string
			resultJSON sql.NullString
			updated    string
		)
		if err := rows.Scan(&rec.RunID, &rec.StepID, &stepStatus, &resultJSON, &rec.Attempts, &updated); err != nil {
			return Run{}, nil, fmt.Errorf("failed to scan step row: %w", err)
		}
		rec.Status = StepStatus(stepStatus)
		rec.UpdatedAt = parseTimestamp(updated)
		if resultJSON.Valid && resultJSON.String != "" {
			if rec.Result, err = decodeJSON(resultJSON.String); err != nil {
				return Run{}, nil, fmt.Errorf("failed to unmarshal step result: %w", err)
			}
		}
		steps = append(steps, rec)
	}
	if err := rows.Err(); err != nil {
		return Run{}, nil, fmt.Errorf("error iterating step rows: %w", err)
	}

	return run, steps, nil
}

// Events returns the run's audit events ordered by id.
func (s *SQLiteStore) Events(ctx context.Context, runID string) ([]AuditEvent, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, type, payload, created_at
		FROM audit_events WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []AuditEvent
	for rows.Next() {
		var (
			ev          AuditEvent
			payloadJSON sql.NullString
			created     string
		)
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Type, &payloadJSON, &created); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		ev.CreatedAt = parseTimestamp(created)
		if payloadJSON.Valid && payloadJSON.String != "" {
			if ev.Payload, err = decodeJSON(payloadJSON.String); err != nil {
				return nil, fmt.Errorf("failed to unmarshal audit payload: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Transaction runs fn inside one transaction; errors roll back and propagate.
func (s *SQLiteStore) Transaction(ctx context.Context, fn func(Mutator) error) error {
	if err := s.guard(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&sqliteMutator{r: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// --- quota / usage / decisions --------------------------------------------

// UpsertQuotaConfig idempotently upserts a provider quota row.
func (s *SQLiteStore) UpsertQuotaConfig(ctx context.Context, cfg QuotaConfig) error {
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_quotas (provider, quota_type, quota_limit, period, warn_threshold, critical_threshold)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider) DO UPDATE SET
			quota_type = excluded.quota_type,
			quota_limit = excluded.quota_limit,
			period = excluded.period,
			warn_threshold = excluded.warn_threshold,
			critical_threshold = excluded.critical_threshold
	`, cfg.Provider, string(cfg.Type), cfg.Limit, string(cfg.Period), cfg.WarnThreshold, cfg.CriticalThreshold)
	if err != nil {
		return fmt.Errorf("failed to upsert quota config: %w", err)
	}
	return nil
}

// GetQuotaConfig returns one provider's quota configuration.
func (s *SQLiteStore) GetQuotaConfig(ctx context.Context, provider string) (QuotaConfig, error) {
	if err := s.guard(); err != nil {
		return QuotaConfig{}, err
	}
	var (
		cfg       QuotaConfig
		quotaType string
		period    string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT provider, quota_type, quota_limit, period, warn_threshold, critical_threshold
		FROM provider_quotas WHERE provider = ?
	`, provider).Scan(&cfg.Provider, &quotaType, &cfg.Limit, &period, &cfg.WarnThreshold, &cfg.CriticalThreshold)
	if err == sql.ErrNoRows {
		return QuotaConfig{}, ErrNotFound
	}
	if err != nil {
		return QuotaConfig{}, fmt.Errorf("failed to load quota config: %w", err)
	}
	cfg.Type = QuotaType(quotaType)
	cfg.Period = Period(period)
	return cfg, nil
}

// ListQuotaConfigs returns every configured provider.
func (s *SQLiteStore) ListQuotaConfigs(ctx context.Context) ([]QuotaConfig, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider, quota_type, quota_limit, period, warn_threshold, critical_threshold
		FROM provider_quotas ORDER BY provider
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query quota configs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var configs []QuotaConfig
	for rows.Next() {
		var (
			cfg       QuotaConfig
			quotaType string
			period    string
		)
		if err := rows.Scan(&cfg.Provider, &quotaType, &cfg.Limit, &period, &cfg.WarnThreshold, &cfg.CriticalThreshold); err != nil {
			return nil, fmt.Errorf("failed to scan quota row: %w", err)
		}
		cfg.Type = QuotaType(quotaType)
		cfg.Period = Period(period)
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// RecordUsage appends one API usage row.
func (s *SQLiteStore) RecordUsage(ctx context.Context, rec UsageRecord) error {
	if err := s.guard(); err != nil {
		return err
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_usage (provider, model, session, input_tokens, output_tokens, cost_estimate, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.Provider, rec.Model, rec.Session, rec.InputTokens, rec.OutputTokens, rec.CostEstimate,
		created.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// UsageSince aggregates a provider's usage in the current period window.
func (s *SQLiteStore) UsageSince(ctx context.Context, provider string, since time.Time) (UsageAggregate, error) {
	if err := s.guard(); err != nil {
		return UsageAggregate{}, err
	}

	query := `
		SELECT COUNT(*), COALESCE(SUM(input_tokens + output_tokens), 0), COALESCE(SUM(cost_estimate), 0)
		FROM api_usage WHERE provider = ?
	`
	args := []interface{}{provider}
	if !since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, since.Format(time.RFC3339Nano))
	}

	var agg UsageAggregate
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&agg.Requests, &agg.TotalTokens, &agg.TotalCost); err != nil {
		return UsageAggregate{}, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	return agg, nil
}

// AppendDecision appends one routing decision row.
func (s *SQLiteStore) AppendDecision(ctx context.Context, dec RoutingDecision) error {
	if err := s.guard(); err != nil {
		return err
	}

	skillsJSON, err := json.Marshal(dec.RequestedSkills)
	if err != nil {
		return fmt.Errorf("failed to marshal requested skills: %w", err)
	}
	factorsJSON, err := encodeJSON(dec.QuotaFactors)
	if err != nil {
		return fmt.Errorf("failed to marshal quota factors: %w", err)
	}
	created := dec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	fallback := 0
	if dec.FallbackApplied {
		fallback = 1
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO routing_decisions
		(decision_id, session, task, requested_category, requested_skills, original_selection,
		 final_selection, quota_factors, fallback_applied, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, dec.DecisionID, dec.Session, dec.Task, dec.RequestedCategory, string(skillsJSON),
		dec.OriginalSelection, dec.FinalSelection, factorsJSON, fallback, dec.Reason,
		created.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to append routing decision: %w", err)
	}
	return nil
}

// DecisionsBySession returns the session's decisions, most recent first.
func (s *SQLiteStore) DecisionsBySession(ctx context.Context, session string, limit int) ([]RoutingDecision, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT decision_id, session, task, requested_category, requested_skills, original_selection,
		       final_selection, quota_factors, fallback_applied, reason, created_at
		FROM routing_decisions WHERE session = ?
		ORDER BY created_at DESC, decision_id DESC LIMIT ?
	`, session, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query routing decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var decisions []RoutingDecision
	for rows.Next() {
		var (
			dec         RoutingDecision
			category    sql.NullString
			skillsJSON  sql.NullString
			factorsJSON sql.NullString
			fallback    int
			created     string
		)
		if err := rows.Scan(&dec.DecisionID, &dec.Session, &dec.Task, &category, &skillsJSON,
			&dec.OriginalSelection, &dec.FinalSelection, &factorsJSON, &fallback, &dec.Reason, &created); err != nil {
			return nil, fmt.Errorf("failed to scan decision row: %w", err)
		}
		dec.RequestedCategory = category.String
		dec.FallbackApplied = fallback != 0
		dec.CreatedAt = parseTimestamp(created)
		if skillsJSON.Valid && skillsJSON.String != "" && skillsJSON.String != "null" {
			if err := json.Unmarshal([]byte(skillsJSON.String), &dec.RequestedSkills); err != nil {
				return nil, fmt.Errorf("failed to unmarshal requested skills: %w", err)
			}
		}
		if factorsJSON.Valid && factorsJSON.String != "" {
			if dec.QuotaFactors, err = decodeJSON(factorsJSON.String); err != nil {
				return nil, fmt.Errorf("failed to unmarshal quota factors: %w", err)
			}
		}
		decisions = append(decisions, dec)
	}
	return decisions, rows.Err()
}

// CompactAudit deletes audit rows older than the cutoff.
func (s *SQLiteStore) CompactAudit(ctx context.Context, olderThan time.Time) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM audit_events WHERE created_at < ?", olderThan.Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to compact audit log: %w", err)
	}
	return res.RowsAffected()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// --- mutator ---------------------------------------------------------------

// sqliteMutator implements Mutator over either the raw connection or a
// transaction.
type sqliteMutator struct {
	r runner
}

// UpdateRunStatus applies the monotone transition running -> terminal and
// appends the workflow_<status> audit event.
func (m *sqliteMutator) UpdateRunStatus(ctx context.Context, runID string, status RunStatus) error {
	res, err := m.r.ExecContext(ctx, `
		UPDATE workflow_runs SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(status), timestamp(), runID, string(RunRunning))
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to inspect status update: %w", err)
	}
	if affected == 0 {
		// Either the run does not exist or it is already terminal.
		var current string
		err := m.r.QueryRowContext(ctx,
			"SELECT status FROM workflow_runs WHERE id = ?", runID).Scan(&current)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to inspect run: %w", err)
		}
		if current == string(status) {
			return nil // already there; repeated terminal write is a no-op
		}
		return ErrTerminalRun
	}

	return m.LogEvent(ctx, runID, "workflow_"+string(status), nil)
}

// UpdateRunContext overwrites the run context blob.
func (m *sqliteMutator) UpdateRunContext(ctx context.Context, runID string, runContext map[string]interface{}) error {
	contextJSON, err := encodeJSON(runContext)
	if err != nil {
		return fmt.Errorf("failed to marshal run context: %w", err)
	}
	res, err := m.r.ExecContext(ctx, `
		UPDATE workflow_runs SET context = ?, updated_at = ? WHERE id = ?
	`, contextJSON, timestamp(), runID)
	if err != nil {
		return fmt.Errorf("failed to update run context: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to inspect context update: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertStep inserts on first call and updates on conflict by primary key.
func (m *sqliteMutator) UpsertStep(ctx context.Context, rec StepRecord) error {
	var resultJSON interface{}
	if rec.Result != nil {
		encoded, err := encodeJSON(rec.Result)
		if err != nil {
			return fmt.Errorf("failed to marshal step result: %w", err)
		}
		resultJSON = encoded
	}

	_, err := m.r.ExecContext(ctx, `
		INSERT INTO workflow_steps (run_id, step_id, status, result, attempts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, step_id) DO UPDATE SET
			status = excluded.status,
			result = excluded.result,
			attempts = excluded.attempts,
			updated_at = excluded.updated_at
	`, rec.RunID, rec.StepID, string(rec.Status), resultJSON, rec.Attempts, timestamp())
	if err != nil {
		return fmt.Errorf("failed to upsert step: %w", err)
	}
	return nil
}

// LogEvent appends one audit event. Never fails silently.
func (m *sqliteMutator) LogEvent(ctx context.Context, runID, eventType string, payload map[string]interface{}) error {
	var payloadJSON interface{}
	if payload != nil {
		encoded, err := encodeJSON(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal event payload: %w", err)
		}
		payloadJSON = encoded
	}

	_, err := m.r.ExecContext(ctx, `
		INSERT INTO audit_events (run_id, type, payload, created_at)
		VALUES (?, ?, ?, ?)
	`, runID, eventType, payloadJSON, timestamp())
	if err != nil {
		return fmt.Errorf("failed to log audit event %q: %w", eventType, err)
	}
	return nil
}

// Savepoint runs fn in a nested transaction scope using SQLite savepoints.
// Savepoint names are sanitized to identifier characters.
func (m *sqliteMutator) Savepoint(ctx context.Context, name string, fn func(Mutator) error) error {
	ident := sanitizeIdentifier(name)
	if _, err := m.r.ExecContext(ctx, "SAVEPOINT "+ident); err != nil {
		return fmt.Errorf("failed to create savepoint %s: %w", ident, err)
	}

	if err := fn(m); err != nil {
		if _, rbErr := m.r.ExecContext(ctx, "ROLLBACK TO "+ident); rbErr != nil {
			return fmt.Errorf("savepoint rollback failed (%v) after: %w", rbErr, err)
		}
		_, _ = m.r.ExecContext(ctx, "RELEASE "+ident)
		return err
	}

	if _, err := m.r.ExecContext(ctx, "RELEASE "+ident); err != nil {
		return fmt.Errorf("failed to release savepoint %s: %w", ident, err)
	}
	return nil
}

// --- helpers ---------------------------------------------------------------

// encodeJSON marshals a payload map, treating nil as the empty object.
func encodeJSON(m map[string]interface{}) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// decodeJSON unmarshals a payload column.
func decodeJSON(s string) (map[string]interface{}, error) {
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// timestamp formats the current time the way every table stores it.
func timestamp() string {
	return time.Now().Format(time.RFC3339Nano)
}

// parseTimestamp parses a stored timestamp, returning the zero time on error.
func parseTimestamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// sanitizeIdentifier keeps savepoint names to alphanumerics and underscores.
func sanitizeIdentifier(name string) string {
	if name == "" {
		return "sp"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
