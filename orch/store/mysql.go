package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// mysqlMigrations mirror the SQLite schema in MySQL dialect. Versions are
// tracked in a schema_version table since MySQL has no user_version pragma.
var mysqlMigrations = []string{
	// v1: workflow runs, steps, audit trail.
	`
	CREATE TABLE IF NOT EXISTS workflow_runs (
		id VARCHAR(255) NOT NULL PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		status VARCHAR(32) NOT NULL,
		input JSON NOT NULL,
		context JSON NOT NULL,
		created_at VARCHAR(64) NOT NULL,
		updated_at VARCHAR(64) NOT NULL
	);
	CREATE TABLE IF NOT EXISTS workflow_steps (
		run_id VARCHAR(255) NOT NULL,
		step_id VARCHAR(255) NOT NULL,
		status VARCHAR(32) NOT NULL,
		result JSON,
		attempts INT NOT NULL DEFAULT 0,
		updated_at VARCHAR(64) NOT NULL,
		PRIMARY KEY (run_id, step_id)
	);
	CREATE TABLE IF NOT EXISTS audit_events (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		run_id VARCHAR(255) NOT NULL,
		type VARCHAR(64) NOT NULL,
		payload JSON,
		created_at VARCHAR(64) NOT NULL,
		INDEX idx_audit_run_id (run_id, id),
		INDEX idx_audit_created (created_at)
	);
	`,
	// v2: provider quotas and API usage.
	`
	CREATE TABLE IF NOT EXISTS provider_quotas (
		provider VARCHAR(128) NOT NULL PRIMARY KEY,
		quota_type VARCHAR(32) NOT NULL,
		quota_limit BIGINT NOT NULL,
		period VARCHAR(16) NOT NULL,
		warn_threshold DOUBLE NOT NULL,
		critical_threshold DOUBLE NOT NULL
	);
	CREATE TABLE IF NOT EXISTS api_usage (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		provider VARCHAR(128) NOT NULL,
		model VARCHAR(128) NOT NULL,
		session VARCHAR(255) NOT NULL,
		input_tokens BIGINT NOT NULL,
		output_tokens BIGINT NOT NULL,
		cost_estimate DOUBLE NOT NULL,
		created_at VARCHAR(64) NOT NULL,
		INDEX idx_usage_provider_created (provider, created_at)
	);
	`,
	// v3: routing decision audit.
	`
	CREATE TABLE IF NOT EXISTS routing_decisions (
		decision_id VARCHAR(255) NOT NULL PRIMARY KEY,
		session VARCHAR(255) NOT NULL,
		task TEXT NOT NULL,
		requested_category VARCHAR(128),
		requested_skills JSON,
		original_selection VARCHAR(255) NOT NULL,
		final_selection VARCHAR(255) NOT NULL,
		quota_factors JSON,
		fallback_applied TINYINT NOT NULL DEFAULT 0,
		reason TEXT NOT NULL,
		created_at VARCHAR(64) NOT NULL,
		INDEX idx_decisions_session (session, created_at)
	);
	`,
}

// MySQLStore is the MySQL implementation of Store for deployments keeping
// orchestration state on a shared database host.
//
// Surface and semantics match SQLiteStore. Checkpoint is a no-op since the
// server owns its own durability; no lockfile is taken because MySQL handles
// concurrent clients.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore connects using a go-sql-driver DSN, e.g.
// "user:pass@tcp(host:3306)/opencode?parseTime=false".
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach MySQL server: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.applyMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// applyMigrations brings the schema to the current version, tracked in a
// single-row schema_version table.
func (s *MySQLStore) applyMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (version INT NOT NULL)
	`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (0)"); err != nil {
			return fmt.Errorf("failed to seed schema version: %w", err)
		}
		version = 0
	} else if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for i := version; i < len(mysqlMigrations); i++ {
		// MySQL DDL autocommits; run statements one by one.
		for _, stmt := range splitStatements(mysqlMigrations[i]) {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migration %d failed: %w", i+1, err)
			}
		}
		if _, err := s.db.ExecContext(ctx, "UPDATE schema_version SET version = ?", i+1); err != nil {
			return fmt.Errorf("failed to bump schema version to %d: %w", i+1, err)
		}
	}
	return nil
}

// splitStatements breaks a migration block into individual statements.
func splitStatements(block string) []string {
	var out []string
	for _, stmt := range strings.Split(block, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func (s *MySQLStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// CreateRun inserts a run in status running; an existing id is a no-op.
func (s *MySQLStore) CreateRun(ctx context.Context, runID, name string, input map[string]interface{}) error {
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
		mm := m.(*mysqlMutator)
		now := timestamp()
		res, err := mm.r.ExecContext(ctx, `
			INSERT IGNORE INTO workflow_runs (id, name, status, input, context, created_at, updated_at)
			VALUES (?, ?, ?, ?, '{}', ?, ?)
		`, runID, name, string(RunRunning), inputJSON, now, now)
		if err != nil {
			return fmt.Errorf("failed to create run: %w", err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to inspect run insert: %w", err)
		}
		if inserted == 0 {
			return nil
		}
		return mm.LogEvent(ctx, runID, "workflow_started", map[string]interface{}{"name": name})
	})
}

func (s *MySQLStore) UpdateRunStatus(ctx context.Context, runID string, status RunStatus) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.Transaction(ctx, func(m Mutator) error {
		return m.UpdateRunStatus(ctx, runID, status)
	})
}

func (s *MySQLStore) UpdateRunContext(ctx context.Context, runID string, runContext map[string]interface{}) error {
	if err := s.guard(); err != nil {
		return err
	}
	return (&mysqlMutator{r: s.db}).UpdateRunContext(ctx, runID, runContext)
}

func (s *MySQLStore) UpsertStep(ctx context.Context, rec StepRecord) error {
	if err := s.guard(); err != nil {
		return err
	}
	return (&mysqlMutator{r: s.db}).UpsertStep(ctx, rec)
}

func (s *MySQLStore) LogEvent(ctx context.Context, runID, eventType string, payload map[string]interface{}) error {
	if err := s.guard(); err != nil {
		return err
	}
	return (&mysqlMutator{r: s.db}).LogEvent(ctx, runID, eventType, payload)
}

func (s *MySQLStore) Savepoint(ctx context.Context, name string, fn func(Mutator) error) error {
	return s.Transaction(ctx, func(m Mutator) error {
		return m.Savepoint(ctx, name, fn)
	})
}

// GetRunState returns the run and its steps ordered by step_id.
func (s *MySQLStore) GetRunState(ctx context.Context, runID string) (Run, []StepRecord, error) {
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
func (s *MySQLStore) Events(ctx context.Context, runID string) ([]AuditEvent, error) {
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

// Transaction runs fn inside one transaction.
func (s *MySQLStore) Transaction(ctx context.Context, fn func(Mutator) error) error {
	if err := s.guard(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(&mysqlMutator{r: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpsertQuotaConfig idempotently upserts a provider quota row.
func (s *MySQLStore) UpsertQuotaConfig(ctx context.Context, cfg QuotaConfig) error {
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_quotas (provider, quota_type, quota_limit, period, warn_threshold, critical_threshold)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			quota_type = VALUES(quota_type),
			quota_limit = VALUES(quota_limit),
			period = VALUES(period),
			warn_threshold = VALUES(warn_threshold),
			critical_threshold = VALUES(critical_threshold)
	`, cfg.Provider, string(cfg.Type), cfg.Limit, string(cfg.Period), cfg.WarnThreshold, cfg.CriticalThreshold)
	if err != nil {
		return fmt.Errorf("failed to upsert quota config: %w", err)
	}
	return nil
}

// GetQuotaConfig returns one provider's quota configuration.
func (s *MySQLStore) GetQuotaConfig(ctx context.Context, provider string) (QuotaConfig, error) {
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
func (s *MySQLStore) ListQuotaConfigs(ctx context.Context) ([]QuotaConfig, error) {
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
func (s *MySQLStore) RecordUsage(ctx context.Context, rec UsageRecord) error {
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
func (s *MySQLStore) UsageSince(ctx context.Context, provider string, since time.Time) (UsageAggregate, error) {
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
func (s *MySQLStore) AppendDecision(ctx context.Context, dec RoutingDecision) error {
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
func (s *MySQLStore) DecisionsBySession(ctx context.Context, session string, limit int) ([]RoutingDecision, error) {
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
func (s *MySQLStore) CompactAudit(ctx context.Context, olderThan time.Time) (int64, error) {
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

// Checkpoint is a no-op; the MySQL server owns its durability housekeeping.
func (s *MySQLStore) Checkpoint(ctx context.Context) error {
	return s.guard()
}

// Close closes the connection pool. Double-close is a no-op.
func (s *MySQLStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.db.Close()
}

// mysqlMutator implements Mutator over either the pool or a transaction.
type mysqlMutator struct {
	r runner
}

func (m *mysqlMutator) UpdateRunStatus(ctx context.Context, runID string, status RunStatus) error {
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
			return nil
		}
		return ErrTerminalRun
	}
	return m.LogEvent(ctx, runID, "workflow_"+string(status), nil)
}

func (m *mysqlMutator) UpdateRunContext(ctx context.Context, runID string, runContext map[string]interface{}) error {
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
	// MySQL reports 0 affected rows when the new value equals the old one,
	// so existence has to be checked separately.
	if affected == 0 {
		var one int
		err := m.r.QueryRowContext(ctx,
			"SELECT 1 FROM workflow_runs WHERE id = ?", runID).Scan(&one)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to inspect run: %w", err)
		}
	}
	return nil
}

func (m *mysqlMutator) UpsertStep(ctx context.Context, rec StepRecord) error {
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
		ON DUPLICATE KEY UPDATE
			status = VALUES(status),
			result = VALUES(result),
			attempts = VALUES(attempts),
			updated_at = VALUES(updated_at)
	`, rec.RunID, rec.StepID, string(rec.Status), resultJSON, rec.Attempts, timestamp())
	if err != nil {
		return fmt.Errorf("failed to upsert step: %w", err)
	}
	return nil
}

func (m *mysqlMutator) LogEvent(ctx context.Context, runID, eventType string, payload map[string]interface{}) error {
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

func (m *mysqlMutator) Savepoint(ctx context.Context, name string, fn func(Mutator) error) error {
	ident := sanitizeIdentifier(name)
	if _, err := m.r.ExecContext(ctx, "SAVEPOINT "+ident); err != nil {
		return fmt.Errorf("failed to create savepoint %s: %w", ident, err)
	}
	if err := fn(m); err != nil {
		if _, rbErr := m.r.ExecContext(ctx, "ROLLBACK TO "+ident); rbErr != nil {
			return fmt.Errorf("savepoint rollback failed (%v) after: %w", rbErr, err)
		}
		_, _ = m.r.ExecContext(ctx, "RELEASE SAVEPOINT "+ident)
		return err
	}
	if _, err := m.r.ExecContext(ctx, "RELEASE SAVEPOINT "+ident); err != nil {
		return fmt.Errorf("failed to release savepoint %s: %w", ident, err)
	}
	return nil
}
