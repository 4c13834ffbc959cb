package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cauldronos/sentientloop/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLite is the default single-node Repository backend.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at dsn and runs migrations.
// Use ":memory:" for an ephemeral store.
func OpenSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The state machine relies on serialized conditional updates; a
	// single connection avoids SQLITE_BUSY under concurrent resolvers.
	db.SetMaxOpenConns(1)
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLite wraps an existing handle (tests, custom pooling).
func NewSQLite(db *sql.DB) (*SQLite, error) {
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the underlying handle.
func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			module_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			action_type TEXT NOT NULL DEFAULT '',
			original_payload BLOB,
			modified_payload BLOB,
			confidence REAL NOT NULL DEFAULT 0,
			impact TEXT NOT NULL,
			parent_checkpoint_id TEXT NOT NULL DEFAULT '',
			resolution TEXT NOT NULL DEFAULT '',
			resolved_by TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			resolved_at TEXT,
			last_escalated_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_status_created
			ON checkpoints (status, created_at)`,
		`CREATE TABLE IF NOT EXISTS escalation_records (
			id TEXT PRIMARY KEY,
			checkpoint_id TEXT NOT NULL,
			level TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			notified_parties TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			resolved_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_escalations_checkpoint
			ON escalation_records (checkpoint_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS failure_records (
			id TEXT PRIMARY KEY,
			operation_name TEXT NOT NULL,
			module_id TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			recovery_attempts INTEGER NOT NULL DEFAULT 0,
			last_recovery_attempt TEXT,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		// The dedupe invariant: one non-recovered record per pair.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_failures_active_pair
			ON failure_records (operation_name, module_id)
			WHERE status != 'RECOVERED'`,
		`CREATE TABLE IF NOT EXISTS policy_config (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			version INTEGER NOT NULL,
			document TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(context.Background(), q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

const checkpointCols = `id, type, status, module_id, agent_id, action_type,
	original_payload, modified_payload, confidence, impact,
	parent_checkpoint_id, resolution, resolved_by, created_at, resolved_at,
	last_escalated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(r rowScanner) (*contracts.Checkpoint, error) {
	var cp contracts.Checkpoint
	var createdAt string
	var resolvedAt, lastEscalatedAt sql.NullString
	var originalPayload, modifiedPayload []byte
	err := r.Scan(&cp.ID, &cp.Type, &cp.Status, &cp.ModuleID, &cp.AgentID,
		&cp.ActionType, &originalPayload, &modifiedPayload,
		&cp.Confidence, &cp.Impact, &cp.ParentCheckpointID, &cp.Resolution,
		&cp.ResolvedBy, &createdAt, &resolvedAt, &lastEscalatedAt)
	if err != nil {
		return nil, err
	}
	cp.OriginalPayload = originalPayload
	cp.ModifiedPayload = modifiedPayload
	cp.CreatedAt = parseTime(createdAt)
	cp.ResolvedAt = parseTimePtr(resolvedAt)
	cp.LastEscalatedAt = parseTimePtr(lastEscalatedAt)
	return &cp, nil
}

func (s *SQLite) CreateCheckpoint(ctx context.Context, cp *contracts.Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO checkpoints (`+checkpointCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.Type, cp.Status, cp.ModuleID, cp.AgentID, cp.ActionType,
		[]byte(cp.OriginalPayload), []byte(cp.ModifiedPayload), cp.Confidence,
		cp.Impact, cp.ParentCheckpointID, cp.Resolution, cp.ResolvedBy,
		fmtTime(cp.CreatedAt), fmtTimePtr(cp.ResolvedAt), fmtTimePtr(cp.LastEscalatedAt))
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

func (s *SQLite) GetCheckpoint(ctx context.Context, id string) (*contracts.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+checkpointCols+` FROM checkpoints WHERE id = ?`, id)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	return cp, err
}

func (s *SQLite) ListCheckpoints(ctx context.Context, f CheckpointFilter) ([]*contracts.Checkpoint, error) {
	query := `SELECT ` + checkpointCols + ` FROM checkpoints`
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.ModuleID != "" {
		conds = append(conds, "module_id = ?")
		args = append(args, f.ModuleID)
	}
	if f.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*contracts.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *SQLite) ConditionalUpdateCheckpointStatus(ctx context.Context, id string,
	expected, next contracts.CheckpointStatus, fields ResolutionFields) (*contracts.Checkpoint, error) {
	set := []string{"status = ?"}
	args := []any{next}
	if fields.Resolution != "" {
		set = append(set, "resolution = ?")
		args = append(args, fields.Resolution)
	}
	if fields.ResolvedBy != "" {
		set = append(set, "resolved_by = ?")
		args = append(args, fields.ResolvedBy)
	}
	if fields.ModifiedPayload != nil {
		set = append(set, "modified_payload = ?")
		args = append(args, fields.ModifiedPayload)
	}
	if fields.ResolvedAt != nil {
		set = append(set, "resolved_at = ?")
		args = append(args, fmtTime(*fields.ResolvedAt))
	}
	args = append(args, id, expected)

	res, err := s.db.ExecContext(ctx, `UPDATE checkpoints SET `+strings.Join(set, ", ")+`
		WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("conditional update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Distinguish a lost race from an unknown id.
		cp, err := s.GetCheckpoint(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, &contracts.TransitionConflictError{CheckpointID: id, Current: cp.Status}
	}
	return s.GetCheckpoint(ctx, id)
}

func (s *SQLite) FindPendingOlderThan(ctx context.Context, cutoff time.Time) ([]*contracts.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+checkpointCols+` FROM checkpoints
		WHERE status = ? AND created_at <= ? ORDER BY created_at`,
		contracts.StatusPending, fmtTime(cutoff))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*contracts.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *SQLite) AdvanceEscalationWatermark(ctx context.Context, id string, expected *time.Time, next time.Time) error {
	var res sql.Result
	var err error
	if expected == nil {
		res, err = s.db.ExecContext(ctx, `UPDATE checkpoints SET last_escalated_at = ?
			WHERE id = ? AND last_escalated_at IS NULL`, fmtTime(next), id)
	} else {
		res, err = s.db.ExecContext(ctx, `UPDATE checkpoints SET last_escalated_at = ?
			WHERE id = ? AND last_escalated_at = ?`, fmtTime(next), id, fmtTime(*expected))
	}
	if err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetCheckpoint(ctx, id); err != nil {
			return err
		}
		return ErrWatermarkConflict
	}
	return nil
}

func (s *SQLite) CreateEscalationRecord(ctx context.Context, rec *contracts.EscalationRecord) error {
	parties, err := json.Marshal(rec.NotifiedParties)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO escalation_records
		(id, checkpoint_id, level, reason, notified_parties, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.CheckpointID, rec.Level, rec.Reason, string(parties),
		fmtTime(rec.CreatedAt), fmtTimePtr(rec.ResolvedAt))
	if err != nil {
		return fmt.Errorf("insert escalation record: %w", err)
	}
	return nil
}

func (s *SQLite) ListEscalationRecords(ctx context.Context, checkpointID string) ([]*contracts.EscalationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, checkpoint_id, level, reason,
		notified_parties, created_at, resolved_at
		FROM escalation_records WHERE checkpoint_id = ? ORDER BY created_at`, checkpointID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*contracts.EscalationRecord
	for rows.Next() {
		var rec contracts.EscalationRecord
		var parties, createdAt string
		var resolvedAt sql.NullString
		if err := rows.Scan(&rec.ID, &rec.CheckpointID, &rec.Level, &rec.Reason,
			&parties, &createdAt, &resolvedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(parties), &rec.NotifiedParties); err != nil {
			return nil, err
		}
		rec.CreatedAt = parseTime(createdAt)
		rec.ResolvedAt = parseTimePtr(resolvedAt)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *SQLite) CreateFailure(ctx context.Context, rec *contracts.FailureRecord) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO failure_records
		(id, operation_name, module_id, type, status, recovery_attempts,
		 last_recovery_attempt, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.OperationName, rec.ModuleID, rec.Type, rec.Status,
		rec.RecoveryAttempts, fmtTimePtr(rec.LastRecoveryAttempt), string(meta),
		fmtTime(rec.CreatedAt), fmtTime(rec.UpdatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			existing, ferr := s.FindActiveFailure(ctx, rec.OperationName, rec.ModuleID)
			if ferr == nil {
				return &DuplicateFailureError{ExistingID: existing.ID}
			}
		}
		return fmt.Errorf("insert failure record: %w", err)
	}
	return nil
}

const failureCols = `id, operation_name, module_id, type, status,
	recovery_attempts, last_recovery_attempt, metadata, created_at, updated_at`

func scanFailure(r rowScanner) (*contracts.FailureRecord, error) {
	var f contracts.FailureRecord
	var meta, createdAt, updatedAt string
	var lastAttempt sql.NullString
	err := r.Scan(&f.ID, &f.OperationName, &f.ModuleID, &f.Type, &f.Status,
		&f.RecoveryAttempts, &lastAttempt, &meta, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(meta), &f.Metadata); err != nil {
		return nil, err
	}
	f.LastRecoveryAttempt = parseTimePtr(lastAttempt)
	f.CreatedAt = parseTime(createdAt)
	f.UpdatedAt = parseTime(updatedAt)
	return &f, nil
}

func (s *SQLite) GetFailure(ctx context.Context, id string) (*contracts.FailureRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+failureCols+` FROM failure_records WHERE id = ?`, id)
	f, err := scanFailure(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	return f, err
}

func (s *SQLite) FindActiveFailure(ctx context.Context, operationName, moduleID string) (*contracts.FailureRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+failureCols+` FROM failure_records
		WHERE operation_name = ? AND module_id = ? AND status != ?`,
		operationName, moduleID, contracts.FailureRecovered)
	f, err := scanFailure(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	return f, err
}

func (s *SQLite) ListFailures(ctx context.Context, statuses ...contracts.FailureStatus) ([]*contracts.FailureRecord, error) {
	query := `SELECT ` + failureCols + ` FROM failure_records`
	var args []any
	if len(statuses) > 0 {
		ph := make([]string, len(statuses))
		for i, st := range statuses {
			ph[i] = "?"
			args = append(args, st)
		}
		query += ` WHERE status IN (` + strings.Join(ph, ", ") + `)`
	}
	query += ` ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*contracts.FailureRecord
	for rows.Next() {
		f, err := scanFailure(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLite) TouchFailure(ctx context.Context, id string, at time.Time, metadata map[string]string) (*contracts.FailureRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT metadata FROM failure_records WHERE id = ?`, id)
	var metaRaw string
	if err := row.Scan(&metaRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.ErrNotFound
		}
		return nil, err
	}
	merged := map[string]string{}
	_ = json.Unmarshal([]byte(metaRaw), &merged)
	for k, v := range metadata {
		merged[k] = v
	}
	mergedRaw, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE failure_records
		SET recovery_attempts = recovery_attempts + 1,
		    last_recovery_attempt = ?, metadata = ?, updated_at = ?
		WHERE id = ?`, fmtTime(at), string(mergedRaw), fmtTime(at), id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetFailure(ctx, id)
}

func (s *SQLite) ConditionalUpdateFailureStatus(ctx context.Context, id string,
	expected []contracts.FailureStatus, next contracts.FailureStatus) (*contracts.FailureRecord, error) {
	ph := make([]string, len(expected))
	args := []any{next, time.Now().UTC().Format(time.RFC3339Nano), id}
	for i, st := range expected {
		ph[i] = "?"
		args = append(args, st)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE failure_records SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (`+strings.Join(ph, ", ")+`)`, args...)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if _, err := s.GetFailure(ctx, id); err != nil {
			return nil, err
		}
		return nil, contracts.ErrInvalidTransition
	}
	return s.GetFailure(ctx, id)
}

func (s *SQLite) GetPolicy(ctx context.Context) (*contracts.PolicyConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT version, document FROM policy_config WHERE id = 1`)
	var version int64
	var doc string
	if err := row.Scan(&version, &doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.ErrNotFound
		}
		return nil, err
	}
	var p contracts.PolicyConfig
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return nil, fmt.Errorf("decode policy document: %w", err)
	}
	p.Version = version
	return &p, nil
}

func (s *SQLite) UpdatePolicy(ctx context.Context, p *contracts.PolicyConfig, expectedVersion int64) (*contracts.PolicyConfig, error) {
	stored := p.Clone()
	stored.Version = expectedVersion + 1
	doc, err := json.Marshal(stored)
	if err != nil {
		return nil, err
	}
	now := fmtTime(time.Now())

	if expectedVersion == 0 {
		res, err := s.db.ExecContext(ctx, `INSERT INTO policy_config (id, version, document, updated_at)
			VALUES (1, 1, ?, ?) ON CONFLICT (id) DO NOTHING`, string(doc), now)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, contracts.ErrVersionConflict
		}
		return stored, nil
	}

	res, err := s.db.ExecContext(ctx, `UPDATE policy_config SET version = ?, document = ?, updated_at = ?
		WHERE id = 1 AND version = ?`, stored.Version, string(doc), now, expectedVersion)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, contracts.ErrVersionConflict
	}
	return stored, nil
}
