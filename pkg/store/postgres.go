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
	"github.com/lib/pq"
)

// Postgres is the multi-node Repository backend.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects with the given URL and runs migrations.
func OpenPostgres(url string) (*Postgres, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgres(db)
}

// NewPostgres wraps an existing handle and runs migrations.
func NewPostgres(db *sql.DB) (*Postgres, error) {
	p := &Postgres{db: db}
	if err := p.migrate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Close closes the underlying handle.
func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			module_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			action_type TEXT NOT NULL DEFAULT '',
			original_payload BYTEA,
			modified_payload BYTEA,
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			impact TEXT NOT NULL,
			parent_checkpoint_id TEXT NOT NULL DEFAULT '',
			resolution TEXT NOT NULL DEFAULT '',
			resolved_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			resolved_at TIMESTAMPTZ,
			last_escalated_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_status_created
			ON checkpoints (status, created_at)`,
		`CREATE TABLE IF NOT EXISTS escalation_records (
			id TEXT PRIMARY KEY,
			checkpoint_id TEXT NOT NULL,
			level TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			notified_parties JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL,
			resolved_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS failure_records (
			id TEXT PRIMARY KEY,
			operation_name TEXT NOT NULL,
			module_id TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			recovery_attempts INTEGER NOT NULL DEFAULT 0,
			last_recovery_attempt TIMESTAMPTZ,
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_failures_active_pair
			ON failure_records (operation_name, module_id)
			WHERE status != 'RECOVERED'`,
		`CREATE TABLE IF NOT EXISTS policy_config (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			version BIGINT NOT NULL,
			document JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(context.Background(), q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func pgScanCheckpoint(r rowScanner) (*contracts.Checkpoint, error) {
	var cp contracts.Checkpoint
	var resolvedAt, lastEscalatedAt sql.NullTime
	var originalPayload, modifiedPayload []byte
	err := r.Scan(&cp.ID, &cp.Type, &cp.Status, &cp.ModuleID, &cp.AgentID,
		&cp.ActionType, &originalPayload, &modifiedPayload,
		&cp.Confidence, &cp.Impact, &cp.ParentCheckpointID, &cp.Resolution,
		&cp.ResolvedBy, &cp.CreatedAt, &resolvedAt, &lastEscalatedAt)
	if err != nil {
		return nil, err
	}
	cp.OriginalPayload = originalPayload
	cp.ModifiedPayload = modifiedPayload
	if resolvedAt.Valid {
		t := resolvedAt.Time
		cp.ResolvedAt = &t
	}
	if lastEscalatedAt.Valid {
		t := lastEscalatedAt.Time
		cp.LastEscalatedAt = &t
	}
	return &cp, nil
}

func (p *Postgres) CreateCheckpoint(ctx context.Context, cp *contracts.Checkpoint) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO checkpoints (`+checkpointCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		cp.ID, cp.Type, cp.Status, cp.ModuleID, cp.AgentID, cp.ActionType,
		[]byte(cp.OriginalPayload), []byte(cp.ModifiedPayload), cp.Confidence,
		cp.Impact, cp.ParentCheckpointID, cp.Resolution, cp.ResolvedBy,
		cp.CreatedAt, cp.ResolvedAt, cp.LastEscalatedAt)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

func (p *Postgres) GetCheckpoint(ctx context.Context, id string) (*contracts.Checkpoint, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+checkpointCols+` FROM checkpoints WHERE id = $1`, id)
	cp, err := pgScanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	return cp, err
}

func (p *Postgres) ListCheckpoints(ctx context.Context, f CheckpointFilter) ([]*contracts.Checkpoint, error) {
	query := `SELECT ` + checkpointCols + ` FROM checkpoints`
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.ModuleID != "" {
		add("module_id = $%d", f.ModuleID)
	}
	if f.AgentID != "" {
		add("agent_id = $%d", f.AgentID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*contracts.Checkpoint
	for rows.Next() {
		cp, err := pgScanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (p *Postgres) ConditionalUpdateCheckpointStatus(ctx context.Context, id string,
	expected, next contracts.CheckpointStatus, fields ResolutionFields) (*contracts.Checkpoint, error) {
	set := []string{"status = $1"}
	args := []any{next}
	addSet := func(col string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if fields.Resolution != "" {
		addSet("resolution", fields.Resolution)
	}
	if fields.ResolvedBy != "" {
		addSet("resolved_by", fields.ResolvedBy)
	}
	if fields.ModifiedPayload != nil {
		addSet("modified_payload", fields.ModifiedPayload)
	}
	if fields.ResolvedAt != nil {
		addSet("resolved_at", *fields.ResolvedAt)
	}
	args = append(args, id, expected)
	query := fmt.Sprintf(`UPDATE checkpoints SET %s WHERE id = $%d AND status = $%d`,
		strings.Join(set, ", "), len(args)-1, len(args))

	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("conditional update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		cp, err := p.GetCheckpoint(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, &contracts.TransitionConflictError{CheckpointID: id, Current: cp.Status}
	}
	return p.GetCheckpoint(ctx, id)
}

func (p *Postgres) FindPendingOlderThan(ctx context.Context, cutoff time.Time) ([]*contracts.Checkpoint, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+checkpointCols+` FROM checkpoints
		WHERE status = $1 AND created_at <= $2 ORDER BY created_at`,
		contracts.StatusPending, cutoff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*contracts.Checkpoint
	for rows.Next() {
		cp, err := pgScanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (p *Postgres) AdvanceEscalationWatermark(ctx context.Context, id string, expected *time.Time, next time.Time) error {
	var res sql.Result
	var err error
	if expected == nil {
		res, err = p.db.ExecContext(ctx, `UPDATE checkpoints SET last_escalated_at = $1
			WHERE id = $2 AND last_escalated_at IS NULL`, next, id)
	} else {
		res, err = p.db.ExecContext(ctx, `UPDATE checkpoints SET last_escalated_at = $1
			WHERE id = $2 AND last_escalated_at = $3`, next, id, *expected)
	}
	if err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := p.GetCheckpoint(ctx, id); err != nil {
			return err
		}
		return ErrWatermarkConflict
	}
	return nil
}

func (p *Postgres) CreateEscalationRecord(ctx context.Context, rec *contracts.EscalationRecord) error {
	parties, err := json.Marshal(rec.NotifiedParties)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO escalation_records
		(id, checkpoint_id, level, reason, notified_parties, created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.CheckpointID, rec.Level, rec.Reason, string(parties),
		rec.CreatedAt, rec.ResolvedAt)
	if err != nil {
		return fmt.Errorf("insert escalation record: %w", err)
	}
	return nil
}

func (p *Postgres) ListEscalationRecords(ctx context.Context, checkpointID string) ([]*contracts.EscalationRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, checkpoint_id, level, reason,
		notified_parties, created_at, resolved_at
		FROM escalation_records WHERE checkpoint_id = $1 ORDER BY created_at`, checkpointID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*contracts.EscalationRecord
	for rows.Next() {
		var rec contracts.EscalationRecord
		var parties []byte
		var resolvedAt sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.CheckpointID, &rec.Level, &rec.Reason,
			&parties, &rec.CreatedAt, &resolvedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(parties, &rec.NotifiedParties); err != nil {
			return nil, err
		}
		if resolvedAt.Valid {
			t := resolvedAt.Time
			rec.ResolvedAt = &t
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateFailure(ctx context.Context, rec *contracts.FailureRecord) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO failure_records
		(id, operation_name, module_id, type, status, recovery_attempts,
		 last_recovery_attempt, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.OperationName, rec.ModuleID, rec.Type, rec.Status,
		rec.RecoveryAttempts, rec.LastRecoveryAttempt, string(meta),
		rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			existing, ferr := p.FindActiveFailure(ctx, rec.OperationName, rec.ModuleID)
			if ferr == nil {
				return &DuplicateFailureError{ExistingID: existing.ID}
			}
		}
		return fmt.Errorf("insert failure record: %w", err)
	}
	return nil
}

func pgScanFailure(r rowScanner) (*contracts.FailureRecord, error) {
	var f contracts.FailureRecord
	var meta []byte
	var lastAttempt sql.NullTime
	err := r.Scan(&f.ID, &f.OperationName, &f.ModuleID, &f.Type, &f.Status,
		&f.RecoveryAttempts, &lastAttempt, &meta, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(meta, &f.Metadata); err != nil {
		return nil, err
	}
	if lastAttempt.Valid {
		t := lastAttempt.Time
		f.LastRecoveryAttempt = &t
	}
	return &f, nil
}

func (p *Postgres) GetFailure(ctx context.Context, id string) (*contracts.FailureRecord, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+failureCols+` FROM failure_records WHERE id = $1`, id)
	f, err := pgScanFailure(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	return f, err
}

func (p *Postgres) FindActiveFailure(ctx context.Context, operationName, moduleID string) (*contracts.FailureRecord, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+failureCols+` FROM failure_records
		WHERE operation_name = $1 AND module_id = $2 AND status != $3`,
		operationName, moduleID, contracts.FailureRecovered)
	f, err := pgScanFailure(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrNotFound
	}
	return f, err
}

func (p *Postgres) ListFailures(ctx context.Context, statuses ...contracts.FailureStatus) ([]*contracts.FailureRecord, error) {
	query := `SELECT ` + failureCols + ` FROM failure_records`
	var args []any
	if len(statuses) > 0 {
		strs := make([]string, len(statuses))
		for i, st := range statuses {
			strs[i] = string(st)
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, pq.Array(strs))
	}
	query += ` ORDER BY created_at`
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*contracts.FailureRecord
	for rows.Next() {
		f, err := pgScanFailure(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (p *Postgres) TouchFailure(ctx context.Context, id string, at time.Time, metadata map[string]string) (*contracts.FailureRecord, error) {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	res, err := p.db.ExecContext(ctx, `UPDATE failure_records
		SET recovery_attempts = recovery_attempts + 1,
		    last_recovery_attempt = $1,
		    metadata = metadata || $2::jsonb,
		    updated_at = $1
		WHERE id = $3`, at, string(meta), id)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, contracts.ErrNotFound
	}
	return p.GetFailure(ctx, id)
}

func (p *Postgres) ConditionalUpdateFailureStatus(ctx context.Context, id string,
	expected []contracts.FailureStatus, next contracts.FailureStatus) (*contracts.FailureRecord, error) {
	strs := make([]string, len(expected))
	for i, st := range expected {
		strs[i] = string(st)
	}
	res, err := p.db.ExecContext(ctx, `UPDATE failure_records SET status = $1, updated_at = now()
		WHERE id = $2 AND status = ANY($3)`, next, id, pq.Array(strs))
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if _, err := p.GetFailure(ctx, id); err != nil {
			return nil, err
		}
		return nil, contracts.ErrInvalidTransition
	}
	return p.GetFailure(ctx, id)
}

func (p *Postgres) GetPolicy(ctx context.Context) (*contracts.PolicyConfig, error) {
	row := p.db.QueryRowContext(ctx, `SELECT version, document FROM policy_config WHERE id = 1`)
	var version int64
	var doc []byte
	if err := row.Scan(&version, &doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.ErrNotFound
		}
		return nil, err
	}
	var cfg contracts.PolicyConfig
	if err := json.Unmarshal(doc, &cfg); err != nil {
		return nil, fmt.Errorf("decode policy document: %w", err)
	}
	cfg.Version = version
	return &cfg, nil
}

func (p *Postgres) UpdatePolicy(ctx context.Context, cfg *contracts.PolicyConfig, expectedVersion int64) (*contracts.PolicyConfig, error) {
	stored := cfg.Clone()
	stored.Version = expectedVersion + 1
	doc, err := json.Marshal(stored)
	if err != nil {
		return nil, err
	}

	if expectedVersion == 0 {
		res, err := p.db.ExecContext(ctx, `INSERT INTO policy_config (id, version, document, updated_at)
			VALUES (1, 1, $1, now()) ON CONFLICT (id) DO NOTHING`, string(doc))
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, contracts.ErrVersionConflict
		}
		return stored, nil
	}

	res, err := p.db.ExecContext(ctx, `UPDATE policy_config SET version = $1, document = $2, updated_at = now()
		WHERE id = 1 AND version = $3`, stored.Version, string(doc), expectedVersion)
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
