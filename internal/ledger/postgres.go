package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"homeostat/internal/domain"
)

// PostgresStore keeps the ledger in Postgres so regulators on several hosts
// share one set of reservations.
type PostgresStore struct {
	Pool *pgxpool.Pool
}

// OpenPostgres connects a pool and ensures the ledger tables exist.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ledger dsn: %w", err)
	}
	poolConfig.MaxConns = 5
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping ledger database: %w", err)
	}
	s := &PostgresStore{Pool: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() {
	s.Pool.Close()
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS action_executions (
  id TEXT PRIMARY KEY,
  boundary_organism_id TEXT NOT NULL,
  action_organism_id TEXT NOT NULL,
  idempotency_key TEXT NOT NULL UNIQUE,
  status TEXT NOT NULL CHECK (status IN ('processing','succeeded','failed','proposal-created','declined')),
  attempt_count INTEGER NOT NULL DEFAULT 1,
  cycle_id TEXT,
  result_json JSONB,
  last_error TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_action_executions_action ON action_executions(action_organism_id, created_at);
CREATE TABLE IF NOT EXISTS regulator_runtime_log (
  id TEXT PRIMARY KEY,
  cycle_id TEXT NOT NULL,
  stage TEXT NOT NULL,
  boundary_organism_id TEXT,
  action_organism_id TEXT,
  execution_id TEXT,
  payload_json JSONB NOT NULL,
  occurred_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runtime_log_cycle ON regulator_runtime_log(cycle_id, occurred_at);
`

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("create ledger schema: %w", err)
	}
	return nil
}

const pgExecutionColumns = `id,boundary_organism_id,action_organism_id,idempotency_key,status,attempt_count,COALESCE(cycle_id,''),result_json,COALESCE(last_error,''),created_at,updated_at`

func scanPgExecution(row pgx.Row) (domain.ActionExecution, error) {
	var ex domain.ActionExecution
	var result []byte
	if err := row.Scan(&ex.ID, &ex.BoundaryOrganismID, &ex.ActionOrganismID, &ex.IdempotencyKey, &ex.Status,
		&ex.AttemptCount, &ex.CycleID, &result, &ex.LastError, &ex.CreatedAt, &ex.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ex, ErrNotFound
		}
		return ex, err
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &ex.Result); err != nil {
			return ex, fmt.Errorf("decode result of %s: %w", ex.ID, err)
		}
	}
	return ex, nil
}

func (s *PostgresStore) Peek(ctx context.Context, key string) (domain.ActionExecution, error) {
	return scanPgExecution(s.Pool.QueryRow(ctx, `SELECT `+pgExecutionColumns+` FROM action_executions WHERE idempotency_key=$1`, key))
}

func (s *PostgresStore) Reserve(ctx context.Context, req ReserveRequest) (Reservation, error) {
	tag, err := s.Pool.Exec(ctx, `INSERT INTO action_executions(id,boundary_organism_id,action_organism_id,idempotency_key,status,attempt_count,cycle_id,created_at,updated_at)
		VALUES ($1,$2,$3,$4,'processing',1,$5,$6,$6) ON CONFLICT (idempotency_key) DO NOTHING`,
		uuid.NewString(), req.BoundaryOrganismID, req.ActionOrganismID, req.IdempotencyKey, pgNullable(req.CycleID), req.At)
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve execution: %w", err)
	}
	if tag.RowsAffected() == 1 {
		ex, err := s.Peek(ctx, req.IdempotencyKey)
		if err != nil {
			return Reservation{}, err
		}
		return Reservation{Outcome: Acquired, Execution: ex}, nil
	}
	existing, err := s.Peek(ctx, req.IdempotencyKey)
	if err != nil {
		return Reservation{}, err
	}
	if domain.IsTerminalSuccess(existing.Status) {
		return Reservation{Outcome: Handled, Execution: existing}, nil
	}
	tag, err = s.Pool.Exec(ctx, `UPDATE action_executions SET attempt_count=attempt_count+1, status='processing', cycle_id=$1, last_error=NULL, updated_at=$2
		WHERE id=$3 AND attempt_count=$4`, pgNullable(req.CycleID), req.At, existing.ID, existing.AttemptCount)
	if err != nil {
		return Reservation{}, fmt.Errorf("retry execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Reservation{Outcome: Contended, Execution: existing}, nil
	}
	ex, err := s.Peek(ctx, req.IdempotencyKey)
	if err != nil {
		return Reservation{}, err
	}
	return Reservation{Outcome: Retried, Execution: ex}, nil
}

func (s *PostgresStore) Complete(ctx context.Context, id, status string, result map[string]any, lastError, at string) error {
	if !validTerminal(status) {
		return fmt.Errorf("invalid terminal status %q", status)
	}
	var resultJSON []byte
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		resultJSON = data
	}
	tag, err := s.Pool.Exec(ctx, `UPDATE action_executions SET status=$1, result_json=$2, last_error=$3, updated_at=$4 WHERE id=$5`,
		status, resultJSON, pgNullable(TruncateError(lastError)), at, id)
	if err != nil {
		return fmt.Errorf("complete execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]domain.ActionExecution, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.BoundaryOrganismID != "" {
		add("boundary_organism_id=$%d", f.BoundaryOrganismID)
	}
	if f.ActionOrganismID != "" {
		add("action_organism_id=$%d", f.ActionOrganismID)
	}
	if f.Status != "" {
		add("status=$%d", f.Status)
	}
	query := `SELECT ` + pgExecutionColumns + ` FROM action_executions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActionExecution
	for rows.Next() {
		ex, err := scanPgExecution(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ex)
	}
	return res, rows.Err()
}

func (s *PostgresStore) AppendRuntimeLog(ctx context.Context, e domain.RuntimeLogEntry) error {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal runtime log payload: %w", err)
	}
	_, err = s.Pool.Exec(ctx, `INSERT INTO regulator_runtime_log(id,cycle_id,stage,boundary_organism_id,action_organism_id,execution_id,payload_json,occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.CycleID, e.Stage, pgNullable(e.BoundaryOrganismID), pgNullable(e.ActionOrganismID), pgNullable(e.ExecutionID), data, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert runtime log: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRuntimeLog(ctx context.Context, cycleID string, limit int) ([]domain.RuntimeLogEntry, error) {
	query := `SELECT id,cycle_id,stage,COALESCE(boundary_organism_id,''),COALESCE(action_organism_id,''),COALESCE(execution_id,''),payload_json,occurred_at
		FROM regulator_runtime_log`
	var args []any
	if cycleID != "" {
		args = append(args, cycleID)
		query += ` WHERE cycle_id=$1`
	}
	query += ` ORDER BY id`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RuntimeLogEntry
	for rows.Next() {
		var e domain.RuntimeLogEntry
		var payload []byte
		if err := rows.Scan(&e.ID, &e.CycleID, &e.Stage, &e.BoundaryOrganismID, &e.ActionOrganismID, &e.ExecutionID, &payload, &e.OccurredAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("decode runtime log %s: %w", e.ID, err)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func pgNullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
