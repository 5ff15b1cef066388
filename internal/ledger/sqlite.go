package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"homeostat/internal/domain"
)

// SQLiteStore keeps the ledger in the workspace database.
type SQLiteStore struct {
	DB *sql.DB
}

const executionColumns = `id,boundary_organism_id,action_organism_id,idempotency_key,status,attempt_count,cycle_id,result_json,last_error,created_at,updated_at`

func scanExecution(s interface{ Scan(...any) error }) (domain.ActionExecution, error) {
	var ex domain.ActionExecution
	var cycle, result, lastErr sql.NullString
	if err := s.Scan(&ex.ID, &ex.BoundaryOrganismID, &ex.ActionOrganismID, &ex.IdempotencyKey, &ex.Status,
		&ex.AttemptCount, &cycle, &result, &lastErr, &ex.CreatedAt, &ex.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ex, ErrNotFound
		}
		return ex, err
	}
	ex.CycleID = cycle.String
	ex.LastError = lastErr.String
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &ex.Result); err != nil {
			return ex, fmt.Errorf("decode result of %s: %w", ex.ID, err)
		}
	}
	return ex, nil
}

func (s SQLiteStore) Peek(ctx context.Context, key string) (domain.ActionExecution, error) {
	return scanExecution(s.DB.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM action_executions WHERE idempotency_key=?`, key))
}

func (s SQLiteStore) Reserve(ctx context.Context, req ReserveRequest) (Reservation, error) {
	id := uuid.NewString()
	res, err := s.DB.ExecContext(ctx, `INSERT INTO action_executions(id,boundary_organism_id,action_organism_id,idempotency_key,status,attempt_count,cycle_id,created_at,updated_at)
		VALUES (?,?,?,?,'processing',1,?,?,?) ON CONFLICT(idempotency_key) DO NOTHING`,
		id, req.BoundaryOrganismID, req.ActionOrganismID, req.IdempotencyKey, nullable(req.CycleID), req.At, req.At)
	if err != nil {
		return Reservation{}, fmt.Errorf("reserve execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
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
	res, err = s.DB.ExecContext(ctx, `UPDATE action_executions SET attempt_count=attempt_count+1, status='processing', cycle_id=?, last_error=NULL, updated_at=?
		WHERE id=? AND attempt_count=?`, nullable(req.CycleID), req.At, existing.ID, existing.AttemptCount)
	if err != nil {
		return Reservation{}, fmt.Errorf("retry execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Reservation{Outcome: Contended, Execution: existing}, nil
	}
	ex, err := s.Peek(ctx, req.IdempotencyKey)
	if err != nil {
		return Reservation{}, err
	}
	return Reservation{Outcome: Retried, Execution: ex}, nil
}

func (s SQLiteStore) Complete(ctx context.Context, id, status string, result map[string]any, lastError, at string) error {
	if !validTerminal(status) {
		return fmt.Errorf("invalid terminal status %q", status)
	}
	var resultJSON any
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		resultJSON = string(data)
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE action_executions SET status=?, result_json=?, last_error=?, updated_at=? WHERE id=?`,
		status, resultJSON, nullable(TruncateError(lastError)), at, id)
	if err != nil {
		return fmt.Errorf("complete execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s SQLiteStore) List(ctx context.Context, f Filter) ([]domain.ActionExecution, error) {
	var (
		where []string
		args  []any
	)
	if f.BoundaryOrganismID != "" {
		where = append(where, "boundary_organism_id=?")
		args = append(args, f.BoundaryOrganismID)
	}
	if f.ActionOrganismID != "" {
		where = append(where, "action_organism_id=?")
		args = append(args, f.ActionOrganismID)
	}
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + executionColumns + ` FROM action_executions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActionExecution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ex)
	}
	return res, rows.Err()
}

func (s SQLiteStore) AppendRuntimeLog(ctx context.Context, e domain.RuntimeLogEntry) error {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal runtime log payload: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO regulator_runtime_log(id,cycle_id,stage,boundary_organism_id,action_organism_id,execution_id,payload_json,occurred_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.CycleID, e.Stage, nullable(e.BoundaryOrganismID), nullable(e.ActionOrganismID), nullable(e.ExecutionID), string(data), e.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert runtime log: %w", err)
	}
	return nil
}

// ListRuntimeLog returns entries in write order, optionally for one cycle.
func (s SQLiteStore) ListRuntimeLog(ctx context.Context, cycleID string, limit int) ([]domain.RuntimeLogEntry, error) {
	query := `SELECT id,cycle_id,stage,COALESCE(boundary_organism_id,''),COALESCE(action_organism_id,''),COALESCE(execution_id,''),payload_json,occurred_at
		FROM regulator_runtime_log`
	var args []any
	if cycleID != "" {
		query += ` WHERE cycle_id=?`
		args = append(args, cycleID)
	}
	query += ` ORDER BY id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RuntimeLogEntry
	for rows.Next() {
		var e domain.RuntimeLogEntry
		var payload string
		if err := rows.Scan(&e.ID, &e.CycleID, &e.Stage, &e.BoundaryOrganismID, &e.ActionOrganismID, &e.ExecutionID, &payload, &e.OccurredAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("decode runtime log %s: %w", e.ID, err)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
