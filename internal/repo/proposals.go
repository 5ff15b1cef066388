package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"homeostat/internal/domain"
)

const proposalColumns = `id,organism_id,mutation_json,status,proposed_by,resolved_by,decline_reason,created_at,resolved_at`

func scanProposal(s interface{ Scan(...any) error }) (domain.Proposal, error) {
	var p domain.Proposal
	var mutation string
	var resolvedBy, reason, resolvedAt sql.NullString
	if err := s.Scan(&p.ID, &p.OrganismID, &mutation, &p.Status, &p.ProposedBy, &resolvedBy, &reason, &p.CreatedAt, &resolvedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, ErrNotFound
		}
		return p, err
	}
	if err := json.Unmarshal([]byte(mutation), &p.Mutation); err != nil {
		return p, fmt.Errorf("decode mutation of proposal %s: %w", p.ID, err)
	}
	if resolvedBy.Valid {
		p.ResolvedBy = &resolvedBy.String
	}
	if resolvedAt.Valid {
		p.ResolvedAt = &resolvedAt.String
	}
	p.DeclineReason = reason.String
	return p, nil
}

func (r Repo) InsertProposal(ctx context.Context, p domain.Proposal) error {
	data, err := json.Marshal(p.Mutation)
	if err != nil {
		return fmt.Errorf("marshal mutation: %w", err)
	}
	_, err = r.q().ExecContext(ctx, `INSERT INTO proposals(`+proposalColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.OrganismID, string(data), p.Status, p.ProposedBy, nullablePtr(p.ResolvedBy), nullable(p.DeclineReason), p.CreatedAt, nullablePtr(p.ResolvedAt))
	return err
}

func (r Repo) GetProposal(ctx context.Context, id string) (domain.Proposal, error) {
	return scanProposal(r.q().QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id=?`, id))
}

// ResolveProposal moves an open proposal to a terminal status. It returns
// ErrNotFound when the proposal is missing or no longer open.
func (r Repo) ResolveProposal(ctx context.Context, id, status, resolvedBy, reason, resolvedAt string) error {
	res, err := r.q().ExecContext(ctx, `UPDATE proposals SET status=?, resolved_by=?, decline_reason=?, resolved_at=? WHERE id=? AND status='open'`,
		status, resolvedBy, nullable(reason), resolvedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type ProposalFilter struct {
	OrganismID string
	Status     string
	Limit      int
}

func (r Repo) ListProposals(ctx context.Context, f ProposalFilter) ([]domain.Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE 1=1`
	var args []any
	if f.OrganismID != "" {
		query += ` AND organism_id=?`
		args = append(args, f.OrganismID)
	}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
