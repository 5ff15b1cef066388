package repo

import (
	"context"
	"database/sql"
	"errors"

	"homeostat/internal/domain"
)

// InsertRelationship is idempotent on (user, organism, type).
func (r Repo) InsertRelationship(ctx context.Context, rel domain.Relationship) error {
	_, err := r.q().ExecContext(ctx, `INSERT OR IGNORE INTO relationships(id,type,user_id,organism_id,role,created_at) VALUES (?,?,?,?,?,?)`,
		rel.ID, rel.Type, rel.UserID, rel.OrganismID, nullable(rel.Role), rel.CreatedAt)
	return err
}

// RelationshipsFor returns every relationship userID holds on organismID.
func (r Repo) RelationshipsFor(ctx context.Context, userID, organismID string) ([]domain.Relationship, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT id,type,user_id,organism_id,COALESCE(role,''),created_at FROM relationships
		WHERE user_id=? AND organism_id=? ORDER BY created_at, id`, userID, organismID)
	if err != nil {
		return nil, err
	}
	return scanRelationships(rows)
}

func (r Repo) ListRelationships(ctx context.Context, organismID string) ([]domain.Relationship, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT id,type,user_id,organism_id,COALESCE(role,''),created_at FROM relationships
		WHERE organism_id=? ORDER BY created_at, id`, organismID)
	if err != nil {
		return nil, err
	}
	return scanRelationships(rows)
}

func scanRelationships(rows *sql.Rows) ([]domain.Relationship, error) {
	defer rows.Close()
	var res []domain.Relationship
	for rows.Next() {
		var rel domain.Relationship
		if err := rows.Scan(&rel.ID, &rel.Type, &rel.UserID, &rel.OrganismID, &rel.Role, &rel.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, rel)
	}
	return res, rows.Err()
}

func (r Repo) UpsertVisibility(ctx context.Context, v domain.VisibilityRecord) error {
	_, err := r.q().ExecContext(ctx, `INSERT INTO visibility(organism_id,level,updated_at) VALUES (?,?,?)
		ON CONFLICT(organism_id) DO UPDATE SET level=excluded.level, updated_at=excluded.updated_at`,
		v.OrganismID, v.Level, v.UpdatedAt)
	return err
}

// GetVisibility returns ErrNotFound when the organism has no record.
func (r Repo) GetVisibility(ctx context.Context, organismID string) (domain.VisibilityRecord, error) {
	var v domain.VisibilityRecord
	err := r.q().QueryRowContext(ctx, `SELECT organism_id,level,updated_at FROM visibility WHERE organism_id=?`, organismID).
		Scan(&v.OrganismID, &v.Level, &v.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return v, ErrNotFound
	}
	return v, err
}
