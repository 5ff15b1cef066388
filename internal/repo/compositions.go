package repo

import (
	"context"
	"database/sql"
	"errors"

	"homeostat/internal/domain"
)

const compositionColumns = `parent_id,child_id,position,composed_at,composed_by`

func scanComposition(s interface{ Scan(...any) error }) (domain.Composition, error) {
	var c domain.Composition
	var pos sql.NullInt64
	if err := s.Scan(&c.ParentID, &c.ChildID, &pos, &c.ComposedAt, &c.ComposedBy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, ErrNotFound
		}
		return c, err
	}
	if pos.Valid {
		p := int(pos.Int64)
		c.Position = &p
	}
	return c, nil
}

func (r Repo) InsertComposition(ctx context.Context, c domain.Composition) error {
	var pos any
	if c.Position != nil {
		pos = *c.Position
	}
	_, err := r.q().ExecContext(ctx, `INSERT INTO compositions(`+compositionColumns+`) VALUES (?,?,?,?,?)`,
		c.ParentID, c.ChildID, pos, c.ComposedAt, c.ComposedBy)
	return err
}

func (r Repo) DeleteComposition(ctx context.Context, parentID, childID string) error {
	res, err := r.q().ExecContext(ctx, `DELETE FROM compositions WHERE parent_id=? AND child_id=?`, parentID, childID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ParentOf returns the composition edge that has childID as child.
func (r Repo) ParentOf(ctx context.Context, childID string) (domain.Composition, error) {
	return scanComposition(r.q().QueryRowContext(ctx, `SELECT `+compositionColumns+` FROM compositions WHERE child_id=?`, childID))
}

// Children lists direct children ordered by position, unpositioned last.
func (r Repo) Children(ctx context.Context, parentID string) ([]domain.Composition, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT `+compositionColumns+` FROM compositions WHERE parent_id=?
		ORDER BY position IS NULL, position, composed_at, child_id`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Composition
	for rows.Next() {
		c, err := scanComposition(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// CompositionParents lists organisms that have at least one child.
func (r Repo) CompositionParents(ctx context.Context) ([]string, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT DISTINCT parent_id FROM compositions ORDER BY parent_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}
