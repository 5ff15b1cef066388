package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"homeostat/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Querier is the subset of *sql.DB and *sql.Tx the repo needs.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Repo struct {
	DB *sql.DB
	tx *sql.Tx
}

// WithTx returns a copy of the repo that runs every statement inside tx.
func (r Repo) WithTx(tx *sql.Tx) Repo {
	return Repo{DB: r.DB, tx: tx}
}

func (r Repo) q() Querier {
	if r.tx != nil {
		return r.tx
	}
	return r.DB
}

// IsUniqueViolation reports whether err comes from a UNIQUE constraint.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const organismColumns = `id,name,created_by,open_trunk,forked_from_id,created_at`

func scanOrganism(s interface{ Scan(...any) error }) (domain.Organism, error) {
	var o domain.Organism
	var forked sql.NullString
	var openTrunk int
	if err := s.Scan(&o.ID, &o.Name, &o.CreatedBy, &openTrunk, &forked, &o.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return o, ErrNotFound
		}
		return o, err
	}
	o.OpenTrunk = openTrunk == 1
	if forked.Valid {
		o.ForkedFromID = &forked.String
	}
	return o, nil
}

func (r Repo) InsertOrganism(ctx context.Context, o domain.Organism) error {
	_, err := r.q().ExecContext(ctx, `INSERT INTO organisms(`+organismColumns+`) VALUES (?,?,?,?,?,?)`,
		o.ID, o.Name, o.CreatedBy, boolInt(o.OpenTrunk), nullablePtr(o.ForkedFromID), o.CreatedAt)
	return err
}

func (r Repo) GetOrganism(ctx context.Context, id string) (domain.Organism, error) {
	return scanOrganism(r.q().QueryRowContext(ctx, `SELECT `+organismColumns+` FROM organisms WHERE id=?`, id))
}

func (r Repo) ListOrganisms(ctx context.Context, limit int) ([]domain.Organism, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.q().QueryContext(ctx, `SELECT `+organismColumns+` FROM organisms ORDER BY created_at, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Organism
	for rows.Next() {
		o, err := scanOrganism(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

const stateColumns = `id,organism_id,content_type_id,payload_json,sequence_number,parent_state_id,created_by,created_at`

func scanState(s interface{ Scan(...any) error }) (domain.State, error) {
	var st domain.State
	var payload string
	var parent sql.NullString
	if err := s.Scan(&st.ID, &st.OrganismID, &st.ContentTypeID, &payload, &st.SequenceNumber, &parent, &st.CreatedBy, &st.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return st, ErrNotFound
		}
		return st, err
	}
	st.Payload = json.RawMessage(payload)
	if parent.Valid {
		st.ParentStateID = &parent.String
	}
	return st, nil
}

func (r Repo) InsertState(ctx context.Context, st domain.State) error {
	_, err := r.q().ExecContext(ctx, `INSERT INTO states(`+stateColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		st.ID, st.OrganismID, st.ContentTypeID, string(st.Payload), st.SequenceNumber, nullablePtr(st.ParentStateID), st.CreatedBy, st.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert state: %w", err)
	}
	return nil
}

// CurrentState returns the state with the highest sequence number.
func (r Repo) CurrentState(ctx context.Context, organismID string) (domain.State, error) {
	return scanState(r.q().QueryRowContext(ctx, `SELECT `+stateColumns+` FROM states WHERE organism_id=? ORDER BY sequence_number DESC LIMIT 1`, organismID))
}

func (r Repo) ListStates(ctx context.Context, organismID string) ([]domain.State, error) {
	rows, err := r.q().QueryContext(ctx, `SELECT `+stateColumns+` FROM states WHERE organism_id=? ORDER BY sequence_number`, organismID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.State
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
