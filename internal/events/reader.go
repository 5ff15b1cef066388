package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"homeostat/internal/domain"
)

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type Reader struct {
	DB querier
}

type Filter struct {
	OrganismID string
	Type       string
	Limit      int
}

// Find returns events in occurrence order.
func (r Reader) Find(ctx context.Context, f Filter) ([]domain.DomainEvent, error) {
	query := `SELECT id,type,COALESCE(organism_id,''),actor_id,occurred_at,payload_json FROM events WHERE 1=1`
	var args []any
	if f.OrganismID != "" {
		query += ` AND organism_id=?`
		args = append(args, f.OrganismID)
	}
	if f.Type != "" {
		query += ` AND type=?`
		args = append(args, f.Type)
	}
	query += ` ORDER BY occurred_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DomainEvent
	for rows.Next() {
		var e domain.DomainEvent
		var payload string
		if err := rows.Scan(&e.ID, &e.Type, &e.OrganismID, &e.ActorID, &e.OccurredAt, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", e.ID, err)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// FindByOrganismID returns every event recorded against organismID.
func (r Reader) FindByOrganismID(ctx context.Context, organismID string) ([]domain.DomainEvent, error) {
	return r.Find(ctx, Filter{OrganismID: organismID})
}
