package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"homeostat/internal/domain"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append records a domain event. Callers pass the open transaction so the
// event commits together with the change it describes.
func (w Writer) Append(ctx context.Context, tx execer, evtType, organismID, actorID string, payload EventPayload) (domain.DomainEvent, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.DomainEvent{}, fmt.Errorf("marshal event payload: %w", err)
	}
	evt := domain.DomainEvent{
		ID:         ulid.Make().String(),
		Type:       evtType,
		OrganismID: organismID,
		ActorID:    actorID,
		OccurredAt: domain.FormatTime(w.Now()),
		Payload:    payload,
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(id,type,organism_id,actor_id,occurred_at,payload_json) VALUES (?,?,?,?,?,?)`,
		evt.ID, evt.Type, nullable(organismID), actorID, evt.OccurredAt, string(data))
	if err != nil {
		return domain.DomainEvent{}, fmt.Errorf("insert event: %w", err)
	}
	return evt, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
