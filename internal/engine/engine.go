package engine

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"homeostat/internal/contenttype"
	"homeostat/internal/domain"
	"homeostat/internal/engine/auth"
	"homeostat/internal/engine/evaluation"
	"homeostat/internal/events"
	"homeostat/internal/metrics"
	"homeostat/internal/repo"
)

// Engine is the organism core: every mutation runs in its own transaction
// and records a domain event alongside the change.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Types   *contenttype.Registry
	Metrics *metrics.EvaluationMetrics
	Now     func() time.Time
}

func New(db *sql.DB, types *contenttype.Registry) Engine {
	if types == nil {
		types = contenttype.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Types:  types,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) access(r repo.Repo) auth.Resolver {
	return auth.Resolver{Repo: r}
}

func (e Engine) evaluator(r repo.Repo) evaluation.Engine {
	return evaluation.Engine{Repo: r, Types: e.Types, Metrics: e.Metrics, Now: e.now}
}

// CreateOrganismOptions are parameters for originating an organism with its first state.
type CreateOrganismOptions struct {
	ID            string
	Name          string
	ContentTypeID string
	Payload       json.RawMessage
	OpenTrunk     bool
	Visibility    string
	ForkedFromID  string
	ActorID       string
}

// CreateOrganism stores the organism, its state #1, its visibility record
// and the creator's stewardship relationship.
func (e Engine) CreateOrganism(ctx context.Context, opts CreateOrganismOptions) (domain.Organism, domain.State, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Organism{}, domain.State{}, errors.New("name is required")
	}
	if opts.ActorID == "" {
		return domain.Organism{}, domain.State{}, errors.New("actor is required")
	}
	if err := e.Types.Validate(opts.ContentTypeID, opts.Payload); err != nil {
		return domain.Organism{}, domain.State{}, err
	}
	if opts.Visibility == "" {
		opts.Visibility = domain.VisibilityPublic
	}
	if err := validateVisibility(opts.Visibility); err != nil {
		return domain.Organism{}, domain.State{}, err
	}
	now := domain.FormatTime(e.now())
	o := domain.Organism{
		ID:           opts.ID,
		Name:         opts.Name,
		CreatedBy:    opts.ActorID,
		OpenTrunk:    opts.OpenTrunk,
		ForkedFromID: optionalString(opts.ForkedFromID),
		CreatedAt:    now,
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Organism{}, domain.State{}, err
	}
	defer tx.Rollback()
	r := e.Repo.WithTx(tx)

	if o.ForkedFromID != nil {
		if _, err := r.GetOrganism(ctx, *o.ForkedFromID); err != nil {
			return domain.Organism{}, domain.State{}, fmt.Errorf("forked from %s: %w", *o.ForkedFromID, err)
		}
	}
	if err := r.InsertOrganism(ctx, o); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Organism{}, domain.State{}, fmt.Errorf("%w: organism %s exists", ErrConflict, o.ID)
		}
		return domain.Organism{}, domain.State{}, fmt.Errorf("insert organism: %w", err)
	}
	st := domain.State{
		ID:             uuid.NewString(),
		OrganismID:     o.ID,
		ContentTypeID:  opts.ContentTypeID,
		Payload:        compactJSON(opts.Payload),
		SequenceNumber: 1,
		CreatedBy:      opts.ActorID,
		CreatedAt:      now,
	}
	if err := r.InsertState(ctx, st); err != nil {
		return domain.Organism{}, domain.State{}, err
	}
	if err := r.UpsertVisibility(ctx, domain.VisibilityRecord{OrganismID: o.ID, Level: opts.Visibility, UpdatedAt: now}); err != nil {
		return domain.Organism{}, domain.State{}, fmt.Errorf("insert visibility: %w", err)
	}
	steward := domain.Relationship{
		ID:         uuid.NewString(),
		Type:       domain.RelationshipStewardship,
		UserID:     opts.ActorID,
		OrganismID: o.ID,
		CreatedAt:  now,
	}
	if err := r.InsertRelationship(ctx, steward); err != nil {
		return domain.Organism{}, domain.State{}, fmt.Errorf("insert stewardship: %w", err)
	}
	if _, err := e.events().Append(ctx, tx, domain.EventOrganismCreated, o.ID, opts.ActorID, events.EventPayload{
		"name":            o.Name,
		"content_type_id": st.ContentTypeID,
		"open_trunk":      o.OpenTrunk,
		"visibility":      opts.Visibility,
	}); err != nil {
		return domain.Organism{}, domain.State{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Organism{}, domain.State{}, err
	}
	return o, st, nil
}

// AppendStateOptions are parameters for a direct state append.
type AppendStateOptions struct {
	OrganismID    string
	ContentTypeID string
	Payload       json.RawMessage
	ActorID       string
}

// AppendState adds a state to an open-trunk organism without a proposal.
func (e Engine) AppendState(ctx context.Context, opts AppendStateOptions) (domain.State, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.State{}, err
	}
	defer tx.Rollback()
	r := e.Repo.WithTx(tx)

	o, err := r.GetOrganism(ctx, opts.OrganismID)
	if err != nil {
		return domain.State{}, err
	}
	if !o.OpenTrunk {
		return domain.State{}, fmt.Errorf("%w: %s", ErrNotOpenTrunk, o.ID)
	}
	if err := e.access(r).Require(ctx, opts.ActorID, o.ID, auth.ActionAppendState); err != nil {
		return domain.State{}, err
	}
	st, err := e.appendState(ctx, tx, r, o.ID, opts.ContentTypeID, opts.Payload, opts.ActorID)
	if err != nil {
		return domain.State{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.State{}, err
	}
	return st, nil
}

func (e Engine) appendState(ctx context.Context, tx *sql.Tx, r repo.Repo, organismID, contentTypeID string, payload json.RawMessage, actorID string) (domain.State, error) {
	if err := e.Types.Validate(contentTypeID, payload); err != nil {
		return domain.State{}, err
	}
	st := domain.State{
		ID:             uuid.NewString(),
		OrganismID:     organismID,
		ContentTypeID:  contentTypeID,
		Payload:        compactJSON(payload),
		SequenceNumber: 1,
		CreatedBy:      actorID,
		CreatedAt:      domain.FormatTime(e.now()),
	}
	cur, err := r.CurrentState(ctx, organismID)
	switch {
	case err == nil:
		st.SequenceNumber = cur.SequenceNumber + 1
		st.ParentStateID = &cur.ID
	case !errors.Is(err, repo.ErrNotFound):
		return domain.State{}, err
	}
	if err := r.InsertState(ctx, st); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.State{}, fmt.Errorf("%w: state %d of %s already exists", ErrConflict, st.SequenceNumber, organismID)
		}
		return domain.State{}, err
	}
	if _, err := e.events().Append(ctx, tx, domain.EventStateAppended, organismID, actorID, events.EventPayload{
		"state_id":        st.ID,
		"content_type_id": st.ContentTypeID,
		"sequence_number": st.SequenceNumber,
	}); err != nil {
		return domain.State{}, err
	}
	return st, nil
}

// ComposeOptions describe a new parent-child edge.
type ComposeOptions struct {
	ParentID string
	ChildID  string
	Position *int
	ActorID  string
}

func (e Engine) Compose(ctx context.Context, opts ComposeOptions) (domain.Composition, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Composition{}, err
	}
	defer tx.Rollback()
	r := e.Repo.WithTx(tx)

	if err := e.access(r).Require(ctx, opts.ActorID, opts.ParentID, auth.ActionCompose); err != nil {
		return domain.Composition{}, err
	}
	c, err := e.compose(ctx, tx, r, opts)
	if err != nil {
		return domain.Composition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Composition{}, err
	}
	return c, nil
}

func (e Engine) compose(ctx context.Context, tx *sql.Tx, r repo.Repo, opts ComposeOptions) (domain.Composition, error) {
	if opts.ParentID == opts.ChildID {
		return domain.Composition{}, fmt.Errorf("%w: %s cannot contain itself", ErrCompositionCycle, opts.ParentID)
	}
	if _, err := r.GetOrganism(ctx, opts.ChildID); err != nil {
		return domain.Composition{}, fmt.Errorf("child %s: %w", opts.ChildID, err)
	}
	if existing, err := r.ParentOf(ctx, opts.ChildID); err == nil {
		return domain.Composition{}, fmt.Errorf("%w: %s is already composed into %s", ErrConflict, opts.ChildID, existing.ParentID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Composition{}, err
	}
	if err := ensureNoCycle(ctx, r, opts.ParentID, opts.ChildID); err != nil {
		return domain.Composition{}, err
	}
	c := domain.Composition{
		ParentID:   opts.ParentID,
		ChildID:    opts.ChildID,
		Position:   opts.Position,
		ComposedAt: domain.FormatTime(e.now()),
		ComposedBy: opts.ActorID,
	}
	if err := r.InsertComposition(ctx, c); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Composition{}, fmt.Errorf("%w: %s is already composed", ErrConflict, opts.ChildID)
		}
		return domain.Composition{}, fmt.Errorf("insert composition: %w", err)
	}
	payload := events.EventPayload{"child_id": c.ChildID}
	if c.Position != nil {
		payload["position"] = *c.Position
	}
	if _, err := e.events().Append(ctx, tx, domain.EventOrganismComposed, c.ParentID, opts.ActorID, payload); err != nil {
		return domain.Composition{}, err
	}
	return c, nil
}

// ensureNoCycle climbs the parent chain from parentID and fails if childID is on it.
func ensureNoCycle(ctx context.Context, r repo.Repo, parentID, childID string) error {
	seen := map[string]bool{}
	cur := parentID
	for cur != "" && !seen[cur] {
		seen[cur] = true
		edge, err := r.ParentOf(ctx, cur)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if edge.ParentID == childID {
			return fmt.Errorf("%w: %s is an ancestor of %s", ErrCompositionCycle, childID, parentID)
		}
		cur = edge.ParentID
	}
	return nil
}

func (e Engine) Decompose(ctx context.Context, parentID, childID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	r := e.Repo.WithTx(tx)

	if err := e.access(r).Require(ctx, actorID, parentID, auth.ActionDecompose); err != nil {
		return err
	}
	if err := e.decompose(ctx, tx, r, parentID, childID, actorID); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) decompose(ctx context.Context, tx *sql.Tx, r repo.Repo, parentID, childID, actorID string) error {
	if err := r.DeleteComposition(ctx, parentID, childID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%s is not a child of %s: %w", childID, parentID, err)
		}
		return err
	}
	_, err := e.events().Append(ctx, tx, domain.EventOrganismDecomposed, parentID, actorID, events.EventPayload{"child_id": childID})
	return err
}

func (e Engine) ChangeVisibility(ctx context.Context, organismID, level, actorID string) (domain.VisibilityRecord, error) {
	if err := validateVisibility(level); err != nil {
		return domain.VisibilityRecord{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.VisibilityRecord{}, err
	}
	defer tx.Rollback()
	r := e.Repo.WithTx(tx)

	if err := e.access(r).Require(ctx, actorID, organismID, auth.ActionChangeVisibility); err != nil {
		return domain.VisibilityRecord{}, err
	}
	v, err := e.changeVisibility(ctx, tx, r, organismID, level, actorID)
	if err != nil {
		return domain.VisibilityRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.VisibilityRecord{}, err
	}
	return v, nil
}

func (e Engine) changeVisibility(ctx context.Context, tx *sql.Tx, r repo.Repo, organismID, level, actorID string) (domain.VisibilityRecord, error) {
	v := domain.VisibilityRecord{OrganismID: organismID, Level: level, UpdatedAt: domain.FormatTime(e.now())}
	if err := r.UpsertVisibility(ctx, v); err != nil {
		return v, fmt.Errorf("update visibility: %w", err)
	}
	_, err := e.events().Append(ctx, tx, domain.EventVisibilityChanged, organismID, actorID, events.EventPayload{"level": level})
	return v, err
}

// GrantRelationshipOptions describe a membership or authority grant.
type GrantRelationshipOptions struct {
	OrganismID string
	UserID     string
	Type       string
	Role       string
	ActorID    string
}

func (e Engine) GrantRelationship(ctx context.Context, opts GrantRelationshipOptions) (domain.Relationship, error) {
	switch opts.Type {
	case domain.RelationshipMembership, domain.RelationshipIntegrationAuthority:
	case domain.RelationshipStewardship:
		return domain.Relationship{}, errors.New("stewardship is created with the organism and cannot be granted")
	default:
		return domain.Relationship{}, fmt.Errorf("unknown relationship type %q", opts.Type)
	}
	if opts.UserID == "" {
		return domain.Relationship{}, errors.New("user is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Relationship{}, err
	}
	defer tx.Rollback()
	r := e.Repo.WithTx(tx)

	if err := e.access(r).Require(ctx, opts.ActorID, opts.OrganismID, auth.ActionGrantRelationship); err != nil {
		return domain.Relationship{}, err
	}
	rel := domain.Relationship{
		ID:         uuid.NewString(),
		Type:       opts.Type,
		UserID:     opts.UserID,
		OrganismID: opts.OrganismID,
		Role:       opts.Role,
		CreatedAt:  domain.FormatTime(e.now()),
	}
	if err := r.InsertRelationship(ctx, rel); err != nil {
		return domain.Relationship{}, fmt.Errorf("insert relationship: %w", err)
	}
	if _, err := e.events().Append(ctx, tx, domain.EventRelationshipGranted, opts.OrganismID, opts.ActorID, events.EventPayload{
		"user_id": rel.UserID,
		"type":    rel.Type,
		"role":    rel.Role,
	}); err != nil {
		return domain.Relationship{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Relationship{}, err
	}
	return rel, nil
}

// ObservationOptions describe one sampled metric value on an organism.
type ObservationOptions struct {
	OrganismID string
	Metric     string
	Value      float64
	SampledAt  *time.Time
	ActorID    string
}

// RecordObservation publishes an organism.observed event. Sensors read
// nothing else.
func (e Engine) RecordObservation(ctx context.Context, opts ObservationOptions) (domain.DomainEvent, error) {
	if strings.TrimSpace(opts.Metric) == "" {
		return domain.DomainEvent{}, errors.New("metric is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DomainEvent{}, err
	}
	defer tx.Rollback()
	r := e.Repo.WithTx(tx)

	if err := e.access(r).Require(ctx, opts.ActorID, opts.OrganismID, auth.ActionView); err != nil {
		return domain.DomainEvent{}, err
	}
	payload := events.EventPayload{"metric": opts.Metric, "value": opts.Value}
	if opts.SampledAt != nil {
		payload["sampledAt"] = domain.FormatTime(*opts.SampledAt)
	}
	evt, err := e.events().Append(ctx, tx, domain.EventOrganismObserved, opts.OrganismID, opts.ActorID, payload)
	if err != nil {
		return domain.DomainEvent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.DomainEvent{}, err
	}
	return evt, nil
}

// CheckAccess answers an access question outside of any mutation.
func (e Engine) CheckAccess(ctx context.Context, userID, organismID, action string) (auth.Decision, error) {
	return e.access(e.Repo).Check(ctx, userID, organismID, action)
}

func (e Engine) GetOrganism(ctx context.Context, id string) (domain.Organism, error) {
	return e.Repo.GetOrganism(ctx, id)
}

func (e Engine) FindCurrentByOrganismID(ctx context.Context, organismID string) (domain.State, error) {
	return e.Repo.CurrentState(ctx, organismID)
}

func (e Engine) FindChildren(ctx context.Context, parentID string) ([]domain.Composition, error) {
	return e.Repo.Children(ctx, parentID)
}

// FindEvents reads the event log, optionally filtered by type.
func (e Engine) FindEvents(ctx context.Context, organismID, eventType string) ([]domain.DomainEvent, error) {
	return events.Reader{DB: e.DB}.Find(ctx, events.Filter{OrganismID: organismID, Type: eventType})
}

// --- helpers ---

func validateVisibility(level string) error {
	switch level {
	case domain.VisibilityPublic, domain.VisibilityMembers, domain.VisibilityPrivate:
		return nil
	}
	return fmt.Errorf("invalid visibility %q", level)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func compactJSON(in json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, in); err != nil {
		return in
	}
	return json.RawMessage(buf.Bytes())
}
