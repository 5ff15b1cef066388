package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"homeostat/internal/domain"
	"homeostat/internal/engine/auth"
	"homeostat/internal/engine/evaluation"
	"homeostat/internal/events"
	"homeostat/internal/repo"
)

type OpenProposalOptions struct {
	OrganismID string
	Mutation   domain.Mutation
	ActorID    string
}

// OpenProposal records a mutation request against an organism. Anyone who
// can view the organism can propose.
func (e Engine) OpenProposal(ctx context.Context, opts OpenProposalOptions) (domain.Proposal, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()
	r := e.Repo.WithTx(tx)

	if err := e.access(r).Require(ctx, opts.ActorID, opts.OrganismID, auth.ActionOpenProposal); err != nil {
		return domain.Proposal{}, err
	}
	if err := e.validateMutation(ctx, r, opts.OrganismID, opts.Mutation); err != nil {
		return domain.Proposal{}, err
	}
	m := opts.Mutation
	if len(m.Payload) > 0 {
		m.Payload = compactJSON(m.Payload)
	}
	p := domain.Proposal{
		ID:         uuid.NewString(),
		OrganismID: opts.OrganismID,
		Mutation:   m,
		Status:     domain.ProposalOpen,
		ProposedBy: opts.ActorID,
		CreatedAt:  domain.FormatTime(e.now()),
	}
	if err := r.InsertProposal(ctx, p); err != nil {
		return domain.Proposal{}, fmt.Errorf("insert proposal: %w", err)
	}
	if _, err := e.events().Append(ctx, tx, domain.EventProposalOpened, p.OrganismID, opts.ActorID, events.EventPayload{
		"proposal_id": p.ID,
		"kind":        m.Kind,
	}); err != nil {
		return domain.Proposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, err
	}
	return p, nil
}

func (e Engine) validateMutation(ctx context.Context, r repo.Repo, organismID string, m domain.Mutation) error {
	switch m.Kind {
	case domain.MutationAppendState:
		return e.Types.Validate(m.ContentTypeID, m.Payload)
	case domain.MutationCompose:
		if m.ChildID == "" {
			return fmt.Errorf("%w: compose needs a child", ErrInvalidMutation)
		}
		if m.ChildID == organismID {
			return fmt.Errorf("%w: %s cannot contain itself", ErrCompositionCycle, organismID)
		}
		if _, err := r.GetOrganism(ctx, m.ChildID); err != nil {
			return fmt.Errorf("child %s: %w", m.ChildID, err)
		}
		return nil
	case domain.MutationDecompose:
		if m.ChildID == "" {
			return fmt.Errorf("%w: decompose needs a child", ErrInvalidMutation)
		}
		edge, err := r.ParentOf(ctx, m.ChildID)
		if errors.Is(err, repo.ErrNotFound) || (err == nil && edge.ParentID != organismID) {
			return fmt.Errorf("%w: %s is not a child of %s", ErrInvalidMutation, m.ChildID, organismID)
		}
		return err
	case domain.MutationChangeVisibility:
		return validateVisibility(m.Visibility)
	}
	return fmt.Errorf("%w: unknown kind %q", ErrInvalidMutation, m.Kind)
}

// EvaluateProposal runs the organism's policies without resolving anything.
func (e Engine) EvaluateProposal(ctx context.Context, proposalID string) (evaluation.Outcome, error) {
	p, err := e.Repo.GetProposal(ctx, proposalID)
	if err != nil {
		return evaluation.Outcome{}, err
	}
	return e.evaluator(e.Repo).Evaluate(ctx, p)
}

// IntegrateProposal applies an open proposal when the actor holds integration
// authority and every policy passes. On a policy decline the proposal stays
// open and PolicyDeclinedError is returned.
func (e Engine) IntegrateProposal(ctx context.Context, proposalID, actorID string) (domain.Proposal, evaluation.Outcome, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, evaluation.Outcome{}, err
	}
	defer tx.Rollback()
	r := e.Repo.WithTx(tx)

	p, err := r.GetProposal(ctx, proposalID)
	if err != nil {
		return domain.Proposal{}, evaluation.Outcome{}, err
	}
	if p.Status != domain.ProposalOpen {
		return p, evaluation.Outcome{}, fmt.Errorf("%w: %s is %s", ErrProposalResolved, p.ID, p.Status)
	}
	if err := e.access(r).Require(ctx, actorID, p.OrganismID, auth.ActionIntegrateProposal); err != nil {
		return p, evaluation.Outcome{}, err
	}
	outcome, err := e.evaluator(r).Evaluate(ctx, p)
	if err != nil {
		return p, evaluation.Outcome{}, err
	}
	if !outcome.Passed {
		return p, outcome, PolicyDeclinedError{ProposalID: p.ID, Results: outcome.Results}
	}
	if err := e.applyMutation(ctx, tx, r, p, actorID); err != nil {
		return p, outcome, err
	}
	now := domain.FormatTime(e.now())
	if err := r.ResolveProposal(ctx, p.ID, domain.ProposalIntegrated, actorID, "", now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return p, outcome, fmt.Errorf("%w: %s", ErrProposalResolved, p.ID)
		}
		return p, outcome, err
	}
	if _, err := e.events().Append(ctx, tx, domain.EventProposalIntegrated, p.OrganismID, actorID, events.EventPayload{
		"proposal_id": p.ID,
		"kind":        p.Mutation.Kind,
	}); err != nil {
		return p, outcome, err
	}
	if err := tx.Commit(); err != nil {
		return p, outcome, err
	}
	p.Status = domain.ProposalIntegrated
	p.ResolvedBy = &actorID
	p.ResolvedAt = &now
	return p, outcome, nil
}

func (e Engine) applyMutation(ctx context.Context, tx *sql.Tx, r repo.Repo, p domain.Proposal, actorID string) error {
	m := p.Mutation
	switch m.Kind {
	case domain.MutationAppendState:
		_, err := e.appendState(ctx, tx, r, p.OrganismID, m.ContentTypeID, m.Payload, p.ProposedBy)
		return err
	case domain.MutationCompose:
		_, err := e.compose(ctx, tx, r, ComposeOptions{ParentID: p.OrganismID, ChildID: m.ChildID, Position: m.Position, ActorID: actorID})
		return err
	case domain.MutationDecompose:
		return e.decompose(ctx, tx, r, p.OrganismID, m.ChildID, actorID)
	case domain.MutationChangeVisibility:
		_, err := e.changeVisibility(ctx, tx, r, p.OrganismID, m.Visibility, actorID)
		return err
	}
	return fmt.Errorf("%w: unknown kind %q", ErrInvalidMutation, m.Kind)
}

// DeclineProposal closes an open proposal without applying it.
func (e Engine) DeclineProposal(ctx context.Context, proposalID, actorID, reason string) (domain.Proposal, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()
	r := e.Repo.WithTx(tx)

	p, err := r.GetProposal(ctx, proposalID)
	if err != nil {
		return domain.Proposal{}, err
	}
	if p.Status != domain.ProposalOpen {
		return p, fmt.Errorf("%w: %s is %s", ErrProposalResolved, p.ID, p.Status)
	}
	if err := e.access(r).Require(ctx, actorID, p.OrganismID, auth.ActionDeclineProposal); err != nil {
		return p, err
	}
	now := domain.FormatTime(e.now())
	if err := r.ResolveProposal(ctx, p.ID, domain.ProposalDeclined, actorID, reason, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return p, fmt.Errorf("%w: %s", ErrProposalResolved, p.ID)
		}
		return p, err
	}
	if _, err := e.events().Append(ctx, tx, domain.EventProposalDeclined, p.OrganismID, actorID, events.EventPayload{
		"proposal_id": p.ID,
		"reason":      reason,
	}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	p.Status = domain.ProposalDeclined
	p.ResolvedBy = &actorID
	p.ResolvedAt = &now
	p.DeclineReason = reason
	return p, nil
}

func (e Engine) GetProposal(ctx context.Context, id string) (domain.Proposal, error) {
	return e.Repo.GetProposal(ctx, id)
}

func (e Engine) ListProposals(ctx context.Context, organismID, status string) ([]domain.Proposal, error) {
	return e.Repo.ListProposals(ctx, repo.ProposalFilter{OrganismID: organismID, Status: status})
}
