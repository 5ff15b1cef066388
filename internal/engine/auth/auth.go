// Package auth decides whether a user may act on an organism. Authority comes
// from visibility, direct relationships, and community membership found by
// walking composition parents.
package auth

import (
	"context"
	"errors"
	"fmt"

	"homeostat/internal/contenttype"
	"homeostat/internal/domain"
	"homeostat/internal/repo"
)

const (
	ActionView              = "view"
	ActionOpenProposal      = "open-proposal"
	ActionAppendState       = "append-state"
	ActionCompose           = "compose"
	ActionDecompose         = "decompose"
	ActionChangeVisibility  = "change-visibility"
	ActionIntegrateProposal = "integrate-proposal"
	ActionDeclineProposal   = "decline-proposal"
	ActionGrantRelationship = "grant-relationship"
)

// Actions lists every action the resolver understands.
var Actions = []string{
	ActionView, ActionOpenProposal, ActionAppendState, ActionCompose, ActionDecompose,
	ActionChangeVisibility, ActionIntegrateProposal, ActionDeclineProposal, ActionGrantRelationship,
}

var ErrUnknownAction = errors.New("unknown access action")

// ForbiddenError indicates a denied access check.
type ForbiddenError struct {
	Action     string
	OrganismID string
	Reason     string
}

func (e ForbiddenError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s on %s not allowed", e.Action, e.OrganismID)
	}
	return fmt.Sprintf("%s on %s not allowed: %s", e.Action, e.OrganismID, e.Reason)
}

type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func allow(reason string) Decision { return Decision{Allowed: true, Reason: reason} }
func deny(reason string) Decision  { return Decision{Allowed: false, Reason: reason} }

// Resolver answers access checks from the store. Bind Repo to the caller's
// transaction when checking inside one.
type Resolver struct {
	Repo repo.Repo
}

// Require runs Check and turns a denial into ForbiddenError.
func (r Resolver) Require(ctx context.Context, userID, organismID, action string) error {
	d, err := r.Check(ctx, userID, organismID, action)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return ForbiddenError{Action: action, OrganismID: organismID, Reason: d.Reason}
	}
	return nil
}

// Check reports whether userID may perform action on organismID. For
// compose and decompose, organismID is the parent of the edge.
func (r Resolver) Check(ctx context.Context, userID, organismID, action string) (Decision, error) {
	org, err := r.Repo.GetOrganism(ctx, organismID)
	if err != nil {
		return Decision{}, err
	}
	switch action {
	case ActionView, ActionOpenProposal:
		return r.view(ctx, userID, org)
	case ActionAppendState:
		if !org.OpenTrunk {
			return deny("organism is not open-trunk; open a proposal instead"), nil
		}
		return r.view(ctx, userID, org)
	case ActionIntegrateProposal, ActionDeclineProposal, ActionCompose, ActionDecompose:
		return r.integrationAuthority(ctx, userID, org)
	case ActionChangeVisibility:
		if org.CreatedBy == userID {
			return allow("steward"), nil
		}
		return deny("only the steward may change visibility"), nil
	case ActionGrantRelationship:
		if org.CreatedBy == userID {
			return allow("steward"), nil
		}
		founder, err := r.isFounder(ctx, userID, org.ID)
		if err != nil {
			return Decision{}, err
		}
		if founder {
			return allow("founder"), nil
		}
		return deny("only the steward or a founder may grant relationships"), nil
	default:
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
}

// Visibility returns the organism's level; a missing record means public.
func (r Resolver) Visibility(ctx context.Context, organismID string) (string, error) {
	v, err := r.Repo.GetVisibility(ctx, organismID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.VisibilityPublic, nil
	}
	if err != nil {
		return "", err
	}
	return v.Level, nil
}

func (r Resolver) view(ctx context.Context, userID string, org domain.Organism) (Decision, error) {
	level, err := r.Visibility(ctx, org.ID)
	if err != nil {
		return Decision{}, err
	}
	if level == domain.VisibilityPublic {
		return allow("public"), nil
	}
	if org.CreatedBy == userID {
		return allow("steward"), nil
	}
	rels, err := r.Repo.RelationshipsFor(ctx, userID, org.ID)
	if err != nil {
		return Decision{}, err
	}
	if len(rels) > 0 {
		return allow("relationship on organism"), nil
	}
	if level == domain.VisibilityPrivate {
		return deny("organism is private"), nil
	}
	community, found, err := r.nearestCommunity(ctx, org.ID)
	if err != nil {
		return Decision{}, err
	}
	if !found {
		return deny("members-only organism has no community ancestor"), nil
	}
	member, err := r.hasRelationship(ctx, userID, community, domain.RelationshipMembership, "")
	if err != nil {
		return Decision{}, err
	}
	if member {
		return allow("member of community " + community), nil
	}
	return deny("not a member of community " + community), nil
}

func (r Resolver) integrationAuthority(ctx context.Context, userID string, org domain.Organism) (Decision, error) {
	if org.CreatedBy == userID {
		return allow("steward"), nil
	}
	ok, err := r.hasRelationship(ctx, userID, org.ID, domain.RelationshipIntegrationAuthority, "")
	if err != nil {
		return Decision{}, err
	}
	if ok {
		return allow("integration authority"), nil
	}
	founder, err := r.isFounder(ctx, userID, org.ID)
	if err != nil {
		return Decision{}, err
	}
	if founder {
		return allow("founder"), nil
	}
	parent, err := r.Repo.ParentOf(ctx, org.ID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return Decision{}, err
	}
	if err == nil {
		founder, err := r.isFounder(ctx, userID, parent.ParentID)
		if err != nil {
			return Decision{}, err
		}
		if founder {
			return allow("founder of parent " + parent.ParentID), nil
		}
	}
	return deny("requires steward, integration authority, or founder of the direct parent"), nil
}

func (r Resolver) isFounder(ctx context.Context, userID, organismID string) (bool, error) {
	return r.hasRelationship(ctx, userID, organismID, domain.RelationshipMembership, domain.RoleFounder)
}

func (r Resolver) hasRelationship(ctx context.Context, userID, organismID, relType, role string) (bool, error) {
	rels, err := r.Repo.RelationshipsFor(ctx, userID, organismID)
	if err != nil {
		return false, err
	}
	for _, rel := range rels {
		if rel.Type != relType {
			continue
		}
		if role == "" || rel.Role == role {
			return true, nil
		}
	}
	return false, nil
}

// nearestCommunity walks from organismID up through composition parents and
// returns the first organism whose current state is a community.
func (r Resolver) nearestCommunity(ctx context.Context, organismID string) (string, bool, error) {
	seen := map[string]bool{}
	id := organismID
	for id != "" && !seen[id] {
		seen[id] = true
		st, err := r.Repo.CurrentState(ctx, id)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return "", false, err
		}
		if err == nil && st.ContentTypeID == contenttype.TypeCommunity {
			return id, true, nil
		}
		parent, err := r.Repo.ParentOf(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			return "", false, nil
		}
		if err != nil {
			return "", false, err
		}
		id = parent.ParentID
	}
	return "", false, nil
}
