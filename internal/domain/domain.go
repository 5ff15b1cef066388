package domain

import (
	"encoding/json"
	"time"
)

// TimeLayout is fixed-width so stored timestamps sort lexicographically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in UTC using TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime accepts TimeLayout and any RFC3339 timestamp.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

type Organism struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	CreatedBy    string  `json:"created_by"`
	OpenTrunk    bool    `json:"open_trunk"`
	ForkedFromID *string `json:"forked_from_id,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type State struct {
	ID             string          `json:"id"`
	OrganismID     string          `json:"organism_id"`
	ContentTypeID  string          `json:"content_type_id"`
	Payload        json.RawMessage `json:"payload"`
	SequenceNumber int             `json:"sequence_number"`
	ParentStateID  *string         `json:"parent_state_id,omitempty"`
	CreatedBy      string          `json:"created_by"`
	CreatedAt      string          `json:"created_at" format:"date-time"`
}

type Composition struct {
	ParentID   string `json:"parent_id"`
	ChildID    string `json:"child_id"`
	Position   *int   `json:"position,omitempty"`
	ComposedAt string `json:"composed_at" format:"date-time"`
	ComposedBy string `json:"composed_by"`
}

const (
	MutationAppendState      = "append-state"
	MutationCompose          = "compose"
	MutationDecompose        = "decompose"
	MutationChangeVisibility = "change-visibility"
)

// Mutation is the change a proposal asks for. Only the fields relevant to Kind are set.
type Mutation struct {
	Kind          string          `json:"kind" enum:"append-state,compose,decompose,change-visibility"`
	ContentTypeID string          `json:"content_type_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	ChildID       string          `json:"child_id,omitempty"`
	Position      *int            `json:"position,omitempty"`
	Visibility    string          `json:"visibility,omitempty"`
	Description   string          `json:"description,omitempty"`
}

const (
	ProposalOpen       = "open"
	ProposalIntegrated = "integrated"
	ProposalDeclined   = "declined"
)

type Proposal struct {
	ID            string   `json:"id"`
	OrganismID    string   `json:"organism_id"`
	Mutation      Mutation `json:"mutation"`
	Status        string   `json:"status" enum:"open,integrated,declined"`
	ProposedBy    string   `json:"proposed_by"`
	ResolvedBy    *string  `json:"resolved_by,omitempty"`
	DeclineReason string   `json:"decline_reason,omitempty"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
	ResolvedAt    *string  `json:"resolved_at,omitempty" format:"date-time"`
}

const (
	RelationshipMembership           = "membership"
	RelationshipIntegrationAuthority = "integration-authority"
	RelationshipStewardship          = "stewardship"

	RoleFounder = "founder"
)

type Relationship struct {
	ID         string `json:"id"`
	Type       string `json:"type" enum:"membership,integration-authority,stewardship"`
	UserID     string `json:"user_id"`
	OrganismID string `json:"organism_id"`
	Role       string `json:"role,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

const (
	VisibilityPublic  = "public"
	VisibilityMembers = "members"
	VisibilityPrivate = "private"
)

type VisibilityRecord struct {
	OrganismID string `json:"organism_id"`
	Level      string `json:"level" enum:"public,members,private"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

const (
	EventOrganismCreated     = "organism.created"
	EventStateAppended       = "state.appended"
	EventOrganismComposed    = "organism.composed"
	EventOrganismDecomposed  = "organism.decomposed"
	EventProposalOpened      = "proposal.opened"
	EventProposalIntegrated  = "proposal.integrated"
	EventProposalDeclined    = "proposal.declined"
	EventVisibilityChanged   = "visibility.changed"
	EventRelationshipGranted = "relationship.granted"
	EventOrganismObserved    = "organism.observed"
)

type DomainEvent struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	OrganismID string         `json:"organism_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	OccurredAt string         `json:"occurred_at" format:"date-time"`
	Payload    map[string]any `json:"payload"`
}

const (
	ExecutionProcessing      = "processing"
	ExecutionSucceeded       = "succeeded"
	ExecutionFailed          = "failed"
	ExecutionProposalCreated = "proposal-created"
	ExecutionDeclined        = "declined"
)

// ActionExecution is one reservation/outcome row of the execution ledger.
type ActionExecution struct {
	ID                 string         `json:"id"`
	BoundaryOrganismID string         `json:"boundary_organism_id"`
	ActionOrganismID   string         `json:"action_organism_id"`
	IdempotencyKey     string         `json:"idempotency_key"`
	Status             string         `json:"status" enum:"processing,succeeded,failed,proposal-created,declined"`
	AttemptCount       int            `json:"attempt_count"`
	CycleID            string         `json:"cycle_id,omitempty"`
	Result             map[string]any `json:"result,omitempty"`
	LastError          string         `json:"last_error,omitempty"`
	CreatedAt          string         `json:"created_at" format:"date-time"`
	UpdatedAt          string         `json:"updated_at" format:"date-time"`
}

// IsTerminalSuccess reports whether a ledger status means the work is already handled.
func IsTerminalSuccess(status string) bool {
	switch status {
	case ExecutionSucceeded, ExecutionProposalCreated, ExecutionDeclined:
		return true
	}
	return false
}

type RuntimeLogEntry struct {
	ID                 string         `json:"id"`
	CycleID            string         `json:"cycle_id"`
	Stage              string         `json:"stage"`
	BoundaryOrganismID string         `json:"boundary_organism_id,omitempty"`
	ActionOrganismID   string         `json:"action_organism_id,omitempty"`
	ExecutionID        string         `json:"execution_id,omitempty"`
	Payload            map[string]any `json:"payload"`
	OccurredAt         string         `json:"occurred_at" format:"date-time"`
}
