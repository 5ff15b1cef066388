package regulator

import (
	"homeostat/internal/gateway/github"
	"homeostat/internal/metrics"
)

type Counters struct {
	VariableUpdates         int `json:"variableUpdates"`
	ResponsePolicyUpdates   int `json:"responsePolicyUpdates"`
	SkippedManagedVariables int `json:"skippedManagedVariables"`
	DirectActionExecutions  int `json:"directActionExecutions"`
	ProposalActionsOpened   int `json:"proposalActionsOpened"`
	DeclinedActions         int `json:"declinedActions"`
	FailedActions           int `json:"failedActions"`
}

func (c *Counters) Add(o Counters) {
	c.VariableUpdates += o.VariableUpdates
	c.ResponsePolicyUpdates += o.ResponsePolicyUpdates
	c.SkippedManagedVariables += o.SkippedManagedVariables
	c.DirectActionExecutions += o.DirectActionExecutions
	c.ProposalActionsOpened += o.ProposalActionsOpened
	c.DeclinedActions += o.DeclinedActions
	c.FailedActions += o.FailedActions
}

func (c Counters) metrics() metrics.BoundaryCounts {
	return metrics.BoundaryCounts{
		VariableUpdates:         c.VariableUpdates,
		ResponsePolicyUpdates:   c.ResponsePolicyUpdates,
		SkippedManagedVariables: c.SkippedManagedVariables,
		DirectActionExecutions:  c.DirectActionExecutions,
		ProposalActionsOpened:   c.ProposalActionsOpened,
		DeclinedActions:         c.DeclinedActions,
		FailedActions:           c.FailedActions,
	}
}

// Action outcomes.
const (
	OutcomeDirect   = "direct"
	OutcomeProposal = "proposal"
	OutcomeDeclined = "declined"
	OutcomeFailed   = "failed"
)

type ActionResult struct {
	ActionOrganismID string                    `json:"actionOrganismId"`
	Outcome          string                    `json:"outcome"`
	Reason           string                    `json:"reason,omitempty"`
	IdempotencyKey   string                    `json:"idempotencyKey,omitempty"`
	ExecutionID      string                    `json:"executionId,omitempty"`
	ProposalIDs      []string                  `json:"proposalIds,omitempty"`
	PullRequest      *github.PullRequestRecord `json:"pullRequest,omitempty"`
}

type BoundaryResult struct {
	BoundaryOrganismID string         `json:"boundaryOrganismId"`
	Counters           Counters       `json:"counters"`
	Actions            []ActionResult `json:"actions"`
	Error              string         `json:"error,omitempty"`
}

type CycleResult struct {
	CycleID     string           `json:"cycleId"`
	StartedAt   string           `json:"startedAt"`
	CompletedAt string           `json:"completedAt"`
	Boundaries  []BoundaryResult `json:"boundaries"`
	Totals      Counters         `json:"totals"`
}
