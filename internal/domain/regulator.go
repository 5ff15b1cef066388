package domain

import "encoding/json"

const (
	ComputationObservationSum = "observation-sum"

	PolicyModeVariableThreshold = "variable-threshold"

	ConditionBelow = "below"
	ConditionAbove = "above"

	PolicyActionDeclineAll = "decline-all"
	PolicyActionPass       = "pass"

	DecisionPass    = "pass"
	DecisionDecline = "decline"

	ActionKindGitHubPR     = "github-pr"
	ActionKindOpenProposal = "open-proposal"

	ExecutionModeDirectLowRisk    = "direct-low-risk"
	ExecutionModeProposalRequired = "proposal-required"

	RiskLow  = "low"
	RiskHigh = "high"
)

// SensorPayload names the metric watched on a target organism.
type SensorPayload struct {
	Label            string `json:"label"`
	TargetOrganismID string `json:"targetOrganismId"`
	Metric           string `json:"metric"`
}

type VariableComputation struct {
	Mode          string   `json:"mode"`
	SensorLabel   string   `json:"sensorLabel"`
	Metric        string   `json:"metric"`
	WindowSeconds *int     `json:"windowSeconds,omitempty"`
	ClampMin      *float64 `json:"clampMin,omitempty"`
	ClampMax      *float64 `json:"clampMax,omitempty"`
}

type VariableSource struct {
	SensorOrganismID string `json:"sensorOrganismId"`
	TargetOrganismID string `json:"targetOrganismId"`
	ObservationCount int    `json:"observationCount"`
}

type VariablePayload struct {
	Label        string              `json:"label"`
	Value        float64             `json:"value"`
	Computation  VariableComputation `json:"computation"`
	ComputedAt   string              `json:"computedAt,omitempty"`
	ComputedFrom *VariableSource     `json:"computedFrom,omitempty"`
}

type ResponsePolicyPayload struct {
	Mode                 string   `json:"mode"`
	VariableLabel        string   `json:"variableLabel"`
	Condition            string   `json:"condition"`
	Threshold            float64  `json:"threshold"`
	CurrentVariableValue *float64 `json:"currentVariableValue,omitempty"`
	Action               string   `json:"action"`
	Reason               string   `json:"reason,omitempty"`
}

// Decide derives the policy decision from the cached snapshot. With no
// snapshot the policy passes.
func (p ResponsePolicyPayload) Decide() string {
	if p.CurrentVariableValue == nil {
		return DecisionPass
	}
	v := *p.CurrentVariableValue
	triggered := false
	switch p.Condition {
	case ConditionBelow:
		triggered = v < p.Threshold
	case ConditionAbove:
		triggered = v > p.Threshold
	}
	if triggered && p.Action == PolicyActionDeclineAll {
		return DecisionDecline
	}
	return DecisionPass
}

type ActionTrigger struct {
	ResponsePolicyOrganismID string `json:"responsePolicyOrganismId"`
	WhenDecision             string `json:"whenDecision"`
}

type ActionPayload struct {
	Label            string          `json:"label,omitempty"`
	Kind             string          `json:"kind"`
	ExecutionMode    string          `json:"executionMode"`
	RiskLevel        string          `json:"riskLevel"`
	Trigger          ActionTrigger   `json:"trigger"`
	Config           json.RawMessage `json:"config"`
	CooldownSeconds  *int            `json:"cooldownSeconds,omitempty"`
	LastExecutedAt   *string         `json:"lastExecutedAt,omitempty"`
	LastExecutionKey *string         `json:"lastExecutionKey,omitempty"`
}

// RequiresProposal reports whether the action must go through a proposal
// instead of being executed directly.
func (a ActionPayload) RequiresProposal() bool {
	return a.ExecutionMode == ExecutionModeProposalRequired || a.RiskLevel == RiskHigh
}

type GitHubPRConfig struct {
	Owner      string `json:"owner"`
	Repository string `json:"repository"`
	BaseBranch string `json:"baseBranch"`
	HeadBranch string `json:"headBranch"`
	Title      string `json:"title"`
	Body       string `json:"body,omitempty"`
	Draft      bool   `json:"draft,omitempty"`
}

type OpenProposalConfig struct {
	TargetOrganismID      string          `json:"targetOrganismId"`
	ContentTypeID         string          `json:"contentTypeId,omitempty"`
	Payload               json.RawMessage `json:"payload,omitempty"`
	Description           string          `json:"description,omitempty"`
	FanOutByVariableCount bool            `json:"fanOutByVariableCount,omitempty"`
	MaxFanOut             int             `json:"maxFanOut,omitempty"`
}
