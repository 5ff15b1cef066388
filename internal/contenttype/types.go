package contenttype

import (
	"encoding/json"
	"strings"

	"homeostat/internal/domain"
)

const (
	TypeText           = "text"
	TypeCommunity      = "community"
	TypeSensor         = "sensor"
	TypeVariable       = "variable"
	TypeResponsePolicy = "response-policy"
	TypeAction         = "action"
	TypeFreezePolicy   = "freeze-policy"
)

// Text is free-form content. Extra keys are allowed.
type Text struct{}

func (Text) ID() string { return TypeText }

func (Text) Validate(payload json.RawMessage) error {
	var p map[string]any
	if err := decodeStrict(TypeText, payload, &p); err != nil {
		return err
	}
	if p == nil {
		return ValidationError{ContentTypeID: TypeText, Reason: "payload must be an object"}
	}
	if c, ok := p["content"]; ok {
		if _, isString := c.(string); !isString {
			return ValidationError{ContentTypeID: TypeText, Reason: "content must be a string"}
		}
	}
	return nil
}

// Community marks an organism whose membership relationships grant
// visibility to members-only descendants.
type Community struct{}

func (Community) ID() string { return TypeCommunity }

func (Community) Validate(payload json.RawMessage) error {
	var p struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := decodeStrict(TypeCommunity, payload, &p); err != nil {
		return err
	}
	if strings.TrimSpace(p.Name) == "" {
		return ValidationError{ContentTypeID: TypeCommunity, Reason: "name is required"}
	}
	return nil
}

type Sensor struct{}

func (Sensor) ID() string { return TypeSensor }

func (Sensor) Validate(payload json.RawMessage) error {
	var p domain.SensorPayload
	if err := decodeStrict(TypeSensor, payload, &p); err != nil {
		return err
	}
	switch {
	case strings.TrimSpace(p.Label) == "":
		return ValidationError{ContentTypeID: TypeSensor, Reason: "label is required"}
	case strings.TrimSpace(p.TargetOrganismID) == "":
		return ValidationError{ContentTypeID: TypeSensor, Reason: "targetOrganismId is required"}
	case strings.TrimSpace(p.Metric) == "":
		return ValidationError{ContentTypeID: TypeSensor, Reason: "metric is required"}
	}
	return nil
}

// Variable payloads with an unknown computation mode are valid; the
// regulator skips them.
type Variable struct{}

func (Variable) ID() string { return TypeVariable }

func (Variable) Validate(payload json.RawMessage) error {
	var p domain.VariablePayload
	if err := decodeStrict(TypeVariable, payload, &p); err != nil {
		return err
	}
	if strings.TrimSpace(p.Label) == "" {
		return ValidationError{ContentTypeID: TypeVariable, Reason: "label is required"}
	}
	c := p.Computation
	if c.WindowSeconds != nil && *c.WindowSeconds <= 0 {
		return ValidationError{ContentTypeID: TypeVariable, Reason: "computation.windowSeconds must be positive"}
	}
	if c.ClampMin != nil && c.ClampMax != nil && *c.ClampMin > *c.ClampMax {
		return ValidationError{ContentTypeID: TypeVariable, Reason: "computation.clampMin exceeds clampMax"}
	}
	return nil
}

// ResponsePolicy is a threshold rule over a variable. As a proposal
// evaluator it returns its current decision.
type ResponsePolicy struct{}

func (ResponsePolicy) ID() string { return TypeResponsePolicy }

func (ResponsePolicy) Validate(payload json.RawMessage) error {
	_, err := parseResponsePolicy(payload)
	return err
}

func (ResponsePolicy) Evaluate(_ ProposalView, payload json.RawMessage) (Decision, error) {
	p, err := parseResponsePolicy(payload)
	if err != nil {
		return Decision{}, err
	}
	if p.Decide() == domain.DecisionDecline {
		reason := p.Reason
		if reason == "" {
			reason = "response policy on " + p.VariableLabel + " declines all proposals"
		}
		return Decision{Decision: domain.DecisionDecline, Reason: reason}, nil
	}
	return Decision{Decision: domain.DecisionPass}, nil
}

func parseResponsePolicy(payload json.RawMessage) (domain.ResponsePolicyPayload, error) {
	var p domain.ResponsePolicyPayload
	if err := decodeStrict(TypeResponsePolicy, payload, &p); err != nil {
		return p, err
	}
	if p.Mode != domain.PolicyModeVariableThreshold {
		return p, ValidationError{ContentTypeID: TypeResponsePolicy, Reason: "mode must be variable-threshold"}
	}
	if strings.TrimSpace(p.VariableLabel) == "" {
		return p, ValidationError{ContentTypeID: TypeResponsePolicy, Reason: "variableLabel is required"}
	}
	if p.Condition != domain.ConditionBelow && p.Condition != domain.ConditionAbove {
		return p, ValidationError{ContentTypeID: TypeResponsePolicy, Reason: "condition must be below or above"}
	}
	if p.Action != domain.PolicyActionDeclineAll && p.Action != domain.PolicyActionPass {
		return p, ValidationError{ContentTypeID: TypeResponsePolicy, Reason: "action must be decline-all or pass"}
	}
	return p, nil
}

type Action struct{}

func (Action) ID() string { return TypeAction }

func (Action) Validate(payload json.RawMessage) error {
	var p domain.ActionPayload
	if err := decodeStrict(TypeAction, payload, &p); err != nil {
		return err
	}
	invalid := func(reason string) error {
		return ValidationError{ContentTypeID: TypeAction, Reason: reason}
	}
	if p.Kind != domain.ActionKindGitHubPR && p.Kind != domain.ActionKindOpenProposal {
		return invalid("kind must be github-pr or open-proposal")
	}
	if p.ExecutionMode != domain.ExecutionModeDirectLowRisk && p.ExecutionMode != domain.ExecutionModeProposalRequired {
		return invalid("executionMode must be direct-low-risk or proposal-required")
	}
	if p.RiskLevel != domain.RiskLow && p.RiskLevel != domain.RiskHigh {
		return invalid("riskLevel must be low or high")
	}
	if strings.TrimSpace(p.Trigger.ResponsePolicyOrganismID) == "" {
		return invalid("trigger.responsePolicyOrganismId is required")
	}
	if p.Trigger.WhenDecision != domain.DecisionPass && p.Trigger.WhenDecision != domain.DecisionDecline {
		return invalid("trigger.whenDecision must be pass or decline")
	}
	if p.CooldownSeconds != nil && *p.CooldownSeconds < 0 {
		return invalid("cooldownSeconds must not be negative")
	}
	if len(p.Config) == 0 {
		return invalid("config is required")
	}
	switch p.Kind {
	case domain.ActionKindGitHubPR:
		var c domain.GitHubPRConfig
		if err := json.Unmarshal(p.Config, &c); err != nil {
			return invalid("config: " + err.Error())
		}
		if c.Owner == "" || c.Repository == "" || c.BaseBranch == "" || c.HeadBranch == "" || c.Title == "" {
			return invalid("github-pr config needs owner, repository, baseBranch, headBranch and title")
		}
	case domain.ActionKindOpenProposal:
		var c domain.OpenProposalConfig
		if err := json.Unmarshal(p.Config, &c); err != nil {
			return invalid("config: " + err.Error())
		}
		if c.TargetOrganismID == "" {
			return invalid("open-proposal config needs targetOrganismId")
		}
		if c.MaxFanOut < 0 {
			return invalid("maxFanOut must not be negative")
		}
	}
	return nil
}

// FreezePolicy declines every proposal while frozen.
type FreezePolicy struct{}

type freezePayload struct {
	Frozen *bool  `json:"frozen"`
	Reason string `json:"reason,omitempty"`
}

func (FreezePolicy) ID() string { return TypeFreezePolicy }

func (FreezePolicy) Validate(payload json.RawMessage) error {
	var p freezePayload
	if err := decodeStrict(TypeFreezePolicy, payload, &p); err != nil {
		return err
	}
	if p.Frozen == nil {
		return ValidationError{ContentTypeID: TypeFreezePolicy, Reason: "frozen is required"}
	}
	return nil
}

func (FreezePolicy) Evaluate(_ ProposalView, payload json.RawMessage) (Decision, error) {
	var p freezePayload
	if err := decodeStrict(TypeFreezePolicy, payload, &p); err != nil {
		return Decision{}, err
	}
	if p.Frozen != nil && *p.Frozen {
		reason := p.Reason
		if reason == "" {
			reason = "organism is frozen"
		}
		return Decision{Decision: domain.DecisionDecline, Reason: reason}, nil
	}
	return Decision{Decision: domain.DecisionPass}, nil
}
