package regulator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"homeostat/internal/domain"
)

// keyInput is everything that determines what an action would do. Nothing
// else may affect the key.
type keyInput struct {
	BoundaryID           string               `json:"boundaryId"`
	ActionID             string               `json:"actionId"`
	Kind                 string               `json:"kind"`
	ExecutionMode        string               `json:"executionMode"`
	RiskLevel            string               `json:"riskLevel"`
	Trigger              domain.ActionTrigger `json:"trigger"`
	Config               any                  `json:"config"`
	Decision             string               `json:"decision"`
	CurrentVariableValue *float64             `json:"currentVariableValue"`
}

// IdempotencyKey hashes the canonical JSON of an action's would-be effect.
// Config is re-encoded through a generic value so key order and whitespace
// in the stored payload do not matter.
func IdempotencyKey(boundaryID, actionID string, a domain.ActionPayload, decision string, current *float64) (string, error) {
	var cfg any
	if len(a.Config) > 0 {
		if err := json.Unmarshal(a.Config, &cfg); err != nil {
			return "", fmt.Errorf("decode action config: %w", err)
		}
	}
	data, err := json.Marshal(keyInput{
		BoundaryID:           boundaryID,
		ActionID:             actionID,
		Kind:                 a.Kind,
		ExecutionMode:        a.ExecutionMode,
		RiskLevel:            a.RiskLevel,
		Trigger:              a.Trigger,
		Config:               cfg,
		Decision:             decision,
		CurrentVariableValue: current,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
