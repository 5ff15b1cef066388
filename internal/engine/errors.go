package engine

import (
	"errors"
	"fmt"
	"strings"

	"homeostat/internal/engine/evaluation"
)

var (
	// ErrConflict marks a lost race on a uniqueness constraint. Callers may retry.
	ErrConflict         = errors.New("conflict")
	ErrNotOpenTrunk     = errors.New("organism is not open-trunk")
	ErrProposalResolved = errors.New("proposal already resolved")
	ErrCompositionCycle = errors.New("composition cycle")
	ErrInvalidMutation  = errors.New("invalid mutation")
)

// PolicyDeclinedError is returned when a proposal cannot be integrated
// because at least one policy declined it. The proposal stays open.
type PolicyDeclinedError struct {
	ProposalID string
	Results    []evaluation.Result
}

func (e PolicyDeclinedError) Error() string {
	reasons := evaluation.Outcome{Results: e.Results}.DeclineReasons()
	return fmt.Sprintf("proposal %s declined by policy: %s", e.ProposalID, strings.Join(reasons, "; "))
}
