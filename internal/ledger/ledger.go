// Package ledger persists action execution reservations and the regulator
// runtime log. The unique idempotency key is the only coordination point
// between concurrent regulator workers.
package ledger

import (
	"context"
	"errors"

	"homeostat/internal/domain"
)

var ErrNotFound = errors.New("execution not found")

// maxErrorBytes caps error text stored on a ledger row.
const maxErrorBytes = 500

// Outcome of a reservation attempt.
const (
	// Acquired: a new row was inserted and the caller owns the attempt.
	Acquired = "acquired"
	// Retried: an unfinished row was taken over and its attempt count bumped.
	Retried = "retried"
	// Handled: the key already reached a terminal status.
	Handled = "handled"
	// Contended: another worker bumped the row first.
	Contended = "contended"
)

type ReserveRequest struct {
	BoundaryOrganismID string
	ActionOrganismID   string
	IdempotencyKey     string
	CycleID            string
	At                 string
}

type Reservation struct {
	Outcome   string
	Execution domain.ActionExecution
}

type Filter struct {
	BoundaryOrganismID string
	ActionOrganismID   string
	Status             string
	Limit              int
}

// Store is the execution ledger.
type Store interface {
	// Peek loads the row for key, or ErrNotFound.
	Peek(ctx context.Context, key string) (domain.ActionExecution, error)
	// Reserve inserts a processing row for the key if absent and otherwise
	// resolves the existing row.
	Reserve(ctx context.Context, req ReserveRequest) (Reservation, error)
	// Complete moves an execution to its final status.
	Complete(ctx context.Context, id, status string, result map[string]any, lastError, at string) error
	List(ctx context.Context, f Filter) ([]domain.ActionExecution, error)
}

// RuntimeLog stores regulator stage records.
type RuntimeLog interface {
	AppendRuntimeLog(ctx context.Context, e domain.RuntimeLogEntry) error
	ListRuntimeLog(ctx context.Context, cycleID string, limit int) ([]domain.RuntimeLogEntry, error)
}

// TruncateError shortens s to the stored error limit on a rune boundary.
func TruncateError(s string) string {
	if len(s) <= maxErrorBytes {
		return s
	}
	cut := maxErrorBytes
	for cut > 0 && !utf8RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }

func validTerminal(status string) bool {
	switch status {
	case domain.ExecutionSucceeded, domain.ExecutionFailed, domain.ExecutionProposalCreated, domain.ExecutionDeclined:
		return true
	}
	return false
}
