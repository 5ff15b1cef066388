// Package contenttype maps content type ids to their capabilities. Every type
// can validate a payload; some can also evaluate proposals made to the
// organism they are composed into.
package contenttype

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"homeostat/internal/domain"
)

var ErrUnknownType = errors.New("unknown content type")

// ValidationError reports a malformed payload for a content type.
type ValidationError struct {
	ContentTypeID string
	Reason        string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s payload: %s", e.ContentTypeID, e.Reason)
}

// ProposalView is what evaluators get to see of a proposal.
type ProposalView struct {
	ID         string          `json:"id"`
	OrganismID string          `json:"organism_id"`
	Mutation   domain.Mutation `json:"mutation"`
	ProposedBy string          `json:"proposed_by"`
}

type Decision struct {
	Decision string `json:"decision" enum:"pass,decline"`
	Reason   string `json:"reason,omitempty"`
}

type Handler interface {
	ID() string
	Validate(payload json.RawMessage) error
}

// Evaluator is the optional policy capability of a Handler.
type Evaluator interface {
	Evaluate(p ProposalView, payload json.RawMessage) (Decision, error)
}

type Registry struct {
	handlers map[string]Handler
}

func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[string]Handler, len(handlers))}
	for _, h := range handlers {
		r.Register(h)
	}
	return r
}

// Default returns a registry holding every built-in content type.
func Default() *Registry {
	return NewRegistry(
		Text{},
		Community{},
		Sensor{},
		Variable{},
		ResponsePolicy{},
		Action{},
		FreezePolicy{},
	)
}

func (r *Registry) Register(h Handler) {
	r.handlers[h.ID()] = h
}

func (r *Registry) Get(id string) (Handler, error) {
	h, ok := r.handlers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, id)
	}
	return h, nil
}

// Validate runs the type's validator against payload.
func (r *Registry) Validate(id string, payload json.RawMessage) error {
	h, err := r.Get(id)
	if err != nil {
		return err
	}
	return h.Validate(payload)
}

// Evaluator returns the evaluate capability of a type if it has one.
func (r *Registry) Evaluator(id string) (Evaluator, bool) {
	h, ok := r.handlers[id]
	if !ok {
		return nil, false
	}
	ev, ok := h.(Evaluator)
	return ev, ok
}

func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func decodeStrict(typeID string, payload json.RawMessage, out any) error {
	if len(payload) == 0 {
		return ValidationError{ContentTypeID: typeID, Reason: "payload is empty"}
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return ValidationError{ContentTypeID: typeID, Reason: err.Error()}
	}
	return nil
}
