// Package evaluation runs the policy children of an organism against a
// proposal and aggregates their decisions.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"homeostat/internal/contenttype"
	"homeostat/internal/domain"
	"homeostat/internal/metrics"
	"homeostat/internal/repo"
)

// EvaluatorError is a misconfigured policy: its evaluator failed or returned
// something other than pass/decline. It aborts the evaluation.
type EvaluatorError struct {
	PolicyOrganismID string
	ContentTypeID    string
	Err              error
}

func (e EvaluatorError) Error() string {
	return fmt.Sprintf("policy %s (%s): %v", e.PolicyOrganismID, e.ContentTypeID, e.Err)
}

func (e EvaluatorError) Unwrap() error { return e.Err }

type Result struct {
	PolicyOrganismID string               `json:"policy_organism_id"`
	ContentTypeID    string               `json:"content_type_id"`
	Result           contenttype.Decision `json:"result"`
}

type Outcome struct {
	Passed  bool     `json:"passed"`
	Results []Result `json:"results"`
}

// Engine evaluates proposals. Repo may be bound to a transaction.
type Engine struct {
	Repo    repo.Repo
	Types   *contenttype.Registry
	Metrics *metrics.EvaluationMetrics
	Now     func() time.Time
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Evaluate consults every direct child of the proposal's organism whose
// current content type can evaluate. Passed is the AND of all decisions and
// is true when there are none. All evaluators run even after a decline.
func (e Engine) Evaluate(ctx context.Context, p domain.Proposal) (Outcome, error) {
	start := e.now()
	out, err := e.evaluate(ctx, p)
	switch {
	case err != nil:
		e.Metrics.RecordEvaluation("error", e.now().Sub(start))
	case out.Passed:
		e.Metrics.RecordEvaluation("passed", e.now().Sub(start))
	default:
		e.Metrics.RecordEvaluation("declined", e.now().Sub(start))
	}
	return out, err
}

func (e Engine) evaluate(ctx context.Context, p domain.Proposal) (Outcome, error) {
	children, err := e.Repo.Children(ctx, p.OrganismID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load children of %s: %w", p.OrganismID, err)
	}
	view := contenttype.ProposalView{
		ID:         p.ID,
		OrganismID: p.OrganismID,
		Mutation:   p.Mutation,
		ProposedBy: p.ProposedBy,
	}
	out := Outcome{Passed: true, Results: []Result{}}
	for _, child := range children {
		st, err := e.Repo.CurrentState(ctx, child.ChildID)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return Outcome{}, fmt.Errorf("load state of %s: %w", child.ChildID, err)
		}
		ev, ok := e.Types.Evaluator(st.ContentTypeID)
		if !ok {
			continue
		}
		d, err := ev.Evaluate(view, st.Payload)
		if err != nil {
			return Outcome{}, EvaluatorError{PolicyOrganismID: child.ChildID, ContentTypeID: st.ContentTypeID, Err: err}
		}
		if d.Decision != domain.DecisionPass && d.Decision != domain.DecisionDecline {
			return Outcome{}, EvaluatorError{
				PolicyOrganismID: child.ChildID,
				ContentTypeID:    st.ContentTypeID,
				Err:              fmt.Errorf("invalid decision %q", d.Decision),
			}
		}
		e.Metrics.RecordDecision(st.ContentTypeID, d.Decision)
		out.Results = append(out.Results, Result{PolicyOrganismID: child.ChildID, ContentTypeID: st.ContentTypeID, Result: d})
		if d.Decision == domain.DecisionDecline {
			out.Passed = false
		}
	}
	return out, nil
}

// DeclineReasons collects the reasons of every declining result.
func (o Outcome) DeclineReasons() []string {
	var reasons []string
	for _, r := range o.Results {
		if r.Result.Decision != domain.DecisionDecline {
			continue
		}
		reason := r.Result.Reason
		if reason == "" {
			reason = "declined by " + r.PolicyOrganismID
		}
		reasons = append(reasons, reason)
	}
	return reasons
}
