package regulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"homeostat/internal/contenttype"
	"homeostat/internal/domain"
	"homeostat/internal/engine"
	"homeostat/internal/gateway/github"
	"homeostat/internal/ledger"
)

const (
	routeProposal     = "proposal"
	routeGitHubPR     = "github-pr"
	routeOpenProposal = "open-proposal"
)

// plan is a pre-flighted action: everything needed to dispatch it without
// further configuration checks.
type plan struct {
	route    string
	pr       domain.GitHubPRConfig
	open     domain.OpenProposalConfig
	payload  map[string]any
	count    int
	fanOut   bool
	decision policyDecision
}

// declined is a normal no-op outcome with a human-readable reason.
type declined struct{ reason string }

func (d declined) Error() string { return d.reason }

func decline(format string, args ...any) error {
	return declined{reason: fmt.Sprintf(format, args...)}
}

func (r *Runtime) runAction(ctx context.Context, cycleID string, b boundary, a actionChild, decisions map[string]policyDecision, log zerolog.Logger) ActionResult {
	res := ActionResult{ActionOrganismID: a.id}
	alog := log.With().Str("action_id", a.id).Logger()
	entry := func(stage, executionID string, payload map[string]any) domain.RuntimeLogEntry {
		return domain.RuntimeLogEntry{
			CycleID:            cycleID,
			Stage:              stage,
			BoundaryOrganismID: b.id,
			ActionOrganismID:   a.id,
			ExecutionID:        executionID,
			Payload:            payload,
		}
	}
	r.record(ctx, entry(StageActionStarted, "", map[string]any{"kind": a.payload.Kind}))

	finishDeclined := func(reason string) ActionResult {
		res.Outcome = OutcomeDeclined
		res.Reason = reason
		alog.Info().Str("idempotency_key", res.IdempotencyKey).Str("reason", reason).Msg("action declined")
		r.record(ctx, entry(StageActionDeclined, res.ExecutionID, map[string]any{"reason": reason, "idempotencyKey": res.IdempotencyKey}))
		return res
	}
	finishFailed := func(err error) ActionResult {
		res.Outcome = OutcomeFailed
		res.Reason = ledger.TruncateError(err.Error())
		alog.Error().Err(err).Str("idempotency_key", res.IdempotencyKey).Msg("action failed")
		r.record(ctx, entry(StageActionFailed, res.ExecutionID, map[string]any{"error": res.Reason, "idempotencyKey": res.IdempotencyKey}))
		return res
	}

	if a.invalid != nil {
		return finishDeclined("malformed action payload: " + a.invalid.Error())
	}
	action := a.payload
	d, ok := decisions[action.Trigger.ResponsePolicyOrganismID]
	if !ok {
		return finishDeclined(fmt.Sprintf("trigger policy %s not found on boundary", action.Trigger.ResponsePolicyOrganismID))
	}
	if d.decision != action.Trigger.WhenDecision {
		return finishDeclined(fmt.Sprintf("policy decision %s does not match trigger %s", d.decision, action.Trigger.WhenDecision))
	}

	key, err := IdempotencyKey(b.id, a.id, action, d.decision, d.current)
	if err != nil {
		return finishDeclined(err.Error())
	}
	res.IdempotencyKey = key

	existing, err := r.Ledger.Peek(ctx, key)
	switch {
	case err == nil && domain.IsTerminalSuccess(existing.Status):
		res.ExecutionID = existing.ID
		return finishDeclined("already handled")
	case err != nil && !errors.Is(err, ledger.ErrNotFound):
		return finishFailed(fmt.Errorf("peek ledger: %w", err))
	}

	now := r.now()
	if action.LastExecutedAt != nil {
		if last, err := domain.ParseTime(*action.LastExecutedAt); err == nil {
			if wait := r.cooldown(action); now.Sub(last) < wait {
				return finishDeclined(fmt.Sprintf("cooldown of %s has not elapsed since %s", wait, *action.LastExecutedAt))
			}
		}
	}

	p, err := r.preflight(b, action, d)
	if err != nil {
		var dec declined
		if errors.As(err, &dec) {
			return finishDeclined(dec.reason)
		}
		return finishFailed(err)
	}

	reservation, err := r.Ledger.Reserve(ctx, ledger.ReserveRequest{
		BoundaryOrganismID: b.id,
		ActionOrganismID:   a.id,
		IdempotencyKey:     key,
		CycleID:            cycleID,
		At:                 domain.FormatTime(now),
	})
	if err != nil {
		return finishFailed(fmt.Errorf("reserve execution: %w", err))
	}
	res.ExecutionID = reservation.Execution.ID
	switch reservation.Outcome {
	case ledger.Handled:
		return finishDeclined("already handled")
	case ledger.Contended:
		return finishDeclined("reservation held by another worker")
	}

	status, result, err := r.dispatch(ctx, b.id, a.id, key, action, p, &res)
	if err != nil {
		msg := ledger.TruncateError(err.Error())
		if cerr := r.Ledger.Complete(ctx, res.ExecutionID, domain.ExecutionFailed, result, msg, domain.FormatTime(r.now())); cerr != nil {
			alog.Error().Err(cerr).Msg("ledger completion failed")
		}
		return finishFailed(err)
	}

	r.markExecuted(ctx, a.id, action, key, alog)
	if err := r.Ledger.Complete(ctx, res.ExecutionID, status, result, "", domain.FormatTime(r.now())); err != nil {
		alog.Error().Err(err).Msg("ledger completion failed")
	}

	stage := StageActionSucceeded
	res.Outcome = OutcomeDirect
	if status == domain.ExecutionProposalCreated {
		stage = StageActionProposalCreated
		res.Outcome = OutcomeProposal
	}
	alog.Info().Str("idempotency_key", key).Str("outcome", res.Outcome).Strs("proposal_ids", res.ProposalIDs).Msg("action executed")
	r.record(ctx, entry(stage, res.ExecutionID, result))
	return res
}

// preflight checks configuration and allowlists. Problems found here decline
// the action before any ledger row exists.
func (r *Runtime) preflight(b boundary, a domain.ActionPayload, d policyDecision) (plan, error) {
	p := plan{decision: d}
	switch a.Kind {
	case domain.ActionKindGitHubPR:
		if err := json.Unmarshal(a.Config, &p.pr); err != nil {
			return p, decline("invalid github-pr config: %v", err)
		}
	case domain.ActionKindOpenProposal:
		if err := json.Unmarshal(a.Config, &p.open); err != nil {
			return p, decline("invalid open-proposal config: %v", err)
		}
	default:
		return p, decline("unsupported action kind %q", a.Kind)
	}

	if a.RequiresProposal() {
		p.route = routeProposal
		return p, nil
	}

	switch a.Kind {
	case domain.ActionKindGitHubPR:
		p.route = routeGitHubPR
		if r.Gateway == nil {
			return p, decline("pull-request gateway is not configured")
		}
		if !r.Allowlist.AllowsRepository(p.pr.Owner, p.pr.Repository) {
			return p, decline("repository %s/%s is not allowlisted", p.pr.Owner, p.pr.Repository)
		}
		if !r.Allowlist.AllowsBaseBranch(p.pr.BaseBranch) {
			return p, decline("base branch %s is not allowlisted", p.pr.BaseBranch)
		}
	case domain.ActionKindOpenProposal:
		p.route = routeOpenProposal
		target := p.open.TargetOrganismID
		if target == "" {
			return p, decline("open-proposal config has no targetOrganismId")
		}
		if target == b.id {
			return p, decline("open-proposal target must differ from the boundary")
		}
		if !r.Allowlist.AllowsTargetOrganism(target) {
			return p, decline("target organism %s is not allowlisted", target)
		}
		if len(p.open.Payload) > 0 {
			if err := json.Unmarshal(p.open.Payload, &p.payload); err != nil || p.payload == nil {
				return p, decline("open-proposal payload must be a JSON object")
			}
		}
		p.count = 1
		if p.open.FanOutByVariableCount {
			p.fanOut = true
			p.count = fanOutCount(d.current, p.open.MaxFanOut)
			if p.count == 0 {
				return p, decline("variable %s yields no proposals to fan out", d.label)
			}
		}
	}
	return p, nil
}

func fanOutCount(current *float64, limit int) int {
	if current == nil {
		return 0
	}
	if limit <= 0 {
		limit = DefaultMaxFanOut
	}
	v := math.Floor(*current)
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	if v >= float64(limit) {
		return limit
	}
	return int(v)
}

func (r *Runtime) dispatch(ctx context.Context, boundaryID, actionID, key string, a domain.ActionPayload, p plan, res *ActionResult) (string, map[string]any, error) {
	result := map[string]any{"route": p.route, "idempotencyKey": key}
	switch p.route {
	case routeProposal:
		prop, err := r.proposeAction(ctx, boundaryID, actionID, key, a, p)
		if err != nil {
			return "", result, fmt.Errorf("open proposal on boundary: %w", err)
		}
		res.ProposalIDs = []string{prop.ID}
		result["proposalIds"] = res.ProposalIDs
		return domain.ExecutionProposalCreated, result, nil

	case routeGitHubPR:
		pr, reused, err := r.ensurePullRequest(ctx, p.pr)
		if err != nil {
			return "", result, err
		}
		res.PullRequest = &pr
		result["pullRequest"] = pr
		result["reused"] = reused
		return domain.ExecutionSucceeded, result, nil

	case routeOpenProposal:
		ids, err := r.openTargetProposals(ctx, actionID, a, p)
		res.ProposalIDs = ids
		result["proposalIds"] = ids
		if err != nil {
			return "", result, err
		}
		return domain.ExecutionSucceeded, result, nil
	}
	return "", result, fmt.Errorf("unknown route %q", p.route)
}

// proposeAction turns an action into a single text proposal on the boundary
// describing what would have happened.
func (r *Runtime) proposeAction(ctx context.Context, boundaryID, actionID, key string, a domain.ActionPayload, p plan) (domain.Proposal, error) {
	var cfg any
	if err := json.Unmarshal(a.Config, &cfg); err != nil {
		return domain.Proposal{}, err
	}
	name := a.Label
	if name == "" {
		name = actionID
	}
	payload := map[string]any{
		"content": fmt.Sprintf("Regulator action %s (%s) requires review: policy decision is %s.", name, a.Kind, p.decision.decision),
		"regulatorAction": map[string]any{
			"actionOrganismId": actionID,
			"kind":             a.Kind,
			"executionMode":    a.ExecutionMode,
			"riskLevel":        a.RiskLevel,
			"config":           cfg,
			"decision":         p.decision.decision,
			"variableLabel":    p.decision.label,
			"currentValue":     p.decision.current,
			"idempotencyKey":   key,
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Proposal{}, err
	}
	return r.Core.OpenProposal(ctx, engine.OpenProposalOptions{
		OrganismID: boundaryID,
		Mutation: domain.Mutation{
			Kind:          domain.MutationAppendState,
			ContentTypeID: contenttype.TypeText,
			Payload:       data,
			Description:   "regulator action " + name,
		},
		ActorID: r.runner(),
	})
}

// ensurePullRequest reuses an open pull request for the head/base pair
// before creating one.
func (r *Runtime) ensurePullRequest(ctx context.Context, c domain.GitHubPRConfig) (github.PullRequestRecord, bool, error) {
	existing, err := r.Gateway.FindOpenPullRequestByHead(ctx, github.FindRequest{
		Owner:      c.Owner,
		Repository: c.Repository,
		HeadBranch: c.HeadBranch,
		BaseBranch: c.BaseBranch,
	})
	if err != nil {
		return github.PullRequestRecord{}, false, fmt.Errorf("find pull request: %w", err)
	}
	if existing != nil {
		return *existing, true, nil
	}
	pr, err := r.Gateway.CreatePullRequest(ctx, github.CreateRequest{
		Owner:      c.Owner,
		Repository: c.Repository,
		Title:      c.Title,
		Body:       c.Body,
		BaseBranch: c.BaseBranch,
		HeadBranch: c.HeadBranch,
		Draft:      c.Draft,
	})
	if err != nil {
		return github.PullRequestRecord{}, false, fmt.Errorf("create pull request: %w", err)
	}
	return pr, false, nil
}

// openTargetProposals opens p.count proposals on the configured target. A
// failure part way returns the ids opened so far alongside the error.
func (r *Runtime) openTargetProposals(ctx context.Context, actionID string, a domain.ActionPayload, p plan) ([]string, error) {
	typeID := p.open.ContentTypeID
	if typeID == "" {
		typeID = contenttype.TypeText
	}
	description := p.open.Description
	if description == "" {
		description = "follow-up from regulator action " + actionID
	}
	ids := make([]string, 0, p.count)
	for i := 0; i < p.count; i++ {
		payload := map[string]any{}
		for k, v := range p.payload {
			payload[k] = v
		}
		if len(payload) == 0 {
			payload["content"] = description
		}
		if p.fanOut {
			payload["fanOutIndex"] = i + 1
			payload["fanOutTotal"] = p.count
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return ids, err
		}
		prop, err := r.Core.OpenProposal(ctx, engine.OpenProposalOptions{
			OrganismID: p.open.TargetOrganismID,
			Mutation: domain.Mutation{
				Kind:          domain.MutationAppendState,
				ContentTypeID: typeID,
				Payload:       data,
				Description:   description,
			},
			ActorID: r.runner(),
		})
		if err != nil {
			return ids, fmt.Errorf("open proposal %d of %d on %s: %w", i+1, p.count, p.open.TargetOrganismID, err)
		}
		ids = append(ids, prop.ID)
	}
	return ids, nil
}

// markExecuted stamps the action's own state. Failure does not undo the
// execution; the ledger still records it as done.
func (r *Runtime) markExecuted(ctx context.Context, actionID string, a domain.ActionPayload, key string, log zerolog.Logger) {
	at := domain.FormatTime(r.now())
	a.LastExecutedAt = &at
	a.LastExecutionKey = &key
	data, err := json.Marshal(a)
	if err == nil {
		_, err = r.Core.AppendState(ctx, engine.AppendStateOptions{
			OrganismID:    actionID,
			ContentTypeID: contenttype.TypeAction,
			Payload:       data,
			ActorID:       r.runner(),
		})
	}
	if err != nil {
		log.Warn().Err(err).Msg("action state not updated")
	}
}
