// Package regulator runs the observe, derive, decide, act loop over boundary
// organisms whose children are sensors, variables, response policies and
// actions.
package regulator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"homeostat/internal/domain"
	"homeostat/internal/engine"
	"homeostat/internal/gateway/github"
	"homeostat/internal/ledger"
	"homeostat/internal/metrics"
)

const (
	DefaultRunnerUserID = "system:regulator"
	DefaultCooldown     = 300 * time.Second
	DefaultMaxFanOut    = 25
)

var (
	// ErrDiscoveryUnavailable means no boundaries were configured and there is
	// nothing to discover them from.
	ErrDiscoveryUnavailable = errors.New("boundary discovery unavailable")
	ErrNoBoundaries         = errors.New("no boundary organisms resolved")
)

// Runtime log stages.
const (
	StageCycleStarted          = "cycle.started"
	StageCycleCompleted        = "cycle.completed"
	StageBoundaryStarted       = "boundary.started"
	StageBoundaryCompleted     = "boundary.completed"
	StageVariableUpdated       = "variable.updated"
	StageResponsePolicyUpdated = "response-policy.updated"
	StageActionStarted         = "action.started"
	StageActionSucceeded       = "action.succeeded"
	StageActionFailed          = "action.failed"
	StageActionDeclined        = "action.declined"
	StageActionProposalCreated = "action.proposal-created"
)

// OrganismCore is the part of the organism engine the regulator drives.
type OrganismCore interface {
	FindChildren(ctx context.Context, parentID string) ([]domain.Composition, error)
	FindCurrentByOrganismID(ctx context.Context, organismID string) (domain.State, error)
	FindEvents(ctx context.Context, organismID, eventType string) ([]domain.DomainEvent, error)
	AppendState(ctx context.Context, opts engine.AppendStateOptions) (domain.State, error)
	OpenProposal(ctx context.Context, opts engine.OpenProposalOptions) (domain.Proposal, error)
}

// BoundaryDiscoverer lists every organism that has composed children.
type BoundaryDiscoverer interface {
	CompositionParents(ctx context.Context) ([]string, error)
}

type Options struct {
	// BoundaryOrganismIDs restricts cycles to these boundaries. Empty means
	// discover all composition parents.
	BoundaryOrganismIDs []string
	RunnerUserID        string
	// Workers bounds how many boundaries run at once.
	Workers int
	// ActionConcurrency bounds how many actions of one boundary run at once.
	ActionConcurrency int
	DefaultCooldown   time.Duration
}

type Runtime struct {
	Core       OrganismCore
	Discoverer BoundaryDiscoverer
	Ledger     ledger.Store
	Log        ledger.RuntimeLog
	// Gateway may be nil, in which case github-pr actions are declined.
	Gateway   github.Gateway
	Allowlist Allowlist
	Options   Options
	Metrics   *metrics.RegulatorMetrics
	Logger    *zerolog.Logger
	Now       func() time.Time
}

func (r *Runtime) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Runtime) logger() *zerolog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	nop := zerolog.Nop()
	return &nop
}

func (r *Runtime) runner() string {
	if r.Options.RunnerUserID != "" {
		return r.Options.RunnerUserID
	}
	return DefaultRunnerUserID
}

func (r *Runtime) cooldown(a domain.ActionPayload) time.Duration {
	if a.CooldownSeconds != nil {
		return time.Duration(*a.CooldownSeconds) * time.Second
	}
	if r.Options.DefaultCooldown > 0 {
		return r.Options.DefaultCooldown
	}
	return DefaultCooldown
}

// Boundaries resolves the boundary list for a cycle.
func (r *Runtime) Boundaries(ctx context.Context) ([]string, error) {
	if len(r.Options.BoundaryOrganismIDs) > 0 {
		return dedupe(r.Options.BoundaryOrganismIDs), nil
	}
	if r.Discoverer == nil {
		return nil, ErrDiscoveryUnavailable
	}
	ids, err := r.Discoverer.CompositionParents(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover boundaries: %w", err)
	}
	if len(ids) == 0 {
		return nil, ErrNoBoundaries
	}
	return ids, nil
}

// RunCycle runs one pass over every boundary. Only an unresolvable boundary
// list is returned as an error; everything else is reported in the result.
func (r *Runtime) RunCycle(ctx context.Context) (CycleResult, error) {
	start := r.now()
	boundaries, err := r.Boundaries(ctx)
	if err != nil {
		r.Metrics.RecordCycle("failed", r.now().Sub(start))
		return CycleResult{}, err
	}
	res := CycleResult{
		CycleID:    ulid.Make().String(),
		StartedAt:  domain.FormatTime(start),
		Boundaries: make([]BoundaryResult, len(boundaries)),
	}
	log := r.logger().With().Str("cycle_id", res.CycleID).Logger()
	log.Info().Int("boundaries", len(boundaries)).Msg("regulator cycle started")
	r.record(ctx, domain.RuntimeLogEntry{CycleID: res.CycleID, Stage: StageCycleStarted, Payload: map[string]any{"boundaryOrganismIds": boundaries}})

	workers := r.Options.Workers
	if workers <= 0 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, id := range boundaries {
		g.Go(func() error {
			res.Boundaries[i] = r.runBoundary(gctx, res.CycleID, id)
			return nil
		})
	}
	_ = g.Wait()

	for _, b := range res.Boundaries {
		res.Totals.Add(b.Counters)
	}
	res.CompletedAt = domain.FormatTime(r.now())
	r.record(ctx, domain.RuntimeLogEntry{CycleID: res.CycleID, Stage: StageCycleCompleted, Payload: map[string]any{"totals": res.Totals}})
	r.Metrics.RecordCycle("completed", r.now().Sub(start))
	log.Info().
		Int("variable_updates", res.Totals.VariableUpdates).
		Int("direct_actions", res.Totals.DirectActionExecutions).
		Int("proposal_actions", res.Totals.ProposalActionsOpened).
		Int("declined_actions", res.Totals.DeclinedActions).
		Int("failed_actions", res.Totals.FailedActions).
		Msg("regulator cycle completed")
	return res, nil
}

func (r *Runtime) runBoundary(ctx context.Context, cycleID, boundaryID string) BoundaryResult {
	res := BoundaryResult{BoundaryOrganismID: boundaryID, Actions: []ActionResult{}}
	log := r.logger().With().Str("cycle_id", cycleID).Str("boundary_id", boundaryID).Logger()
	r.record(ctx, domain.RuntimeLogEntry{CycleID: cycleID, Stage: StageBoundaryStarted, BoundaryOrganismID: boundaryID})

	err := r.regulate(ctx, cycleID, boundaryID, &res, log)
	status := "completed"
	payload := map[string]any{"counters": res.Counters}
	if err != nil {
		status = "failed"
		res.Error = err.Error()
		payload["error"] = res.Error
		log.Error().Err(err).Msg("boundary failed")
	}
	r.record(ctx, domain.RuntimeLogEntry{CycleID: cycleID, Stage: StageBoundaryCompleted, BoundaryOrganismID: boundaryID, Payload: payload})
	r.Metrics.RecordBoundary(status, res.Counters.metrics())
	return res
}

// regulate runs the three stages of one boundary in order.
func (r *Runtime) regulate(ctx context.Context, cycleID, boundaryID string, res *BoundaryResult, log zerolog.Logger) error {
	b, err := r.classify(ctx, boundaryID, log)
	if err != nil {
		return err
	}
	values := r.recomputeVariables(ctx, cycleID, b, &res.Counters, log)
	decisions := r.refreshPolicies(ctx, cycleID, b, values, &res.Counters, log)

	results := make([]ActionResult, len(b.actions))
	limit := r.Options.ActionConcurrency
	if limit <= 0 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, a := range b.actions {
		g.Go(func() error {
			results[i] = r.runAction(gctx, cycleID, b, a, decisions, log)
			return nil
		})
	}
	_ = g.Wait()

	for _, ar := range results {
		switch ar.Outcome {
		case OutcomeDirect:
			res.Counters.DirectActionExecutions++
		case OutcomeProposal:
			res.Counters.ProposalActionsOpened++
		case OutcomeDeclined:
			res.Counters.DeclinedActions++
		case OutcomeFailed:
			res.Counters.FailedActions++
		}
	}
	res.Actions = results
	return nil
}

// record writes a runtime log row. Failures are logged and dropped.
func (r *Runtime) record(ctx context.Context, e domain.RuntimeLogEntry) {
	if r.Log == nil {
		return
	}
	e.ID = ulid.Make().String()
	if e.OccurredAt == "" {
		e.OccurredAt = domain.FormatTime(r.now())
	}
	if err := r.Log.AppendRuntimeLog(ctx, e); err != nil {
		r.logger().Warn().Err(err).Str("stage", e.Stage).Msg("runtime log write failed")
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
