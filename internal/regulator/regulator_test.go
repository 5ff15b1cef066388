package regulator_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"homeostat/internal/contenttype"
	"homeostat/internal/db"
	"homeostat/internal/domain"
	"homeostat/internal/engine"
	"homeostat/internal/gateway/github"
	"homeostat/internal/ledger"
	"homeostat/internal/migrate"
	"homeostat/internal/regulator"
)

const steward = "alice"

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeGateway struct {
	mu       sync.Mutex
	finds    int
	creates  int
	existing *github.PullRequestRecord
	failNext error
}

func (g *fakeGateway) FindOpenPullRequestByHead(_ context.Context, req github.FindRequest) (*github.PullRequestRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.finds++
	if g.failNext != nil {
		err := g.failNext
		g.failNext = nil
		return nil, err
	}
	return g.existing, nil
}

func (g *fakeGateway) CreatePullRequest(_ context.Context, req github.CreateRequest) (github.PullRequestRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.creates++
	return github.PullRequestRecord{
		Number:     41 + g.creates,
		URL:        "https://github.example/" + req.Owner + "/" + req.Repository + "/pull/42",
		Title:      req.Title,
		State:      "open",
		HeadBranch: req.HeadBranch,
		BaseBranch: req.BaseBranch,
	}, nil
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.finds + g.creates
}

type world struct {
	ctx      context.Context
	engine   engine.Engine
	ledger   ledger.SQLiteStore
	gateway  *fakeGateway
	boundary domain.Organism
	target   domain.Organism
}

func newWorld(t *testing.T) *world {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, contenttype.Default())
	tick := 0
	eng.Now = func() time.Time {
		tick++
		return now.Add(-time.Hour).Add(time.Duration(tick) * time.Millisecond)
	}
	w := &world{ctx: ctx, engine: eng, ledger: ledger.SQLiteStore{DB: conn}, gateway: &fakeGateway{}}
	w.boundary = w.create(t, "boundary", contenttype.TypeText, map[string]any{"content": "issue triage loop"}, false)
	w.target = w.create(t, "repository", contenttype.TypeText, map[string]any{"content": "acme/widgets"}, false)
	return w
}

func (w *world) create(t *testing.T, name, typeID string, payload any, openTrunk bool) domain.Organism {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s: %v", name, err)
	}
	o, _, err := w.engine.CreateOrganism(w.ctx, engine.CreateOrganismOptions{
		Name:          name,
		ContentTypeID: typeID,
		Payload:       data,
		OpenTrunk:     openTrunk,
		ActorID:       steward,
	})
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	return o
}

// child creates an open-trunk organism composed into the boundary.
func (w *world) child(t *testing.T, name, typeID string, payload any) domain.Organism {
	t.Helper()
	o := w.create(t, name, typeID, payload, true)
	if _, err := w.engine.Compose(w.ctx, engine.ComposeOptions{ParentID: w.boundary.ID, ChildID: o.ID, ActorID: steward}); err != nil {
		t.Fatalf("compose %s: %v", name, err)
	}
	return o
}

// loop composes a sensor on the target, an observation-sum variable and a
// threshold policy. It returns the policy organism.
func (w *world) loop(t *testing.T, condition string, threshold float64) domain.Organism {
	t.Helper()
	w.child(t, "issues-sensor", contenttype.TypeSensor, map[string]any{
		"label": "issues", "targetOrganismId": w.target.ID, "metric": "github-issues",
	})
	w.child(t, "open-issues", contenttype.TypeVariable, map[string]any{
		"label": "open-issues",
		"value": 0,
		"computation": map[string]any{
			"mode": "observation-sum", "sensorLabel": "issues", "metric": "github-issues",
		},
	})
	return w.child(t, "issue-pressure", contenttype.TypeResponsePolicy, map[string]any{
		"mode": "variable-threshold", "variableLabel": "open-issues", "condition": condition,
		"threshold": threshold, "action": "decline-all",
	})
}

func (w *world) observe(t *testing.T, values ...float64) {
	t.Helper()
	for _, v := range values {
		if _, err := w.engine.RecordObservation(w.ctx, engine.ObservationOptions{
			OrganismID: w.target.ID, Metric: "github-issues", Value: v, ActorID: "collector",
		}); err != nil {
			t.Fatalf("observe: %v", err)
		}
	}
}

func (w *world) action(t *testing.T, name string, payload map[string]any) domain.Organism {
	t.Helper()
	return w.child(t, name, contenttype.TypeAction, payload)
}

func prAction(policyID, whenDecision, mode, risk string) map[string]any {
	return map[string]any{
		"label":         "triage-pr",
		"kind":          "github-pr",
		"executionMode": mode,
		"riskLevel":     risk,
		"trigger":       map[string]any{"responsePolicyOrganismId": policyID, "whenDecision": whenDecision},
		"config": map[string]any{
			"owner": "acme", "repository": "widgets", "baseBranch": "main",
			"headBranch": "regulator/triage", "title": "Triage open issues",
		},
	}
}

func (w *world) runtime(allow regulator.Allowlist) *regulator.Runtime {
	return &regulator.Runtime{
		Core:       w.engine,
		Discoverer: w.engine.Repo,
		Ledger:     w.ledger,
		Log:        w.ledger,
		Gateway:    w.gateway,
		Allowlist:  allow,
		Options:    regulator.Options{BoundaryOrganismIDs: []string{w.boundary.ID}, Workers: 2},
		Now:        func() time.Time { return now },
	}
}

var allowAll = regulator.Allowlist{Repositories: []string{"*"}, BaseBranches: []string{"*"}, TargetOrganisms: []string{"*"}}

func run(t *testing.T, rt *regulator.Runtime) regulator.CycleResult {
	t.Helper()
	res, err := rt.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if len(res.Boundaries) != 1 {
		t.Fatalf("expected one boundary, got %d", len(res.Boundaries))
	}
	if res.Boundaries[0].Error != "" {
		t.Fatalf("boundary error: %s", res.Boundaries[0].Error)
	}
	return res
}

func (w *world) variableValue(t *testing.T, label string) float64 {
	t.Helper()
	children, err := w.engine.FindChildren(w.ctx, w.boundary.ID)
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	for _, c := range children {
		st, err := w.engine.FindCurrentByOrganismID(w.ctx, c.ChildID)
		if err != nil {
			t.Fatalf("state: %v", err)
		}
		if st.ContentTypeID != contenttype.TypeVariable {
			continue
		}
		var p domain.VariablePayload
		if err := json.Unmarshal(st.Payload, &p); err != nil {
			t.Fatalf("decode variable: %v", err)
		}
		if p.Label == label {
			return p.Value
		}
	}
	t.Fatalf("variable %s not found", label)
	return 0
}

func TestObservationSumKeepsPolicyPassing(t *testing.T) {
	w := newWorld(t)
	policy := w.loop(t, "above", 3)
	w.observe(t, 1, 1, -1)

	res := run(t, w.runtime(allowAll))
	if got := w.variableValue(t, "open-issues"); got != 1 {
		t.Fatalf("expected variable 1, got %v", got)
	}
	if res.Totals.VariableUpdates != 1 || res.Totals.ResponsePolicyUpdates != 1 {
		t.Fatalf("unexpected totals: %+v", res.Totals)
	}
	st, err := w.engine.FindCurrentByOrganismID(w.ctx, policy.ID)
	if err != nil {
		t.Fatalf("policy state: %v", err)
	}
	var p domain.ResponsePolicyPayload
	if err := json.Unmarshal(st.Payload, &p); err != nil {
		t.Fatalf("decode policy: %v", err)
	}
	if p.CurrentVariableValue == nil || *p.CurrentVariableValue != 1 {
		t.Fatalf("expected cached snapshot 1, got %v", p.CurrentVariableValue)
	}
	if p.Decide() != domain.DecisionPass {
		t.Fatalf("expected pass, got %s", p.Decide())
	}

	prop, err := w.engine.OpenProposal(w.ctx, engine.OpenProposalOptions{
		OrganismID: w.boundary.ID,
		Mutation: domain.Mutation{
			Kind: domain.MutationAppendState, ContentTypeID: contenttype.TypeText,
			Payload: json.RawMessage(`{"content":"next"}`),
		},
		ActorID: "bob",
	})
	if err != nil {
		t.Fatalf("open proposal: %v", err)
	}
	outcome, err := w.engine.EvaluateProposal(w.ctx, prop.ID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !outcome.Passed {
		t.Fatalf("expected proposal to pass, got %+v", outcome)
	}
}

func TestHighRiskActionOpensProposalOnBoundary(t *testing.T) {
	w := newWorld(t)
	policy := w.loop(t, "above", 0)
	w.action(t, "follow-up", map[string]any{
		"kind":          "open-proposal",
		"executionMode": "direct-low-risk",
		"riskLevel":     "high",
		"trigger":       map[string]any{"responsePolicyOrganismId": policy.ID, "whenDecision": "decline"},
		"config":        map[string]any{"targetOrganismId": w.target.ID},
	})
	w.observe(t, 1)

	res := run(t, w.runtime(allowAll))
	if res.Totals.ProposalActionsOpened != 1 || res.Totals.DirectActionExecutions != 0 {
		t.Fatalf("unexpected totals: %+v", res.Totals)
	}
	props, err := w.engine.ListProposals(w.ctx, w.boundary.ID, domain.ProposalOpen)
	if err != nil {
		t.Fatalf("list proposals: %v", err)
	}
	if len(props) != 1 {
		t.Fatalf("expected one boundary proposal, got %d", len(props))
	}
	if props[0].ProposedBy != regulator.DefaultRunnerUserID {
		t.Fatalf("expected runner as proposer, got %s", props[0].ProposedBy)
	}
	onTarget, err := w.engine.ListProposals(w.ctx, w.target.ID, "")
	if err != nil {
		t.Fatalf("list target proposals: %v", err)
	}
	if len(onTarget) != 0 {
		t.Fatalf("high-risk action must not reach target, got %d", len(onTarget))
	}
	execs, err := w.ledger.List(w.ctx, ledger.Filter{BoundaryOrganismID: w.boundary.ID})
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(execs) != 1 || execs[0].Status != domain.ExecutionProposalCreated {
		t.Fatalf("unexpected ledger: %+v", execs)
	}
}

func TestFanOutOpensOneProposalPerUnit(t *testing.T) {
	w := newWorld(t)
	policy := w.loop(t, "above", 0)
	w.action(t, "batch", map[string]any{
		"kind":          "open-proposal",
		"executionMode": "direct-low-risk",
		"riskLevel":     "low",
		"trigger":       map[string]any{"responsePolicyOrganismId": policy.ID, "whenDecision": "decline"},
		"config": map[string]any{
			"targetOrganismId":      w.target.ID,
			"payload":               map[string]any{"content": "triage one issue"},
			"fanOutByVariableCount": true,
		},
	})
	w.observe(t, 1, 1)

	res := run(t, w.runtime(regulator.Allowlist{TargetOrganisms: []string{w.target.ID}}))
	if res.Totals.DirectActionExecutions != 1 {
		t.Fatalf("unexpected totals: %+v", res.Totals)
	}
	if got := res.Boundaries[0].Actions[0].ProposalIDs; len(got) != 2 {
		t.Fatalf("expected two proposal ids, got %v", got)
	}
	props, err := w.engine.ListProposals(w.ctx, w.target.ID, domain.ProposalOpen)
	if err != nil {
		t.Fatalf("list proposals: %v", err)
	}
	if len(props) != 2 {
		t.Fatalf("expected two proposals, got %d", len(props))
	}
	seen := map[float64]bool{}
	for _, p := range props {
		var payload map[string]any
		if err := json.Unmarshal(p.Mutation.Payload, &payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload["fanOutTotal"] != float64(2) {
			t.Fatalf("expected fanOutTotal 2, got %v", payload["fanOutTotal"])
		}
		seen[payload["fanOutIndex"].(float64)] = true
	}
	if !seen[1] || !seen[2] {
		t.Fatalf("expected indexes 1 and 2, got %v", seen)
	}
}

func TestSecondCycleIsNoOp(t *testing.T) {
	w := newWorld(t)
	policy := w.loop(t, "above", 0)
	action := w.action(t, "triage-pr", prAction(policy.ID, "decline", "direct-low-risk", "low"))
	w.observe(t, 1)
	rt := w.runtime(regulator.Allowlist{Repositories: []string{"acme/widgets"}, BaseBranches: []string{"main"}})

	first := run(t, rt)
	if first.Totals.DirectActionExecutions != 1 {
		t.Fatalf("unexpected first totals: %+v", first.Totals)
	}
	if w.gateway.creates != 1 {
		t.Fatalf("expected one pull request, got %d", w.gateway.creates)
	}
	calls := w.gateway.calls()
	firstKey := first.Boundaries[0].Actions[0].IdempotencyKey

	second := run(t, rt)
	if w.gateway.calls() != calls {
		t.Fatalf("second cycle called the gateway %d more times", w.gateway.calls()-calls)
	}
	a := second.Boundaries[0].Actions[0]
	if a.Outcome != regulator.OutcomeDeclined || a.Reason != "already handled" {
		t.Fatalf("expected already handled, got %+v", a)
	}
	if a.IdempotencyKey != firstKey {
		t.Fatalf("idempotency key changed: %s vs %s", a.IdempotencyKey, firstKey)
	}
	if second.Totals.VariableUpdates != 0 || second.Totals.ResponsePolicyUpdates != 0 {
		t.Fatalf("unexpected second totals: %+v", second.Totals)
	}

	st, err := w.engine.FindCurrentByOrganismID(w.ctx, action.ID)
	if err != nil {
		t.Fatalf("action state: %v", err)
	}
	var p domain.ActionPayload
	if err := json.Unmarshal(st.Payload, &p); err != nil {
		t.Fatalf("decode action: %v", err)
	}
	if p.LastExecutionKey == nil || *p.LastExecutionKey != firstKey {
		t.Fatalf("expected lastExecutionKey %s, got %v", firstKey, p.LastExecutionKey)
	}
}

func TestExistingPullRequestCountsAsSuccess(t *testing.T) {
	w := newWorld(t)
	policy := w.loop(t, "above", 0)
	w.action(t, "triage-pr", prAction(policy.ID, "decline", "direct-low-risk", "low"))
	w.observe(t, 1)
	w.gateway.existing = &github.PullRequestRecord{Number: 7, State: "open", HeadBranch: "regulator/triage", BaseBranch: "main"}

	res := run(t, w.runtime(allowAll))
	a := res.Boundaries[0].Actions[0]
	if a.Outcome != regulator.OutcomeDirect || a.PullRequest == nil || a.PullRequest.Number != 7 {
		t.Fatalf("expected reuse of pull request 7, got %+v", a)
	}
	if w.gateway.creates != 0 {
		t.Fatalf("expected no create call, got %d", w.gateway.creates)
	}
}

func TestFailOpenPolicyTriggersPassActions(t *testing.T) {
	w := newWorld(t)
	policy := w.child(t, "unbound-policy", contenttype.TypeResponsePolicy, map[string]any{
		"mode": "variable-threshold", "variableLabel": "missing", "condition": "above",
		"threshold": 0, "action": "decline-all",
	})
	w.action(t, "triage-pr", prAction(policy.ID, "pass", "direct-low-risk", "low"))

	res := run(t, w.runtime(allowAll))
	if res.Totals.DirectActionExecutions != 1 {
		t.Fatalf("expected fail-open pass to trigger action, got %+v", res.Totals)
	}
}

func TestProposalRequiredNeverExecutesDirectly(t *testing.T) {
	w := newWorld(t)
	policy := w.loop(t, "above", 0)
	w.action(t, "triage-pr", prAction(policy.ID, "decline", "proposal-required", "low"))
	w.observe(t, 1)

	res := run(t, w.runtime(allowAll))
	a := res.Boundaries[0].Actions[0]
	if a.Outcome != regulator.OutcomeProposal {
		t.Fatalf("expected proposal outcome, got %+v", a)
	}
	if w.gateway.calls() != 0 {
		t.Fatalf("gateway must not be called, got %d calls", w.gateway.calls())
	}
}

func TestTriggerMismatchDeclines(t *testing.T) {
	w := newWorld(t)
	policy := w.loop(t, "above", 3)
	w.action(t, "triage-pr", prAction(policy.ID, "decline", "direct-low-risk", "low"))
	w.action(t, "orphan", prAction("no-such-policy", "pass", "direct-low-risk", "low"))
	w.observe(t, 1)

	res := run(t, w.runtime(allowAll))
	if res.Totals.DeclinedActions != 2 {
		t.Fatalf("expected two declines, got %+v", res.Totals)
	}
	execs, err := w.ledger.List(w.ctx, ledger.Filter{})
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(execs) != 0 {
		t.Fatalf("declined triggers must not reserve, got %d rows", len(execs))
	}
}

func TestAllowlistDeniesByDefault(t *testing.T) {
	w := newWorld(t)
	policy := w.loop(t, "above", 0)
	w.action(t, "triage-pr", prAction(policy.ID, "decline", "direct-low-risk", "low"))
	w.observe(t, 1)

	res := run(t, w.runtime(regulator.Allowlist{}))
	a := res.Boundaries[0].Actions[0]
	if a.Outcome != regulator.OutcomeDeclined || !strings.Contains(a.Reason, "not allowlisted") {
		t.Fatalf("expected allowlist decline, got %+v", a)
	}
	if w.gateway.calls() != 0 {
		t.Fatalf("gateway must not be called, got %d", w.gateway.calls())
	}
}

func TestFailedActionIsRetriedNextCycle(t *testing.T) {
	w := newWorld(t)
	policy := w.loop(t, "above", 0)
	w.action(t, "triage-pr", prAction(policy.ID, "decline", "direct-low-risk", "low"))
	w.observe(t, 1)
	w.gateway.failNext = errors.New("upstream unavailable")
	rt := w.runtime(allowAll)

	first := run(t, rt)
	if first.Totals.FailedActions != 1 {
		t.Fatalf("expected failure, got %+v", first.Totals)
	}
	execs, err := w.ledger.List(w.ctx, ledger.Filter{Status: domain.ExecutionFailed})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(execs) != 1 || !strings.Contains(execs[0].LastError, "upstream unavailable") {
		t.Fatalf("expected failed row with error, got %+v", execs)
	}

	second := run(t, rt)
	if second.Totals.DirectActionExecutions != 1 {
		t.Fatalf("expected retry to succeed, got %+v", second.Totals)
	}
	ex, err := w.ledger.Peek(w.ctx, second.Boundaries[0].Actions[0].IdempotencyKey)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if ex.Status != domain.ExecutionSucceeded || ex.AttemptCount != 2 {
		t.Fatalf("expected succeeded on attempt 2, got %s/%d", ex.Status, ex.AttemptCount)
	}
}

func TestCooldownDeclinesRecentAction(t *testing.T) {
	w := newWorld(t)
	policy := w.loop(t, "above", 0)
	payload := prAction(policy.ID, "decline", "direct-low-risk", "low")
	payload["lastExecutedAt"] = domain.FormatTime(now.Add(-time.Minute))
	w.action(t, "triage-pr", payload)
	w.observe(t, 1)

	res := run(t, w.runtime(allowAll))
	a := res.Boundaries[0].Actions[0]
	if a.Outcome != regulator.OutcomeDeclined || !strings.Contains(a.Reason, "cooldown") {
		t.Fatalf("expected cooldown decline, got %+v", a)
	}
}

func TestUnresolvableVariablesAreSkipped(t *testing.T) {
	w := newWorld(t)
	w.child(t, "manual", contenttype.TypeVariable, map[string]any{
		"label": "manual", "value": 4, "computation": map[string]any{"mode": "manual"},
	})
	w.child(t, "orphan", contenttype.TypeVariable, map[string]any{
		"label": "orphan", "value": 0,
		"computation": map[string]any{"mode": "observation-sum", "sensorLabel": "absent", "metric": "x"},
	})

	res := run(t, w.runtime(allowAll))
	if res.Totals.SkippedManagedVariables != 2 || res.Totals.VariableUpdates != 0 {
		t.Fatalf("unexpected totals: %+v", res.Totals)
	}
}

func TestRuntimeLogRecordsStages(t *testing.T) {
	w := newWorld(t)
	policy := w.loop(t, "above", 0)
	w.action(t, "triage-pr", prAction(policy.ID, "decline", "direct-low-risk", "low"))
	w.observe(t, 1)

	res := run(t, w.runtime(allowAll))
	entries, err := w.ledger.ListRuntimeLog(w.ctx, res.CycleID, 0)
	if err != nil {
		t.Fatalf("runtime log: %v", err)
	}
	stages := map[string]bool{}
	for _, e := range entries {
		stages[e.Stage] = true
	}
	for _, s := range []string{
		regulator.StageCycleStarted, regulator.StageBoundaryStarted, regulator.StageVariableUpdated,
		regulator.StageResponsePolicyUpdated, regulator.StageActionStarted, regulator.StageActionSucceeded,
		regulator.StageBoundaryCompleted, regulator.StageCycleCompleted,
	} {
		if !stages[s] {
			t.Fatalf("missing stage %s in %v", s, stages)
		}
	}
}

func TestBoundaryDiscovery(t *testing.T) {
	w := newWorld(t)
	rt := w.runtime(allowAll)
	rt.Options.BoundaryOrganismIDs = nil

	if _, err := rt.RunCycle(w.ctx); !errors.Is(err, regulator.ErrNoBoundaries) {
		t.Fatalf("expected ErrNoBoundaries, got %v", err)
	}

	w.loop(t, "above", 3)
	ids, err := rt.Boundaries(w.ctx)
	if err != nil {
		t.Fatalf("boundaries: %v", err)
	}
	if len(ids) != 1 || ids[0] != w.boundary.ID {
		t.Fatalf("expected discovered boundary, got %v", ids)
	}

	rt.Discoverer = nil
	if _, err := rt.RunCycle(w.ctx); !errors.Is(err, regulator.ErrDiscoveryUnavailable) {
		t.Fatalf("expected ErrDiscoveryUnavailable, got %v", err)
	}
}

func (w *world) observeAt(t *testing.T, metric string, value float64, at time.Time) {
	t.Helper()
	if _, err := w.engine.RecordObservation(w.ctx, engine.ObservationOptions{
		OrganismID: w.target.ID, Metric: metric, Value: value, SampledAt: &at, ActorID: "collector",
	}); err != nil {
		t.Fatalf("observe: %v", err)
	}
}

func (w *world) stateOf(t *testing.T, organismID string, out any) {
	t.Helper()
	st, err := w.engine.FindCurrentByOrganismID(w.ctx, organismID)
	if err != nil {
		t.Fatalf("state of %s: %v", organismID, err)
	}
	if err := json.Unmarshal(st.Payload, out); err != nil {
		t.Fatalf("decode state of %s: %v", organismID, err)
	}
}

func TestObservationWindowAndClamp(t *testing.T) {
	w := newWorld(t)
	w.child(t, "issues-sensor", contenttype.TypeSensor, map[string]any{
		"label": "issues", "targetOrganismId": w.target.ID, "metric": "github-issues",
	})
	variable := func(label string, computation map[string]any) {
		computation["mode"] = "observation-sum"
		computation["sensorLabel"] = "issues"
		w.child(t, label, contenttype.TypeVariable, map[string]any{"label": label, "value": 0, "computation": computation})
	}
	variable("windowed", map[string]any{"windowSeconds": 600})
	variable("capped", map[string]any{"windowSeconds": 600, "clampMax": 5})
	variable("floored", map[string]any{"clampMin": 200})

	w.observeAt(t, "github-issues", 100, now.Add(-time.Hour))
	w.observeAt(t, "github-issues", 3, now.Add(-time.Minute))
	w.observeAt(t, "github-issues", 4, now.Add(-10*time.Minute))
	w.observeAt(t, "github-issues", 50, now.Add(time.Minute))
	w.observeAt(t, "other-metric", 1000, now.Add(-time.Minute))

	res := run(t, w.runtime(allowAll))
	if res.Totals.VariableUpdates != 3 {
		t.Fatalf("expected 3 variable updates, got %+v", res.Totals)
	}
	for label, want := range map[string]float64{"windowed": 7, "capped": 5, "floored": 200} {
		if got := w.variableValue(t, label); got != want {
			t.Fatalf("%s: expected %v, got %v", label, want, got)
		}
	}
}

func TestDuplicateLabelsFirstSeenWins(t *testing.T) {
	w := newWorld(t)
	w.child(t, "issues-sensor", contenttype.TypeSensor, map[string]any{
		"label": "issues", "targetOrganismId": w.target.ID, "metric": "github-issues",
	})
	w.child(t, "shadow-sensor", contenttype.TypeSensor, map[string]any{
		"label": "issues", "targetOrganismId": w.boundary.ID, "metric": "github-issues",
	})
	first := w.child(t, "open-issues", contenttype.TypeVariable, map[string]any{
		"label": "open-issues", "value": 0,
		"computation": map[string]any{"mode": "observation-sum", "sensorLabel": "issues", "metric": "github-issues"},
	})
	second := w.child(t, "open-issues-copy", contenttype.TypeVariable, map[string]any{
		"label": "open-issues", "value": 9,
		"computation": map[string]any{"mode": "observation-sum", "sensorLabel": "issues", "metric": "other-metric"},
	})
	policy := w.child(t, "issue-pressure", contenttype.TypeResponsePolicy, map[string]any{
		"mode": "variable-threshold", "variableLabel": "open-issues", "condition": "above",
		"threshold": 10, "action": "decline-all",
	})
	w.observe(t, 1, 1)
	w.observeAt(t, "other-metric", 40, now.Add(-time.Minute))

	res := run(t, w.runtime(allowAll))
	if res.Totals.VariableUpdates != 1 {
		t.Fatalf("expected only the first variable to update, got %+v", res.Totals)
	}
	var v domain.VariablePayload
	w.stateOf(t, first.ID, &v)
	if v.Value != 2 || v.ComputedFrom == nil || v.ComputedFrom.TargetOrganismID != w.target.ID {
		t.Fatalf("expected first sensor to feed 2, got %+v", v)
	}
	w.stateOf(t, second.ID, &v)
	if v.Value != 9 {
		t.Fatalf("expected duplicate variable untouched, got %v", v.Value)
	}
	var p domain.ResponsePolicyPayload
	w.stateOf(t, policy.ID, &p)
	if p.CurrentVariableValue == nil || *p.CurrentVariableValue != 2 {
		t.Fatalf("expected snapshot from first variable, got %v", p.CurrentVariableValue)
	}
}

func TestUnresolvedSensorDoesNotFeedPolicies(t *testing.T) {
	w := newWorld(t)
	w.child(t, "orphan", contenttype.TypeVariable, map[string]any{
		"label": "orphan", "value": 0,
		"computation": map[string]any{"mode": "observation-sum", "sensorLabel": "absent", "metric": "x"},
	})
	w.child(t, "manual", contenttype.TypeVariable, map[string]any{
		"label": "manual", "value": 0, "computation": map[string]any{"mode": "manual"},
	})
	orphanPolicy := w.child(t, "orphan-pressure", contenttype.TypeResponsePolicy, map[string]any{
		"mode": "variable-threshold", "variableLabel": "orphan", "condition": "below",
		"threshold": 1, "action": "decline-all",
	})
	manualPolicy := w.child(t, "manual-pressure", contenttype.TypeResponsePolicy, map[string]any{
		"mode": "variable-threshold", "variableLabel": "manual", "condition": "below",
		"threshold": 1, "action": "decline-all",
	})
	w.action(t, "triage-pr", prAction(orphanPolicy.ID, "decline", "direct-low-risk", "low"))

	res := run(t, w.runtime(allowAll))
	if res.Totals.ResponsePolicyUpdates != 1 || res.Totals.DirectActionExecutions != 0 {
		t.Fatalf("unexpected totals: %+v", res.Totals)
	}
	if w.gateway.calls() != 0 {
		t.Fatalf("expected no gateway calls, got %d", w.gateway.calls())
	}
	var p domain.ResponsePolicyPayload
	w.stateOf(t, orphanPolicy.ID, &p)
	if p.CurrentVariableValue != nil || p.Decide() != domain.DecisionPass {
		t.Fatalf("expected orphan policy to stay fail-open, got %+v", p)
	}
	w.stateOf(t, manualPolicy.ID, &p)
	if p.CurrentVariableValue == nil || *p.CurrentVariableValue != 0 {
		t.Fatalf("expected manual variable snapshot, got %v", p.CurrentVariableValue)
	}
}
