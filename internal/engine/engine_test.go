package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"homeostat/internal/contenttype"
	"homeostat/internal/db"
	"homeostat/internal/domain"
	"homeostat/internal/engine"
	"homeostat/internal/engine/auth"
	"homeostat/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, contenttype.Default())
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	eng.Now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) create(t *testing.T, name, actor, contentType string, payload any, openTrunk bool) domain.Organism {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	o, _, err := env.Engine.CreateOrganism(env.Ctx, engine.CreateOrganismOptions{
		Name:          name,
		ContentTypeID: contentType,
		Payload:       data,
		OpenTrunk:     openTrunk,
		ActorID:       actor,
	})
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	return o
}

func (env testEnv) compose(t *testing.T, parent, child domain.Organism, actor string) {
	t.Helper()
	if _, err := env.Engine.Compose(env.Ctx, engine.ComposeOptions{ParentID: parent.ID, ChildID: child.ID, ActorID: actor}); err != nil {
		t.Fatalf("compose %s into %s: %v", child.Name, parent.Name, err)
	}
}

func text(content string) map[string]any { return map[string]any{"content": content} }

func TestCreateOrganismSeedsStateAndStewardship(t *testing.T) {
	env := newTestEnv(t)
	o, st, err := env.Engine.CreateOrganism(env.Ctx, engine.CreateOrganismOptions{
		Name:          "charter",
		ContentTypeID: contenttype.TypeText,
		Payload:       json.RawMessage(`{"content": "hello"}`),
		ActorID:       "alice",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if st.SequenceNumber != 1 || st.ParentStateID != nil {
		t.Fatalf("expected first state with no parent, got %+v", st)
	}
	if string(st.Payload) != `{"content":"hello"}` {
		t.Fatalf("expected compacted payload, got %s", st.Payload)
	}
	rels, err := env.Engine.Repo.RelationshipsFor(env.Ctx, "alice", o.ID)
	if err != nil || len(rels) != 1 || rels[0].Type != domain.RelationshipStewardship {
		t.Fatalf("expected stewardship relationship, got %+v err=%v", rels, err)
	}
	evts, err := env.Engine.FindEvents(env.Ctx, o.ID, domain.EventOrganismCreated)
	if err != nil || len(evts) != 1 {
		t.Fatalf("expected one created event, got %d err=%v", len(evts), err)
	}
}

func TestCreateOrganismRejectsInvalidPayload(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Engine.CreateOrganism(env.Ctx, engine.CreateOrganismOptions{
		Name:          "bad sensor",
		ContentTypeID: contenttype.TypeSensor,
		Payload:       json.RawMessage(`{"label": "s"}`),
		ActorID:       "alice",
	})
	var verr contenttype.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	_, _, err = env.Engine.CreateOrganism(env.Ctx, engine.CreateOrganismOptions{
		Name:          "mystery",
		ContentTypeID: "mystery",
		Payload:       json.RawMessage(`{}`),
		ActorID:       "alice",
	})
	if !errors.Is(err, contenttype.ErrUnknownType) {
		t.Fatalf("expected unknown type, got %v", err)
	}
}

func TestAppendStateRequiresOpenTrunk(t *testing.T) {
	env := newTestEnv(t)
	closed := env.create(t, "closed", "alice", contenttype.TypeText, text("v1"), false)
	_, err := env.Engine.AppendState(env.Ctx, engine.AppendStateOptions{
		OrganismID:    closed.ID,
		ContentTypeID: contenttype.TypeText,
		Payload:       json.RawMessage(`{"content":"v2"}`),
		ActorID:       "alice",
	})
	if !errors.Is(err, engine.ErrNotOpenTrunk) {
		t.Fatalf("expected ErrNotOpenTrunk, got %v", err)
	}

	open := env.create(t, "open", "alice", contenttype.TypeText, text("v1"), true)
	st, err := env.Engine.AppendState(env.Ctx, engine.AppendStateOptions{
		OrganismID:    open.ID,
		ContentTypeID: contenttype.TypeText,
		Payload:       json.RawMessage(`{"content":"v2"}`),
		ActorID:       "bob",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if st.SequenceNumber != 2 || st.ParentStateID == nil {
		t.Fatalf("expected sequence 2 with parent, got %+v", st)
	}
	cur, err := env.Engine.FindCurrentByOrganismID(env.Ctx, open.ID)
	if err != nil || cur.ID != st.ID {
		t.Fatalf("expected current state %s, got %+v err=%v", st.ID, cur, err)
	}
}

func TestComposeKeepsTreeShape(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t, "a", "alice", contenttype.TypeText, text("a"), false)
	b := env.create(t, "b", "alice", contenttype.TypeText, text("b"), false)
	c := env.create(t, "c", "alice", contenttype.TypeText, text("c"), false)
	env.compose(t, a, b, "alice")
	env.compose(t, b, c, "alice")

	_, err := env.Engine.Compose(env.Ctx, engine.ComposeOptions{ParentID: a.ID, ChildID: c.ID, ActorID: "alice"})
	if !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("expected conflict for second parent, got %v", err)
	}
	_, err = env.Engine.Compose(env.Ctx, engine.ComposeOptions{ParentID: c.ID, ChildID: a.ID, ActorID: "alice"})
	if !errors.Is(err, engine.ErrCompositionCycle) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	if err := env.Engine.Decompose(env.Ctx, b.ID, c.ID, "alice"); err != nil {
		t.Fatalf("decompose: %v", err)
	}
	env.compose(t, a, c, "alice")
	children, err := env.Engine.FindChildren(env.Ctx, a.ID)
	if err != nil || len(children) != 2 {
		t.Fatalf("expected 2 children, got %d err=%v", len(children), err)
	}
}

func TestChildrenOrderedByPositionThenComposedAt(t *testing.T) {
	env := newTestEnv(t)
	parent := env.create(t, "parent", "alice", contenttype.TypeText, text("p"), false)
	var kids []domain.Organism
	for _, name := range []string{"k0", "k1", "k2", "k3"} {
		kids = append(kids, env.create(t, name, "alice", contenttype.TypeText, text(name), false))
	}
	one, zero := 1, 0
	compose := func(child domain.Organism, pos *int) {
		if _, err := env.Engine.Compose(env.Ctx, engine.ComposeOptions{ParentID: parent.ID, ChildID: child.ID, Position: pos, ActorID: "alice"}); err != nil {
			t.Fatalf("compose: %v", err)
		}
	}
	compose(kids[0], nil)
	compose(kids[1], &one)
	compose(kids[2], nil)
	compose(kids[3], &zero)

	children, err := env.Engine.FindChildren(env.Ctx, parent.ID)
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	want := []string{kids[3].ID, kids[1].ID, kids[0].ID, kids[2].ID}
	for i, c := range children {
		if c.ChildID != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], c.ChildID)
		}
	}
}

func TestComposeRequiresAuthorityOnParent(t *testing.T) {
	env := newTestEnv(t)
	parent := env.create(t, "parent", "alice", contenttype.TypeText, text("p"), false)
	child := env.create(t, "child", "bob", contenttype.TypeText, text("c"), false)
	_, err := env.Engine.Compose(env.Ctx, engine.ComposeOptions{ParentID: parent.ID, ChildID: child.ID, ActorID: "bob"})
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestIntegrateProposalGatedByPolicy(t *testing.T) {
	env := newTestEnv(t)
	doc := env.create(t, "doc", "alice", contenttype.TypeText, text("v1"), false)
	freeze := env.create(t, "freeze", "alice", contenttype.TypeFreezePolicy, map[string]any{"frozen": true, "reason": "release freeze"}, true)
	env.compose(t, doc, freeze, "alice")

	p, err := env.Engine.OpenProposal(env.Ctx, engine.OpenProposalOptions{
		OrganismID: doc.ID,
		Mutation: domain.Mutation{
			Kind:          domain.MutationAppendState,
			ContentTypeID: contenttype.TypeText,
			Payload:       json.RawMessage(`{"content":"v2"}`),
		},
		ActorID: "bob",
	})
	if err != nil {
		t.Fatalf("open proposal: %v", err)
	}

	_, outcome, err := env.Engine.IntegrateProposal(env.Ctx, p.ID, "alice")
	var declined engine.PolicyDeclinedError
	if !errors.As(err, &declined) {
		t.Fatalf("expected policy decline, got %v", err)
	}
	if outcome.Passed || len(outcome.Results) != 1 || outcome.Results[0].Result.Reason != "release freeze" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	still, err := env.Engine.GetProposal(env.Ctx, p.ID)
	if err != nil || still.Status != domain.ProposalOpen {
		t.Fatalf("expected proposal to stay open, got %+v err=%v", still, err)
	}

	if _, err := env.Engine.AppendState(env.Ctx, engine.AppendStateOptions{
		OrganismID:    freeze.ID,
		ContentTypeID: contenttype.TypeFreezePolicy,
		Payload:       json.RawMessage(`{"frozen": false}`),
		ActorID:       "alice",
	}); err != nil {
		t.Fatalf("thaw: %v", err)
	}
	integrated, outcome, err := env.Engine.IntegrateProposal(env.Ctx, p.ID, "alice")
	if err != nil {
		t.Fatalf("integrate: %v", err)
	}
	if !outcome.Passed || integrated.Status != domain.ProposalIntegrated {
		t.Fatalf("expected integration, got %+v %+v", integrated, outcome)
	}
	cur, err := env.Engine.FindCurrentByOrganismID(env.Ctx, doc.ID)
	if err != nil || cur.SequenceNumber != 2 || cur.CreatedBy != "bob" {
		t.Fatalf("expected proposer's state #2, got %+v err=%v", cur, err)
	}

	_, _, err = env.Engine.IntegrateProposal(env.Ctx, p.ID, "alice")
	if !errors.Is(err, engine.ErrProposalResolved) {
		t.Fatalf("expected already resolved, got %v", err)
	}
	_, err = env.Engine.DeclineProposal(env.Ctx, p.ID, "alice", "late")
	if !errors.Is(err, engine.ErrProposalResolved) {
		t.Fatalf("expected already resolved on decline, got %v", err)
	}
}

func TestIntegrateRequiresAuthority(t *testing.T) {
	env := newTestEnv(t)
	doc := env.create(t, "doc", "alice", contenttype.TypeText, text("v1"), false)
	p, err := env.Engine.OpenProposal(env.Ctx, engine.OpenProposalOptions{
		OrganismID: doc.ID,
		Mutation:   domain.Mutation{Kind: domain.MutationChangeVisibility, Visibility: domain.VisibilityMembers},
		ActorID:    "bob",
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, _, err = env.Engine.IntegrateProposal(env.Ctx, p.ID, "bob")
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := env.Engine.GrantRelationship(env.Ctx, engine.GrantRelationshipOptions{
		OrganismID: doc.ID,
		UserID:     "bob",
		Type:       domain.RelationshipIntegrationAuthority,
		ActorID:    "alice",
	}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, _, err := env.Engine.IntegrateProposal(env.Ctx, p.ID, "bob"); err != nil {
		t.Fatalf("integrate with authority: %v", err)
	}
	level, err := env.Engine.Repo.GetVisibility(env.Ctx, doc.ID)
	if err != nil || level.Level != domain.VisibilityMembers {
		t.Fatalf("expected members visibility, got %+v err=%v", level, err)
	}
}

func TestDeclineProposalRecordsReason(t *testing.T) {
	env := newTestEnv(t)
	doc := env.create(t, "doc", "alice", contenttype.TypeText, text("v1"), false)
	p, err := env.Engine.OpenProposal(env.Ctx, engine.OpenProposalOptions{
		OrganismID: doc.ID,
		Mutation:   domain.Mutation{Kind: domain.MutationAppendState, ContentTypeID: contenttype.TypeText, Payload: json.RawMessage(`{"content":"x"}`)},
		ActorID:    "bob",
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	declined, err := env.Engine.DeclineProposal(env.Ctx, p.ID, "alice", "off topic")
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	stored, err := env.Engine.GetProposal(env.Ctx, declined.ID)
	if err != nil || stored.Status != domain.ProposalDeclined || stored.DeclineReason != "off topic" || stored.ResolvedBy == nil {
		t.Fatalf("unexpected stored proposal %+v err=%v", stored, err)
	}
}

func TestOpenProposalValidatesMutation(t *testing.T) {
	env := newTestEnv(t)
	doc := env.create(t, "doc", "alice", contenttype.TypeText, text("v1"), false)
	other := env.create(t, "other", "alice", contenttype.TypeText, text("o"), false)
	cases := []domain.Mutation{
		{Kind: "rename"},
		{Kind: domain.MutationCompose},
		{Kind: domain.MutationDecompose, ChildID: other.ID},
		{Kind: domain.MutationChangeVisibility, Visibility: "secret"},
		{Kind: domain.MutationAppendState, ContentTypeID: contenttype.TypeCommunity, Payload: json.RawMessage(`{}`)},
	}
	for _, m := range cases {
		if _, err := env.Engine.OpenProposal(env.Ctx, engine.OpenProposalOptions{OrganismID: doc.ID, Mutation: m, ActorID: "bob"}); err == nil {
			t.Fatalf("expected mutation %+v to be rejected", m)
		}
	}
}

func TestRecordObservationPublishesEvent(t *testing.T) {
	env := newTestEnv(t)
	repo := env.create(t, "repo", "alice", contenttype.TypeText, text("r"), false)
	sampled := time.Date(2024, 1, 1, 0, 0, 30, 0, time.UTC)
	if _, err := env.Engine.RecordObservation(env.Ctx, engine.ObservationOptions{
		OrganismID: repo.ID,
		Metric:     "github-issues",
		Value:      1,
		SampledAt:  &sampled,
		ActorID:    "collector",
	}); err != nil {
		t.Fatalf("observe: %v", err)
	}
	evts, err := env.Engine.FindEvents(env.Ctx, repo.ID, domain.EventOrganismObserved)
	if err != nil || len(evts) != 1 {
		t.Fatalf("expected one observation, got %d err=%v", len(evts), err)
	}
	if evts[0].Payload["metric"] != "github-issues" || evts[0].Payload["value"] != float64(1) {
		t.Fatalf("unexpected payload %+v", evts[0].Payload)
	}
	if evts[0].Payload["sampledAt"] != domain.FormatTime(sampled) {
		t.Fatalf("expected sampledAt, got %+v", evts[0].Payload)
	}
}
