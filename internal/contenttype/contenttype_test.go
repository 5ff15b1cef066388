package contenttype_test

import (
	"encoding/json"
	"errors"
	"testing"

	"homeostat/internal/contenttype"
	"homeostat/internal/domain"
)

func TestRegistryRejectsUnknownType(t *testing.T) {
	r := contenttype.Default()
	err := r.Validate("spreadsheet", json.RawMessage(`{}`))
	if !errors.Is(err, contenttype.ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	if _, ok := r.Evaluator("spreadsheet"); ok {
		t.Fatalf("unknown type must not evaluate")
	}
}

func TestEvaluatorIsOptional(t *testing.T) {
	r := contenttype.Default()
	if _, ok := r.Evaluator(contenttype.TypeText); ok {
		t.Fatalf("text must not be an evaluator")
	}
	for _, id := range []string{contenttype.TypeResponsePolicy, contenttype.TypeFreezePolicy} {
		if _, ok := r.Evaluator(id); !ok {
			t.Fatalf("%s should be an evaluator", id)
		}
	}
}

func TestValidatePayloads(t *testing.T) {
	r := contenttype.Default()
	cases := []struct {
		typeID  string
		payload string
		valid   bool
	}{
		{contenttype.TypeText, `{"content":"hi","extra":1}`, true},
		{contenttype.TypeText, `{"content":3}`, false},
		{contenttype.TypeText, `"just a string"`, false},
		{contenttype.TypeCommunity, `{"name":"gardeners"}`, true},
		{contenttype.TypeCommunity, `{"name":" "}`, false},
		{contenttype.TypeSensor, `{"label":"issues","targetOrganismId":"o1","metric":"github-issues"}`, true},
		{contenttype.TypeSensor, `{"label":"issues","metric":"github-issues"}`, false},
		{contenttype.TypeVariable, `{"label":"v","value":0,"computation":{"mode":"observation-sum","windowSeconds":60}}`, true},
		{contenttype.TypeVariable, `{"label":"v","computation":{"mode":"anything"}}`, true},
		{contenttype.TypeVariable, `{"label":"v","computation":{"windowSeconds":0}}`, false},
		{contenttype.TypeVariable, `{"label":"v","computation":{"clampMin":5,"clampMax":1}}`, false},
		{contenttype.TypeResponsePolicy, `{"mode":"variable-threshold","variableLabel":"v","condition":"above","threshold":3,"action":"decline-all"}`, true},
		{contenttype.TypeResponsePolicy, `{"mode":"variable-threshold","variableLabel":"v","condition":"equal","threshold":3,"action":"decline-all"}`, false},
		{contenttype.TypeFreezePolicy, `{"frozen":false}`, true},
		{contenttype.TypeFreezePolicy, `{}`, false},
		{contenttype.TypeAction, `{"kind":"github-pr","executionMode":"direct-low-risk","riskLevel":"low",
			"trigger":{"responsePolicyOrganismId":"p","whenDecision":"decline"},
			"config":{"owner":"acme","repository":"widgets","baseBranch":"main","headBranch":"fix","title":"Fix"}}`, true},
		{contenttype.TypeAction, `{"kind":"github-pr","executionMode":"direct-low-risk","riskLevel":"low",
			"trigger":{"responsePolicyOrganismId":"p","whenDecision":"decline"},
			"config":{"owner":"acme"}}`, false},
		{contenttype.TypeAction, `{"kind":"open-proposal","executionMode":"sometimes","riskLevel":"low",
			"trigger":{"responsePolicyOrganismId":"p","whenDecision":"pass"},"config":{"targetOrganismId":"t"}}`, false},
	}
	for _, c := range cases {
		err := r.Validate(c.typeID, json.RawMessage(c.payload))
		if c.valid && err != nil {
			t.Fatalf("%s %s: unexpected error %v", c.typeID, c.payload, err)
		}
		if !c.valid {
			var ve contenttype.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("%s %s: expected ValidationError, got %v", c.typeID, c.payload, err)
			}
		}
	}
}

func TestResponsePolicyEvaluate(t *testing.T) {
	ev, _ := contenttype.Default().Evaluator(contenttype.TypeResponsePolicy)
	view := contenttype.ProposalView{ID: "p1", OrganismID: "o1"}

	d, err := ev.Evaluate(view, json.RawMessage(`{"mode":"variable-threshold","variableLabel":"load","condition":"above","threshold":3,"action":"decline-all"}`))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Decision != domain.DecisionPass {
		t.Fatalf("no snapshot must pass, got %s", d.Decision)
	}

	d, err = ev.Evaluate(view, json.RawMessage(`{"mode":"variable-threshold","variableLabel":"load","condition":"above","threshold":3,"currentVariableValue":4,"action":"decline-all"}`))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Decision != domain.DecisionDecline || d.Reason == "" {
		t.Fatalf("expected decline with reason, got %+v", d)
	}

	d, _ = ev.Evaluate(view, json.RawMessage(`{"mode":"variable-threshold","variableLabel":"load","condition":"below","threshold":3,"currentVariableValue":4,"action":"decline-all"}`))
	if d.Decision != domain.DecisionPass {
		t.Fatalf("untriggered below must pass, got %s", d.Decision)
	}
}

func TestFreezePolicyEvaluate(t *testing.T) {
	ev, _ := contenttype.Default().Evaluator(contenttype.TypeFreezePolicy)
	d, err := ev.Evaluate(contenttype.ProposalView{}, json.RawMessage(`{"frozen":true,"reason":"release week"}`))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Decision != domain.DecisionDecline || d.Reason != "release week" {
		t.Fatalf("unexpected decision %+v", d)
	}
}
